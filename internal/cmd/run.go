package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aegisrun/aegis/internal/approval"
	"github.com/aegisrun/aegis/internal/audit"
	"github.com/aegisrun/aegis/internal/budget"
	"github.com/aegisrun/aegis/internal/config"
	"github.com/aegisrun/aegis/internal/pipeline"
	"github.com/aegisrun/aegis/internal/policy"
	"github.com/aegisrun/aegis/internal/sandbox"
	"github.com/aegisrun/aegis/internal/store"
)

var (
	runWorkspace string
	runPackID    string
	runDryRun    bool
	runSandbox   bool
	runVars      []string
)

var runCmd = &cobra.Command{
	Use:   "run [pipeline.yaml]",
	Short: "Execute a pipeline under governance",
	Long: `Run executes the steps of a pipeline file in order, applying the
workspace's policy pack at every step: allowlist check, approval gate,
budget gate, then dispatch. Use --dry-run to see decisions without
invoking any tool.`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "default", "Workspace id")
	runCmd.Flags().StringVar(&runPackID, "pack", "policy.starter", "Policy pack id")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Evaluate gates without invoking handlers")
	runCmd.Flags().BoolVar(&runSandbox, "sandbox", false, "Dispatch each tool to the sandbox image")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Pipeline variable as key=value (repeatable)")
	rootCmd.AddCommand(runCmd)
}

// openGovernance loads config and opens the shared governance database.
func openGovernance() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.Open(cfg.StoreDBPath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading pipeline file: %w", err)
	}
	var p pipeline.Pipeline
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parsing pipeline file: %w", err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(args[0], ".yaml")
	}

	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	cfg, db, err := openGovernance()
	if err != nil {
		return err
	}
	defer db.Close()

	pack, err := policy.LoadPack(ctx, runPackID, cfg.PolicyOverrideDir)
	if err != nil {
		return fmt.Errorf("loading policy pack: %w", err)
	}

	ledger := budget.NewLedger(db)
	if err := ledger.InitBudgets(ctx, runWorkspace, pack); err != nil {
		return fmt.Errorf("initializing budgets: %w", err)
	}

	registry := pipeline.NewRegistry()
	if runSandbox && !runDryRun {
		registerSandboxHandlers(registry, cfg, pack, &p)
	}

	runner := pipeline.NewRunner(db, registry, pack,
		approval.NewChain(db), ledger, audit.NewChain(db, cfg.AuditMirrorDir()))

	result, err := runner.Run(ctx, runWorkspace, p, vars, runDryRun)
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run result: %w", err)
	}
	fmt.Println(string(out))

	if result.Status == pipeline.RunFailed {
		return fmt.Errorf("run %s failed", result.RunID)
	}
	return nil
}

// registerSandboxHandlers wires every tool in the pipeline to a handler
// that executes it inside the configured sandbox image.
func registerSandboxHandlers(registry *pipeline.Registry, cfg *config.Config, pack *policy.Pack, p *pipeline.Pipeline) {
	runner := sandbox.NewRunner(cfg.SandboxImage, ".",
		sandbox.WithNetwork(cfg.SandboxNetwork),
		sandbox.WithProxy(cfg.EgressProxyURL),
		sandbox.WithTimeout(time.Duration(cfg.SandboxTimeoutSec)*time.Second))

	for _, step := range p.Steps {
		toolID := step.ToolID
		registry.Register(toolID, func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			out, err := runner.RunTool(ctx, sandbox.Request{
				ToolID: toolID,
				Input:  input,
				Policy: pack,
			})
			if err != nil {
				return nil, err
			}
			return json.RawMessage(out), nil
		})
	}
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
