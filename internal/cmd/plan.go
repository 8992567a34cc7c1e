package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aegisrun/aegis/internal/capability"
)

var planCatalog string

// catalogFile is the on-disk shape of a capability catalog: the declared
// capabilities plus which connector provides which ids.
type catalogFile struct {
	Capabilities []capability.Capability `yaml:"capabilities"`
	Connectors   map[string][]string     `yaml:"connectors"`
}

var planCmd = &cobra.Command{
	Use:   "plan [capability-id...]",
	Short: "Resolve required capabilities and pick covering connectors",
	Long: `Plan expands the given capabilities into their transitive
prerequisites and greedily selects connectors that cover them. Capabilities
absent from the catalog and capabilities no connector provides are reported,
never silently dropped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planCatalog, "catalog", "capabilities.yaml", "Capability catalog file")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	_, span := tracer.Start(cmd.Context(), "plan")
	defer span.End()

	raw, err := os.ReadFile(planCatalog)
	if err != nil {
		return fmt.Errorf("reading capability catalog: %w", err)
	}
	var catalog catalogFile
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return fmt.Errorf("parsing capability catalog: %w", err)
	}

	graph := capability.NewGraph(catalog.Capabilities, catalog.Connectors)

	if missing := graph.Missing(args); len(missing) > 0 {
		return fmt.Errorf("unknown capabilities: %v", missing)
	}

	resolved, err := graph.Resolve(args)
	if err != nil {
		return fmt.Errorf("resolving capabilities: %w", err)
	}
	selection := graph.SelectConnectors(resolved)

	out, err := json.MarshalIndent(map[string]interface{}{
		"resolved":   resolved,
		"connectors": selection.Connectors,
		"uncovered":  selection.Uncovered,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
