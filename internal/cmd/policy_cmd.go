package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisrun/aegis/internal/config"
	"github.com/aegisrun/aegis/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate policy packs",
}

var policyShowCmd = &cobra.Command{
	Use:   "show [pack-id]",
	Short: "Print a resolved policy pack (built-in tier or workspace override)",
	Args:  cobra.ExactArgs(1),
	RunE:  policyShow,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [pack.yaml]",
	Short: "Validate a policy pack file against the pack schema",
	Args:  cobra.ExactArgs(1),
	RunE:  policyValidate,
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}

func policyShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "policy_show")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pack, err := policy.LoadPack(ctx, args[0], cfg.PolicyOverrideDir)
	if err != nil {
		return fmt.Errorf("loading policy pack: %w", err)
	}

	out, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pack: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func policyValidate(cmd *cobra.Command, args []string) error {
	_, span := tracer.Start(cmd.Context(), "policy_validate")
	defer span.End()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading pack file: %w", err)
	}
	if err := policy.ValidateSchema(raw); err != nil {
		return fmt.Errorf("pack %s is invalid: %w", args[0], err)
	}
	fmt.Printf("Pack %s is valid.\n", args[0])
	return nil
}
