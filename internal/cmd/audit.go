package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisrun/aegis/internal/audit"
)

var (
	auditWorkspace string
	auditLimit     int
	auditOffset    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit chain",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the workspace's audit hash chain",
	RunE:  auditVerify,
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditWorkspace, "workspace", "default", "Workspace id")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum entries to show")
	auditListCmd.Flags().IntVar(&auditOffset, "offset", 0, "Entries to skip")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditChain() (*audit.Chain, func() error, error) {
	cfg, db, err := openGovernance()
	if err != nil {
		return nil, nil, err
	}
	return audit.NewChain(db, cfg.AuditMirrorDir()), db.Close, nil
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	chain, closeDB, err := openAuditChain()
	if err != nil {
		return fmt.Errorf("initializing audit chain: %w", err)
	}
	defer closeDB()

	entries, err := chain.List(ctx, auditWorkspace, auditLimit, auditOffset)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}
	renderAuditList(os.Stdout, entries)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	chain, closeDB, err := openAuditChain()
	if err != nil {
		return fmt.Errorf("initializing audit chain: %w", err)
	}
	defer closeDB()

	if err := chain.VerifyChain(ctx, auditWorkspace); err != nil {
		return fmt.Errorf("audit chain verification failed: %w", err)
	}
	fmt.Printf("Audit chain for workspace %s verified.\n", auditWorkspace)
	return nil
}

// renderAuditList writes audit entry lines to w (testable).
func renderAuditList(w io.Writer, entries []audit.Entry) {
	fmt.Fprintf(w, "Audit Entries (showing %d):\n\n", len(entries))
	for i := range entries {
		e := &entries[i]
		marker := "✓"
		if e.Outcome == audit.OutcomeFailure || e.Outcome == audit.OutcomeBlocked {
			marker = "✗"
		}
		fmt.Fprintf(w, "%s %s  %-28s %-16s %-8s %s\n",
			marker,
			e.Timestamp.Format(time.RFC3339),
			e.ToolID,
			e.PolicyDecision,
			e.Outcome,
			e.ID)
	}
}
