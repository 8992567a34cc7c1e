package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisrun/aegis/internal/approval"
)

var (
	approvalsWorkspace string
	approvalsStatus    string
	approvalsReason    string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide pending approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval records, newest first",
	RunE:  approvalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve [approval-id]",
	Short: "Approve a pending record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(cmd, args[0], approval.StatusApproved)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny [approval-id]",
	Short: "Deny a pending record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(cmd, args[0], approval.StatusDenied)
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsWorkspace, "workspace", "default", "Workspace id")
	approvalsListCmd.Flags().StringVar(&approvalsStatus, "status", "", "Filter by status (pending, approved, denied)")
	approvalsApproveCmd.Flags().StringVar(&approvalsReason, "reason", "", "Decision reason")
	approvalsDenyCmd.Flags().StringVar(&approvalsReason, "reason", "", "Decision reason")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func openApprovalChain() (*approval.Chain, func() error, error) {
	_, db, err := openGovernance()
	if err != nil {
		return nil, nil, err
	}
	return approval.NewChain(db), db.Close, nil
}

func approvalsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	chain, closeDB, err := openApprovalChain()
	if err != nil {
		return fmt.Errorf("initializing approval chain: %w", err)
	}
	defer closeDB()

	records, err := chain.List(ctx, approvalsWorkspace, approvalsStatus)
	if err != nil {
		return fmt.Errorf("querying approvals: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No approval records found.")
		return nil
	}
	renderApprovalsList(os.Stdout, records)
	return nil
}

func decideApproval(cmd *cobra.Command, id, decision string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	chain, closeDB, err := openApprovalChain()
	if err != nil {
		return fmt.Errorf("initializing approval chain: %w", err)
	}
	defer closeDB()

	rec, err := chain.Decide(ctx, approvalsWorkspace, id, decision, approvalsReason)
	if err != nil {
		return fmt.Errorf("deciding approval: %w", err)
	}
	fmt.Printf("Approval %s is now %s.\n", rec.ID, rec.Status)
	return nil
}

// renderApprovalsList writes approval lines to w (testable).
func renderApprovalsList(w io.Writer, records []approval.Record) {
	fmt.Fprintf(w, "Approval Records (showing %d):\n\n", len(records))
	for i := range records {
		r := &records[i]
		fmt.Fprintf(w, "%-16s %-10s %-24s %s\n",
			r.ID, r.Status, r.Scope, r.CreatedAt.Format(time.RFC3339))
	}
}
