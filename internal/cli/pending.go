package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/approval"
)

var pendingAll bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include approved, denied, consumed and expired requests")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Shows approval requests with their cell, sign-off progress, resource, and timestamps.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := openApprovals()
	if err != nil {
		return err
	}

	var list []approval.Approval
	if pendingAll {
		list, err = store.List()
	} else {
		list, err = store.Pending()
	}
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return nil
	}

	fmt.Fprintf(out, "%-34s %-10s %-16s %-7s %-30s %s\n", "KEY", "STATUS", "CELL", "SIGNED", "RESOURCE", "CREATED")
	for _, a := range list {
		cell := string(a.Operation)
		if a.Classification != "" {
			cell = fmt.Sprintf("%s/%s", a.Classification, a.Operation)
		}
		fmt.Fprintf(out, "%-34s %-10s %-16s %-7s %-30s %s\n",
			a.Key,
			a.Status,
			cell,
			fmt.Sprintf("%d/%d", len(a.Approvers), a.RequiredApprovers),
			truncate(a.Resource, 30),
			a.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
