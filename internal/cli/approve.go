package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/approval"
)

var (
	approveDuration time.Duration
	approveBy       string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().DurationVar(&approveDuration, "duration", 0, "Validity period (e.g., 5m, 1h). Default: one-time use")
	approveCmd.Flags().StringVar(&approveBy, "by", os.Getenv("USER"), "Approver signing off")
}

var approveCmd = &cobra.Command{
	Use:   "approve <key>",
	Short: "Sign off a pending approval request",
	Long: "Records one approver's sign-off. Elevated approvals stay pending until the\n" +
		"profile's required number of distinct approvers have signed.\n" +
		"Without --duration, approval is one-time (consumed on first use).\n" +
		"With --duration, approval is valid for the specified period and can be reused.",
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func openApprovals() (*approval.Store, error) {
	store, err := approval.NewStore(cfg.ApprovalDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	return store, nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	key := args[0]

	store, err := openApprovals()
	if err != nil {
		return err
	}

	a, err := store.Approve(key, approveBy, approveDuration)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.Status != approval.StatusApproved {
		fmt.Fprintf(out, "Signed %q as %s (%d more approver(s) required)\n", key, approveBy, a.Remaining())
		return nil
	}
	if approveDuration > 0 {
		fmt.Fprintf(out, "Approved %q for %s\n", key, approveDuration)
	} else {
		fmt.Fprintf(out, "Approved %q (one-time use)\n", key)
	}
	return nil
}
