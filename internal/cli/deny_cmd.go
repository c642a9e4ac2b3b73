package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var denyBy string

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&denyBy, "by", os.Getenv("USER"), "Who denies the request")
}

var denyCmd = &cobra.Command{
	Use:   "deny <key>",
	Short: "Explicitly deny an approval request",
	Long:  "Denies a pending approval request. The agent will continue to be blocked for this key.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	key := args[0]

	store, err := openApprovals()
	if err != nil {
		return err
	}

	if err := store.Deny(key, denyBy); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Denied %q\n", key)
	return nil
}
