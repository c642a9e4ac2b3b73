package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/profile"
	"github.com/ppiankov/rmacd/internal/profilediff"
)

var diffFormat string

func init() {
	profileCmd.AddCommand(profileDiffCmd)
	profileDiffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var profileDiffCmd = &cobra.Command{
	Use:   "diff <old> <new>",
	Short: "Compare two profiles cell by cell",
	Long: "Shows which matrix cells, constraints, emergency settings and approvers\n" +
		"change between two profiles, marking each change stricter or looser.",
	Args: cobra.ExactArgs(2),
	RunE: runProfileDiff,
}

func runProfileDiff(cmd *cobra.Command, args []string) error {
	old, err := profile.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load profile %q: %w", args[0], err)
	}
	next, err := profile.Load(args[1])
	if err != nil {
		return fmt.Errorf("failed to load profile %q: %w", args[1], err)
	}

	r, err := profilediff.Diff(old, next)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if diffFormat == "json" {
		s, err := profilediff.FormatJSON(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	fmt.Fprint(out, profilediff.FormatText(r))
	return nil
}
