package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileValidateCmd)

	// Root-level alias
	rootCmd.AddCommand(validateCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage governance profiles",
	Long:  "List, inspect, validate and scaffold RMACD governance profiles.",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available governance profiles",
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a profile's grants, overrides and controls",
	Long:  "Shows the named profile, or the configured one when no name is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfileShow,
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate <name|path>",
	Short: "Validate a profile document against its schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileValidate,
}

var validateCmd = &cobra.Command{
	Use:   "validate <name|path>",
	Short: "Validate a profile document (alias for profile validate)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileValidate,
}

func runProfileList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	names := profile.List()
	if len(names) == 0 {
		fmt.Fprintln(out, "No profiles available.")
		return nil
	}

	fmt.Fprintln(out, "Available profiles:")
	for _, name := range names {
		p, err := profile.Load(name)
		if err != nil {
			fmt.Fprintf(out, "  %-20s (error loading: %v)\n", name, err)
			continue
		}
		fmt.Fprintf(out, "  %-20s %-18s %s\n", name, p.Model, p.Name)
	}
	return nil
}

func runProfileValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	p, err := profile.Load(args[0])
	if err != nil {
		var le *profile.LoadError
		if errors.As(err, &le) {
			fmt.Fprintf(out, "INVALID: %s\n", le.Source)
			for _, f := range le.Faults() {
				fmt.Fprintf(out, "  - %v\n", f)
			}
		}
		return fmt.Errorf("profile %q is invalid: %w", args[0], err)
	}

	fmt.Fprintf(out, "Profile %q (%s) is valid.\n", p.ID, p.Name)
	fmt.Fprintf(out, "  Model:        %s\n", p.Model)
	fmt.Fprintf(out, "  Version:      %s\n", p.Version)
	fmt.Fprintf(out, "  Overrides:    %d\n", len(p.AutonomyOverrides))
	fmt.Fprintf(out, "  Constraints:  %d\n", len(p.Constraints.Kinds()))
	fmt.Fprintf(out, "  Emergency:    %t\n", p.Emergency != nil && p.Emergency.Enabled)
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	name := cfg.Profile
	if len(args) == 1 {
		name = args[0]
	}
	p, err := profile.Load(name)
	if err != nil {
		return fmt.Errorf("failed to load profile %q: %w", name, err)
	}
	writeProfile(cmd.OutOrStdout(), p)
	return nil
}

func writeProfile(out io.Writer, p *profile.Profile) {
	fmt.Fprintf(out, "Profile: %s (%s)\n", p.ID, p.Name)
	fmt.Fprintf(out, "Model:   %s, version %s\n", p.Model, p.Version)
	if p.Description != "" {
		fmt.Fprintf(out, "         %s\n", strings.TrimSpace(p.Description))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Permissions:")
	for _, class := range profileClasses(p) {
		fmt.Fprintf(out, "  %-13s %s\n", class+":", p.Permissions[class])
	}

	if len(p.AutonomyOverrides) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Autonomy overrides:")
		for _, line := range overrideLines(p.AutonomyOverrides) {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}

	if kinds := p.Constraints.Kinds(); len(kinds) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Constraints:")
		for _, k := range kinds {
			fmt.Fprintf(out, "  - %s\n", k)
		}
	}

	if e := p.Emergency; e != nil && e.Enabled {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Emergency escalation:")
		fmt.Fprintf(out, "  triggers:     %s\n", joinTriggers(e.TriggerConditions))
		fmt.Fprintf(out, "  max duration: %s, cooldown %s\n", e.MaxDuration, e.Cooldown)
		for _, class := range model.Classifications {
			if ops, ok := e.Permissions[class]; ok {
				fmt.Fprintf(out, "  %-13s +%s\n", string(class)+":", ops)
			}
		}
		for _, line := range overrideLines(e.AutonomyOverrides) {
			fmt.Fprintf(out, "  %s\n", line)
		}
		if e.RequireReview {
			fmt.Fprintln(out, "  post-incident review required")
		}
	}

	if a := p.ApprovalAuthority; a != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Approval authority:")
		if a.Approval != nil {
			fmt.Fprintf(out, "  approval:          %s\n", strings.Join(a.Approval.Approvers, ", "))
		}
		if a.ElevatedApproval != nil {
			fmt.Fprintf(out, "  elevated_approval: %s (%d required)\n",
				strings.Join(a.ElevatedApproval.Approvers, ", "), a.RequiredApprovers(model.ElevatedApproval))
		}
	}
}

// profileClasses returns the permission rows in tier order.
func profileClasses(p *profile.Profile) []model.DataClassification {
	if !p.Is3D() {
		return []model.DataClassification{model.ImplicitClassification}
	}
	return model.Classifications
}

func overrideLines(overrides map[profile.Cell]model.AutonomyLevel) []string {
	lines := make([]string, 0, len(overrides))
	for cell, level := range overrides {
		lines = append(lines, fmt.Sprintf("%-16s %s", cell.String()+":", level))
	}
	sort.Strings(lines)
	return lines
}

func joinTriggers(ts []model.TriggerCondition) string {
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}
