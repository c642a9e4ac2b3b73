package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/alert"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/model"
)

var (
	emTrigger string
	emReason  string
	emBy      string
	emNotes   string
)

func init() {
	rootCmd.AddCommand(emergencyCmd)
	emergencyCmd.AddCommand(emergencyDeclareCmd, emergencyStatusCmd, emergencyListCmd, emergencyEndCmd, emergencyReviewCmd)
	emergencyDeclareCmd.Flags().StringVar(&emTrigger, "trigger", "", "Trigger condition (e.g. soc_declared_incident) (required)")
	emergencyDeclareCmd.Flags().StringVar(&emReason, "reason", "", "Mandatory reason for the declaration (required)")
	_ = emergencyDeclareCmd.MarkFlagRequired("trigger")
	for _, c := range []*cobra.Command{emergencyDeclareCmd, emergencyReviewCmd} {
		c.Flags().StringVar(&emBy, "by", os.Getenv("USER"), "Who declares or reviews")
	}
	emergencyReviewCmd.Flags().StringVar(&emNotes, "notes", "", "Review findings")
}

var emergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Declare and review emergency escalations",
	Long: "Emergency declarations unlock the configured profile's escalation overlay\n" +
		"for its maximum duration. Declarations are rejected while another is\n" +
		"active or the cooldown has not elapsed.",
}

var emergencyDeclareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Declare an emergency for the configured profile",
	RunE:  runEmergencyDeclare,
}

var emergencyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the emergency active for the configured profile",
	RunE:  runEmergencyStatus,
}

var emergencyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all emergency declarations",
	RunE:  runEmergencyList,
}

var emergencyEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "End an active emergency early",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmergencyEnd,
}

var emergencyReviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Record the post-incident review of a finished emergency",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmergencyReview,
}

func openEmergencies() (*emergency.Store, error) {
	store, err := emergency.NewStore(cfg.EmergencyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open emergency store: %w", err)
	}
	return store, nil
}

func runEmergencyDeclare(cmd *cobra.Command, args []string) error {
	if emReason == "" {
		return fmt.Errorf("--reason is required")
	}
	trigger := model.NormalizeTrigger(emTrigger)
	if !trigger.Known() {
		return fmt.Errorf("unknown trigger condition %q", emTrigger)
	}

	p, err := loadProfile()
	if err != nil {
		return err
	}
	store, err := openEmergencies()
	if err != nil {
		return err
	}

	d, err := store.Declare(p, trigger, emReason, emBy)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Emergency declared: %s\n", d.ID)
	fmt.Fprintf(out, "Profile: %s\n", d.ProfileID)
	fmt.Fprintf(out, "Trigger: %s\n", d.Trigger)
	fmt.Fprintf(out, "Expires: %s\n", d.ExpiresAt.Format(time.RFC3339))
	if d.ReviewRequired {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "A post-incident review is required once the emergency ends.")
	}
	targets := p.Emergency.NotificationTargets
	logger.Warn("emergency declared",
		zap.String("id", d.ID), zap.String("profile", d.ProfileID), zap.Strings("notify", targets))

	alerts := alert.NewDispatcher(cfg.Alerts, alert.WithLogger(logger))
	alerts.Dispatch(alert.Event{
		Type:        alert.EventEmergencyDeclared,
		Timestamp:   d.DeclaredAt.UTC().Format(time.RFC3339),
		ProfileID:   d.ProfileID,
		Reason:      fmt.Sprintf("%s: %s (declared by %s)", d.Trigger, d.Reason, d.DeclaredBy),
		EmergencyID: d.ID,
		Targets:     targets,
	})
	alerts.Wait()
	return nil
}

func runEmergencyStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	store, err := openEmergencies()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	d := store.Active(p.ID)
	if d == nil {
		fmt.Fprintf(out, "No active emergency for %s.\n", p.ID)
		return nil
	}
	fmt.Fprintf(out, "ACTIVE %s: %s since %s, until %s\n",
		d.ID, d.Trigger, d.DeclaredAt.Format(time.RFC3339), d.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Reason: %s\n", d.Reason)
	return nil
}

func runEmergencyList(cmd *cobra.Command, args []string) error {
	store, err := openEmergencies()
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No emergency declarations.")
		return nil
	}

	now := time.Now().UTC()
	fmt.Fprintf(out, "%-40s %-16s %-30s %-28s %s\n", "ID", "STATUS", "PROFILE", "TRIGGER", "DECLARED")
	for _, d := range list {
		status := "ended"
		switch {
		case d.ActiveAt(now):
			status = "active"
		case d.ReviewPending(now):
			status = "review-pending"
		case d.ReviewedAt != nil:
			status = "reviewed"
		}
		fmt.Fprintf(out, "%-40s %-16s %-30s %-28s %s\n",
			d.ID, status, truncate(d.ProfileID, 30), d.Trigger, d.DeclaredAt.Format(time.RFC3339))
	}
	return nil
}

func runEmergencyEnd(cmd *cobra.Command, args []string) error {
	store, err := openEmergencies()
	if err != nil {
		return err
	}
	d, err := store.End(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ended emergency %s at %s\n", d.ID, d.EndedAt.Format(time.RFC3339))
	return nil
}

func runEmergencyReview(cmd *cobra.Command, args []string) error {
	store, err := openEmergencies()
	if err != nil {
		return err
	}
	d, err := store.Review(args[0], emBy, emNotes)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reviewed emergency %s (by %s)\n", d.ID, d.ReviewedBy)
	return nil
}
