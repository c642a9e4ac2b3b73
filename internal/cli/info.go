package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/store"
)

var infoFormat string

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "text", "Output format (text|json)")
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the configured profile, registry and queues",
	RunE:  runInfo,
}

type infoView struct {
	ConfigFile       string              `json:"config_file,omitempty"`
	Database         string              `json:"database"`
	ProfileID        string              `json:"profile_id"`
	Profile          string              `json:"profile"`
	RegistryID       string              `json:"registry_id"`
	Tools            int                 `json:"tools"`
	RegistryAudit    int                 `json:"registry_audit_entries"`
	GateAudit        int                 `json:"gate_audit_entries"`
	PendingApprovals int                 `json:"pending_approvals"`
	Emergency        string              `json:"emergency,omitempty"`
	Catalogs         []store.CatalogInfo `json:"catalogs"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	gate, approvals, emergencies, err := e.openGate(ctx)
	if err != nil {
		return err
	}
	pending, err := approvals.Pending()
	if err != nil {
		return err
	}
	catalogs, err := e.store.Catalogs(ctx)
	if err != nil {
		return err
	}

	ev := gate.Evaluator()
	view := infoView{
		ConfigFile:       cfg.File,
		Database:         cfg.DB,
		ProfileID:        ev.ProfileID(),
		Profile:          ev.String(),
		RegistryID:       e.reg.ID(),
		Tools:            e.reg.Len(),
		RegistryAudit:    len(e.reg.AuditLog()),
		GateAudit:        gate.AuditLog().Len(),
		PendingApprovals: len(pending),
		Catalogs:         catalogs,
	}
	if d := emergencies.Active(ev.ProfileID()); d != nil {
		view.Emergency = fmt.Sprintf("%s (%s, until %s)", d.ID, d.Trigger, d.ExpiresAt.Format(time.RFC3339))
	}

	out := cmd.OutOrStdout()
	if infoFormat == "json" {
		return printJSON(out, view)
	}

	config := view.ConfigFile
	if config == "" {
		config = "(defaults)"
	}
	fmt.Fprintf(out, "Config:    %s\n", config)
	fmt.Fprintf(out, "Database:  %s\n", view.Database)
	fmt.Fprintf(out, "Profile:   %s\n", view.Profile)
	fmt.Fprintf(out, "Registry:  %s (%d tools, %d audit entries)\n", view.RegistryID, view.Tools, view.RegistryAudit)
	fmt.Fprintf(out, "Gate:      %d audit entries, %d pending approvals\n", view.GateAudit, view.PendingApprovals)
	if view.Emergency != "" {
		fmt.Fprintf(out, "Emergency: %s\n", view.Emergency)
	}
	if len(catalogs) > 0 {
		fmt.Fprintln(out, "Saved catalogs:")
		for _, c := range catalogs {
			fmt.Fprintf(out, "  %-20s %3d tools  %s\n", c.RegistryID, c.ToolCount, c.SavedAt.Format(time.RFC3339))
		}
	}
	return nil
}
