package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/profile"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage and audit chain health",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var checks []checkResult

	// 1. Config file.
	if cfg.File != "" {
		checks = append(checks, checkResult{label: "config file", ok: true, detail: cfg.File})
	} else {
		checks = append(checks, checkResult{
			label:  "config file",
			ok:     true,
			detail: "none, using defaults",
		})
	}

	// 2. Profile.
	p, err := profile.Load(cfg.Profile)
	if err != nil {
		checks = append(checks, checkResult{
			label:  "profile",
			ok:     false,
			detail: err.Error(),
			fix:    "rmacd profile list",
		})
	} else {
		checks = append(checks, checkResult{label: "profile", ok: true, detail: fmt.Sprintf("%s (%s)", p.ID, p.Model)})
	}

	// 3. Database and audit chains.
	e, err := openEnv(ctx)
	if err != nil {
		checks = append(checks, checkResult{
			label:  "database",
			ok:     false,
			detail: err.Error(),
			fix:    "check --db or RMACD_DB",
		})
	} else {
		defer e.Close()
		checks = append(checks, checkResult{label: "database", ok: true, detail: cfg.DB})
		checks = append(checks, chainCheck("registry audit", e.reg.VerifyAudit().Valid, len(e.reg.AuditLog())))

		entries, err := e.store.LoadAudit(ctx, gateScope)
		if err != nil {
			checks = append(checks, checkResult{label: "gate audit", ok: false, detail: err.Error()})
		} else {
			checks = append(checks, chainCheck("gate audit", audit.VerifyEntries(entries).Valid, len(entries)))
		}
	}

	// 4. Directories.
	for _, dir := range []struct{ label, path string }{
		{"approval queue", cfg.ApprovalDir},
		{"emergency store", cfg.EmergencyDir},
	} {
		detail := dir.path
		if info, err := os.Stat(dir.path); err != nil || !info.IsDir() {
			detail += " (created on first use)"
		}
		checks = append(checks, checkResult{label: dir.label, ok: true, detail: detail})
	}

	// 5. Post-incident reviews.
	if es, err := emergency.NewStore(cfg.EmergencyDir); err == nil {
		owed, err := es.PendingReviews()
		switch {
		case err != nil:
			checks = append(checks, checkResult{label: "incident reviews", ok: false, detail: err.Error()})
		case len(owed) > 0:
			checks = append(checks, checkResult{
				label:  "incident reviews",
				ok:     false,
				detail: fmt.Sprintf("%d owed, oldest %s", len(owed), owed[0].Over().Format(time.RFC3339)),
				fix:    "rmacd emergency review <id> --by <name>",
			})
		default:
			checks = append(checks, checkResult{label: "incident reviews", ok: true, detail: "none owed"})
		}
	}

	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	if hasFailures {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func chainCheck(label string, valid bool, n int) checkResult {
	if !valid {
		return checkResult{label: label, ok: false, detail: "hash chain broken", fix: "rmacd audit verify"}
	}
	return checkResult{label: label, ok: true, detail: fmt.Sprintf("%d entries, chain intact", n)}
}
