package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/store"
)

var (
	tailLines   int
	auditSource string
	auditFormat string
	auditOutput string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.PersistentFlags().StringVar(&auditSource, "source", "gate", "Audit chain: gate or registry")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().StringVarP(&auditFormat, "format", "f", "timeline", "Output format (timeline|json)")
	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "Write JSONL to a file instead of stdout")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit logs of the\nenforcement gate and the tool registry.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long: "Verifies the stored chain selected by --source, or a JSONL export when a\n" +
		"path is given. Exits 0 if valid, 1 if tampered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit log entries",
	RunE:  runAuditTail,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an audit chain as JSONL",
	RunE:  runAuditExport,
}

// loadChain reads the chain selected by --source from the database.
func loadChain(cmd *cobra.Command) ([]audit.Entry, error) {
	var scope string
	switch auditSource {
	case "gate":
		scope = gateScope
	case "registry":
		scope = registryScope(cfg.RegistryID)
	default:
		return nil, fmt.Errorf("unknown audit source %q (want gate or registry)", auditSource)
	}

	st, err := store.Open(cmd.Context(), cfg.DB, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.LoadAudit(cmd.Context(), scope)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	var result audit.VerifyResult
	if len(args) == 1 {
		result = audit.VerifyFile(args[0])
	} else {
		entries, err := loadChain(cmd)
		if err != nil {
			return err
		}
		result = audit.VerifyEntries(entries)
	}

	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Entries)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at seq %d: %s\n", result.ErrorSeq, result.Error)
	return fmt.Errorf("audit chain verification failed")
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	entries, err := loadChain(cmd)
	if err != nil {
		return err
	}
	start := len(entries) - tailLines
	if start < 0 || tailLines <= 0 {
		start = 0
	}
	entries = entries[start:]

	out := cmd.OutOrStdout()
	switch auditFormat {
	case "json":
		s, err := audit.FormatJSON(entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	default:
		fmt.Fprint(out, audit.FormatTimeline(entries))
	}
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	entries, err := loadChain(cmd)
	if err != nil {
		return err
	}
	if auditOutput == "" {
		return audit.WriteJSONL(cmd.OutOrStdout(), entries)
	}

	f, err := os.OpenFile(auditOutput, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	if err := audit.WriteJSONL(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(entries), auditOutput)
	return nil
}
