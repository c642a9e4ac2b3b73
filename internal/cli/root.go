package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/config"
	"github.com/ppiankov/rmacd/internal/logging"
)

var (
	cfgFile string

	// cfg and logger are resolved once per invocation by loadConfig.
	cfg    *config.Config
	logger = zap.NewNop()
)

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	config.KeyProfile:      "profile",
	config.KeyDB:           "db",
	config.KeyRegistryID:   "registry",
	config.KeyApprovalDir:  "approval-dir",
	config.KeyEmergencyDir: "emergency-dir",
	config.KeyLogLevel:     "log-level",
	config.KeyLogFormat:    "log-format",
}

var rootCmd = &cobra.Command{
	Use:   "rmacd",
	Short: "Runtime governance for autonomous agents",
	Long: "Evaluates agent operations against RMACD governance profiles, keeps a\n" +
		"classified registry of the tools agents may call, and bridges MCP tool\n" +
		"definitions into that registry.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./rmacd.yaml, then ~/.rmacd/rmacd.yaml)")
	pf.String("profile", "", "Governance profile: built-in name, file path, or ~/.rmacd/profiles/<name>")
	pf.String("db", "", "SQLite database holding catalogs and audit chains")
	pf.String("registry", "", "Tool registry id")
	pf.String("approval-dir", "", "Approval queue directory")
	pf.String("emergency-dir", "", "Emergency declaration directory")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (console, json)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags(), flagKeys); err != nil {
		return err
	}
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	l, err := logging.New(c.Log.Level, c.Log.Format)
	if err != nil {
		return fmt.Errorf("invalid log settings: %w", err)
	}
	cfg, logger = c, l
	if c.File != "" {
		logger.Debug("config loaded", zap.String("file", c.File))
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
