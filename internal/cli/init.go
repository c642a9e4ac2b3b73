package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/rmacd/internal/config"
	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

var (
	initProfile string
	initForce   bool
)

func init() {
	initCmd.Flags().StringVar(&initProfile, "template", "", "Profile to select; unknown names get a starter template under profiles/")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap rmacd configuration",
	Long: `Creates ~/.rmacd/ with a default rmacd.yaml and a profiles directory.

With --template <name>, the config selects that profile. Built-in profiles
are referenced as-is; any other name gets a starter template written to
~/.rmacd/profiles/<name>.yaml.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	configDir := filepath.Join(home, ".rmacd")

	var created []string

	profilesDir := filepath.Join(configDir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}

	if initProfile != "" {
		if _, ok := profile.Builtin(initProfile); !ok {
			profPath := filepath.Join(profilesDir, initProfile+".yaml")
			if wrote, err := writeIfMissing(profPath, profile.InitProfile(initProfile, true, model.Read)); err != nil {
				return err
			} else if wrote {
				created = append(created, profPath)
			}
		}
	}

	cfgPath := filepath.Join(configDir, "rmacd.yaml")
	content, err := defaultConfigYAML(initProfile)
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(cfgPath, content); err != nil {
		return err
	} else if wrote {
		created = append(created, cfgPath)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "rmacd init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Verify:")
	fmt.Fprintln(out, "  rmacd doctor")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultConfigYAML renders the built-in defaults as a commented rmacd.yaml.
func defaultConfigYAML(profileName string) (string, error) {
	v := config.New()
	if profileName != "" {
		v.Set(config.KeyProfile, profileName)
	}
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return "", err
	}
	header := "# rmacd configuration.\n" +
		"# Every key can be overridden with an RMACD_* environment variable\n" +
		"# (e.g. RMACD_LOG_LEVEL=debug) or the matching command-line flag.\n\n"
	return header + string(data), nil
}
