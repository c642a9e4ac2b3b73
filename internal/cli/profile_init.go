package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

var (
	initOutput string
	initTwoD   bool
	initUpTo   string
)

func init() {
	profileCmd.AddCommand(profileInitCmd)
	profileInitCmd.Flags().StringVarP(&initOutput, "output", "o", "", "Output path (default: ~/.rmacd/profiles/<name>.yaml)")
	profileInitCmd.Flags().BoolVar(&initTwoD, "2d", false, "Generate a two-dimensional profile without data classifications")
	profileInitCmd.Flags().StringVar(&initUpTo, "up-to", "R", "Grant this operation and every lower-ranked one (R, M, A, C or D)")
}

var profileInitCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Generate a starter profile template",
	Long:  "Creates a commented YAML profile template that you can customize for your agent.",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileInit,
}

func runProfileInit(cmd *cobra.Command, args []string) error {
	name := args[0]
	upTo, err := model.ParseOperation(initUpTo)
	if err != nil {
		return err
	}

	outPath := initOutput
	if outPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		outPath = filepath.Join(home, ".rmacd", "profiles", name+".yaml")
	}

	// Refuse to overwrite existing files
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("file already exists: %s (remove it first or use --output)", outPath)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	content := profile.InitProfile(name, !initTwoD, upTo)
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created profile template: %s\n", outPath)
	fmt.Fprintf(out, "Edit it, then validate with: rmacd validate %s\n", outPath)
	return nil
}
