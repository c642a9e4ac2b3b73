package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
)

var (
	matrixFormat  string
	matrixDefault bool
)

func init() {
	rootCmd.AddCommand(matrixCmd)
	matrixCmd.Flags().StringVarP(&matrixFormat, "format", "f", "text", "Output format (text|json)")
	matrixCmd.Flags().BoolVar(&matrixDefault, "default", false, "Show the framework matrix instead of the profile's")
}

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Show the effective autonomy matrix",
	Long: "Prints the oversight level for every classification and operation\n" +
		"under the configured profile. Cells the profile grants are marked *.",
	RunE: runMatrix,
}

// matrixView is the JSON form of the matrix command.
type matrixView struct {
	ProfileID   string                                                               `json:"profile_id,omitempty"`
	Matrix      map[model.DataClassification]map[model.Operation]model.AutonomyLevel `json:"matrix"`
	Permissions map[model.DataClassification][]model.Operation                       `json:"permissions,omitempty"`
}

func runMatrix(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	var view matrixView
	classes := model.Classifications
	if matrixDefault {
		view.Matrix = model.Matrix()
	} else {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		ev, err := policy.NewEvaluator(p)
		if err != nil {
			return err
		}
		view = matrixView{
			ProfileID:   ev.ProfileID(),
			Matrix:      ev.EffectiveMatrix(),
			Permissions: ev.Permissions(),
		}
		classes = profileClasses(p)
	}

	if matrixFormat == "json" {
		return printJSON(out, view)
	}
	if view.ProfileID != "" {
		fmt.Fprintf(out, "Profile: %s\n\n", view.ProfileID)
	}
	writeMatrix(out, classes, view)
	return nil
}

func writeMatrix(out io.Writer, classes []model.DataClassification, view matrixView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "CLASSIFICATION")
	for _, op := range model.Operations {
		fmt.Fprintf(w, "\t%s", op)
	}
	fmt.Fprintln(w)

	for _, class := range classes {
		granted := model.NewOperationSet(view.Permissions[class]...)
		fmt.Fprint(w, class)
		for _, op := range model.Operations {
			mark := ""
			if granted.Has(op) {
				mark = "*"
			}
			fmt.Fprintf(w, "\t%s%s", view.Matrix[class][op], mark)
		}
		fmt.Fprintln(w)
	}
	_ = w.Flush()
}
