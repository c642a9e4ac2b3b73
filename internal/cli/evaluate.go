package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/enforce"
	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/registry"
)

var (
	evalOp          string
	evalClass       string
	evalEnv         string
	evalAgent       string
	evalTool        string
	evalResource    string
	evalDestination string
	evalAt          string
	evalFormat      string
	evalUsage       policy.Usage
	evalAttest      policy.Attestations
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	f := evaluateCmd.Flags()
	f.StringVarP(&evalOp, "op", "o", "", "Operation: R M A C D or read move add change delete")
	f.StringVarP(&evalClass, "class", "c", "", "Data classification: public internal confidential restricted")
	f.StringVarP(&evalEnv, "env", "e", "", "Deployment environment")
	f.StringVar(&evalAgent, "agent", "cli", "Agent the request is made for")
	f.StringVar(&evalTool, "tool", "", "Registered tool supplying operation and classification")
	f.StringVar(&evalResource, "resource", "", "Resource acted on (scopes the approval key)")
	f.StringVar(&evalDestination, "destination", "", "Move destination")
	f.StringVar(&evalAt, "at", "", "Evaluate at this RFC3339 instant instead of now")
	f.StringVarP(&evalFormat, "format", "f", "text", "Output format (text|json)")

	f.IntVar(&evalUsage.QueriesLastMinute, "queries-last-minute", 0, "Queries issued in the last minute")
	f.IntVar(&evalUsage.OperationsLastHour, "ops-last-hour", 0, "Operations performed in the last hour")
	f.IntVar(&evalUsage.DataVolumeMBLastHour, "data-mb-last-hour", 0, "Data volume (MB) moved in the last hour")
	f.IntVar(&evalUsage.ResourcesRequested, "resources", 0, "Resources the request creates")
	f.IntVar(&evalUsage.StorageGBRequested, "storage-gb", 0, "Storage (GB) the request allocates")
	f.Float64Var(&evalUsage.ProjectedMonthlyCostUSD, "monthly-cost", 0, "Projected monthly cost (USD) of the request")

	f.BoolVar(&evalAttest.BackupVerified, "backup-verified", false, "Attest a verified backup exists")
	f.BoolVar(&evalAttest.RollbackPlan, "rollback-plan", false, "Attest a rollback plan exists")
	f.IntVar(&evalAttest.BlastRadiusPercentage, "blast-radius", 0, "Percentage of the fleet affected")
	f.BoolVar(&evalAttest.CanaryDeployment, "canary", false, "Attest the change is canaried")
	f.BoolVar(&evalAttest.DependencyCheckPassed, "dependency-check", false, "Attest dependency checks passed")
	f.BoolVar(&evalAttest.LegalHoldClear, "legal-hold-clear", false, "Attest no legal hold applies")
	f.BoolVar(&evalAttest.RetentionCompliant, "retention-compliant", false, "Attest retention policy allows deletion")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one operation against the configured profile",
	Long: "Runs an operation through the enforcement gate: profile decision, rate\n" +
		"limits, approval queue and any active emergency declaration.\n\n" +
		"Exit code 0 if allowed, 1 if blocked. A blocked approval-level\n" +
		"operation prints the approval key to sign off with 'rmacd approve'.",
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	req, err := evalRequest(e.reg)
	if err != nil {
		return err
	}
	gate, _, _, err := e.openGate(ctx)
	if err != nil {
		return err
	}

	res, err := gate.Check(ctx, req)
	var blocked *enforce.EnforcementError
	if err != nil && !errors.As(err, &blocked) {
		return err
	}

	out := cmd.OutOrStdout()
	switch evalFormat {
	case "json":
		if err := printJSON(out, res); err != nil {
			return err
		}
	default:
		writeResult(out, res)
	}
	if blocked != nil {
		return blocked
	}
	return nil
}

// evalRequest turns the evaluate flags into a gate request.
func evalRequest(reg *registry.Registry) (enforce.Request, error) {
	req := enforce.Request{AgentID: evalAgent, Resource: evalResource}

	if evalTool != "" {
		d, ok := reg.Get(evalTool)
		if !ok && evalOp == "" {
			return req, fmt.Errorf("%s: %s", registry.ReasonUnknownTool, evalTool)
		}
		if ok {
			req.ToolID = d.ToolID
			req.Operation = d.RMACDLevel
			req.Classification = d.DataAccess
		}
	}
	if evalOp != "" {
		op, err := model.ParseOperation(evalOp)
		if err != nil {
			return req, err
		}
		req.Operation = op
	}
	if req.Operation == "" {
		return req, fmt.Errorf("--op or --tool is required")
	}
	if evalClass != "" {
		c, err := model.ParseClassification(evalClass)
		if err != nil {
			return req, err
		}
		req.Classification = c
	}

	pctx := &policy.EvaluationContext{
		Timestamp:    time.Now().UTC(),
		Destination:  evalDestination,
		Attestations: evalAttest,
	}
	if evalAt != "" {
		t, err := time.Parse(time.RFC3339, evalAt)
		if err != nil {
			return req, fmt.Errorf("invalid --at: %w", err)
		}
		pctx.Timestamp = t.UTC()
	}
	if evalEnv != "" {
		env, err := model.ParseEnvironment(evalEnv)
		if err != nil {
			return req, err
		}
		pctx.Environment = env
	}
	if evalUsage != (policy.Usage{}) {
		u := evalUsage
		pctx.Usage = &u
	}
	req.Context = pctx
	return req, nil
}

func writeResult(out io.Writer, res enforce.Result) {
	d := res.Decision
	verdict := "ALLOWED"
	if !d.Allowed {
		verdict = "BLOCKED"
	}
	cell := string(d.Operation)
	if d.DataClassification != "" {
		cell = fmt.Sprintf("%s/%s", d.DataClassification, d.Operation)
	}

	fmt.Fprintf(out, "%-8s %-16s %s\n", verdict, cell, d.AutonomyLevel)
	fmt.Fprintf(out, "  profile:      %s\n", d.ProfileID)
	if d.BlockedReason != "" {
		fmt.Fprintf(out, "  reason:       %s\n", d.BlockedReason)
	}
	if len(d.ConstraintsApplied) > 0 {
		fmt.Fprintf(out, "  constraints:  %s\n", strings.Join(d.ConstraintsApplied, ", "))
	}
	if d.RequiresNotification {
		fmt.Fprintln(out, "  notification required")
	}
	if res.Emergency != nil {
		fmt.Fprintf(out, "  emergency:    %s (%s, until %s)\n",
			res.Emergency.ID, res.Emergency.Trigger, res.Emergency.ExpiresAt.Format(time.RFC3339))
	}
	if res.ApprovalKey != "" {
		fmt.Fprintf(out, "  approval key: %s\n", res.ApprovalKey)
		if res.Approval != nil && !d.Allowed {
			fmt.Fprintf(out, "  approvers:    %d of %d signed\n", len(res.Approval.Approvers), res.Approval.RequiredApprovers)
			fmt.Fprintf(out, "  sign off:     rmacd approve %s --by <name>\n", res.ApprovalKey)
		}
	}
}
