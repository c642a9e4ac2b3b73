package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/rmacd/internal/mcpbridge"
	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/registry"
)

var (
	toolDescription string
	toolVerbs       []string
	toolLevel       string
	toolData        string
	toolHITL        string
	toolSchema      string
	toolReadOnly    bool
	toolDestructive bool
	toolReplace     bool

	listLevel  string
	toolAgent  string
	toolPerms  []string
	toolTier   string
	toolFormat string
	toolOutput string
)

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsRegisterCmd, toolsClassifyCmd, toolsListCmd, toolsShowCmd,
		toolsValidateCmd, toolsAllowedCmd, toolsRiskCmd, toolsStatsCmd, toolsExportCmd, toolsImportCmd)

	for _, c := range []*cobra.Command{toolsRegisterCmd, toolsClassifyCmd} {
		f := c.Flags()
		f.StringVarP(&toolDescription, "description", "d", "", "Tool description")
		f.StringSliceVar(&toolVerbs, "ops", nil, "Declared operation verbs (e.g. read,list or delete)")
		f.StringVar(&toolData, "data", "", "Data classification the tool touches (inferred from --schema when omitted)")
		f.StringVar(&toolHITL, "hitl", "", "Required oversight level (matrix default when omitted)")
		f.StringVar(&toolSchema, "schema", "", "Path to the tool's JSON input schema")
		f.BoolVar(&toolReadOnly, "read-only", false, "MCP readOnlyHint annotation")
		f.BoolVar(&toolDestructive, "destructive", false, "MCP destructiveHint annotation")
	}
	toolsRegisterCmd.Flags().StringVar(&toolLevel, "level", "", "Explicit RMACD level, skipping classification")
	toolsRegisterCmd.Flags().BoolVar(&toolReplace, "replace", false, "Replace an existing registration")

	for _, c := range []*cobra.Command{toolsValidateCmd, toolsAllowedCmd, toolsRiskCmd} {
		c.Flags().StringVar(&toolAgent, "agent", "cli", "Agent recorded in the audit log")
	}
	for _, c := range []*cobra.Command{toolsValidateCmd, toolsAllowedCmd} {
		c.Flags().StringSliceVar(&toolPerms, "perms", nil, "Operations the agent holds (default: the profile's grants for --tier)")
		c.Flags().StringVar(&toolTier, "tier", "", "Highest data classification the agent may touch")
	}
	for _, c := range []*cobra.Command{toolsListCmd, toolsRiskCmd, toolsStatsCmd} {
		c.Flags().StringVarP(&toolFormat, "format", "f", "text", "Output format (text|json)")
	}
	toolsListCmd.Flags().StringVar(&listLevel, "level", "", "Only list tools at this RMACD level")
	toolsExportCmd.Flags().StringVarP(&toolOutput, "output", "o", "", "Write the catalog to a file instead of stdout")
	toolsImportCmd.Flags().BoolVar(&toolReplace, "replace", false, "Replace tools that are already registered")
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Manage the governed tool registry",
	Long:  "Register, classify, validate and score the tools agents may call.",
}

var toolsRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Classify and register a tool",
	Long: "Registers a tool. Without --level the RMACD level is classified from\n" +
		"--ops, then keywords in the name and description, then MCP annotations.",
	Args: cobra.ExactArgs(1),
	RunE: runToolsRegister,
}

var toolsClassifyCmd = &cobra.Command{
	Use:   "classify <name>",
	Short: "Classify a tool definition without registering it",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsClassify,
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE:  runToolsList,
}

var toolsShowCmd = &cobra.Command{
	Use:   "show <tool-id>",
	Short: "Show one registered tool and its risk score",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsShow,
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate <tool-id>",
	Short: "Check whether an agent may call a tool",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsValidate,
}

var toolsAllowedCmd = &cobra.Command{
	Use:   "allowed",
	Short: "List the tools an agent may call",
	RunE:  runToolsAllowed,
}

var toolsRiskCmd = &cobra.Command{
	Use:   "risk <tool-id>...",
	Short: "Score the combined risk of a workflow",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runToolsRisk,
}

var toolsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tools by level, data tier and oversight",
	RunE:  runToolsStats,
}

var toolsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the registry as a catalog document",
	RunE:  runToolsExport,
}

var toolsImportCmd = &cobra.Command{
	Use:   "import <catalog.json>",
	Short: "Import a catalog document into the registry",
	Long:  "Imports atomically: any fault rejects the whole catalog and every fault is reported.",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsImport,
}

// toolDescriptor builds a bridge descriptor from the register/classify flags.
func toolDescriptor(name string) (mcpbridge.Descriptor, error) {
	d := mcpbridge.Descriptor{
		Name:        name,
		Description: toolDescription,
		Verbs:       toolVerbs,
	}
	if toolData != "" {
		c, err := model.ParseClassification(toolData)
		if err != nil {
			return d, err
		}
		d.DataAccess = c
	}
	if toolHITL != "" {
		l, err := model.ParseAutonomyLevel(toolHITL)
		if err != nil {
			return d, err
		}
		d.RequiredHITL = l
	}
	if toolSchema != "" {
		data, err := os.ReadFile(toolSchema)
		if err != nil {
			return d, fmt.Errorf("read schema: %w", err)
		}
		var schema map[string]any
		if err := json.Unmarshal(data, &schema); err != nil {
			return d, fmt.Errorf("parse schema %s: %w", toolSchema, err)
		}
		d.InputSchema = schema
	}
	if toolReadOnly || toolDestructive {
		d.Annotations = annotations(toolReadOnly, toolDestructive)
	}
	return d, nil
}

func annotations(readOnly, destructive bool) *mcpsdk.ToolAnnotations {
	a := &mcpsdk.ToolAnnotations{ReadOnlyHint: readOnly}
	if destructive {
		a.DestructiveHint = &destructive
	}
	return a
}

func runToolsRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var opts []registry.RegisterOption
	if toolReplace {
		opts = append(opts, registry.WithReplace())
	}

	var stored registry.Descriptor
	if toolLevel != "" {
		stored, err = registerExplicit(e.reg, args[0], opts)
	} else {
		var d mcpbridge.Descriptor
		if d, err = toolDescriptor(args[0]); err == nil {
			stored, err = mcpbridge.New(e.reg, mcpbridge.WithLogger(logger)).RegisterMCPTool(d, opts...)
		}
	}
	if err != nil {
		return err
	}
	if err := e.save(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s: %s on %s, %s (risk %.2f)\n",
		stored.ToolID, stored.RMACDLevel, stored.DataAccess, stored.RequiredHITL, registry.ToolRisk(stored))
	return nil
}

func registerExplicit(reg *registry.Registry, name string, opts []registry.RegisterOption) (registry.Descriptor, error) {
	op, err := model.ParseOperation(toolLevel)
	if err != nil {
		return registry.Descriptor{}, err
	}
	d := registry.Descriptor{
		ToolID:      name,
		Name:        name,
		Description: toolDescription,
		RMACDLevel:  op,
	}
	if toolData != "" {
		if d.DataAccess, err = model.ParseClassification(toolData); err != nil {
			return d, err
		}
	}
	if toolHITL != "" {
		if d.RequiredHITL, err = model.ParseAutonomyLevel(toolHITL); err != nil {
			return d, err
		}
	}
	return reg.Register(d, opts...)
}

func runToolsClassify(cmd *cobra.Command, args []string) error {
	d, err := toolDescriptor(args[0])
	if err != nil {
		return err
	}
	c := mcpbridge.Classify(d)
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"tool":       c.Tool,
		"source":     c.Source,
		"risk_score": registry.ToolRisk(c.Tool),
	})
}

func runToolsList(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	tools := e.reg.List()
	if listLevel != "" {
		op, err := model.ParseOperation(listLevel)
		if err != nil {
			return err
		}
		tools = e.reg.ByLevel(op)
	}

	out := cmd.OutOrStdout()
	if toolFormat == "json" {
		if tools == nil {
			tools = []registry.Descriptor{}
		}
		return printJSON(out, tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools registered.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tLEVEL\tDATA\tHITL\tRISK")
	for _, d := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\n", d.ToolID, d.RMACDLevel, d.DataAccess, d.RequiredHITL, registry.ToolRisk(d))
	}
	return w.Flush()
}

func runToolsShow(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	d, ok := e.reg.Get(args[0])
	if !ok {
		return fmt.Errorf("%s: %s", registry.ReasonUnknownTool, args[0])
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"tool":       d,
		"risk_score": registry.ToolRisk(d),
	})
}

// agentGrants resolves the permissions for an access check: explicit
// --perms, otherwise the configured profile's grants for the tier.
func agentGrants() (model.DataClassification, model.OperationSet, error) {
	var tier model.DataClassification
	if toolTier != "" {
		c, err := model.ParseClassification(toolTier)
		if err != nil {
			return "", nil, err
		}
		tier = c
	}
	if len(toolPerms) > 0 {
		perms, err := model.ParseOperationSet(toolPerms)
		return tier, perms, err
	}

	p, err := loadProfile()
	if err != nil {
		return "", nil, err
	}
	ev, err := policy.NewEvaluator(p)
	if err != nil {
		return "", nil, err
	}
	key := tier
	if key == "" || !p.Is3D() {
		key = model.ImplicitClassification
	}
	return tier, model.NewOperationSet(ev.Permissions()[key]...), nil
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	tier, perms, err := agentGrants()
	if err != nil {
		return err
	}
	ok, reason, err := e.reg.ValidateToolAccess(args[0], perms, tier, registry.WithAgent(toolAgent))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "DENIED   %s: %s\n", args[0], reason)
		return errors.New(reason)
	}
	fmt.Fprintf(out, "ALLOWED  %s (perms %s)\n", args[0], perms)
	return nil
}

func runToolsAllowed(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	tier, perms, err := agentGrants()
	if err != nil {
		return err
	}
	// Every tool in the saved catalog counts, whichever path registered it.
	bridge := mcpbridge.New(e.reg, mcpbridge.WithLogger(logger))
	bridge.Adopt()
	tools, err := bridge.AllowedToolsForAgent(perms, tier, registry.WithAgent(toolAgent))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools allowed.")
		return nil
	}
	for _, id := range tools {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runToolsRisk(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	risk := e.reg.CalculateWorkflowRisk(args, registry.WithAgent(toolAgent))
	out := cmd.OutOrStdout()
	if toolFormat == "json" {
		return printJSON(out, risk)
	}
	writeRisk(out, risk)
	return nil
}

func writeRisk(out io.Writer, risk registry.WorkflowRisk) {
	fmt.Fprintf(out, "Workflow risk: %.2f / 10 (%d tools)\n", risk.TotalRisk, risk.ToolCount)
	if risk.ToolCount > 0 {
		fmt.Fprintf(out, "  max %.2f, average %.2f, highest level %s (%s)\n",
			risk.MaxRisk, risk.AverageRisk, risk.HighestRMACD, risk.HighestRiskTool)
	}
	for _, op := range model.Operations {
		if v, ok := risk.RiskDistribution[op]; ok {
			fmt.Fprintf(out, "  %s: %.2f\n", op, v)
		}
	}
	if len(risk.MissingTools) > 0 {
		fmt.Fprintf(out, "  missing: %s\n", strings.Join(risk.MissingTools, ", "))
	}
}

func runToolsStats(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	stats := e.reg.Stats()
	out := cmd.OutOrStdout()
	if toolFormat == "json" {
		return printJSON(out, stats)
	}
	fmt.Fprintf(out, "Registry %s: %d tools, %d audit entries\n", stats.RegistryID, stats.TotalTools, stats.AuditEntries)
	for _, op := range model.Operations {
		fmt.Fprintf(out, "  %s %-8s %d\n", op, op.Name(), stats.ByLevel[op])
	}
	for _, c := range model.Classifications {
		fmt.Fprintf(out, "  %-14s %d\n", c, stats.ByData[c])
	}
	return nil
}

func runToolsExport(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	doc, err := e.reg.ExportJSON()
	if err != nil {
		return err
	}
	if toolOutput == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
		return err
	}
	if err := os.WriteFile(toolOutput, append(doc, '\n'), 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d tools to %s\n", e.reg.Len(), toolOutput)
	return nil
}

func runToolsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var opts []registry.ImportOption
	if toolReplace {
		opts = append(opts, registry.WithImportReplace())
	}
	before := e.reg.Len()
	if err := e.reg.ImportJSON(data, opts...); err != nil {
		var ie *registry.ImportError
		if errors.As(err, &ie) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Import rejected (%d faults):\n", len(ie.Faults))
			for _, f := range ie.Faults {
				fmt.Fprintf(out, "  - %v\n", f)
			}
		}
		return err
	}
	if err := e.save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported catalog: %d tools (%d new)\n", e.reg.Len(), e.reg.Len()-before)
	return nil
}
