package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/enforce"
	"github.com/ppiankov/rmacd/internal/mcpbridge"
	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/registry"
)

var errNoApprovals = errors.New("approval queue not configured")

// --- Input/Output types ---

// EvaluateInput defines parameters for the rmacd_evaluate tool.
type EvaluateInput struct {
	AgentID        string               `json:"agent_id,omitempty" jsonschema:"calling agent, defaults to the server agent"`
	ToolID         string               `json:"tool_id,omitempty" jsonschema:"registered tool; supplies operation and classification when they are omitted"`
	Operation      string               `json:"operation,omitempty" jsonschema:"RMACD operation: R M A C D or read move add change delete"`
	Classification string               `json:"classification,omitempty" jsonschema:"data tier: public internal confidential restricted"`
	Resource       string               `json:"resource,omitempty" jsonschema:"resource acted on, scopes the approval key"`
	Environment    string               `json:"environment,omitempty" jsonschema:"deployment environment"`
	Destination    string               `json:"destination,omitempty" jsonschema:"move target checked against destination lists"`
	Usage          *policy.Usage        `json:"usage,omitempty" jsonschema:"recent usage counters for rate limits and quotas"`
	Attestations   *policy.Attestations `json:"attestations,omitempty" jsonschema:"caller assertions for change and delete controls"`
}

// EvaluateOutput is the enforced decision.
type EvaluateOutput struct {
	Allowed              bool     `json:"allowed"`
	Operation            string   `json:"operation"`
	Classification       string   `json:"classification,omitempty"`
	AutonomyLevel        string   `json:"autonomy_level"`
	RequiresApproval     bool     `json:"requires_approval"`
	RequiresNotification bool     `json:"requires_notification"`
	BlockedReason        string   `json:"blocked_reason,omitempty"`
	ConstraintsApplied   []string `json:"constraints_applied"`
	EmergencyMode        bool     `json:"emergency_mode"`
	EmergencyID          string   `json:"emergency_id,omitempty"`
	ProfileID            string   `json:"profile_id"`
	ApprovalKey          string   `json:"approval_key,omitempty"`
}

// RegisterInput describes an MCP tool to classify.
type RegisterInput struct {
	Name            string         `json:"name" jsonschema:"tool name"`
	Description     string         `json:"description,omitempty" jsonschema:"tool description"`
	Operations      []string       `json:"operations,omitempty" jsonschema:"declared operation verbs such as read write delete"`
	DataAccess      string         `json:"data_access,omitempty" jsonschema:"explicit data tier, inferred from the input schema when omitted"`
	RequiredHITL    string         `json:"required_hitl,omitempty" jsonschema:"explicit autonomy level, matrix default when omitted"`
	InputSchema     map[string]any `json:"input_schema,omitempty" jsonschema:"the tool's JSON input schema"`
	ReadOnlyHint    bool           `json:"read_only_hint,omitempty" jsonschema:"MCP readOnlyHint annotation"`
	DestructiveHint *bool          `json:"destructive_hint,omitempty" jsonschema:"MCP destructiveHint annotation"`
	Replace         bool           `json:"replace,omitempty" jsonschema:"replace an existing registration"`
}

// ClassifyOutput is a classified tool.
type ClassifyOutput struct {
	Tool      registry.Descriptor `json:"tool"`
	Source    string              `json:"source"`
	RiskScore float64             `json:"risk_score"`
}

// ValidateInput defines parameters for the rmacd_validate_tool tool.
type ValidateInput struct {
	ToolID      string   `json:"tool_id" jsonschema:"registered tool id"`
	AgentID     string   `json:"agent_id,omitempty" jsonschema:"calling agent"`
	Permissions []string `json:"permissions,omitempty" jsonschema:"operations the agent holds, defaults to the profile grants for data_tier"`
	DataTier    string   `json:"data_tier,omitempty" jsonschema:"highest data tier the agent may touch, omit to skip the data check"`
}

// ValidateOutput is the access decision.
type ValidateOutput struct {
	Allowed     bool     `json:"allowed"`
	Reason      string   `json:"reason"`
	Permissions []string `json:"permissions"`
}

// AllowedInput defines parameters for the rmacd_allowed_tools tool.
type AllowedInput struct {
	AgentID     string   `json:"agent_id,omitempty" jsonschema:"calling agent"`
	Permissions []string `json:"permissions,omitempty" jsonschema:"operations the agent holds, defaults to the profile grants for data_tier"`
	DataTier    string   `json:"data_tier,omitempty" jsonschema:"highest data tier the agent may touch"`
}

// AllowedOutput lists callable tools.
type AllowedOutput struct {
	Tools []string `json:"tools"`
}

// WorkflowInput defines parameters for the rmacd_workflow_risk tool.
type WorkflowInput struct {
	ToolIDs []string `json:"tool_ids" jsonschema:"tools the workflow will call"`
	AgentID string   `json:"agent_id,omitempty" jsonschema:"calling agent"`
}

// MatrixInput is empty.
type MatrixInput struct{}

// MatrixOutput describes the active profile.
type MatrixOutput struct {
	ProfileID   string                       `json:"profile_id"`
	Profile     string                       `json:"profile"`
	Matrix      map[string]map[string]string `json:"matrix"`
	Permissions map[string][]string          `json:"permissions"`
}

// ApproveInput defines parameters for the rmacd_approve tool.
type ApproveInput struct {
	Key      string `json:"key" jsonschema:"approval key from a blocked evaluation"`
	Approver string `json:"approver" jsonschema:"who signs off"`
	Duration string `json:"duration,omitempty" jsonschema:"approval duration (e.g. 5m), omit for one-time approval"`
}

// ApproveOutput reports the approval state after signing.
type ApproveOutput struct {
	Key       string   `json:"key"`
	Status    string   `json:"status"`
	Approvers []string `json:"approvers"`
	Remaining int      `json:"remaining"`
	Duration  string   `json:"duration,omitempty"`
}

// DenyInput defines parameters for the rmacd_deny tool.
type DenyInput struct {
	Key string `json:"key" jsonschema:"approval key"`
	By  string `json:"by" jsonschema:"who denies"`
}

// DenyOutput confirms the denial.
type DenyOutput struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// PendingInput takes no parameters.
type PendingInput struct{}

// PendingOutput lists all pending approvals.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single approval request.
type PendingItem struct {
	Key               string   `json:"key"`
	AgentID           string   `json:"agent_id,omitempty"`
	Cell              string   `json:"cell"`
	AutonomyLevel     string   `json:"autonomy_level"`
	Resource          string   `json:"resource,omitempty"`
	Reason            string   `json:"reason"`
	Approvers         []string `json:"approvers"`
	RequiredApprovers int      `json:"required_approvers"`
	CreatedAt         string   `json:"created_at"`
}

// EmergencyInput is empty.
type EmergencyInput struct{}

// EmergencyOutput reports the active declaration.
type EmergencyOutput struct {
	Active      bool                   `json:"active"`
	Declaration *emergency.Declaration `json:"declaration,omitempty"`
}

// AuditTailInput defines parameters for the rmacd_audit_tail tool.
type AuditTailInput struct {
	Source string `json:"source,omitempty" jsonschema:"gate or registry, default gate"`
	N      int    `json:"n,omitempty" jsonschema:"number of entries, default 20"`
}

// AuditTailOutput returns entries and the chain status.
type AuditTailOutput struct {
	Entries []audit.Entry `json:"entries"`
	Total   int           `json:"total"`
	Valid   bool          `json:"chain_valid"`
}

// MetricsInput is empty.
type MetricsInput struct{}

// MetricsOutput carries the exposition text.
type MetricsOutput struct {
	Text string `json:"text"`
}

// --- Handlers ---

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	r, err := s.buildRequest(input)
	if err != nil {
		return nil, EvaluateOutput{}, err
	}

	res, err := s.gate.Check(ctx, r)
	var blocked *enforce.EnforcementError
	if err != nil && !errors.As(err, &blocked) {
		return nil, EvaluateOutput{}, err
	}

	d := res.Decision
	out := EvaluateOutput{
		Allowed:              d.Allowed,
		Operation:            string(d.Operation),
		Classification:       string(d.DataClassification),
		AutonomyLevel:        string(d.AutonomyLevel),
		RequiresApproval:     d.RequiresApproval,
		RequiresNotification: d.RequiresNotification,
		BlockedReason:        d.BlockedReason,
		ConstraintsApplied:   d.ConstraintsApplied,
		EmergencyMode:        d.EmergencyMode,
		ProfileID:            d.ProfileID,
		ApprovalKey:          res.ApprovalKey,
	}
	if res.Emergency != nil {
		out.EmergencyID = res.Emergency.ID
	}
	if blocked != nil {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) buildRequest(input EvaluateInput) (enforce.Request, error) {
	r := enforce.Request{
		AgentID:  s.agent(input.AgentID),
		ToolID:   input.ToolID,
		Resource: input.Resource,
	}

	if input.ToolID != "" {
		d, ok := s.reg.Get(input.ToolID)
		if !ok && input.Operation == "" {
			return r, fmt.Errorf("%s: %s", registry.ReasonUnknownTool, input.ToolID)
		}
		if ok {
			r.ToolID = d.ToolID
			r.Operation = d.RMACDLevel
			r.Classification = d.DataAccess
		}
	}
	if input.Operation != "" {
		op, err := model.ParseOperation(input.Operation)
		if err != nil {
			return r, err
		}
		r.Operation = op
	}
	if input.Classification != "" {
		c, err := model.ParseClassification(input.Classification)
		if err != nil {
			return r, err
		}
		r.Classification = c
	}

	pctx := &policy.EvaluationContext{
		Timestamp:   time.Now().UTC(),
		Destination: input.Destination,
		Usage:       input.Usage,
	}
	if input.Environment != "" {
		env, err := model.ParseEnvironment(input.Environment)
		if err != nil {
			return r, err
		}
		pctx.Environment = env
	}
	if input.Attestations != nil {
		pctx.Attestations = *input.Attestations
	}
	r.Context = pctx
	return r, nil
}

func (s *Server) handleRegisterTool(ctx context.Context, req *mcpsdk.CallToolRequest, input RegisterInput) (*mcpsdk.CallToolResult, ClassifyOutput, error) {
	d, err := toBridgeDescriptor(input)
	if err != nil {
		return nil, ClassifyOutput{}, err
	}
	var opts []registry.RegisterOption
	if input.Replace {
		opts = append(opts, registry.WithReplace())
	}

	stored, err := s.bridge.RegisterMCPTool(d, opts...)
	if err != nil {
		return nil, ClassifyOutput{}, err
	}
	if s.store != nil {
		if err := s.store.SaveCatalog(ctx, s.reg); err != nil {
			s.logger.Warn("catalog not persisted", zap.String("tool_id", stored.ToolID), zap.Error(err))
		}
	}

	return nil, ClassifyOutput{
		Tool:      stored,
		Source:    string(mcpbridge.Classify(d).Source),
		RiskScore: registry.ToolRisk(stored),
	}, nil
}

func (s *Server) handleClassify(ctx context.Context, req *mcpsdk.CallToolRequest, input RegisterInput) (*mcpsdk.CallToolResult, ClassifyOutput, error) {
	d, err := toBridgeDescriptor(input)
	if err != nil {
		return nil, ClassifyOutput{}, err
	}
	c := mcpbridge.Classify(d)
	return nil, ClassifyOutput{
		Tool:      c.Tool,
		Source:    string(c.Source),
		RiskScore: registry.ToolRisk(c.Tool),
	}, nil
}

func toBridgeDescriptor(input RegisterInput) (mcpbridge.Descriptor, error) {
	d := mcpbridge.Descriptor{
		Name:        input.Name,
		Description: input.Description,
		Verbs:       input.Operations,
	}
	if input.DataAccess != "" {
		c, err := model.ParseClassification(input.DataAccess)
		if err != nil {
			return d, err
		}
		d.DataAccess = c
	}
	if input.RequiredHITL != "" {
		l, err := model.ParseAutonomyLevel(input.RequiredHITL)
		if err != nil {
			return d, err
		}
		d.RequiredHITL = l
	}
	if input.InputSchema != nil {
		d.InputSchema = input.InputSchema
	}
	if input.ReadOnlyHint || input.DestructiveHint != nil {
		d.Annotations = &mcpsdk.ToolAnnotations{
			ReadOnlyHint:    input.ReadOnlyHint,
			DestructiveHint: input.DestructiveHint,
		}
	}
	return d, nil
}

func (s *Server) handleValidateTool(ctx context.Context, req *mcpsdk.CallToolRequest, input ValidateInput) (*mcpsdk.CallToolResult, ValidateOutput, error) {
	tier, perms, err := s.agentGrants(input.Permissions, input.DataTier)
	if err != nil {
		return nil, ValidateOutput{}, err
	}
	ok, reason, err := s.bridge.CanAgentUseTool(input.ToolID, perms, tier, registry.WithAgent(s.agent(input.AgentID)))
	if err != nil {
		return nil, ValidateOutput{}, err
	}
	return nil, ValidateOutput{
		Allowed:     ok,
		Reason:      reason,
		Permissions: opStrings(perms.Sorted()),
	}, nil
}

func (s *Server) handleAllowedTools(ctx context.Context, req *mcpsdk.CallToolRequest, input AllowedInput) (*mcpsdk.CallToolResult, AllowedOutput, error) {
	tier, perms, err := s.agentGrants(input.Permissions, input.DataTier)
	if err != nil {
		return nil, AllowedOutput{}, err
	}
	tools, err := s.bridge.AllowedToolsForAgent(perms, tier, registry.WithAgent(s.agent(input.AgentID)))
	if err != nil {
		return nil, AllowedOutput{}, err
	}
	if tools == nil {
		tools = []string{}
	}
	return nil, AllowedOutput{Tools: tools}, nil
}

// agentGrants resolves the permission set for an access check. Explicit
// permissions win; otherwise the active profile's grants for the tier
// (or the implicit tier of a two-dimensional profile) apply.
func (s *Server) agentGrants(explicit []string, tierName string) (model.DataClassification, model.OperationSet, error) {
	var tier model.DataClassification
	if tierName != "" {
		c, err := model.ParseClassification(tierName)
		if err != nil {
			return "", nil, err
		}
		tier = c
	}
	if len(explicit) > 0 {
		perms, err := model.ParseOperationSet(explicit)
		return tier, perms, err
	}

	ev := s.gate.Evaluator()
	grants := ev.Permissions()
	key := tier
	if key == "" || !ev.Profile().Is3D() {
		key = model.ImplicitClassification
	}
	return tier, model.NewOperationSet(grants[key]...), nil
}

func (s *Server) handleWorkflowRisk(ctx context.Context, req *mcpsdk.CallToolRequest, input WorkflowInput) (*mcpsdk.CallToolResult, registry.WorkflowRisk, error) {
	return nil, s.reg.CalculateWorkflowRisk(input.ToolIDs, registry.WithAgent(s.agent(input.AgentID))), nil
}

func (s *Server) handleMatrix(ctx context.Context, req *mcpsdk.CallToolRequest, input MatrixInput) (*mcpsdk.CallToolResult, MatrixOutput, error) {
	ev := s.gate.Evaluator()
	out := MatrixOutput{
		ProfileID:   ev.ProfileID(),
		Profile:     ev.String(),
		Matrix:      map[string]map[string]string{},
		Permissions: map[string][]string{},
	}
	for class, row := range ev.EffectiveMatrix() {
		r := make(map[string]string, len(row))
		for op, level := range row {
			r[string(op)] = string(level)
		}
		out.Matrix[string(class)] = r
	}
	for class, ops := range ev.Permissions() {
		out.Permissions[string(class)] = opStrings(ops)
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, ApproveOutput, error) {
	if s.approvals == nil {
		return nil, ApproveOutput{}, errNoApprovals
	}
	var duration time.Duration
	if input.Duration != "" {
		var err error
		duration, err = time.ParseDuration(input.Duration)
		if err != nil {
			return nil, ApproveOutput{}, fmt.Errorf("invalid duration %q: %w", input.Duration, err)
		}
	}

	a, err := s.approvals.Approve(input.Key, input.Approver, duration)
	if err != nil {
		return nil, ApproveOutput{}, err
	}
	s.logger.Info("approval signed",
		zap.String("approval_key", a.Key),
		zap.String("approver", input.Approver),
		zap.String("status", string(a.Status)))

	out := ApproveOutput{
		Key:       a.Key,
		Status:    string(a.Status),
		Approvers: a.Approvers,
		Remaining: a.Remaining(),
	}
	if duration > 0 {
		out.Duration = duration.String()
	}
	return nil, out, nil
}

func (s *Server) handleDeny(ctx context.Context, req *mcpsdk.CallToolRequest, input DenyInput) (*mcpsdk.CallToolResult, DenyOutput, error) {
	if s.approvals == nil {
		return nil, DenyOutput{}, errNoApprovals
	}
	if strings.TrimSpace(input.By) == "" {
		return nil, DenyOutput{}, fmt.Errorf("by must not be empty")
	}
	if err := s.approvals.Deny(input.Key, input.By); err != nil {
		return nil, DenyOutput{}, err
	}
	return nil, DenyOutput{Key: input.Key, Status: "denied"}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	if s.approvals == nil {
		return nil, PendingOutput{Approvals: []PendingItem{}}, nil
	}
	list, err := s.approvals.Pending()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, len(list))
	for i, a := range list {
		cell := string(a.Operation)
		if a.Classification != "" {
			cell = fmt.Sprintf("%s/%s", a.Classification, a.Operation)
		}
		items[i] = PendingItem{
			Key:               a.Key,
			AgentID:           a.AgentID,
			Cell:              cell,
			AutonomyLevel:     string(a.AutonomyLevel),
			Resource:          a.Resource,
			Reason:            a.Reason,
			Approvers:         a.Approvers,
			RequiredApprovers: a.RequiredApprovers,
			CreatedAt:         a.CreatedAt.Format(time.RFC3339),
		}
	}

	return nil, PendingOutput{Approvals: items}, nil
}

func (s *Server) handleEmergencyStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input EmergencyInput) (*mcpsdk.CallToolResult, EmergencyOutput, error) {
	if s.emergencies == nil {
		return nil, EmergencyOutput{}, nil
	}
	d := s.emergencies.Active(s.gate.Evaluator().ProfileID())
	return nil, EmergencyOutput{Active: d != nil, Declaration: d}, nil
}

func (s *Server) handleAuditTail(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditTailInput) (*mcpsdk.CallToolResult, AuditTailOutput, error) {
	n := input.N
	if n <= 0 {
		n = 20
	}

	var out AuditTailOutput
	switch strings.ToLower(input.Source) {
	case "", "gate":
		log := s.gate.AuditLog()
		out.Entries = log.Tail(n)
		out.Total = log.Len()
		out.Valid = log.Verify().Valid
	case "registry":
		out.Entries = s.reg.AuditTail(n)
		out.Total = len(s.reg.AuditLog())
		out.Valid = s.reg.VerifyAudit().Valid
	default:
		return nil, AuditTailOutput{}, fmt.Errorf("unknown audit source %q (want gate or registry)", input.Source)
	}
	return nil, out, nil
}

func (s *Server) handleMetrics(ctx context.Context, req *mcpsdk.CallToolRequest, input MetricsInput) (*mcpsdk.CallToolResult, MetricsOutput, error) {
	if s.gatherer == nil {
		return nil, MetricsOutput{}, nil
	}
	families, err := s.gatherer.Gather()
	if err != nil {
		return nil, MetricsOutput{}, fmt.Errorf("gather metrics: %w", err)
	}
	var b strings.Builder
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return nil, MetricsOutput{}, err
		}
	}
	return nil, MetricsOutput{Text: b.String()}, nil
}

// --- Helpers ---

func (s *Server) agent(id string) string {
	if id != "" {
		return id
	}
	return s.agentID
}

func opStrings(ops []model.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}
