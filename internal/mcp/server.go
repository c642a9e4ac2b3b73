package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/approval"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/enforce"
	"github.com/ppiankov/rmacd/internal/mcpbridge"
	"github.com/ppiankov/rmacd/internal/profile"
	"github.com/ppiankov/rmacd/internal/registry"
	"github.com/ppiankov/rmacd/internal/store"
)

// Config wires the server to already constructed components. Gate and
// Bridge are required; the rest are optional and disable their tools'
// side effects when nil.
type Config struct {
	Name    string
	Version string

	// AgentID is used for calls that do not name an agent.
	AgentID string

	Gate        *enforce.Gate
	Bridge      *mcpbridge.Bridge
	Approvals   *approval.Store
	Emergencies *emergency.Store

	// Store, when set, receives the catalog after each registration.
	Store *store.Store

	// Gatherer backs the rmacd_metrics tool.
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server exposes rmacd governance over MCP stdio.
type Server struct {
	mcpServer   *mcpsdk.Server
	gate        *enforce.Gate
	bridge      *mcpbridge.Bridge
	reg         *registry.Registry
	approvals   *approval.Store
	emergencies *emergency.Store
	store       *store.Store
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	agentID     string
}

// New creates an MCP server and registers its tools.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("mcp server: enforcement gate is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("mcp server: tool bridge is required")
	}
	if cfg.Name == "" {
		cfg.Name = "rmacd"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		gate:        cfg.Gate,
		bridge:      cfg.Bridge,
		reg:         cfg.Bridge.Registry(),
		approvals:   cfg.Approvals,
		emergencies: cfg.Emergencies,
		store:       cfg.Store,
		gatherer:    cfg.Gatherer,
		logger:      logger.With(zap.String("mod", "mcp")),
		agentID:     cfg.AgentID,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", zap.String("profile", s.gate.Evaluator().String()))
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves one session over t. Used for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// Reload installs p on the gate.
func (s *Server) Reload(p *profile.Profile) error {
	return s.gate.Reload(p)
}

// WatchProfile reloads the profile at path whenever it changes. Blocks
// until ctx is cancelled.
func (s *Server) WatchProfile(ctx context.Context, path string) error {
	w, err := profile.NewWatcher(path, func(p *profile.Profile) {
		if err := s.Reload(p); err != nil {
			s.logger.Error("profile reload rejected", zap.Error(err))
		}
	}, profile.WithWatchLogger(s.logger))
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// registerTools adds all rmacd tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_evaluate",
		Description: "Evaluate an operation against the active governance profile and enforce it (rate limits, approvals, emergency overlay). Blocked actions return an error result with the reason and, for approvals, an approval_key.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_register_tool",
		Description: "Classify an MCP tool definition into an RMACD level, data tier and oversight requirement, and add it to the governed registry.",
	}, s.handleRegisterTool)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_classify",
		Description: "Classify an MCP tool definition without registering it (dry-run).",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleClassify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_validate_tool",
		Description: "Check whether an agent may call a registered tool given its permitted operations and data tier. Omitted permissions default to the active profile's grants for the tier.",
	}, s.handleValidateTool)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_allowed_tools",
		Description: "List the registered MCP tools an agent may call.",
	}, s.handleAllowedTools)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_workflow_risk",
		Description: "Score the combined risk of a sequence of registered tools on a 0-10 scale.",
	}, s.handleWorkflowRisk)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_matrix",
		Description: "Show the active profile's effective autonomy matrix and permissions.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleMatrix)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_approve",
		Description: "Sign off a pending approval. Use after an evaluation returns an approval_key.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_deny",
		Description: "Deny a pending approval.",
	}, s.handleDeny)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_pending",
		Description: "List approval requests still waiting for sign-off.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_emergency_status",
		Description: "Show the emergency declaration active for the current profile, if any.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleEmergencyStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_audit_tail",
		Description: "Return the most recent audit entries from the gate or the registry.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleAuditTail)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rmacd_metrics",
		Description: "Return governance metrics in Prometheus text format.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleMetrics)
}
