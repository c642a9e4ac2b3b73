package enforce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ppiankov/rmacd/internal/alert"
	"github.com/ppiankov/rmacd/internal/approval"
	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/metrics"
	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/profile"
)

// Request is one governed action.
type Request struct {
	AgentID        string
	ToolID         string
	Operation      model.Operation
	Classification model.DataClassification
	Resource       string

	// Context is passed to the evaluator. Nil means a fresh context
	// stamped with the gate's clock.
	Context *policy.EvaluationContext
}

// Result is what the gate decided.
type Result struct {
	Decision    policy.Decision        `json:"decision"`
	ApprovalKey string                 `json:"approval_key,omitempty"`
	Approval    *approval.Approval     `json:"approval,omitempty"`
	Emergency   *emergency.Declaration `json:"emergency,omitempty"`
}

// Gate enforces decisions from the current profile.
type Gate struct {
	holder      *policy.Holder
	approvals   *approval.Store
	emergencies *emergency.Store
	log         *audit.Log
	alerts      *alert.Dispatcher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	limiters map[string]*agentLimiters
}

type agentLimiters struct {
	queries *rate.Limiter
	ops     *rate.Limiter
}

// Option configures a Gate.
type Option func(*Gate)

// WithApprovals routes approval-level decisions through s.
func WithApprovals(s *approval.Store) Option {
	return func(g *Gate) { g.approvals = s }
}

// WithEmergencies attaches active declarations from s to every request.
func WithEmergencies(s *emergency.Store) Option {
	return func(g *Gate) { g.emergencies = s }
}

// WithAuditLog records every check in l.
func WithAuditLog(l *audit.Log) Option {
	return func(g *Gate) { g.log = l }
}

// WithAlerts posts denied, pending and notification-level decisions to d.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(g *Gate) { g.alerts = d }
}

// WithMetrics records decisions and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithClock overrides the time source used for fresh contexts.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate returns a gate bound to holder.
func NewGate(holder *policy.Holder, opts ...Option) *Gate {
	g := &Gate{
		holder:   holder,
		logger:   zap.NewNop(),
		now:      time.Now,
		limiters: make(map[string]*agentLimiters),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	if g.log == nil {
		g.log = audit.NewLog(audit.WithClock(g.now), audit.WithLogger(g.logger))
	}
	g.logger = g.logger.With(zap.String("mod", "enforce"))
	return g
}

// Evaluator returns the evaluator currently in force.
func (g *Gate) Evaluator() *policy.Evaluator {
	return g.holder.Load()
}

// AuditLog returns the gate's audit log.
func (g *Gate) AuditLog() *audit.Log {
	return g.log
}

// Reload installs p. Limiters restart from the new profile's rates.
func (g *Gate) Reload(p *profile.Profile) error {
	if _, err := g.holder.Swap(p); err != nil {
		g.metrics.ProfileReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("reload profile: %w", err)
	}
	g.mu.Lock()
	g.limiters = make(map[string]*agentLimiters)
	g.mu.Unlock()
	g.metrics.ProfileReloads.WithLabelValues("ok").Inc()
	g.logger.Info("profile reloaded", zap.String("profile_id", p.ID), zap.String("version", p.Version))
	return nil
}

// Check evaluates req and applies the enforcement layers. A blocked request
// returns the Result together with an *EnforcementError; structural faults
// return a plain error and no audit entry.
func (g *Gate) Check(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	defer func() { g.metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	ev := g.holder.Load()
	if ev == nil {
		return Result{}, policy.ErrNoProfile
	}

	pctx := req.Context
	if pctx == nil {
		pctx = &policy.EvaluationContext{Timestamp: g.now().UTC()}
	}

	var res Result
	if !pctx.EmergencyActive {
		res.Emergency = emergency.Attach(g.emergencies, ev.ProfileID(), pctx)
	}
	if pctx.EmergencyActive {
		g.metrics.EmergencyActive.Set(1)
	} else {
		g.metrics.EmergencyActive.Set(0)
	}

	dec, err := ev.Evaluate(req.Operation, req.Classification, pctx)
	if err != nil {
		return Result{}, err
	}
	res.Decision = dec

	var blockErr *EnforcementError
	prof := ev.Profile()
	switch {
	case !dec.Allowed:
		blockErr = g.block(dec, dec.BlockedReason, "")
	case !g.allowRate(prof, req):
		res.Decision.Allowed = false
		res.Decision.BlockedReason = ReasonRateLimited
		blockErr = g.block(res.Decision, ReasonRateLimited, "")
	case dec.RequiresApproval:
		blockErr = g.checkApproval(prof, req, &res)
	}

	outcome := audit.OutcomeAllowed
	switch {
	case blockErr != nil && blockErr.PendingApproval():
		outcome = audit.OutcomePending
	case blockErr != nil:
		outcome = audit.OutcomeDenied
	}
	g.record(req, res, outcome, blockErr)
	g.notify(ev.ProfileID(), req, res, pctx.Timestamp, blockErr)
	g.metrics.Decisions.WithLabelValues(outcome, string(dec.AutonomyLevel), string(dec.Operation)).Inc()

	if blockErr != nil {
		return res, blockErr
	}
	return res, nil
}

func (g *Gate) block(d policy.Decision, reason, key string) *EnforcementError {
	return &EnforcementError{
		Operation:      d.Operation,
		Classification: d.DataClassification,
		AutonomyLevel:  d.AutonomyLevel,
		Reason:         reason,
		ApprovalKey:    key,
	}
}

// allowRate applies the profile's rate limits as token buckets per agent:
// queries per minute for Read, operations per hour for everything else.
func (g *Gate) allowRate(p *profile.Profile, req Request) bool {
	rl, _ := p.Constraints.Get(profile.KindRateLimits).(*profile.RateLimits)
	if rl == nil {
		return true
	}

	g.mu.Lock()
	l, ok := g.limiters[req.AgentID]
	if !ok {
		l = &agentLimiters{}
		if rl.QueriesPerMinute > 0 {
			l.queries = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.QueriesPerMinute)), rl.QueriesPerMinute)
		}
		if rl.OperationsPerHour > 0 {
			l.ops = rate.NewLimiter(rate.Every(time.Hour/time.Duration(rl.OperationsPerHour)), rl.OperationsPerHour)
		}
		g.limiters[req.AgentID] = l
	}
	g.mu.Unlock()

	limiter, name := l.ops, "operations_per_hour"
	if req.Operation == model.Read {
		limiter, name = l.queries, "queries_per_minute"
	}
	if limiter == nil || limiter.AllowN(g.now(), 1) {
		return true
	}
	g.metrics.RateLimited.WithLabelValues(name).Inc()
	g.logger.Warn("rate limited",
		zap.String("agent_id", req.AgentID),
		zap.String("limiter", name),
		zap.String("operation", string(req.Operation)))
	return false
}

// checkApproval files or resolves the approval for an approval-level
// decision. An approved one-time approval is consumed.
func (g *Gate) checkApproval(p *profile.Profile, req Request, res *Result) *EnforcementError {
	d := res.Decision
	if g.approvals == nil {
		res.Decision.Allowed = false
		res.Decision.BlockedReason = ReasonNoApprovalQueue
		return g.block(d, ReasonNoApprovalQueue, "")
	}

	key := approval.Key(p.ID, req.AgentID, d.Operation, d.DataClassification, req.Resource)
	res.ApprovalKey = key

	a, err := g.approvals.Submit(approval.Request{
		Key:               key,
		ProfileID:         p.ID,
		AgentID:           req.AgentID,
		Operation:         d.Operation,
		Classification:    d.DataClassification,
		AutonomyLevel:     d.AutonomyLevel,
		Resource:          req.Resource,
		Reason:            fmt.Sprintf("%s requires %s", d.Operation.Name(), d.AutonomyLevel),
		RequiredApprovers: p.ApprovalAuthority.RequiredApprovers(d.AutonomyLevel),
	})
	if err != nil {
		g.logger.Error("approval submit failed", zap.String("approval_key", key), zap.Error(err))
		res.Decision.Allowed = false
		res.Decision.BlockedReason = ReasonNoApprovalQueue
		return g.block(d, ReasonNoApprovalQueue, key)
	}
	res.Approval = &a
	g.refreshPending()

	switch a.Status {
	case approval.StatusApproved:
		if err := g.approvals.Consume(key); err != nil {
			g.logger.Warn("approval consume failed", zap.String("approval_key", key), zap.Error(err))
			res.Decision.Allowed = false
			res.Decision.BlockedReason = ReasonApprovalPending
			return g.block(d, ReasonApprovalPending, key)
		}
		return nil
	case approval.StatusDenied:
		res.Decision.Allowed = false
		res.Decision.BlockedReason = ReasonApprovalDenied
		return g.block(d, ReasonApprovalDenied, key)
	default:
		res.Decision.Allowed = false
		res.Decision.BlockedReason = ReasonApprovalPending
		return g.block(d, ReasonApprovalPending, key)
	}
}

func (g *Gate) refreshPending() {
	pending, err := g.approvals.Pending()
	if err != nil {
		return
	}
	g.metrics.ApprovalsPending.Set(float64(len(pending)))
}

func (g *Gate) record(req Request, res Result, outcome string, blockErr *EnforcementError) {
	d := res.Decision
	reason := fmt.Sprintf("%s %s", d.AutonomyLevel, cellName(d))
	if blockErr != nil {
		reason = fmt.Sprintf("%s: %s", cellName(d), blockErr.Reason)
	}
	if d.EmergencyMode {
		reason += " [emergency]"
	}
	var tools []string
	if req.ToolID != "" {
		tools = []string{req.ToolID}
	}
	if _, err := g.log.Append(audit.Entry{
		Action:  audit.ActionEvaluate,
		ToolIDs: tools,
		AgentID: req.AgentID,
		Outcome: outcome,
		Reason:  reason,
	}); err != nil {
		g.logger.Error("audit append failed", zap.Error(err))
	}

	g.logger.Debug("gate decision",
		zap.String("agent_id", req.AgentID),
		zap.String("operation", string(d.Operation)),
		zap.String("classification", string(d.DataClassification)),
		zap.String("autonomy_level", string(d.AutonomyLevel)),
		zap.String("outcome", outcome),
		zap.Bool("emergency", d.EmergencyMode))
}

// notify dispatches the decision to subscribed webhooks.
func (g *Gate) notify(profileID string, req Request, res Result, at time.Time, blockErr *EnforcementError) {
	if g.alerts == nil {
		return
	}
	d := res.Decision
	var typ string
	switch {
	case blockErr != nil && blockErr.PendingApproval():
		typ = alert.EventApprovalRequired
	case blockErr != nil:
		typ = alert.EventDenied
	case d.RequiresNotification:
		typ = alert.EventNotification
	default:
		return
	}
	ev := alert.Event{
		Type:           typ,
		Timestamp:      at.UTC().Format(time.RFC3339),
		ProfileID:      profileID,
		AgentID:        req.AgentID,
		ToolID:         req.ToolID,
		Resource:       req.Resource,
		Operation:      string(d.Operation),
		Classification: string(d.DataClassification),
		AutonomyLevel:  string(d.AutonomyLevel),
		Reason:         d.BlockedReason,
		ApprovalKey:    res.ApprovalKey,
	}
	if res.Emergency != nil {
		ev.EmergencyID = res.Emergency.ID
	}
	g.alerts.Dispatch(ev)
}

func cellName(d policy.Decision) string {
	if d.DataClassification == "" {
		return string(d.Operation)
	}
	return fmt.Sprintf("%s/%s", d.DataClassification, d.Operation)
}
