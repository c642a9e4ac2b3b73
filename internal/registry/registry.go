// Package registry is the tool governance catalogue: it classifies tools by
// RMACD level, data access and required oversight, validates agent access,
// scores workflow risk and records every decision in a hash-chained log.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/metrics"
	"github.com/ppiankov/rmacd/internal/model"
)

// Reasons returned by ValidateToolAccess.
const (
	ReasonUnknownTool       = "unknown tool"
	ReasonLevelNotAllowed   = "rmacd level not allowed"
	ReasonDataTooSensitive  = "data access exceeds agent tier"
	ReasonAccessGranted     = "access granted"
	ReasonWorkflowAssessed  = "workflow risk assessed"
	ReasonMissingFromLookup = "missing tools"
)

type record struct {
	d   Descriptor
	seq int64
}

// Registry holds tool descriptors and the audit log. All methods are safe
// for concurrent use.
type Registry struct {
	id      string
	policy  RiskPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	tools   map[string]record
	nextSeq int64
	log     *audit.Log
}

// Option configures a Registry.
type Option func(*registryConfig)

type registryConfig struct {
	policy  RiskPolicy
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	sinks   []audit.Sink
}

// WithRiskPolicy overrides the workflow aggregation constants.
func WithRiskPolicy(p RiskPolicy) Option {
	return func(c *registryConfig) { c.policy = p }
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *registryConfig) { c.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *registryConfig) { c.logger = logger }
}

// WithMetrics records validations and workflow scores.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *registryConfig) { c.metrics = m }
}

// WithAuditSink mirrors audit entries to s.
func WithAuditSink(s audit.Sink) Option {
	return func(c *registryConfig) { c.sinks = append(c.sinks, s) }
}

// New creates an empty registry identified by id.
func New(id string, opts ...Option) *Registry {
	cfg := registryConfig{
		policy: DefaultRiskPolicy(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New(nil)
	}

	logOpts := []audit.Option{audit.WithClock(cfg.now), audit.WithLogger(cfg.logger)}
	for _, s := range cfg.sinks {
		logOpts = append(logOpts, audit.WithSink(s))
	}

	return &Registry{
		id:      id,
		policy:  cfg.policy,
		logger:  cfg.logger.With(zap.String("mod", "registry"), zap.String("registry_id", id)),
		metrics: cfg.metrics,
		tools:   make(map[string]record),
		log:     audit.NewLog(logOpts...),
	}
}

// ID returns the registry identifier.
func (r *Registry) ID() string { return r.id }

// RiskPolicy returns the aggregation constants in use.
func (r *Registry) RiskPolicy() RiskPolicy { return r.policy }

// RegisterOption configures a Register call.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	replace bool
}

// WithReplace allows Register to overwrite an existing descriptor.
func WithReplace() RegisterOption {
	return func(c *registerConfig) { c.replace = true }
}

// Register validates d, fills its defaults and adds it to the catalogue.
// It returns the stored descriptor.
func (r *Registry) Register(d Descriptor, opts ...RegisterOption) (Descriptor, error) {
	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	d = d.normalize()
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := audit.OutcomeRegistered
	seq := r.nextSeq
	if prev, ok := r.tools[d.ToolID]; ok {
		if !cfg.replace {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrDuplicateTool, d.ToolID)
		}
		outcome = audit.OutcomeReplaced
		seq = prev.seq
	} else {
		r.nextSeq++
	}
	r.tools[d.ToolID] = record{d: d, seq: seq}

	r.appendLocked(audit.Entry{
		Action:  audit.ActionRegister,
		ToolIDs: []string{d.ToolID},
		Outcome: outcome,
		Reason:  fmt.Sprintf("%s/%s/%s", d.RMACDLevel, d.DataAccess, d.RequiredHITL),
	})
	r.metrics.ToolsRegistered.Set(float64(len(r.tools)))
	r.logger.Debug("tool registered",
		zap.String("tool_id", d.ToolID),
		zap.String("rmacd_level", string(d.RMACDLevel)),
		zap.String("outcome", outcome))
	return d, nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tools[NormalizeToolID(id)]
	return rec.d, ok
}

// List returns every descriptor sorted by tool_id.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// ByLevel returns descriptors at the given RMACD level, sorted by tool_id.
func (r *Registry) ByLevel(op model.Operation) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.RMACDLevel == op {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// Stats summarises the catalogue.
type Stats struct {
	RegistryID   string                           `json:"registry_id"`
	TotalTools   int                              `json:"total_tools"`
	ByLevel      map[model.Operation]int          `json:"by_level"`
	ByData       map[model.DataClassification]int `json:"by_data_access"`
	ByHITL       map[model.AutonomyLevel]int      `json:"by_required_hitl"`
	AuditEntries int                              `json:"audit_entries"`
}

// Stats counts tools per level, data tier and oversight level.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		RegistryID: r.id,
		TotalTools: len(r.tools),
		ByLevel:    map[model.Operation]int{},
		ByData:     map[model.DataClassification]int{},
		ByHITL:     map[model.AutonomyLevel]int{},
	}
	for _, rec := range r.tools {
		s.ByLevel[rec.d.RMACDLevel]++
		s.ByData[rec.d.DataAccess]++
		s.ByHITL[rec.d.RequiredHITL]++
	}
	s.AuditEntries = r.log.Len()
	return s
}

// AccessOption configures ValidateToolAccess and CalculateWorkflowRisk.
type AccessOption func(*accessConfig)

type accessConfig struct {
	agentID string
}

// WithAgent records the calling agent in the audit entry.
func WithAgent(id string) AccessOption {
	return func(c *accessConfig) { c.agentID = id }
}

// ValidateToolAccess decides whether an agent granted levels at data tier
// may call tool id. An empty tier skips the data check. Denials are
// returned as (false, reason, nil); an unknown tier is an error.
// RequiredHITL is advisory and not checked here. Every call is audited.
func (r *Registry) ValidateToolAccess(id string, levels model.OperationSet, tier model.DataClassification, opts ...AccessOption) (bool, string, error) {
	if tier != "" && !tier.Valid() {
		return false, "", fmt.Errorf("validate tool access: %w", &model.ValueError{Kind: "data classification", Value: string(tier)})
	}
	var cfg accessConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	id = NormalizeToolID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	allowed, reason := r.checkLocked(id, levels, tier)
	outcome := audit.OutcomeDenied
	if allowed {
		outcome = audit.OutcomeAllowed
	}
	r.appendLocked(audit.Entry{
		Action:  audit.ActionValidate,
		ToolIDs: []string{id},
		AgentID: cfg.agentID,
		Outcome: outcome,
		Reason:  reason,
	})
	r.metrics.ToolValidations.WithLabelValues(outcome).Inc()
	return allowed, reason, nil
}

func (r *Registry) checkLocked(id string, levels model.OperationSet, tier model.DataClassification) (bool, string) {
	rec, ok := r.tools[id]
	if !ok {
		return false, ReasonUnknownTool
	}
	d := rec.d
	if !levels.Has(d.RMACDLevel) {
		return false, fmt.Sprintf("%s: %s not in [%s]", ReasonLevelNotAllowed, d.RMACDLevel, levels)
	}
	if tier != "" && d.DataAccess.Rank() > tier.Rank() {
		return false, fmt.Sprintf("%s: %s > %s", ReasonDataTooSensitive, d.DataAccess, tier)
	}
	return true, ReasonAccessGranted
}

// WorkflowRisk is the assessment of a set of tools used together.
type WorkflowRisk struct {
	TotalRisk        float64                     `json:"total_risk"`
	MaxRisk          float64                     `json:"max_risk"`
	AverageRisk      float64                     `json:"average_risk"`
	ToolCount        int                         `json:"tool_count"`
	HighestRMACD     model.Operation             `json:"highest_rmacd,omitempty"`
	HighestRiskTool  string                      `json:"highest_risk_tool,omitempty"`
	PerToolScores    map[string]float64          `json:"per_tool_scores"`
	MissingTools     []string                    `json:"missing_tools"`
	RiskDistribution map[model.Operation]float64 `json:"risk_distribution"`
}

// CalculateWorkflowRisk scores the known tools in ids and aggregates them
// with the registry's RiskPolicy. Unknown ids are reported in MissingTools
// and do not contribute. Duplicate ids count once.
func (r *Registry) CalculateWorkflowRisk(ids []string, opts ...AccessOption) WorkflowRisk {
	var cfg accessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wr := WorkflowRisk{
		PerToolScores:    map[string]float64{},
		MissingTools:     []string{},
		RiskDistribution: map[model.Operation]float64{},
	}
	seen := map[string]bool{}
	var normalized []string
	var scores []float64
	var bestSeq int64
	for _, raw := range ids {
		id := NormalizeToolID(raw)
		if seen[id] {
			continue
		}
		seen[id] = true
		normalized = append(normalized, id)

		rec, ok := r.tools[id]
		if !ok {
			wr.MissingTools = append(wr.MissingTools, id)
			continue
		}
		score := ToolRisk(rec.d)
		scores = append(scores, score)
		wr.PerToolScores[id] = score
		wr.RiskDistribution[rec.d.RMACDLevel] = round2(wr.RiskDistribution[rec.d.RMACDLevel] + score)

		if wr.HighestRiskTool == "" || score > wr.MaxRisk || (score == wr.MaxRisk && rec.seq < bestSeq) {
			wr.MaxRisk = score
			wr.HighestRiskTool = id
			bestSeq = rec.seq
		}
		if wr.HighestRMACD == "" || rec.d.RMACDLevel.Rank() > wr.HighestRMACD.Rank() {
			wr.HighestRMACD = rec.d.RMACDLevel
		}
	}

	wr.ToolCount = len(scores)
	wr.TotalRisk = AggregateRisk(scores, r.policy)
	if wr.ToolCount > 0 {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		wr.AverageRisk = round2(sum / float64(wr.ToolCount))
	}

	reason := fmt.Sprintf("%s: total %.2f", ReasonWorkflowAssessed, wr.TotalRisk)
	if len(wr.MissingTools) > 0 {
		reason = fmt.Sprintf("%s; %s: %v", reason, ReasonMissingFromLookup, wr.MissingTools)
	}
	r.appendLocked(audit.Entry{
		Action:  audit.ActionWorkflowAssessment,
		ToolIDs: normalized,
		AgentID: cfg.agentID,
		Outcome: audit.OutcomeAssessed,
		Reason:  reason,
	})
	r.metrics.WorkflowRisk.Observe(wr.TotalRisk)
	return wr
}

// AuditLog returns a copy of every audit entry.
func (r *Registry) AuditLog() []audit.Entry {
	return r.log.Entries()
}

// AuditTail returns up to the last n audit entries.
func (r *Registry) AuditTail(n int) []audit.Entry {
	return r.log.Tail(n)
}

// VerifyAudit checks the audit hash chain.
func (r *Registry) VerifyAudit() audit.VerifyResult {
	return r.log.Verify()
}

// RestoreAudit seeds an empty audit log with a persisted chain.
func (r *Registry) RestoreAudit(entries []audit.Entry) error {
	return r.log.Restore(entries)
}

// appendLocked records e; r.mu must be held so the audit order matches the
// order of catalogue mutations and checks.
func (r *Registry) appendLocked(e audit.Entry) {
	if _, err := r.log.Append(e); err != nil {
		r.logger.Error("audit append failed", zap.String("action", string(e.Action)), zap.Error(err))
	}
}

func (r *Registry) sortedLocked() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, rec := range r.tools {
		out = append(out, rec.d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}
