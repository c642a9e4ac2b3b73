// Package metrics defines the Prometheus instruments shared by the
// enforcement gate, the tool registry and the MCP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Decisions counts evaluator outcomes by result and autonomy level.
	Decisions *prometheus.CounterVec

	// EvaluationDuration is the latency of a full gate check.
	EvaluationDuration prometheus.Histogram

	// ToolValidations counts registry access checks by result.
	ToolValidations *prometheus.CounterVec

	// ToolsRegistered is the current catalogue size.
	ToolsRegistered prometheus.Gauge

	// WorkflowRisk records aggregate workflow risk scores.
	WorkflowRisk prometheus.Histogram

	// RateLimited counts requests rejected by the gate's limiters.
	RateLimited *prometheus.CounterVec

	// ApprovalsPending is the approval queue depth.
	ApprovalsPending prometheus.Gauge

	// EmergencyActive is 1 while an emergency declaration is in force.
	EmergencyActive prometheus.Gauge

	// ProfileReloads counts hot reloads by result.
	ProfileReloads *prometheus.CounterVec
}

// New registers the instruments with reg. A nil reg uses a private
// registry that is never exported.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rmacd_decisions_total",
			Help: "Policy decisions by result and autonomy level.",
		}, []string{"result", "autonomy_level", "operation"}),

		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rmacd_evaluation_duration_seconds",
			Help:    "Latency of a gate check including limiters and approval lookup.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),

		ToolValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rmacd_tool_validations_total",
			Help: "Tool access validations by result.",
		}, []string{"result"}),

		ToolsRegistered: f.NewGauge(prometheus.GaugeOpts{
			Name: "rmacd_tools_registered",
			Help: "Number of tools in the registry.",
		}),

		WorkflowRisk: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rmacd_workflow_risk_score",
			Help:    "Aggregate workflow risk scores (0-10).",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rmacd_rate_limited_total",
			Help: "Requests rejected by the enforcement rate limiters.",
		}, []string{"limiter"}),

		ApprovalsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "rmacd_approvals_pending",
			Help: "Approval requests awaiting a decision.",
		}),

		EmergencyActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "rmacd_emergency_active",
			Help: "1 while an emergency declaration is in force.",
		}),

		ProfileReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rmacd_profile_reloads_total",
			Help: "Profile hot reloads by result.",
		}, []string{"result"}),
	}
}
