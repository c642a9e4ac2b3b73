package policy

import (
	"time"

	"github.com/ppiankov/rmacd/internal/model"
)

// EvaluationContext is the caller-supplied, per-call input to Evaluate.
// It is never stored on a profile.
type EvaluationContext struct {
	// Timestamp is the instant being evaluated. The evaluator never reads
	// the clock; a zero Timestamp skips time windows and emergency overlays.
	Timestamp   time.Time
	Environment model.Environment

	EmergencyActive     bool
	EmergencyTrigger    model.TriggerCondition
	EmergencyDeclaredAt time.Time

	// Destination is the Move target checked against destination lists.
	Destination string

	// Usage carries counters for rate limits and quotas. Nil skips those checks.
	Usage *Usage

	Attestations Attestations

	RequestMetadata map[string]string
}

// Usage reports recent consumption, excluding the request being evaluated,
// plus what the request itself asks for.
type Usage struct {
	QueriesLastMinute       int     `json:"queries_last_minute,omitempty"`
	OperationsLastHour      int     `json:"operations_last_hour,omitempty"`
	DataVolumeMBLastHour    int     `json:"data_volume_mb_last_hour,omitempty"`
	ResourcesRequested      int     `json:"resources_requested,omitempty"`
	StorageGBRequested      int     `json:"storage_gb_requested,omitempty"`
	ProjectedMonthlyCostUSD float64 `json:"projected_monthly_cost_usd,omitempty"`
}

// Attestations are caller assertions consumed by change and delete controls.
type Attestations struct {
	BackupVerified        bool `json:"backup_verified,omitempty"`
	RollbackPlan          bool `json:"rollback_plan,omitempty"`
	BlastRadiusPercentage int  `json:"blast_radius_percentage,omitempty"`
	CanaryDeployment      bool `json:"canary_deployment,omitempty"`
	DependencyCheckPassed bool `json:"dependency_check_passed,omitempty"`
	LegalHoldClear        bool `json:"legal_hold_clear,omitempty"`
	RetentionCompliant    bool `json:"retention_compliant,omitempty"`
}

// NewContext returns a context stamped with the current UTC time.
func NewContext() *EvaluationContext {
	return &EvaluationContext{Timestamp: time.Now().UTC()}
}

// WithEmergency marks the context as running under a declared emergency.
func (c *EvaluationContext) WithEmergency(trigger model.TriggerCondition, declaredAt time.Time) *EvaluationContext {
	c.EmergencyActive = true
	c.EmergencyTrigger = trigger
	c.EmergencyDeclaredAt = declaredAt
	return c
}
