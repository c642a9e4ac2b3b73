package profile

import (
	"time"

	"github.com/ppiankov/rmacd/internal/model"
)

// ModelType distinguishes two-dimensional from three-dimensional profiles.
type ModelType string

const (
	TwoDimensional   ModelType = "two-dimensional"
	ThreeDimensional ModelType = "three-dimensional"
)

// Cell addresses one (classification, operation) pair of the matrix.
type Cell struct {
	Classification model.DataClassification
	Operation      model.Operation
}

// String renders the cell in override-key form ("internal.C").
func (c Cell) String() string {
	return string(c.Classification) + "." + string(c.Operation)
}

// Profile is a loaded governance profile. It is never mutated after
// construction; exceptions are modelled as EmergencyEscalation overlays.
type Profile struct {
	SchemaRef   string
	ID          string
	Name        string
	Model       ModelType
	Version     string
	Description string

	// Permissions lists the operations explicitly granted per tier.
	// Two-dimensional profiles store theirs under model.ImplicitClassification.
	Permissions map[model.DataClassification]model.OperationSet

	// AutonomyOverrides holds only the cells that deviate from the matrix.
	AutonomyOverrides map[Cell]model.AutonomyLevel

	Constraints       Constraints
	Emergency         *EmergencyEscalation
	ApprovalAuthority *ApprovalAuthority
	AuditRequirements *AuditRequirements
	Metadata          *Metadata
}

// Is3D reports whether the profile carries a classification dimension.
func (p *Profile) Is3D() bool {
	return p.Model == ThreeDimensional
}

// Permitted reports whether op is explicitly granted for class.
func (p *Profile) Permitted(op model.Operation, class model.DataClassification) bool {
	return p.Permissions[class].Has(op)
}

// Override returns the autonomy override for a cell, if any.
func (p *Profile) Override(op model.Operation, class model.DataClassification) (model.AutonomyLevel, bool) {
	level, ok := p.AutonomyOverrides[Cell{Classification: class, Operation: op}]
	return level, ok
}

// Clone returns a deep copy so an evaluator can own its profile outright.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Permissions = clonePermissions(p.Permissions)
	out.AutonomyOverrides = cloneOverrides(p.AutonomyOverrides)
	out.Constraints = p.Constraints.clone()
	if p.Emergency != nil {
		e := *p.Emergency
		e.TriggerConditions = append([]model.TriggerCondition(nil), p.Emergency.TriggerConditions...)
		e.Permissions = clonePermissions(p.Emergency.Permissions)
		e.AutonomyOverrides = cloneOverrides(p.Emergency.AutonomyOverrides)
		e.NotificationTargets = append([]string(nil), p.Emergency.NotificationTargets...)
		out.Emergency = &e
	}
	if p.ApprovalAuthority != nil {
		a := *p.ApprovalAuthority
		if a.Approval != nil {
			s := *a.Approval
			s.Approvers = append([]string(nil), s.Approvers...)
			a.Approval = &s
		}
		if a.ElevatedApproval != nil {
			s := *a.ElevatedApproval
			s.Approvers = append([]string(nil), s.Approvers...)
			a.ElevatedApproval = &s
		}
		out.ApprovalAuthority = &a
	}
	if p.AuditRequirements != nil {
		a := *p.AuditRequirements
		a.RealTimeAlerts = append([]string(nil), a.RealTimeAlerts...)
		a.ComplianceTags = append([]string(nil), a.ComplianceTags...)
		out.AuditRequirements = &a
	}
	if p.Metadata != nil {
		m := *p.Metadata
		m.Tags = append([]string(nil), m.Tags...)
		out.Metadata = &m
	}
	return &out
}

func clonePermissions(in map[model.DataClassification]model.OperationSet) map[model.DataClassification]model.OperationSet {
	if in == nil {
		return nil
	}
	out := make(map[model.DataClassification]model.OperationSet, len(in))
	for class, ops := range in {
		out[class] = ops.Clone()
	}
	return out
}

func cloneOverrides(in map[Cell]model.AutonomyLevel) map[Cell]model.AutonomyLevel {
	if in == nil {
		return nil
	}
	out := make(map[Cell]model.AutonomyLevel, len(in))
	for c, l := range in {
		out[c] = l
	}
	return out
}

// EmergencyEscalation is the trigger-gated, time-boxed overlay substituted
// for the base profile while a declared emergency is active.
type EmergencyEscalation struct {
	Enabled           bool
	TriggerConditions []model.TriggerCondition
	// Permissions are the operations the overlay explicitly lists.
	Permissions       map[model.DataClassification]model.OperationSet
	AutonomyOverrides map[Cell]model.AutonomyLevel
	MaxDuration       time.Duration
	RequireReview     bool
	// Cooldown is the minimum gap between the end of one emergency and the
	// declaration of the next.
	Cooldown            time.Duration
	NotificationTargets []string
}

// Matches reports whether trigger is one of the configured conditions.
// Unknown triggers never match.
func (e *EmergencyEscalation) Matches(trigger model.TriggerCondition) bool {
	if e == nil || !e.Enabled || !trigger.Known() {
		return false
	}
	for _, t := range e.TriggerConditions {
		if t == trigger {
			return true
		}
	}
	return false
}

// Lists reports whether the overlay explicitly grants op on class.
func (e *EmergencyEscalation) Lists(op model.Operation, class model.DataClassification) bool {
	if e == nil {
		return false
	}
	return e.Permissions[class].Has(op)
}

// ApprovalSettings configures who may approve "approval" operations.
type ApprovalSettings struct {
	Approvers              []string `json:"approvers"`
	TimeoutMinutes         int      `json:"timeout_minutes,omitempty"`
	EscalationAfterMinutes int      `json:"escalation_after_minutes,omitempty"`
	EscalationTarget       string   `json:"escalation_target,omitempty"`
}

// ElevatedApprovalSettings configures "elevated_approval" operations.
type ElevatedApprovalSettings struct {
	Approvers                []string `json:"approvers"`
	TimeoutMinutes           int      `json:"timeout_minutes,omitempty"`
	RequireMultipleApprovers bool     `json:"require_multiple_approvers,omitempty"`
	MinimumApprovers         int      `json:"minimum_approvers,omitempty"`
}

// ApprovalAuthority names approvers per approval tier.
type ApprovalAuthority struct {
	Approval         *ApprovalSettings         `json:"approval,omitempty"`
	ElevatedApproval *ElevatedApprovalSettings `json:"elevated_approval,omitempty"`
}

// RequiredApprovers returns how many distinct approvers level needs.
func (a *ApprovalAuthority) RequiredApprovers(level model.AutonomyLevel) int {
	if level == model.ElevatedApproval && a != nil && a.ElevatedApproval != nil &&
		a.ElevatedApproval.RequireMultipleApprovers {
		if a.ElevatedApproval.MinimumApprovers > 1 {
			return a.ElevatedApproval.MinimumApprovers
		}
		return 2
	}
	return 1
}

// AuditRequirements describes audit retention and alerting expectations.
type AuditRequirements struct {
	LogLevel         string   `json:"log_level,omitempty"`
	RetentionDays    int      `json:"retention_days,omitempty"`
	RealTimeAlerts   []string `json:"real_time_alerts,omitempty"`
	ImmutableLogging bool     `json:"immutable_logging,omitempty"`
	PIIMasking       bool     `json:"pii_masking,omitempty"`
	ComplianceTags   []string `json:"compliance_tags,omitempty"`
}

// Metadata is descriptive profile metadata.
type Metadata struct {
	Created           string   `json:"created,omitempty"`
	Updated           string   `json:"updated,omitempty"`
	Author            string   `json:"author,omitempty"`
	ApprovedBy        string   `json:"approved_by,omitempty"`
	ReviewDate        string   `json:"review_date,omitempty"`
	Status            string   `json:"status,omitempty"`
	DeprecationNotice string   `json:"deprecation_notice,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}
