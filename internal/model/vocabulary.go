package model

import (
	"fmt"
	"strings"
)

// Operation is one of the five RMACD operation tiers.
type Operation string

const (
	Read   Operation = "R"
	Move   Operation = "M"
	Add    Operation = "A"
	Change Operation = "C"
	Delete Operation = "D"
)

// Operations lists every operation in ascending risk order.
var Operations = []Operation{Read, Move, Add, Change, Delete}

var operationRank = map[Operation]int{
	Read:   0,
	Move:   1,
	Add:    2,
	Change: 3,
	Delete: 4,
}

var operationNames = map[Operation]string{
	Read:   "read",
	Move:   "move",
	Add:    "add",
	Change: "change",
	Delete: "delete",
}

// Rank returns the risk rank 0..4, or -1 for an unknown operation.
func (o Operation) Rank() int {
	if r, ok := operationRank[o]; ok {
		return r
	}
	return -1
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	_, ok := operationRank[o]
	return ok
}

// Name returns the lowercase long name ("read", "delete").
func (o Operation) Name() string {
	if n, ok := operationNames[o]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%s)", string(o))
}

// ParseOperation accepts the single-letter code or the long name, case-insensitive.
func ParseOperation(s string) (Operation, error) {
	v := strings.TrimSpace(s)
	if op := Operation(strings.ToUpper(v)); op.Valid() {
		return op, nil
	}
	lower := strings.ToLower(v)
	for op, name := range operationNames {
		if name == lower {
			return op, nil
		}
	}
	return "", &ValueError{Kind: "operation", Value: s}
}

// Cumulative returns op and every operation of lower rank. Profile templates
// use it to spell out cumulative grants; the evaluator never applies it.
func Cumulative(op Operation) []Operation {
	if !op.Valid() {
		return nil
	}
	return append([]Operation(nil), Operations[:op.Rank()+1]...)
}

// DataClassification is one of the four PICR sensitivity tiers.
type DataClassification string

const (
	Public       DataClassification = "public"
	Internal     DataClassification = "internal"
	Confidential DataClassification = "confidential"
	Restricted   DataClassification = "restricted"
)

// Classifications lists every tier in ascending sensitivity order.
var Classifications = []DataClassification{Public, Internal, Confidential, Restricted}

var classificationRank = map[DataClassification]int{
	Public:       0,
	Internal:     1,
	Confidential: 2,
	Restricted:   3,
}

// Rank returns the sensitivity rank 0..3, or -1 for an unknown tier.
func (c DataClassification) Rank() int {
	if r, ok := classificationRank[c]; ok {
		return r
	}
	return -1
}

// Valid reports whether c is a known tier.
func (c DataClassification) Valid() bool {
	_, ok := classificationRank[c]
	return ok
}

// ParseClassification parses a tier name, case-insensitive.
func ParseClassification(s string) (DataClassification, error) {
	c := DataClassification(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValueError{Kind: "data classification", Value: s}
	}
	return c, nil
}

// AutonomyLevel is the human-oversight requirement for an operation.
type AutonomyLevel string

const (
	Autonomous       AutonomyLevel = "autonomous"
	Logged           AutonomyLevel = "logged"
	Notification     AutonomyLevel = "notification"
	Approval         AutonomyLevel = "approval"
	ElevatedApproval AutonomyLevel = "elevated_approval"
	Prohibited       AutonomyLevel = "prohibited"
)

// AutonomyLevels lists every level from least to most restrictive.
var AutonomyLevels = []AutonomyLevel{Autonomous, Logged, Notification, Approval, ElevatedApproval, Prohibited}

var autonomyRank = map[AutonomyLevel]int{
	Autonomous:       0,
	Logged:           1,
	Notification:     2,
	Approval:         3,
	ElevatedApproval: 4,
	Prohibited:       5,
}

// Rank returns the restrictiveness rank 0..5, or -1 for an unknown level.
func (a AutonomyLevel) Rank() int {
	if r, ok := autonomyRank[a]; ok {
		return r
	}
	return -1
}

// Valid reports whether a is a known level.
func (a AutonomyLevel) Valid() bool {
	_, ok := autonomyRank[a]
	return ok
}

// RequiresApproval is true for approval and elevated_approval.
func (a AutonomyLevel) RequiresApproval() bool {
	return a == Approval || a == ElevatedApproval
}

// ParseAutonomyLevel parses a level name. Dashes are accepted for underscores.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	a := AutonomyLevel(strings.ReplaceAll(v, "-", "_"))
	if !a.Valid() {
		return "", &ValueError{Kind: "autonomy level", Value: s}
	}
	return a, nil
}

// LeastRestrictive returns whichever of a and b has the lower rank.
func LeastRestrictive(a, b AutonomyLevel) AutonomyLevel {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// TriggerCondition identifies why an emergency escalation was declared.
// The set is open: unknown identifiers parse but never match a profile.
type TriggerCondition string

const (
	TriggerSOCDeclaredIncident      TriggerCondition = "soc_declared_incident"
	TriggerAutomatedThreatDetection TriggerCondition = "automated_threat_detection"
	TriggerBusinessContinuityEvent  TriggerCondition = "business_continuity_event"
	TriggerComplianceEmergency      TriggerCondition = "compliance_emergency"
	TriggerManualAuthorization      TriggerCondition = "manual_authorization"
)

var knownTriggers = map[TriggerCondition]bool{
	TriggerSOCDeclaredIncident:      true,
	TriggerAutomatedThreatDetection: true,
	TriggerBusinessContinuityEvent:  true,
	TriggerComplianceEmergency:      true,
	TriggerManualAuthorization:      true,
}

// Known reports whether t belongs to the built-in trigger vocabulary.
func (t TriggerCondition) Known() bool {
	return knownTriggers[t]
}

// NormalizeTrigger maps "SOC declared incident" to "soc_declared_incident".
func NormalizeTrigger(s string) TriggerCondition {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	return TriggerCondition(v)
}

// Environment is a deployment environment tag.
type Environment string

const (
	EnvDevelopment      Environment = "development"
	EnvStaging          Environment = "staging"
	EnvProduction       Environment = "production"
	EnvDisasterRecovery Environment = "disaster-recovery"
	EnvSandbox          Environment = "sandbox"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvDisasterRecovery, EnvSandbox:
		return true
	}
	return false
}

// ParseEnvironment parses an environment tag.
func ParseEnvironment(s string) (Environment, error) {
	e := Environment(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", &ValueError{Kind: "environment", Value: s}
	}
	return e, nil
}
