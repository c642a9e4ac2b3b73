// Package enforce is the policy enforcement point. It wraps the evaluator
// with what the pure decision cannot do on its own: in-process rate
// limiting, the approval queue, emergency declarations, metrics and the
// audit trail.
package enforce

import (
	"fmt"

	"github.com/ppiankov/rmacd/internal/model"
)

// Blocked reasons added by the gate.
const (
	ReasonRateLimited     = "rate limit exceeded"
	ReasonApprovalPending = "awaiting approval"
	ReasonApprovalDenied  = "approval denied"
	ReasonNoApprovalQueue = "approval required, no approval queue configured"
)

// EnforcementError is returned when the gate blocks execution.
type EnforcementError struct {
	Operation      model.Operation
	Classification model.DataClassification
	AutonomyLevel  model.AutonomyLevel
	Reason         string
	ApprovalKey    string
}

func (e *EnforcementError) Error() string {
	cell := string(e.Operation)
	if e.Classification != "" {
		cell = fmt.Sprintf("%s/%s", e.Classification, e.Operation)
	}
	if e.ApprovalKey != "" {
		return fmt.Sprintf("enforcement blocked (%s, %s): %s [approval_key=%s]", cell, e.AutonomyLevel, e.Reason, e.ApprovalKey)
	}
	return fmt.Sprintf("enforcement blocked (%s, %s): %s", cell, e.AutonomyLevel, e.Reason)
}

// PendingApproval reports whether the block can be lifted by an approver.
func (e *EnforcementError) PendingApproval() bool {
	return e.ApprovalKey != "" && e.Reason == ReasonApprovalPending
}
