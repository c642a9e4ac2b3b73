package policy

import (
	"errors"
	"slices"

	"github.com/ppiankov/rmacd/internal/model"
)

// Blocked reasons for the two fixed denial paths.
const (
	ReasonNotPermitted = "operation not permitted for classification"
	ReasonProhibited   = "operation prohibited for autonomous agents"
)

var (
	// ErrMissingClassification is returned when a three-dimensional profile
	// is evaluated without a data classification.
	ErrMissingClassification = errors.New("data classification required for three-dimensional profile")

	// ErrNoProfile is returned when an evaluator is built without a profile.
	ErrNoProfile = errors.New("no profile bound")
)

// Decision is the outcome of one evaluation. Denials are Decisions with
// Allowed false; they are never errors.
type Decision struct {
	Allowed              bool                     `json:"allowed"`
	Operation            model.Operation          `json:"operation"`
	DataClassification   model.DataClassification `json:"data_classification,omitempty"`
	AutonomyLevel        model.AutonomyLevel      `json:"autonomy_level"`
	RequiresApproval     bool                     `json:"requires_approval"`
	RequiresNotification bool                     `json:"requires_notification"`
	BlockedReason        string                   `json:"blocked_reason,omitempty"`
	ConstraintsApplied   []string                 `json:"constraints_applied"`
	EmergencyMode        bool                     `json:"emergency_mode"`
	ProfileID            string                   `json:"profile_id"`
}

// Equal reports whether two decisions are identical field by field.
func (d Decision) Equal(o Decision) bool {
	return d.Allowed == o.Allowed &&
		d.Operation == o.Operation &&
		d.DataClassification == o.DataClassification &&
		d.AutonomyLevel == o.AutonomyLevel &&
		d.RequiresApproval == o.RequiresApproval &&
		d.RequiresNotification == o.RequiresNotification &&
		d.BlockedReason == o.BlockedReason &&
		slices.Equal(d.ConstraintsApplied, o.ConstraintsApplied) &&
		d.EmergencyMode == o.EmergencyMode &&
		d.ProfileID == o.ProfileID
}
