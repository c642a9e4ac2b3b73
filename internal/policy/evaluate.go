package policy

import (
	"fmt"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

// Evaluator is the policy decision point for one profile. It owns a private
// copy of the profile and holds no mutable state, so Evaluate is safe for
// concurrent use.
type Evaluator struct {
	p *profile.Profile
}

// NewEvaluator binds a deep copy of p.
func NewEvaluator(p *profile.Profile) (*Evaluator, error) {
	if p == nil {
		return nil, ErrNoProfile
	}
	return &Evaluator{p: p.Clone()}, nil
}

// Profile returns a copy of the bound profile.
func (e *Evaluator) Profile() *profile.Profile {
	return e.p.Clone()
}

// ProfileID returns the bound profile's identifier.
func (e *Evaluator) ProfileID() string {
	return e.p.ID
}

// Evaluate decides whether op on class may proceed under ctx.
//
// Evaluation order (must not be changed):
//  1. Structural checks: unknown values and a missing 3-D classification are errors
//  2. Emergency activation: trigger, enabled overlay, and declared window
//  3. Permission gate: base grants, plus overlay grants while the overlay is active
//  4. Autonomy resolution: override, then matrix; overlay overrides only relax
//  5. Prohibition: terminal
//  6. Constraints: every relevant kind recorded, first failure blocks
//  7. Assembly: approval and notification flags
//
// Two-dimensional profiles ignore class and evaluate against the implicit
// classification; their decisions carry no classification.
func (e *Evaluator) Evaluate(op model.Operation, class model.DataClassification, ctx *EvaluationContext) (Decision, error) {
	if ctx == nil {
		ctx = &EvaluationContext{}
	}

	// Step 1: structural checks
	if !op.Valid() {
		return Decision{}, &model.ValueError{Kind: "operation", Value: string(op)}
	}
	if class != "" && !class.Valid() {
		return Decision{}, &model.ValueError{Kind: "data classification", Value: string(class)}
	}
	effective := class
	reported := class
	if e.p.Is3D() {
		if class == "" {
			return Decision{}, ErrMissingClassification
		}
	} else {
		effective = model.ImplicitClassification
		reported = ""
	}

	d := Decision{
		Operation:          op,
		DataClassification: reported,
		ConstraintsApplied: []string{},
		ProfileID:          e.p.ID,
	}

	// Step 2: emergency activation
	emergency := e.emergencyActive(ctx)
	d.EmergencyMode = emergency

	// Step 3: permission gate
	permitted := e.p.Permitted(op, effective)
	if !permitted && emergency && e.p.Emergency.Lists(op, effective) {
		permitted = true
	}
	if !permitted {
		d.AutonomyLevel = model.MatrixDefault(op, effective)
		d.BlockedReason = ReasonNotPermitted
		return d, nil
	}

	// Step 4: autonomy resolution
	level := e.resolveAutonomy(op, effective)
	if emergency && e.p.Emergency.Lists(op, effective) {
		if o, ok := e.p.Emergency.AutonomyOverrides[profile.Cell{Classification: effective, Operation: op}]; ok {
			if level != model.Prohibited && o.Rank() < level.Rank() {
				level = o
			}
		}
	}
	d.AutonomyLevel = level

	// Step 5: prohibition
	if level == model.Prohibited {
		d.BlockedReason = ReasonProhibited
		return d, nil
	}

	// Step 6: constraints
	applied, failure := checkConstraints(e.p.Constraints, op, ctx)
	d.ConstraintsApplied = applied
	if failure != "" {
		d.BlockedReason = failure
		return d, nil
	}

	// Step 7: assembly
	d.Allowed = true
	d.RequiresApproval = level.RequiresApproval()
	d.RequiresNotification = level == model.Notification
	return d, nil
}

// emergencyActive reports whether the overlay applies to ctx.
func (e *Evaluator) emergencyActive(ctx *EvaluationContext) bool {
	esc := e.p.Emergency
	if !ctx.EmergencyActive || esc == nil || !esc.Matches(ctx.EmergencyTrigger) {
		return false
	}
	if ctx.Timestamp.IsZero() || ctx.EmergencyDeclaredAt.IsZero() {
		return false
	}
	if ctx.Timestamp.Before(ctx.EmergencyDeclaredAt) {
		return false
	}
	return ctx.Timestamp.Before(ctx.EmergencyDeclaredAt.Add(esc.MaxDuration))
}

// resolveAutonomy applies the profile override, falling back to the matrix.
func (e *Evaluator) resolveAutonomy(op model.Operation, class model.DataClassification) model.AutonomyLevel {
	if level, ok := e.p.Override(op, class); ok {
		return level
	}
	return model.MatrixDefault(op, class)
}

// EffectiveMatrix returns the resolved autonomy level for every cell,
// overrides included, ignoring permissions and emergency overlays.
// Two-dimensional profiles yield only the implicit classification row.
func (e *Evaluator) EffectiveMatrix() map[model.DataClassification]map[model.Operation]model.AutonomyLevel {
	classes := model.Classifications
	if !e.p.Is3D() {
		classes = []model.DataClassification{model.ImplicitClassification}
	}
	out := make(map[model.DataClassification]map[model.Operation]model.AutonomyLevel, len(classes))
	for _, c := range classes {
		row := make(map[model.Operation]model.AutonomyLevel, len(model.Operations))
		for _, op := range model.Operations {
			row[op] = e.resolveAutonomy(op, c)
		}
		out[c] = row
	}
	return out
}

// Permissions returns the explicitly granted operations per classification.
func (e *Evaluator) Permissions() map[model.DataClassification][]model.Operation {
	out := make(map[model.DataClassification][]model.Operation, len(e.p.Permissions))
	for c, ops := range e.p.Permissions {
		out[c] = ops.Sorted()
	}
	return out
}

// String describes the bound profile.
func (e *Evaluator) String() string {
	return fmt.Sprintf("%s@%s (%s)", e.p.ID, e.p.Version, e.p.Model)
}
