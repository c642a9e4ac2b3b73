package emergency

import "github.com/ppiankov/rmacd/internal/policy"

// Attach marks ctx with the declaration active for profileID at
// ctx.Timestamp and returns it. Returns nil and leaves ctx untouched if:
//   - store or ctx is nil
//   - ctx has no timestamp
//   - no declaration is in force at that instant
//
// Whether the overlay then applies is still the evaluator's decision.
func Attach(store *Store, profileID string, ctx *policy.EvaluationContext) *Declaration {
	if store == nil || ctx == nil || ctx.Timestamp.IsZero() {
		return nil
	}
	d := store.Active(profileID)
	if d == nil || !d.ActiveAt(ctx.Timestamp) {
		return nil
	}
	ctx.WithEmergency(d.Trigger, d.DeclaredAt)
	return d
}
