// Package profilediff compares two governance profiles and reports what an
// agent gains or loses moving from one to the other.
package profilediff

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/profile"
)

// NotGranted marks a cell the profile does not permit at all.
const NotGranted = "not_granted"

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// CellChange is a change in what an agent may do on one matrix cell.
type CellChange struct {
	Cell    string `json:"cell"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment"` // "stricter" or "looser"
}

// DiffResult holds the comparison of two profiles.
type DiffResult struct {
	OldID       string       `json:"old_id"`
	NewID       string       `json:"new_id"`
	Changes     []Change     `json:"changes"`
	CellChanges []CellChange `json:"cell_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two profiles and returns the differences.
func Diff(old, new *profile.Profile) (*DiffResult, error) {
	oldEv, err := policy.NewEvaluator(old)
	if err != nil {
		return nil, err
	}
	newEv, err := policy.NewEvaluator(new)
	if err != nil {
		return nil, err
	}

	r := &DiffResult{OldID: old.ID, NewID: new.ID}

	diffString(r, "model", string(old.Model), string(new.Model))
	diffString(r, "version", old.Version, new.Version)

	diffCells(r, old, new, oldEv, newEv)

	diffKeys(r, "constraints", constraintKeys(old), constraintKeys(new), true)

	oe, ne := old.Emergency, new.Emergency
	diffBool(r, "emergency.enabled", oe != nil && oe.Enabled, ne != nil && ne.Enabled, false)
	diffKeys(r, "emergency.triggers", triggerKeys(oe), triggerKeys(ne), false)
	diffDuration(r, "emergency.max_duration", maxDuration(oe), maxDuration(ne))
	diffDuration(r, "emergency.cooldown", cooldown(oe), cooldown(ne))
	diffBool(r, "emergency.require_review", oe != nil && oe.RequireReview, ne != nil && ne.RequireReview, true)

	oa, na := old.ApprovalAuthority, new.ApprovalAuthority
	diffKeys(r, "approval.approvers", approvers(oa, false), approvers(na, false), false)
	diffKeys(r, "elevated_approval.approvers", approvers(oa, true), approvers(na, true), false)
	diffInt(r, "elevated_approval.required", oa.RequiredApprovers(model.ElevatedApproval), na.RequiredApprovers(model.ElevatedApproval), true)

	r.HasChanges = len(r.Changes) > 0 || len(r.CellChanges) > 0
	return r, nil
}

// diffCells compares the effective access of every cell the two profiles
// share. A 2-D profile contributes only its implicit classification row.
func diffCells(r *DiffResult, old, new *profile.Profile, oldEv, newEv *policy.Evaluator) {
	oldM, newM := oldEv.EffectiveMatrix(), newEv.EffectiveMatrix()
	for _, class := range model.Classifications {
		oldRow, inOld := oldM[class]
		newRow, inNew := newM[class]
		if !inOld || !inNew {
			continue
		}
		for _, op := range model.Operations {
			ov := access(old, op, class, oldRow[op])
			nv := access(new, op, class, newRow[op])
			if ov == nv {
				continue
			}
			r.CellChanges = append(r.CellChanges, CellChange{
				Cell:    fmt.Sprintf("%s/%s", class, op),
				Old:     ov,
				New:     nv,
				Comment: rankComment(accessRank(ov), accessRank(nv)),
			})
		}
	}
}

func access(p *profile.Profile, op model.Operation, class model.DataClassification, level model.AutonomyLevel) string {
	if !p.Permitted(op, class) {
		return NotGranted
	}
	return string(level)
}

// accessRank orders effective access; not granted is strictest.
func accessRank(v string) int {
	if v == NotGranted {
		return len(model.AutonomyLevels)
	}
	return model.AutonomyLevel(v).Rank()
}

func rankComment(old, new int) string {
	if new > old {
		return "stricter"
	}
	return "looser"
}

func diffString(r *DiffResult, field, old, new string) {
	if old != new {
		r.Changes = append(r.Changes, Change{Field: field, Old: old, New: new})
	}
}

func diffInt(r *DiffResult, field string, old, new int, higherIsStricter bool) {
	if old == new {
		return
	}
	comment := rankComment(old, new)
	if !higherIsStricter {
		comment = rankComment(new, old)
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     strconv.Itoa(old),
		New:     strconv.Itoa(new),
		Comment: comment,
	})
}

func diffBool(r *DiffResult, field string, old, new bool, trueIsStricter bool) {
	if old == new {
		return
	}
	stricter := new == trueIsStricter
	comment := "looser"
	if stricter {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     strconv.FormatBool(old),
		New:     strconv.FormatBool(new),
		Comment: comment,
	})
}

// diffDuration reports a changed emergency window. Longer is looser.
func diffDuration(r *DiffResult, field string, old, new time.Duration) {
	if old == new {
		return
	}
	comment := "looser"
	if new < old {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     old.String(),
		New:     new.String(),
		Comment: comment,
	})
}

// diffKeys reports set members added and removed. When addedIsStricter,
// additions are marked stricter (constraints); otherwise they are plain
// additions.
func diffKeys(r *DiffResult, section string, oldKeys, newKeys []string, addedIsStricter bool) {
	oldSet := make(map[string]bool, len(oldKeys))
	for _, k := range oldKeys {
		oldSet[k] = true
	}
	newSet := make(map[string]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[k] = true
	}

	for _, k := range newKeys {
		if !oldSet[k] {
			c := Change{Field: section, New: k, Comment: "added"}
			if addedIsStricter {
				c.Comment = "added, stricter"
			}
			r.Changes = append(r.Changes, c)
		}
	}
	for _, k := range oldKeys {
		if !newSet[k] {
			c := Change{Field: section, Old: k, Comment: "removed"}
			if addedIsStricter {
				c.Comment = "removed, looser"
			}
			r.Changes = append(r.Changes, c)
		}
	}
}

func constraintKeys(p *profile.Profile) []string {
	kinds := p.Constraints.Kinds()
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = string(k)
	}
	sort.Strings(keys)
	return keys
}

func triggerKeys(e *profile.EmergencyEscalation) []string {
	if e == nil {
		return nil
	}
	keys := make([]string, len(e.TriggerConditions))
	for i, t := range e.TriggerConditions {
		keys[i] = string(t)
	}
	sort.Strings(keys)
	return keys
}

func maxDuration(e *profile.EmergencyEscalation) time.Duration {
	if e == nil {
		return 0
	}
	return e.MaxDuration
}

func cooldown(e *profile.EmergencyEscalation) time.Duration {
	if e == nil {
		return 0
	}
	return e.Cooldown
}

func approvers(a *profile.ApprovalAuthority, elevated bool) []string {
	if a == nil {
		return nil
	}
	var list []string
	switch {
	case elevated && a.ElevatedApproval != nil:
		list = a.ElevatedApproval.Approvers
	case !elevated && a.Approval != nil:
		list = a.Approval.Approvers
	}
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}
