package policy

import (
	"fmt"
	"slices"
	"time"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

// checkConstraints evaluates every constraint relevant to op, in profile
// order. It returns the kinds checked and the first failure, if any.
func checkConstraints(cs profile.Constraints, op model.Operation, ctx *EvaluationContext) ([]string, string) {
	applied := []string{}
	failure := ""
	for _, c := range cs {
		if !relevant(c, op) {
			continue
		}
		applied = append(applied, string(c.Kind()))
		if failure != "" {
			continue
		}
		if msg := check(c, op, ctx); msg != "" {
			failure = fmt.Sprintf("constraint %s failed: %s", c.Kind(), msg)
		}
	}
	return applied, failure
}

func relevant(c profile.Constraint, op model.Operation) bool {
	switch c.(type) {
	case *profile.ResourceQuotas:
		return op == model.Add
	case *profile.DestinationList:
		return op == model.Move
	case *profile.ChangeControls:
		return op == model.Change
	case *profile.DeleteControls:
		return op == model.Delete
	default:
		return true
	}
}

// check returns a non-empty message when c rejects the request.
func check(c profile.Constraint, op model.Operation, ctx *EvaluationContext) string {
	switch v := c.(type) {
	case *profile.EnvironmentConstraint:
		if ctx.Environment == "" {
			return ""
		}
		if !v.Permits(ctx.Environment) {
			return fmt.Sprintf("environment %s not permitted", ctx.Environment)
		}
	case *profile.RateLimits:
		return checkRateLimits(v, op, ctx.Usage)
	case *profile.ResourceQuotas:
		return checkQuotas(v, ctx.Usage)
	case *profile.TimeWindows:
		return checkTimeWindows(v, ctx.Timestamp)
	case *profile.DestinationList:
		if ctx.Destination == "" {
			return ""
		}
		if p, denied := matchAny(v.Deny, ctx.Destination); denied {
			return fmt.Sprintf("destination %s denied by %q", ctx.Destination, p)
		}
		if len(v.Allow) > 0 {
			if _, ok := matchAny(v.Allow, ctx.Destination); !ok {
				return fmt.Sprintf("destination %s not in allow list", ctx.Destination)
			}
		}
	case *profile.ChangeControls:
		a := ctx.Attestations
		switch {
		case v.RequireBackup && !a.BackupVerified:
			return "backup not verified"
		case v.RequireRollbackPlan && !a.RollbackPlan:
			return "rollback plan missing"
		case v.MaxBlastRadiusPercentage > 0 && a.BlastRadiusPercentage > v.MaxBlastRadiusPercentage:
			return fmt.Sprintf("blast radius %d%% exceeds %d%%", a.BlastRadiusPercentage, v.MaxBlastRadiusPercentage)
		case v.CanaryRequired && !a.CanaryDeployment:
			return "canary deployment required"
		}
	case *profile.DeleteControls:
		a := ctx.Attestations
		switch {
		case v.RequireDependencyCheck && !a.DependencyCheckPassed:
			return "dependency check not passed"
		case v.RequireLegalHoldCheck && !a.LegalHoldClear:
			return "legal hold not cleared"
		case v.RetentionComplianceCheck && !a.RetentionCompliant:
			return "retention compliance not confirmed"
		}
	}
	return ""
}

// checkRateLimits compares counters that exclude the current request, so a
// counter already at its limit rejects.
func checkRateLimits(rl *profile.RateLimits, op model.Operation, u *Usage) string {
	if u == nil {
		return ""
	}
	if op == model.Read {
		if rl.QueriesPerMinute > 0 && u.QueriesLastMinute >= rl.QueriesPerMinute {
			return fmt.Sprintf("%d queries in the last minute, limit %d", u.QueriesLastMinute, rl.QueriesPerMinute)
		}
	} else if rl.OperationsPerHour > 0 && u.OperationsLastHour >= rl.OperationsPerHour {
		return fmt.Sprintf("%d operations in the last hour, limit %d", u.OperationsLastHour, rl.OperationsPerHour)
	}
	if rl.DataVolumeMBPerHour > 0 && u.DataVolumeMBLastHour >= rl.DataVolumeMBPerHour {
		return fmt.Sprintf("%d MB in the last hour, limit %d", u.DataVolumeMBLastHour, rl.DataVolumeMBPerHour)
	}
	return ""
}

func checkQuotas(q *profile.ResourceQuotas, u *Usage) string {
	if u == nil {
		return ""
	}
	switch {
	case q.MaxResourcesPerRequest > 0 && u.ResourcesRequested > q.MaxResourcesPerRequest:
		return fmt.Sprintf("%d resources requested, limit %d", u.ResourcesRequested, q.MaxResourcesPerRequest)
	case q.MaxStorageGBPerRequest > 0 && u.StorageGBRequested > q.MaxStorageGBPerRequest:
		return fmt.Sprintf("%d GB requested, limit %d", u.StorageGBRequested, q.MaxStorageGBPerRequest)
	case q.MaxMonthlyCostUSD > 0 && u.ProjectedMonthlyCostUSD > q.MaxMonthlyCostUSD:
		return fmt.Sprintf("projected cost $%.2f/month exceeds $%.2f", u.ProjectedMonthlyCostUSD, q.MaxMonthlyCostUSD)
	}
	return ""
}

// checkTimeWindows applies blackout dates first; a covering maintenance
// window then lifts the day and hour limits.
func checkTimeWindows(tw *profile.TimeWindows, ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	loc := tw.Location
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)

	date := local.Format(time.DateOnly)
	if slices.Contains(tw.BlackoutDates, date) {
		return fmt.Sprintf("blackout date %s", date)
	}

	for _, w := range tw.MaintenanceWindows {
		if w.Covers(ts) {
			return ""
		}
	}

	if len(tw.AllowedDays) > 0 && !slices.Contains(tw.AllowedDays, local.Weekday()) {
		return fmt.Sprintf("not permitted on %s", local.Weekday())
	}
	if h := tw.AllowedHours; h != nil {
		if !h.Contains(local.Hour()*60 + local.Minute()) {
			return fmt.Sprintf("only permitted between %s", h.Raw)
		}
	}
	return ""
}
