package profile

import (
	"time"

	"github.com/ppiankov/rmacd/internal/model"
)

// ConstraintKind names one category of operational constraint.
type ConstraintKind string

const (
	KindEnvironment    ConstraintKind = "environment"
	KindRateLimits     ConstraintKind = "rate_limits"
	KindResourceQuotas ConstraintKind = "resource_quotas"
	KindTimeWindows    ConstraintKind = "time_windows"
	KindDestinations   ConstraintKind = "destinations"
	KindChangeControls ConstraintKind = "change_controls"
	KindDeleteControls ConstraintKind = "delete_controls"
)

// Constraint is a closed union: only the types in this file implement it.
type Constraint interface {
	Kind() ConstraintKind
	sealed()
}

// Constraints holds at most one constraint per kind, in evaluation order.
type Constraints []Constraint

// Get returns the constraint of the given kind, or nil.
func (cs Constraints) Get(kind ConstraintKind) Constraint {
	for _, c := range cs {
		if c.Kind() == kind {
			return c
		}
	}
	return nil
}

// Kinds lists the kinds present, in evaluation order.
func (cs Constraints) Kinds() []ConstraintKind {
	out := make([]ConstraintKind, len(cs))
	for i, c := range cs {
		out[i] = c.Kind()
	}
	return out
}

func (cs Constraints) clone() Constraints {
	if cs == nil {
		return nil
	}
	out := make(Constraints, len(cs))
	for i, c := range cs {
		switch v := c.(type) {
		case *EnvironmentConstraint:
			cp := *v
			cp.Allowed = append([]model.Environment(nil), v.Allowed...)
			out[i] = &cp
		case *TimeWindows:
			cp := *v
			cp.AllowedDays = append([]time.Weekday(nil), v.AllowedDays...)
			cp.BlackoutDates = append([]string(nil), v.BlackoutDates...)
			cp.MaintenanceWindows = append([]MaintenanceWindow(nil), v.MaintenanceWindows...)
			if v.AllowedHours != nil {
				h := *v.AllowedHours
				cp.AllowedHours = &h
			}
			out[i] = &cp
		case *DestinationList:
			cp := *v
			cp.Allow = append([]string(nil), v.Allow...)
			cp.Deny = append([]string(nil), v.Deny...)
			out[i] = &cp
		case *RateLimits:
			cp := *v
			out[i] = &cp
		case *ResourceQuotas:
			cp := *v
			out[i] = &cp
		case *ChangeControls:
			cp := *v
			out[i] = &cp
		case *DeleteControls:
			cp := *v
			out[i] = &cp
		}
	}
	return out
}

// EnvironmentConstraint restricts evaluation to an allow-list of environments.
type EnvironmentConstraint struct {
	Allowed []model.Environment
}

func (*EnvironmentConstraint) Kind() ConstraintKind { return KindEnvironment }
func (*EnvironmentConstraint) sealed()              {}

// Permits reports whether env is on the allow-list.
func (c *EnvironmentConstraint) Permits(env model.Environment) bool {
	for _, e := range c.Allowed {
		if e == env {
			return true
		}
	}
	return false
}

// RateLimits caps request rates. Zero means unlimited.
type RateLimits struct {
	QueriesPerMinute    int
	OperationsPerHour   int
	DataVolumeMBPerHour int
}

func (*RateLimits) Kind() ConstraintKind { return KindRateLimits }
func (*RateLimits) sealed()              {}

// ResourceQuotas caps what a single Add request may create. Zero means unlimited.
type ResourceQuotas struct {
	MaxResourcesPerRequest int
	MaxStorageGBPerRequest int
	MaxMonthlyCostUSD      float64
	AutoExpirationDays     int
}

func (*ResourceQuotas) Kind() ConstraintKind { return KindResourceQuotas }
func (*ResourceQuotas) sealed()              {}

// HourRange is an inclusive time-of-day range in minutes since midnight.
type HourRange struct {
	Start int
	End   int
	Raw   string
}

// Contains reports whether minute-of-day m falls in the range.
// A range whose end precedes its start wraps past midnight.
func (h HourRange) Contains(m int) bool {
	if h.Start <= h.End {
		return m >= h.Start && m <= h.End
	}
	return m >= h.Start || m <= h.End
}

// MaintenanceWindow is a pre-approved window that lifts day/hour limits.
type MaintenanceWindow struct {
	Name      string
	Start     time.Time
	End       time.Time
	Recurring string // once | weekly | monthly
}

// Covers reports whether t falls inside this window or a recurrence of it.
func (w MaintenanceWindow) Covers(t time.Time) bool {
	d := w.End.Sub(w.Start)
	if d <= 0 || t.Before(w.Start) {
		return false
	}
	switch w.Recurring {
	case "weekly":
		week := 7 * 24 * time.Hour
		if d >= week {
			return true
		}
		k := t.Sub(w.Start) / week
		occ := w.Start.Add(k * week)
		return !t.Before(occ) && t.Before(occ.Add(d))
	case "monthly":
		months := (t.Year()-w.Start.Year())*12 + int(t.Month()-w.Start.Month())
		for _, m := range []int{months, months - 1} {
			if m < 0 {
				continue
			}
			occ := w.Start.AddDate(0, m, 0)
			if !t.Before(occ) && t.Before(occ.Add(d)) {
				return true
			}
		}
		return false
	default:
		return t.Before(w.End)
	}
}

// TimeWindows restricts when operations may run.
type TimeWindows struct {
	Timezone           string
	Location           *time.Location
	AllowedDays        []time.Weekday
	AllowedHours       *HourRange
	BlackoutDates      []string // YYYY-MM-DD in Location
	MaintenanceWindows []MaintenanceWindow
}

func (*TimeWindows) Kind() ConstraintKind { return KindTimeWindows }
func (*TimeWindows) sealed()              {}

// DestinationList gates Move targets. Deny wins over Allow; an empty Allow
// list permits anything not denied.
type DestinationList struct {
	Allow []string
	Deny  []string
}

func (*DestinationList) Kind() ConstraintKind { return KindDestinations }
func (*DestinationList) sealed()              {}

// ChangeControls are preconditions for Change operations.
type ChangeControls struct {
	RequireBackup            bool
	RequireRollbackPlan      bool
	MaxBlastRadiusPercentage int
	CanaryRequired           bool
}

func (*ChangeControls) Kind() ConstraintKind { return KindChangeControls }
func (*ChangeControls) sealed()              {}

// DeleteControls are preconditions for Delete operations.
type DeleteControls struct {
	SoftDeleteGraceDays      int
	RequireDependencyCheck   bool
	RequireLegalHoldCheck    bool
	RetentionComplianceCheck bool
}

func (*DeleteControls) Kind() ConstraintKind { return KindDeleteControls }
func (*DeleteControls) sealed()              {}
