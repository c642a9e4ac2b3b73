package profile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/multierr"

	"github.com/ppiankov/rmacd/internal/model"
)

var (
	profileID2D = regexp.MustCompile(`^rmacd-2d-[a-z0-9-]+$`)
	profileID3D = regexp.MustCompile(`^rmacd-3d-[a-z0-9-]+$`)
	hhmm        = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)
)

const (
	defaultEscalationMinutes = 60
	maxEscalationMinutes     = 480
	defaultCooldownMinutes   = 30
)

// Document is the persisted JSON form of a profile. YAML documents are
// normalised to JSON before decoding into it.
type Document struct {
	Schema              string             `json:"$schema,omitempty"`
	ProfileID           string             `json:"profile_id"`
	ProfileName         string             `json:"profile_name"`
	Model               string             `json:"model"`
	Version             string             `json:"version"`
	Description         string             `json:"description,omitempty"`
	Permissions         json.RawMessage    `json:"permissions"`
	AutonomyOverrides   map[string]string  `json:"autonomy_overrides,omitempty"`
	Constraints         *ConstraintsDoc    `json:"constraints,omitempty"`
	EmergencyEscalation *EscalationDoc     `json:"emergency_escalation,omitempty"`
	AuditRequirements   *AuditRequirements `json:"audit_requirements,omitempty"`
	ApprovalAuthority   *ApprovalAuthority `json:"approval_authority,omitempty"`
	Metadata            *Metadata          `json:"metadata,omitempty"`
}

// ConstraintsDoc is the persisted form of the constraints block.
type ConstraintsDoc struct {
	Environments   []string           `json:"environments,omitempty"`
	RateLimits     *RateLimitsDoc     `json:"rate_limits,omitempty"`
	TimeWindows    *TimeWindowsDoc    `json:"time_windows,omitempty"`
	ChangeControls *ChangeControlsDoc `json:"change_controls,omitempty"`
	DeleteControls *DeleteControlsDoc `json:"delete_controls,omitempty"`
	ResourceQuotas *ResourceQuotasDoc `json:"resource_quotas,omitempty"`
	Destinations   *DestinationsDoc   `json:"destinations,omitempty"`
}

type RateLimitsDoc struct {
	QueriesPerMinute    int `json:"queries_per_minute,omitempty"`
	OperationsPerHour   int `json:"operations_per_hour,omitempty"`
	DataVolumeMBPerHour int `json:"data_volume_mb_per_hour,omitempty"`
}

type AllowedHoursDoc struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type MaintenanceWindowDoc struct {
	Name      string    `json:"name"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Recurring string    `json:"recurring,omitempty"`
}

type TimeWindowsDoc struct {
	Timezone           string                 `json:"timezone,omitempty"`
	AllowedDays        []string               `json:"allowed_days,omitempty"`
	AllowedHours       *AllowedHoursDoc       `json:"allowed_hours,omitempty"`
	BlackoutDates      []string               `json:"blackout_dates,omitempty"`
	MaintenanceWindows []MaintenanceWindowDoc `json:"maintenance_windows,omitempty"`
}

type ChangeControlsDoc struct {
	RequireBackupBeforeChange *bool `json:"require_backup_before_change,omitempty"`
	RequireRollbackPlan       *bool `json:"require_rollback_plan,omitempty"`
	MaxBlastRadiusPercentage  *int  `json:"max_blast_radius_percentage,omitempty"`
	CanaryDeploymentRequired  bool  `json:"canary_deployment_required,omitempty"`
}

type DeleteControlsDoc struct {
	SoftDeleteGracePeriodDays *int  `json:"soft_delete_grace_period_days,omitempty"`
	RequireDependencyCheck    *bool `json:"require_dependency_check,omitempty"`
	RequireLegalHoldCheck     *bool `json:"require_legal_hold_check,omitempty"`
	RetentionComplianceCheck  bool  `json:"retention_compliance_check,omitempty"`
}

type ResourceQuotasDoc struct {
	MaxResourcesPerRequest int     `json:"max_resources_per_request,omitempty"`
	MaxStorageGBPerRequest int     `json:"max_storage_gb_per_request,omitempty"`
	MaxMonthlyCostUSD      float64 `json:"max_monthly_cost_usd,omitempty"`
	AutoExpirationDays     int     `json:"auto_expiration_days,omitempty"`
}

type DestinationsDoc struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// EscalationDoc is the persisted emergency_escalation block.
// EscalatedPermissions is a list for 2-D profiles and a map for 3-D ones.
type EscalationDoc struct {
	Enabled                   bool              `json:"enabled"`
	TriggerConditions         []string          `json:"trigger_conditions,omitempty"`
	EscalatedPermissions      json.RawMessage   `json:"escalated_permissions,omitempty"`
	AutonomyOverrides         map[string]string `json:"autonomy_overrides,omitempty"`
	MaxDurationMinutes        *int              `json:"max_duration_minutes,omitempty"`
	RequirePostIncidentReview *bool             `json:"require_post_incident_review,omitempty"`
	NotificationTargets       []string          `json:"notification_targets,omitempty"`
	CooldownMinutes           *int              `json:"cooldown_minutes,omitempty"`
}

// FromDocument converts and validates a document. Every fault found is
// reported; callers can split them with multierr.Errors.
func FromDocument(doc *Document) (*Profile, error) {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	p := &Profile{
		SchemaRef:         doc.Schema,
		ID:                doc.ProfileID,
		Name:              doc.ProfileName,
		Model:             ModelType(doc.Model),
		Version:           doc.Version,
		Description:       doc.Description,
		AuditRequirements: doc.AuditRequirements,
		ApprovalAuthority: doc.ApprovalAuthority,
		Metadata:          doc.Metadata,
	}

	switch p.Model {
	case TwoDimensional:
		if !profileID2D.MatchString(doc.ProfileID) {
			fail("profile_id: %q must match %s", doc.ProfileID, profileID2D)
		}
	case ThreeDimensional:
		if !profileID3D.MatchString(doc.ProfileID) {
			fail("profile_id: %q must match %s", doc.ProfileID, profileID3D)
		}
	case "":
		fail("model: missing model type")
	default:
		fail("model: unknown model type %q", doc.Model)
	}

	if strings.TrimSpace(doc.ProfileName) == "" {
		fail("profile_name: required")
	}
	if _, err := semver.NewVersion(doc.Version); err != nil {
		fail("version: %q is not a valid version: %v", doc.Version, err)
	}

	perms, err := parsePermissions(p.Model, doc.Permissions, "permissions")
	errs = multierr.Append(errs, err)
	p.Permissions = perms
	if err == nil && p.Model == TwoDimensional && len(perms[model.ImplicitClassification]) == 0 {
		fail("permissions: two-dimensional profiles must grant at least one operation")
	}

	overrides, err := parseOverrides(p.Model, doc.AutonomyOverrides, "autonomy_overrides")
	errs = multierr.Append(errs, err)
	p.AutonomyOverrides = overrides
	errs = multierr.Append(errs, checkProhibitedCells(overrides, nil, "autonomy_overrides"))

	if doc.Constraints != nil {
		cs, err := parseConstraints(doc.Constraints)
		errs = multierr.Append(errs, err)
		p.Constraints = cs
	}

	if doc.EmergencyEscalation != nil {
		e, err := parseEscalation(p.Model, doc.EmergencyEscalation)
		errs = multierr.Append(errs, err)
		p.Emergency = e
		if e != nil {
			errs = multierr.Append(errs, checkProhibitedCells(e.AutonomyOverrides, overrides, "emergency_escalation.autonomy_overrides"))
		}
	}

	if a := doc.ApprovalAuthority; a != nil {
		if a.Approval != nil && len(a.Approval.Approvers) == 0 {
			fail("approval_authority.approval.approvers: at least one approver required")
		}
		if ea := a.ElevatedApproval; ea != nil {
			if len(ea.Approvers) == 0 {
				fail("approval_authority.elevated_approval.approvers: at least one approver required")
			}
			if ea.RequireMultipleApprovers && ea.MinimumApprovers != 0 && ea.MinimumApprovers < 2 {
				fail("approval_authority.elevated_approval.minimum_approvers: must be at least 2")
			}
		}
	}

	if errs != nil {
		return nil, errs
	}
	return p, nil
}

func parsePermissions(m ModelType, raw json.RawMessage, field string) (map[model.DataClassification]model.OperationSet, error) {
	out := make(map[model.DataClassification]model.OperationSet)
	if len(raw) == 0 || string(raw) == "null" {
		if m == TwoDimensional || m == ThreeDimensional {
			return nil, fmt.Errorf("%s: required", field)
		}
		return out, nil
	}

	switch m {
	case TwoDimensional:
		var ops []string
		if err := json.Unmarshal(raw, &ops); err != nil {
			return nil, fmt.Errorf("%s: two-dimensional permissions must be a list of operations: %w", field, err)
		}
		set, err := model.ParseOperationSet(ops)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out[model.ImplicitClassification] = set
	case ThreeDimensional:
		var byClass map[string][]string
		if err := json.Unmarshal(raw, &byClass); err != nil {
			return nil, fmt.Errorf("%s: three-dimensional permissions must map classification to operations: %w", field, err)
		}
		var errs error
		for k, ops := range byClass {
			class, err := model.ParseClassification(k)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", field, err))
				continue
			}
			set, err := model.ParseOperationSet(ops)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: %w", field, k, err))
				continue
			}
			out[class] = set
		}
		if errs != nil {
			return nil, errs
		}
	}
	return out, nil
}

func parseOverrides(m ModelType, raw map[string]string, field string) (map[Cell]model.AutonomyLevel, error) {
	out := make(map[Cell]model.AutonomyLevel, len(raw))
	var errs error
	for key, value := range raw {
		cell, err := parseCellKey(m, key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		level, err := model.ParseAutonomyLevel(value)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s[%s]: %w", field, key, err))
			continue
		}
		out[cell] = level
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}

// parseCellKey accepts "internal.C" for 3-D profiles and "C" for 2-D ones.
func parseCellKey(m ModelType, key string) (Cell, error) {
	if m == TwoDimensional {
		op, err := model.ParseOperation(key)
		if err != nil {
			return Cell{}, fmt.Errorf("override key %q: %w", key, err)
		}
		return Cell{Classification: model.ImplicitClassification, Operation: op}, nil
	}
	classPart, opPart, ok := strings.Cut(key, ".")
	if !ok {
		return Cell{}, fmt.Errorf("override key %q: expected \"classification.operation\"", key)
	}
	class, err := model.ParseClassification(classPart)
	if err != nil {
		return Cell{}, fmt.Errorf("override key %q: %w", key, err)
	}
	op, err := model.ParseOperation(opPart)
	if err != nil {
		return Cell{}, fmt.Errorf("override key %q: %w", key, err)
	}
	return Cell{Classification: class, Operation: op}, nil
}

func parseConstraints(doc *ConstraintsDoc) (Constraints, error) {
	var (
		cs   Constraints
		errs error
	)
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if len(doc.Environments) > 0 {
		ec := &EnvironmentConstraint{}
		for _, e := range doc.Environments {
			env, err := model.ParseEnvironment(e)
			if err != nil {
				fail("constraints.environments: %w", err)
				continue
			}
			ec.Allowed = append(ec.Allowed, env)
		}
		cs = append(cs, ec)
	}

	if rl := doc.RateLimits; rl != nil {
		if rl.QueriesPerMinute < 0 || rl.QueriesPerMinute > 10000 {
			fail("constraints.rate_limits.queries_per_minute: %d out of range 1..10000", rl.QueriesPerMinute)
		}
		if rl.OperationsPerHour < 0 || rl.OperationsPerHour > 10000 {
			fail("constraints.rate_limits.operations_per_hour: %d out of range 1..10000", rl.OperationsPerHour)
		}
		if rl.DataVolumeMBPerHour < 0 || rl.DataVolumeMBPerHour > 100000 {
			fail("constraints.rate_limits.data_volume_mb_per_hour: %d out of range 1..100000", rl.DataVolumeMBPerHour)
		}
		cs = append(cs, &RateLimits{
			QueriesPerMinute:    rl.QueriesPerMinute,
			OperationsPerHour:   rl.OperationsPerHour,
			DataVolumeMBPerHour: rl.DataVolumeMBPerHour,
		})
	}

	if rq := doc.ResourceQuotas; rq != nil {
		if rq.MaxResourcesPerRequest < 0 || rq.MaxResourcesPerRequest > 1000 {
			fail("constraints.resource_quotas.max_resources_per_request: %d out of range 1..1000", rq.MaxResourcesPerRequest)
		}
		if rq.MaxStorageGBPerRequest < 0 {
			fail("constraints.resource_quotas.max_storage_gb_per_request: must not be negative")
		}
		if rq.MaxMonthlyCostUSD < 0 {
			fail("constraints.resource_quotas.max_monthly_cost_usd: must not be negative")
		}
		cs = append(cs, &ResourceQuotas{
			MaxResourcesPerRequest: rq.MaxResourcesPerRequest,
			MaxStorageGBPerRequest: rq.MaxStorageGBPerRequest,
			MaxMonthlyCostUSD:      rq.MaxMonthlyCostUSD,
			AutoExpirationDays:     rq.AutoExpirationDays,
		})
	}

	if tw := doc.TimeWindows; tw != nil {
		c, err := parseTimeWindows(tw)
		errs = multierr.Append(errs, err)
		if c != nil {
			cs = append(cs, c)
		}
	}

	if d := doc.Destinations; d != nil {
		cs = append(cs, &DestinationList{
			Allow: append([]string(nil), d.Allow...),
			Deny:  append([]string(nil), d.Deny...),
		})
	}

	if cc := doc.ChangeControls; cc != nil {
		c := &ChangeControls{
			RequireBackup:            boolOr(cc.RequireBackupBeforeChange, true),
			RequireRollbackPlan:      boolOr(cc.RequireRollbackPlan, true),
			MaxBlastRadiusPercentage: intOr(cc.MaxBlastRadiusPercentage, 10),
			CanaryRequired:           cc.CanaryDeploymentRequired,
		}
		if c.MaxBlastRadiusPercentage < 0 || c.MaxBlastRadiusPercentage > 100 {
			fail("constraints.change_controls.max_blast_radius_percentage: %d out of range 0..100", c.MaxBlastRadiusPercentage)
		}
		cs = append(cs, c)
	}

	if dc := doc.DeleteControls; dc != nil {
		c := &DeleteControls{
			SoftDeleteGraceDays:      intOr(dc.SoftDeleteGracePeriodDays, 7),
			RequireDependencyCheck:   boolOr(dc.RequireDependencyCheck, true),
			RequireLegalHoldCheck:    boolOr(dc.RequireLegalHoldCheck, true),
			RetentionComplianceCheck: dc.RetentionComplianceCheck,
		}
		if c.SoftDeleteGraceDays < 1 || c.SoftDeleteGraceDays > 365 {
			fail("constraints.delete_controls.soft_delete_grace_period_days: %d out of range 1..365", c.SoftDeleteGraceDays)
		}
		cs = append(cs, c)
	}

	return cs, errs
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseTimeWindows(doc *TimeWindowsDoc) (*TimeWindows, error) {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	tz := doc.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		fail("constraints.time_windows.timezone: %w", err)
		loc = time.UTC
	}
	tw := &TimeWindows{Timezone: tz, Location: loc}

	for _, d := range doc.AllowedDays {
		wd, ok := weekdays[strings.ToLower(d)]
		if !ok {
			fail("constraints.time_windows.allowed_days: unknown day %q", d)
			continue
		}
		tw.AllowedDays = append(tw.AllowedDays, wd)
	}

	if h := doc.AllowedHours; h != nil {
		start, err1 := minuteOfDay(h.Start)
		end, err2 := minuteOfDay(h.End)
		if err1 != nil || err2 != nil {
			fail("constraints.time_windows.allowed_hours: %w", multierr.Combine(err1, err2))
		} else {
			tw.AllowedHours = &HourRange{Start: start, End: end, Raw: h.Start + "-" + h.End}
		}
	}

	for _, d := range doc.BlackoutDates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			fail("constraints.time_windows.blackout_dates: %q is not YYYY-MM-DD", d)
			continue
		}
		tw.BlackoutDates = append(tw.BlackoutDates, d)
	}

	for _, w := range doc.MaintenanceWindows {
		switch w.Recurring {
		case "", "once", "weekly", "monthly":
		default:
			fail("constraints.time_windows.maintenance_windows[%s]: unknown recurrence %q", w.Name, w.Recurring)
			continue
		}
		if !w.End.After(w.Start) {
			fail("constraints.time_windows.maintenance_windows[%s]: end must be after start", w.Name)
			continue
		}
		tw.MaintenanceWindows = append(tw.MaintenanceWindows, MaintenanceWindow{
			Name:      w.Name,
			Start:     w.Start,
			End:       w.End,
			Recurring: w.Recurring,
		})
	}

	return tw, errs
}

func minuteOfDay(s string) (int, error) {
	m := hhmm.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return h*60 + mm, nil
}

func parseEscalation(m ModelType, doc *EscalationDoc) (*EmergencyEscalation, error) {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	e := &EmergencyEscalation{
		Enabled:             doc.Enabled,
		RequireReview:       boolOr(doc.RequirePostIncidentReview, true),
		NotificationTargets: append([]string(nil), doc.NotificationTargets...),
	}

	minutes := intOr(doc.MaxDurationMinutes, defaultEscalationMinutes)
	if minutes < 1 || minutes > maxEscalationMinutes {
		fail("emergency_escalation.max_duration_minutes: %d out of range 1..%d", minutes, maxEscalationMinutes)
	}
	e.MaxDuration = time.Duration(minutes) * time.Minute

	cooldown := intOr(doc.CooldownMinutes, defaultCooldownMinutes)
	if cooldown < 0 {
		fail("emergency_escalation.cooldown_minutes: must not be negative")
	}
	e.Cooldown = time.Duration(cooldown) * time.Minute

	for _, raw := range doc.TriggerConditions {
		t := model.NormalizeTrigger(raw)
		if !t.Known() {
			fail("emergency_escalation.trigger_conditions: unknown trigger %q", raw)
			continue
		}
		e.TriggerConditions = append(e.TriggerConditions, t)
	}
	if e.Enabled && len(e.TriggerConditions) == 0 {
		fail("emergency_escalation.trigger_conditions: an enabled escalation needs at least one trigger")
	}

	if len(doc.EscalatedPermissions) > 0 && string(doc.EscalatedPermissions) != "null" {
		perms, err := parsePermissions(m, doc.EscalatedPermissions, "emergency_escalation.escalated_permissions")
		errs = multierr.Append(errs, err)
		e.Permissions = perms
	}

	overrides, err := parseOverrides(m, doc.AutonomyOverrides, "emergency_escalation.autonomy_overrides")
	errs = multierr.Append(errs, err)
	e.AutonomyOverrides = overrides
	for cell := range overrides {
		if !e.Lists(cell.Operation, cell.Classification) {
			fail("emergency_escalation.autonomy_overrides: %s is not listed in escalated_permissions", cell)
		}
	}

	return e, errs
}

// checkProhibitedCells rejects overrides that would lift a prohibited cell.
// A cell is prohibited by the matrix, or by base when base is given and
// overrides it.
func checkProhibitedCells(overrides, base map[Cell]model.AutonomyLevel, field string) error {
	var errs error
	for cell, level := range overrides {
		if level == model.Prohibited {
			continue
		}
		floor, ok := base[cell]
		if !ok {
			floor = model.MatrixDefault(cell.Operation, cell.Classification)
		}
		if floor == model.Prohibited {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s is prohibited and cannot be overridden to %s", field, cell, level))
		}
	}
	return errs
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
