package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/rmacd/internal/model"
)

func TestLoadBuiltinProfiles(t *testing.T) {
	for _, name := range []string{"read-only-observer", "standard-agent", "data-analyst", "devops-operator", "security-responder"} {
		p, err := Load(name)
		if err != nil {
			t.Fatalf("failed to load %s profile: %v", name, err)
		}
		if p.Name == "" {
			t.Errorf("%s: expected non-empty name", name)
		}
		if p.Description == "" {
			t.Errorf("%s: expected non-empty description", name)
		}
	}
}

func TestLoadBuiltinSecurityResponder(t *testing.T) {
	p, err := Load("security-responder")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.Is3D() {
		t.Fatal("expected three-dimensional profile")
	}
	if p.Emergency == nil || !p.Emergency.Enabled {
		t.Fatal("expected enabled emergency escalation")
	}
	if p.Emergency.MaxDuration != 120*time.Minute {
		t.Errorf("expected 120m max duration, got %v", p.Emergency.MaxDuration)
	}
	if !p.Emergency.Lists(model.Change, model.Internal) {
		t.Error("expected overlay to list internal.C")
	}
	if level, ok := p.Emergency.AutonomyOverrides[Cell{model.Internal, model.Change}]; !ok || level != model.Notification {
		t.Errorf("expected internal.C overlay override notification, got %v", level)
	}
	if !p.Emergency.Matches(model.TriggerSOCDeclaredIncident) {
		t.Error("expected soc_declared_incident to match")
	}
	if p.Emergency.Matches(model.TriggerComplianceEmergency) {
		t.Error("compliance_emergency is not configured")
	}
}

func TestLoadBuiltinDevopsConstraints(t *testing.T) {
	p, err := Load("devops-operator")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []ConstraintKind{KindEnvironment, KindRateLimits, KindResourceQuotas, KindTimeWindows, KindChangeControls, KindDeleteControls}
	got := p.Constraints.Kinds()
	if len(got) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kind %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	dc := p.Constraints.Get(KindDeleteControls).(*DeleteControls)
	if dc.SoftDeleteGraceDays != 14 || dc.RequireLegalHoldCheck {
		t.Errorf("unexpected delete controls: %+v", dc)
	}
	if n := p.ApprovalAuthority.RequiredApprovers(model.ElevatedApproval); n != 2 {
		t.Errorf("expected 2 elevated approvers, got %d", n)
	}
	if n := p.ApprovalAuthority.RequiredApprovers(model.Approval); n != 1 {
		t.Errorf("expected 1 approver, got %d", n)
	}
}

func TestLoad2DNormalizesToInternal(t *testing.T) {
	p, err := Load("standard-agent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Is3D() {
		t.Fatal("expected two-dimensional profile")
	}
	if !p.Permitted(model.Add, model.Internal) {
		t.Error("expected A granted on implicit classification")
	}
	if p.Permitted(model.Change, model.Internal) {
		t.Error("C must not be granted")
	}
	if level, ok := p.Override(model.Add, model.Internal); !ok || level != model.Notification {
		t.Errorf("expected A override notification, got %v %v", level, ok)
	}
}

func TestLoadUnknownProfile(t *testing.T) {
	_, err := Load("nonexistent-profile")
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LoadError, got %T", err)
	}
}

func TestListProfiles(t *testing.T) {
	names := List()
	found := false
	for _, n := range names {
		if n == "devops-operator" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected devops-operator in profile list, got %v", names)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.json")
	doc := `{
  "profile_id": "rmacd-3d-json-test",
  "profile_name": "JSON Test",
  "model": "three-dimensional",
  "version": "1.0",
  "permissions": {"public": ["read", "move"], "restricted": ["R"]},
  "autonomy_overrides": {"public.R": "logged"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.Permitted(model.Move, model.Public) {
		t.Error("expected public.M granted")
	}
	if p.Permitted(model.Read, model.Internal) {
		t.Error("internal has no grants")
	}
	if level, _ := p.Override(model.Read, model.Public); level != model.Logged {
		t.Errorf("expected public.R logged, got %s", level)
	}
}

func TestLoadDetectsModelFromID(t *testing.T) {
	doc := `
profile_id: rmacd-2d-no-model
profile_name: No Model
version: "1.0"
permissions: [R]
`
	p, err := LoadBytes([]byte(doc), "inline")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Model != TwoDimensional {
		t.Errorf("expected two-dimensional, got %s", p.Model)
	}
}

func TestLoadRejectsSchemaViolation(t *testing.T) {
	doc := `
profile_id: rmacd-3d-bad
profile_name: Bad
model: three-dimensional
version: "1.0"
permissions:
  secret: [R]
`
	_, err := LoadBytes([]byte(doc), "inline")
	if err == nil {
		t.Fatal("expected schema error for unknown classification")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("expected schema failure, got %v", err)
	}
}

func TestLoadRejectsUnknownTrigger(t *testing.T) {
	doc := &Document{
		ProfileID:   "rmacd-2d-trigger",
		ProfileName: "Trigger",
		Model:       string(TwoDimensional),
		Version:     "1.0.0",
		Permissions: []byte(`["R"]`),
		EmergencyEscalation: &EscalationDoc{
			Enabled:           true,
			TriggerConditions: []string{"full_moon"},
		},
	}
	_, err := FromDocument(doc)
	if err == nil || !strings.Contains(err.Error(), "unknown trigger") {
		t.Fatalf("expected unknown trigger fault, got %v", err)
	}
}

func TestFromDocumentAggregatesFaults(t *testing.T) {
	bad := 600
	doc := &Document{
		ProfileID:   "not-a-profile",
		ProfileName: "",
		Model:       string(ThreeDimensional),
		Version:     "x.y",
		Permissions: []byte(`{"internal": ["Z"]}`),
		EmergencyEscalation: &EscalationDoc{
			Enabled:            true,
			TriggerConditions:  []string{"manual_authorization"},
			MaxDurationMinutes: &bad,
		},
	}
	_, err := FromDocument(doc)
	if err == nil {
		t.Fatal("expected faults")
	}
	le := &LoadError{Source: "inline", Err: err}
	if n := len(le.Faults()); n < 5 {
		t.Errorf("expected at least 5 faults, got %d: %v", n, err)
	}
	if !errors.Is(err, model.ErrUnknownValue) {
		t.Error("expected unknown operation to unwrap to ErrUnknownValue")
	}
}

func TestOverlayOverrideMustBeListed(t *testing.T) {
	doc := &Document{
		ProfileID:   "rmacd-3d-overlay",
		ProfileName: "Overlay",
		Model:       string(ThreeDimensional),
		Version:     "1.0.0",
		Permissions: []byte(`{"internal": ["R"]}`),
		EmergencyEscalation: &EscalationDoc{
			Enabled:              true,
			TriggerConditions:    []string{"soc_declared_incident"},
			EscalatedPermissions: []byte(`{"internal": ["M"]}`),
			AutonomyOverrides:    map[string]string{"internal.C": "logged"},
		},
	}
	if _, err := FromDocument(doc); err == nil {
		t.Fatal("expected error for override on unlisted cell")
	}
}

func TestOverrideCannotLiftProhibitedCell(t *testing.T) {
	doc := `{
  "profile_id": "rmacd-3d-lift",
  "profile_name": "Lift",
  "model": "three-dimensional",
  "version": "1.0.0",
  "permissions": {"restricted": ["R", "C"]},
  "autonomy_overrides": {"restricted.C": "approval", "restricted.D": "prohibited"}
}`
	_, err := LoadBytes([]byte(doc), "inline")
	if err == nil {
		t.Fatal("expected a fault for overriding a prohibited cell")
	}
	if !strings.Contains(err.Error(), "restricted.C is prohibited") {
		t.Errorf("fault should name the cell, got %v", err)
	}
	if strings.Contains(err.Error(), "restricted.D") {
		t.Errorf("restating prohibited is allowed, got %v", err)
	}
}

func TestOverlayOverrideCannotLiftProhibitedCell(t *testing.T) {
	for _, tc := range []struct {
		name      string
		overrides map[string]string
	}{
		{"matrix", nil},
		{"base override", map[string]string{"internal.C": "prohibited"}},
	} {
		cell := "restricted.D"
		perms := `{"restricted": ["D"]}`
		if tc.overrides != nil {
			cell = "internal.C"
			perms = `{"internal": ["C"]}`
		}
		doc := &Document{
			ProfileID:         "rmacd-3d-overlay-lift",
			ProfileName:       "Overlay",
			Model:             string(ThreeDimensional),
			Version:           "1.0.0",
			Permissions:       []byte(`{"internal": ["R"]}`),
			AutonomyOverrides: tc.overrides,
			EmergencyEscalation: &EscalationDoc{
				Enabled:              true,
				TriggerConditions:    []string{"soc_declared_incident"},
				EscalatedPermissions: []byte(perms),
				AutonomyOverrides:    map[string]string{cell: "approval"},
			},
		}
		_, err := FromDocument(doc)
		if err == nil || !strings.Contains(err.Error(), "emergency_escalation.autonomy_overrides: "+cell+" is prohibited") {
			t.Errorf("%s: expected prohibited-cell fault, got %v", tc.name, err)
		}
	}
}

func TestChangeAndDeleteControlDefaults(t *testing.T) {
	doc := &Document{
		ProfileID:   "rmacd-2d-defaults",
		ProfileName: "Defaults",
		Model:       string(TwoDimensional),
		Version:     "1.0.0",
		Permissions: []byte(`["C","D"]`),
		Constraints: &ConstraintsDoc{
			ChangeControls: &ChangeControlsDoc{},
			DeleteControls: &DeleteControlsDoc{},
		},
	}
	p, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	cc := p.Constraints.Get(KindChangeControls).(*ChangeControls)
	if !cc.RequireBackup || !cc.RequireRollbackPlan || cc.MaxBlastRadiusPercentage != 10 {
		t.Errorf("unexpected change control defaults: %+v", cc)
	}
	dc := p.Constraints.Get(KindDeleteControls).(*DeleteControls)
	if dc.SoftDeleteGraceDays != 7 || !dc.RequireDependencyCheck || !dc.RequireLegalHoldCheck {
		t.Errorf("unexpected delete control defaults: %+v", dc)
	}
}

func TestCloneIsDeep(t *testing.T) {
	p, err := Load("security-responder")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c := p.Clone()
	c.Permissions[model.Public][model.Delete] = true
	c.Emergency.Permissions[model.Internal][model.Delete] = true
	c.Constraints.Get(KindEnvironment).(*EnvironmentConstraint).Allowed[0] = model.EnvSandbox

	if p.Permitted(model.Delete, model.Public) {
		t.Error("clone mutation leaked into base permissions")
	}
	if p.Emergency.Lists(model.Delete, model.Internal) {
		t.Error("clone mutation leaked into overlay permissions")
	}
	if p.Constraints.Get(KindEnvironment).(*EnvironmentConstraint).Allowed[0] == model.EnvSandbox {
		t.Error("clone mutation leaked into constraints")
	}
}

func TestHourRangeWrapsMidnight(t *testing.T) {
	h := HourRange{Start: 22 * 60, End: 6 * 60}
	if !h.Contains(23 * 60) {
		t.Error("23:00 should be inside 22:00-06:00")
	}
	if !h.Contains(5 * 60) {
		t.Error("05:00 should be inside 22:00-06:00")
	}
	if h.Contains(12 * 60) {
		t.Error("12:00 should be outside 22:00-06:00")
	}
}

func TestMaintenanceWindowWeekly(t *testing.T) {
	start := time.Date(2026, 1, 3, 2, 0, 0, 0, time.UTC)
	w := MaintenanceWindow{Name: "patch", Start: start, End: start.Add(4 * time.Hour), Recurring: "weekly"}
	if !w.Covers(start.AddDate(0, 0, 14).Add(time.Hour)) {
		t.Error("expected third occurrence to be covered")
	}
	if w.Covers(start.AddDate(0, 0, 15)) {
		t.Error("a day later is outside the window")
	}
	if w.Covers(start.Add(-time.Hour)) {
		t.Error("before the first occurrence is outside the window")
	}
}

func TestInitProfileLoads(t *testing.T) {
	for _, threeD := range []bool{false, true} {
		src := InitProfile("My Agent", threeD, model.Read)
		p, err := LoadBytes([]byte(src), "init")
		if err != nil {
			t.Fatalf("threeD=%v: starter template does not load: %v", threeD, err)
		}
		if p.Name != "My Agent" {
			t.Errorf("expected name My Agent, got %q", p.Name)
		}
		if !strings.HasSuffix(p.ID, "my-agent") {
			t.Errorf("unexpected id %q", p.ID)
		}
	}
}

func TestInitProfileCumulativeGrants(t *testing.T) {
	p, err := LoadBytes([]byte(InitProfile("ops", true, model.Change)), "init")
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	for _, op := range []model.Operation{model.Read, model.Move, model.Add, model.Change} {
		if !p.Permitted(op, model.Internal) {
			t.Errorf("expected %s granted on internal", op)
		}
	}
	if p.Permitted(model.Delete, model.Internal) {
		t.Error("D must not be granted by a C ceiling")
	}
	if p.Permitted(model.Read, model.Restricted) {
		t.Error("restricted stays empty")
	}
}

func TestInitProfileInvalidCeilingIsReadOnly(t *testing.T) {
	src := InitProfile("x", false, model.Operation("Z"))
	if !strings.Contains(src, "permissions: [R]\n") {
		t.Fatalf("expected read-only grants, got:\n%s", src)
	}
}
