package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/rmacd/internal/alert"
	"github.com/ppiankov/rmacd/internal/approval"
	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/profile"
)

const gateProfile = `
profile_id: rmacd-3d-gate-test
profile_name: Gate Test
model: three-dimensional
version: "1.0.0"
permissions:
  public: [R, M, A]
  internal: [R, A]
  confidential: [R, A]
constraints:
  rate_limits:
    queries_per_minute: 3
    operations_per_hour: 2
approval_authority:
  approval:
    approvers: [team-lead]
  elevated_approval:
    approvers: [ciso, cto]
    require_multiple_approvers: true
`

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func loadGateProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.LoadBytes([]byte(gateProfile), "gate-test.yaml")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	return p
}

func newGate(t *testing.T, p *profile.Profile, opts ...Option) *Gate {
	t.Helper()
	h, err := policy.NewHolder(p)
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	return NewGate(h, append([]Option{WithClock(fixedClock)}, opts...)...)
}

func newApprovals(t *testing.T) *approval.Store {
	t.Helper()
	s, err := approval.NewStore(t.TempDir(), approval.WithClock(fixedClock))
	if err != nil {
		t.Fatalf("approval store: %v", err)
	}
	return s
}

func TestEnforcementErrorMessage(t *testing.T) {
	err := &EnforcementError{
		Operation:      model.Delete,
		Classification: model.Confidential,
		AutonomyLevel:  model.Prohibited,
		Reason:         "prohibited by governance matrix",
	}
	want := "enforcement blocked (confidential/D, prohibited): prohibited by governance matrix"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if err.PendingApproval() {
		t.Error("a prohibition is never pending approval")
	}

	err.Reason = ReasonApprovalPending
	err.ApprovalKey = "apr-1"
	if !strings.Contains(err.Error(), "[approval_key=apr-1]") {
		t.Errorf("expected approval key in %q", err.Error())
	}
	if !err.PendingApproval() {
		t.Error("expected pending approval")
	}
}

func TestGateAllowsPermittedAutonomous(t *testing.T) {
	g := newGate(t, loadGateProfile(t))

	res, err := g.Check(context.Background(), Request{
		AgentID:        "agent-1",
		Operation:      model.Read,
		Classification: model.Public,
	})
	if err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if !res.Decision.Allowed || res.Decision.AutonomyLevel != model.Autonomous {
		t.Errorf("unexpected decision %+v", res.Decision)
	}

	tail := g.AuditLog().Tail(1)
	if len(tail) != 1 || tail[0].Action != audit.ActionEvaluate || tail[0].Outcome != audit.OutcomeAllowed {
		t.Errorf("expected an allowed evaluate entry, got %+v", tail)
	}
}

func TestGateDeniesNotPermitted(t *testing.T) {
	g := newGate(t, loadGateProfile(t))

	res, err := g.Check(context.Background(), Request{
		AgentID:        "agent-1",
		ToolID:         "purge_cache",
		Operation:      model.Delete,
		Classification: model.Public,
	})
	var ee *EnforcementError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EnforcementError, got %v", err)
	}
	if ee.Reason != res.Decision.BlockedReason || ee.Reason == "" {
		t.Errorf("error reason %q must match decision %q", ee.Reason, res.Decision.BlockedReason)
	}

	tail := g.AuditLog().Tail(1)
	if len(tail) != 1 || tail[0].Outcome != audit.OutcomeDenied {
		t.Fatalf("expected a denied entry, got %+v", tail)
	}
	if len(tail[0].ToolIDs) != 1 || tail[0].ToolIDs[0] != "purge_cache" {
		t.Errorf("expected tool id recorded, got %v", tail[0].ToolIDs)
	}
}

func TestGateStructuralErrorNotAudited(t *testing.T) {
	g := newGate(t, loadGateProfile(t))

	_, err := g.Check(context.Background(), Request{Operation: model.Read})
	if err == nil {
		t.Fatal("a 3D profile needs a classification")
	}
	var ee *EnforcementError
	if errors.As(err, &ee) {
		t.Error("structural faults are not enforcement blocks")
	}
	if g.AuditLog().Len() != 0 {
		t.Errorf("expected no audit entry, got %d", g.AuditLog().Len())
	}
}

func TestGateCanceledContext(t *testing.T) {
	g := newGate(t, loadGateProfile(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Check(ctx, Request{Operation: model.Read, Classification: model.Public}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGateRateLimitsReadsPerAgent(t *testing.T) {
	g := newGate(t, loadGateProfile(t))
	req := Request{AgentID: "agent-1", Operation: model.Read, Classification: model.Public}

	for i := 0; i < 3; i++ {
		if _, err := g.Check(context.Background(), req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	res, err := g.Check(context.Background(), req)
	var ee *EnforcementError
	if !errors.As(err, &ee) || ee.Reason != ReasonRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if res.Decision.Allowed {
		t.Error("rate limited decision must not be allowed")
	}

	other := req
	other.AgentID = "agent-2"
	if _, err := g.Check(context.Background(), other); err != nil {
		t.Errorf("limits are per agent, got %v", err)
	}
}

func TestGateRateLimitsOperationsSeparately(t *testing.T) {
	g := newGate(t, loadGateProfile(t))
	move := Request{AgentID: "agent-1", Operation: model.Move, Classification: model.Public}

	for i := 0; i < 2; i++ {
		if _, err := g.Check(context.Background(), move); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if _, err := g.Check(context.Background(), move); err == nil {
		t.Fatal("expected operations_per_hour to be exhausted")
	}

	read := Request{AgentID: "agent-1", Operation: model.Read, Classification: model.Public}
	if _, err := g.Check(context.Background(), read); err != nil {
		t.Errorf("reads use their own bucket, got %v", err)
	}
}

func TestGateReloadResetsLimiters(t *testing.T) {
	p := loadGateProfile(t)
	g := newGate(t, p)
	move := Request{AgentID: "agent-1", Operation: model.Move, Classification: model.Public}
	g.Check(context.Background(), move)
	g.Check(context.Background(), move)
	if _, err := g.Check(context.Background(), move); err == nil {
		t.Fatal("expected limit before reload")
	}

	if err := g.Reload(p.Clone()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := g.Check(context.Background(), move); err != nil {
		t.Errorf("expected fresh bucket after reload, got %v", err)
	}
	if err := g.Reload(nil); err == nil {
		t.Error("expected error reloading a nil profile")
	}
}

func TestGateApprovalWithoutQueue(t *testing.T) {
	g := newGate(t, loadGateProfile(t))

	_, err := g.Check(context.Background(), Request{AgentID: "agent-1", Operation: model.Add, Classification: model.Internal})
	var ee *EnforcementError
	if !errors.As(err, &ee) || ee.Reason != ReasonNoApprovalQueue {
		t.Fatalf("expected no-queue block, got %v", err)
	}
	if ee.PendingApproval() {
		t.Error("nothing can approve without a queue")
	}
}

func TestGateApprovalLifecycle(t *testing.T) {
	store := newApprovals(t)
	g := newGate(t, loadGateProfile(t), WithApprovals(store))
	req := Request{AgentID: "agent-1", Operation: model.Add, Classification: model.Internal, Resource: "db.orders"}

	res, err := g.Check(context.Background(), req)
	var ee *EnforcementError
	if !errors.As(err, &ee) || !ee.PendingApproval() {
		t.Fatalf("expected pending approval, got %v", err)
	}
	if res.ApprovalKey == "" || res.ApprovalKey != ee.ApprovalKey {
		t.Fatalf("approval key mismatch: %q vs %q", res.ApprovalKey, ee.ApprovalKey)
	}
	if tail := g.AuditLog().Tail(1); tail[0].Outcome != audit.OutcomePending {
		t.Errorf("expected pending_approval entry, got %s", tail[0].Outcome)
	}

	if _, err := store.Approve(res.ApprovalKey, "team-lead", 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err = g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("expected allow after approval, got %v", err)
	}
	if !res.Decision.Allowed || !res.Decision.RequiresApproval {
		t.Errorf("unexpected decision %+v", res.Decision)
	}

	if status, _ := store.Check(res.ApprovalKey); status != approval.StatusConsumed {
		t.Errorf("one-time approval must be consumed, got %s", status)
	}
	if _, err := g.Check(context.Background(), req); err == nil {
		t.Error("a consumed approval must not allow again")
	}
}

func TestGateApprovalDenied(t *testing.T) {
	store := newApprovals(t)
	g := newGate(t, loadGateProfile(t), WithApprovals(store))
	req := Request{AgentID: "agent-1", Operation: model.Add, Classification: model.Internal}

	res, _ := g.Check(context.Background(), req)
	if err := store.Deny(res.ApprovalKey, "team-lead"); err != nil {
		t.Fatal(err)
	}
	_, err := g.Check(context.Background(), req)
	var ee *EnforcementError
	if !errors.As(err, &ee) || ee.Reason != ReasonApprovalDenied {
		t.Errorf("expected approval denied, got %v", err)
	}
}

func TestGateElevatedApprovalNeedsTwo(t *testing.T) {
	store := newApprovals(t)
	g := newGate(t, loadGateProfile(t), WithApprovals(store))
	req := Request{AgentID: "agent-1", Operation: model.Add, Classification: model.Confidential}

	res, _ := g.Check(context.Background(), req)
	if res.Approval == nil || res.Approval.RequiredApprovers != 2 {
		t.Fatalf("expected two approvers required, got %+v", res.Approval)
	}

	store.Approve(res.ApprovalKey, "ciso", 0)
	if _, err := g.Check(context.Background(), req); err == nil {
		t.Fatal("one approver is not enough")
	}
	store.Approve(res.ApprovalKey, "cto", 0)
	if _, err := g.Check(context.Background(), req); err != nil {
		t.Errorf("expected allow after two approvers, got %v", err)
	}
}

func TestGateAttachesEmergency(t *testing.T) {
	p, err := profile.Load("security-responder")
	if err != nil {
		t.Fatal(err)
	}
	em, err := emergency.NewStore(t.TempDir(), emergency.WithClock(func() time.Time { return fixedNow.Add(-time.Minute) }))
	if err != nil {
		t.Fatal(err)
	}
	g := newGate(t, p, WithEmergencies(em))
	req := Request{
		AgentID:        "responder",
		Operation:      model.Change,
		Classification: model.Internal,
		Context:        &policy.EvaluationContext{Timestamp: fixedNow, Environment: model.EnvProduction},
	}

	if _, err := g.Check(context.Background(), req); err == nil {
		t.Fatal("internal change is denied outside an emergency")
	}

	d, err := em.Declare(p, model.TriggerSOCDeclaredIncident, "ransomware", "soc-lead")
	if err != nil {
		t.Fatal(err)
	}
	req.Context = &policy.EvaluationContext{Timestamp: fixedNow, Environment: model.EnvProduction}
	res, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("expected emergency allow, got %v", err)
	}
	if !res.Decision.EmergencyMode || res.Emergency == nil || res.Emergency.ID != d.ID {
		t.Errorf("expected declaration %s attached, got %+v", d.ID, res)
	}
	if tail := g.AuditLog().Tail(1); !strings.HasSuffix(tail[0].Reason, "[emergency]") {
		t.Errorf("expected emergency marker, got %q", tail[0].Reason)
	}
}

func TestGateConcurrentChecks(t *testing.T) {
	p, err := profile.Load("read-only-observer")
	if err != nil {
		t.Fatal(err)
	}
	g := newGate(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Check(context.Background(), Request{AgentID: "agent", Operation: model.Read, Classification: model.Public})
		}()
	}
	wg.Wait()

	if g.AuditLog().Len() != 20 {
		t.Errorf("expected 20 audit entries, got %d", g.AuditLog().Len())
	}
	if res := g.AuditLog().Verify(); !res.Valid {
		t.Errorf("audit chain broken: %s", res.Error)
	}
}

func TestGateAlertsOnDeniedAndNotification(t *testing.T) {
	var mu sync.Mutex
	var got []alert.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := alert.NewDispatcher([]alert.Webhook{{
		URL:    srv.URL,
		Events: []string{alert.EventDenied, alert.EventNotification},
	}})
	g := newGate(t, loadGateProfile(t), WithAlerts(d))
	ctx := context.Background()

	_, _ = g.Check(ctx, Request{AgentID: "a", Operation: model.Read, Classification: model.Public})
	_, _ = g.Check(ctx, Request{AgentID: "a", Operation: model.Add, Classification: model.Public, Resource: "bucket/x"})
	_, _ = g.Check(ctx, Request{AgentID: "a", ToolID: "purge_cache", Operation: model.Delete, Classification: model.Public})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %+v", got)
	}
	types := map[string]alert.Event{}
	for _, ev := range got {
		types[ev.Type] = ev
	}
	n, ok := types[alert.EventNotification]
	if !ok || n.Resource != "bucket/x" || n.AutonomyLevel != string(model.Notification) {
		t.Errorf("unexpected notification alert %+v", n)
	}
	den, ok := types[alert.EventDenied]
	if !ok || den.ToolID != "purge_cache" || den.Reason == "" || den.ProfileID != "rmacd-3d-gate-test" {
		t.Errorf("unexpected denied alert %+v", den)
	}
	if den.Timestamp != fixedNow.Format(time.RFC3339) {
		t.Errorf("alert timestamp %s, want gate clock", den.Timestamp)
	}
}
