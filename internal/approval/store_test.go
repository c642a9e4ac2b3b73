package approval

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/rmacd/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	s, err := NewStore(t.TempDir(), WithClock(c.now))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, c
}

func testRequest(key string) Request {
	return Request{
		Key:            key,
		ProfileID:      "rmacd-3d-data-analyst",
		AgentID:        "agent-7",
		Operation:      model.Add,
		Classification: model.Internal,
		AutonomyLevel:  model.Approval,
		Resource:       "warehouse.sales",
		Reason:         "add on internal requires approval",
	}
}

func TestSubmitCreatesFile(t *testing.T) {
	s, _ := newTestStore(t)
	a, err := s.Submit(testRequest("test_key"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if a.Status != StatusPending {
		t.Errorf("expected status=pending, got %s", a.Status)
	}
	if a.RequiredApprovers != 1 {
		t.Errorf("expected required approvers defaulted to 1, got %d", a.RequiredApprovers)
	}

	got, err := s.read("test_key")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if got.Operation != model.Add || got.Classification != model.Internal {
		t.Errorf("unexpected cell %s/%s", got.Operation, got.Classification)
	}
	if got.ProfileID != "rmacd-3d-data-analyst" {
		t.Errorf("expected profile id, got %s", got.ProfileID)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	r := testRequest("key1")
	r.Reason = "second"
	a, _ := s.Submit(r)

	if a.Reason != "add on internal requires approval" {
		t.Errorf("expected original reason, got %s", a.Reason)
	}
}

func TestSubmitReopensConsumed(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	s.Approve("key1", "alice", 0)
	s.Consume("key1")

	a, err := s.Submit(testRequest("key1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if a.Status != StatusPending || len(a.Approvers) != 0 {
		t.Errorf("expected a fresh pending request, got %s with %v", a.Status, a.Approvers)
	}
}

func TestSubmitKeepsDenied(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	s.Deny("key1", "carol")

	a, _ := s.Submit(testRequest("key1"))
	if a.Status != StatusDenied {
		t.Errorf("a denial must stand until cleaned up, got %s", a.Status)
	}
}

func TestSubmitRejectsTraversal(t *testing.T) {
	s, _ := newTestStore(t)
	for _, key := range []string{"../etc/passwd", "a/b", ""} {
		if _, err := s.Submit(testRequest(key)); err == nil {
			t.Errorf("expected %q to be rejected", key)
		}
	}
}

func TestKeyIsStable(t *testing.T) {
	a := Key("p", "agent", model.Delete, model.Internal, "db.users")
	b := Key("p", "agent", model.Delete, model.Internal, "db.users")
	c := Key("p", "agent", model.Delete, model.Internal, "db.orders")
	if a != b {
		t.Error("same request must derive the same key")
	}
	if a == c {
		t.Error("different resources must derive different keys")
	}
	if err := validateKey(a); err != nil {
		t.Errorf("derived key must be valid: %v", err)
	}
}

func TestApproveOneTime(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))

	a, err := s.Approve("key1", "alice", 0)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if a.Status != StatusApproved {
		t.Errorf("expected approved, got %s", a.Status)
	}
	if a.ExpiresAt != nil {
		t.Error("expected no expiration for one-time approval")
	}
	if a.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
}

func TestApproveRequiresDistinctApprovers(t *testing.T) {
	s, _ := newTestStore(t)
	r := testRequest("key1")
	r.AutonomyLevel = model.ElevatedApproval
	r.RequiredApprovers = 2
	s.Submit(r)

	a, err := s.Approve("key1", "alice", 0)
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if a.Status != StatusPending || a.Remaining() != 1 {
		t.Fatalf("expected pending with 1 remaining, got %s/%d", a.Status, a.Remaining())
	}

	if _, err := s.Approve("key1", "alice", 0); err == nil {
		t.Error("the same approver must not count twice")
	}

	a, err = s.Approve("key1", "bob", 0)
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if a.Status != StatusApproved {
		t.Errorf("expected approved after two approvers, got %s", a.Status)
	}
	if len(a.Approvers) != 2 {
		t.Errorf("expected 2 approvers recorded, got %v", a.Approvers)
	}
}

func TestApproveRejectsEmptyApprover(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	if _, err := s.Approve("key1", "  ", 0); err == nil {
		t.Error("expected error for empty approver")
	}
}

func TestApproveTimeLimited(t *testing.T) {
	s, c := newTestStore(t)
	s.Submit(testRequest("key1"))

	if _, err := s.Approve("key1", "alice", 5*time.Minute); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	c.advance(4 * time.Minute)
	if status, _ := s.Check("key1"); status != StatusApproved {
		t.Errorf("expected approved before expiry, got %s", status)
	}
	if err := s.Consume("key1"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if status, _ := s.Check("key1"); status != StatusApproved {
		t.Errorf("time-limited approvals survive use, got %s", status)
	}

	c.advance(2 * time.Minute)
	if status, _ := s.Check("key1"); status != StatusExpired {
		t.Errorf("expected expired, got %s", status)
	}
}

func TestDeny(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))

	if err := s.Deny("key1", "carol"); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}

	a, _ := s.Get("key1")
	if a.Status != StatusDenied || a.DeniedBy != "carol" {
		t.Errorf("expected denied by carol, got %s by %q", a.Status, a.DeniedBy)
	}
	if _, err := s.Approve("key1", "alice", 0); err == nil {
		t.Error("a denied request must not be approvable")
	}
}

func TestCheckNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Check("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsume(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	s.Approve("key1", "alice", 0)

	if err := s.Consume("key1"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if status, _ := s.Check("key1"); status != StatusConsumed {
		t.Errorf("expected consumed, got %s", status)
	}
	if err := s.Consume("key1"); err == nil {
		t.Error("expected error for double consume")
	}
}

func TestConsumePending(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	if err := s.Consume("key1"); err == nil {
		t.Error("a pending approval must not be consumable")
	}
}

func TestListAndPending(t *testing.T) {
	s, c := newTestStore(t)
	for _, key := range []string{"key3", "key1", "key2"} {
		s.Submit(testRequest(key))
		c.advance(time.Second)
	}
	s.Approve("key1", "alice", 0)

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 approvals, got %d", len(list))
	}
	if list[0].Key != "key3" {
		t.Errorf("expected oldest first, got %s", list[0].Key)
	}

	pending, _ := s.Pending()
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
}

func TestCleanup(t *testing.T) {
	s, _ := newTestStore(t)
	s.Submit(testRequest("key1"))
	s.Submit(testRequest("key2"))

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	list, _ := s.List()
	if len(list) != 0 {
		t.Errorf("expected 0 after cleanup, got %d", len(list))
	}
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(testRequest("concurrent_key"))
			s.Check("concurrent_key")
		}()
	}
	wg.Wait()

	status, err := s.Check("concurrent_key")
	if err != nil {
		t.Fatalf("Check failed after concurrent access: %v", err)
	}
	if status != StatusPending {
		t.Errorf("expected pending, got %s", status)
	}
}

func TestApproveNonexistent(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Approve("nonexistent", "alice", 0); err == nil {
		t.Error("expected error for approving nonexistent key")
	}
	if err := s.Deny("nonexistent", "alice"); err == nil {
		t.Error("expected error for denying nonexistent key")
	}
}
