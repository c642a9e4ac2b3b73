// Package approval is the human approval queue that sits outside the policy
// core. The enforcement gate files a request whenever a decision requires
// approval; operators resolve it from the CLI or the MCP server.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/rmacd/internal/model"
)

// ErrNotFound is returned for keys with no approval file.
var ErrNotFound = errors.New("approval not found")

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// keyNamespace scopes derived approval keys.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://rmacd.schemas.local/approval"))

// Key derives a stable approval key for an agent performing op on a
// resource of the given classification under a profile. The same request
// always maps to the same key so repeated attempts share one approval.
func Key(profileID, agentID string, op model.Operation, class model.DataClassification, resource string) string {
	name := strings.Join([]string{profileID, agentID, string(op), string(class), resource}, "\x00")
	return "apr-" + uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Request describes the decision awaiting a human.
type Request struct {
	Key            string                   `json:"key"`
	ProfileID      string                   `json:"profile_id"`
	AgentID        string                   `json:"agent_id,omitempty"`
	Operation      model.Operation          `json:"operation"`
	Classification model.DataClassification `json:"classification,omitempty"`
	AutonomyLevel  model.AutonomyLevel      `json:"autonomy_level"`
	Resource       string                   `json:"resource,omitempty"`
	Reason         string                   `json:"reason,omitempty"`

	// RequiredApprovers is how many distinct approvers must sign off.
	// Values below 1 mean 1.
	RequiredApprovers int `json:"required_approvers"`
}

// Approval is a request and its state.
type Approval struct {
	Request
	Status     Status     `json:"status"`
	Approvers  []string   `json:"approvers,omitempty"`
	DeniedBy   string     `json:"denied_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Remaining returns how many more approvers are needed.
func (a Approval) Remaining() int {
	n := a.RequiredApprovers - len(a.Approvers)
	if n < 0 {
		return 0
	}
	return n
}

// Store manages approval files on disk.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rmacd-pending")
	}
	return filepath.Join(home, ".rmacd", "pending")
}

// Submit creates a pending approval file and returns it. An existing
// pending, approved or denied approval for the key is returned unchanged;
// a consumed or expired one is reopened as a fresh request.
func (s *Store) Submit(r Request) (Approval, error) {
	if err := validateKey(r.Key); err != nil {
		return Approval{}, fmt.Errorf("invalid approval key: %w", err)
	}
	if r.RequiredApprovers < 1 {
		r.RequiredApprovers = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, err := s.read(r.Key); err == nil {
		s.expire(a)
		if a.Status != StatusConsumed && a.Status != StatusExpired {
			return *a, nil
		}
	}

	a := Approval{
		Request:   r,
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
	}
	return a, s.writeAtomic(s.path(r.Key), a)
}

// Approve records approver's sign-off. The approval flips to approved once
// RequiredApprovers distinct approvers have signed. If duration > 0 the
// approval expires; otherwise it is one-time (consumed on first use).
func (s *Store) Approve(key, approver string, duration time.Duration) (Approval, error) {
	if err := validateKey(key); err != nil {
		return Approval{}, fmt.Errorf("invalid approval key: %w", err)
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return Approval{}, fmt.Errorf("approver must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return Approval{}, err
	}
	if a.Status != StatusPending {
		return *a, fmt.Errorf("approval %q is %s", key, a.Status)
	}
	if slices.Contains(a.Approvers, approver) {
		return *a, fmt.Errorf("approval %q already signed by %s", key, approver)
	}

	a.Approvers = append(a.Approvers, approver)
	if a.Remaining() == 0 {
		a.Status = StatusApproved
		now := s.now().UTC()
		a.ResolvedAt = &now
		if duration > 0 {
			exp := now.Add(duration)
			a.ExpiresAt = &exp
		}
	}
	return *a, s.writeAtomic(s.path(key), *a)
}

// Deny marks an approval as denied.
func (s *Store) Deny(key, by string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return err
	}

	a.Status = StatusDenied
	a.DeniedBy = by
	now := s.now().UTC()
	a.ResolvedAt = &now

	return s.writeAtomic(s.path(key), *a)
}

// Check returns the current status of an approval.
// Returns StatusExpired if the approval has passed its deadline.
func (s *Store) Check(key string) (Status, error) {
	a, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// Get returns the approval for key, marking it expired when past its
// deadline.
func (s *Store) Get(key string) (Approval, error) {
	if err := validateKey(key); err != nil {
		return Approval{}, fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return Approval{}, err
	}

	if s.expire(a) {
		if err := s.writeAtomic(s.path(key), *a); err != nil {
			return Approval{}, err
		}
	}
	return *a, nil
}

// expire flips an approved entry past its deadline to expired and reports
// whether it changed.
func (s *Store) expire(a *Approval) bool {
	if a.Status == StatusApproved && a.ExpiresAt != nil && s.now().UTC().After(*a.ExpiresAt) {
		a.Status = StatusExpired
		return true
	}
	return false
}

// Consume marks a one-time approval as consumed. Time-limited approvals
// stay approved until they expire.
func (s *Store) Consume(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return err
	}

	s.expire(a)
	switch a.Status {
	case StatusConsumed:
		return fmt.Errorf("approval %q already consumed", key)
	case StatusApproved:
	default:
		return fmt.Errorf("approval %q is %s", key, a.Status)
	}
	if a.ExpiresAt != nil {
		return nil
	}

	a.Status = StatusConsumed
	now := s.now().UTC()
	a.ResolvedAt = &now

	return s.writeAtomic(s.path(key), *a)
}

// List returns all approvals in the store, oldest first.
func (s *Store) List() ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var approvals []Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		a, err := s.read(key)
		if err != nil {
			continue
		}
		approvals = append(approvals, *a)
	}
	sort.SliceStable(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	return approvals, nil
}

// Pending returns approvals still waiting for sign-off.
func (s *Store) Pending() ([]Approval, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Approval
	for _, a := range all {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

// Cleanup removes all approval files in the store.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Approval, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("approval %q: %w", key, err)
	}

	return &a, nil
}

func (s *Store) writeAtomic(path string, a Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
