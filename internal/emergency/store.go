// Package emergency records emergency declarations: the caller-side source
// of the escalation window that the evaluator checks on every request.
package emergency

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

var (
	ErrNotEnabled     = errors.New("emergency escalation not enabled for profile")
	ErrTriggerDenied  = errors.New("trigger not configured for profile")
	ErrAlreadyActive  = errors.New("emergency already active")
	ErrCooldown       = errors.New("emergency cooldown in effect")
	ErrNotFound       = errors.New("declaration not found")
	ErrStillActive    = errors.New("declaration still active")
	ErrReviewNotOwing = errors.New("declaration does not require review")
)

// validID matches alphanumeric, dash characters only (em-<uuid>).
var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// validateID rejects IDs that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters")
	}
	return nil
}

// Declaration is one declared emergency for one profile.
type Declaration struct {
	ID             string                 `json:"id"`
	ProfileID      string                 `json:"profile_id"`
	Trigger        model.TriggerCondition `json:"trigger"`
	Reason         string                 `json:"reason"`
	DeclaredBy     string                 `json:"declared_by,omitempty"`
	DeclaredAt     time.Time              `json:"declared_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
	ReviewRequired bool                   `json:"review_required"`
	ReviewedAt     *time.Time             `json:"reviewed_at,omitempty"`
	ReviewedBy     string                 `json:"reviewed_by,omitempty"`
	ReviewNotes    string                 `json:"review_notes,omitempty"`
}

// ActiveAt reports whether the declaration is in force at t.
func (d *Declaration) ActiveAt(t time.Time) bool {
	if d.EndedAt != nil && !t.Before(*d.EndedAt) {
		return false
	}
	return !t.Before(d.DeclaredAt) && t.Before(d.ExpiresAt)
}

// Over returns when the declaration stopped applying: the explicit end or
// the expiry, whichever came first.
func (d *Declaration) Over() time.Time {
	if d.EndedAt != nil && d.EndedAt.Before(d.ExpiresAt) {
		return *d.EndedAt
	}
	return d.ExpiresAt
}

// ReviewPending reports whether a finished declaration still owes its
// post-incident review at t.
func (d *Declaration) ReviewPending(t time.Time) bool {
	return d.ReviewRequired && d.ReviewedAt == nil && !d.ActiveAt(t)
}

// Store manages declaration files on disk.
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
		return nil, fmt.Errorf("cannot create emergency directory: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DefaultDir returns the default declaration store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rmacd-emergency")
	}
	return filepath.Join(home, ".rmacd", "emergency")
}

// Declare opens an emergency for p. The trigger must be one of the
// profile's configured conditions, no other declaration for the profile
// may be active, and the previous one must have ended at least the
// profile's cooldown ago. The window lasts the profile's max duration.
func (s *Store) Declare(p *profile.Profile, trigger model.TriggerCondition, reason, by string) (*Declaration, error) {
	esc := p.Emergency
	if esc == nil || !esc.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrNotEnabled, p.ID)
	}
	if !esc.Matches(trigger) {
		return nil, fmt.Errorf("%w: %s not in %v", ErrTriggerDenied, trigger, esc.TriggerConditions)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("emergency reason is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if d.ProfileID != p.ID {
			continue
		}
		if d.ActiveAt(now) {
			return nil, fmt.Errorf("%w: %s until %s", ErrAlreadyActive, d.ID, d.ExpiresAt.Format(time.RFC3339))
		}
		if ready := d.Over().Add(esc.Cooldown); now.Before(ready) {
			return nil, fmt.Errorf("%w: next declaration allowed at %s", ErrCooldown, ready.Format(time.RFC3339))
		}
	}

	id := generateID()
	d := &Declaration{
		ID:             id,
		ProfileID:      p.ID,
		Trigger:        trigger,
		Reason:         reason,
		DeclaredBy:     by,
		DeclaredAt:     now,
		ExpiresAt:      now.Add(esc.MaxDuration),
		ReviewRequired: esc.RequireReview,
	}
	if err := s.writeAtomic(s.path(id), d); err != nil {
		return nil, fmt.Errorf("failed to write declaration: %w", err)
	}
	return d, nil
}

// Active returns the declaration in force for profileID, or nil.
func (s *Store) Active(profileID string) *Declaration {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listLocked()
	if err != nil {
		return nil
	}
	now := s.now().UTC()
	for i := range all {
		if all[i].ProfileID == profileID && all[i].ActiveAt(now) {
			return &all[i]
		}
	}
	return nil
}

// End closes an active declaration early.
func (s *Store) End(id string) (*Declaration, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid declaration id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.read(id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !d.ActiveAt(now) {
		return nil, fmt.Errorf("declaration %q is not active", id)
	}
	d.EndedAt = &now
	return d, s.writeAtomic(s.path(id), d)
}

// Review records the post-incident review of a finished declaration.
func (s *Store) Review(id, by, notes string) (*Declaration, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid declaration id: %w", err)
	}
	if strings.TrimSpace(by) == "" {
		return nil, fmt.Errorf("reviewer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.read(id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if d.ActiveAt(now) {
		return nil, fmt.Errorf("%w: %s", ErrStillActive, id)
	}
	if !d.ReviewRequired || d.ReviewedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrReviewNotOwing, id)
	}
	d.ReviewedAt = &now
	d.ReviewedBy = by
	d.ReviewNotes = notes
	return d, s.writeAtomic(s.path(id), d)
}

// PendingReviews lists finished declarations still owing a review.
func (s *Store) PendingReviews() ([]Declaration, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var out []Declaration
	for _, d := range all {
		if d.ReviewPending(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

// List returns all declarations, oldest first.
func (s *Store) List() ([]Declaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]Declaration, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Declaration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		d, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, *d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeclaredAt.Before(out[j].DeclaredAt) })
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Declaration, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var d Declaration
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("declaration %q: %w", id, err)
	}
	return &d, nil
}

func (s *Store) writeAtomic(path string, d *Declaration) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func generateID() string {
	return "em-" + uuid.NewString()
}
