package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Sink receives every entry after it is chained. Sinks are the caller's
// persistence hook; the log itself keeps entries only in memory.
type Sink interface {
	Write(Entry) error
}

// Log is an append-only, in-memory audit log with SHA-256 hash chaining
// over the RFC 8785 canonical form of each entry. It is never truncated.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	prevHash string
	now      func() time.Time
	sinks    []Sink
	logger   *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithSink mirrors every appended entry to s.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog returns an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		prevHash: GenesisHash,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("mod", "audit"))
	return l
}

// Append chains e onto the log and returns the stored entry. Seq, ID,
// PrevHash and Hash are always assigned; Timestamp only when empty.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = int64(len(l.entries)) + 1
	e.ID = uuid.NewString()
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	if e.ToolIDs == nil {
		e.ToolIDs = []string{}
	}
	e.PrevHash = l.prevHash
	e.Hash = ""

	h, err := HashEntry(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h

	l.entries = append(l.entries, e)
	l.prevHash = h

	for _, s := range l.sinks {
		if err := s.Write(e.clone()); err != nil {
			l.logger.Warn("audit sink write failed", zap.Int64("seq", e.Seq), zap.Error(err))
		}
	}
	return e.clone(), nil
}

// Restore seeds an empty log with a previously persisted chain so new
// entries continue it. The chain must verify.
func (l *Log) Restore(entries []Entry) error {
	if res := VerifyEntries(entries); !res.Valid {
		return fmt.Errorf("audit: restore: %s (seq %d)", res.Error, res.ErrorSeq)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 {
		return fmt.Errorf("audit: restore into non-empty log")
	}
	for _, e := range entries {
		l.entries = append(l.entries, e.clone())
	}
	if n := len(entries); n > 0 {
		l.prevHash = entries[n-1].Hash
	}
	return nil
}

// Entries returns a copy of every entry in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// Tail returns up to the last n entries.
func (l *Log) Tail(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	src := l.entries[len(l.entries)-n:]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Head returns the hash of the newest entry, or GenesisHash when empty.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevHash
}

// Verify checks the in-memory chain.
func (l *Log) Verify() VerifyResult {
	return VerifyEntries(l.Entries())
}

// HashEntry returns "sha256:<hex>" of the canonical JSON of e with its
// Hash field cleared.
func HashEntry(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	return HashLine(canon), nil
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
