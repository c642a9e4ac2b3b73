// Package store persists registry catalogs and audit chains in SQLite.
// It sits outside the governance core: the registry and the audit log stay
// in memory and the caller saves and restores them through this package.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/registry"

	_ "modernc.org/sqlite"
)

// ErrNoCatalog is returned when no catalog was saved for a registry.
var ErrNoCatalog = errors.New("no saved catalog")

const schema = `
CREATE TABLE IF NOT EXISTS catalogs (
	registry_id TEXT PRIMARY KEY,
	document    JSON NOT NULL,
	tool_count  INTEGER NOT NULL,
	saved_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_entries (
	scope     TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	id        TEXT NOT NULL,
	ts        TEXT NOT NULL,
	action    TEXT NOT NULL,
	tool_ids  JSON NOT NULL,
	agent_id  TEXT NOT NULL DEFAULT '',
	outcome   TEXT NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL,
	PRIMARY KEY (scope, seq)
);`

// Store wraps a SQLite database.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for saved_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// DefaultPath returns the default database location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rmacd.db")
	}
	return filepath.Join(home, ".rmacd", "rmacd.db")
}

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("mod", "store"))

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCatalog stores the registry's current export, replacing any earlier
// snapshot for the same registry id.
func (s *Store) SaveCatalog(ctx context.Context, reg *registry.Registry) error {
	doc, err := reg.ExportJSON()
	if err != nil {
		return fmt.Errorf("export catalog: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalogs (registry_id, document, tool_count, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(registry_id) DO UPDATE SET
			document = excluded.document,
			tool_count = excluded.tool_count,
			saved_at = excluded.saved_at`,
		reg.ID(), string(doc), reg.Len(), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	s.logger.Debug("catalog saved", zap.String("registry_id", reg.ID()), zap.Int("tools", reg.Len()))
	return nil
}

// Catalog returns the raw saved catalog document for registryID.
func (s *Store) Catalog(ctx context.Context, registryID string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM catalogs WHERE registry_id = ?`, registryID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCatalog, registryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return []byte(doc), nil
}

// LoadCatalog imports the saved catalog for reg.ID() into reg.
func (s *Store) LoadCatalog(ctx context.Context, reg *registry.Registry, opts ...registry.ImportOption) error {
	doc, err := s.Catalog(ctx, reg.ID())
	if err != nil {
		return err
	}
	if err := reg.ImportJSON(doc, opts...); err != nil {
		return fmt.Errorf("import saved catalog: %w", err)
	}
	return nil
}

// CatalogInfo describes one saved catalog.
type CatalogInfo struct {
	RegistryID string    `json:"registry_id"`
	ToolCount  int       `json:"tool_count"`
	SavedAt    time.Time `json:"saved_at"`
}

// Catalogs lists saved catalogs by registry id.
func (s *Store) Catalogs(ctx context.Context) ([]CatalogInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT registry_id, tool_count, saved_at FROM catalogs ORDER BY registry_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CatalogInfo
	for rows.Next() {
		var (
			info    CatalogInfo
			savedAt string
		)
		if err := rows.Scan(&info.RegistryID, &info.ToolCount, &savedAt); err != nil {
			return nil, err
		}
		info.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// AppendAudit stores entries under scope. Entries already stored at the
// same seq are left untouched so a chain can be saved repeatedly.
func (s *Store) AppendAudit(ctx context.Context, scope string, entries []audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_entries
			(scope, seq, id, ts, action, tool_ids, agent_id, outcome, reason, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		tools, err := json.Marshal(e.ToolIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, scope, e.Seq, e.ID, e.Timestamp, string(e.Action),
			string(tools), e.AgentID, e.Outcome, e.Reason, e.PrevHash, e.Hash); err != nil {
			return fmt.Errorf("failed to insert audit entry %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

// LoadAudit returns the chain stored under scope in seq order.
func (s *Store) LoadAudit(ctx context.Context, scope string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, ts, action, tool_ids, agent_id, outcome, reason, prev_hash, hash
		FROM audit_entries
		WHERE scope = ?
		ORDER BY seq`, scope)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			action string
			tools  string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &action, &tools,
			&e.AgentID, &e.Outcome, &e.Reason, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		if err := json.Unmarshal([]byte(tools), &e.ToolIDs); err != nil {
			return nil, fmt.Errorf("audit entry %d: tool_ids: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditSink returns a sink that mirrors appended entries into scope.
func (s *Store) AuditSink(scope string) audit.Sink {
	return &sink{store: s, scope: scope}
}

type sink struct {
	store *Store
	scope string
}

func (k *sink) Write(e audit.Entry) error {
	return k.store.AppendAudit(context.Background(), k.scope, []audit.Entry{e})
}
