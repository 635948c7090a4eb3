// Package store persists every entity of the capability evolution engine in
// SQLite: learned behaviors, evaluations, the genome and its versions,
// staging environments, the propagation ledger, pollination proposals and
// the child registry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db  *sql.DB
	q   querier
	now func() time.Time
}

// Open opens (or creates) the SQLite database at dbPath and applies the schema.
// Write transactions begin IMMEDIATE so concurrent writers queue on busy_timeout
// instead of failing on lock upgrade.
func Open(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB applies the schema to an already opened database. Used with
// alternate drivers and in tests.
func NewFromDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE capability_evaluations ADD COLUMN supersedes_id TEXT`)
	_, _ = db.Exec(`ALTER TABLE capability_evaluations ADD COLUMN staging_env_id TEXT`)
	_, _ = db.Exec(`ALTER TABLE propagation_log ADD COLUMN proposal_id TEXT`)
	_, _ = db.Exec(`ALTER TABLE propagation_log ADD COLUMN ref_entry_id TEXT`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_ledger_proposal ON propagation_log(proposal_id)`)

	return &Store{db: db, q: db, now: time.Now}, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source. Tests use it to simulate the stability window.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// InTx runs fn inside one transaction. Calls nested inside fn reuse it.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(&Store{db: s.db, q: tx, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// classify maps driver failures onto the engine's error taxonomy.
func classify(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, evolution.ErrConflict) || errors.Is(err, evolution.ErrNotFound) ||
		errors.Is(err, evolution.ErrStoreUnavailable) || errors.Is(err, evolution.ErrInvalidArgument) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "unable to open database"),
		strings.Contains(msg, "disk i/o error"):
		return fmt.Errorf("%w: %v", evolution.ErrStoreUnavailable, err)
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "ledger row is terminal"),
		strings.Contains(msg, "is immutable"):
		return fmt.Errorf("%w: %v", evolution.ErrConflict, err)
	}
	return err
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
