package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sawpanic/tradeguard/internal/clock"
	"github.com/sawpanic/tradeguard/internal/config"
)

// Transition is one persisted mode change. Rows are append-only and deduped
// on the idempotency key, so re-recording after a crash is harmless.
type Transition struct {
	ID             int64     `db:"id" json:"id"`
	FromMode       string    `db:"from_mode" json:"from_mode"`
	ToMode         string    `db:"to_mode" json:"to_mode"`
	Reason         string    `db:"reason" json:"reason"`
	Source         string    `db:"source" json:"source"`
	Operator       string    `db:"operator" json:"operator,omitempty"`
	WallTS         time.Time `db:"wall_ts" json:"wall_ts"`
	MonoNS         int64     `db:"mono_ns" json:"mono_ns"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
}

// WALRow is the durable form of a buffered write-ahead entry.
type WALRow struct {
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	ResourceType   string    `db:"resource_type" json:"resource_type"`
	ResourceID     string    `db:"resource_id" json:"resource_id"`
	Seq            int64     `db:"seq" json:"seq"`
	OldState       string    `db:"old_state" json:"old_state"`
	NewState       string    `db:"new_state" json:"new_state"`
	WallTS         time.Time `db:"wall_ts" json:"wall_ts"`
	MonoNS         int64     `db:"mono_ns" json:"mono_ns"`
}

// Store persists mode-change history and WAL entries, the only state that
// must survive a restart. Backed by an embedded sqlite database through sqlx.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS mode_transitions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	from_mode       TEXT NOT NULL,
	to_mode         TEXT NOT NULL,
	reason          TEXT NOT NULL,
	source          TEXT NOT NULL,
	operator        TEXT NOT NULL DEFAULT '',
	wall_ts         TIMESTAMP NOT NULL,
	mono_ns         INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS wal_entries (
	idempotency_key TEXT PRIMARY KEY,
	resource_type   TEXT NOT NULL,
	resource_id     TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	old_state       TEXT NOT NULL,
	new_state       TEXT NOT NULL,
	wall_ts         TIMESTAMP NOT NULL,
	mono_ns         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wal_resource ON wal_entries (resource_type, resource_id);
`

// Open opens (or creates) the store at the configured path and applies the
// schema. Use path ":memory:" in tests.
func Open(cfg config.StoreConfig) (*Store, error) {
	db, err := sqlx.Connect("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	// The modernc driver serializes writes; one connection avoids
	// SQLITE_BUSY under the concurrent flush and record paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, timeout: cfg.QueryTimeout}, nil
}

// RecordTransition appends one mode change. Duplicate idempotency keys are
// ignored, making crash-replay of the transition log safe.
func (s *Store) RecordTransition(ctx context.Context, t Transition) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mode_transitions
			(from_mode, to_mode, reason, source, operator, wall_ts, mono_ns, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.FromMode, t.ToMode, t.Reason, t.Source, t.Operator, t.WallTS, t.MonoNS, t.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("store: record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the most recent mode changes, newest first.
func (s *Store) ListTransitions(ctx context.Context, limit int) ([]Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []Transition
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, from_mode, to_mode, reason, source, operator, wall_ts, mono_ns, idempotency_key
		FROM mode_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list transitions: %w", err)
	}
	return out, nil
}

// ApplyWAL inserts one WAL row if its idempotency key is absent. It returns
// whether the row was newly inserted. Replay uses this and only this: applying
// an entry rewrites durable state, never re-invokes external calls.
func (s *Store) ApplyWAL(ctx context.Context, row WALRow) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO wal_entries
			(idempotency_key, resource_type, resource_id, seq, old_state, new_state, wall_ts, mono_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.IdempotencyKey, row.ResourceType, row.ResourceID, row.Seq,
		row.OldState, row.NewState, row.WallTS, row.MonoNS)
	if err != nil {
		return false, fmt.Errorf("store: apply wal entry %s: %w", row.IdempotencyKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: apply wal entry %s: %w", row.IdempotencyKey, err)
	}
	return n > 0, nil
}

// CountWAL returns the number of durably applied WAL entries.
func (s *Store) CountWAL(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM wal_entries`); err != nil {
		return 0, fmt.Errorf("store: count wal: %w", err)
	}
	return n, nil
}

// GetWAL fetches one applied entry by idempotency key, for reconciliation.
func (s *Store) GetWAL(ctx context.Context, key string) (*WALRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row WALRow
	err := s.db.GetContext(ctx, &row, `
		SELECT idempotency_key, resource_type, resource_id, seq, old_state, new_state, wall_ts, mono_ns
		FROM wal_entries WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("store: get wal %s: %w", key, err)
	}
	return &row, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TransitionKey derives the idempotency key for a mode change from its
// position in the single writer's total order.
func TransitionKey(seq uint64, toMode string, stamp clock.Stamp) string {
	return fmt.Sprintf("mode:%d:%s:%d", seq, toMode, stamp.Mono.Nanoseconds())
}
