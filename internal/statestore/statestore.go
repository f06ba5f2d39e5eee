// Copyright 2025 James Ross

// Package statestore implements the durable, lease-based work-queue system
// of record (component C1). Every mutation is a single atomic SQL statement;
// no in-process lock substitutes for the database's own row locking.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dialect selects the SQL variant a Store speaks. Postgres is the primary
// target; SQLite is supported for local development and fast unit tests —
// both dialects support RETURNING and INSERT ... ON CONFLICT, so the query
// text differs only in placeholder style, a couple of column types, and the
// Postgres-only FOR UPDATE SKIP LOCKED in ClaimOne's candidate subquery.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store is a SQL-backed StateStore. It accepts a shared *sql.DB rather than
// a per-goroutine connection: database/sql already pools and synchronizes
// connections across goroutines, so there is no need for the thread-local
// connection proxy the original Python implementation used to work around
// a non-thread-safe driver. See DESIGN.md for the full rationale.
type Store struct {
	db      *sql.DB
	dialect Dialect

	itemsTable     string
	heartbeatTable string

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithTableNames overrides the default work_items/worker_heartbeats table
// names. Both are validated against the identifier whitelist.
func WithTableNames(items, heartbeats string) Option {
	return func(s *Store) {
		s.itemsTable = items
		s.heartbeatTable = heartbeats
	}
}

// WithBackoffDefaults overrides the default exponential-backoff base/cap
// used by Fail when no backoff hint is supplied.
func WithBackoffDefaults(base, max time.Duration) Option {
	return func(s *Store) {
		s.baseBackoff = base
		s.maxBackoff = max
	}
}

// New constructs a Store over an existing connection pool.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:             db,
		dialect:        dialect,
		itemsTable:     "work_items",
		heartbeatTable: "worker_heartbeats",
		baseBackoff:    2 * time.Second,
		maxBackoff:     300 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if err := validateIdent(s.itemsTable); err != nil {
		return nil, fmt.Errorf("items table: %w", err)
	}
	if err := validateIdent(s.heartbeatTable); err != nil {
		return nil, fmt.Errorf("heartbeat table: %w", err)
	}
	return s, nil
}

// ph renders the i-th (1-based) bind placeholder for this dialect.
func (s *Store) ph(i int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// tsType returns the column type used for timestamp columns.
func (s *Store) tsType() string {
	if s.dialect == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// EnsureSchema idempotently creates the work_items and worker_heartbeats
// tables plus their indexes. Safe to call on every process startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ts := s.tsType()
	itemsDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	work_item_id TEXT PRIMARY KEY,
	source_system TEXT NOT NULL,
	source_name TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	variant TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL,
	request_uri TEXT,
	request_method TEXT,
	request_headers TEXT,
	request_body TEXT,
	interrogation_key TEXT,
	input_json TEXT,
	priority INTEGER NOT NULL DEFAULT 100,
	created_at %s NOT NULL,
	updated_at %s NOT NULL,
	run_id TEXT,
	discovered_from TEXT,
	rank DOUBLE PRECISION,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	next_retry_at %s,
	claimed_by TEXT,
	claimed_at %s,
	lease_expires_at %s,
	metadata TEXT
)`, s.itemsTable, ts, ts, ts, ts, ts)

	stmts := []string{
		itemsDDL,
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ix_%s_dedupe ON %s (dedupe_key)`, s.itemsTable, s.itemsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_status ON %s (status, priority, created_at)`, s.itemsTable, s.itemsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_run_id ON %s (run_id)`, s.itemsTable, s.itemsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_source ON %s (source_system, source_name)`, s.itemsTable, s.itemsTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	worker_id TEXT PRIMARY KEY,
	hostname TEXT,
	pid INTEGER,
	started_at %s,
	last_heartbeat_at %s NOT NULL,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	current_work_item_id TEXT
)`, s.heartbeatTable, ts, ts),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ErrOwnershipLost names the ownership-lost condition. No Store method
// returns it: RenewLease, Complete and Fail report a row the caller's
// worker_id no longer owns (or that is not in_progress) as (false, nil).
var ErrOwnershipLost = fmt.Errorf("ownership lost or item not in_progress")
