// Copyright 2025 James Ross

// Package registry implements the WorkerRegistry (component C2): heartbeat
// upsert, active-worker listing, and eviction on clean shutdown.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dialect mirrors statestore.Dialect; duplicated here rather than imported
// to keep registry independently embeddable.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Heartbeat is one worker's self-reported status row.
type Heartbeat struct {
	WorkerID           string
	Hostname           string
	PID                int
	StartedAt          time.Time
	LastHeartbeatAt    time.Time
	ItemsProcessed     int
	ItemsSucceeded     int
	ItemsFailed        int
	Status             string // active | idle | paused | stopping | stopped
	CurrentWorkItemID  string
}

// Registry is a SQL-backed WorkerRegistry.
type Registry struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// New constructs a Registry over an existing table (already created by
// statestore.Store.EnsureSchema, which owns the worker_heartbeats DDL).
func New(db *sql.DB, dialect Dialect, table string) *Registry {
	if table == "" {
		table = "worker_heartbeats"
	}
	return &Registry{db: db, dialect: dialect, table: table}
}

func (r *Registry) ph(i int) string {
	if r.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// UpsertHeartbeat is an idempotent insert-or-update keyed by worker_id, the
// Postgres/SQLite equivalent of the original implementation's SQL Server
// MERGE statement.
func (r *Registry) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	now := time.Now().UTC()
	hb.LastHeartbeatAt = now
	if hb.StartedAt.IsZero() {
		hb.StartedAt = now
	}

	var q string
	if r.dialect == DialectPostgres {
		q = fmt.Sprintf(`
INSERT INTO %s (worker_id, hostname, pid, started_at, last_heartbeat_at, items_processed, items_succeeded, items_failed, status, current_work_item_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (worker_id) DO UPDATE SET
	hostname = EXCLUDED.hostname,
	last_heartbeat_at = EXCLUDED.last_heartbeat_at,
	items_processed = EXCLUDED.items_processed,
	items_succeeded = EXCLUDED.items_succeeded,
	items_failed = EXCLUDED.items_failed,
	status = EXCLUDED.status,
	current_work_item_id = EXCLUDED.current_work_item_id
`, r.table)
	} else {
		q = fmt.Sprintf(`
INSERT INTO %s (worker_id, hostname, pid, started_at, last_heartbeat_at, items_processed, items_succeeded, items_failed, status, current_work_item_id)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(worker_id) DO UPDATE SET
	hostname = excluded.hostname,
	last_heartbeat_at = excluded.last_heartbeat_at,
	items_processed = excluded.items_processed,
	items_succeeded = excluded.items_succeeded,
	items_failed = excluded.items_failed,
	status = excluded.status,
	current_work_item_id = excluded.current_work_item_id
`, r.table)
	}

	_, err := r.db.ExecContext(ctx, q,
		hb.WorkerID, hb.Hostname, hb.PID, hb.StartedAt, hb.LastHeartbeatAt,
		hb.ItemsProcessed, hb.ItemsSucceeded, hb.ItemsFailed, hb.Status, nullableString(hb.CurrentWorkItemID))
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// ListActive returns workers whose last heartbeat is within timeoutSeconds.
func (r *Registry) ListActive(ctx context.Context, timeoutSeconds int) ([]Heartbeat, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(timeoutSeconds) * time.Second)
	q := fmt.Sprintf(`SELECT worker_id, hostname, pid, started_at, last_heartbeat_at, items_processed, items_succeeded, items_failed, status, current_work_item_id
FROM %s WHERE last_heartbeat_at >= %s ORDER BY worker_id`, r.table, r.ph(1))
	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var current sql.NullString
		if err := rows.Scan(&hb.WorkerID, &hb.Hostname, &hb.PID, &hb.StartedAt, &hb.LastHeartbeatAt,
			&hb.ItemsProcessed, &hb.ItemsSucceeded, &hb.ItemsFailed, &hb.Status, &current); err != nil {
			return nil, fmt.Errorf("list active scan: %w", err)
		}
		hb.CurrentWorkItemID = current.String
		out = append(out, hb)
	}
	return out, rows.Err()
}

// Remove deletes a worker's heartbeat row, called on clean shutdown.
func (r *Registry) Remove(ctx context.Context, workerID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE worker_id = %s`, r.table, r.ph(1))
	_, err := r.db.ExecContext(ctx, q, workerID)
	if err != nil {
		return fmt.Errorf("remove worker: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
