// Copyright 2025 James Ross
package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE worker_heartbeats (
		worker_id TEXT PRIMARY KEY, hostname TEXT, pid INTEGER, started_at TIMESTAMP,
		last_heartbeat_at TIMESTAMP NOT NULL, items_processed INTEGER, items_succeeded INTEGER,
		items_failed INTEGER, status TEXT, current_work_item_id TEXT)`)
	require.NoError(t, err)
	return db
}

func TestUpsertHeartbeatIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := New(db, DialectSQLite, "")
	ctx := context.Background()

	hb := Heartbeat{WorkerID: "w1", Hostname: "host-a", PID: 100, Status: "active", ItemsProcessed: 3}
	require.NoError(t, r.UpsertHeartbeat(ctx, hb))
	require.NoError(t, r.UpsertHeartbeat(ctx, hb))

	active, err := r.ListActive(ctx, 120)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 3, active[0].ItemsProcessed)
}

func TestListActiveExcludesStale(t *testing.T) {
	db := openTestDB(t)
	r := New(db, DialectSQLite, "")
	ctx := context.Background()

	require.NoError(t, r.UpsertHeartbeat(ctx, Heartbeat{WorkerID: "fresh", Status: "active"}))
	_, err := db.Exec(`INSERT INTO worker_heartbeats (worker_id, last_heartbeat_at, status) VALUES (?, ?, ?)`,
		"stale", time.Now().UTC().Add(-time.Hour), "active")
	require.NoError(t, err)

	active, err := r.ListActive(ctx, 120)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "fresh", active[0].WorkerID)
}

func TestRemoveDeletesRow(t *testing.T) {
	db := openTestDB(t)
	r := New(db, DialectSQLite, "")
	ctx := context.Background()

	require.NoError(t, r.UpsertHeartbeat(ctx, Heartbeat{WorkerID: "w1", Status: "active"}))
	require.NoError(t, r.Remove(ctx, "w1"))

	active, err := r.ListActive(ctx, 120)
	require.NoError(t, err)
	require.Empty(t, active)
}
