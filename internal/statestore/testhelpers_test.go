// Copyright 2025 James Ross
package statestore

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setCreatedAt(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	q := "UPDATE " + s.itemsTable + " SET created_at = ? WHERE work_item_id = ?"
	_, err := s.db.Exec(q, at, id)
	require.NoError(t, err)
}

func expireLease(t *testing.T, s *Store, id string) {
	t.Helper()
	q := "UPDATE " + s.itemsTable + " SET lease_expires_at = ? WHERE work_item_id = ?"
	_, err := s.db.Exec(q, time.Now().UTC().Add(-time.Hour), id)
	require.NoError(t, err)
}
