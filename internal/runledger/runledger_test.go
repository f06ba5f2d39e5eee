// Copyright 2025 James Ross
package runledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/artifact"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	l := New(db, DialectSQLite)
	require.NoError(t, l.EnsureSchema(context.Background()))
	return l
}

func TestStartAndFinishRun(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	runID, err := l.StartRun(ctx, "item1", "w1", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, l.FinishRun(ctx, runID, StatusSucceeded, map[string]interface{}{"n": 1}, ""))
}

func TestFinishRunTwiceIsNoop(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	runID, err := l.StartRun(ctx, "item1", "w1", "", nil)
	require.NoError(t, err)

	require.NoError(t, l.FinishRun(ctx, runID, StatusSucceeded, nil, ""))
	// second finalize affects zero rows but must not error or corrupt state.
	require.NoError(t, l.FinishRun(ctx, runID, StatusFailed, nil, "late error"))

	var status string
	err = l.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE run_id = ?", runID).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, string(StatusSucceeded), status, "first finalize wins")
}

func TestAttachArtifactAndLinkBundle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	runID, err := l.StartRun(ctx, "item1", "w1", "", nil)
	require.NoError(t, err)

	ref := artifact.Ref{ArtifactID: "a1", ContentSHA256: "deadbeef", ByteCount: 4}
	require.NoError(t, l.AttachArtifact(ctx, runID, "response", "application/json", ref, nil))
	require.NoError(t, l.LinkRunToBundle(ctx, runID, "bundle-1"))
	require.NoError(t, l.LinkRunToBundle(ctx, runID, "bundle-1"), "linking twice must not error")
}
