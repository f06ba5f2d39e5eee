// Copyright 2025 James Ross
package archive

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	_ "github.com/mattn/go-sqlite3"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExporter struct {
	exported [][]queue.WorkItem
	err      error
}

func (f *fakeExporter) Export(ctx context.Context, items []queue.WorkItem) error {
	if f.err != nil {
		return f.err
	}
	cp := make([]queue.WorkItem, len(items))
	copy(cp, items)
	f.exported = append(f.exported, cp)
	return nil
}

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := statestore.New(db, statestore.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func completeItem(t *testing.T, store *statestore.Store, resourceID string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Enqueue(ctx, queue.WorkItem{
		SourceSystem: "jira", SourceName: "proj", ResourceType: "issue", ResourceID: resourceID,
		RequestURI: "https://example.com/" + resourceID,
	})
	require.NoError(t, err)
	item, err := store.ClaimOne(ctx, "worker-1", 60, "")
	require.NoError(t, err)
	require.NotNil(t, item)
	ok, err := store.Complete(ctx, item.WorkItemID, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepOnceExportsCompletedItems(t *testing.T) {
	store := newTestStore(t)
	completeItem(t, store, "1")
	completeItem(t, store, "2")

	exp := &fakeExporter{}
	a := NewArchiver(store, exp, config.Archive{Interval: time.Hour}, zap.NewNop())

	a.sweepOnce(context.Background())

	require.Len(t, exp.exported, 1)
	require.Len(t, exp.exported[0], 2)
}

func TestSweepOnceDoesNotReexportAcrossSweeps(t *testing.T) {
	store := newTestStore(t)
	completeItem(t, store, "1")

	exp := &fakeExporter{}
	a := NewArchiver(store, exp, config.Archive{Interval: time.Hour}, zap.NewNop())

	a.sweepOnce(context.Background())
	require.Len(t, exp.exported, 1)

	a.sweepOnce(context.Background())
	require.Len(t, exp.exported, 1, "second sweep with nothing new should export nothing more")
}

func TestSweepOnceAdvancesOffsetAfterExportingNewItems(t *testing.T) {
	store := newTestStore(t)
	completeItem(t, store, "1")

	exp := &fakeExporter{}
	a := NewArchiver(store, exp, config.Archive{Interval: time.Hour}, zap.NewNop())
	a.sweepOnce(context.Background())

	completeItem(t, store, "2")
	a.sweepOnce(context.Background())

	require.Len(t, exp.exported, 2)
	require.Len(t, exp.exported[1], 1)
}

func TestSweepOnceContinuesOnExportError(t *testing.T) {
	store := newTestStore(t)
	completeItem(t, store, "1")

	failingExp := &fakeExporter{err: errBoom}
	a := NewArchiver(store, failingExp, config.Archive{Interval: time.Hour}, zap.NewNop())

	require.NotPanics(t, func() { a.sweepOnce(context.Background()) })
	require.Empty(t, failingExp.exported)
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
