// Copyright 2025 James Ross
package seeder

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
)

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

func writeManifest(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSeedManifestEnqueuesValidEntries(t *testing.T) {
	store := newTestStore(t)
	path := writeManifest(t,
		`{"source_system":"jira","source_name":"proj","resource_type":"issue","resource_id":"1","request_uri":"https://example.com/1"}`,
		`{"source_system":"jira","source_name":"proj","resource_type":"issue","resource_id":"2","request_uri":"https://example.com/2"}`,
	)
	s := New(config.Seeder{ManifestPath: path}, store, zap.NewNop())

	sum, err := s.SeedManifest(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Loaded)
	require.Equal(t, 2, sum.Enqueued)
	require.Equal(t, 0, sum.Invalid)

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
}

func TestSeedManifestDryRunWritesNothing(t *testing.T) {
	store := newTestStore(t)
	path := writeManifest(t,
		`{"source_system":"jira","source_name":"proj","resource_type":"issue","resource_id":"1","request_uri":"https://example.com/1"}`,
	)
	s := New(config.Seeder{ManifestPath: path}, store, zap.NewNop())

	sum, err := s.SeedManifest(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Enqueued)
	require.True(t, sum.DryRun)

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending, "dry run must not write to the store")
}

func TestSeedManifestSkipsInvalidAndMalformedLines(t *testing.T) {
	store := newTestStore(t)
	path := writeManifest(t,
		`not json at all`,
		`{"source_system":"jira"}`,
		``,
		`# a comment`,
		`{"source_system":"jira","source_name":"proj","resource_type":"issue","resource_id":"1","request_uri":"https://example.com/1"}`,
	)
	s := New(config.Seeder{ManifestPath: path}, store, zap.NewNop())

	sum, err := s.SeedManifest(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Enqueued)
	require.Equal(t, 2, sum.Invalid)
	require.Len(t, sum.Errors, 2)
}

func TestSeedManifestDuplicatesAreCountedNotErrored(t *testing.T) {
	store := newTestStore(t)
	path := writeManifest(t,
		`{"source_system":"jira","source_name":"proj","resource_type":"issue","resource_id":"1","request_uri":"https://example.com/1"}`,
		`{"source_system":"jira","source_name":"proj","resource_type":"issue","resource_id":"1","request_uri":"https://example.com/1"}`,
	)
	s := New(config.Seeder{ManifestPath: path}, store, zap.NewNop())

	sum, err := s.SeedManifest(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Enqueued)
	require.Equal(t, 1, sum.Duplicate)
	require.Equal(t, 0, sum.Invalid)
}

func TestSeedDirMatchesIncludeAndExcludeGlobs(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "c.txt"), []byte("y"), 0o644))

	cfg := config.Seeder{
		IncludeGlobs: []string{"**/*.txt"},
		ExcludeGlobs: []string{"sub/**"},
	}
	s := New(cfg, store, zap.NewNop())

	sum, err := s.SeedDir(context.Background(), "local-fs", root, false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Loaded)
	require.Equal(t, 1, sum.Enqueued)

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestSeedManifestMissingFileReturnsError(t *testing.T) {
	store := newTestStore(t)
	s := New(config.Seeder{ManifestPath: filepath.Join(t.TempDir(), "missing.jsonl")}, store, zap.NewNop())

	_, err := s.SeedManifest(context.Background(), false)
	require.Error(t, err)
}
