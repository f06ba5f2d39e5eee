// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/runner"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	paused, resumed, drained, shutdown int
	status                             runner.Status
	statusErr                          error
}

func (f *fakeController) Pause()    { f.paused++ }
func (f *fakeController) Resume()   { f.resumed++ }
func (f *fakeController) Drain()    { f.drained++ }
func (f *fakeController) Shutdown() { f.shutdown++ }
func (f *fakeController) Status(ctx context.Context) (runner.Status, error) {
	return f.status, f.statusErr
}

func newTestHandlers(t *testing.T, ctrl Controller) (*Handlers, *statestore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	store, err := statestore.New(db, statestore.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return NewHandlers(ctrl, store, zap.NewNop()), store
}

func router(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestPauseResumeDrainShutdown(t *testing.T) {
	ctrl := &fakeController{}
	h, _ := newTestHandlers(t, ctrl)
	r := router(h)

	for _, path := range []string{"/api/v1/control/pause", "/api/v1/control/resume", "/api/v1/control/drain", "/api/v1/control/shutdown"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.Equal(t, 1, ctrl.paused)
	require.Equal(t, 1, ctrl.resumed)
	require.Equal(t, 1, ctrl.drained)
	require.Equal(t, 1, ctrl.shutdown)
}

func TestStatusReturnsControllerStatus(t *testing.T) {
	ctrl := &fakeController{status: runner.Status{Paused: true}}
	h, _ := newTestHandlers(t, ctrl)
	r := router(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"paused":true`)
}

func TestRecrawlRequiresAFilter(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeController{})
	r := router(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/recrawl", strings.NewReader(`{}`))
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecrawlResetsCompletedItems(t *testing.T) {
	h, store := newTestHandlers(t, &fakeController{})
	r := router(h)

	ctx := context.Background()
	_, err := store.Enqueue(ctx, queue.WorkItem{
		SourceSystem: "jira", SourceName: "proj", ResourceType: "issue", ResourceID: "1",
		RequestURI: "https://example.com/1",
	})
	require.NoError(t, err)
	item, err := store.ClaimOne(ctx, "worker-1", 60, "")
	require.NoError(t, err)
	require.NotNil(t, item)
	ok, err := store.Complete(ctx, item.WorkItemID, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	body := `{"source_system":"jira"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/recrawl", strings.NewReader(body))
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"reset_count":1`)

	stats, err := store.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 0, stats.Completed)
}
