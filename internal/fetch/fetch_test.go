// Copyright 2025 James Ross
package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/stretchr/testify/require"
)

func runContextFor(srv *httptest.Server, extra queue.WorkItem) handler.RunContext {
	item := extra
	if item.RequestURI == "" {
		item.RequestURI = srv.URL
	}
	return handler.RunContext{
		Context:  context.Background(),
		Item:     item,
		WorkerID: "worker-1",
		RunID:    "run-1",
	}
}

func TestHandleSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	h := New(time.Second, "")
	res, err := h.Handle(runContextFor(srv, queue.WorkItem{}))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeSucceeded, res.Outcome)
	require.Equal(t, http.StatusOK, res.HTTPStatus)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, []byte("hello"), res.Artifacts[0].Content)
	require.Equal(t, "text/plain", res.Artifacts[0].Mime)
}

func TestHandleSkipsOn304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	h := New(time.Second, "")
	res, err := h.Handle(runContextFor(srv, queue.WorkItem{}))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeSkipped, res.Outcome)
	require.Equal(t, "not modified", res.SkippedReason)
}

func TestHandleRetryableOn429WithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := New(time.Second, "")
	res, err := h.Handle(runContextFor(srv, queue.WorkItem{}))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.True(t, res.Retryable)
	require.Equal(t, 12, res.RetryAfterSeconds)
}

func TestHandleRetryableOn503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := New(time.Second, "")
	res, err := h.Handle(runContextFor(srv, queue.WorkItem{}))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.True(t, res.Retryable)
}

func TestHandleTerminalOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	h := New(time.Second, "")
	res, err := h.Handle(runContextFor(srv, queue.WorkItem{}))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.False(t, res.Retryable)
	require.Contains(t, res.ErrorMessage, "404")
}

func TestHandleSendsCustomHeadersAndMethod(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(time.Second, "")
	_, err := h.Handle(runContextFor(srv, queue.WorkItem{
		RequestMethod:  http.MethodPost,
		RequestHeaders: map[string]string{"X-Api-Key": "secret"},
		RequestBody:    `{"ok":true}`,
	}))
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "secret", gotHeader)
}

func TestHandleFailsOnEmptyURI(t *testing.T) {
	h := New(time.Second, "")
	res, err := h.Handle(handler.RunContext{Context: context.Background(), Item: queue.WorkItem{}})
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.False(t, res.Retryable)
}

func TestHandleFailsOnConnectionError(t *testing.T) {
	h := New(50*time.Millisecond, "")
	res, err := h.Handle(handler.RunContext{
		Context: context.Background(),
		Item:    queue.WorkItem{RequestURI: "http://127.0.0.1:1"},
	})
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.True(t, res.Retryable)
}

func TestNameReturnsFetch(t *testing.T) {
	require.Equal(t, "fetch", New(time.Second, "").Name())
}
