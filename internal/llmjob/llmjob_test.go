// Copyright 2025 James Ross
package llmjob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/stretchr/testify/require"
)

func rcFor(item queue.WorkItem) handler.RunContext {
	return handler.RunContext{Context: context.Background(), Item: item, WorkerID: "worker-1", RunID: "run-1"}
}

func baseItem() queue.WorkItem {
	return queue.WorkItem{
		SourceSystem:     "analysis",
		SourceName:       "entity-extract",
		ResourceType:     "issue",
		ResourceID:       "1",
		InterrogationKey: "entity_extraction_generic",
		InputJSON:        json.RawMessage(`{"text":"Acme Corp announced a merger."}`),
	}
}

func TestHandleSucceedsWithContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "llama3.2", body.Model)
		require.Len(t, body.Messages, 2)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{Message: struct {
			Content string `json:"content"`
		}{Content: "Acme Corp is an organization."}, Done: true})
	}))
	defer srv.Close()

	h := New(config.LLMJob{BaseURL: srv.URL, Model: "llama3.2", Timeout: time.Second})
	res, err := h.Handle(rcFor(baseItem()))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeSucceeded, res.Outcome)

	var out Output
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.Equal(t, "entity_extraction_generic", out.InterrogationKey)
	require.Equal(t, "Acme Corp is an organization.", out.Content)
}

func TestHandleRetryableOn503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := New(config.LLMJob{BaseURL: srv.URL, Model: "llama3.2", Timeout: time.Second})
	res, err := h.Handle(rcFor(baseItem()))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.True(t, res.Retryable)
}

func TestHandleTerminalOnProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{Error: "model not found"})
	}))
	defer srv.Close()

	h := New(config.LLMJob{BaseURL: srv.URL, Model: "missing-model", Timeout: time.Second})
	res, err := h.Handle(rcFor(baseItem()))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.False(t, res.Retryable)
	require.Contains(t, res.ErrorMessage, "model not found")
}

func TestHandleFailsOnMissingInterrogationKey(t *testing.T) {
	h := New(config.LLMJob{BaseURL: "http://unused", Model: "llama3.2"})
	item := baseItem()
	item.InterrogationKey = ""
	res, err := h.Handle(rcFor(item))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.False(t, res.Retryable)
}

func TestHandleFailsOnEmptyInput(t *testing.T) {
	h := New(config.LLMJob{BaseURL: "http://unused", Model: "llama3.2"})
	item := baseItem()
	item.InputJSON = nil
	res, err := h.Handle(rcFor(item))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.False(t, res.Retryable)
}

func TestHandleRetryableOnConnectionError(t *testing.T) {
	h := New(config.LLMJob{BaseURL: "http://127.0.0.1:1", Model: "llama3.2", Timeout: 50 * time.Millisecond})
	res, err := h.Handle(rcFor(baseItem()))
	require.NoError(t, err)
	require.Equal(t, handler.OutcomeFailed, res.Outcome)
	require.True(t, res.Retryable)
}

func TestNameReturnsLlmjob(t *testing.T) {
	require.Equal(t, "llmjob", New(config.LLMJob{}).Name())
}
