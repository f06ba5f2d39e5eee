// Copyright 2025 James Ross

// Package adminapi exposes the runner's control-plane signals and the
// state store's recrawl operation over HTTP, for an operator or a
// deployment's liveness tooling to drive without a direct process signal.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/runner"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Controller is the subset of *runner.Runner the admin surface drives.
// Kept as an interface so handler tests can use a fake instead of standing
// up a real StateStore-backed Runner.
type Controller interface {
	Pause()
	Resume()
	Drain()
	Shutdown()
	Status(ctx context.Context) (runner.Status, error)
}

// Handlers serves the admin HTTP API.
type Handlers struct {
	runner Controller
	store  *statestore.Store
	log    *zap.Logger
}

// NewHandlers builds an admin API bound to a runner and the store that
// backs its recrawl operation.
func NewHandlers(runner Controller, store *statestore.Store, log *zap.Logger) *Handlers {
	return &Handlers{runner: runner, store: store, log: log}
}

// RegisterRoutes mounts every admin endpoint under /api/v1 on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/control/pause", h.Pause).Methods(http.MethodPost)
	api.HandleFunc("/control/resume", h.Resume).Methods(http.MethodPost)
	api.HandleFunc("/control/drain", h.Drain).Methods(http.MethodPost)
	api.HandleFunc("/control/shutdown", h.Shutdown).Methods(http.MethodPost)
	api.HandleFunc("/recrawl", h.Recrawl).Methods(http.MethodPost)
	api.Use(h.loggingMiddleware)
}

// NewServer wraps RegisterRoutes in an *http.Server bound to cfg.Addr.
// The caller is responsible for starting and stopping it; nil is returned
// when the admin API is disabled in configuration.
func NewServer(cfg config.AdminAPI, runner Controller, store *statestore.Store, log *zap.Logger) *http.Server {
	if !cfg.Enabled {
		return nil
	}
	router := mux.NewRouter()
	NewHandlers(runner, store, log).RegisterRoutes(router)
	return &http.Server{Addr: cfg.Addr, Handler: router}
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.runner.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "status query failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.runner.Pause()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"paused": true})
}

func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.runner.Resume()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"paused": false})
}

func (h *Handlers) Drain(w http.ResponseWriter, r *http.Request) {
	h.runner.Drain()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"draining": true})
}

func (h *Handlers) Shutdown(w http.ResponseWriter, r *http.Request) {
	h.runner.Shutdown()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"shutting_down": true})
}

type recrawlRequest struct {
	SourceSystem string `json:"source_system,omitempty"`
	SourceName   string `json:"source_name,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

func (h *Handlers) Recrawl(w http.ResponseWriter, r *http.Request) {
	var req recrawlRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			h.writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.SourceSystem == "" && req.SourceName == "" && req.RunID == "" {
		h.writeError(w, http.StatusBadRequest, "at least one filter field is required", nil)
		return
	}

	n, err := h.store.ResetForRecrawl(r.Context(), queue.Filter{
		SourceSystem: req.SourceSystem,
		SourceName:   req.SourceName,
		RunID:        req.RunID,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "recrawl reset failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reset_count": n})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("admin api encode response failed", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]interface{}{"error": message, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if err != nil {
		resp["details"] = err.Error()
	}
	h.writeJSON(w, status, resp)
}

func (h *Handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.log.Info("admin api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
