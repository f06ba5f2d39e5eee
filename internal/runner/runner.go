// Copyright 2025 James Ross

// Package runner implements the ConcurrentRunner (component C6): a bounded
// worker pool that repeatedly claims work items from the state store,
// dispatches them to the handler registered for their source system,
// persists artifacts and run records, triggers discovery, and applies the
// outcome back to the state store.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/artifact"
	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/discovery"
	"github.com/flyingrobots/go-redis-work-queue/internal/events"
	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/runledger"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Metrics aggregates counters for a single run, mirroring RunMetrics from
// the original pipeline so operators get the same at-a-glance summary.
type Metrics struct {
	RunID            string
	StartedAt        time.Time
	EndedAt          time.Time
	ItemsProcessed   int64
	ItemsSucceeded   int64
	ItemsFailed      int64
	ItemsDiscovered  int64
	RetryCount       int64
	BackoffEvents    int64
}

// Runner owns the worker pool and control-plane flags.
type Runner struct {
	cfg      config.Runner
	store    *statestore.Store
	reg      *registry.Registry
	ledger   *runledger.Ledger
	sink     *artifact.Sink
	handlers map[string]handler.Handler
	disc     discovery.Hook
	cb       *breaker.CircuitBreaker
	limiter  *rate.Limiter
	events   *events.Publisher
	log      *zap.Logger

	shuttingDown atomic.Bool
	paused       atomic.Bool
	draining     atomic.Bool

	hostname string
	pid      int

	metrics Metrics
	mu      sync.Mutex // guards metrics
}

// New constructs a Runner. handlers maps source_system to the Handler that
// processes its work items.
func New(cfg config.Runner, store *statestore.Store, reg *registry.Registry, ledger *runledger.Ledger,
	sink *artifact.Sink, handlers map[string]handler.Handler, disc discovery.Hook, cbCfg config.CircuitBreaker,
	pub *events.Publisher, log *zap.Logger) *Runner {
	if disc == nil {
		disc = discovery.NoopHook{}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	host, _ := os.Hostname()
	return &Runner{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		ledger:   ledger,
		sink:     sink,
		handlers: handlers,
		disc:     disc,
		cb:       breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples),
		limiter:  limiter,
		events:   pub,
		log:      log,
		hostname: host,
		pid:      os.Getpid(),
	}
}

// Run recovers expired leases, installs signal handlers, spawns the worker
// pool, and blocks until every worker exits.
func (r *Runner) Run(ctx context.Context, runID string) (Metrics, error) {
	if runID == "" {
		runID = fmt.Sprintf("run-%d-%d", time.Now().UnixNano(), rand.Intn(1<<20))
	}
	r.mu.Lock()
	r.metrics = Metrics{RunID: runID, StartedAt: time.Now().UTC()}
	r.mu.Unlock()

	r.shuttingDown.Store(false)
	r.paused.Store(false)
	r.draining.Store(false)

	recovered, err := r.store.RecoverExpiredLeases(ctx)
	if err != nil {
		r.log.Warn("lease recovery sweep failed", obs.Err(err))
	} else if recovered > 0 {
		r.log.Info("recovered expired leases", obs.Int("count", recovered))
		obs.LeasesRecovered.Add(float64(recovered))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sigDone := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			r.log.Info("received shutdown signal")
			r.Shutdown()
		case <-sigDone:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.MaxWorkers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d-%d", r.hostname, r.pid, i)
		go func(id string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			r.workerLoop(ctx, id, runID)
		}(workerID)
	}

	breakerTicker := time.NewTicker(2 * time.Second)
	breakerDone := make(chan struct{})
	go func() {
		defer breakerTicker.Stop()
		for {
			select {
			case <-breakerDone:
				return
			case <-breakerTicker.C:
				switch r.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	close(breakerDone)
	signal.Stop(sigCh)
	close(sigDone)

	for i := 0; i < r.cfg.MaxWorkers; i++ {
		workerID := fmt.Sprintf("%s-%d-%d", r.hostname, r.pid, i)
		if err := r.reg.Remove(context.Background(), workerID); err != nil {
			r.log.Warn("failed to remove worker heartbeat", obs.String("worker_id", workerID), obs.Err(err))
		}
	}

	r.mu.Lock()
	r.metrics.EndedAt = time.Now().UTC()
	final := r.metrics
	r.mu.Unlock()
	return final, nil
}

func (r *Runner) workerLoop(ctx context.Context, workerID, runID string) {
	var processed, succeeded, failed int64
	lastHeartbeat := time.Time{}

	heartbeat := func(status string, currentItem string) {
		hb := registry.Heartbeat{
			WorkerID:          workerID,
			Hostname:          r.hostname,
			PID:               r.pid,
			StartedAt:         time.Now().UTC(),
			LastHeartbeatAt:   time.Now().UTC(),
			ItemsProcessed:    int(processed),
			ItemsSucceeded:    int(succeeded),
			ItemsFailed:       int(failed),
			Status:            status,
			CurrentWorkItemID: currentItem,
		}
		if err := r.reg.UpsertHeartbeat(ctx, hb); err != nil {
			r.log.Warn("heartbeat upsert failed", obs.String("worker_id", workerID), obs.Err(err))
		}
		lastHeartbeat = time.Now()
	}

	defer heartbeat("stopped", "")

	for {
		if r.shuttingDown.Load() || ctx.Err() != nil {
			return
		}

		for r.paused.Load() && !r.shuttingDown.Load() && ctx.Err() == nil {
			heartbeat("paused", "")
			time.Sleep(r.pollInterval())
		}
		if r.shuttingDown.Load() || ctx.Err() != nil {
			return
		}

		if r.draining.Load() {
			r.log.Info("worker exiting (drain mode)", obs.String("worker_id", workerID))
			return
		}

		if r.limitReached(processed) {
			r.log.Info("worker reached item limit", obs.String("worker_id", workerID))
			return
		}

		if time.Since(lastHeartbeat) > r.cfg.HeartbeatInterval {
			heartbeat("active", "")
		}

		ctx, claimSpan := obs.StartClaimSpan(ctx, workerID)
		item, err := r.store.ClaimOne(ctx, workerID, r.cfg.LeaseSeconds, r.cfg.SourceFilter)
		if err != nil {
			obs.RecordError(ctx, err)
			claimSpan.End()
			r.log.Error("claim failed", obs.Err(err))
			time.Sleep(r.pollInterval())
			continue
		}
		claimSpan.End()

		if item == nil {
			heartbeat("idle", "")
			time.Sleep(r.idleInterval())
			continue
		}
		obs.ItemsClaimed.Inc()
		r.events.Publish(events.TransitionClaimed, item.WorkItemID, runID, workerID)

		heartbeat("active", item.WorkItemID)

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.log.Warn("rate limiter wait interrupted", obs.Err(err))
			}
		}

		start := time.Now()
		ok := r.processItem(ctx, *item, workerID, runID)
		obs.ItemProcessingDuration.Observe(time.Since(start).Seconds())

		prevState := r.cb.State()
		r.cb.Record(ok)
		if newState := r.cb.State(); prevState != newState && newState == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}

		processed++
		if ok {
			succeeded++
		} else {
			failed++
		}
		r.mu.Lock()
		r.metrics.ItemsProcessed++
		if ok {
			r.metrics.ItemsSucceeded++
		} else {
			r.metrics.ItemsFailed++
		}
		r.mu.Unlock()
	}
}

// processItem executes the full claim -> handler -> persist -> finalize
// contract for one item and returns whether it should count as a breaker
// success.
func (r *Runner) processItem(ctx context.Context, item queue.WorkItem, workerID, runID string) bool {
	ctx, span := obs.ContextWithWorkItemSpan(ctx, item)
	defer span.End()

	h, ok := r.handlers[item.SourceSystem]
	if !ok {
		obs.RecordError(ctx, fmt.Errorf("no handler registered for source_system %q", item.SourceSystem))
		r.failItem(ctx, item, workerID, runID, fmt.Sprintf("no handler registered for source_system %q", item.SourceSystem), true)
		return false
	}

	execRunID, err := r.ledger.StartRun(ctx, item.WorkItemID, workerID, h.Name(), nil)
	if err != nil {
		r.log.Error("start run failed", obs.Err(err))
		r.failItem(ctx, item, workerID, runID, err.Error(), true)
		return false
	}

	rc := handler.RunContext{
		Context:  ctx,
		Item:     item,
		WorkerID: workerID,
		RunID:    execRunID,
		RenewLease: func(ctx context.Context) error {
			_, err := r.store.RenewLease(ctx, item.WorkItemID, workerID, r.cfg.LeaseSeconds)
			return err
		},
	}

	result, err := h.Handle(rc)
	if err != nil {
		retryable := result.Retryable || result.HTTPStatus >= 500
		delay := r.computeDelay(item.Attempt, result)
		_ = r.ledger.FinishRun(ctx, execRunID, runledger.StatusFailed, nil, err.Error())
		r.failItem(ctx, item, workerID, runID, err.Error(), retryable, delay)
		return false
	}

	switch result.Outcome {
	case handler.OutcomeSucceeded:
		for i, draft := range result.Artifacts {
			ref, werr := r.sink.Write(ctx, fmt.Sprintf("%s-%d", execRunID, i), execRunID, draft.Type, draft.Mime, draft.Content)
			if werr != nil {
				r.log.Error("artifact write failed", obs.Err(werr))
				_ = r.ledger.FinishRun(ctx, execRunID, runledger.StatusFailed, nil, werr.Error())
				r.failItem(ctx, item, workerID, runID, werr.Error(), true)
				return false
			}
			if aerr := r.ledger.AttachArtifact(ctx, execRunID, draft.Type, draft.Mime, ref, nil); aerr != nil {
				r.log.Error("attach artifact failed", obs.Err(aerr))
			}
		}

		if r.cfg.EnableDiscovery {
			discovered, errs := r.runDiscovery(ctx, result, item)
			for _, derr := range errs {
				r.log.Warn("discovery hook error", obs.Err(derr))
			}
			if discovered > 0 {
				r.mu.Lock()
				r.metrics.ItemsDiscovered += int64(discovered)
				r.mu.Unlock()
				obs.ItemsDiscovered.Add(float64(discovered))
			}
		}

		metricsJSON := map[string]interface{}{}
		for k, v := range result.Metrics {
			metricsJSON[k] = v
		}
		_ = r.ledger.FinishRun(ctx, execRunID, runledger.StatusSucceeded, metricsJSON, "")
		if _, err := r.store.Complete(ctx, item.WorkItemID, workerID); err != nil {
			r.log.Error("complete failed", obs.Err(err))
			return false
		}
		obs.ItemsCompleted.Inc()
		obs.SetSpanSuccess(ctx)
		r.events.Publish(events.TransitionCompleted, item.WorkItemID, execRunID, workerID)
		return true

	case handler.OutcomeSkipped:
		_ = r.ledger.FinishRun(ctx, execRunID, runledger.StatusSucceeded,
			map[string]interface{}{"skipped": true, "reason": result.SkippedReason}, "")
		if _, err := r.store.Complete(ctx, item.WorkItemID, workerID); err != nil {
			r.log.Error("complete (skipped) failed", obs.Err(err))
			return false
		}
		obs.ItemsSkipped.Inc()
		r.events.Publish(events.TransitionCompleted, item.WorkItemID, execRunID, workerID)
		return true

	default: // handler.OutcomeFailed
		retryable := result.Retryable || result.HTTPStatus >= 500 || result.HTTPStatus == 429
		delay := r.computeDelay(item.Attempt, result)
		_ = r.ledger.FinishRun(ctx, execRunID, runledger.StatusFailed, nil, result.ErrorMessage)
		r.failItem(ctx, item, workerID, runID, result.ErrorMessage, retryable, delay)
		return false
	}
}

func (r *Runner) runDiscovery(ctx context.Context, result handler.Result, parent queue.WorkItem) (int, []error) {
	type multi interface {
		Discover(handler.Result, queue.WorkItem) ([]queue.WorkItem, []error)
	}
	var items []queue.WorkItem
	var errs []error
	if m, ok := r.disc.(multi); ok {
		items, errs = m.Discover(result, parent)
	} else {
		found, err := r.disc.Discover(result, parent)
		if err != nil {
			errs = append(errs, err)
		}
		items = found
	}

	enqueued := 0
	for _, item := range items {
		item.DiscoveredFrom = parent.WorkItemID
		item.RunID = parent.RunID
		ok, err := r.store.Enqueue(ctx, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, errs
}

func (r *Runner) failItem(ctx context.Context, item queue.WorkItem, workerID, runID, errMsg string, retryable bool, delay ...time.Duration) {
	opts := statestore.FailOptions{Retryable: retryable, MaxRetries: r.cfg.MaxRetries}
	if len(delay) > 0 {
		opts.BackoffHint = delay[0]
	} else {
		opts.BackoffHint = r.computeDelay(item.Attempt, handler.Result{})
	}
	if _, err := r.store.Fail(ctx, item.WorkItemID, workerID, errMsg, opts); err != nil {
		r.log.Error("fail() call failed", obs.Err(err))
		return
	}
	terminal := !retryable || item.Attempt >= r.cfg.MaxRetries
	if terminal {
		obs.ItemsFailed.Inc()
		r.events.Publish(events.TransitionDeadLettered, item.WorkItemID, runID, workerID)
	} else {
		r.events.Publish(events.TransitionFailed, item.WorkItemID, runID, workerID)
		obs.ItemsRetried.Inc()
		r.mu.Lock()
		r.metrics.RetryCount++
		r.mu.Unlock()
	}
}

// computeDelay prefers an explicit Retry-After-style hint from the handler
// result when respect_retry_after is enabled, otherwise falls back to
// exponential backoff with jitter computed from the attempt number.
func (r *Runner) computeDelay(attempt int, result handler.Result) time.Duration {
	if r.cfg.RespectRetryAfter && result.RetryAfterSeconds > 0 {
		r.mu.Lock()
		r.metrics.BackoffEvents++
		r.mu.Unlock()
		return time.Duration(result.RetryAfterSeconds) * time.Second
	}
	if result.HTTPStatus == 429 || result.HTTPStatus >= 500 {
		r.mu.Lock()
		r.metrics.BackoffEvents++
		r.mu.Unlock()
	}
	base := r.cfg.Backoff.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	max := r.cfg.Backoff.Max
	if max <= 0 {
		max = 300 * time.Second
	}
	n := attempt
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(base) * float64(int64(1)<<uint(n-1)))
	jitter := time.Duration(rand.Float64() * float64(d) * 0.5)
	total := d + jitter
	if total > max {
		return max
	}
	return total
}

func (r *Runner) limitReached(workerProcessed int64) bool {
	if r.cfg.StopAfter > 0 && workerProcessed >= int64(r.cfg.StopAfter) {
		return true
	}
	if r.cfg.MaxItems > 0 {
		r.mu.Lock()
		total := r.metrics.ItemsProcessed
		r.mu.Unlock()
		if total >= int64(r.cfg.MaxItems) {
			return true
		}
	}
	return false
}

func (r *Runner) pollInterval() time.Duration {
	if r.cfg.PausePollInterval > 0 {
		return r.cfg.PausePollInterval
	}
	return time.Second
}

func (r *Runner) idleInterval() time.Duration {
	if r.cfg.IdlePollInterval > 0 {
		return r.cfg.IdlePollInterval
	}
	return time.Second
}

// Shutdown requests cooperative shutdown; in-flight items finish normally.
func (r *Runner) Shutdown() { r.shuttingDown.Store(true) }

// Pause stops new claims; in-flight items finish normally.
func (r *Runner) Pause() { r.paused.Store(true) }

// Resume clears a prior Pause.
func (r *Runner) Resume() { r.paused.Store(false) }

// Drain stops new claims and lets workers exit once idle.
func (r *Runner) Drain() { r.draining.Store(true) }

// Status reports combined queue, worker, and run-metrics state, mirroring
// the operator-facing summary from the original implementation.
type Status struct {
	Queue        queue.QueueStats    `json:"queue"`
	Workers      []registry.Heartbeat `json:"workers"`
	Metrics      Metrics              `json:"metrics"`
	Paused       bool                 `json:"paused"`
	Draining     bool                 `json:"draining"`
	ShuttingDown bool                 `json:"shutting_down"`
}

func (r *Runner) Status(ctx context.Context) (Status, error) {
	stats, err := r.store.QueueStats(ctx)
	if err != nil {
		return Status{}, err
	}
	workers, err := r.reg.ListActive(ctx, 120)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	m := r.metrics
	r.mu.Unlock()
	return Status{
		Queue:        stats,
		Workers:      workers,
		Metrics:      m,
		Paused:       r.paused.Load(),
		Draining:     r.draining.Load(),
		ShuttingDown: r.shuttingDown.Load(),
	}, nil
}
