// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_enqueued_total",
		Help: "Total number of work items enqueued",
	})
	ItemsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_claimed_total",
		Help: "Total number of work items claimed by workers",
	})
	ItemsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_completed_total",
		Help: "Total number of successfully completed work items",
	})
	ItemsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_failed_total",
		Help: "Total number of terminally failed work items",
	})
	ItemsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_retried_total",
		Help: "Total number of work item retry reschedules",
	})
	ItemsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_skipped_total",
		Help: "Total number of work items a handler reported as skipped",
	})
	ItemProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "work_item_processing_duration_seconds",
		Help:    "Histogram of handler execution durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "work_item_queue_length",
		Help: "Current count of work items by status",
	}, []string{"status"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	LeasesRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leases_recovered_total",
		Help: "Total number of expired leases recovered by the runner's startup sweep and the reaper sweep",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active runner worker goroutines",
	})
	ItemsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "work_items_discovered_total",
		Help: "Total number of follow-up work items enqueued by discovery hooks",
	})
)

func init() {
	prometheus.MustRegister(ItemsEnqueued, ItemsClaimed, ItemsCompleted, ItemsFailed, ItemsRetried,
		ItemsSkipped, ItemProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		LeasesRecovered, WorkerActive, ItemsDiscovered)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
