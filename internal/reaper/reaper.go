// Copyright 2025 James Ross

// Package reaper runs the periodic lease-recovery sweep that complements the
// one-time recovery the runner performs at startup: workers that die
// mid-lease otherwise only return their item to the pool when some other
// worker happens to claim past the expired lease.
package reaper

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reaper wraps a cron schedule around statestore.RecoverExpiredLeases.
type Reaper struct {
	store    *statestore.Store
	log      *zap.Logger
	interval time.Duration
	c        *cron.Cron
}

// New constructs a Reaper that sweeps at the given interval (a minimum of
// one second is enforced; intervals below that fall back to 30s).
func New(store *statestore.Store, interval time.Duration, log *zap.Logger) *Reaper {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	return &Reaper{store: store, log: log, interval: interval}
}

// Run installs the cron schedule and blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.c = cron.New(cron.WithSeconds())
	spec := "@every " + r.interval.String()
	_, err := r.c.AddFunc(spec, func() { r.sweepOnce(ctx) })
	if err != nil {
		r.log.Error("reaper schedule install failed", obs.Err(err))
		return
	}
	r.c.Start()
	defer r.c.Stop()
	<-ctx.Done()
}

// sweepOnce recovers leases that expired since the last sweep. It is a
// separate method so in-package tests can run a single deterministic pass
// rather than waiting on the cron schedule.
func (r *Reaper) sweepOnce(ctx context.Context) {
	recovered, err := r.store.RecoverExpiredLeases(ctx)
	if err != nil {
		r.log.Warn("reaper sweep error", obs.Err(err))
		return
	}
	if recovered > 0 {
		obs.LeasesRecovered.Add(float64(recovered))
		r.log.Info("reaper recovered expired leases", obs.Int("count", recovered))
	}
}
