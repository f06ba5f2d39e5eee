// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"go.uber.org/zap"
)

// QueueStatter is satisfied by statestore.Store.
type QueueStatter interface {
	QueueStats(ctx context.Context) (queue.QueueStats, error)
}

// StartQueueLengthUpdater samples work-item counts by status and updates
// the QueueLength gauge, labeled by status.
func StartQueueLengthUpdater(ctx context.Context, interval time.Duration, statter QueueStatter, log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := statter.QueueStats(ctx)
				if err != nil {
					log.Debug("queue stats poll error", Err(err))
					continue
				}
				QueueLength.WithLabelValues("pending").Set(float64(stats.Pending))
				QueueLength.WithLabelValues("in_progress").Set(float64(stats.InProgress))
				QueueLength.WithLabelValues("completed").Set(float64(stats.Completed))
				QueueLength.WithLabelValues("failed").Set(float64(stats.Failed))
				QueueLength.WithLabelValues("skipped").Set(float64(stats.Skipped))
			}
		}
	}()
}
