// Copyright 2025 James Ross

// Package archive periodically exports terminal (completed/failed)
// WorkItems to ClickHouse for long-term retention and analytics, outside
// the operational state store. It only copies rows; trimming or deleting
// them from the state store is left to whatever retention policy an
// operator layers on top.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const batchSize = 500

// Exporter writes batches of terminal WorkItems into a ClickHouse table.
type Exporter struct {
	db  *sql.DB
	cfg config.Archive
	log *zap.Logger
}

// NewExporter connects to ClickHouse and ensures the archive table exists.
func NewExporter(cfg config.Archive, log *zap.Logger) (*Exporter, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{"max_execution_time": 60},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("archive: connect to clickhouse: %w", err)
	}

	e := &Exporter{db: conn, cfg: cfg, log: log}
	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) ensureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.work_items_archive (
	work_item_id String,
	source_system LowCardinality(String),
	source_name String,
	resource_type LowCardinality(String),
	resource_id String,
	status LowCardinality(String),
	attempt UInt32,
	last_error String,
	run_id String,
	created_at DateTime64(3),
	updated_at DateTime64(3),
	archived_at DateTime64(3)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(updated_at)
ORDER BY (source_system, updated_at, work_item_id)
SETTINGS index_granularity = 8192
`, e.cfg.Database)
	_, err := e.db.ExecContext(ctx, createSQL)
	if err != nil {
		return fmt.Errorf("archive: ensure table: %w", err)
	}
	return nil
}

// Export inserts a batch of WorkItems. Callers should keep batches at or
// below batchSize for predictable transaction size.
func (e *Exporter) Export(ctx context.Context, items []queue.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.work_items_archive
			(work_item_id, source_system, source_name, resource_type, resource_id,
			 status, attempt, last_error, run_id, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, e.cfg.Database))
	if err != nil {
		return fmt.Errorf("archive: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := stmt.ExecContext(ctx,
			item.WorkItemID, item.SourceSystem, item.SourceName, item.ResourceType, item.ResourceID,
			string(item.Status), item.Attempt, item.LastError, item.RunID,
			item.CreatedAt, item.UpdatedAt, now,
		); err != nil {
			return fmt.Errorf("archive: insert %s: %w", item.WorkItemID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Close releases the underlying ClickHouse connection.
func (e *Exporter) Close() error { return e.db.Close() }

// batchExporter is the subset of *Exporter the Archiver drives, kept as an
// interface so tests can exercise the sweep/pagination logic with a fake
// instead of a live ClickHouse connection.
type batchExporter interface {
	Export(ctx context.Context, items []queue.WorkItem) error
}

// Archiver periodically pulls terminal WorkItems from the state store in
// batches and exports them.
type Archiver struct {
	store    *statestore.Store
	exporter batchExporter
	interval time.Duration
	log      *zap.Logger
	c        *cron.Cron

	// offsets remembers how far into each status's result set the last
	// sweep got, so a later sweep picks up where the previous one left
	// off instead of re-exporting the same rows. created_at/priority
	// ordering for already-terminal items is stable between sweeps, so a
	// remembered offset is a safe (if coarse) watermark.
	offsets map[queue.Status]int
}

// NewArchiver builds an Archiver that sweeps at cfg.Interval; an interval
// under one minute falls back to one hour.
func NewArchiver(store *statestore.Store, exporter batchExporter, cfg config.Archive, log *zap.Logger) *Archiver {
	interval := cfg.Interval
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Archiver{store: store, exporter: exporter, interval: interval, log: log, offsets: map[queue.Status]int{}}
}

// Run installs the cron schedule and blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.c = cron.New(cron.WithSeconds())
	spec := "@every " + a.interval.String()
	_, err := a.c.AddFunc(spec, func() { a.sweepOnce(ctx) })
	if err != nil {
		a.log.Error("archiver schedule install failed", obs.Err(err))
		return
	}
	a.c.Start()
	defer a.c.Stop()
	<-ctx.Done()
}

func (a *Archiver) sweepOnce(ctx context.Context) {
	for _, status := range []queue.Status{queue.StatusCompleted, queue.StatusFailed} {
		total, err := a.exportStatus(ctx, status)
		if err != nil {
			a.log.Warn("archive sweep error", obs.String("status", string(status)), obs.Err(err))
			continue
		}
		if total > 0 {
			a.log.Info("archived work items", obs.String("status", string(status)), obs.Int("count", total))
		}
	}
}

func (a *Archiver) exportStatus(ctx context.Context, status queue.Status) (int, error) {
	total := 0
	offset := a.offsets[status]
	for {
		items, err := a.store.ListByFilter(ctx, queue.Filter{Status: status, Limit: batchSize, Offset: offset})
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			break
		}
		if err := a.exporter.Export(ctx, items); err != nil {
			return total, err
		}
		total += len(items)
		offset += len(items)
		if len(items) < batchSize {
			break
		}
	}
	a.offsets[status] = offset
	return total, nil
}
