// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/adminapi"
	"github.com/flyingrobots/go-redis-work-queue/internal/archive"
	"github.com/flyingrobots/go-redis-work-queue/internal/artifact"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/discovery"
	"github.com/flyingrobots/go-redis-work-queue/internal/events"
	"github.com/flyingrobots/go-redis-work-queue/internal/fetch"
	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
	"github.com/flyingrobots/go-redis-work-queue/internal/llmjob"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/reaper"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
	"github.com/flyingrobots/go-redis-work-queue/internal/runledger"
	"github.com/flyingrobots/go-redis-work-queue/internal/runner"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, dialect, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to open database", obs.Err(err))
	}
	defer db.Close()

	store, err := statestore.New(db, dialect)
	if err != nil {
		logger.Fatal("failed to init state store", obs.Err(err))
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("failed to ensure schema", obs.Err(err))
	}

	reg := registry.New(db, registry.Dialect(dialect), cfg.Database.HeartbeatTable)
	ledger := runledger.New(db, runledger.Dialect(dialect))
	if err := ledger.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("failed to ensure run ledger schema", obs.Err(err))
	}

	sinkOpts := []artifact.Option{artifact.WithGzip(cfg.Lake.Gzip)}
	if cfg.Lake.MirrorToS3 {
		sinkOpts = append(sinkOpts, artifact.WithS3Mirror(cfg.Lake.S3Bucket, cfg.Lake.S3Region))
	}
	sink := artifact.New(cfg.Lake.RootDir, sinkOpts...)

	pub, err := events.New(cfg.Events, logger)
	if err != nil {
		logger.Fatal("failed to init event publisher", obs.Err(err))
	}
	if pub != nil {
		defer pub.Close()
	}

	handlers := map[string]handler.Handler{
		"http-fetch": fetch.New(30*time.Second, ""),
		"analysis":   llmjob.New(cfg.LLMJob),
	}

	rnr := runner.New(cfg.Runner, store, reg, ledger, sink, handlers, discovery.NoopHook{}, cfg.CircuitBreaker, pub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := store.QueueStats(c)
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, 15*time.Second, store, logger)

	rep := reaper.New(store, cfg.Runner.RecoverySweep, logger)
	go rep.Run(ctx)

	if cfg.Archive.Enabled {
		exporter, err := archive.NewExporter(cfg.Archive, logger)
		if err != nil {
			logger.Error("archive exporter init failed, archival disabled", obs.Err(err))
		} else {
			defer exporter.Close()
			arc := archive.NewArchiver(store, exporter, cfg.Archive, logger)
			go arc.Run(ctx)
		}
	}

	if adminSrv := adminapi.NewServer(cfg.AdminAPI, rnr, store, logger); adminSrv != nil {
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				logger.Info("admin api server stopped", obs.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	if _, err := rnr.Run(ctx, ""); err != nil {
		logger.Fatal("runner error", obs.Err(err))
	}
}

func openDatabase(cfg config.Database) (*sql.DB, statestore.Dialect, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	// config.Database.Driver ("postgres"/"sqlite") names the dialect, not
	// the registered database/sql driver — mattn/go-sqlite3 registers
	// itself as "sqlite3".
	sqlDriver := driver
	var dialect statestore.Dialect
	switch driver {
	case "sqlite3", "sqlite":
		sqlDriver = "sqlite3"
		dialect = statestore.DialectSQLite
	default:
		dialect = statestore.DialectPostgres
	}

	db, err := sql.Open(sqlDriver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, dialect, nil
}
