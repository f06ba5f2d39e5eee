// Copyright 2025 James Ross

// ingestadmin is an operator CLI for one-off inspection and recovery
// actions against the ingest pipeline's state store: stats, peek, and
// recrawl. Pause/resume/drain/shutdown go through the running daemon's
// HTTP control surface (internal/adminapi) instead, since those apply to
// a live runner process, not the database.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var configPath, cmd, sourceSystem, sourceName, status, runID string
	var limit, offset int
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&cmd, "cmd", "stats", "Admin command: stats|peek|recrawl")
	fs.StringVar(&sourceSystem, "source-system", "", "Filter: source_system")
	fs.StringVar(&sourceName, "source-name", "", "Filter: source_name")
	fs.StringVar(&status, "status", "", "Filter: status (pending|in_progress|completed|failed|skipped)")
	fs.StringVar(&runID, "run-id", "", "Filter: run_id")
	fs.IntVar(&limit, "limit", 20, "Peek: max rows returned")
	fs.IntVar(&offset, "offset", 0, "Peek: row offset")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, dialect, err := openDatabase(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := statestore.New(db, dialect)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init state store: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	filter := queue.Filter{
		SourceSystem: sourceSystem,
		SourceName:   sourceName,
		Status:       queue.Status(status),
		RunID:        runID,
		Limit:        limit,
		Offset:       offset,
	}

	switch cmd {
	case "stats":
		stats, err := store.QueueStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			os.Exit(1)
		}
		printJSON(stats)
	case "peek":
		items, err := store.ListByFilter(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "peek error: %v\n", err)
			os.Exit(1)
		}
		printJSON(items)
	case "recrawl":
		if sourceSystem == "" && sourceName == "" && runID == "" {
			fmt.Fprintln(os.Stderr, "recrawl requires at least one filter")
			os.Exit(1)
		}
		n, err := store.ResetForRecrawl(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recrawl error: %v\n", err)
			os.Exit(1)
		}
		printJSON(struct {
			Reset int `json:"reset"`
		}{Reset: n})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
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
	return db, dialect, nil
}
