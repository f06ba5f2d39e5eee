// Copyright 2025 James Ross

// Package runledger implements the RunLedger (component C7): one row per
// execution attempt, its produced artifacts, and optional bundle linkage.
package runledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/artifact"
	"github.com/google/uuid"
)

// Status is a RunRecord's terminal status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Dialect mirrors statestore.Dialect.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Ledger is a SQL-backed RunLedger.
type Ledger struct {
	db        *sql.DB
	dialect   Dialect
	runsTable string
	artTable  string
	bundTable string
}

// New constructs a Ledger. Call EnsureSchema before use.
func New(db *sql.DB, dialect Dialect) *Ledger {
	return &Ledger{db: db, dialect: dialect, runsTable: "runs", artTable: "artifacts", bundTable: "run_bundles"}
}

func (l *Ledger) ph(i int) string {
	if l.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (l *Ledger) tsType() string {
	if l.dialect == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// EnsureSchema idempotently creates the runs, artifacts, and run_bundles tables.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	ts := l.tsType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			model_identity TEXT,
			options_json TEXT,
			started_at %s NOT NULL,
			ended_at %s,
			status TEXT NOT NULL,
			metrics_json TEXT,
			error_text TEXT
		)`, l.runsTable, ts, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_work_item ON %s (work_item_id)`, l.runsTable, l.runsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			artifact_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			lake_uri TEXT,
			content_sha256 TEXT NOT NULL,
			byte_count INTEGER NOT NULL,
			content_mime_type TEXT,
			stored_in_sql INTEGER NOT NULL DEFAULT 0,
			mirrored_to_lake INTEGER NOT NULL DEFAULT 0,
			inline_content BLOB
		)`, l.artTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_run_id ON %s (run_id)`, l.artTable, l.artTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			bundle_id TEXT NOT NULL,
			PRIMARY KEY (run_id, bundle_id)
		)`, l.bundTable),
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run ledger ensure schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts a new running row and returns its id.
func (l *Ledger) StartRun(ctx context.Context, workItemID, workerID, modelIdentity string, options map[string]interface{}) (string, error) {
	runID := uuid.NewString()
	opts, _ := json.Marshal(options)
	q := fmt.Sprintf(`INSERT INTO %s (run_id, work_item_id, worker_id, model_identity, options_json, started_at, status)
VALUES (%s,%s,%s,%s,%s,%s,%s)`, l.runsTable, l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6), l.ph(7))
	_, err := l.db.ExecContext(ctx, q, runID, workItemID, workerID, modelIdentity, string(opts), time.Now().UTC(), string(StatusRunning))
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

// FinishRun idempotently finalizes a run. A second call for an
// already-terminal run is a no-op (it will affect zero rows).
func (l *Ledger) FinishRun(ctx context.Context, runID string, status Status, metrics map[string]interface{}, errText string) error {
	m, _ := json.Marshal(metrics)
	q := fmt.Sprintf(`UPDATE %s SET status = %s, ended_at = %s, metrics_json = %s, error_text = %s
WHERE run_id = %s AND status = %s`, l.runsTable, l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6))
	_, err := l.db.ExecContext(ctx, q, string(status), time.Now().UTC(), string(m), errText, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// AttachArtifact records an artifact row produced during a run.
func (l *Ledger) AttachArtifact(ctx context.Context, runID, artifactType, mime string, ref artifact.Ref, inline []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (artifact_id, run_id, artifact_type, lake_uri, content_sha256, byte_count, content_mime_type, stored_in_sql, mirrored_to_lake, inline_content)
VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`, l.artTable,
		l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6), l.ph(7), l.ph(8), l.ph(9), l.ph(10))
	_, err := l.db.ExecContext(ctx, q, ref.ArtifactID, runID, artifactType, ref.LakeURI, ref.ContentSHA256,
		ref.ByteCount, mime, ref.StoredInSQL, ref.MirroredToLake, inline)
	if err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}
	return nil
}

// LinkRunToBundle records a many-to-many link between a run and a named
// evidence bundle shared across runs (see Bundle below).
func (l *Ledger) LinkRunToBundle(ctx context.Context, runID, bundleID string) error {
	var q string
	if l.dialect == DialectPostgres {
		q = fmt.Sprintf(`INSERT INTO %s (run_id, bundle_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, l.bundTable)
	} else {
		q = fmt.Sprintf(`INSERT OR IGNORE INTO %s (run_id, bundle_id) VALUES (?,?)`, l.bundTable)
	}
	_, err := l.db.ExecContext(ctx, q, runID, bundleID)
	if err != nil {
		return fmt.Errorf("link run to bundle: %w", err)
	}
	return nil
}

// Bundle is a named collection of evidence artifacts shared across runs,
// supplementing LinkRunToBundle with the grouping it names. Construction
// and membership management live with the LLM-job caller; the ledger only
// persists the run<->bundle edge.
type Bundle struct {
	BundleID  string
	CreatedAt time.Time
	RunIDs    []string
}
