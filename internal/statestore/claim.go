// Copyright 2025 James Ross
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

// Enqueue inserts item with status=pending, attempt=0. work_item_id is
// auto-assigned (uuid) when the caller leaves it empty. Returns false if an
// item with the same dedupe key already exists — including when the insert
// itself loses a concurrent race against another enqueue of the same key.
func (s *Store) Enqueue(ctx context.Context, item queue.WorkItem) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	if item.WorkItemID == "" {
		item.WorkItemID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Status = queue.StatusPending
	item.Attempt = 0

	headers, _ := json.Marshal(item.RequestHeaders)
	metadata, _ := json.Marshal(item.Metadata)

	q := fmt.Sprintf(`
INSERT INTO %s (
	work_item_id, source_system, source_name, resource_type, resource_id, variant,
	dedupe_key, request_uri, request_method, request_headers, request_body,
	interrogation_key, input_json, priority, created_at, updated_at, run_id,
	discovered_from, rank, status, attempt, metadata
) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
`, s.itemsTable,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10),
		s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15), s.ph(16), s.ph(17), s.ph(18), s.ph(19), s.ph(20), s.ph(21), s.ph(22))

	_, err := s.db.ExecContext(ctx, q,
		item.WorkItemID, item.SourceSystem, item.SourceName, item.ResourceType, item.ResourceID, string(item.Variant),
		item.DedupeKey(), item.RequestURI, item.RequestMethod, string(headers), item.RequestBody,
		item.InterrogationKey, string(item.InputJSON), item.Priority, item.CreatedAt, item.UpdatedAt, item.RunID,
		item.DiscoveredFrom, item.Rank, string(item.Status), item.Attempt, string(metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}

// isUniqueViolation recognizes the unique-constraint error text raised by
// lib/pq and mattn/go-sqlite3 for a dedupe_key collision.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// ClaimOne atomically selects and claims the single highest-priority eligible
// row: pending items due for retry, or in_progress items whose lease expired.
// Ties are broken by priority ASC, created_at ASC for a deterministic FIFO
// within priority band.
func (s *Store) ClaimOne(ctx context.Context, workerID string, leaseSeconds int, sourceFilter string) (*queue.WorkItem, error) {
	now := time.Now().UTC()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	// Each dialect placeholder is positional ("?" for sqlite, "$N" for
	// postgres), so a value referenced twice in the query text needs its
	// bind value appended twice too — bind(i) both allocates the next
	// placeholder and records its value in allArgs, keeping the two in
	// lockstep regardless of dialect.
	var allArgs []interface{}
	bind := func(v interface{}) string {
		allArgs = append(allArgs, v)
		return s.ph(len(allArgs))
	}

	setStatus := bind(string(queue.StatusInProgress))
	setWorker := bind(workerID)
	setClaimedAt := bind(now)
	setLease := bind(lease)
	setUpdatedAt := bind(now)

	eligibility := func() (string, string, string, string) {
		return bind(string(queue.StatusPending)), bind(now), bind(string(queue.StatusInProgress)), bind(now)
	}

	outerPending, outerNow1, outerInProgress, outerNow2 := eligibility()
	outerSourceClause := ""
	if sourceFilter != "" {
		outerSourceClause = fmt.Sprintf(" AND source_system = %s", bind(sourceFilter))
	}

	subPending, subNow1, subInProgress, subNow2 := eligibility()
	subSourceClause := ""
	if sourceFilter != "" {
		subSourceClause = fmt.Sprintf(" AND source_system = %s", bind(sourceFilter))
	}

	// The outer UPDATE's WHERE repeats the subquery's eligibility predicate
	// so a row that a concurrent claim already took between the subquery
	// read and this UPDATE is rejected by EvalPlanQual, not silently
	// reclaimed. FOR UPDATE SKIP LOCKED on Postgres additionally keeps two
	// concurrent claims from ever blocking on the same candidate row.
	lockClause := ""
	if s.dialect == DialectPostgres {
		lockClause = "\n\tFOR UPDATE SKIP LOCKED"
	}

	q := fmt.Sprintf(`
UPDATE %s
SET status = %s, claimed_by = %s, claimed_at = %s, lease_expires_at = %s, updated_at = %s, attempt = attempt + 1
WHERE ((status = %s AND (next_retry_at IS NULL OR next_retry_at <= %s))
    OR (status = %s AND lease_expires_at IS NOT NULL AND lease_expires_at < %s))%s
  AND work_item_id = (
	SELECT work_item_id FROM %s
	WHERE (status = %s AND (next_retry_at IS NULL OR next_retry_at <= %s))
	   OR (status = %s AND lease_expires_at IS NOT NULL AND lease_expires_at < %s)%s
	ORDER BY priority ASC, created_at ASC
	LIMIT 1%s
)
RETURNING work_item_id, source_system, source_name, resource_type, resource_id, variant,
	request_uri, request_method, request_headers, request_body, interrogation_key, input_json,
	priority, created_at, updated_at, run_id, discovered_from, rank, status, attempt, last_error,
	next_retry_at, claimed_by, claimed_at, lease_expires_at, metadata
`, s.itemsTable,
		setStatus, setWorker, setClaimedAt, setLease, setUpdatedAt,
		outerPending, outerNow1, outerInProgress, outerNow2, outerSourceClause,
		s.itemsTable, subPending, subNow1, subInProgress, subNow2, subSourceClause, lockClause)

	row := s.db.QueryRowContext(ctx, q, allArgs...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim one: %w", err)
	}
	return item, nil
}

// RenewLease extends the lease only if workerID still owns the row and it
// is still in_progress.
func (s *Store) RenewLease(ctx context.Context, workItemID, workerID string, leaseSeconds int) (bool, error) {
	now := time.Now().UTC()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	q := fmt.Sprintf(`
UPDATE %s SET lease_expires_at = %s, updated_at = %s
WHERE work_item_id = %s AND claimed_by = %s AND status = %s
`, s.itemsTable, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, q, lease, now, workItemID, workerID, string(queue.StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return rowsAffected(res), nil
}

// Complete marks an owned in_progress row completed, clearing claim fields.
func (s *Store) Complete(ctx context.Context, workItemID, workerID string) (bool, error) {
	now := time.Now().UTC()
	q := fmt.Sprintf(`
UPDATE %s SET status = %s, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
	last_error = NULL, updated_at = %s
WHERE work_item_id = %s AND claimed_by = %s AND status = %s
`, s.itemsTable, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, q, string(queue.StatusCompleted), now, workItemID, workerID, string(queue.StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	return rowsAffected(res), nil
}

// FailOptions parameterizes Fail. BackoffHint, when non-zero, is used
// verbatim instead of the store's own exponential-with-jitter computation —
// the runner supplies this on every Fail call so there is exactly one
// backoff policy in effect (see DESIGN.md open-question resolution).
type FailOptions struct {
	Retryable   bool
	BackoffHint time.Duration
	MaxRetries  int
}

// Fail transitions an owned row back to pending (with a retry delay) or to
// terminal failed, depending on retryability and the attempt count already
// advanced at claim time.
func (s *Store) Fail(ctx context.Context, workItemID, workerID, errMsg string, opts FailOptions) (bool, error) {
	now := time.Now().UTC()

	var attempt int
	getQ := fmt.Sprintf(`SELECT attempt FROM %s WHERE work_item_id = %s AND claimed_by = %s AND status = %s`,
		s.itemsTable, s.ph(1), s.ph(2), s.ph(3))
	err := s.db.QueryRowContext(ctx, getQ, workItemID, workerID, string(queue.StatusInProgress)).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail: read attempt: %w", err)
	}

	if opts.Retryable && attempt < opts.MaxRetries {
		delay := opts.BackoffHint
		if delay <= 0 {
			delay = s.computeBackoff(attempt)
		}
		nextRetry := now.Add(delay)
		q := fmt.Sprintf(`
UPDATE %s SET status = %s, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
	last_error = %s, next_retry_at = %s, updated_at = %s
WHERE work_item_id = %s AND claimed_by = %s AND status = %s
`, s.itemsTable, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
		res, err := s.db.ExecContext(ctx, q, string(queue.StatusPending), errMsg, nextRetry, now, workItemID, workerID, string(queue.StatusInProgress))
		if err != nil {
			return false, fmt.Errorf("fail: retry transition: %w", err)
		}
		return rowsAffected(res), nil
	}

	q := fmt.Sprintf(`
UPDATE %s SET status = %s, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
	last_error = %s, next_retry_at = NULL, updated_at = %s
WHERE work_item_id = %s AND claimed_by = %s AND status = %s
`, s.itemsTable, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	res, err := s.db.ExecContext(ctx, q, string(queue.StatusFailed), errMsg, now, workItemID, workerID, string(queue.StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("fail: terminal transition: %w", err)
	}
	return rowsAffected(res), nil
}

// computeBackoff implements delay = base * 2^(attempt-1) * (1 + U[0,1]),
// capped at maxBackoff, matching the original sqlserver_store.py formula.
func (s *Store) computeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(uint(1) << uint(attempt-1))
	jitter := 1 + rand.Float64()
	d := time.Duration(float64(s.baseBackoff) * exp * jitter)
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}

// RecoverExpiredLeases bulk-transitions stalled in_progress rows back to
// pending. It does not touch attempt — that already advanced at claim time.
func (s *Store) RecoverExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	q := fmt.Sprintf(`
UPDATE %s SET status = %s, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL, updated_at = %s
WHERE status = %s AND lease_expires_at IS NOT NULL AND lease_expires_at < %s
`, s.itemsTable, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, q, string(queue.StatusPending), now, string(queue.StatusInProgress), now)
	if err != nil {
		return 0, fmt.Errorf("recover expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func rowsAffected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
