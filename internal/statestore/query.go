// Copyright 2025 James Ross
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanItem maps a row produced by the column list shared by ClaimOne and Get
// into a queue.WorkItem.
func scanItem(row scanner) (*queue.WorkItem, error) {
	var w queue.WorkItem
	var variant, requestURI, requestMethod, requestHeaders, requestBody sql.NullString
	var interrogationKey, inputJSON, runID, discoveredFrom, lastError, claimedBy, metadata sql.NullString
	var rank sql.NullFloat64
	var nextRetryAt, claimedAt, leaseExpiresAt sql.NullTime
	var status string

	err := row.Scan(
		&w.WorkItemID, &w.SourceSystem, &w.SourceName, &w.ResourceType, &w.ResourceID, &variant,
		&requestURI, &requestMethod, &requestHeaders, &requestBody, &interrogationKey, &inputJSON,
		&w.Priority, &w.CreatedAt, &w.UpdatedAt, &runID, &discoveredFrom, &rank, &status, &w.Attempt, &lastError,
		&nextRetryAt, &claimedBy, &claimedAt, &leaseExpiresAt, &metadata,
	)
	if err != nil {
		return nil, err
	}

	w.Variant = queue.Variant(variant.String)
	w.RequestURI = requestURI.String
	w.RequestMethod = requestMethod.String
	w.RequestBody = requestBody.String
	w.InterrogationKey = interrogationKey.String
	w.InputJSON = json.RawMessage(inputJSON.String)
	w.RunID = runID.String
	w.DiscoveredFrom = discoveredFrom.String
	w.Status = queue.Status(status)
	w.LastError = lastError.String
	w.ClaimedBy = claimedBy.String
	if rank.Valid {
		w.Rank = &rank.Float64
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		w.NextRetryAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		w.ClaimedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		w.LeaseExpiresAt = &t
	}
	if requestHeaders.Valid && requestHeaders.String != "" {
		_ = json.Unmarshal([]byte(requestHeaders.String), &w.RequestHeaders)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &w.Metadata)
	}
	return &w, nil
}

const itemColumns = `work_item_id, source_system, source_name, resource_type, resource_id, variant,
	request_uri, request_method, request_headers, request_body, interrogation_key, input_json,
	priority, created_at, updated_at, run_id, discovered_from, rank, status, attempt, last_error,
	next_retry_at, claimed_by, claimed_at, lease_expires_at, metadata`

// Exists reports whether a row with the given dedupe key is present.
func (s *Store) Exists(ctx context.Context, dedupeKey string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE dedupe_key = %s`, s.itemsTable, s.ph(1))
	var one int
	err := s.db.QueryRowContext(ctx, q, dedupeKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

// Get fetches a single row by its primary key.
func (s *Store) Get(ctx context.Context, workItemID string) (*queue.WorkItem, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE work_item_id = %s`, itemColumns, s.itemsTable, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, workItemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return item, nil
}

// QueueStats summarizes the queue for operator visibility.
func (s *Store) QueueStats(ctx context.Context) (queue.QueueStats, error) {
	var stats queue.QueueStats
	q := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.itemsTable)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("queue stats scan: %w", err)
		}
		switch queue.Status(status) {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusInProgress:
			stats.InProgress = count
		case queue.StatusCompleted:
			stats.Completed = count
		case queue.StatusFailed:
			stats.Failed = count
		case queue.StatusSkipped:
			stats.Skipped = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	oldestQ := fmt.Sprintf(`SELECT MIN(created_at) FROM %s WHERE status = %s`, s.itemsTable, s.ph(1))
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, oldestQ, string(queue.StatusPending)).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("queue stats oldest pending: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestPendingAt = &t
	}

	activeQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE last_heartbeat_at >= %s`, s.heartbeatTable, s.ph(1))
	cutoff := time.Now().UTC().Add(-120 * time.Second)
	if err := s.db.QueryRowContext(ctx, activeQ, cutoff).Scan(&stats.ActiveWorkers); err != nil {
		return stats, fmt.Errorf("queue stats active workers: %w", err)
	}
	return stats, nil
}

// ListByFilter is a read-only introspection query over an optional filter.
func (s *Store) ListByFilter(ctx context.Context, f queue.Filter) ([]queue.WorkItem, error) {
	clauses := []string{}
	args := []interface{}{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, s.ph(len(args))))
	}
	if f.SourceSystem != "" {
		add("source_system = %s", f.SourceSystem)
	}
	if f.SourceName != "" {
		add("source_name = %s", f.SourceName)
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.RunID != "" {
		add("run_id = %s", f.RunID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY priority ASC, created_at ASC LIMIT %d OFFSET %d`,
		itemColumns, s.itemsTable, where, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list by filter: %w", err)
	}
	defer rows.Close()

	var out []queue.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list by filter scan: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// ResetForRecrawl bulk-transitions completed → pending within a filter,
// zeroing attempt for a full operator-initiated re-fetch.
func (s *Store) ResetForRecrawl(ctx context.Context, f queue.Filter) (int, error) {
	now := time.Now().UTC()
	// Placeholders 1,2,3 are fixed (new status, updated_at, completed status);
	// filter clauses occupy the remaining positions in declaration order.
	clauses := []string{fmt.Sprintf("status = %s", s.ph(3))}
	args := []interface{}{string(queue.StatusPending), now, string(queue.StatusCompleted)}
	idx := 4
	if f.SourceSystem != "" {
		clauses = append(clauses, fmt.Sprintf("source_system = %s", s.ph(idx)))
		args = append(args, f.SourceSystem)
		idx++
	}
	if f.SourceName != "" {
		clauses = append(clauses, fmt.Sprintf("source_name = %s", s.ph(idx)))
		args = append(args, f.SourceName)
		idx++
	}
	if f.RunID != "" {
		clauses = append(clauses, fmt.Sprintf("run_id = %s", s.ph(idx)))
		args = append(args, f.RunID)
		idx++
	}
	q := fmt.Sprintf(`UPDATE %s SET status = %s, attempt = 0, next_retry_at = NULL, updated_at = %s WHERE %s`,
		s.itemsTable, s.ph(1), s.ph(2), strings.Join(clauses, " AND "))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("reset for recrawl: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
