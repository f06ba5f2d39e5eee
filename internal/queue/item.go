// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a WorkItem row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Variant distinguishes concrete forms of the same logical resource.
type Variant string

const (
	VariantNone Variant = ""
	VariantRaw  Variant = "raw"
	VariantHTML Variant = "html"
)

// MaxDedupeKeyLen bounds the dedupe key to 800 code units of its UTF-8
// encoding (bytes) per the wire contract.
const MaxDedupeKeyLen = 800

// WorkItem is the atomic unit of work shared by the ingest and LLM-job queues.
type WorkItem struct {
	WorkItemID string `json:"work_item_id"`

	SourceSystem string  `json:"source_system"`
	SourceName   string  `json:"source_name"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	Variant      Variant `json:"variant,omitempty"`

	RequestURI     string            `json:"request_uri,omitempty"`
	RequestMethod  string            `json:"request_method,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`

	InterrogationKey string          `json:"interrogation_key,omitempty"`
	InputJSON        json.RawMessage `json:"input_json,omitempty"`

	Priority       int        `json:"priority"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	RunID          string     `json:"run_id,omitempty"`
	DiscoveredFrom string     `json:"discovered_from,omitempty"`
	Rank           *float64   `json:"rank,omitempty"`

	Status      Status     `json:"status"`
	Attempt     int        `json:"attempt"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// DedupeKey builds the deterministic key enforced unique at the store level.
func (w WorkItem) DedupeKey() string {
	parts := []string{w.SourceSystem, w.SourceName, w.ResourceType, w.ResourceID}
	key := strings.Join(parts, ":")
	if w.Variant != VariantNone {
		key = key + ":" + string(w.Variant)
	}
	return key
}

// Validate checks the classification tuple required on enqueue and the
// dedupe key length bound from the wire contract.
func (w WorkItem) Validate() error {
	if w.SourceSystem == "" || w.SourceName == "" || w.ResourceType == "" || w.ResourceID == "" {
		return fmt.Errorf("work item missing classification tuple (source_system/source_name/resource_type/resource_id)")
	}
	if w.RequestURI == "" && w.InterrogationKey == "" {
		return fmt.Errorf("work item needs either a request descriptor or an interrogation_key")
	}
	if len(w.DedupeKey()) > MaxDedupeKeyLen {
		return fmt.Errorf("dedupe key exceeds %d code units", MaxDedupeKeyLen)
	}
	return nil
}

// Marshal renders the canonical JSON envelope.
func (w WorkItem) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// Unmarshal parses the canonical JSON envelope.
func Unmarshal(b []byte) (WorkItem, error) {
	var w WorkItem
	err := json.Unmarshal(b, &w)
	return w, err
}

// QueueStats is the read-only snapshot returned by StateStore.QueueStats.
type QueueStats struct {
	Pending        int        `json:"pending"`
	InProgress     int        `json:"in_progress"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	Total          int        `json:"total"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	ActiveWorkers  int        `json:"active_workers"`
}

// Filter narrows listByFilter / resetForRecrawl queries.
type Filter struct {
	SourceSystem string
	SourceName   string
	Status       Status
	RunID        string
	Limit        int
	Offset       int
}
