// Copyright 2025 James Ross

// Package handler defines the pluggable Handler contract (component C3)
// invoked by the runner for each claimed work item.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/xeipuuv/gojsonschema"
)

// Outcome classifies a handler's result.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ArtifactDraft is one artifact a Handler asks the runner to persist through
// the ArtifactSink; the sink assigns content hash, byte count, and path.
type ArtifactDraft struct {
	Type    string
	Content []byte
	Mime    string
}

// Result is what a Handler returns to the runner after executing against a
// claimed item.
type Result struct {
	Outcome Outcome

	Artifacts []ArtifactDraft

	// Output is the structured result passed on to discovery and run metrics.
	Output json.RawMessage

	// DomainWrites are opaque records the handler reports alongside its
	// result. The runner does not persist them, in any mode.
	DomainWrites []interface{}

	Metrics map[string]float64

	ErrorMessage      string
	ValidationErrors  []string
	SkippedReason     string

	// HTTPStatus carries the status code of a fetch-type handler's response,
	// when applicable, so the runner can classify 429/5xx for backoff.
	HTTPStatus int
	// RetryAfterSeconds carries a parsed Retry-After header value, when present.
	RetryAfterSeconds int
	// Retryable lets a non-HTTP handler assert whether a failure should be retried.
	Retryable bool
}

// RunContext is passed to a Handler by the runner. It exposes the minimum a
// handler needs: the claimed item, identity of the current run, a
// lease-renewal callback for long-running work, and whether this invocation
// is a dry run (domain writes suppressed).
type RunContext struct {
	Context    context.Context
	Item       queue.WorkItem
	WorkerID   string
	RunID      string
	DryRun     bool
	RenewLease func(ctx context.Context) error
}

// Handler is the pluggable fetch/compute unit. Implementations must be
// idempotent with respect to external side effects wherever feasible — the
// runner retries on transient failure — and must never mutate state-store
// rows directly; all transitions go through the runner.
type Handler interface {
	Handle(rc RunContext) (Result, error)
	Name() string
}

// ValidateOutput checks Result.Output against an optional JSON Schema,
// populating ValidationErrors and flipping the outcome to failed when the
// schema rejects the payload. A nil schema is a no-op.
func ValidateOutput(res *Result, schema *gojsonschema.Schema) error {
	if schema == nil || len(res.Output) == 0 {
		return nil
	}
	loaded := gojsonschema.NewBytesLoader(res.Output)
	result, err := schema.Validate(loaded)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		for _, e := range result.Errors() {
			res.ValidationErrors = append(res.ValidationErrors, e.String())
		}
		res.Outcome = OutcomeFailed
		if res.ErrorMessage == "" {
			res.ErrorMessage = "handler output failed schema validation"
		}
	}
	return nil
}

// LoadSchema compiles a JSON Schema document for repeated use with ValidateOutput.
func LoadSchema(schemaJSON []byte) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewBytesLoader(schemaJSON)
	return gojsonschema.NewSchema(loader)
}
