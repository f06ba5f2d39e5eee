// Copyright 2025 James Ross

// Package events publishes work-item lifecycle transitions to NATS for
// downstream observers. It is an optional supplement the runner calls
// best-effort after each transition — a publish failure is logged and
// never affects the item's own outcome.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Transition is the lifecycle event emitted for a significant work-item
// state change.
type Transition string

const (
	TransitionClaimed     Transition = "claimed"
	TransitionCompleted   Transition = "completed"
	TransitionFailed      Transition = "failed"
	TransitionDeadLettered Transition = "dead_lettered"
)

// Event is the JSON payload published for each transition.
type Event struct {
	WorkItemID string     `json:"work_item_id"`
	Status     Transition `json:"status"`
	RunID      string     `json:"run_id,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	At         time.Time  `json:"at"`
}

// Publisher sends lifecycle events to a NATS subject. A nil *Publisher is
// valid and Publish becomes a no-op, so callers can construct one
// unconditionally and let configuration decide whether it does anything.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// New connects to cfg.NATSURL and returns a Publisher. When cfg.Enabled is
// false, New returns (nil, nil) — the zero value callers should treat as
// "publishing disabled."
func New(cfg config.Events, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "work_items.lifecycle"
	}
	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// Publish emits an event for the given transition. Errors are logged, not
// returned, since a lost lifecycle event must never fail the work item it
// describes.
func (p *Publisher) Publish(transition Transition, workItemID, runID, workerID string) {
	if p == nil || p.conn == nil {
		return
	}
	evt := Event{
		WorkItemID: workItemID,
		Status:     transition,
		RunID:      runID,
		WorkerID:   workerID,
		At:         time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn("events: marshal failed", zap.Error(err))
		return
	}
	subject := subjectFor(p.subject, transition)
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func subjectFor(base string, transition Transition) string {
	return base + "." + string(transition)
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
