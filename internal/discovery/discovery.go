// Copyright 2025 James Ross

// Package discovery defines the post-success DiscoveryHook contract
// (component C5). Rule logic — link extraction, entity matching — is out
// of scope here; this package only wires the hook into the runner.
package discovery

import (
	"github.com/flyingrobots/go-redis-work-queue/internal/handler"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

// Hook is invoked by the runner after a handler succeeds. Discovered items
// inherit the parent's run_id and reference it via DiscoveredFrom; each is
// enqueued through StateStore.Enqueue by the runner, so dedupe applies
// automatically.
type Hook interface {
	Discover(result handler.Result, parent queue.WorkItem) ([]queue.WorkItem, error)
	Name() string
}

// NoopHook discovers nothing. It is the default when enable_discovery is
// false or no real hook is configured.
type NoopHook struct{}

func (NoopHook) Discover(handler.Result, queue.WorkItem) ([]queue.WorkItem, error) {
	return nil, nil
}

func (NoopHook) Name() string { return "noop" }

// Chain runs multiple hooks in order, collecting all discovered items. A
// failing hook is logged by the caller and does not prevent later hooks
// from running — discovery errors never affect the parent item's outcome.
type Chain []Hook

func (c Chain) Discover(result handler.Result, parent queue.WorkItem) ([]queue.WorkItem, []error) {
	var items []queue.WorkItem
	var errs []error
	for _, h := range c {
		found, err := h.Discover(result, parent)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, found...)
	}
	return items, errs
}

func (c Chain) Name() string { return "chain" }
