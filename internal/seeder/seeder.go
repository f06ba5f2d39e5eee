// Copyright 2025 James Ross

// Package seeder performs bulk, ahead-of-queue loading of WorkItems: either
// from a manifest file that enumerates items explicitly, or by walking a
// directory tree and synthesizing one item per matching file. It is an
// operator-facing tool, not a core component — it only ever calls
// StateStore.Enqueue, so every normal dedupe and validation rule still
// applies to seeded items.
package seeder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/statestore"
	"go.uber.org/zap"
)

// ManifestEntry is one line of a seed manifest: a JSON object describing a
// WorkItem to enqueue. SourceSystem, SourceName, ResourceType, ResourceID
// and RequestURI are required (an entry has no interrogation_key, so the
// request descriptor is the only way to satisfy WorkItem.Validate);
// everything else is optional.
type ManifestEntry struct {
	SourceSystem  string            `json:"source_system"`
	SourceName    string            `json:"source_name"`
	ResourceType  string            `json:"resource_type"`
	ResourceID    string            `json:"resource_id"`
	Variant       string            `json:"variant,omitempty"`
	RequestURI    string            `json:"request_uri,omitempty"`
	RequestMethod string            `json:"request_method,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (e ManifestEntry) validate() error {
	if e.SourceSystem == "" || e.SourceName == "" || e.ResourceType == "" || e.ResourceID == "" {
		return fmt.Errorf("entry missing one of source_system/source_name/resource_type/resource_id")
	}
	return e.workItem().Validate()
}

func (e ManifestEntry) workItem() queue.WorkItem {
	return queue.WorkItem{
		SourceSystem:  e.SourceSystem,
		SourceName:    e.SourceName,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Variant:       queue.Variant(e.Variant),
		RequestURI:    e.RequestURI,
		RequestMethod: e.RequestMethod,
		Priority:      e.Priority,
		Metadata:      e.Metadata,
	}
}

// Summary tallies the outcome of a seed run. Enqueued and Duplicate are
// mutually exclusive outcomes of a successful Enqueue call; Invalid counts
// entries that failed validation or the store's own write.
type Summary struct {
	Loaded    int
	Enqueued  int
	Duplicate int
	Invalid   int
	Errors    []string
	DryRun    bool
}

func (s *Summary) recordError(format string, args ...interface{}) {
	s.Invalid++
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Seeder loads WorkItems ahead of normal runner traffic.
type Seeder struct {
	cfg   config.Seeder
	store *statestore.Store
	log   *zap.Logger
}

// New constructs a Seeder bound to the given store.
func New(cfg config.Seeder, store *statestore.Store, log *zap.Logger) *Seeder {
	return &Seeder{cfg: cfg, store: store, log: log}
}

// SeedManifest reads cfg.ManifestPath as newline-delimited JSON objects, one
// ManifestEntry per line. Blank lines are skipped. In dry-run mode entries
// are parsed and validated but never written to the store.
func (s *Seeder) SeedManifest(ctx context.Context, dryRun bool) (Summary, error) {
	sum := Summary{DryRun: dryRun}
	if s.cfg.ManifestPath == "" {
		return sum, fmt.Errorf("seeder: manifest_path not configured")
	}
	f, err := os.Open(s.cfg.ManifestPath)
	if err != nil {
		return sum, fmt.Errorf("seeder: open manifest: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var entry ManifestEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			sum.recordError("line %d: invalid json: %v", lineNo, err)
			continue
		}
		sum.Loaded++
		if err := entry.validate(); err != nil {
			sum.recordError("line %d: %v", lineNo, err)
			continue
		}
		s.apply(ctx, &sum, entry.workItem(), dryRun)
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("seeder: reading manifest: %w", err)
	}
	s.log.Info("manifest seed complete",
		obs.String("manifest", s.cfg.ManifestPath),
		obs.Int("loaded", sum.Loaded),
		obs.Int("enqueued", sum.Enqueued),
		obs.Int("duplicate", sum.Duplicate),
		obs.Int("invalid", sum.Invalid),
		obs.Bool("dry_run", dryRun))
	return sum, nil
}

// SeedDir walks root and synthesizes one WorkItem per file matching
// cfg.IncludeGlobs (all files when empty) and not matching cfg.ExcludeGlobs.
// Matched files become sourceSystem/"file" items addressed by their path
// relative to root, with request_uri set to a file:// URI of the absolute
// path.
func (s *Seeder) SeedDir(ctx context.Context, sourceSystem, root string, dryRun bool) (Summary, error) {
	sum := Summary{DryRun: dryRun}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return sum, fmt.Errorf("seeder: resolve root: %w", err)
	}

	walkErr := filepath.WalkDir(absRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !matchesAny(s.cfg.IncludeGlobs, rel) {
			return nil
		}
		if len(s.cfg.ExcludeGlobs) > 0 && matchesAny(s.cfg.ExcludeGlobs, rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			sum.recordError("%s: stat: %v", rel, err)
			return nil
		}
		sum.Loaded++

		item := queue.WorkItem{
			SourceSystem: sourceSystem,
			SourceName:   "filesystem",
			ResourceType: "file",
			ResourceID:   rel,
			RequestURI:   "file://" + path,
			Metadata: map[string]string{
				"size_bytes": fmt.Sprintf("%d", fi.Size()),
				"mod_time":   fi.ModTime().UTC().Format(time.RFC3339),
			},
		}
		s.apply(ctx, &sum, item, dryRun)
		return nil
	})
	if walkErr != nil {
		return sum, fmt.Errorf("seeder: walk: %w", walkErr)
	}
	s.log.Info("directory seed complete",
		obs.String("root", absRoot),
		obs.Int("loaded", sum.Loaded),
		obs.Int("enqueued", sum.Enqueued),
		obs.Int("duplicate", sum.Duplicate),
		obs.Int("invalid", sum.Invalid),
		obs.Bool("dry_run", dryRun))
	return sum, nil
}

func (s *Seeder) apply(ctx context.Context, sum *Summary, item queue.WorkItem, dryRun bool) {
	if dryRun {
		sum.Enqueued++
		return
	}
	inserted, err := s.store.Enqueue(ctx, item)
	if err != nil {
		sum.recordError("%s: enqueue: %v", item.DedupeKey(), err)
		return
	}
	if inserted {
		sum.Enqueued++
		obs.ItemsEnqueued.Inc()
	} else {
		sum.Duplicate++
	}
}

func matchesAny(globs []string, rel string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
