// Package backfill is the safety net behind the live ingest path. Two
// idempotent jobs walk the store with id cursors: one assigns templates to
// events the live path left orphaned, the other attaches embeddings to
// templates that have none (or were embedded by a superseded model).
//
// Both use "last id processed" cursors instead of NULL-predicate scans
// because the NULL plan degrades as the NULL fraction shrinks. Concurrent
// live ingest is tolerated: insert-or-fetch semantics resolve template races
// and write-once linking no-ops when another writer got there first.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tadeu718/devmesh/internal/canon"
	"github.com/tadeu718/devmesh/internal/storage"
)

// Store is the durable surface the worker needs.
type Store interface {
	OrphanEvents(ctx context.Context, afterID int64, limit int) ([]storage.Event, error)
	SetEventTemplate(ctx context.Context, eventID, templateID int64) (bool, error)
	BumpTemplate(ctx context.Context, id, n int64, seenAt time.Time) error
	TemplatesNeedingEmbedding(ctx context.Context, afterID int64, limit int, model string) ([]storage.Template, error)
	AttachEmbedding(ctx context.Context, id int64, vec []float32, model string, dim int) error
}

// Resolver maps canonical fingerprints to template rows.
type Resolver interface {
	Resolve(ctx context.Context, t storage.Template, seenAt time.Time) (id int64, created bool, err error)
}

// Embedder produces vectors for canonical texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dim() int
}

// Config holds worker knobs.
type Config struct {
	CanonVersion string
	BatchSize    int           // rows per batch
	Delay        time.Duration // pause between batches
	MaxRows      int           // safety cap per run
}

// Stats summarizes one job run.
type Stats struct {
	Scanned      int
	Linked       int
	NewTemplates int
	Embedded     int
	Skipped      int
}

// Worker runs the safety-net jobs.
type Worker struct {
	store    Store
	resolver Resolver
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Worker. Zero-valued knobs get the cron defaults.
func New(store Store, resolver Resolver, embedder Embedder, cfg Config) *Worker {
	if cfg.CanonVersion == "" {
		cfg.CanonVersion = canon.Version
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 10000
	}
	return &Worker{
		store:    store,
		resolver: resolver,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// BackfillTemplates scans orphaned events, resolves or creates their
// templates at the current canon version, links them, and bumps counters for
// every event it links.
func (w *Worker) BackfillTemplates(ctx context.Context) (Stats, error) {
	var stats Stats
	var lastID int64

	for stats.Scanned < w.cfg.MaxRows {
		events, err := w.store.OrphanEvents(ctx, lastID, w.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("scanning orphan events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for _, e := range events {
			text, err := canon.Canonicalize(e.Message, w.cfg.CanonVersion)
			if err != nil {
				stats.Skipped++
				w.logger.Warn("canonicalization failed during backfill", "event_id", e.ID, "error", err)
				continue
			}
			hash := canon.TemplateHash(e.Service, e.Level, w.cfg.CanonVersion, text)
			id, created, err := w.resolver.Resolve(ctx, storage.Template{
				TemplateHash:  hash,
				CanonicalText: text,
				Service:       e.Service,
				Level:         e.Level,
				CanonVersion:  w.cfg.CanonVersion,
			}, e.Timestamp)
			if err != nil {
				stats.Skipped++
				w.logger.Warn("template resolution failed during backfill", "event_id", e.ID, "error", err)
				continue
			}
			if created {
				stats.NewTemplates++
			}
			linked, err := w.store.SetEventTemplate(ctx, e.ID, id)
			if err != nil {
				return stats, fmt.Errorf("linking event %d: %w", e.ID, err)
			}
			if !linked {
				// Live ingest won the race; its bump already counted the event.
				continue
			}
			stats.Linked++
			if err := w.store.BumpTemplate(ctx, id, 1, e.Timestamp); err != nil {
				w.logger.Warn("counter bump failed during backfill", "template_id", id, "error", err)
			}
		}

		stats.Scanned += len(events)
		lastID = events[len(events)-1].ID

		if err := w.pause(ctx); err != nil {
			return stats, err
		}
	}

	w.logger.Info("template backfill complete",
		"scanned", stats.Scanned, "linked", stats.Linked,
		"new_templates", stats.NewTemplates, "skipped", stats.Skipped)
	return stats, nil
}

// BackfillEmbeddings scans templates missing a current-model embedding and
// attaches vectors. A failing backend skips the batch and moves on; the next
// run picks the rows up again.
func (w *Worker) BackfillEmbeddings(ctx context.Context) (Stats, error) {
	var stats Stats
	var lastID int64

	for stats.Scanned < w.cfg.MaxRows {
		templates, err := w.store.TemplatesNeedingEmbedding(ctx, lastID, w.cfg.BatchSize, w.embedder.Model())
		if err != nil {
			return stats, fmt.Errorf("scanning unembedded templates: %w", err)
		}
		if len(templates) == 0 {
			break
		}
		stats.Scanned += len(templates)
		lastID = templates[len(templates)-1].ID

		texts := make([]string, len(templates))
		for i, t := range templates {
			texts[i] = t.CanonicalText
		}
		vecs, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			stats.Skipped += len(templates)
			w.logger.Warn("embedding batch failed during backfill, skipping",
				"templates", len(templates), "error", err)
			if err := w.pause(ctx); err != nil {
				return stats, err
			}
			continue
		}

		for i, t := range templates {
			if err := w.store.AttachEmbedding(ctx, t.ID, vecs[i], w.embedder.Model(), w.embedder.Dim()); err != nil {
				stats.Skipped++
				w.logger.Warn("attaching embedding failed during backfill", "template_id", t.ID, "error", err)
				continue
			}
			stats.Embedded++
		}

		if err := w.pause(ctx); err != nil {
			return stats, err
		}
	}

	w.logger.Info("embedding backfill complete",
		"scanned", stats.Scanned, "embedded", stats.Embedded, "skipped", stats.Skipped)
	return stats, nil
}

// RunOnce executes one full safety-net pass: templates first, then
// embeddings, so templates created by the first job get vectors in the same
// pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	if _, err := w.BackfillTemplates(ctx); err != nil {
		return err
	}
	_, err := w.BackfillEmbeddings(ctx)
	return err
}

// Run executes safety-net passes on the given interval until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("safety-net pass failed", "error", err)
			}
		}
	}
}

func (w *Worker) pause(ctx context.Context) error {
	if w.cfg.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.Delay):
		return nil
	}
}
