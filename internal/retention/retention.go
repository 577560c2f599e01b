// Package retention deletes events older than the configured horizon and
// templates the horizon left unreferenced. Deletes run in bounded batches so
// the cleanup never holds a long transaction over live ingest. Templates
// still referenced by a surviving event are never removed.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultHorizon keeps ninety days of events.
const DefaultHorizon = 90 * 24 * time.Hour

// Store is the slice of the durable store retention needs.
type Store interface {
	CountEvents(ctx context.Context) (total, orphans int64, err error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteUnreferencedTemplatesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the cleanup knobs.
type Config struct {
	Horizon   time.Duration
	BatchSize int
	DryRun    bool
}

// Stats reports one cleanup run.
type Stats struct {
	Cutoff           time.Time
	EventsDeleted    int64
	TemplatesDeleted int64
	EventsRemaining  int64
}

// Run performs one retention pass.
func Run(ctx context.Context, store Store, cfg Config) (Stats, error) {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	logger := slog.Default()

	stats := Stats{Cutoff: time.Now().UTC().Add(-cfg.Horizon)}
	logger.Info("retention pass starting",
		"cutoff", stats.Cutoff.Format(time.RFC3339), "batch_size", cfg.BatchSize, "dry_run", cfg.DryRun)

	if cfg.DryRun {
		total, _, err := store.CountEvents(ctx)
		if err != nil {
			return stats, fmt.Errorf("counting events: %w", err)
		}
		stats.EventsRemaining = total
		return stats, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n, err := store.DeleteEventsBefore(ctx, stats.Cutoff, cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("deleting events: %w", err)
		}
		if n == 0 {
			break
		}
		stats.EventsDeleted += n
		logger.Debug("retention batch deleted", "events", n)
	}

	// Templates go second so events deleted above no longer pin them.
	n, err := store.DeleteUnreferencedTemplatesBefore(ctx, stats.Cutoff)
	if err != nil {
		return stats, fmt.Errorf("deleting templates: %w", err)
	}
	stats.TemplatesDeleted = n

	total, _, err := store.CountEvents(ctx)
	if err != nil {
		return stats, fmt.Errorf("counting events: %w", err)
	}
	stats.EventsRemaining = total

	logger.Info("retention pass complete",
		"events_deleted", stats.EventsDeleted,
		"templates_deleted", stats.TemplatesDeleted,
		"events_remaining", stats.EventsRemaining)
	return stats, nil
}
