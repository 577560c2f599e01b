package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tadeu718/devmesh/internal/backfill"
	"github.com/tadeu718/devmesh/internal/config"
	"github.com/tadeu718/devmesh/internal/embed"
	"github.com/tadeu718/devmesh/internal/retention"
	"github.com/tadeu718/devmesh/internal/storage"
	"github.com/tadeu718/devmesh/internal/templates"
)

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill [templates|embeddings|all]",
	Short: "Run the safety net over events and templates the live path missed",
	Long: `Run the safety net once and exit.

  templates    assign templates to events with no template yet
  embeddings   attach vectors to templates with no current embedding
  all          both, templates first (default)

Designed for cron. Both jobs are idempotent and resumable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job := "all"
		if len(args) == 1 {
			job = args[0]
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		delay, _ := cmd.Flags().GetFloat64("delay")
		maxRows, _ := cmd.Flags().GetInt("max-rows")
		return runBackfill(job, batchSize, delay, maxRows)
	},
}

func runBackfill(job string, batchSize int, delaySeconds float64, maxRows int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	cache, err := templates.NewCache(cfg.Cache.Capacity)
	if err != nil {
		return err
	}
	embedder := embed.New(embed.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		Model:       cfg.Gateway.EmbedModel,
		Dim:         cfg.Gateway.EmbedDim,
		Timeout:     cfg.EmbedTimeout(),
		BatchSize:   cfg.Gateway.BatchSize,
		Concurrency: int64(cfg.Gateway.Concurrency),
		BatchDelay:  cfg.EmbedBatchDelay(),
	})

	wcfg := backfill.Config{
		CanonVersion: cfg.Canon.Version,
		BatchSize:    cfg.Backfill.BatchSize,
		Delay:        cfg.BackfillDelay(),
		MaxRows:      cfg.Backfill.MaxRows,
	}
	if batchSize > 0 {
		wcfg.BatchSize = batchSize
	}
	if delaySeconds > 0 {
		wcfg.Delay = time.Duration(delaySeconds * float64(time.Second))
	}
	if maxRows > 0 {
		wcfg.MaxRows = maxRows
	}
	worker := backfill.New(store, templates.NewResolver(cache, store), embedder, wcfg)

	switch job {
	case "templates":
		stats, err := worker.BackfillTemplates(ctx)
		if err != nil {
			return err
		}
		printBackfillStats("template backfill", stats)
	case "embeddings":
		stats, err := worker.BackfillEmbeddings(ctx)
		if err != nil {
			return err
		}
		printBackfillStats("embedding backfill", stats)
	case "all":
		tStats, err := worker.BackfillTemplates(ctx)
		if err != nil {
			return err
		}
		printBackfillStats("template backfill", tStats)
		eStats, err := worker.BackfillEmbeddings(ctx)
		if err != nil {
			return err
		}
		printBackfillStats("embedding backfill", eStats)
	default:
		return fmt.Errorf("unknown job %q (want templates, embeddings, or all)", job)
	}
	return nil
}

func printBackfillStats(name string, stats backfill.Stats) {
	printSuccess("%s complete", name)
	printStatus("scanned", "%d", stats.Scanned)
	if stats.Linked > 0 || stats.NewTemplates > 0 {
		printStatus("linked", "%d", stats.Linked)
		printStatus("new templates", "%d", stats.NewTemplates)
	}
	if stats.Embedded > 0 {
		printStatus("embedded", "%d", stats.Embedded)
	}
	if stats.Skipped > 0 {
		printWarning("%d rows skipped, next run will retry them", stats.Skipped)
	}
}

// --- retention ---

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete events past the retention horizon and templates they alone referenced",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runRetention(days, batchSize, dryRun)
	},
}

func runRetention(days, batchSize int, dryRun bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	rcfg := retention.Config{
		Horizon:   cfg.RetentionHorizon(),
		BatchSize: cfg.Retention.BatchSize,
		DryRun:    dryRun,
	}
	if days > 0 {
		rcfg.Horizon = time.Duration(days) * 24 * time.Hour
	}
	if batchSize > 0 {
		rcfg.BatchSize = batchSize
	}

	stats, err := retention.Run(ctx, store, rcfg)
	if err != nil {
		return err
	}
	if dryRun {
		printWarning("dry run, nothing deleted")
		printStatus("cutoff", "%s", stats.Cutoff.Format(time.RFC3339))
		printStatus("events in store", "%d", stats.EventsRemaining)
		return nil
	}
	printSuccess("retention complete")
	printStatus("cutoff", "%s", stats.Cutoff.Format(time.RFC3339))
	printStatus("events deleted", "%d", stats.EventsDeleted)
	printStatus("templates deleted", "%d", stats.TemplatesDeleted)
	printStatus("events remaining", "%d", stats.EventsRemaining)
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	events, orphans, err := store.CountEvents(ctx)
	if err != nil {
		return err
	}
	tmpls, missing, err := store.CountTemplates(ctx, cfg.Gateway.EmbedModel)
	if err != nil {
		return err
	}

	printStep("devmesh store: %s", cfg.Storage.DataDir)
	printStatus("events", "%d (%d without template)", events, orphans)
	printStatus("templates", "%d (%d awaiting embedding)", tmpls, missing)
	if events > 0 && tmpls > 0 {
		printStatus("compression", "%.1fx", float64(events)/float64(tmpls))
	}
	printStatus("embedding model", "%s (dim %d)", cfg.Gateway.EmbedModel, cfg.Gateway.EmbedDim)
	printStatus("canon version", "%s", cfg.Canon.Version)
	if orphans == 0 && missing == 0 {
		printSuccess("memory is fully templated and embedded")
	} else {
		printWarning("run 'devmesh backfill' to complete %d orphans / %d missing embeddings", orphans, missing)
	}
	return nil
}

func init() {
	backfillCmd.Flags().Int("batch-size", 0, "rows per batch (default from config)")
	backfillCmd.Flags().Float64("delay", 0, "seconds between batches (default from config)")
	backfillCmd.Flags().Int("max-rows", 0, "safety cap per run (default from config)")

	retentionCmd.Flags().Int("days", 0, "retention horizon in days (default from config)")
	retentionCmd.Flags().Int("batch-size", 0, "delete batch size (default from config)")
	retentionCmd.Flags().Bool("dry-run", false, "report what would be deleted without deleting")
}
