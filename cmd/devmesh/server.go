package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/tadeu718/devmesh/internal/api"
	"github.com/tadeu718/devmesh/internal/backfill"
	"github.com/tadeu718/devmesh/internal/config"
	"github.com/tadeu718/devmesh/internal/embed"
	"github.com/tadeu718/devmesh/internal/ingest"
	"github.com/tadeu718/devmesh/internal/search"
	"github.com/tadeu718/devmesh/internal/storage"
	"github.com/tadeu718/devmesh/internal/templates"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DevMesh core server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "devmesh version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Template cache, warmed with the most recently active templates.
	cache, err := templates.NewCache(cfg.Cache.Capacity)
	if err != nil {
		return err
	}
	resolver := templates.NewResolver(cache, store)
	if err := resolver.Warm(ctx, cfg.Cache.WarmOnBoot); err != nil {
		slog.Warn("cache warm failed, starting cold", "error", err)
	}

	// Embedding client against the LLM gateway.
	embedder := embed.New(embed.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		Model:       cfg.Gateway.EmbedModel,
		Dim:         cfg.Gateway.EmbedDim,
		Timeout:     cfg.EmbedTimeout(),
		BatchSize:   cfg.Gateway.BatchSize,
		Concurrency: int64(cfg.Gateway.Concurrency),
		BatchDelay:  cfg.EmbedBatchDelay(),
	})

	// Write and read paths.
	pipeline := ingest.New(store, resolver, embedder, ingest.Config{
		CanonVersion:  cfg.Canon.Version,
		MaxBatches:    int64(cfg.Ingest.MaxBatches),
		SkewTolerance: cfg.SkewTolerance(),
	})
	searcher := search.New(store, embedder)

	// Safety net: periodic in-process pass when enabled; the backfill
	// command covers cron-style deployments.
	if interval := cfg.BackfillInterval(); interval > 0 {
		worker := backfill.New(store, resolver, embedder, backfill.Config{
			CanonVersion: cfg.Canon.Version,
			BatchSize:    cfg.Backfill.BatchSize,
			Delay:        cfg.BackfillDelay(),
			MaxRows:      cfg.Backfill.MaxRows,
		})
		go worker.Run(ctx, interval)
		slog.Info("safety-net worker scheduled", "interval", interval)
	}

	node, _ := os.Hostname()
	handler := api.NewHandler(api.Deps{
		Pipeline: pipeline,
		Searcher: searcher,
		APIKey:   cfg.Server.APIKey,
		Version:  version,
		Node:     node,
	})

	// MCP tool surface on stdio for LLM agents.
	mcpSrv := api.NewMCPServer(searcher, version)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Addr, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("devmesh listening", "addr", addr, "auth", cfg.Server.APIKey != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
