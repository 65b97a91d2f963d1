package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/embedder"
	"github.com/knoguchi/ragpipe/internal/ingest"
	"github.com/knoguchi/ragpipe/internal/pipeline"
	"github.com/knoguchi/ragpipe/internal/retriever"
	"github.com/knoguchi/ragpipe/internal/retriever/postgres"
	"github.com/knoguchi/ragpipe/internal/server"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load bootstrap configuration and the runtime option file
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts, err := config.Open(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to open option file: %w", err)
	}
	snap := opts.Current()

	slog.Info("starting RAG service",
		"addr", cfg.ServerAddr,
		"config_file", opts.Path(),
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, snap.Get(config.KeyPostgresURI))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize embedder and provision storage for its vector dimension
	embed, err := embedder.New(snap)
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}
	slog.Info("initialized embedder", "model", embed.ModelName(), "dimension", embed.Dimension())

	store := postgres.NewStore(db)
	if err := store.Setup(ctx, embed.Dimension()); err != nil {
		return fmt.Errorf("failed to set up vector store: %w", err)
	}

	// Initialize the chat pipeline
	pipe, err := pipeline.New(store, embed, slog.Default(), snap)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	ingestor := ingest.New(store, embed, slog.Default())

	// Create HTTP server
	httpServer := server.New(server.Config{
		Addr:           cfg.ServerAddr,
		Logger:         slog.Default(),
		Options:        opts,
		Store:          store,
		Pipeline:       pipe,
		Ingestor:       ingestor,
		AllowedOrigins: []string{"*"}, // Configure in production
	})

	// Cold start runs to completion before the listener opens, so no request
	// is served against a half-populated store.
	if err := coldStart(ctx, store, ingestor, snap); err != nil {
		return err
	}
	httpServer.SetReady()
	slog.Info("service ready")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// bulkIngestor is the slice of the ingestor cold start needs.
type bulkIngestor interface {
	IngestAll(ctx context.Context, snap *config.Snapshot) error
}

// coldStart loads the data directory when the store is empty.
func coldStart(ctx context.Context, store retriever.Retriever, ing bulkIngestor, snap *config.Snapshot) error {
	hasData, err := store.HasData(ctx)
	if err != nil {
		return fmt.Errorf("failed to check vector store: %w", err)
	}
	if hasData {
		return nil
	}
	slog.Info("vector store is empty, ingesting data directory",
		"data_directory", snap.GetOr(config.KeyDataDirectory, "data"))
	if err := ing.IngestAll(ctx, snap); err != nil {
		return fmt.Errorf("cold-start ingestion failed: %w", err)
	}
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ retriever.Retriever = (*postgres.Store)(nil)
	_ server.Pipeline     = (*pipeline.Orchestrator)(nil)
	_ server.FileIngestor = (*ingest.Ingestor)(nil)
)
