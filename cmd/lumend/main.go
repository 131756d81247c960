// Command lumend runs the transaction intelligence daemon: ingestion
// scheduler, anomaly scorer, vector indexer and HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/anomaly"
	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/embeddings"
	"github.com/lumenlabs/lumen/internal/extraction"
	"github.com/lumenlabs/lumen/internal/gate"
	"github.com/lumenlabs/lumen/internal/generation"
	"github.com/lumenlabs/lumen/internal/httpapi"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/logging"
	"github.com/lumenlabs/lumen/internal/pipeline"
	"github.com/lumenlabs/lumen/internal/retrieval"
	"github.com/lumenlabs/lumen/internal/scheduler"
	"github.com/lumenlabs/lumen/internal/source"
	"github.com/lumenlabs/lumen/internal/vectorindex"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lumend: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	embedder, err := embeddings.NewClient(cfg.Embedding, logger)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	index, err := vectorindex.NewIndex(cfg.Index, embedder, logger)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}

	src, err := source.NewMailGateway(cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("init source: %w", err)
	}
	extractor, err := extraction.New(cfg.Extraction, logger)
	if err != nil {
		return fmt.Errorf("init extractor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := gate.New(store.RawMessages(), store.Transactions(), logger)
	scorer := anomaly.NewScorer(cfg.Anomaly, store.Models(), store.Transactions(), logger)
	go scorer.RunRetrainLoop(ctx)

	indexer := vectorindex.NewIndexer(cfg.Index, index, store.Transactions(), logger)
	go indexer.Run(ctx)

	metrics := pipeline.NewMetrics()
	pipe := pipeline.New(g, store.RawMessages(), extractor, scorer, store.Transactions(), indexer, metrics, logger)
	controller := scheduler.New(cfg.Scheduler, cfg.Source.Mailbox, src, pipe, metrics, logger)

	// Answer synthesis is optional; without credentials queries return
	// the raw transaction list.
	var gen generation.Generator
	if cfg.Generation.APIKey.IsSet() {
		client, err := generation.NewClient(cfg.Generation, logger)
		if err != nil {
			return fmt.Errorf("init generation: %w", err)
		}
		gen = client
	} else {
		logger.Info("no generation API key configured, queries return raw results")
	}

	engine := retrieval.NewEngine(cfg.Retrieval, store.Transactions(), index, gen, logger)
	feedback := httpapi.NewFeedbackService(store, scorer, index, logger)
	srv, err := httpapi.NewServer(cfg.Server, controller, engine, feedback, store, logger)
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("lumend started",
		zap.String("store", cfg.Store.Driver),
		zap.String("mailbox", cfg.Source.Mailbox))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

// openStore selects the persistence backend. The sqlite path supports
// ~ expansion and gets its directory created on first run.
func openStore(cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Path
		if strings.HasPrefix(path, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[1:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return ledger.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
