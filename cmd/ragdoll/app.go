package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/chunker"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/embeddings"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/events"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/ingest"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/lexical"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/query"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/ranking"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/redact"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/telemetry"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/vectorindex"
)

const shutdownTimeout = 10 * time.Second

// dependencies holds every component a command may touch.
type dependencies struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	publisher events.Publisher
	embedder  *embeddings.Client
	chunker   *chunker.Chunker
	vectors   vectorindex.Index
	lexical   lexical.Index
	tracker   *usage.Tracker
	pipeline  *ingest.Pipeline
	engine    *ranking.Engine
	orch      *query.Orchestrator
}

// initLogger builds the structured logger from the logging section. When
// telemetry is enabled, entries are also sent to the global OpenTelemetry
// logger provider.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg, err := logging.FromSettings(cfg.Logging, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lcfg, global.GetLoggerProvider())
}

// loadDependencies reads configuration and builds the dependency graph.
func loadDependencies(ctx context.Context) (*dependencies, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return initDependencies(ctx, cfg)
}

// initDependencies wires the components in dependency order:
//  1. logger and telemetry
//  2. store, event publisher and embedding client
//  3. vector and lexical indexes
//  4. usage tracker, ingestion pipeline, ranking engine and orchestrator
//
// Indexes are rebuilt from the store so in-memory backends start warm.
// On error everything built so far is closed.
func initDependencies(ctx context.Context, cfg *config.Config) (_ *dependencies, err error) {
	d := &dependencies{cfg: cfg}
	defer func() {
		if err != nil {
			_ = d.Close(ctx)
		}
	}()

	if d.logger, err = initLogger(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if d.telemetry, err = telemetry.New(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if degraded, terr := d.telemetry.Degraded(); degraded {
		d.logger.Warn(ctx, "telemetry degraded", zap.Error(terr))
	}

	if d.store, err = store.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if d.publisher, err = events.New(cfg.Events, d.logger); err != nil {
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}

	provider, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	if d.embedder, err = embeddings.NewClient(provider, embeddings.ClientConfigFrom(cfg.Embeddings, d.logger)); err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	if d.chunker, err = newChunker(cfg.Chunking); err != nil {
		return nil, err
	}

	if d.vectors, err = vectorindex.New(ctx, cfg.VectorIndex, d.embedder.Dimensions(), d.logger); err != nil {
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}

	var db *sql.DB
	if s, ok := d.store.(*store.SQLite); ok {
		db = s.DB()
	}
	if d.lexical, err = lexical.New(ctx, cfg.Lexical, db); err != nil {
		return nil, fmt.Errorf("failed to create lexical index: %w", err)
	}

	d.tracker = usage.New(d.store, usage.Options{
		FlushInterval: cfg.Usage.FlushInterval.Duration(),
		Publisher:     d.publisher,
		Logger:        d.logger,
	})

	ingestOpts := ingest.OptionsFrom(cfg.Ingestion)
	ingestOpts.Publisher = d.publisher
	ingestOpts.Logger = d.logger
	if cfg.Ingestion.RedactSecrets {
		if ingestOpts.Redactor, err = redact.New(nil, redact.WithAllowList(cfg.Ingestion.RedactAllow...)); err != nil {
			return nil, fmt.Errorf("failed to create redactor: %w", err)
		}
	}
	if d.pipeline, err = ingest.New(ingest.Deps{
		Store:    d.store,
		Chunker:  d.chunker,
		Embedder: d.embedder,
		Vectors:  d.vectors,
		Lexical:  d.lexical,
		Tracker:  d.tracker,
	}, ingestOpts); err != nil {
		return nil, fmt.Errorf("failed to create ingestion pipeline: %w", err)
	}

	if _, err = d.pipeline.Rebuild(ctx, rebuildScope(cfg)); err != nil {
		return nil, fmt.Errorf("failed to rebuild indexes: %w", err)
	}
	d.tracker.Start(ctx)

	if d.engine, err = ranking.New(ranking.Deps{
		Embedder: d.embedder,
		Vectors:  d.vectors,
		Lexical:  d.lexical,
		Tracker:  d.tracker,
		Logger:   d.logger,
	}, ranking.OptionsFrom(cfg.Ranking)); err != nil {
		return nil, fmt.Errorf("failed to create ranking engine: %w", err)
	}

	if d.orch, err = query.New(query.Deps{
		Store:     d.store,
		Ingester:  d.pipeline,
		Ranker:    d.engine,
		Tracker:   d.tracker,
		Embedder:  d.embedder,
		Estimator: estimatorFor(cfg.Chunking),
		Logger:    d.logger,
	}); err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return d, nil
}

func newChunker(cfg config.ChunkingConfig) (*chunker.Chunker, error) {
	c, err := chunker.New(chunker.Options{
		MaxTokens:      cfg.MaxTokens,
		OverlapTokens:  cfg.OverlapTokens,
		Boundary:       chunker.Boundary(cfg.Boundary),
		Tolerance:      cfg.Tolerance,
		MinChunkTokens: cfg.MinChunkTokens,
		Estimator:      estimatorFor(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunker: %w", err)
	}
	return c, nil
}

func estimatorFor(cfg config.ChunkingConfig) chunker.TokenEstimator {
	if est, ok := chunker.EstimatorByName(cfg.Estimator); ok {
		return est
	}
	return chunker.WordEstimator{}
}

// Close releases resources in reverse order of creation. Pending usage is
// flushed before the store closes.
// rebuildScope names the indexes that start empty and must be re-populated
// from the store. Persistent backends already hold their entries.
func rebuildScope(cfg *config.Config) ingest.RebuildScope {
	return ingest.RebuildScope{
		Vectors: vectorindex.InMemory(cfg.VectorIndex.Strategy),
		Lexical: lexical.InMemory(cfg.Lexical.Backend),
	}
}

func (d *dependencies) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.pipeline != nil {
		errs = append(errs, d.pipeline.Close())
	}
	if d.tracker != nil {
		errs = append(errs, d.tracker.Close(ctx))
	}
	if d.lexical != nil {
		errs = append(errs, d.lexical.Close())
	}
	if d.vectors != nil {
		errs = append(errs, d.vectors.Close())
	}
	if d.embedder != nil {
		errs = append(errs, d.embedder.Close())
	}
	if d.publisher != nil {
		errs = append(errs, d.publisher.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.telemetry != nil {
		errs = append(errs, d.telemetry.Shutdown(ctx))
	}
	if d.logger != nil {
		_ = d.logger.Sync() // Best-effort sync
	}
	return errors.Join(errs...)
}
