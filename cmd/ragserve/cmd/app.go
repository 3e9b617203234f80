package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/ragserve/internal/admission"
	"github.com/Aman-CERP/ragserve/internal/answer"
	"github.com/Aman-CERP/ragserve/internal/cache"
	"github.com/Aman-CERP/ragserve/internal/config"
	"github.com/Aman-CERP/ragserve/internal/dedup"
	"github.com/Aman-CERP/ragserve/internal/embed"
	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/ingest"
	"github.com/Aman-CERP/ragserve/internal/logging"
	"github.com/Aman-CERP/ragserve/internal/metrics"
	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/plan"
	"github.com/Aman-CERP/ragserve/internal/rerank"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/trace"
)

// services bundles the ingestion and retrieval core shared by the
// serve, ingest, query, watch, and collections commands.
type services struct {
	cfg       *config.Config
	log       *slog.Logger
	embedder  embed.Embedder
	cache     cache.Cache
	catalog   *store.Catalog
	processor *ingest.Processor
	indexer   *index.Indexer
	planner   *plan.Planner
	retriever *retrieve.Retriever
}

// buildServices wires the core from configuration. offline forces
// static embeddings regardless of the configured provider.
func buildServices(ctx context.Context, cfg *config.Config, log *slog.Logger, offline bool) (*services, error) {
	if log == nil {
		log = slog.Default()
	}

	embedder, err := buildEmbedder(ctx, cfg, offline)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	c, err := cache.NewFromConfig(cfg, log)
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	catalog := store.NewCatalog(store.CatalogConfig{
		DataDir:           cfg.Storage.DataDir,
		VectorPersistPath: cfg.Vector.PersistPath,
		LexicalBackend:    cfg.Lexical.Backend,
	}, log)

	return &services{
		cfg:       cfg,
		log:       log,
		embedder:  embedder,
		cache:     c,
		catalog:   catalog,
		processor: ingest.NewProcessor(cfg.Ingest),
		indexer:   index.NewIndexer(catalog, dedup.New(log), c, log),
		planner:   plan.NewPlanner(),
		retriever: retrieve.NewRetriever(catalog, c, log),
	}, nil
}

// Close releases the embedder, catalog, and cache.
func (s *services) Close() {
	if s.embedder != nil {
		_ = s.embedder.Close()
	}
	if s.catalog != nil {
		_ = s.catalog.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// buildEmbedder constructs the configured embedding client.
func buildEmbedder(ctx context.Context, cfg *config.Config, offline bool) (embed.Embedder, error) {
	ecfg := embed.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		APIKey:    cfg.Embedding.APIKey,
		Endpoint:  cfg.Embedding.Endpoint,
	}
	if offline {
		ecfg.Provider = string(embed.ProviderStatic)
	}
	if cfg.Embedding.RequestTimeout != "" {
		if d, err := time.ParseDuration(cfg.Embedding.RequestTimeout); err == nil {
			ecfg.RequestTimeout = d
		}
	}
	return embed.NewEmbedder(ctx, ecfg)
}

// buildPipeline adds the query stages on top of the core. The caller
// owns tracer and metrics so the serve command can share them with the
// HTTP surface; adm may be nil for in-process callers that need no
// quota enforcement.
func buildPipeline(ctx context.Context, svc *services, adm *admission.Controller, tracer *trace.Tracer, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	reranker, err := rerank.New(ctx, svc.cfg.Rerank, svc.cache, svc.log)
	if err != nil {
		return nil, fmt.Errorf("reranker: %w", err)
	}

	generator, err := answer.New(svc.cfg.LLM, svc.log)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	return pipeline.New(pipeline.Config{
		Deadline:      svc.cfg.RequestDeadlineDuration(),
		DefaultTopK:   svc.cfg.Retrieval.DefaultTopK,
		MaxTopK:       svc.cfg.Retrieval.MaxQueryResults,
		Model:         svc.cfg.LLM.Model,
		MinConfidence: svc.cfg.LLM.MinConfidence,
	}, pipeline.Deps{
		Admission: adm,
		Planner:   svc.planner,
		Embedder:  svc.embedder,
		Retriever: svc.retriever,
		Reranker:  reranker,
		Generator: generator,
		Cache:     svc.cache,
		Tracer:    tracer,
		Metrics:   m,
		Logger:    svc.log,
	})
}

// setupQuietLogging routes slog to the log file only, keeping the console
// for command output. Progress-rendering and answer-printing commands call
// this so log lines never interleave with their output. No-op under
// --debug, which already configured stderr logging.
func setupQuietLogging() func() {
	if debugMode {
		return func() {}
	}
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return func() {}
	}
	slog.SetDefault(logger)
	return cleanup
}
