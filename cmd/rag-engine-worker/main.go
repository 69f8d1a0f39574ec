// Package main provides the RAG Engine worker daemon. It polls the job
// queue for ingestion, enrichment, and community-rebuild work and runs the
// batch stall detector alongside.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/enrich"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/ingest"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/monitoring"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-worker",
	})

	workerID := workerIdentity()
	logger.Info().
		Str("worker_id", workerID).
		Int64("concurrency", cfg.Jobs.GlobalMaxConcurrency).
		Dur("lease", cfg.Jobs.LeaseDuration).
		Msg("Starting RAG Engine worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database unavailable")
	}
	defer db.Close()

	repos := storage.NewRepositories(db)

	cacheClient, notifier, err := openCache(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cache unavailable")
	}
	defer cacheClient.Close()

	store, err := openObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Object store unavailable")
	}

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Embedding provider unavailable")
	}
	guard := monitoring.NewEmbeddingGuard(logger, cfg.Embedding.Dimension)
	if err := guard.VerifyProvider(embedder); err != nil {
		logger.Fatal().Err(err).Msg("Embedding provider dimension mismatch")
	}

	chatClient := buildChatClient(cfg, logger)
	parser, err := providers.NewParserClient(providers.ParserConfig{
		BaseURL: cfg.Parser.BaseURL,
		Timeout: cfg.Parser.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Parser port unavailable")
	}

	queue := jobs.NewService(repos.Jobs)
	chunker := ingest.NewChunker(embedder, ingest.ChunkerConfig{
		MaxBlockChars: cfg.Ingestion.MaxCharsPerBlock,
	}, logger)
	registry := ingest.DefaultRegistry(ingest.StrategyKey(cfg.Ingestion.DefaultStrategy))

	pipeline := ingest.NewPipeline(
		logger, repos, store, registry,
		ingest.Deps{Parser: parser, Chunker: chunker, Logger: logger},
		guard, queue, notifier, embedder.Profile(),
		ingest.PipelineConfig{
			InsertBatchSize:  cfg.Ingestion.InsertBatchSize,
			DeferEnrichment:  cfg.Ingestion.EnrichmentAsyncEnabled,
			VisualEnrichment: cfg.Ingestion.VisualAsyncEnabled,
			MaxRetries:       cfg.Jobs.MaxRetries,
		})

	enricher := enrich.NewService(
		logger, repos, store, chatClient, embedder, cacheClient, notifier,
		enrich.Config{
			VisualConcurrency:   cfg.Ingestion.VisualConcurrency,
			GraphBatchSize:      cfg.Ingestion.GraphBatchSize,
			GraphLogEveryN:      cfg.Ingestion.GraphChunkLogEveryN,
			RaptorMinChunks:     cfg.Ingestion.RaptorMinChunks,
			RaptorMaxDepth:      cfg.Ingestion.RaptorMaxDepth,
			StructuralBootstrap: cfg.Ingestion.RaptorStructuralBoot,
		})
	pipeline.SetInlineEnricher(enricher)

	worker := jobs.NewWorker(repos.Jobs, logger, jobs.Config{
		WorkerID:                workerID,
		JobTypes:                []storage.JobType{storage.JobIngestDocument, storage.JobEnrichDocument, storage.JobCommunityRebuild},
		Concurrency:             int(cfg.Jobs.GlobalMaxConcurrency),
		PollInterval:            cfg.Jobs.PollInterval,
		Lease:                   cfg.Jobs.LeaseDuration,
		MaxRetries:              cfg.Jobs.MaxRetries,
		MaxSourceLookupRequeues: cfg.Jobs.MaxSourceLookupRequeues,
		TenantIngestSlots:       int(cfg.Jobs.TenantIngestConcurrency),
		TenantEnrichSlots:       int(cfg.Jobs.TenantEnrichConcurrency),
	})
	worker.Register(storage.JobIngestDocument, pipeline)
	worker.Register(storage.JobEnrichDocument, jobs.HandlerFunc(enricher.Handle))
	worker.Register(storage.JobCommunityRebuild, jobs.HandlerFunc(enricher.HandleCommunity))

	stall := monitoring.NewStallDetector(logger, repos.Batches, monitoring.StallConfig{
		Threshold: cfg.Streaming.StallThreshold,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return worker.Run(groupCtx) })
	group.Go(func() error { return stall.Run(groupCtx) })

	if addr := os.Getenv("WORKER_METRICS_ADDR"); addr != "" {
		group.Go(func() error { return runMetricsServer(groupCtx, logger, addr) })
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Worker exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Worker stopped")
}

// runMetricsServer exposes the Prometheus scrape endpoint until ctx ends.
func runMetricsServer(ctx context.Context, logger *observability.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errs:
		return err
	}
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := storage.NewMigrator(db).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func openCache(cfg *config.Config) (cache.Client, cache.Notifier, error) {
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries), nil, nil
}

func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	if cfg.ObjectStore.Driver == "s3" {
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Region:         cfg.ObjectStore.Region,
			Bucket:         cfg.ObjectStore.Bucket,
			Endpoint:       cfg.ObjectStore.Endpoint,
			ForcePathStyle: cfg.ObjectStore.ForcePathStyle,
		})
	}
	return objectstore.NewMemoryStore(), nil
}

func buildEmbedder(cfg *config.Config, logger *observability.Logger) (providers.Embedder, error) {
	if cfg.Embedding.APIKey == "" {
		if cfg.IsDeployed() {
			return nil, fmt.Errorf("EMBEDDING_API_KEY is required in deployed environments")
		}
		logger.Warn().Msg("No embedding API key configured, using mock embedder")
		return providers.NewMockEmbedder(cfg.Embedding.Dimension, cfg.Embedding.LateChunking), nil
	}
	return providers.NewEmbeddingClient(providers.EmbeddingConfig{
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	}, logger)
}

func buildChatClient(cfg *config.Config, logger *observability.Logger) providers.ChatClient {
	if cfg.Chat.APIKey == "" {
		logger.Warn().Msg("No chat API key configured, graph and RAPTOR enrichment will be skipped")
		return nil
	}
	client, err := providers.NewChatClient(providers.ChatConfig{
		APIKey:      cfg.Chat.APIKey,
		Model:       cfg.Chat.Model,
		BaseURL:     cfg.Chat.BaseURL,
		MaxTokens:   cfg.Chat.MaxTokens,
		Temperature: cfg.Chat.Temperature,
		Timeout:     cfg.Chat.Timeout,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Chat client unavailable, continuing without one")
		return nil
	}
	return client
}
