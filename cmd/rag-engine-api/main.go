// Package main provides the RAG Engine API server entrypoint.
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

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/backpressure"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/chat"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/monitoring"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

const version = "1.0.0"

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
		ServiceName: cfg.Observability.ServiceName,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("cache", cfg.Cache.Driver).
		Str("object_store", cfg.ObjectStore.Driver).
		Msg("Starting RAG Engine API")

	ctx := context.Background()

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

	reranker := buildReranker(cfg, logger)
	chatClient := buildChatClient(cfg, logger)

	queue := jobs.NewService(repos.Jobs)
	admission := backpressure.NewService(repos.Documents, backpressure.Config{
		MaxPending:        cfg.Backpressure.MaxPending,
		HistoryWindow:     cfg.Backpressure.ThroughputWindowSize,
		DefaultDocSeconds: cfg.Backpressure.PerDocumentEstimate.Seconds(),
	}, logger)

	retriever := retrieval.NewService(
		logger, repos.Chunks, repos.Graph, repos.Raptor,
		embedder, reranker, chatClient, cacheClient,
		cfg.Retrieval, cfg.Rerank)
	chatService := chat.NewService(logger, retriever, chatClient)

	var auditDB storage.DB
	if cfg.Observability.AuditTable {
		auditDB = db
	}
	auditor := monitoring.NewRetrievalAuditor(logger, auditDB)

	router := NewRouter(logger, cfg, Dependencies{
		DB:          db,
		Repos:       repos,
		Store:       store,
		CacheClient: cacheClient,
		Notifier:    notifier,
		Idempotency: cache.NewIdempotencyStore(cacheClient, 600*time.Second),
		Queue:       queue,
		Admission:   admission,
		Retriever:   retriever,
		Chat:        chatService,
		Auditor:     auditor,
		Version:     version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
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

// openCache returns the cache client plus its pub/sub side when the driver
// has one. Memory mode streams fall back to pure polling.
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

// buildEmbedder returns the configured embedding client, or the deterministic
// mock when no API key is present outside deployed environments.
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

func buildReranker(cfg *config.Config, logger *observability.Logger) providers.Reranker {
	if cfg.Rerank.Mode == "local" || cfg.Rerank.APIKey == "" {
		return providers.NewLocalReranker()
	}
	client, err := providers.NewRerankClient(providers.RerankConfig{
		APIKey:  cfg.Rerank.APIKey,
		Model:   cfg.Rerank.Model,
		BaseURL: cfg.Rerank.BaseURL,
		Timeout: cfg.Rerank.Timeout,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Rerank client unavailable, falling back to local reranker")
		return providers.NewLocalReranker()
	}
	return client
}

// buildChatClient returns nil when chat is not configured; grounded chat then
// answers extractively and the planner falls back to heuristics.
func buildChatClient(cfg *config.Config, logger *observability.Logger) providers.ChatClient {
	if cfg.Chat.APIKey == "" {
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
