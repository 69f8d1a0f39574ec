// Package main provides the RAG Engine API server.
package main

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-ai/meridian/libs/rag-engine/cmd/rag-engine-api/handlers"
	"github.com/meridian-ai/meridian/libs/rag-engine/cmd/rag-engine-api/middleware"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/api/rpc"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/backpressure"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/chat"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/monitoring"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Dependencies carries the wired services the router serves.
type Dependencies struct {
	DB          *sql.DB
	Repos       *storage.Repositories
	Store       objectstore.Store
	CacheClient cache.Client
	Notifier    cache.Notifier
	Idempotency *cache.IdempotencyStore
	Queue       *jobs.Service
	Admission   *backpressure.Service
	Retriever   *retrieval.Service
	Chat        *chat.Service
	Auditor     *monitoring.RetrievalAuditor
	Version     string
}

// NewRouter assembles the HTTP surface.
func NewRouter(logger *observability.Logger, cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(middleware.ServiceAuth(middleware.AuthConfig{
		ServiceSecret: cfg.Auth.ServiceSecret,
		Required:      cfg.AuthRequired(),
	}))
	r.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Version)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", observability.MetricsHandler())

	documentHandler := handlers.NewDocumentHandler(
		logger, deps.Repos, deps.Store, deps.Queue, deps.Admission, deps.Retriever, cfg.ObjectStore.Bucket)
	collectionHandler := handlers.NewCollectionHandler(logger, deps.Repos, deps.Retriever)
	batchHandler := handlers.NewBatchHandler(
		logger, deps.Repos, deps.Store, deps.Queue, deps.Admission, cfg.ObjectStore.Bucket)
	ingestionHandler := handlers.NewIngestionHandler(logger, deps.Repos, deps.Queue)
	retrievalHandler := handlers.NewRetrievalHandler(logger, deps.Retriever, deps.Auditor)
	chatHandler := handlers.NewChatHandler(logger, deps.Chat)

	streamCfg := handlers.StreamConfig{
		MinPoll:        cfg.Streaming.MinPollInterval,
		MaxPoll:        cfg.Streaming.MaxPollInterval,
		Heartbeat:      cfg.Streaming.Heartbeat,
		SessionTimeout: cfg.Streaming.SessionTimeout,
	}
	idem := middleware.Idempotency(logger, deps.Idempotency)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireTenant)

		r.Route("/documents", func(r chi.Router) {
			r.With(idem).Post("/", documentHandler.Upload)
			r.Get("/", documentHandler.List)
			r.Get("/{id}/status", documentHandler.Status)
			r.With(idem).Delete("/{id}", documentHandler.Delete)
		})

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", collectionHandler.List)
			r.Post("/{id}/seal", collectionHandler.Seal)
			r.Post("/{id}/reopen", collectionHandler.Reopen)
			r.Delete("/{id}", collectionHandler.Delete)
		})

		r.Route("/ingestion", func(r chi.Router) {
			r.Route("/batches", func(r chi.Router) {
				r.With(idem).Post("/", batchHandler.Create)
				r.With(idem).Post("/{id}/files", batchHandler.AddFile)
				r.Post("/{id}/seal", batchHandler.Seal)
				r.Get("/{id}/status", batchHandler.Status)
				r.Get("/{id}/progress", batchHandler.Progress)
				r.Get("/{id}/events", batchHandler.Events)
				r.Get("/{id}/stream", batchHandler.Stream(streamCfg, deps.Notifier))
			})
			r.Post("/retry/{doc_id}", ingestionHandler.Retry)
			r.Post("/enrich/{doc_id}", ingestionHandler.Enrich)
		})

		r.Get("/jobs/{id}", ingestionHandler.Job)

		r.Route("/retrieval", func(r chi.Router) {
			r.Post("/validate-scope", retrievalHandler.ValidateScope)
			r.Post("/hybrid", retrievalHandler.Hybrid)
			r.Post("/multi-query", retrievalHandler.MultiQuery)
			r.Post("/explain", retrievalHandler.Explain)
			r.Post("/comprehensive", retrievalHandler.Comprehensive)
		})

		r.Post("/chat/completions", chatHandler.Completions)
	})

	// Connect RPC mount. The tenant may arrive in the payload instead of the
	// header, so the guard is optional here.
	rpcService := rpc.NewRetrievalService(logger, deps.Retriever, deps.Auditor)
	procedure, rpcHandler := rpcService.Handler()
	r.Group(func(r chi.Router) {
		r.Use(middleware.OptionalTenant)
		r.Handle("/rpc"+procedure, rpcHandler)
	})

	return r
}
