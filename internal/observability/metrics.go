package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job queue metrics
	JobsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_jobs_fetched_total",
			Help: "Jobs leased from the queue by job type",
		},
		[]string{"job_type"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_jobs_finished_total",
			Help: "Jobs finished by job type and terminal status",
		},
		[]string{"job_type", "status"},
	)

	JobsRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_jobs_requeued_total",
			Help: "Jobs returned to pending by job type and reason",
		},
		[]string{"job_type", "reason"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_engine_job_duration_seconds",
			Help:    "Wall time from lease to terminal state",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job_type"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_engine_queue_depth",
			Help: "Pending jobs observed at poll time by job type",
		},
		[]string{"job_type"},
	)

	// Ingestion metrics
	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_documents_ingested_total",
			Help: "Source documents reaching a terminal ingestion status",
		},
		[]string{"status"},
	)

	ChunksPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_engine_chunks_persisted_total",
			Help: "Content chunks written to storage",
		},
	)

	// Enrichment metrics
	EnrichmentSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_enrichment_steps_total",
			Help: "Enrichment sub-steps by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	// Retrieval metrics
	RetrievalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_retrieval_requests_total",
			Help: "Retrieval requests by mode",
		},
		[]string{"mode"},
	)

	RetrievalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_engine_retrieval_latency_seconds",
			Help:    "End-to-end retrieval latency by mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RetrievalStreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_retrieval_stream_failures_total",
			Help: "Fusion streams that failed and were degraded to warnings",
		},
		[]string{"stream"},
	)

	ScopePenalizedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_engine_scope_penalized_rows_total",
			Help: "Result rows whose score was scope-penalized",
		},
	)

	TenantLeakRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_engine_tenant_leak_rows_total",
			Help: "Rows removed by the tenant leak canary",
		},
	)

	// Provider metrics
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_provider_requests_total",
			Help: "Outbound provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_engine_provider_breaker_open",
			Help: "Whether the provider circuit breaker is open (1) or closed (0)",
		},
		[]string{"provider"},
	)

	// Chat metrics
	ChatCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_chat_completions_total",
			Help: "Grounded chat turns by answer mode",
		},
		[]string{"mode"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_engine_api_requests_total",
			Help: "API requests by route and status class",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(JobsFetched)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(ChunksPersisted)
	prometheus.MustRegister(EnrichmentSteps)
	prometheus.MustRegister(RetrievalRequests)
	prometheus.MustRegister(RetrievalLatency)
	prometheus.MustRegister(RetrievalStreamFailures)
	prometheus.MustRegister(ScopePenalizedRows)
	prometheus.MustRegister(TenantLeakRows)
	prometheus.MustRegister(ProviderRequests)
	prometheus.MustRegister(ProviderBreakerOpen)
	prometheus.MustRegister(ChatCompletions)
	prometheus.MustRegister(APIRequestsTotal)
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
