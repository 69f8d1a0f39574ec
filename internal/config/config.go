// Package config provides unified configuration loading for the RAG Engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the RAG Engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	ObjectStore   ObjectStoreConfig   `yaml:"object_store"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Rerank        RerankConfig        `yaml:"rerank"`
	Chat          ChatConfig          `yaml:"chat"`
	Parser        ParserConfig        `yaml:"parser"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Backpressure  BackpressureConfig  `yaml:"backpressure"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	GracefulShutdown   time.Duration `yaml:"graceful_shutdown"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsDir   string        `yaml:"migrations_dir"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ObjectStoreConfig holds S3-compatible object storage settings.
type ObjectStoreConfig struct {
	Driver         string `yaml:"driver"` // s3 or memory
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"` // optional, for MinIO/localstack
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Dimension    int           `yaml:"dimension"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
	LateChunking bool          `yaml:"late_chunking"`
	CacheResults bool          `yaml:"cache_results"`
}

// RerankConfig holds semantic reranker settings.
type RerankConfig struct {
	Mode          string        `yaml:"mode"` // local, jina, cohere, hybrid
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	MaxCandidates int           `yaml:"max_candidates"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ChatConfig holds chat/LLM provider settings.
type ChatConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ParserConfig holds document parser port settings.
type ParserConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	InsertBatchSize        int    `yaml:"insert_batch_size"`
	MaxCharsPerBlock       int    `yaml:"max_chars_per_block"`
	VisualAsyncEnabled     bool   `yaml:"visual_async_enabled"`
	EnrichmentAsyncEnabled bool   `yaml:"enrichment_async_enabled"`
	GraphBatchSize         int    `yaml:"graph_batch_size"`
	GraphChunkLogEveryN    int    `yaml:"graph_chunk_log_every_n"`
	VisualConcurrency      int    `yaml:"visual_concurrency"`
	RaptorMinChunks        int    `yaml:"raptor_min_chunks"`
	RaptorMaxDepth         int    `yaml:"raptor_max_depth"`
	RaptorStructuralBoot   bool   `yaml:"raptor_structural_bootstrap"`
	DefaultStrategy        string `yaml:"default_strategy"`
}

// JobsConfig holds job queue and worker settings.
type JobsConfig struct {
	LeaseDuration           time.Duration `yaml:"lease_duration"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	GlobalMaxConcurrency    int64         `yaml:"global_max_concurrency"`
	TenantIngestConcurrency int64         `yaml:"tenant_ingest_concurrency"`
	TenantEnrichConcurrency int64         `yaml:"tenant_enrich_concurrency"`
	MaxRetries              int           `yaml:"max_retries"`
	MaxSourceLookupRequeues int           `yaml:"max_source_lookup_requeues"`
}

// RetrievalConfig holds retrieval engine settings.
type RetrievalConfig struct {
	EngineMode         string  `yaml:"engine_mode"` // atomic or hybrid
	UseHybridRPC       bool    `yaml:"use_hybrid_rpc"`
	EnableFTS          bool    `yaml:"enable_fts"`
	EnableGraphHop     bool    `yaml:"enable_graph_hop"`
	MatchThreshold     float64 `yaml:"match_threshold"`
	RRFK               int     `yaml:"rrf_k"`
	VectorWeight       float64 `yaml:"vector_weight"`
	FTSWeight          float64 `yaml:"fts_weight"`
	ClauseVectorWeight float64 `yaml:"clause_vector_weight"`
	ClauseFTSWeight    float64 `yaml:"clause_fts_weight"`
	HNSWEfSearch       int     `yaml:"hnsw_ef_search"`
	DefaultK           int     `yaml:"default_k"`
	PerStandardQuota   int     `yaml:"per_standard_quota"`

	GraphHopMaxHops     int     `yaml:"graph_hop_max_hops"`
	GraphHopDecayFactor float64 `yaml:"graph_hop_decay_factor"`
	GraphHopLimit       int     `yaml:"graph_hop_limit"`

	ScopePenaltyFactor   float64 `yaml:"scope_penalty_factor"`
	ScopeStrictFiltering bool    `yaml:"scope_strict_filtering"`

	PlanMaxBranchExpansions   int     `yaml:"plan_max_branch_expansions"`
	PlanEarlyExitScopePenalty float64 `yaml:"plan_early_exit_scope_penalty"`
	PlanMaxParallel           int64   `yaml:"plan_max_parallel"`

	MultiQueryMaxParallel          int64         `yaml:"multi_query_max_parallel"`
	MultiQuerySubqueryTimeout      time.Duration `yaml:"multi_query_subquery_timeout"`
	MultiQueryDropPenalizedBranch  bool          `yaml:"multi_query_drop_scope_penalized_branches"`
	MultiQueryPenaltyDropThreshold float64       `yaml:"multi_query_scope_penalty_drop_threshold"`

	PolicyMinScore float64       `yaml:"policy_min_score"`
	CacheResults   bool          `yaml:"cache_results"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// BackpressureConfig holds intake admission settings.
type BackpressureConfig struct {
	MaxPending           int           `yaml:"max_pending"`
	PerDocumentEstimate  time.Duration `yaml:"per_document_estimate"`
	ThroughputWindowSize int           `yaml:"throughput_window_size"`
}

// StreamingConfig holds SSE streaming settings.
type StreamingConfig struct {
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	StallThreshold  time.Duration `yaml:"stall_threshold"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
	AuditTable  bool   `yaml:"audit_table"`
}

// AuthConfig holds service authentication settings.
type AuthConfig struct {
	ServiceSecret string `yaml:"service_secret"`
}

// RuntimeConfig holds deployment signals.
type RuntimeConfig struct {
	AppEnv          string `yaml:"app_env"`
	Environment     string `yaml:"environment"`
	RunningInDocker bool   `yaml:"running_in_docker"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       60 * time.Second,
			IdleTimeout:        120 * time.Second,
			RequestTimeout:     60 * time.Second,
			GracefulShutdown:   10 * time.Second,
			CORSAllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsDir:   "internal/storage/migrations",
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		ObjectStore: ObjectStoreConfig{
			Driver: "memory",
			Bucket: "rag-documents",
			Region: "us-east-1",
		},
		Embedding: EmbeddingConfig{
			BaseURL:      "https://api.openai.com/v1",
			Model:        "text-embedding-3-small",
			Dimension:    1536,
			BatchSize:    64,
			Timeout:      30 * time.Second,
			LateChunking: true,
			CacheResults: true,
		},
		Rerank: RerankConfig{
			Mode:          "local",
			BaseURL:       "https://api.jina.ai/v1",
			Model:         "jina-reranker-v2-base-multilingual",
			MaxCandidates: 150,
			Timeout:       20 * time.Second,
		},
		Chat: ChatConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
		},
		Parser: ParserConfig{
			BaseURL: "http://localhost:8070",
			Timeout: 120 * time.Second,
		},
		Ingestion: IngestionConfig{
			InsertBatchSize:        100,
			MaxCharsPerBlock:       30000,
			VisualAsyncEnabled:     true,
			EnrichmentAsyncEnabled: true,
			GraphBatchSize:         4,
			GraphChunkLogEveryN:    25,
			VisualConcurrency:      3,
			RaptorMinChunks:        5,
			RaptorMaxDepth:         3,
			RaptorStructuralBoot:   false,
			DefaultStrategy:        "CONTENT",
		},
		Jobs: JobsConfig{
			LeaseDuration:           60 * time.Second,
			PollInterval:            2 * time.Second,
			GlobalMaxConcurrency:    8,
			TenantIngestConcurrency: 1,
			TenantEnrichConcurrency: 2,
			MaxRetries:              3,
			MaxSourceLookupRequeues: 2,
		},
		Retrieval: RetrievalConfig{
			EngineMode:         "atomic",
			UseHybridRPC:       true,
			EnableFTS:          true,
			EnableGraphHop:     true,
			MatchThreshold:     0.25,
			RRFK:               60,
			VectorWeight:       1.0,
			FTSWeight:          1.0,
			ClauseVectorWeight: 0.6,
			ClauseFTSWeight:    1.4,
			HNSWEfSearch:       80,
			DefaultK:           6,
			PerStandardQuota:   20,

			GraphHopMaxHops:     2,
			GraphHopDecayFactor: 0.7,
			GraphHopLimit:       10,

			ScopePenaltyFactor:   0.75,
			ScopeStrictFiltering: false,

			PlanMaxBranchExpansions:   2,
			PlanEarlyExitScopePenalty: 0.8,
			PlanMaxParallel:           4,

			MultiQueryMaxParallel:          4,
			MultiQuerySubqueryTimeout:      8 * time.Second,
			MultiQueryDropPenalizedBranch:  true,
			MultiQueryPenaltyDropThreshold: 0.95,

			PolicyMinScore: 0.05,
			CacheResults:   false,
			CacheTTL:       2 * time.Minute,
		},
		Backpressure: BackpressureConfig{
			MaxPending:           100,
			PerDocumentEstimate:  45 * time.Second,
			ThroughputWindowSize: 20,
		},
		Streaming: StreamingConfig{
			MinPollInterval: 500 * time.Millisecond,
			MaxPollInterval: 15 * time.Second,
			Heartbeat:       15 * time.Second,
			SessionTimeout:  1800 * time.Second,
			StallThreshold:  180 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "rag-engine",
			AuditTable:  false,
		},
		Auth:    AuthConfig{},
		Runtime: RuntimeConfig{AppEnv: "development"},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.ObjectStore.Driver != "memory" && c.ObjectStore.Driver != "s3" {
		return fmt.Errorf("invalid object store driver: %s", c.ObjectStore.Driver)
	}

	switch c.Retrieval.EngineMode {
	case "atomic", "hybrid":
	default:
		return fmt.Errorf("invalid retrieval engine mode: %s", c.Retrieval.EngineMode)
	}

	switch c.Rerank.Mode {
	case "local", "jina", "cohere", "hybrid":
	default:
		return fmt.Errorf("invalid rerank mode: %s", c.Rerank.Mode)
	}

	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	if c.Jobs.LeaseDuration < time.Second {
		return fmt.Errorf("job lease duration too short: %s", c.Jobs.LeaseDuration)
	}

	if c.Retrieval.ScopePenaltyFactor < 0 || c.Retrieval.ScopePenaltyFactor > 1 {
		return fmt.Errorf("scope penalty factor must be in [0,1]")
	}

	if c.IsDeployed() && c.Auth.ServiceSecret == "" {
		return fmt.Errorf("RAG_SERVICE_SECRET is required in deployed environments")
	}

	return nil
}

// IsDeployed reports whether a deployment signal is present. Auth bypass is
// permitted only when this is false.
func (c *Config) IsDeployed() bool {
	switch strings.ToLower(c.Runtime.AppEnv) {
	case "production", "staging":
		return true
	}
	switch strings.ToLower(c.Runtime.Environment) {
	case "production", "staging":
		return true
	}
	return c.Runtime.RunningInDocker
}

// AuthRequired reports whether service-secret auth must be enforced.
func (c *Config) AuthRequired() bool {
	if c.IsDeployed() {
		return true
	}
	return c.Auth.ServiceSecret != ""
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		cfg.Server.Port = v
	}
	if v := os.Getenv("RAG_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = splitCSV(v)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("RAG_STORAGE_BUCKET"); v != "" {
		cfg.ObjectStore.Driver = "s3"
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("RAG_STORAGE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
		cfg.ObjectStore.ForcePathStyle = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.ObjectStore.Region = v
	}

	if v := os.Getenv("RAG_SERVICE_SECRET"); v != "" {
		cfg.Auth.ServiceSecret = v
	}

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Runtime.AppEnv = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Runtime.Environment = v
	}
	if v, ok := envBool("RUNNING_IN_DOCKER"); ok {
		cfg.Runtime.RunningInDocker = v
	}

	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v, ok := envInt("EMBEDDING_DIMENSION"); ok {
		cfg.Embedding.Dimension = v
	}

	if v := os.Getenv("CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("PARSER_BASE_URL"); v != "" {
		cfg.Parser.BaseURL = v
	}

	if v := os.Getenv("RETRIEVAL_ENGINE_MODE"); v != "" {
		cfg.Retrieval.EngineMode = v
	}
	if v, ok := envBool("ATOMIC_USE_HYBRID_RPC"); ok {
		cfg.Retrieval.UseHybridRPC = v
	}
	if v, ok := envBool("ATOMIC_ENABLE_FTS"); ok {
		cfg.Retrieval.EnableFTS = v
	}
	if v, ok := envBool("ATOMIC_ENABLE_GRAPH_HOP"); ok {
		cfg.Retrieval.EnableGraphHop = v
	}
	if v, ok := envFloat("ATOMIC_MATCH_THRESHOLD"); ok {
		cfg.Retrieval.MatchThreshold = v
	}
	if v, ok := envInt("ATOMIC_RRF_K"); ok {
		cfg.Retrieval.RRFK = v
	}
	if v, ok := envFloat("ATOMIC_RRF_VECTOR_WEIGHT"); ok {
		cfg.Retrieval.VectorWeight = v
	}
	if v, ok := envFloat("ATOMIC_RRF_FTS_WEIGHT"); ok {
		cfg.Retrieval.FTSWeight = v
	}
	if v, ok := envInt("ATOMIC_HNSW_EF_SEARCH"); ok {
		cfg.Retrieval.HNSWEfSearch = v
	}

	if v := os.Getenv("RERANK_MODE"); v != "" {
		cfg.Rerank.Mode = v
	}
	if v := os.Getenv("RERANK_API_KEY"); v != "" {
		cfg.Rerank.APIKey = v
	}
	if v, ok := envInt("RERANK_MAX_CANDIDATES"); ok {
		cfg.Rerank.MaxCandidates = v
	}

	if v, ok := envInt("RETRIEVAL_PLAN_MAX_BRANCH_EXPANSIONS"); ok {
		cfg.Retrieval.PlanMaxBranchExpansions = v
	}
	if v, ok := envFloat("RETRIEVAL_PLAN_EARLY_EXIT_SCOPE_PENALTY"); ok {
		cfg.Retrieval.PlanEarlyExitScopePenalty = v
	}

	if v, ok := envInt("RETRIEVAL_MULTI_QUERY_MAX_PARALLEL"); ok {
		cfg.Retrieval.MultiQueryMaxParallel = int64(v)
	}
	if v, ok := envInt("RETRIEVAL_MULTI_QUERY_SUBQUERY_TIMEOUT_MS"); ok {
		cfg.Retrieval.MultiQuerySubqueryTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envBool("RETRIEVAL_MULTI_QUERY_DROP_SCOPE_PENALIZED_BRANCHES"); ok {
		cfg.Retrieval.MultiQueryDropPenalizedBranch = v
	}
	if v, ok := envFloat("RETRIEVAL_MULTI_QUERY_SCOPE_PENALTY_DROP_THRESHOLD"); ok {
		cfg.Retrieval.MultiQueryPenaltyDropThreshold = v
	}

	if v, ok := envBool("SCOPE_STRICT_FILTERING"); ok {
		cfg.Retrieval.ScopeStrictFiltering = v
	}

	if v, ok := envBool("INGESTION_VISUAL_ASYNC_ENABLED"); ok {
		cfg.Ingestion.VisualAsyncEnabled = v
	}
	if v, ok := envBool("INGESTION_ENRICHMENT_ASYNC_ENABLED"); ok {
		cfg.Ingestion.EnrichmentAsyncEnabled = v
	}
	if v, ok := envInt("INGESTION_GRAPH_BATCH_SIZE"); ok {
		cfg.Ingestion.GraphBatchSize = v
	}
	if v, ok := envInt("INGESTION_GRAPH_CHUNK_LOG_EVERY_N"); ok {
		cfg.Ingestion.GraphChunkLogEveryN = v
	}
	if v, ok := envInt("CONTENT_CHUNKS_INSERT_BATCH_SIZE"); ok {
		cfg.Ingestion.InsertBatchSize = v
	}

	if v, ok := envInt("INGESTION_MAX_PENDING"); ok {
		cfg.Backpressure.MaxPending = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return strings.EqualFold(v, "yes") || v == "1", true
	}
	return b, true
}
