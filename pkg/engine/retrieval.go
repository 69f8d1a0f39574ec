package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// QueryRequest is a single retrieval question. The tenant rides in the
// client, never in the body.
type QueryRequest struct {
	Query         string                 `json:"query"`
	K             int                    `json:"k,omitempty"`
	CollectionID  *uuid.UUID             `json:"collection_id,omitempty"`
	IncludeGlobal bool                   `json:"include_global,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	AgentRole     string                 `json:"agent_role,omitempty"`
	TaskType      string                 `json:"task_type,omitempty"`

	SkipPlanner        bool `json:"skip_planner,omitempty"`
	SkipExternalRerank bool `json:"skip_external_rerank,omitempty"`
}

// Item is one retrieval result row.
type Item struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	Content        string                 `json:"content"`
	Score          float64                `json:"score"`
	Similarity     float64                `json:"similarity,omitempty"`
	RerankScore    *float64               `json:"rerank_score,omitempty"`
	SourceLayer    string                 `json:"source_layer"`
	SourceType     string                 `json:"source_type"`
	SourceID       string                 `json:"source_id,omitempty"`
	CollectionID   *uuid.UUID             `json:"collection_id,omitempty"`
	SourceStandard string                 `json:"source_standard,omitempty"`
	ClauseID       string                 `json:"clause_id,omitempty"`
	AuthorityLevel string                 `json:"authority_level,omitempty"`
	HeadingPath    []string               `json:"heading_path,omitempty"`
	PageNumber     *int                   `json:"page_number,omitempty"`
	IsGlobal       bool                   `json:"is_global,omitempty"`
	ScopePenalized bool                   `json:"scope_penalized,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Trace explains how a retrieval was executed.
type Trace struct {
	FiltersApplied      []string         `json:"filters_applied"`
	EngineMode          string           `json:"engine_mode"`
	PlannerUsed         bool             `json:"planner_used"`
	PlannerMultihop     bool             `json:"planner_multihop"`
	FallbackUsed        bool             `json:"fallback_used"`
	TimingsMS           map[string]int64 `json:"timings_ms"`
	Warnings            []string         `json:"warnings,omitempty"`
	WarningCodes        []string         `json:"warning_codes,omitempty"`
	ScopePenalizedCount int              `json:"scope_penalized_count"`
	ScopePenalizedRatio float64          `json:"scope_penalized_ratio"`
	ScoreSpace          string           `json:"score_space"`
	CacheHit            bool             `json:"cache_hit,omitempty"`
}

// QueryResult is the outcome of a hybrid query.
type QueryResult struct {
	Items []Item `json:"items"`
	Trace Trace  `json:"trace"`
}

// Hybrid runs a single-question hybrid retrieval.
func (c *Client) Hybrid(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	var out QueryResult
	if err := c.postJSON(ctx, "/retrieval/hybrid", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MultiQueryRequest fans one question out over explicit sub-queries fused
// with reciprocal-rank fusion.
type MultiQueryRequest struct {
	QueryRequest
	SubQueries []string `json:"sub_queries"`
	RRFK       int      `json:"rrf_k,omitempty"`
}

// SubQueryStatus reports one multi-query branch.
type SubQueryStatus struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Rows      int    `json:"rows"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// MultiQueryResult is the outcome of a fused multi-query retrieval.
type MultiQueryResult struct {
	Items      []Item           `json:"items"`
	SubQueries []SubQueryStatus `json:"sub_queries"`
	Trace      json.RawMessage  `json:"trace"`
}

// MultiQuery runs a reciprocal-rank-fused retrieval over sub-queries.
func (c *Client) MultiQuery(ctx context.Context, req MultiQueryRequest) (*MultiQueryResult, error) {
	var out MultiQueryResult
	if err := c.postJSON(ctx, "/retrieval/multi-query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScopeViolation is one rejected filter.
type ScopeViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ScopeReport is the outcome of scope validation.
type ScopeReport struct {
	Valid           bool             `json:"valid"`
	NormalizedScope json.RawMessage  `json:"normalized_scope"`
	Violations      []ScopeViolation `json:"violations,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// ValidateScope checks a request's filters without running retrieval.
func (c *Client) ValidateScope(ctx context.Context, req QueryRequest) (*ScopeReport, error) {
	var out ScopeReport
	if err := c.postJSON(ctx, "/retrieval/validate-scope", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExplainRequest annotates the top results with score provenance.
type ExplainRequest struct {
	QueryRequest
	TopN int `json:"top_n,omitempty"`
}

// ExplainedItem decorates one result with score provenance.
type ExplainedItem struct {
	Item
	ScoreComponents json.RawMessage `json:"score_components"`
	RetrievalPath   json.RawMessage `json:"retrieval_path"`
	MatchedFilters  json.RawMessage `json:"matched_filters"`
}

// ExplainResult is the outcome of an explain query.
type ExplainResult struct {
	Items []ExplainedItem `json:"items"`
	Trace Trace           `json:"trace"`
}

// Explain runs a hybrid retrieval with per-item score provenance.
func (c *Client) Explain(ctx context.Context, req ExplainRequest) (*ExplainResult, error) {
	var out ExplainResult
	if err := c.postJSON(ctx, "/retrieval/explain", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CoverageRequirements names the standards and clause references a
// comprehensive answer is expected to touch.
type CoverageRequirements struct {
	Standards  []string `json:"standards,omitempty"`
	ClauseRefs []string `json:"clause_refs,omitempty"`
}

// ComprehensiveRequest runs expansion-augmented retrieval with coverage
// reporting.
type ComprehensiveRequest struct {
	QueryRequest
	Coverage *CoverageRequirements `json:"coverage_requirements,omitempty"`
}

// ComprehensiveResult is the outcome of a comprehensive query.
type ComprehensiveResult struct {
	Items []Item          `json:"items"`
	Trace json.RawMessage `json:"trace"`
}

// Comprehensive runs expansion-augmented retrieval.
func (c *Client) Comprehensive(ctx context.Context, req ComprehensiveRequest) (*ComprehensiveResult, error) {
	var out ComprehensiveResult
	if err := c.postJSON(ctx, "/retrieval/comprehensive", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatMessage is one prior turn replayed to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is one grounded chat turn.
type ChatRequest struct {
	Message       string                 `json:"message"`
	K             int                    `json:"k,omitempty"`
	CollectionID  *uuid.UUID             `json:"collection_id,omitempty"`
	IncludeGlobal bool                   `json:"include_global,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	History       []ChatMessage          `json:"history,omitempty"`
}

// Citation points the answer back at one retrieved chunk.
type Citation struct {
	Index          int      `json:"index"`
	ChunkID        string   `json:"chunk_id"`
	SourceStandard string   `json:"source_standard,omitempty"`
	ClauseID       string   `json:"clause_id,omitempty"`
	HeadingPath    []string `json:"heading_path,omitempty"`
	PageNumber     *int     `json:"page_number,omitempty"`
	Score          float64  `json:"score"`
}

// ChatResponse is the outcome of one grounded chat turn.
type ChatResponse struct {
	InteractionID string     `json:"interaction_id"`
	Answer        string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	Mode          string     `json:"mode"`
	ScopeWarnings []string   `json:"scope_warnings,omitempty"`
}

// ChatComplete answers a question grounded in retrieved context.
func (c *Client) ChatComplete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
