// Package retrieval answers tenant-scoped questions over the ingested
// corpus. A request flows through scope validation, an optional query plan,
// the atomic hybrid engine, three-stream fusion, the local gravity reranker,
// and an optional external semantic reranker.
package retrieval

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// Source layers a row can come from.
const (
	LayerHybrid        = "hybrid"
	LayerVector        = "vector"
	LayerGraphGrounded = "graph_grounded"
	LayerGraph         = "graph"
	LayerRaptor        = "raptor"
)

// Source types a row can carry.
const (
	SourceContentChunk     = "content_chunk"
	SourceUngroundedEntity = "knowledge_entity_ungrounded"
	SourceCommunity        = "knowledge_community"
)

// Warning codes attached to traces. Stable tokens; the HTTP layer passes
// them through verbatim.
const (
	WarnChunksFailed       = "RETRIEVAL_CHUNKS_FAILED"
	WarnGraphFailed        = "RETRIEVAL_GRAPH_FAILED"
	WarnRaptorFailed       = "RETRIEVAL_RAPTOR_FAILED"
	WarnHybridDegraded     = "HYBRID_DEGRADED"
	WarnRerankDegraded     = "RERANK_DEGRADED"
	WarnQueryTooShort      = "QUERY_TOO_SHORT"
	WarnTenantRowsDropped  = "TENANT_ROWS_DROPPED"
	WarnSubQueryTimeout    = "SUBQUERY_TIMEOUT"
	WarnSubQueryOutOfScope = "SUBQUERY_OUT_OF_SCOPE"
	WarnSubQueryFailed     = "SUBQUERY_FAILED"
	WarnPlanEarlyExit      = "PLAN_EARLY_EXIT"
)

// Request is a single retrieval question. The tenant comes from the request
// context, never from the body.
type Request struct {
	Query         string                 `json:"query"`
	K             int                    `json:"k,omitempty"`
	CollectionID  *uuid.UUID             `json:"collection_id,omitempty"`
	IncludeGlobal bool                   `json:"include_global,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	AgentRole     string                 `json:"agent_role,omitempty"`
	TaskType      string                 `json:"task_type,omitempty"`
}

// MultiQueryRequest fans one request out over explicit sub-queries fused
// with reciprocal-rank fusion.
type MultiQueryRequest struct {
	Request
	SubQueries []string `json:"sub_queries"`
	RRFK       int      `json:"rrf_k,omitempty"`
}

// ExplainRequest runs a hybrid retrieval and annotates the top results with
// score provenance.
type ExplainRequest struct {
	Request
	TopN int `json:"top_n,omitempty"`
}

// CoverageRequirements names the standards and clause references a
// comprehensive answer is expected to touch.
type CoverageRequirements struct {
	Standards  []string `json:"standards,omitempty"`
	ClauseRefs []string `json:"clause_refs,omitempty"`
}

// ComprehensiveRequest runs expansion-augmented retrieval with a retrieval
// policy and coverage reporting.
type ComprehensiveRequest struct {
	Request
	Coverage *CoverageRequirements `json:"coverage_requirements,omitempty"`
}

// Row is one retrieval candidate. Score is interpreted against the trace's
// score_space; Similarity always keeps the raw vector similarity where one
// exists.
type Row struct {
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
	AuthorityLevel storage.AuthorityLevel `json:"authority_level,omitempty"`
	HeadingPath    []string               `json:"heading_path,omitempty"`
	PageNumber     *int                   `json:"page_number,omitempty"`
	IsGlobal       bool                   `json:"is_global,omitempty"`
	ScopePenalized bool                   `json:"scope_penalized,omitempty"`
	CreatedAt      time.Time              `json:"created_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	eligible bool
}

// rowFromChunk lifts a stored chunk into a pipeline row.
func rowFromChunk(c *storage.ContentChunk, similarity, score float64, layer string) *Row {
	r := &Row{
		ID:             c.ID.String(),
		TenantID:       c.TenantID,
		Content:        c.Content,
		Score:          score,
		Similarity:     similarity,
		SourceLayer:    layer,
		SourceType:     SourceContentChunk,
		SourceID:       c.SourceID.String(),
		CollectionID:   c.CollectionID,
		AuthorityLevel: c.AuthorityLevel,
		HeadingPath:    c.HeadingPath,
		PageNumber:     c.FilePageNumber,
		IsGlobal:       c.IsGlobal,
		CreatedAt:      c.CreatedAt,
		eligible:       c.RetrievalEligible && c.ChunkRole == storage.RoleNormativeBody,
	}
	if c.SourceStandard != nil {
		r.SourceStandard = *c.SourceStandard
	}
	if c.ClauseID != nil {
		r.ClauseID = *c.ClauseID
	}
	if len(c.Metadata) > 0 {
		var md map[string]interface{}
		if err := json.Unmarshal(c.Metadata, &md); err == nil {
			r.Metadata = md
		}
	}
	return r
}

// setMeta writes one metadata key, allocating the map on first use.
func (r *Row) setMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{}, 4)
	}
	r.Metadata[key] = value
}

// identity keys deduplication across streams and branches.
func (r *Row) identity(source string) string {
	if r.ID != "" {
		return r.ID
	}
	content := r.Content
	if len(content) > 120 {
		content = content[:120]
	}
	return fmt.Sprintf("fallback::%s::%s", source, content)
}

// scopeClauseKey canonicalizes a row for multi-query deduplication: rows
// answering the same clause of the same standard merge even when different
// sub-queries surfaced them.
func (r *Row) scopeClauseKey(source string) string {
	if r.SourceStandard != "" && r.ClauseID != "" {
		return fmt.Sprintf("scope_clause::%s::%s",
			strings.ToLower(r.SourceStandard), strings.ToLower(r.ClauseID))
	}
	return r.identity(source)
}

// HybridTrace explains how a hybrid retrieval was executed.
type HybridTrace struct {
	FiltersApplied          []string         `json:"filters_applied"`
	EngineMode              string           `json:"engine_mode"`
	PlannerUsed             bool             `json:"planner_used"`
	PlannerMultihop         bool             `json:"planner_multihop"`
	FallbackUsed            bool             `json:"fallback_used"`
	TimingsMS               map[string]int64 `json:"timings_ms"`
	Warnings                []string         `json:"warnings,omitempty"`
	WarningCodes            []string         `json:"warning_codes,omitempty"`
	ScopePenalizedCount     int              `json:"scope_penalized_count"`
	ScopePenalizedCandidate int              `json:"scope_penalized_candidate"`
	ScopePenalizedRatio     float64          `json:"scope_penalized_ratio"`
	ScoreSpace              string           `json:"score_space"`
	RPCContractStatus       string           `json:"rpc_contract_status"`
	CacheHit                bool             `json:"cache_hit,omitempty"`
	PlanEarlyExit           *EarlyExit       `json:"plan_early_exit,omitempty"`
}

// EarlyExit records a sequential plan aborting on an out-of-scope branch.
type EarlyExit struct {
	Triggered     bool    `json:"triggered"`
	AfterSubQuery string  `json:"after_sub_query,omitempty"`
	Ratio         float64 `json:"ratio,omitempty"`
}

// HybridResult is the outcome of RunHybrid.
type HybridResult struct {
	Items []*Row      `json:"items"`
	Trace HybridTrace `json:"trace"`
}

// Sub-query terminal statuses for multi-query traces.
const (
	SubQueryOK         = "ok"
	SubQueryTimeout    = "timeout"
	SubQueryOutOfScope = "out_of_scope"
	SubQueryFailed     = "failed"
)

// SubQueryStatus reports one multi-query branch.
type SubQueryStatus struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Rows      int    `json:"rows"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// MultiQueryTrace explains a fused multi-query retrieval.
type MultiQueryTrace struct {
	SubQueryCount int              `json:"sub_query_count"`
	FailedCount   int              `json:"failed_count"`
	DroppedCount  int              `json:"dropped_count"`
	RRFK          int              `json:"rrf_k"`
	TimingsMS     map[string]int64 `json:"timings_ms"`
	Warnings      []string         `json:"warnings,omitempty"`
	WarningCodes  []string         `json:"warning_codes,omitempty"`
	ScoreSpace    string           `json:"score_space"`
}

// MultiQueryResult is the outcome of RunMultiQuery.
type MultiQueryResult struct {
	Items      []*Row           `json:"items"`
	SubQueries []SubQueryStatus `json:"sub_queries"`
	Trace      MultiQueryTrace  `json:"trace"`
}

// ScoreComponents breaks a final score into its inputs.
type ScoreComponents struct {
	BaseSimilarity     float64  `json:"base_similarity"`
	JinaRelevanceScore *float64 `json:"jina_relevance_score,omitempty"`
	FinalScore         float64  `json:"final_score"`
	ScopePenalized     bool     `json:"scope_penalized"`
	ScopePenaltyRatio  *float64 `json:"scope_penalty_ratio,omitempty"`
}

// RetrievalPath names where a row came from.
type RetrievalPath struct {
	SourceLayer string `json:"source_layer"`
	SourceType  string `json:"source_type"`
}

// MatchedFilters reports which requested filters a row actually satisfied.
type MatchedFilters struct {
	CollectionIDMatch   bool     `json:"collection_id_match"`
	TimeRangeMatch      bool     `json:"time_range_match"`
	MetadataKeysMatched []string `json:"metadata_keys_matched"`
}

// ExplainedItem decorates one result row with score provenance.
type ExplainedItem struct {
	*Row
	ScoreComponents ScoreComponents `json:"score_components"`
	RetrievalPath   RetrievalPath   `json:"retrieval_path"`
	MatchedFilters  MatchedFilters  `json:"matched_filters"`
}

// ExplainResult is the outcome of RunExplain.
type ExplainResult struct {
	Items []*ExplainedItem `json:"items"`
	Trace HybridTrace      `json:"trace"`
}

// ComprehensiveTrace extends the hybrid trace with expansion and coverage
// reporting.
type ComprehensiveTrace struct {
	HybridTrace
	ExpansionHits          map[string][]string `json:"expansion_hits,omitempty"`
	ExpandedQueries        []string            `json:"expanded_queries"`
	PolicyMinScore         float64             `json:"policy_min_score"`
	PolicyDropped          int                 `json:"policy_dropped"`
	MissingScopesAfter     []string            `json:"missing_scopes_after"`
	MissingClauseRefsAfter []string            `json:"missing_clause_refs_after"`
}

// ComprehensiveResult is the outcome of RunComprehensive.
type ComprehensiveResult struct {
	Items []*Row             `json:"items"`
	Trace ComprehensiveTrace `json:"trace"`
}

// ScopeReport is the outcome of ValidateScope.
type ScopeReport struct {
	Valid           bool                 `json:"valid"`
	NormalizedScope tenancy.ScopeFilters `json:"normalized_scope"`
	Violations      []tenancy.Violation  `json:"violations,omitempty"`
	Warnings        []string             `json:"warnings,omitempty"`
	QueryScope      QueryScope           `json:"query_scope"`
}

// QueryScope is the scope detected in the query text itself.
type QueryScope struct {
	Standards  []string `json:"standards,omitempty"`
	Clauses    []string `json:"clauses,omitempty"`
	ClauseHint string   `json:"clause_hint,omitempty"`
}

// ScopeValidationError carries filter violations out of retrieval entry
// points. The HTTP layer maps it to SCOPE_VALIDATION_FAILED.
type ScopeValidationError struct {
	Violations []tenancy.Violation
}

func (e *ScopeValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("scope validation failed: %s", e.Violations[0].Message)
	}
	return fmt.Sprintf("scope validation failed: %d violations", len(e.Violations))
}

// scopeContext is the effective scope for one engine call: validated request
// filters merged with what the (sub-)query text implies.
type scopeContext struct {
	Standards     []string
	ClauseHint    string
	CollectionID  *uuid.UUID
	IncludeGlobal bool
	Metadata      map[string]interface{}
	TimeRange     *tenancy.TimeRange
	AgentRole     string
	TaskType      string
}

// chunkFilters renders the scope as repository-level filters.
func (s scopeContext) chunkFilters() storage.ChunkFilters {
	f := storage.ChunkFilters{
		ClausePrefix: s.ClauseHint,
		Metadata:     s.Metadata,
	}
	if s.CollectionID != nil {
		f.CollectionIDs = []uuid.UUID{*s.CollectionID}
	}
	for _, std := range s.Standards {
		f.SourceStandards = append(f.SourceStandards, strings.ToLower(std))
	}
	if s.TimeRange != nil {
		f.TimeField = s.TimeRange.Field
		from, to := s.TimeRange.From, s.TimeRange.To
		f.TimeFrom = &from
		f.TimeTo = &to
	}
	return f
}

// withStandard narrows the scope to one standard for a per-standard call.
func (s scopeContext) withStandard(standard string) scopeContext {
	out := s
	out.Standards = []string{standard}
	return out
}

// filtersApplied lists the filter dimensions in effect, for traces.
func (s scopeContext) filtersApplied() []string {
	applied := []string{"tenant"}
	if s.CollectionID != nil {
		applied = append(applied, "collection_id")
	}
	if len(s.Standards) > 0 {
		applied = append(applied, "source_standards")
	}
	if s.ClauseHint != "" {
		applied = append(applied, "clause_hint")
	}
	if len(s.Metadata) > 0 {
		applied = append(applied, "metadata")
	}
	if s.TimeRange != nil {
		applied = append(applied, "time_range")
	}
	if s.IncludeGlobal {
		applied = append(applied, "include_global")
	}
	return applied
}

// inStandards reports whether the row's standard is one of the requested
// standards, case-insensitively.
func inStandards(standard string, requested []string) bool {
	for _, s := range requested {
		if strings.EqualFold(s, standard) {
			return true
		}
	}
	return false
}
