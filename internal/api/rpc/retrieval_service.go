// Package rpc exposes hybrid retrieval over Connect for service-to-service
// callers that want a typed unary call instead of the REST surface. Wire
// messages are plain JSON structs, so the handler and its clients swap the
// Connect runtime's default proto codec for encoding/json.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/monitoring"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// Procedure is the Connect route for the unary Query call. The HTTP server
// mounts the handler under /rpc, giving the full path /rpc + Procedure.
const Procedure = "/rag.v1.RetrievalService/Query"

// RetrievalService implements the retrieval RPC service.
type RetrievalService struct {
	logger    *observability.Logger
	retriever *retrieval.Service
	auditor   *monitoring.RetrievalAuditor
}

// NewRetrievalService creates a new retrieval RPC service.
func NewRetrievalService(logger *observability.Logger, retriever *retrieval.Service, auditor *monitoring.RetrievalAuditor) *RetrievalService {
	return &RetrievalService{
		logger:    logger,
		retriever: retriever,
		auditor:   auditor,
	}
}

// QueryRequest is the wire form of a hybrid retrieval call.
type QueryRequest struct {
	TenantID      string                 `json:"tenant_id"`
	Query         string                 `json:"query"`
	K             int                    `json:"k,omitempty"`
	CollectionID  string                 `json:"collection_id,omitempty"`
	IncludeGlobal bool                   `json:"include_global,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	AgentRole     string                 `json:"agent_role,omitempty"`
	TaskType      string                 `json:"task_type,omitempty"`
	SkipPlanner   bool                   `json:"skip_planner,omitempty"`
	SkipRerank    bool                   `json:"skip_rerank,omitempty"`
}

// Item is one scored retrieval candidate on the wire.
type Item struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	Score          float64                `json:"score"`
	Similarity     float64                `json:"similarity,omitempty"`
	RerankScore    *float64               `json:"rerank_score,omitempty"`
	SourceLayer    string                 `json:"source_layer"`
	SourceType     string                 `json:"source_type"`
	SourceID       string                 `json:"source_id,omitempty"`
	CollectionID   string                 `json:"collection_id,omitempty"`
	SourceStandard string                 `json:"source_standard,omitempty"`
	ClauseID       string                 `json:"clause_id,omitempty"`
	AuthorityLevel string                 `json:"authority_level,omitempty"`
	HeadingPath    []string               `json:"heading_path,omitempty"`
	PageNumber     *int                   `json:"page_number,omitempty"`
	IsGlobal       bool                   `json:"is_global,omitempty"`
	ScopePenalized bool                   `json:"scope_penalized,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Trace summarizes how the retrieval was executed.
type Trace struct {
	EngineMode          string           `json:"engine_mode"`
	PlannerUsed         bool             `json:"planner_used"`
	FallbackUsed        bool             `json:"fallback_used"`
	FiltersApplied      []string         `json:"filters_applied"`
	TimingsMS           map[string]int64 `json:"timings_ms"`
	Warnings            []string         `json:"warnings,omitempty"`
	WarningCodes        []string         `json:"warning_codes,omitempty"`
	ScopePenalizedCount int              `json:"scope_penalized_count"`
	ScopePenalizedRatio float64          `json:"scope_penalized_ratio"`
	ScoreSpace          string           `json:"score_space"`
	CacheHit            bool             `json:"cache_hit,omitempty"`
}

// QueryResponse carries scored rows plus the execution trace.
type QueryResponse struct {
	TenantID string  `json:"tenant_id"`
	Items    []*Item `json:"items"`
	Trace    *Trace  `json:"trace,omitempty"`
	TookMS   int64   `json:"took_ms"`
}

// Query executes a tenant-scoped hybrid retrieval for an RPC caller. The
// tenant comes from the request context when the HTTP middleware resolved
// one; otherwise the message's tenant_id is required and any context tenant
// must agree with it.
func (s *RetrievalService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
	started := time.Now()
	msg := req.Msg

	if strings.TrimSpace(msg.Query) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}

	tenantID, ok := tenancy.FromContext(ctx)
	if ok {
		matched, err := tenancy.EnforceTenantMatch(ctx, msg.TenantID, "tenant_id")
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		tenantID = matched
	} else {
		tenantID = strings.TrimSpace(msg.TenantID)
		if tenantID == "" {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("tenant_id is required"))
		}
		ctx = tenancy.WithTenant(ctx, tenantID)
	}

	// Collection ids are parsed leniently: a malformed id is ignored rather
	// than rejected, matching the REST surface.
	var collectionID *uuid.UUID
	if msg.CollectionID != "" {
		if id, err := uuid.Parse(msg.CollectionID); err == nil {
			collectionID = &id
		}
	}

	rreq := retrieval.Request{
		Query:         msg.Query,
		K:             msg.K,
		CollectionID:  collectionID,
		IncludeGlobal: msg.IncludeGlobal,
		Filters:       msg.Filters,
		AgentRole:     msg.AgentRole,
		TaskType:      msg.TaskType,
	}

	result, err := s.retriever.RunHybrid(ctx, rreq, msg.SkipPlanner, msg.SkipRerank)
	if err != nil {
		var scopeErr *retrieval.ScopeValidationError
		if errors.As(err, &scopeErr) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("RPC retrieval failed")
		return nil, connect.NewError(connect.CodeInternal, errors.New("retrieval failed"))
	}

	if s.auditor != nil {
		requestID := observability.RequestIDFromContext(ctx)
		if requestID == "" {
			requestID = req.Header().Get("X-Request-Id")
		}
		s.auditor.Record(ctx, monitoring.AuditEntry{
			TenantID:            tenantID,
			RequestID:           requestID,
			Mode:                "rpc_hybrid",
			Query:               msg.Query,
			K:                   msg.K,
			Filters:             msg.Filters,
			ResultCount:         len(result.Items),
			ScopePenalizedCount: result.Trace.ScopePenalizedCount,
			WarningCodes:        result.Trace.WarningCodes,
			TimingsMS:           result.Trace.TimingsMS,
		})
	}

	resp := toWireResponse(tenantID, result)
	resp.TookMS = time.Since(started).Milliseconds()
	return connect.NewResponse(resp), nil
}

// Handler returns the procedure path and the http.Handler to mount it at.
func (s *RetrievalService) Handler() (string, http.Handler) {
	return Procedure, connect.NewUnaryHandler(Procedure, s.Query, connect.WithCodec(Codec{}))
}

// toWireResponse converts a retrieval result to the wire format.
func toWireResponse(tenantID string, result *retrieval.HybridResult) *QueryResponse {
	items := make([]*Item, 0, len(result.Items))
	for _, row := range result.Items {
		item := &Item{
			ID:             row.ID,
			Content:        row.Content,
			Score:          row.Score,
			Similarity:     row.Similarity,
			RerankScore:    row.RerankScore,
			SourceLayer:    row.SourceLayer,
			SourceType:     row.SourceType,
			SourceID:       row.SourceID,
			SourceStandard: row.SourceStandard,
			ClauseID:       row.ClauseID,
			AuthorityLevel: string(row.AuthorityLevel),
			HeadingPath:    row.HeadingPath,
			PageNumber:     row.PageNumber,
			IsGlobal:       row.IsGlobal,
			ScopePenalized: row.ScopePenalized,
			Metadata:       row.Metadata,
		}
		if row.CollectionID != nil {
			item.CollectionID = row.CollectionID.String()
		}
		items = append(items, item)
	}

	trace := result.Trace
	return &QueryResponse{
		TenantID: tenantID,
		Items:    items,
		Trace: &Trace{
			EngineMode:          trace.EngineMode,
			PlannerUsed:         trace.PlannerUsed,
			FallbackUsed:        trace.FallbackUsed,
			FiltersApplied:      trace.FiltersApplied,
			TimingsMS:           trace.TimingsMS,
			Warnings:            trace.Warnings,
			WarningCodes:        trace.WarningCodes,
			ScopePenalizedCount: trace.ScopePenalizedCount,
			ScopePenalizedRatio: trace.ScopePenalizedRatio,
			ScoreSpace:          trace.ScoreSpace,
			CacheHit:            trace.CacheHit,
		},
	}
}

// Codec marshals wire messages with encoding/json. The Connect runtime
// defaults to protobuf codecs, which reject plain Go structs; registering
// this codec under the "json" name lets JSON clients call the service
// without generated code. Clients pass the same codec via connect.WithCodec.
type Codec struct{}

// Name identifies the codec in content-type negotiation.
func (Codec) Name() string { return "json" }

// Marshal encodes a wire message.
func (Codec) Marshal(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

// Unmarshal decodes a wire message.
func (Codec) Unmarshal(data []byte, message interface{}) error {
	return json.Unmarshal(data, message)
}
