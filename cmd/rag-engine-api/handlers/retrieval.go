package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/monitoring"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// RetrievalHandler serves the retrieval surface: scope validation, hybrid,
// multi-query, explain, and comprehensive.
type RetrievalHandler struct {
	logger  *observability.Logger
	service *retrieval.Service
	auditor *monitoring.RetrievalAuditor
}

// NewRetrievalHandler creates the retrieval handler. auditor may be nil.
func NewRetrievalHandler(logger *observability.Logger, service *retrieval.Service, auditor *monitoring.RetrievalAuditor) *RetrievalHandler {
	return &RetrievalHandler{logger: logger, service: service, auditor: auditor}
}

type hybridRequest struct {
	retrieval.Request
	SkipPlanner        bool `json:"skip_planner,omitempty"`
	SkipExternalRerank bool `json:"skip_external_rerank,omitempty"`
}

// ValidateScope handles POST /retrieval/validate-scope.
func (h *RetrievalHandler) ValidateScope(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := tenancy.RequireTenant(ctx); err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	var req retrieval.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	JSON(w, http.StatusOK, h.service.ValidateScope(req))
}

// Hybrid handles POST /retrieval/hybrid.
func (h *RetrievalHandler) Hybrid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	var req hybridRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.RunHybrid(ctx, req.Request, req.SkipPlanner, req.SkipExternalRerank)
	if h.handleErr(w, r, err, "hybrid retrieval failed") {
		return
	}

	h.audit(ctx, monitoring.AuditEntry{
		TenantID:            tenantID,
		RequestID:           RequestID(r),
		Mode:                "hybrid",
		Query:               req.Query,
		K:                   req.K,
		Filters:             req.Filters,
		ResultCount:         len(result.Items),
		ScopePenalizedCount: result.Trace.ScopePenalizedCount,
		WarningCodes:        result.Trace.WarningCodes,
		TimingsMS:           result.Trace.TimingsMS,
	})
	JSON(w, http.StatusOK, result)
}

// MultiQuery handles POST /retrieval/multi-query.
func (h *RetrievalHandler) MultiQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	var req retrieval.MultiQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.RunMultiQuery(ctx, req)
	if h.handleErr(w, r, err, "multi-query retrieval failed") {
		return
	}

	h.audit(ctx, monitoring.AuditEntry{
		TenantID:            tenantID,
		RequestID:           RequestID(r),
		Mode:                "multi_query",
		Query:               req.Query,
		K:                   req.K,
		Filters:             req.Filters,
		ResultCount:         len(result.Items),
		WarningCodes:        result.Trace.WarningCodes,
		TimingsMS:           result.Trace.TimingsMS,
	})
	JSON(w, http.StatusOK, result)
}

// Explain handles POST /retrieval/explain.
func (h *RetrievalHandler) Explain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	var req retrieval.ExplainRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.RunExplain(ctx, req)
	if h.handleErr(w, r, err, "explain retrieval failed") {
		return
	}

	h.audit(ctx, monitoring.AuditEntry{
		TenantID:            tenantID,
		RequestID:           RequestID(r),
		Mode:                "explain",
		Query:               req.Query,
		K:                   req.K,
		Filters:             req.Filters,
		ResultCount:         len(result.Items),
		ScopePenalizedCount: result.Trace.ScopePenalizedCount,
		WarningCodes:        result.Trace.WarningCodes,
		TimingsMS:           result.Trace.TimingsMS,
	})
	JSON(w, http.StatusOK, result)
}

// Comprehensive handles POST /retrieval/comprehensive.
func (h *RetrievalHandler) Comprehensive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	var req retrieval.ComprehensiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.RunComprehensive(ctx, req)
	if h.handleErr(w, r, err, "comprehensive retrieval failed") {
		return
	}

	h.audit(ctx, monitoring.AuditEntry{
		TenantID:            tenantID,
		RequestID:           RequestID(r),
		Mode:                "comprehensive",
		Query:               req.Query,
		K:                   req.K,
		Filters:             req.Filters,
		ResultCount:         len(result.Items),
		ScopePenalizedCount: result.Trace.ScopePenalizedCount,
		WarningCodes:        result.Trace.WarningCodes,
		TimingsMS:           result.Trace.TimingsMS,
	})
	JSON(w, http.StatusOK, result)
}

// handleErr maps retrieval errors onto the envelope. Returns true when the
// response has been written.
func (h *RetrievalHandler) handleErr(w http.ResponseWriter, r *http.Request, err error, msg string) bool {
	if err == nil {
		return false
	}
	var scopeErr *retrieval.ScopeValidationError
	if errors.As(err, &scopeErr) {
		Error(w, r, http.StatusBadRequest, CodeScopeValidationFailed, scopeErr.Error(), map[string]interface{}{
			"violations": scopeErr.Violations,
		})
		return true
	}
	h.logger.Error().Err(err).Str("request_id", RequestID(r)).Msg(msg)
	Error(w, r, http.StatusInternalServerError, CodeInternal, msg, nil)
	return true
}

func (h *RetrievalHandler) audit(ctx context.Context, entry monitoring.AuditEntry) {
	if h.auditor != nil {
		h.auditor.Record(ctx, entry)
	}
}
