package handlers

import (
	"errors"
	"net/http"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// IngestionHandler serves forced retry and deferred enrichment enqueues.
type IngestionHandler struct {
	logger *observability.Logger
	repos  *storage.Repositories
	queue  *jobs.Service
}

// NewIngestionHandler creates the ingestion control handler.
func NewIngestionHandler(logger *observability.Logger, repos *storage.Repositories, queue *jobs.Service) *IngestionHandler {
	return &IngestionHandler{logger: logger, repos: repos, queue: queue}
}

// Retry handles POST /ingestion/retry/{doc_id}: requeues ingestion for a
// document regardless of its failure state. Deduplicated against jobs
// already pending or processing for the same document.
func (h *IngestionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	docID, ok := pathUUID(w, r, "doc_id")
	if !ok {
		return
	}

	doc, err := h.repos.Documents.GetByID(ctx, tenantID, docID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeDocumentNotFound, "document not found", nil)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "document lookup failed", nil)
		return
	}

	active, err := h.queue.HasActiveIngest(ctx, docID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "job lookup failed", nil)
		return
	}
	if active {
		JSON(w, http.StatusOK, map[string]interface{}{
			"document_id":    docID,
			"already_queued": true,
		})
		return
	}

	job, err := h.queue.EnqueueIngest(ctx, tenantID, jobs.IngestPayload{SourceDocumentID: docID})
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("document_id", docID.String()).
			Msg("Retry enqueue failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "retry enqueue failed", nil)
		return
	}
	_ = h.repos.Documents.SetStatus(ctx, tenantID, doc.ID, storage.StatusQueued, nil)

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"document_id": docID,
		"job_id":      job.ID,
		"status":      "queued",
	})
}

// Job handles GET /jobs/{id}: one queue row plus its position among
// pending jobs of the same type.
func (h *IngestionHandler) Job(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	jobID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.queue.Get(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeJobNotFound, "job not found", nil)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "job lookup failed", nil)
		return
	}
	if job.TenantID == nil || *job.TenantID != tenantID {
		// Job ids are global; a foreign tenant's job is indistinguishable
		// from a missing one.
		Error(w, r, http.StatusNotFound, CodeJobNotFound, "job not found", nil)
		return
	}

	position, err := h.queue.Position(ctx, jobID)
	if err != nil {
		position = -1
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"job":      job,
		"position": position,
	})
}

type enrichRequest struct {
	Visual bool `json:"visual"`
	Graph  bool `json:"graph"`
	Raptor bool `json:"raptor"`
}

// Enrich handles POST /ingestion/enrich/{doc_id}: enqueues a deferred
// enrichment job. Dedup-by-pending: a job already pending or processing for
// the same document short-circuits with already_queued=true.
func (h *IngestionHandler) Enrich(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	docID, ok := pathUUID(w, r, "doc_id")
	if !ok {
		return
	}

	// All sub-steps default on when the body is absent.
	req := enrichRequest{Visual: true, Graph: true, Raptor: true}
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if _, err := h.repos.Documents.GetByID(ctx, tenantID, docID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			Error(w, r, http.StatusNotFound, CodeDocumentNotFound, "document not found", nil)
			return
		}
		Error(w, r, http.StatusInternalServerError, CodeInternal, "document lookup failed", nil)
		return
	}

	active, err := h.queue.HasActiveEnrich(ctx, docID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "job lookup failed", nil)
		return
	}
	if active {
		JSON(w, http.StatusOK, map[string]interface{}{
			"document_id":    docID,
			"already_queued": true,
		})
		return
	}

	job, err := h.queue.EnqueueEnrich(ctx, tenantID, jobs.EnrichPayload{
		SourceDocumentID: docID,
		Visual:           req.Visual,
		Graph:            req.Graph,
		Raptor:           req.Raptor,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("document_id", docID.String()).
			Msg("Enrich enqueue failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "enrich enqueue failed", nil)
		return
	}

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"document_id": docID,
		"job_id":      job.ID,
		"status":      "queued",
	})
}
