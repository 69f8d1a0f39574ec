package handlers

import (
	"errors"
	"net/http"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// CollectionHandler serves collection lifecycle: list, seal, reopen, and
// cascade delete.
type CollectionHandler struct {
	logger      *observability.Logger
	repos       *storage.Repositories
	retriever   *retrieval.Service
	deleteBatch int
}

// NewCollectionHandler creates the collection handler.
func NewCollectionHandler(logger *observability.Logger, repos *storage.Repositories, retriever *retrieval.Service) *CollectionHandler {
	return &CollectionHandler{logger: logger, repos: repos, retriever: retriever, deleteBatch: 100}
}

// List handles GET /collections.
func (h *CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	collections, err := h.repos.Collections.List(ctx, tenantID)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Collection list failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "collection list failed", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"collections": collections, "count": len(collections)})
}

// Seal handles POST /collections/{id}/seal.
func (h *CollectionHandler) Seal(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, storage.CollectionSealed)
}

// Reopen handles POST /collections/{id}/reopen.
func (h *CollectionHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, storage.CollectionOpen)
}

func (h *CollectionHandler) setStatus(w http.ResponseWriter, r *http.Request, status storage.CollectionStatus) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repos.Collections.SetStatus(ctx, tenantID, id, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			Error(w, r, http.StatusNotFound, CodeCollectionNotFound, "collection not found", nil)
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Collection status update failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "collection update failed", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"collection_id": id, "status": status})
}

// Delete handles DELETE /collections/{id}: cascades provenance, RAPTOR
// nodes, chunks, documents, and batches in slices of 100.
func (h *CollectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.repos.Collections.GetByID(ctx, tenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			Error(w, r, http.StatusNotFound, CodeCollectionNotFound, "collection not found", nil)
			return
		}
		Error(w, r, http.StatusInternalServerError, CodeInternal, "collection lookup failed", nil)
		return
	}

	if err := h.repos.Collections.DeleteCascade(ctx, tenantID, id, h.deleteBatch); err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("collection_id", id.String()).
			Msg("Collection cascade delete failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "collection delete failed", nil)
		return
	}
	if h.retriever != nil {
		h.retriever.InvalidateTenantCache(ctx, tenantID)
	}
	JSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "collection_id": id})
}
