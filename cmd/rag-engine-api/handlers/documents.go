package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/backpressure"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// maxUploadBytes bounds one multipart document upload.
const maxUploadBytes = 64 << 20

// DocumentHandler serves document intake and lifecycle.
type DocumentHandler struct {
	logger      *observability.Logger
	repos       *storage.Repositories
	store       objectstore.Store
	queue       *jobs.Service
	admission   *backpressure.Service
	retriever   *retrieval.Service
	bucket      string
	deleteBatch int
}

// NewDocumentHandler creates the document handler. retriever may be nil;
// when present its tenant cache is invalidated on deletes.
func NewDocumentHandler(
	logger *observability.Logger,
	repos *storage.Repositories,
	store objectstore.Store,
	queue *jobs.Service,
	admission *backpressure.Service,
	retriever *retrieval.Service,
	bucket string,
) *DocumentHandler {
	return &DocumentHandler{
		logger:      logger,
		repos:       repos,
		store:       store,
		queue:       queue,
		admission:   admission,
		retriever:   retriever,
		bucket:      bucket,
		deleteBatch: 100,
	}
}

// uploadMetadata is the optional "metadata" form field on POST /documents.
type uploadMetadata struct {
	CollectionKey    string                 `json:"collection_key,omitempty"`
	CollectionName   string                 `json:"collection_name,omitempty"`
	TenantID         string                 `json:"tenant_id,omitempty"`
	StrategyOverride string                 `json:"strategy_override,omitempty"`
	Extra            map[string]interface{} `json:"-"`
}

type queueInfo struct {
	Depth                int `json:"depth"`
	MaxPending           int `json:"max_pending"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

type uploadResponse struct {
	Status     string    `json:"status"`
	DocumentID uuid.UUID `json:"document_id"`
	Queue      queueInfo `json:"queue"`
}

// Upload handles POST /documents: admit, persist the blob, create the row,
// and enqueue an ingest_document job. Queue headers ride on every outcome
// that got far enough to take a snapshot.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "multipart form required with a file part",
			map[string]string{"parse_error": err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "file part is required", nil)
		return
	}
	defer file.Close()

	meta, rawMeta, err := parseUploadMetadata(r.FormValue("metadata"))
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "metadata must be a JSON object",
			map[string]string{"parse_error": err.Error()})
		return
	}
	if meta.TenantID != "" {
		if _, err := tenancy.EnforceTenantMatch(ctx, meta.TenantID, "metadata.tenant_id"); err != nil {
			Error(w, r, http.StatusBadRequest, CodeTenantMismatch, err.Error(),
				map[string]string{"location": "metadata.tenant_id"})
			return
		}
	}

	snap, err := h.admission.EnforceLimit(ctx, tenantID)
	writeQueueHeaders(w, snap)
	if err != nil {
		if errors.Is(err, backpressure.ErrSaturated) {
			w.Header().Set("Retry-After", strconv.Itoa(maxInt(snap.EstimatedWaitSeconds, 1)))
			Error(w, r, http.StatusTooManyRequests, CodeIngestionBackpressure,
				fmt.Sprintf("ingestion queue is saturated: %d pending of %d allowed", snap.QueueDepth, snap.MaxPending),
				snap)
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Backpressure snapshot failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "admission check failed", nil)
		return
	}

	if err := h.repos.Tenants.EnsureExists(ctx, tenantID); err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Tenant ensure failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "tenant admission failed", nil)
		return
	}

	var collection *storage.Collection
	collectionKey := ""
	if meta.CollectionKey != "" {
		name := meta.CollectionName
		if name == "" {
			name = meta.CollectionKey
		}
		collection, err = h.repos.Collections.GetOrCreate(ctx, tenantID, meta.CollectionKey, name)
		if err != nil {
			h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Collection resolve failed")
			Error(w, r, http.StatusInternalServerError, CodeInternal, "collection resolve failed", nil)
			return
		}
		if collection.Status == storage.CollectionSealed {
			Error(w, r, http.StatusConflict, CodeCollectionSealed,
				fmt.Sprintf("collection %q is sealed", collection.Key), nil)
			return
		}
		collectionKey = collection.Key
	}

	data, err := io.ReadAll(file)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "could not read uploaded file", nil)
		return
	}

	docID := uuid.New()
	storagePath := objectstore.DocumentKey(tenantID, collectionKey, "", docID.String(), header.Filename)
	if err := h.store.Put(ctx, storagePath, data, header.Header.Get("Content-Type")); err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Object store put failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "upload storage failed", nil)
		return
	}

	doc := &storage.SourceDocument{
		ID:             docID,
		TenantID:       tenantID,
		Filename:       header.Filename,
		StoragePath:    storagePath,
		StorageBucket:  h.bucket,
		Status:         storage.StatusPendingIngestion,
		AuthorityLevel: storage.InferAuthorityLevel(storagePath, meta.Extra),
		Metadata:       rawMeta,
	}
	if collection != nil {
		doc.CollectionID = &collection.ID
	}
	if err := h.repos.Documents.Create(ctx, doc); err != nil {
		_ = h.store.Delete(ctx, storagePath)
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Document create failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "document create failed", nil)
		return
	}

	if _, err := h.queue.EnqueueIngest(ctx, tenantID, jobs.IngestPayload{
		SourceDocumentID: doc.ID,
		StrategyOverride: meta.StrategyOverride,
	}); err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("document_id", doc.ID.String()).
			Msg("Ingest enqueue failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "ingest enqueue failed", nil)
		return
	}
	_ = h.repos.Documents.SetStatus(ctx, tenantID, doc.ID, storage.StatusQueued, nil)

	accepted := h.admission.Accepted(ctx, tenantID, snap)
	writeQueueHeaders(w, accepted)
	JSON(w, http.StatusAccepted, uploadResponse{
		Status:     "accepted",
		DocumentID: doc.ID,
		Queue: queueInfo{
			Depth:                accepted.QueueDepth,
			MaxPending:           accepted.MaxPending,
			EstimatedWaitSeconds: accepted.EstimatedWaitSeconds,
		},
	})
}

// List handles GET /documents with optional status and collection_id query
// filters plus limit/offset paging.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}

	q := r.URL.Query()
	var collectionID *uuid.UUID
	if raw := q.Get("collection_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			Error(w, r, http.StatusBadRequest, CodeFrontendContract, "collection_id must be a UUID", nil)
			return
		}
		collectionID = &id
	}
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	docs, err := h.repos.Documents.List(ctx, tenantID, collectionID, storage.IngestionStatus(q.Get("status")), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Document list failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "document list failed", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"documents": docs, "count": len(docs)})
}

// Status handles GET /documents/{id}/status: the row plus its latest event.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	docID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	doc, err := h.repos.Documents.GetByID(ctx, tenantID, docID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeDocumentNotFound, "document not found", nil)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Document lookup failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "document lookup failed", nil)
		return
	}

	resp := map[string]interface{}{"document": doc}
	if latest, err := h.repos.Events.Latest(ctx, tenantID, docID); err == nil {
		resp["latest_event"] = latest
	}
	JSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /documents/{id}?purge_chunks=: cascades through
// events, provenance, RAPTOR nodes, and chunks when purging.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	docID, ok := pathUUID(w, r, "id")
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

	purge := strings.EqualFold(r.URL.Query().Get("purge_chunks"), "true")
	if purge {
		if err := h.repos.Documents.DeleteCascade(ctx, tenantID, docID, h.deleteBatch); err != nil {
			h.logger.Error().Err(err).Str("tenant_id", tenantID).Str("document_id", docID.String()).
				Msg("Document cascade delete failed")
			Error(w, r, http.StatusInternalServerError, CodeInternal, "document delete failed", nil)
			return
		}
	} else {
		if _, err := h.repos.Chunks.DeleteBySource(ctx, tenantID, docID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn().Err(err).Str("document_id", docID.String()).Msg("Chunk delete during document delete failed")
		}
		if err := h.repos.Documents.DeleteCascade(ctx, tenantID, docID, h.deleteBatch); err != nil {
			Error(w, r, http.StatusInternalServerError, CodeInternal, "document delete failed", nil)
			return
		}
	}
	_ = h.store.Delete(ctx, doc.StoragePath)
	if h.retriever != nil {
		h.retriever.InvalidateTenantCache(ctx, tenantID)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"status":       "deleted",
		"document_id":  docID,
		"purge_chunks": purge,
	})
}

func parseUploadMetadata(raw string) (uploadMetadata, json.RawMessage, error) {
	meta := uploadMetadata{}
	if strings.TrimSpace(raw) == "" {
		return meta, json.RawMessage(`{}`), nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, nil, err
	}
	// Keep the full object for the document row and authority inference.
	if err := json.Unmarshal([]byte(raw), &meta.Extra); err != nil {
		return meta, nil, err
	}
	return meta, json.RawMessage(raw), nil
}

func writeQueueHeaders(w http.ResponseWriter, snap backpressure.Snapshot) {
	w.Header().Set("X-Queue-Depth", strconv.Itoa(snap.QueueDepth))
	w.Header().Set("X-Queue-ETA-Seconds", strconv.Itoa(snap.EstimatedWaitSeconds))
	w.Header().Set("X-Queue-Max-Pending", strconv.Itoa(snap.MaxPending))
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract,
			fmt.Sprintf("%s must be a UUID", param), nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
