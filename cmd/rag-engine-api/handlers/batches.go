package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/backpressure"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// BatchHandler serves the batch intake lifecycle and its observability
// endpoints.
type BatchHandler struct {
	logger    *observability.Logger
	repos     *storage.Repositories
	store     objectstore.Store
	queue     *jobs.Service
	admission *backpressure.Service
	bucket    string
	pageLimit int
}

// NewBatchHandler creates the batch handler.
func NewBatchHandler(
	logger *observability.Logger,
	repos *storage.Repositories,
	store objectstore.Store,
	queue *jobs.Service,
	admission *backpressure.Service,
	bucket string,
) *BatchHandler {
	return &BatchHandler{
		logger:    logger,
		repos:     repos,
		store:     store,
		queue:     queue,
		admission: admission,
		bucket:    bucket,
		pageLimit: 100,
	}
}

type createBatchRequest struct {
	CollectionKey  string          `json:"collection_key"`
	CollectionName string          `json:"collection_name,omitempty"`
	TotalFiles     int             `json:"total_files,omitempty"`
	AutoSeal       bool            `json:"auto_seal,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Create handles POST /ingestion/batches.
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}

	var req createBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CollectionKey) == "" {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "collection_key is required", nil)
		return
	}
	if req.TotalFiles < 0 {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "total_files must not be negative", nil)
		return
	}

	if err := h.repos.Tenants.EnsureExists(ctx, tenantID); err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "tenant admission failed", nil)
		return
	}
	name := req.CollectionName
	if name == "" {
		name = req.CollectionKey
	}
	collection, err := h.repos.Collections.GetOrCreate(ctx, tenantID, req.CollectionKey, name)
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

	batch := &storage.IngestionBatch{
		TenantID:     tenantID,
		CollectionID: collection.ID,
		TotalFiles:   req.TotalFiles,
		AutoSeal:     req.AutoSeal,
		Metadata:     req.Metadata,
	}
	if err := h.repos.Batches.Create(ctx, batch); err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Batch create failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch create failed", nil)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{"batch": batch})
}

// AddFile handles POST /ingestion/batches/{id}/files: one multipart file per
// call, deduplicated by filename inside the batch, admission-gated like the
// direct upload path.
func (h *BatchHandler) AddFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	batchID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	batch, err := h.repos.Batches.GetByID(ctx, tenantID, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeBatchNotFound, "batch not found", nil)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch lookup failed", nil)
		return
	}
	if batch.Status.IsTerminal() {
		Error(w, r, http.StatusConflict, CodeBatchSealed, "batch is sealed", nil)
		return
	}

	registered, err := h.repos.Documents.ListByBatch(ctx, tenantID, batchID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch documents lookup failed", nil)
		return
	}
	if batch.TotalFiles > 0 && len(registered) >= batch.TotalFiles {
		Error(w, r, http.StatusConflict, CodeBatchFull,
			fmt.Sprintf("batch already holds %d of %d files", len(registered), batch.TotalFiles), nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "multipart form required with a file part", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "file part is required", nil)
		return
	}
	defer file.Close()

	for _, doc := range registered {
		if doc.Filename == header.Filename {
			JSON(w, http.StatusOK, map[string]interface{}{
				"status":      "duplicate",
				"document_id": doc.ID,
				"batch_id":    batchID,
			})
			return
		}
	}

	snap, err := h.admission.EnforceLimit(ctx, tenantID)
	writeQueueHeaders(w, snap)
	if err != nil {
		if errors.Is(err, backpressure.ErrSaturated) {
			Error(w, r, http.StatusTooManyRequests, CodeIngestionBackpressure,
				fmt.Sprintf("ingestion queue is saturated: %d pending of %d allowed", snap.QueueDepth, snap.MaxPending),
				snap)
			return
		}
		Error(w, r, http.StatusInternalServerError, CodeInternal, "admission check failed", nil)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "could not read uploaded file", nil)
		return
	}

	collection, err := h.repos.Collections.GetByID(ctx, tenantID, batch.CollectionID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "collection lookup failed", nil)
		return
	}

	docID := uuid.New()
	storagePath := objectstore.DocumentKey(tenantID, collection.Key, batchID.String(), docID.String(), header.Filename)
	if err := h.store.Put(ctx, storagePath, data, header.Header.Get("Content-Type")); err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "upload storage failed", nil)
		return
	}

	doc := &storage.SourceDocument{
		ID:             docID,
		TenantID:       tenantID,
		CollectionID:   &batch.CollectionID,
		BatchID:        &batchID,
		Filename:       header.Filename,
		StoragePath:    storagePath,
		StorageBucket:  h.bucket,
		AuthorityLevel: storage.InferAuthorityLevel(storagePath, nil),
	}
	if err := h.repos.Documents.Create(ctx, doc); err != nil {
		_ = h.store.Delete(ctx, storagePath)
		if errors.Is(err, storage.ErrCollectionSealed) {
			Error(w, r, http.StatusConflict, CodeCollectionSealed, "collection is sealed", nil)
			return
		}
		Error(w, r, http.StatusInternalServerError, CodeInternal, "document create failed", nil)
		return
	}

	if _, err := h.queue.EnqueueIngest(ctx, tenantID, jobs.IngestPayload{SourceDocumentID: doc.ID}); err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "ingest enqueue failed", nil)
		return
	}
	_ = h.repos.Documents.SetStatus(ctx, tenantID, doc.ID, storage.StatusQueued, nil)

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "accepted",
		"document_id": doc.ID,
		"batch_id":    batchID,
		"queue": queueInfo{
			Depth:                snap.QueueDepth + 1,
			MaxPending:           snap.MaxPending,
			EstimatedWaitSeconds: snap.EstimatedWaitSeconds,
		},
	})
}

// Seal handles POST /ingestion/batches/{id}/seal: fixes total_files at the
// registered count so outcome math can reach a terminal status.
func (h *BatchHandler) Seal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	batchID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	batch, err := h.repos.Batches.Seal(ctx, tenantID, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeBatchNotFound, "batch not found", nil)
		return
	}
	if errors.Is(err, storage.ErrConflict) {
		// Already terminal; sealing is idempotent from the client's view.
		JSON(w, http.StatusOK, map[string]interface{}{"batch": batch, "already_sealed": true})
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch seal failed", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"batch": batch})
}

// Status handles GET /ingestion/batches/{id}/status.
func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	batchID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	batch, err := h.repos.Batches.GetByID(ctx, tenantID, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeBatchNotFound, "batch not found", nil)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch lookup failed", nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"batch": batch})
}

// Progress handles GET /ingestion/batches/{id}/progress: counters plus the
// per-document state list.
func (h *BatchHandler) Progress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	batchID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	snapshot, err := h.progressSnapshot(ctx, tenantID, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		Error(w, r, http.StatusNotFound, CodeBatchNotFound, "batch not found", nil)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch progress failed", nil)
		return
	}
	JSON(w, http.StatusOK, snapshot)
}

// documentProgress is the per-document slice of a progress snapshot.
type documentProgress struct {
	DocumentID uuid.UUID               `json:"document_id"`
	Filename   string                  `json:"filename"`
	Status     storage.IngestionStatus `json:"status"`
	Searchable string                  `json:"searchable_status"`
	RetryCount int                     `json:"retry_count"`
	Error      *string                 `json:"error_message,omitempty"`
}

// progressSnapshot is the SSE snapshot payload and the /progress body.
type progressSnapshot struct {
	Batch     *storage.IngestionBatch `json:"batch"`
	Documents []documentProgress      `json:"documents"`
	Stalled   bool                    `json:"stalled"`
}

func (h *BatchHandler) progressSnapshot(ctx context.Context, tenantID string, batchID uuid.UUID) (*progressSnapshot, error) {
	batch, err := h.repos.Batches.GetByID(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	docs, err := h.repos.Documents.ListByBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	out := &progressSnapshot{Batch: batch, Stalled: batch.Stalled}
	for _, doc := range docs {
		out.Documents = append(out.Documents, documentProgress{
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			Status:     doc.Status,
			Searchable: doc.SearchableStatus,
			RetryCount: doc.RetryCount,
			Error:      doc.ErrorMessage,
		})
	}
	return out, nil
}

// Events handles GET /ingestion/batches/{id}/events with cursor paging. The
// cursor is "{created_at}|{event_id}" from the previous page's last row.
func (h *BatchHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	batchID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var cursor storage.EventCursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err = storage.ParseEventCursor(raw)
		if err != nil {
			Error(w, r, http.StatusBadRequest, CodeFrontendContract, "malformed cursor", nil)
			return
		}
	}
	limit := queryInt(r.URL.Query().Get("limit"), h.pageLimit)

	if _, err := h.repos.Batches.GetByID(ctx, tenantID, batchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			Error(w, r, http.StatusNotFound, CodeBatchNotFound, "batch not found", nil)
			return
		}
		Error(w, r, http.StatusInternalServerError, CodeInternal, "batch lookup failed", nil)
		return
	}

	events, err := h.repos.Events.ListBatchAfter(ctx, tenantID, batchID, cursor, limit)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, CodeInternal, "event page failed", nil)
		return
	}

	resp := map[string]interface{}{"events": events, "count": len(events)}
	if len(events) == limit && limit > 0 {
		last := events[len(events)-1]
		resp["next_cursor"] = storage.EventCursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()
	}
	JSON(w, http.StatusOK, resp)
}
