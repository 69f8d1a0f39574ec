package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// UploadMetadata describes the document being queued.
type UploadMetadata struct {
	CollectionKey    string                 `json:"collection_key,omitempty"`
	CollectionName   string                 `json:"collection_name,omitempty"`
	StrategyOverride string                 `json:"strategy_override,omitempty"`
	Extra            map[string]interface{} `json:"-"`
}

// UploadRequest queues one document for ingestion.
type UploadRequest struct {
	Filename string
	Content  io.Reader
	Metadata UploadMetadata
	// IdempotencyKey makes the upload safely retryable; replays return the
	// original response with Replayed set.
	IdempotencyKey string
}

// QueueInfo reports the tenant's ingestion queue after admission.
type QueueInfo struct {
	Depth                int `json:"depth"`
	MaxPending           int `json:"max_pending"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

// UploadResponse is the accepted-upload acknowledgement.
type UploadResponse struct {
	Status     string    `json:"status"`
	DocumentID uuid.UUID `json:"document_id"`
	Queue      QueueInfo `json:"queue"`
	// Replayed reports that the server returned a stored idempotent response.
	Replayed bool `json:"-"`
}

// UploadDocument queues a document for asynchronous ingestion.
func (c *Client) UploadDocument(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	if req.Filename == "" || req.Content == nil {
		return nil, fmt.Errorf("engine: filename and content are required")
	}

	metaFields := map[string]interface{}{}
	for k, v := range req.Metadata.Extra {
		metaFields[k] = v
	}
	if req.Metadata.CollectionKey != "" {
		metaFields["collection_key"] = req.Metadata.CollectionKey
	}
	if req.Metadata.CollectionName != "" {
		metaFields["collection_name"] = req.Metadata.CollectionName
	}
	if req.Metadata.StrategyOverride != "" {
		metaFields["strategy_override"] = req.Metadata.StrategyOverride
	}
	metaJSON, err := json.Marshal(metaFields)
	if err != nil {
		return nil, fmt.Errorf("engine: encode metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("engine: build multipart body: %w", err)
	}
	if _, err := io.Copy(part, req.Content); err != nil {
		return nil, fmt.Errorf("engine: read content: %w", err)
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("engine: build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("engine: build multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents", &buf)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	httpReq.Header.Set("X-Tenant-ID", c.tenantID)
	if c.serviceSecret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceSecret)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine: upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("engine: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
			return nil, &APIError{Status: resp.StatusCode, Code: "UNEXPECTED_RESPONSE", Message: string(body)}
		}
		apiErr := envelope.Error
		apiErr.Status = resp.StatusCode
		return nil, &apiErr
	}

	var out UploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("engine: decode response: %w", err)
	}
	out.Replayed = resp.Header.Get("X-Idempotency-Replayed") == "true"
	return &out, nil
}

// Document is one source document row as the API reports it.
type Document struct {
	ID           uuid.UUID              `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	CollectionID *uuid.UUID             `json:"collection_id,omitempty"`
	BatchID      *uuid.UUID             `json:"batch_id,omitempty"`
	Filename     string                 `json:"filename"`
	Status       string                 `json:"status"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
}

// DocumentStatus is the status read: the row plus its latest event.
type DocumentStatus struct {
	Document    Document        `json:"document"`
	LatestEvent json.RawMessage `json:"latest_event,omitempty"`
}

// GetDocumentStatus reads one document's current state.
func (c *Client) GetDocumentStatus(ctx context.Context, documentID uuid.UUID) (*DocumentStatus, error) {
	var out DocumentStatus
	if err := c.getJSON(ctx, "/documents/"+documentID.String()+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocumentsOptions filters the document listing.
type ListDocumentsOptions struct {
	Status       string
	CollectionID *uuid.UUID
	Limit        int
	Offset       int
}

// ListDocuments lists the tenant's documents.
func (c *Client) ListDocuments(ctx context.Context, opts ListDocumentsOptions) ([]Document, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.CollectionID != nil {
		query.Set("collection_id", opts.CollectionID.String())
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/documents"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out struct {
		Documents []Document `json:"documents"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// DeleteDocument removes a document, cascading chunks when purgeChunks is
// set.
func (c *Client) DeleteDocument(ctx context.Context, documentID uuid.UUID, purgeChunks bool) error {
	path := "/documents/" + documentID.String()
	if purgeChunks {
		path += "?purge_chunks=true"
	}
	return c.delete(ctx, path, nil)
}

// RetryIngestion force-requeues ingestion for a document.
func (c *Client) RetryIngestion(ctx context.Context, documentID uuid.UUID) error {
	return c.postJSON(ctx, "/ingestion/retry/"+documentID.String(), struct{}{}, nil)
}

// EnrichOptions selects enrichment sub-steps.
type EnrichOptions struct {
	Visual bool `json:"visual"`
	Graph  bool `json:"graph"`
	Raptor bool `json:"raptor"`
}

// EnrichResult acknowledges an enrichment enqueue.
type EnrichResult struct {
	DocumentID    uuid.UUID `json:"document_id"`
	JobID         uuid.UUID `json:"job_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	AlreadyQueued bool      `json:"already_queued,omitempty"`
}

// EnqueueEnrichment queues deferred enrichment for a document.
func (c *Client) EnqueueEnrichment(ctx context.Context, documentID uuid.UUID, opts EnrichOptions) (*EnrichResult, error) {
	var out EnrichResult
	if err := c.postJSON(ctx, "/ingestion/enrich/"+documentID.String(), opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
