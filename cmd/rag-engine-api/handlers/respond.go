// Package handlers implements the REST surface of the engine: document
// intake, batch lifecycle, retrieval, and grounded chat. Every non-2xx
// response uses the canonical envelope {error: {code, message, details?,
// request_id}} with a stable uppercase code.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// Stable error codes for the canonical envelope.
const (
	CodeTenantHeaderRequired  = "TENANT_HEADER_REQUIRED"
	CodeTenantMismatch        = "TENANT_MISMATCH"
	CodeIngestionBackpressure = "INGESTION_BACKPRESSURE"
	CodeCollectionSealed      = "COLLECTION_SEALED"
	CodeBatchSealed           = "BATCH_SEALED"
	CodeBatchFull             = "BATCH_FULL"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeScopeValidationFailed = "SCOPE_VALIDATION_FAILED"
	CodeDocumentNotFound      = "DOCUMENT_NOT_FOUND"
	CodeBatchNotFound         = "BATCH_NOT_FOUND"
	CodeCollectionNotFound    = "COLLECTION_NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeIdempotencyInFlight   = "IDEMPOTENCY_IN_FLIGHT"
	CodeFrontendContract      = "FRONTEND_CONTRACT_BREACH"
	CodeBackendContract       = "BACKEND_CONTRACT_BREACH"
	CodeInternal              = "INTERNAL_ERROR"
)

type errorBody struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// RequestID returns the correlation id for a request. The chi middleware
// assigns one to every request; the logging middleware mirrors it into the
// observability context for layers below the router.
func RequestID(r *http.Request) string {
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return observability.RequestIDFromContext(r.Context())
}

// Error writes the canonical error envelope.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: RequestID(r),
	}})
}

// JSON writes a 2xx payload.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// maxBodyBytes bounds JSON request bodies. Uploads have their own multipart
// limit.
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into dst. A malformed body is the caller's
// contract breach, reported with the offending parse error as detail.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			Error(w, r, http.StatusBadRequest, CodeFrontendContract, "request body is required", nil)
			return false
		}
		Error(w, r, http.StatusBadRequest, CodeFrontendContract, "malformed JSON body",
			map[string]string{"parse_error": err.Error()})
		return false
	}
	return true
}
