package handlers

import (
	"errors"
	"net/http"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/chat"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// ChatHandler serves grounded chat completions.
type ChatHandler struct {
	logger  *observability.Logger
	service *chat.Service
}

// NewChatHandler creates the chat handler.
func NewChatHandler(logger *observability.Logger, service *chat.Service) *ChatHandler {
	return &ChatHandler{logger: logger, service: service}
}

// Completions handles POST /chat/completions.
func (h *ChatHandler) Completions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := tenancy.RequireTenant(ctx); err != nil {
		Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
		return
	}
	var req chat.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			Error(w, r, http.StatusBadRequest, CodeFrontendContract, err.Error(), nil)
			return
		}
		var scopeErr *retrieval.ScopeValidationError
		if errors.As(err, &scopeErr) {
			Error(w, r, http.StatusBadRequest, CodeScopeValidationFailed, scopeErr.Error(), map[string]interface{}{
				"violations": scopeErr.Violations,
			})
			return
		}
		h.logger.Error().Err(err).Str("request_id", RequestID(r)).Msg("Chat completion failed")
		Error(w, r, http.StatusInternalServerError, CodeInternal, "chat completion failed", nil)
		return
	}
	JSON(w, http.StatusOK, resp)
}
