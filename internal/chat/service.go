// Package chat answers questions with a model completion grounded in
// retrieved corpus passages. Retrieval supplies the context, the chat port
// writes the answer, and the response carries the citations the context was
// built from. When the provider fails the turn degrades to an extractive
// answer quoting the passages directly.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
)

// Answer modes.
const (
	ModeGrounded   = "grounded"
	ModeExtractive = "extractive"
	ModeNoContext  = "no_context"
)

// ErrEmptyMessage rejects turns with no question to answer.
var ErrEmptyMessage = errors.New("chat: message is required")

// Retriever is the slice of the retrieval service grounded chat consumes.
type Retriever interface {
	ValidateScope(req retrieval.Request) *retrieval.ScopeReport
	RunHybrid(ctx context.Context, req retrieval.Request, skipPlanner, skipExternalRerank bool) (*retrieval.HybridResult, error)
}

// Request is one grounded chat turn. The tenant comes from the request
// context, never from the body. History is client-managed: prior turns ride
// in the request and are replayed to the model verbatim.
type Request struct {
	Message       string                  `json:"message"`
	K             int                     `json:"k,omitempty"`
	CollectionID  *uuid.UUID              `json:"collection_id,omitempty"`
	IncludeGlobal bool                    `json:"include_global,omitempty"`
	Filters       map[string]interface{}  `json:"filters,omitempty"`
	History       []providers.ChatMessage `json:"history,omitempty"`
}

// Citation points the answer back at one retrieved chunk. Index matches the
// [n] markers the prompt asks the model to cite with.
type Citation struct {
	Index          int      `json:"index"`
	ChunkID        string   `json:"chunk_id"`
	SourceStandard string   `json:"source_standard,omitempty"`
	ClauseID       string   `json:"clause_id,omitempty"`
	HeadingPath    []string `json:"heading_path,omitempty"`
	PageNumber     *int     `json:"page_number,omitempty"`
	Score          float64  `json:"score"`
}

// Response is the outcome of one grounded chat turn.
type Response struct {
	InteractionID string     `json:"interaction_id"`
	Answer        string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	Mode          string     `json:"mode"`
	ScopeWarnings []string   `json:"scope_warnings,omitempty"`
}

// Service grounds chat completions in retrieval.
type Service struct {
	logger    *observability.Logger
	retriever Retriever
	chat      providers.ChatClient
}

// NewService wires grounded chat. chatClient may be nil; every turn then
// answers extractively.
func NewService(logger *observability.Logger, retriever Retriever, chatClient providers.ChatClient) *Service {
	return &Service{
		logger:    logger.WithOperation("chat"),
		retriever: retriever,
		chat:      chatClient,
	}
}

// Complete answers one chat turn: retrieve context under the request scope,
// complete against the numbered passages, and report what was cited. Scope
// violations fail the turn; scope advisories ride along as warnings.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	k := req.K
	if k <= 0 {
		k = contextChunkLimit
	}
	rreq := retrieval.Request{
		Query:         req.Message,
		K:             k,
		CollectionID:  req.CollectionID,
		IncludeGlobal: req.IncludeGlobal,
		Filters:       req.Filters,
	}

	report := s.retriever.ValidateScope(rreq)
	hres, err := s.retriever.RunHybrid(ctx, rreq, false, false)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		InteractionID: uuid.New().String(),
		Citations:     []Citation{},
		ScopeWarnings: report.Warnings,
	}

	if len(hres.Items) == 0 {
		resp.Mode = ModeNoContext
		resp.Answer = noContextAnswer
		observability.ChatCompletions.WithLabelValues(resp.Mode).Inc()
		return resp, nil
	}

	contextBlock, citations := buildContext(hres.Items)
	resp.Citations = citations

	if s.chat != nil {
		answer, cerr := s.chat.Complete(ctx, assembleMessages(req.History, req.Message, contextBlock))
		if cerr == nil && strings.TrimSpace(answer) != "" {
			resp.Mode = ModeGrounded
			resp.Answer = strings.TrimSpace(answer)
			observability.ChatCompletions.WithLabelValues(resp.Mode).Inc()
			return resp, nil
		}
		if cerr != nil {
			s.logger.Warn().Err(cerr).Msg("chat provider failed, answering extractively")
		}
	}

	resp.Mode = ModeExtractive
	resp.Answer = extractiveAnswer(hres.Items[:len(citations)])
	observability.ChatCompletions.WithLabelValues(resp.Mode).Inc()
	return resp, nil
}
