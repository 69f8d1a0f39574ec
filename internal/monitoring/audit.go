// Package monitoring provides operational guardrails: the retrieval audit
// trail, the embedding dimension guard, and the batch stall detector.
package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// AuditEntry summarizes one retrieval request.
type AuditEntry struct {
	TenantID            string
	RequestID           string
	Mode                string
	Query               string
	K                   int
	Filters             map[string]interface{}
	ResultCount         int
	ScopePenalizedCount int
	WarningCodes        []string
	TimingsMS           map[string]int64
}

// RetrievalAuditor emits one structured log line per retrieval request and,
// when a database is attached, one audit row. Audit failures never fail the
// request.
type RetrievalAuditor struct {
	logger *observability.Logger
	db     storage.DB
}

// NewRetrievalAuditor creates an auditor. db may be nil for log-only mode.
func NewRetrievalAuditor(logger *observability.Logger, db storage.DB) *RetrievalAuditor {
	return &RetrievalAuditor{logger: logger, db: db}
}

// Record writes the audit trail for one request.
func (a *RetrievalAuditor) Record(ctx context.Context, entry AuditEntry) {
	a.logger.Info().
		Str("tenant_id", entry.TenantID).
		Str("request_id", entry.RequestID).
		Str("mode", entry.Mode).
		Int("k", entry.K).
		Int("result_count", entry.ResultCount).
		Int("scope_penalized", entry.ScopePenalizedCount).
		Strs("warning_codes", entry.WarningCodes).
		Interface("timings_ms", entry.TimingsMS).
		Msg("Retrieval request audited")

	if a.db == nil {
		return
	}

	filters, err := json.Marshal(entry.Filters)
	if err != nil {
		filters = []byte("{}")
	}
	timings, err := json.Marshal(entry.TimingsMS)
	if err != nil {
		timings = []byte("{}")
	}
	codes := entry.WarningCodes
	if codes == nil {
		codes = []string{}
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO retrieval_audit_log
			(id, tenant_id, request_id, mode, query, requested_k, filters,
			 result_count, scope_penalized_count, warning_codes, timings_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New(), entry.TenantID, entry.RequestID, entry.Mode, entry.Query,
		entry.K, filters, entry.ResultCount, entry.ScopePenalizedCount,
		pq.Array(codes), timings, time.Now().UTC())
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to persist retrieval audit row")
	}
}
