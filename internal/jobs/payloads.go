// Package jobs runs the durable work queue: typed payloads, an enqueue
// facade, and the polling worker pool with its lease-heartbeat protocol.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// IngestPayload drives an ingest_document job.
type IngestPayload struct {
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	// StrategyOverride forces a pipeline variant instead of consulting the
	// document's taxonomy slug.
	StrategyOverride string `json:"strategy_override,omitempty"`
	// InlineEnrichment runs enrichment in the same job instead of chaining
	// an enrich_document job.
	InlineEnrichment bool `json:"inline_enrichment,omitempty"`
}

// EnrichPayload drives an enrich_document job. Each sub-step toggles
// independently.
type EnrichPayload struct {
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	Visual           bool      `json:"visual"`
	Graph            bool      `json:"graph"`
	Raptor           bool      `json:"raptor"`
}

// CommunityPayload drives a tenant-wide community_rebuild job.
type CommunityPayload struct {
	Reason string `json:"reason,omitempty"`
}

// DecodeIngestPayload parses an ingest job's payload.
func DecodeIngestPayload(job *storage.Job) (IngestPayload, error) {
	var p IngestPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode ingest payload: %w", err)
	}
	if p.SourceDocumentID == uuid.Nil {
		return p, fmt.Errorf("ingest payload missing source_document_id")
	}
	return p, nil
}

// DecodeEnrichPayload parses an enrich job's payload.
func DecodeEnrichPayload(job *storage.Job) (EnrichPayload, error) {
	var p EnrichPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode enrich payload: %w", err)
	}
	if p.SourceDocumentID == uuid.Nil {
		return p, fmt.Errorf("enrich payload missing source_document_id")
	}
	return p, nil
}

// Enqueuer is the slice of the job repository the enqueue facade uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *storage.Job) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*storage.Job, error)
	QueuePosition(ctx context.Context, jobID uuid.UUID) (int, error)
	HasActiveForDocument(ctx context.Context, jobType storage.JobType, documentID uuid.UUID) (bool, error)
}

// Service turns typed payloads into queue rows.
type Service struct {
	queue Enqueuer
}

func NewService(queue Enqueuer) *Service {
	return &Service{queue: queue}
}

// EnqueueIngest queues an ingestion job for a document. A second active
// ingest for the same document returns storage.ErrAlreadyProcessing.
func (s *Service) EnqueueIngest(ctx context.Context, tenantID string, p IngestPayload) (*storage.Job, error) {
	return s.enqueue(ctx, tenantID, storage.JobIngestDocument, p)
}

// EnqueueEnrich queues a deferred enrichment job for a document.
func (s *Service) EnqueueEnrich(ctx context.Context, tenantID string, p EnrichPayload) (*storage.Job, error) {
	return s.enqueue(ctx, tenantID, storage.JobEnrichDocument, p)
}

// EnqueueCommunityRebuild queues a tenant-wide graph community rebuild.
func (s *Service) EnqueueCommunityRebuild(ctx context.Context, tenantID, reason string) (*storage.Job, error) {
	return s.enqueue(ctx, tenantID, storage.JobCommunityRebuild, CommunityPayload{Reason: reason})
}

func (s *Service) enqueue(ctx context.Context, tenantID string, jobType storage.JobType, payload interface{}) (*storage.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	job := &storage.Job{
		JobType: jobType,
		Payload: raw,
	}
	if tenantID != "" {
		job.TenantID = &tenantID
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns one job row.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*storage.Job, error) {
	return s.queue.GetByID(ctx, jobID)
}

// Position reports how many pending jobs of the same type are ahead of jobID.
func (s *Service) Position(ctx context.Context, jobID uuid.UUID) (int, error) {
	return s.queue.QueuePosition(ctx, jobID)
}

// HasActiveIngest reports whether the document already has ingestion work in
// flight.
func (s *Service) HasActiveIngest(ctx context.Context, documentID uuid.UUID) (bool, error) {
	return s.queue.HasActiveForDocument(ctx, storage.JobIngestDocument, documentID)
}

// HasActiveEnrich reports whether the document already has enrichment work in
// flight. The enrich endpoint dedupes on this instead of queueing twice.
func (s *Service) HasActiveEnrich(ctx context.Context, documentID uuid.UUID) (bool, error) {
	return s.queue.HasActiveForDocument(ctx, storage.JobEnrichDocument, documentID)
}
