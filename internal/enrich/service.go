// Package enrich runs post-ingestion enrichment over a document's persisted
// chunks: visual context stitching, the RAPTOR summary tree, and knowledge
// graph extraction. Sub-steps toggle independently through the job payload
// and always run in that order, so tree and graph prompts see stitched
// visual anchors.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/ingest"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Config tunes the enrichment sub-steps.
type Config struct {
	// VisualConcurrency caps in-flight visual summarization calls across all
	// jobs this service runs.
	VisualConcurrency int
	// GraphBatchSize is the number of chunks worked per extraction round.
	GraphBatchSize int
	// GraphLogEveryN spaces the progress log lines during long extractions.
	GraphLogEveryN int
	// RaptorMinChunks is the eligible-chunk count a document must exceed
	// before a summary tree is built.
	RaptorMinChunks int
	// RaptorMaxDepth bounds the tree height above the chunk layer.
	RaptorMaxDepth int
	// StructuralBootstrap seeds level-1 clusters from document sections
	// instead of pure vector clustering.
	StructuralBootstrap bool
	// PromptVersion and SchemaVersion key the visual cache; bump either when
	// the prompt or output contract changes so stale summaries miss.
	PromptVersion string
	SchemaVersion string
}

// DefaultConfig returns the standard enrichment settings.
func DefaultConfig() Config {
	return Config{
		VisualConcurrency:   3,
		GraphBatchSize:      4,
		GraphLogEveryN:      25,
		RaptorMinChunks:     5,
		RaptorMaxDepth:      3,
		StructuralBootstrap: false,
		PromptVersion:       "v2",
		SchemaVersion:       "v1",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VisualConcurrency <= 0 {
		c.VisualConcurrency = d.VisualConcurrency
	}
	if c.GraphBatchSize <= 0 {
		c.GraphBatchSize = d.GraphBatchSize
	}
	if c.GraphLogEveryN <= 0 {
		c.GraphLogEveryN = d.GraphLogEveryN
	}
	if c.RaptorMinChunks <= 0 {
		c.RaptorMinChunks = d.RaptorMinChunks
	}
	if c.RaptorMaxDepth <= 0 {
		c.RaptorMaxDepth = d.RaptorMaxDepth
	}
	if c.PromptVersion == "" {
		c.PromptVersion = d.PromptVersion
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}
	return c
}

// Service is the enrich_document job handler. It also serves the inline
// enrichment path the ingest pipeline calls when deferral is disabled, and
// the tenant-wide community_rebuild handler.
type Service struct {
	logger   *observability.Logger
	repos    *storage.Repositories
	store    objectstore.Store
	chat     providers.ChatClient
	embedder providers.Embedder
	results  cache.Client
	notifier cache.Notifier
	cfg      Config

	visualSem   *semaphore.Weighted
	communityMu sync.Mutex
}

// NewService wires the enrichment handler. results and notifier may be nil.
func NewService(
	logger *observability.Logger,
	repos *storage.Repositories,
	store objectstore.Store,
	chat providers.ChatClient,
	embedder providers.Embedder,
	results cache.Client,
	notifier cache.Notifier,
	cfg Config,
) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		logger:    logger,
		repos:     repos,
		store:     store,
		chat:      chat,
		embedder:  embedder,
		results:   results,
		notifier:  notifier,
		cfg:       cfg,
		visualSem: semaphore.NewWeighted(int64(cfg.VisualConcurrency)),
	}
}

// EnrichOutcome is the job result payload.
type EnrichOutcome struct {
	DocumentID      uuid.UUID `json:"document_id"`
	VisualStitched  int       `json:"visual_stitched,omitempty"`
	VisualCacheHits int       `json:"visual_cache_hits,omitempty"`
	VisualFallbacks int       `json:"visual_fallbacks,omitempty"`
	RaptorNodes     int       `json:"raptor_nodes,omitempty"`
	RaptorLevels    int       `json:"raptor_levels,omitempty"`
	GraphEntities   int       `json:"graph_entities,omitempty"`
	GraphRelations  int       `json:"graph_relations,omitempty"`
}

// Handle implements jobs.Handler for job_type enrich_document.
func (s *Service) Handle(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
	payload, err := jobs.DecodeEnrichPayload(job)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	if job.TenantID == nil || *job.TenantID == "" {
		return nil, jobs.Permanent(errors.New("enrich job carries no tenant"))
	}
	tenantID := *job.TenantID

	doc, err := s.repos.Documents.GetByID(ctx, tenantID, payload.SourceDocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		// The chaining ingest job committed before this one ran, but a lagging
		// reader may not see the row yet.
		return nil, jobs.ErrSourceLookup
	}
	if err != nil {
		return nil, fmt.Errorf("load source document: %w", err)
	}

	logger := s.logger.WithTenant(tenantID).
		WithOperation("enrich_document").
		With().Str("document_id", doc.ID.String()).Logger()

	outcome, err := s.enrich(ctx, logger, doc, payload)
	if err != nil {
		return nil, err
	}

	raw, mErr := json.Marshal(outcome)
	if mErr != nil {
		return nil, fmt.Errorf("encode enrich outcome: %w", mErr)
	}
	return raw, nil
}

// EnrichInline runs all sub-steps synchronously inside the calling ingest
// job. Implements ingest.InlineEnricher.
func (s *Service) EnrichInline(ctx context.Context, tenantID string, documentID uuid.UUID) error {
	doc, err := s.repos.Documents.GetByID(ctx, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("load source document: %w", err)
	}
	logger := s.logger.WithTenant(tenantID).
		WithOperation("enrich_inline").
		With().Str("document_id", documentID.String()).Logger()

	_, err = s.enrich(ctx, logger, doc, jobs.EnrichPayload{
		SourceDocumentID: documentID,
		Visual:           true,
		Graph:            true,
		Raptor:           true,
	})
	return err
}

func (s *Service) enrich(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, payload jobs.EnrichPayload) (*EnrichOutcome, error) {
	meta, _ := json.Marshal(map[string]interface{}{
		"visual": payload.Visual, "graph": payload.Graph, "raptor": payload.Raptor,
	})
	s.recordEvent(ctx, doc, storage.EventInfo, "enrich_start", "Enrichment started", meta)

	chunks, err := s.repos.Chunks.ListBySource(ctx, doc.TenantID, doc.ID, false)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	outcome := &EnrichOutcome{DocumentID: doc.ID}
	if len(chunks) == 0 {
		s.recordEvent(ctx, doc, storage.EventSuccess, "enrich_complete", "No chunks to enrich", nil)
		logger.Info().Msg("Document has no chunks, enrichment is a no-op")
		return outcome, nil
	}

	if payload.Visual {
		vs, err := s.runVisual(ctx, logger, doc, chunks)
		if err != nil {
			s.failStep(ctx, doc, "visual_context", err)
			return nil, fmt.Errorf("visual context: %w", err)
		}
		observability.EnrichmentSteps.WithLabelValues("visual", "success").Inc()
		outcome.VisualStitched = vs.stitched
		outcome.VisualCacheHits = vs.cacheHits
		outcome.VisualFallbacks = vs.fallbacks
		if vs.tasks > 0 {
			s.recordEvent(ctx, doc, storage.EventSuccess, "visual_context",
				fmt.Sprintf("Visual context stitched: %d anchors (%d cached, %d fallbacks)", vs.stitched, vs.cacheHits, vs.fallbacks), nil)
		}
	}

	eligible := eligibleChunks(chunks)

	if payload.Raptor {
		rs, err := s.runRaptor(ctx, logger, doc, eligible)
		if err != nil {
			s.failStep(ctx, doc, "raptor_tree", err)
			return nil, fmt.Errorf("raptor tree: %w", err)
		}
		if rs.skipped {
			observability.EnrichmentSteps.WithLabelValues("raptor", "skipped").Inc()
			s.recordEvent(ctx, doc, storage.EventInfo, "raptor_tree",
				fmt.Sprintf("Summary tree skipped: %d chunks at or below threshold %d", len(eligible), s.cfg.RaptorMinChunks), nil)
		} else {
			observability.EnrichmentSteps.WithLabelValues("raptor", "success").Inc()
			outcome.RaptorNodes = rs.nodes
			outcome.RaptorLevels = rs.levels
			s.recordEvent(ctx, doc, storage.EventSuccess, "raptor_tree",
				fmt.Sprintf("Summary tree built: %d nodes across %d levels", rs.nodes, rs.levels), nil)
		}
	}

	if payload.Graph {
		gs, err := s.runGraph(ctx, logger, doc, chunks)
		if err != nil {
			s.failStep(ctx, doc, "graph_extraction", err)
			return nil, fmt.Errorf("graph extraction: %w", err)
		}
		observability.EnrichmentSteps.WithLabelValues("graph", "success").Inc()
		outcome.GraphEntities = gs.entities
		outcome.GraphRelations = gs.relations
		s.recordEvent(ctx, doc, storage.EventSuccess, "graph_extraction",
			fmt.Sprintf("Graph extracted: %d entities, %d relations (%d sections)", gs.entities, gs.relations, gs.sections), nil)
	}

	s.recordEvent(ctx, doc, storage.EventSuccess, "enrich_complete", "Enrichment complete", nil)
	logger.Info().
		Int("visual_stitched", outcome.VisualStitched).
		Int("raptor_nodes", outcome.RaptorNodes).
		Int("graph_entities", outcome.GraphEntities).
		Msg("Document enriched")
	return outcome, nil
}

// failStep records the failed sub-step before the error propagates to the
// queue's retry handling. Cancellation is the worker shutting down, not a
// document problem, so it leaves no event.
func (s *Service) failStep(ctx context.Context, doc *storage.SourceDocument, phase string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var step string
	switch phase {
	case "visual_context":
		step = "visual"
	case "raptor_tree":
		step = "raptor"
	default:
		step = "graph"
	}
	observability.EnrichmentSteps.WithLabelValues(step, "failure").Inc()
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.recordEvent(fctx, doc, storage.EventError, phase, err.Error(), nil)
}

func (s *Service) recordEvent(ctx context.Context, doc *storage.SourceDocument, status storage.EventStatus, phase, message string, phaseMeta json.RawMessage) {
	event := &storage.IngestionEvent{
		TenantID:         doc.TenantID,
		SourceDocumentID: doc.ID,
		Message:          message,
		Status:           status,
		Phase:            phase,
	}
	if len(phaseMeta) > 0 {
		event.PhaseMetadata = phaseMeta
	}
	if err := s.repos.Events.Append(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("phase", phase).Msg("Event append failed")
		return
	}
	if s.notifier != nil {
		channel := cache.EventChannel(doc.TenantID, doc.ID.String())
		if err := s.notifier.Publish(ctx, channel, map[string]string{"phase": phase}); err != nil {
			s.logger.Debug().Err(err).Msg("Event nudge publish failed")
		}
	}
}

// embedBatches runs texts through the embedder in bounded batches so a large
// document cannot produce an oversized provider request.
func (s *Service) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	const batch = 64
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// eligibleChunks filters to the retrieval-eligible subset, preserving order.
func eligibleChunks(chunks []*storage.ContentChunk) []*storage.ContentChunk {
	out := make([]*storage.ContentChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.RetrievalEligible {
			out = append(out, c)
		}
	}
	return out
}

// sectionRef keys a chunk to its document section: the top heading of its
// breadcrumb.
func sectionRef(chunk *storage.ContentChunk) (string, bool) {
	if len(chunk.HeadingPath) == 0 {
		return "", false
	}
	ref := strings.TrimSpace(chunk.HeadingPath[0])
	if ref == "" {
		return "", false
	}
	return ref, true
}

var _ jobs.Handler = (*Service)(nil)
var _ ingest.InlineEnricher = (*Service)(nil)
