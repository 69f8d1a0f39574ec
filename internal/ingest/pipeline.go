package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/monitoring"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// InlineEnricher runs enrichment synchronously inside the ingest job when
// deferred enrichment is disabled or the payload forces inline mode.
type InlineEnricher interface {
	EnrichInline(ctx context.Context, tenantID string, documentID uuid.UUID) error
}

// PipelineConfig tunes the ingest_document handler.
type PipelineConfig struct {
	// InsertBatchSize is the chunk persist batch size.
	InsertBatchSize int
	// InterBatchYield is the pause between persist batches so one large
	// document cannot monopolize the pool's database connections.
	InterBatchYield time.Duration
	// DeferEnrichment chains an enrich_document job instead of running
	// enrichment inline.
	DeferEnrichment bool
	// VisualEnrichment toggles the visual sub-step on the chained job.
	VisualEnrichment bool
	// MaxRetries is the attempt budget before the document dead-letters.
	MaxRetries int
	// DefaultStrategy is used when neither taxonomy nor override resolve.
	DefaultStrategy StrategyKey
}

// DefaultPipelineConfig returns the standard ingestion settings.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		InsertBatchSize:  100,
		InterBatchYield:  25 * time.Millisecond,
		DeferEnrichment:  true,
		VisualEnrichment: true,
		MaxRetries:       3,
		DefaultStrategy:  StrategyContent,
	}
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	d := DefaultPipelineConfig()
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = d.InsertBatchSize
	}
	if c.InterBatchYield < 0 {
		c.InterBatchYield = d.InterBatchYield
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = d.DefaultStrategy
	}
	return c
}

// Pipeline is the ingest_document job handler. It drives one document
// through download, strategy execution, chunk persist, and status commit,
// recording every stage on the document's event log.
type Pipeline struct {
	logger   *observability.Logger
	repos    *storage.Repositories
	store    objectstore.Store
	registry *Registry
	deps     Deps
	guard    *monitoring.EmbeddingGuard
	queue    *jobs.Service
	notifier cache.Notifier
	profile  storage.EmbeddingProfile
	enricher InlineEnricher
	cfg      PipelineConfig
}

// NewPipeline wires the ingestion handler. notifier and enricher may be nil.
func NewPipeline(
	logger *observability.Logger,
	repos *storage.Repositories,
	store objectstore.Store,
	registry *Registry,
	deps Deps,
	guard *monitoring.EmbeddingGuard,
	queue *jobs.Service,
	notifier cache.Notifier,
	profile storage.EmbeddingProfile,
	cfg PipelineConfig,
) *Pipeline {
	return &Pipeline{
		logger:   logger,
		repos:    repos,
		store:    store,
		registry: registry,
		deps:     deps,
		guard:    guard,
		queue:    queue,
		notifier: notifier,
		profile:  profile,
		cfg:      cfg.withDefaults(),
	}
}

// SetInlineEnricher attaches the inline enrichment path. Separate from the
// constructor because the enrichment service is built after the pipeline
// during startup wiring.
func (p *Pipeline) SetInlineEnricher(e InlineEnricher) { p.enricher = e }

// IngestOutcome is the job result payload.
type IngestOutcome struct {
	DocumentID  uuid.UUID `json:"document_id"`
	Strategy    string    `json:"strategy"`
	Chunks      int       `json:"chunks"`
	Pages       int       `json:"pages,omitempty"`
	VisualTasks int       `json:"visual_tasks,omitempty"`
	EmptyFile   bool      `json:"empty_file,omitempty"`
	EnrichJobID string    `json:"enrich_job_id,omitempty"`
}

// Handle implements jobs.Handler for job_type ingest_document.
func (p *Pipeline) Handle(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
	payload, err := jobs.DecodeIngestPayload(job)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	if job.TenantID == nil || *job.TenantID == "" {
		return nil, jobs.Permanent(errors.New("ingest job carries no tenant"))
	}
	tenantID := *job.TenantID

	doc, err := p.repos.Documents.GetByID(ctx, tenantID, payload.SourceDocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		// The upload transaction may not be visible yet; requeue on the
		// separate source-lookup budget instead of spending a retry.
		return nil, jobs.ErrSourceLookup
	}
	if err != nil {
		return nil, fmt.Errorf("load source document: %w", err)
	}

	logger := p.logger.WithTenant(tenantID).
		WithOperation("ingest_document").
		With().Str("document_id", doc.ID.String()).Str("filename", doc.Filename).Logger()

	if err := p.markProcessing(ctx, doc); err != nil {
		return nil, err
	}

	outcome, err := p.run(ctx, logger, doc, payload)
	if err != nil {
		p.recordFailure(ctx, logger, doc, err)
		return nil, err
	}

	raw, mErr := json.Marshal(outcome)
	if mErr != nil {
		return nil, fmt.Errorf("encode ingest outcome: %w", mErr)
	}
	return raw, nil
}

// markProcessing moves the document into processing. Tolerates re-entry
// after a lease loss (already processing) and the retry path (failed).
func (p *Pipeline) markProcessing(ctx context.Context, doc *storage.SourceDocument) error {
	for _, from := range []storage.IngestionStatus{
		storage.StatusQueued, storage.StatusFailed, storage.StatusPendingIngestion,
	} {
		err := p.repos.Documents.TransitionStatus(ctx, doc.TenantID, doc.ID, from, storage.StatusProcessing)
		if err == nil {
			doc.Status = storage.StatusProcessing
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("transition to processing: %w", err)
		}
	}

	current, err := p.repos.Documents.GetByID(ctx, doc.TenantID, doc.ID)
	if err != nil {
		return fmt.Errorf("re-read document status: %w", err)
	}
	if current.Status == storage.StatusProcessing {
		// A previous attempt lost its lease mid-run; re-ingestion is
		// idempotent, so just continue.
		doc.Status = storage.StatusProcessing
		return nil
	}
	return jobs.Permanent(fmt.Errorf("document in status %s, cannot ingest", current.Status))
}

func (p *Pipeline) run(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, payload jobs.IngestPayload) (*IngestOutcome, error) {
	p.recordEvent(ctx, doc, storage.EventInfo, "ingest_start", "Ingestion started", nil)

	data, err := p.store.Get(ctx, doc.StoragePath)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("stored object missing at %s", doc.StoragePath))
	}
	if err != nil {
		// Storage transport failures are transient.
		return nil, fmt.Errorf("download document payload: %w", err)
	}

	key, err := p.registry.Resolve(taxonomySlug(doc), payload.StrategyOverride)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	strategy, err := p.registry.Build(key, p.deps)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	logger.Info().Str("strategy", string(key)).Int("bytes", len(data)).Msg("Strategy resolved")

	// Idempotent re-ingestion: clear whatever a previous attempt persisted.
	deleted, err := p.repos.Chunks.DeleteBySource(ctx, doc.TenantID, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("delete previous chunks: %w", err)
	}
	if deleted > 0 {
		logger.Info().Int64("deleted", deleted).Msg("Removed chunks from previous ingestion")
	}

	result, err := strategy.Process(ctx, &Source{Document: doc, Data: data})
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", key, err)
	}

	if len(result.Chunks) == 0 {
		if result.EmptySource {
			return p.finishEmpty(ctx, logger, doc, key)
		}
		// Zero chunks from a non-empty source is an integrity failure, not
		// something a retry can fix.
		return nil, jobs.Permanent(fmt.Errorf("strategy %s produced zero chunks from %d bytes", key, len(data)))
	}

	if err := p.uploadVisuals(ctx, logger, doc, result.VisualTasks); err != nil {
		return nil, err
	}

	chunks, err := p.buildChunks(doc, result)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	if err := p.persistChunks(ctx, doc, chunks); err != nil {
		return nil, err
	}

	// Searchable the moment chunks land, independent of enrichment.
	if err := p.repos.Documents.SetSearchable(ctx, doc.TenantID, doc.ID); err != nil {
		return nil, fmt.Errorf("mark searchable: %w", err)
	}
	observability.ChunksPersisted.Add(float64(len(chunks)))

	outcome := &IngestOutcome{
		DocumentID:  doc.ID,
		Strategy:    string(key),
		Chunks:      len(chunks),
		Pages:       result.Pages,
		VisualTasks: len(result.VisualTasks),
	}

	if err := p.runEnrichment(ctx, logger, doc, payload, result, outcome); err != nil {
		return nil, err
	}

	if err := p.repos.Documents.TransitionStatus(ctx, doc.TenantID, doc.ID, storage.StatusProcessing, storage.StatusProcessed); err != nil {
		return nil, fmt.Errorf("transition to processed: %w", err)
	}
	meta, _ := json.Marshal(map[string]interface{}{"chunks": len(chunks), "strategy": string(key)})
	p.recordEvent(ctx, doc, storage.EventSuccess, "ingest_complete", fmt.Sprintf("Ingestion complete: %d chunks", len(chunks)), meta)
	p.recordBatchOutcome(ctx, logger, doc, true)
	observability.DocumentsIngested.WithLabelValues(string(storage.StatusProcessed)).Inc()

	logger.Info().Int("chunks", len(chunks)).Int("visual_tasks", len(result.VisualTasks)).Msg("Document ingested")
	return outcome, nil
}

// finishEmpty closes out a document whose payload had no extractable text.
// Terminal success variant: the batch counts it as completed.
func (p *Pipeline) finishEmpty(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, key StrategyKey) (*IngestOutcome, error) {
	if err := p.repos.Documents.TransitionStatus(ctx, doc.TenantID, doc.ID, storage.StatusProcessing, storage.StatusEmptyFile); err != nil {
		return nil, fmt.Errorf("transition to empty_file: %w", err)
	}
	p.recordEvent(ctx, doc, storage.EventSuccess, "ingest_complete", "Source contained no extractable text", nil)
	p.recordBatchOutcome(ctx, logger, doc, true)
	observability.DocumentsIngested.WithLabelValues(string(storage.StatusEmptyFile)).Inc()
	logger.Info().Msg("Document marked empty_file")
	return &IngestOutcome{DocumentID: doc.ID, Strategy: string(key), EmptyFile: true}, nil
}

// uploadVisuals stores captured image payloads so the enrichment job can
// parse them without re-downloading the document.
func (p *Pipeline) uploadVisuals(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, tasks []VisualTask) error {
	for i := range tasks {
		t := &tasks[i]
		if len(t.ImageData) == 0 {
			continue
		}
		key := objectstore.VisualKey(doc.TenantID, doc.ID.String(), t.NodeID)
		if err := p.store.Put(ctx, key, t.ImageData, t.ContentType); err != nil {
			return fmt.Errorf("upload visual %s: %w", t.NodeID, err)
		}
	}
	if len(tasks) > 0 {
		logger.Debug().Int("visual_tasks", len(tasks)).Msg("Visual payloads uploaded")
	}
	return nil
}

// buildChunks converts strategy output into storage rows.
func (p *Pipeline) buildChunks(doc *storage.SourceDocument, result *Result) ([]*storage.ContentChunk, error) {
	docMeta := documentMetadata(doc)
	authority := storage.InferAuthorityLevel(doc.StoragePath, docMeta)
	sourceStandard := metadataString(docMeta, "source_standard")

	tasksByChunk := make(map[int][]VisualTask)
	for _, t := range result.VisualTasks {
		tasksByChunk[t.ChunkIndex] = append(tasksByChunk[t.ChunkIndex], t)
	}

	out := make([]*storage.ContentChunk, 0, len(result.Chunks))
	for i, c := range result.Chunks {
		role := c.Role
		if role == "" {
			role = ClassifyRole(c.Content)
		}

		chunk := &storage.ContentChunk{
			ID:                uuid.New(),
			SourceID:          doc.ID,
			TenantID:          doc.TenantID,
			CollectionID:      doc.CollectionID,
			Content:           c.Content,
			Embedding:         c.Embedding,
			ChunkIndex:        i,
			FilePageNumber:    c.Page,
			HeadingPath:       c.HeadingPath,
			ChunkRole:         role,
			RetrievalEligible: role == storage.RoleNormativeBody,
			SourceStandard:    sourceStandard,
			ClauseID:          ExtractClauseID(c.HeadingPath),
			AuthorityLevel:    authority,
			EmbeddingProfile:  p.profile,
		}

		meta := map[string]interface{}{
			"char_start": c.CharStart,
			"char_end":   c.CharEnd,
		}
		if tasks := tasksByChunk[i]; len(tasks) > 0 {
			meta["visual_tasks"] = tasks
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode chunk metadata: %w", err)
		}
		chunk.Metadata = raw

		out = append(out, chunk)
	}
	return out, nil
}

// persistChunks writes chunk rows in fixed-size batches with a short yield
// between batches, emitting a progress event per batch.
func (p *Pipeline) persistChunks(ctx context.Context, doc *storage.SourceDocument, chunks []*storage.ContentChunk) error {
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		vectors[i] = c.Embedding
	}
	if err := p.guard.CheckBatch(vectors); err != nil {
		return jobs.Permanent(err)
	}

	total := len(chunks)
	for start := 0; start < total; start += p.cfg.InsertBatchSize {
		end := start + p.cfg.InsertBatchSize
		if end > total {
			end = total
		}
		batch := chunks[start:end]
		if err := p.repos.Chunks.InsertBatch(ctx, batch, p.cfg.InsertBatchSize); err != nil {
			return fmt.Errorf("persist chunks %d-%d: %w", start, end, err)
		}

		meta, _ := json.Marshal(map[string]int{"persisted": end, "total": total})
		p.recordEvent(ctx, doc, storage.EventInfo, "chunk_persist",
			fmt.Sprintf("Persisted chunks %d/%d", end, total), meta)

		if end < total && p.cfg.InterBatchYield > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.InterBatchYield):
			}
		}
	}
	return nil
}

// runEnrichment chains or inlines the enrichment step. Chained-job enqueue
// failures degrade to a warning: the document is already searchable.
func (p *Pipeline) runEnrichment(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, payload jobs.IngestPayload, result *Result, outcome *IngestOutcome) error {
	inline := payload.InlineEnrichment || !p.cfg.DeferEnrichment

	if inline && p.enricher != nil {
		p.recordEvent(ctx, doc, storage.EventInfo, "enrich_inline", "Running inline enrichment", nil)
		if err := p.enricher.EnrichInline(ctx, doc.TenantID, doc.ID); err != nil {
			return fmt.Errorf("inline enrichment: %w", err)
		}
		return nil
	}

	job, err := p.queue.EnqueueEnrich(ctx, doc.TenantID, jobs.EnrichPayload{
		SourceDocumentID: doc.ID,
		Visual:           p.cfg.VisualEnrichment && len(result.VisualTasks) > 0,
		Graph:            true,
		Raptor:           true,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessing) {
			logger.Info().Msg("Enrichment already queued for document")
			return nil
		}
		logger.Warn().Err(err).Msg("Deferred enrichment enqueue failed")
		p.recordEvent(ctx, doc, storage.EventWarning, "enrich_enqueue", "Deferred enrichment enqueue failed", nil)
		return nil
	}
	outcome.EnrichJobID = job.ID.String()
	p.recordEvent(ctx, doc, storage.EventInfo, "enrich_enqueue", "Deferred enrichment queued", nil)
	return nil
}

// recordFailure flips the document to failed or dead_letter and logs the
// error event. Cancellation leaves the row untouched for the stale sweep.
func (p *Pipeline) recordFailure(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, runErr error) {
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return
	}

	// Status writes must survive the handler context being near-cancel.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	retries, err := p.repos.Documents.IncrementRetry(fctx, doc.TenantID, doc.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Retry-count increment failed")
	}

	status := storage.StatusFailed
	if retries >= p.cfg.MaxRetries {
		status = storage.StatusDeadLetter
	}
	msg := runErr.Error()
	if err := p.repos.Documents.SetStatus(fctx, doc.TenantID, doc.ID, status, &msg); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("Failure status write failed")
	}
	p.recordEvent(fctx, doc, storage.EventError, "ingest_failed", msg, nil)

	if status == storage.StatusDeadLetter {
		p.recordBatchOutcome(fctx, logger, doc, false)
		observability.DocumentsIngested.WithLabelValues(string(storage.StatusDeadLetter)).Inc()
		logger.Error().Err(runErr).Int("retries", retries).Msg("Document dead-lettered")
	}
}

func (p *Pipeline) recordBatchOutcome(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, succeeded bool) {
	if doc.BatchID == nil {
		return
	}
	if _, err := p.repos.Batches.RecordOutcome(ctx, doc.TenantID, *doc.BatchID, succeeded); err != nil && !errors.Is(err, storage.ErrConflict) {
		logger.Warn().Err(err).Str("batch_id", doc.BatchID.String()).Msg("Batch counter update failed")
	}
}

// recordEvent appends to the document's event log and nudges any open SSE
// stream. Event-log failures never fail the job.
func (p *Pipeline) recordEvent(ctx context.Context, doc *storage.SourceDocument, status storage.EventStatus, phase, message string, phaseMeta json.RawMessage) {
	event := &storage.IngestionEvent{
		ID:               uuid.New(),
		TenantID:         doc.TenantID,
		SourceDocumentID: doc.ID,
		Message:          message,
		Status:           status,
		Phase:            phase,
	}
	if len(phaseMeta) > 0 {
		event.PhaseMetadata = phaseMeta
	}
	if err := p.repos.Events.Append(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("phase", phase).Msg("Event append failed")
		return
	}
	if p.notifier != nil {
		channel := cache.EventChannel(doc.TenantID, doc.ID.String())
		if err := p.notifier.Publish(ctx, channel, map[string]string{"phase": phase}); err != nil {
			p.logger.Debug().Err(err).Msg("Event nudge publish failed")
		}
	}
}

// taxonomySlug reads the strategy hint from document metadata.
func taxonomySlug(doc *storage.SourceDocument) string {
	meta := documentMetadata(doc)
	if v := metadataString(meta, "taxonomy"); v != nil {
		return *v
	}
	if v := metadataString(meta, "document_type"); v != nil {
		return *v
	}
	return ""
}

func documentMetadata(doc *storage.SourceDocument) map[string]interface{} {
	if len(doc.Metadata) == 0 {
		return nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(doc.Metadata, &meta); err != nil {
		return nil
	}
	return meta
}

func metadataString(meta map[string]interface{}, key string) *string {
	if meta == nil {
		return nil
	}
	if v, ok := meta[key].(string); ok && v != "" {
		return &v
	}
	return nil
}

var _ jobs.Handler = (*Pipeline)(nil)
