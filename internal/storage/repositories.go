package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DB is the subset of *sql.DB the repositories need. Both *sql.DB and
// *sql.Tx satisfy it, so repository methods compose under one transaction.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repositories bundles every repository over a shared handle.
type Repositories struct {
	Tenants     *TenantRepository
	Collections *CollectionRepository
	Documents   *SourceDocumentRepository
	Batches     *BatchRepository
	Events      *EventRepository
	Chunks      *ChunkRepository
	Graph       *GraphRepository
	Raptor      *RaptorRepository
	Jobs        *JobRepository
	VisualCache *VisualCacheRepository
}

// NewRepositories wires all repositories over db.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Tenants:     NewTenantRepository(db),
		Collections: NewCollectionRepository(db),
		Documents:   NewSourceDocumentRepository(db),
		Batches:     NewBatchRepository(db),
		Events:      NewEventRepository(db),
		Chunks:      NewChunkRepository(db),
		Graph:       NewGraphRepository(db),
		Raptor:      NewRaptorRepository(db),
		Jobs:        NewJobRepository(db),
		VisualCache: NewVisualCacheRepository(db),
	}
}

// TenantRepository manages the tenant directory.
type TenantRepository struct {
	db DB
}

func NewTenantRepository(db DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// EnsureExists admits a tenant on first use. Idempotent.
func (r *TenantRepository) EnsureExists(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, tenantID)
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

// CollectionRepository manages collections and their lifecycle.
type CollectionRepository struct {
	db DB
}

func NewCollectionRepository(db DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

const collectionColumns = `id, tenant_id, key, name, status, created_at, updated_at`

func scanCollection(row interface{ Scan(...interface{}) error }) (*Collection, error) {
	var c Collection
	err := row.Scan(&c.ID, &c.TenantID, &c.Key, &c.Name, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreate resolves a collection by key, creating it open when absent.
func (r *CollectionRepository) GetOrCreate(ctx context.Context, tenantID, key, name string) (*Collection, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if name == "" {
		name = key
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO collections (id, tenant_id, key, name, status)
		VALUES ($1, $2, $3, $4, 'open')
		ON CONFLICT (tenant_id, key) DO UPDATE SET updated_at = now()
		RETURNING `+collectionColumns,
		uuid.New(), tenantID, key, name)
	c, err := scanCollection(row)
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}
	return c, nil
}

// GetByID fetches one collection within the tenant scope.
func (r *CollectionRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Collection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return c, nil
}

// GetByKey fetches one collection by its tenant-unique key.
func (r *CollectionRepository) GetByKey(ctx context.Context, tenantID, key string) (*Collection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE tenant_id = $1 AND key = $2`,
		tenantID, key)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collection by key: %w", err)
	}
	return c, nil
}

// List returns all collections for a tenant, newest first.
func (r *CollectionRepository) List(ctx context.Context, tenantID string) ([]*Collection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetStatus moves a collection between open and sealed.
func (r *CollectionRepository) SetStatus(ctx context.Context, tenantID string, id uuid.UUID, status CollectionStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE collections SET status = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		status, id, tenantID)
	if err != nil {
		return fmt.Errorf("set collection status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCascade removes a collection and everything beneath it. Chunks are
// deleted in fixed-size slices to keep individual statements bounded.
func (r *CollectionRepository) DeleteCascade(ctx context.Context, tenantID string, id uuid.UUID, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM content_chunks WHERE id IN (
				SELECT id FROM content_chunks
				WHERE collection_id = $1 AND tenant_id = $2
				LIMIT $3
			)`, id, tenantID, batchSize)
		if err != nil {
			return fmt.Errorf("delete collection chunks: %w", err)
		}
		n, _ := res.RowsAffected()
		if n < int64(batchSize) {
			break
		}
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM regulatory_nodes WHERE collection_id = $1 AND tenant_id = $2`,
		id, tenantID); err != nil {
		return fmt.Errorf("delete collection summaries: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM ingestion_batches WHERE collection_id = $1 AND tenant_id = $2`,
		id, tenantID); err != nil {
		return fmt.Errorf("delete collection batches: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM source_documents WHERE collection_id = $1 AND tenant_id = $2`,
		id, tenantID); err != nil {
		return fmt.Errorf("delete collection documents: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM collections WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SourceDocumentRepository manages uploaded documents and their ingestion
// state machine.
type SourceDocumentRepository struct {
	db DB
}

func NewSourceDocumentRepository(db DB) *SourceDocumentRepository {
	return &SourceDocumentRepository{db: db}
}

const documentColumns = `id, tenant_id, collection_id, batch_id, filename, storage_path,
	storage_bucket, status, searchable_status, authority_level, metadata, retry_count,
	error_message, created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*SourceDocument, error) {
	var d SourceDocument
	var metadata []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.CollectionID, &d.BatchID, &d.Filename,
		&d.StoragePath, &d.StorageBucket, &d.Status, &d.SearchableStatus,
		&d.AuthorityLevel, &metadata, &d.RetryCount, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Metadata = metadata
	return &d, nil
}

// Create registers a document in pending_ingestion. Fails with
// ErrCollectionSealed when the target collection is sealed.
func (r *SourceDocumentRepository) Create(ctx context.Context, doc *SourceDocument) error {
	if doc.TenantID == "" {
		return ErrInvalidTenant
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = StatusPendingIngestion
	}
	if doc.SearchableStatus == "" {
		doc.SearchableStatus = SearchablePending
	}
	if doc.AuthorityLevel == "" {
		doc.AuthorityLevel = AuthoritySupplementary
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = json.RawMessage(`{}`)
	}

	if doc.CollectionID != nil {
		var status CollectionStatus
		err := r.db.QueryRowContext(ctx,
			`SELECT status FROM collections WHERE id = $1 AND tenant_id = $2`,
			*doc.CollectionID, doc.TenantID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check collection: %w", err)
		}
		if status == CollectionSealed {
			return ErrCollectionSealed
		}
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO source_documents
			(id, tenant_id, collection_id, batch_id, filename, storage_path,
			 storage_bucket, status, searchable_status, authority_level, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		doc.ID, doc.TenantID, doc.CollectionID, doc.BatchID, doc.Filename,
		doc.StoragePath, doc.StorageBucket, doc.Status, doc.SearchableStatus,
		doc.AuthorityLevel, []byte(doc.Metadata))
	if err := row.Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetByID fetches one document within the tenant scope.
func (r *SourceDocumentRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*SourceDocument, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM source_documents WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// List pages documents for a tenant, optionally filtered by collection
// and/or status, newest first.
func (r *SourceDocumentRepository) List(ctx context.Context, tenantID string, collectionID *uuid.UUID, status IngestionStatus, limit, offset int) ([]*SourceDocument, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + ` FROM source_documents WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if collectionID != nil {
		args = append(args, *collectionID)
		query += fmt.Sprintf(" AND collection_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*SourceDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListByBatch returns every document registered to a batch, oldest first.
// The batch progress view and in-batch filename dedupe both read this.
func (r *SourceDocumentRepository) ListByBatch(ctx context.Context, tenantID string, batchID uuid.UUID) ([]*SourceDocument, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM source_documents
		 WHERE batch_id = $1 AND tenant_id = $2
		 ORDER BY created_at ASC, id ASC`,
		batchID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list batch documents: %w", err)
	}
	defer rows.Close()

	var out []*SourceDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TransitionStatus moves a document from an expected status to a new one.
// Returns ErrConflict when the document is no longer in the expected state,
// which callers treat as "someone else got here first".
func (r *SourceDocumentRepository) TransitionStatus(ctx context.Context, tenantID string, id uuid.UUID, from, to IngestionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE source_documents SET status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = $4`,
		to, id, tenantID, from)
	if err != nil {
		return fmt.Errorf("transition document status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SetStatus forces a document status regardless of the current one, with an
// optional error message. Used for failure paths where the prior state is
// not known.
func (r *SourceDocumentRepository) SetStatus(ctx context.Context, tenantID string, id uuid.UUID, status IngestionStatus, errorMessage *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE source_documents SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3 AND tenant_id = $4`,
		status, errorMessage, id, tenantID)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSearchable flips searchable_status once chunks are persisted.
func (r *SourceDocumentRepository) SetSearchable(ctx context.Context, tenantID string, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE source_documents SET searchable_status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3`,
		SearchableReady, id, tenantID)
	if err != nil {
		return fmt.Errorf("set searchable: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (r *SourceDocumentRepository) IncrementRetry(ctx context.Context, tenantID string, id uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE source_documents SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
		RETURNING retry_count`,
		id, tenantID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// CountPending returns how many documents sit in non-terminal ingestion
// states for a tenant. Backpressure admission reads this before accepting
// new uploads. A positive cap bounds the scan: once a tenant is past the
// admission limit the exact depth no longer matters.
func (r *SourceDocumentRepository) CountPending(ctx context.Context, tenantID string, cap int) (int, error) {
	var limit interface{}
	if cap > 0 {
		limit = cap
	}
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM source_documents
			WHERE tenant_id = $1 AND status = ANY($2)
			LIMIT $3
		) pending`,
		tenantID, pq.Array(statusStrings(PendingStates)), limit).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// CompletionDurations returns wall-clock ingestion durations of the most
// recently processed documents, newest first. Feeds the throughput-based
// ETA estimate.
func (r *SourceDocumentRepository) CompletionDurations(ctx context.Context, tenantID string, window int) ([]time.Duration, error) {
	if window <= 0 {
		window = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT EXTRACT(EPOCH FROM (updated_at - created_at))
		FROM source_documents
		WHERE tenant_id = $1 AND status = $2
		ORDER BY updated_at DESC
		LIMIT $3`,
		tenantID, StatusProcessed, window)
	if err != nil {
		return nil, fmt.Errorf("completion durations: %w", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var seconds float64
		if err := rows.Scan(&seconds); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		out = append(out, time.Duration(seconds*float64(time.Second)))
	}
	return out, rows.Err()
}

// DeleteCascade removes a document together with its chunks, summary nodes,
// and graph provenance. Chunk deletion is sliced like collection cascade.
func (r *SourceDocumentRepository) DeleteCascade(ctx context.Context, tenantID string, id uuid.UUID, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM content_chunks WHERE id IN (
				SELECT id FROM content_chunks
				WHERE source_id = $1 AND tenant_id = $2
				LIMIT $3
			)`, id, tenantID, batchSize)
		if err != nil {
			return fmt.Errorf("delete document chunks: %w", err)
		}
		n, _ := res.RowsAffected()
		if n < int64(batchSize) {
			break
		}
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM regulatory_nodes WHERE source_document_id = $1 AND tenant_id = $2`,
		id, tenantID); err != nil {
		return fmt.Errorf("delete document summaries: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM ingestion_events WHERE source_document_id = $1 AND tenant_id = $2`,
		id, tenantID); err != nil {
		return fmt.Errorf("delete document events: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM source_documents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BatchRepository manages ingestion batches.
type BatchRepository struct {
	db DB
}

func NewBatchRepository(db DB) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchColumns = `id, tenant_id, collection_id, total_files, completed, failed,
	status, auto_seal, stalled, metadata, created_at, updated_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*IngestionBatch, error) {
	var b IngestionBatch
	var metadata []byte
	err := row.Scan(&b.ID, &b.TenantID, &b.CollectionID, &b.TotalFiles, &b.Completed,
		&b.Failed, &b.Status, &b.AutoSeal, &b.Stalled, &metadata,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Metadata = metadata
	return &b, nil
}

// Create registers a new batch in pending.
func (r *BatchRepository) Create(ctx context.Context, batch *IngestionBatch) error {
	if batch.TenantID == "" {
		return ErrInvalidTenant
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = BatchPending
	}
	if len(batch.Metadata) == 0 {
		batch.Metadata = json.RawMessage(`{}`)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO ingestion_batches
			(id, tenant_id, collection_id, total_files, status, auto_seal, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		batch.ID, batch.TenantID, batch.CollectionID, batch.TotalFiles,
		batch.Status, batch.AutoSeal, []byte(batch.Metadata))
	if err := row.Scan(&batch.CreatedAt, &batch.UpdatedAt); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// GetByID fetches one batch within the tenant scope.
func (r *BatchRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*IngestionBatch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM ingestion_batches WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// RecordOutcome adds one completed or failed document to the batch counters
// and derives the batch status in the same statement. Terminal statuses are
// monotonic: the guard skips rows that already finished, so late or
// duplicate outcomes cannot resurrect a terminal batch.
func (r *BatchRepository) RecordOutcome(ctx context.Context, tenantID string, id uuid.UUID, succeeded bool) (*IngestionBatch, error) {
	completedDelta, failedDelta := 0, 0
	if succeeded {
		completedDelta = 1
	} else {
		failedDelta = 1
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE ingestion_batches SET
			completed = completed + $1,
			failed = failed + $2,
			status = CASE
				WHEN completed + $1 + failed + $2 >= total_files THEN
					CASE
						WHEN failed + $2 = 0 THEN 'completed'
						WHEN completed + $1 = 0 THEN 'failed'
						ELSE 'partial'
					END
				ELSE 'processing'
			END,
			updated_at = now()
		WHERE id = $3 AND tenant_id = $4 AND status NOT IN ('completed', 'partial', 'failed')
		RETURNING `+batchColumns,
		completedDelta, failedDelta, id, tenantID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either absent or already terminal; disambiguate for the caller.
		existing, getErr := r.GetByID(ctx, tenantID, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("record batch outcome: %w", err)
	}
	return b, nil
}

// Seal fixes total_files at the number of registered documents and derives
// the status with the same math RecordOutcome uses, so a batch whose
// outcomes already cover every registered file becomes terminal in the same
// statement. Sealing an already-terminal batch returns ErrConflict.
func (r *BatchRepository) Seal(ctx context.Context, tenantID string, id uuid.UUID) (*IngestionBatch, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE ingestion_batches SET
			total_files = reg.n,
			status = CASE
				WHEN completed + failed >= reg.n THEN
					CASE
						WHEN failed = 0 THEN 'completed'
						WHEN completed = 0 AND reg.n > 0 THEN 'failed'
						ELSE 'partial'
					END
				ELSE 'processing'
			END,
			updated_at = now()
		FROM (
			SELECT count(*) AS n FROM source_documents
			WHERE batch_id = $1 AND tenant_id = $2
		) reg
		WHERE id = $1 AND tenant_id = $2 AND status NOT IN ('completed', 'partial', 'failed')
		RETURNING `+batchColumns,
		id, tenantID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetByID(ctx, tenantID, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("seal batch: %w", err)
	}
	return b, nil
}

// SetStalled flags batches whose progress has gone quiet. The flag is
// advisory and cleared by the next outcome.
func (r *BatchRepository) SetStalled(ctx context.Context, tenantID string, id uuid.UUID, stalled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_batches SET stalled = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		stalled, id, tenantID)
	if err != nil {
		return fmt.Errorf("set batch stalled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns non-terminal batches across all tenants, oldest first.
// The stall monitor sweeps these.
func (r *BatchRepository) ListActive(ctx context.Context, quietFor time.Duration) ([]*IngestionBatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM ingestion_batches
		WHERE status NOT IN ('completed', 'partial', 'failed')
		  AND updated_at < now() - $1 * INTERVAL '1 second'
		ORDER BY created_at ASC`,
		int(quietFor.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list active batches: %w", err)
	}
	defer rows.Close()

	var out []*IngestionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EventRepository appends and pages ingestion progress events.
type EventRepository struct {
	db DB
}

func NewEventRepository(db DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, tenant_id, source_document_id, message, status, phase,
	phase_metadata, created_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (*IngestionEvent, error) {
	var e IngestionEvent
	var meta []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.SourceDocumentID, &e.Message, &e.Status,
		&e.Phase, &meta, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.PhaseMetadata = meta
	return &e, nil
}

// Append writes one progress event.
func (r *EventRepository) Append(ctx context.Context, event *IngestionEvent) error {
	if event.TenantID == "" {
		return ErrInvalidTenant
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = EventInfo
	}
	if len(event.PhaseMetadata) == 0 {
		event.PhaseMetadata = json.RawMessage(`{}`)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO ingestion_events
			(id, tenant_id, source_document_id, message, status, phase, phase_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		event.ID, event.TenantID, event.SourceDocumentID, event.Message,
		event.Status, event.Phase, []byte(event.PhaseMetadata))
	if err := row.Scan(&event.CreatedAt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// EventCursor orders the event stream by (created_at, id). The zero value
// means "from the beginning".
type EventCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// String renders the cursor in its wire form, "{rfc3339nano}|{uuid}".
func (c EventCursor) String() string {
	if c.CreatedAt.IsZero() {
		return ""
	}
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
}

// ParseEventCursor reads the wire form back. Empty input yields the zero
// cursor.
func ParseEventCursor(s string) (EventCursor, error) {
	if s == "" {
		return EventCursor{}, nil
	}
	sep := strings.LastIndexByte(s, '|')
	if sep < 0 {
		return EventCursor{}, fmt.Errorf("malformed event cursor %q", s)
	}
	ts, err := time.Parse(time.RFC3339Nano, s[:sep])
	if err != nil {
		return EventCursor{}, fmt.Errorf("event cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(s[sep+1:])
	if err != nil {
		return EventCursor{}, fmt.Errorf("event cursor id: %w", err)
	}
	return EventCursor{CreatedAt: ts, ID: id}, nil
}

// ListAfter pages events for a document strictly after the cursor, oldest
// first. The SSE delta loop calls this with the cursor of the last event it
// pushed.
func (r *EventRepository) ListAfter(ctx context.Context, tenantID string, documentID uuid.UUID, after EventCursor, limit int) ([]*IngestionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM ingestion_events
		WHERE tenant_id = $1 AND source_document_id = $2
		  AND (created_at, id) > ($3::timestamptz, $4::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $5`,
		tenantID, documentID, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*IngestionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListBatchAfter pages events for every document registered to a batch,
// strictly after the cursor, oldest first. The batch progress stream and the
// events endpoint page with this.
func (r *EventRepository) ListBatchAfter(ctx context.Context, tenantID string, batchID uuid.UUID, after EventCursor, limit int) ([]*IngestionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.tenant_id, e.source_document_id, e.message, e.status, e.phase,
			e.phase_metadata, e.created_at
		FROM ingestion_events e
		JOIN source_documents d ON d.id = e.source_document_id AND d.tenant_id = e.tenant_id
		WHERE e.tenant_id = $1 AND d.batch_id = $2
		  AND (e.created_at, e.id) > ($3::timestamptz, $4::uuid)
		ORDER BY e.created_at ASC, e.id ASC
		LIMIT $5`,
		tenantID, batchID, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list batch events: %w", err)
	}
	defer rows.Close()

	var out []*IngestionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Latest returns the most recent event for a document, or ErrNotFound when
// none exist yet.
func (r *EventRepository) Latest(ctx context.Context, tenantID string, documentID uuid.UUID) (*IngestionEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ingestion_events
		WHERE tenant_id = $1 AND source_document_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		tenantID, documentID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	return e, nil
}

func statusStrings(statuses []IngestionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("uuid element %d: %w", i, err)
		}
		out[i] = id
	}
	return out, nil
}
