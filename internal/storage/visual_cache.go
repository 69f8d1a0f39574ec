package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// VisualCacheRepository caches visual-parse summaries keyed by content hash
// plus the provider/model/prompt/schema tuple. Content-addressed, so rows
// are shared across tenants: the same image always yields the same summary.
type VisualCacheRepository struct {
	db DB
}

func NewVisualCacheRepository(db DB) *VisualCacheRepository {
	return &VisualCacheRepository{db: db}
}

// CacheKey identifies one extraction result.
type CacheKey struct {
	ContentHash   string
	Provider      string
	Model         string
	PromptVersion string
	SchemaVersion string
}

// Get returns the cached summary for key, or ErrNotFound.
func (r *VisualCacheRepository) Get(ctx context.Context, key CacheKey) (*VisualExtraction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, content_hash, content_type, provider, model, prompt_version,
		       schema_version, summary, created_at
		FROM visual_extraction_cache
		WHERE content_hash = $1 AND provider = $2 AND model = $3
		  AND prompt_version = $4 AND schema_version = $5`,
		key.ContentHash, key.Provider, key.Model, key.PromptVersion, key.SchemaVersion)

	var v VisualExtraction
	err := row.Scan(&v.ID, &v.ContentHash, &v.ContentType, &v.Provider, &v.Model,
		&v.PromptVersion, &v.SchemaVersion, &v.Summary, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get visual extraction: %w", err)
	}
	return &v, nil
}

// Put stores an extraction result. Concurrent writers racing on the same
// key keep the first row.
func (r *VisualCacheRepository) Put(ctx context.Context, v *VisualExtraction) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO visual_extraction_cache
			(id, content_hash, content_type, provider, model, prompt_version,
			 schema_version, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (content_hash, provider, model, prompt_version, schema_version)
		DO NOTHING`,
		v.ID, v.ContentHash, v.ContentType, v.Provider, v.Model,
		v.PromptVersion, v.SchemaVersion, v.Summary)
	if err != nil {
		return fmt.Errorf("put visual extraction: %w", err)
	}
	return nil
}
