package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TxBeginner is implemented by *sql.DB. Repositories that need SET LOCAL
// session knobs (hnsw.ef_search) open a short transaction when the handle
// supports it and fall back to a plain query when it does not.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ChunkRepository persists and searches content chunks.
type ChunkRepository struct {
	db DB
}

func NewChunkRepository(db DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, source_id, tenant_id, collection_id, content, chunk_index,
	file_page_number, heading_path, chunk_role, retrieval_eligible, source_standard,
	clause_id, authority_level, embedding_profile, metadata, is_global, created_at`

func scanChunk(row interface{ Scan(...interface{}) error }) (*ContentChunk, error) {
	var c ContentChunk
	var headingPath pq.StringArray
	var profile, metadata []byte
	err := row.Scan(&c.ID, &c.SourceID, &c.TenantID, &c.CollectionID, &c.Content,
		&c.ChunkIndex, &c.FilePageNumber, &headingPath, &c.ChunkRole,
		&c.RetrievalEligible, &c.SourceStandard, &c.ClauseID, &c.AuthorityLevel,
		&profile, &metadata, &c.IsGlobal, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.HeadingPath = headingPath
	c.Metadata = metadata
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &c.EmbeddingProfile); err != nil {
			return nil, fmt.Errorf("embedding profile: %w", err)
		}
	}
	return &c, nil
}

// InsertBatch persists chunks in slices of batchSize rows per statement.
// Embeddings ride along as pgvector text literals; structural rows without
// a vector insert NULL.
func (r *ChunkRepository) InsertBatch(ctx context.Context, chunks []*ContentChunk, batchSize int) error {
	if len(chunks) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := r.insertSlice(ctx, chunks[start:end]); err != nil {
			return fmt.Errorf("insert chunks [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func (r *ChunkRepository) insertSlice(ctx context.Context, chunks []*ContentChunk) error {
	const cols = 17
	placeholders := make([]string, 0, len(chunks))
	args := make([]interface{}, 0, len(chunks)*cols)

	for i, c := range chunks {
		if c.TenantID == "" {
			return ErrInvalidTenant
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.ChunkRole == "" {
			c.ChunkRole = RoleNormativeBody
		}
		if c.AuthorityLevel == "" {
			c.AuthorityLevel = AuthoritySupplementary
		}
		if len(c.Metadata) == 0 {
			c.Metadata = json.RawMessage(`{}`)
		}
		profile, err := json.Marshal(c.EmbeddingProfile)
		if err != nil {
			return fmt.Errorf("marshal embedding profile: %w", err)
		}

		var embedding interface{}
		if len(c.Embedding) > 0 {
			embedding = formatVector(c.Embedding)
		}

		base := i * cols
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d::vector, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
			base+10, base+11, base+12, base+13, base+14, base+15, base+16, base+17))
		args = append(args,
			c.ID, c.SourceID, c.TenantID, c.CollectionID, c.Content, embedding,
			c.ChunkIndex, c.FilePageNumber, pq.Array(c.HeadingPath), c.ChunkRole,
			c.RetrievalEligible, c.SourceStandard, c.ClauseID, c.AuthorityLevel,
			profile, []byte(c.Metadata), c.IsGlobal)
	}

	query := `
		INSERT INTO content_chunks
			(id, source_id, tenant_id, collection_id, content, embedding, chunk_index,
			 file_page_number, heading_path, chunk_role, retrieval_eligible,
			 source_standard, clause_id, authority_level, embedding_profile,
			 metadata, is_global)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteBySource removes all chunks of one document. Re-ingestion calls
// this before writing the fresh set.
func (r *ChunkRepository) DeleteBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM content_chunks WHERE source_id = $1 AND tenant_id = $2`,
		sourceID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks by source: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateContent rewrites a chunk's stored text. Visual anchoring stitches
// summaries into the text without touching the embedding.
func (r *ChunkRepository) UpdateContent(ctx context.Context, tenantID string, id uuid.UUID, content string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE content_chunks SET content = $1 WHERE id = $2 AND tenant_id = $3`,
		content, id, tenantID)
	if err != nil {
		return fmt.Errorf("update chunk content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBySource counts chunks for one document, optionally only the
// retrieval-eligible ones.
func (r *ChunkRepository) CountBySource(ctx context.Context, tenantID string, sourceID uuid.UUID, onlyEligible bool) (int, error) {
	query := `SELECT COUNT(*) FROM content_chunks WHERE source_id = $1 AND tenant_id = $2`
	if onlyEligible {
		query += ` AND retrieval_eligible`
	}
	var count int
	if err := r.db.QueryRowContext(ctx, query, sourceID, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// ListBySource returns a document's chunks in index order, embeddings
// included. Enrichment walks these.
func (r *ChunkRepository) ListBySource(ctx context.Context, tenantID string, sourceID uuid.UUID, onlyEligible bool) ([]*ContentChunk, error) {
	query := `
		SELECT ` + chunkColumns + `, embedding::text
		FROM content_chunks
		WHERE source_id = $1 AND tenant_id = $2`
	if onlyEligible {
		query += ` AND retrieval_eligible`
	}
	query += ` ORDER BY chunk_index ASC`

	rows, err := r.db.QueryContext(ctx, query, sourceID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	return collectChunksWithEmbedding(rows)
}

// FetchByIDs returns chunks by id within the tenant scope, including global
// rows. Order follows the input ids; missing ids are skipped silently.
func (r *ChunkRepository) FetchByIDs(ctx context.Context, tenantID string, ids []uuid.UUID) ([]*ContentChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`
		FROM content_chunks
		WHERE id = ANY($1) AND (tenant_id = $2 OR is_global)`,
		pq.Array(uuidStrings(ids)), tenantID)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*ContentChunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ContentChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ChunkFilters narrows search to a validated scope. All fields are optional;
// empty filters mean tenant-wide search.
type ChunkFilters struct {
	CollectionIDs   []uuid.UUID
	SourceStandards []string
	ClausePrefix    string
	Metadata        map[string]interface{}
	TimeField       string
	TimeFrom        *time.Time
	TimeTo          *time.Time
}

// whereClause renders the filters as SQL fragments against the given table
// alias, appending bind args. Tenant scoping and eligibility are always
// applied first.
func (f ChunkFilters) whereClause(alias, tenantParam string, args []interface{}) (string, []interface{}) {
	conds := []string{
		fmt.Sprintf("(%s.tenant_id = %s OR %s.is_global)", alias, tenantParam, alias),
		fmt.Sprintf("%s.retrieval_eligible", alias),
	}

	if len(f.CollectionIDs) > 0 {
		args = append(args, pq.Array(uuidStrings(f.CollectionIDs)))
		conds = append(conds, fmt.Sprintf("%s.collection_id = ANY($%d)", alias, len(args)))
	}
	if len(f.SourceStandards) > 0 {
		args = append(args, pq.Array(f.SourceStandards))
		conds = append(conds, fmt.Sprintf("lower(%s.source_standard) = ANY($%d)", alias, len(args)))
	}
	if f.ClausePrefix != "" {
		args = append(args, f.ClausePrefix+"%")
		conds = append(conds, fmt.Sprintf("%s.clause_id LIKE $%d", alias, len(args)))
	}
	if len(f.Metadata) > 0 {
		if blob, err := json.Marshal(f.Metadata); err == nil {
			args = append(args, blob)
			conds = append(conds, fmt.Sprintf("%s.metadata @> $%d", alias, len(args)))
		}
	}
	if f.TimeFrom != nil || f.TimeTo != nil {
		field := "created_at"
		if f.TimeField == "updated_at" {
			field = "created_at" // chunks are immutable; updated_at maps to creation
		}
		if f.TimeFrom != nil {
			args = append(args, *f.TimeFrom)
			conds = append(conds, fmt.Sprintf("%s.%s >= $%d", alias, field, len(args)))
		}
		if f.TimeTo != nil {
			args = append(args, *f.TimeTo)
			conds = append(conds, fmt.Sprintf("%s.%s <= $%d", alias, field, len(args)))
		}
	}

	return strings.Join(conds, " AND "), args
}

// ScoredChunk is one search hit with its fused score and per-stream ranks.
// A rank of zero means the stream did not return the row.
type ScoredChunk struct {
	Chunk      *ContentChunk
	Score      float64
	VectorRank int
	FTSRank    int
	VectorSim  float64
}

// HybridParams drives RetrieveHybrid.
type HybridParams struct {
	Query            string
	Embedding        []float32
	K                int
	RRFK             int
	VectorWeight     float64
	FTSWeight        float64
	MatchThreshold   float64
	PerStandardQuota int
	EnableFTS        bool
	EFSearch         int
	CandidatePool    int
	Filters          ChunkFilters
}

// RetrieveHybrid runs vector and full-text retrieval in one statement and
// fuses them with reciprocal-rank fusion:
//
//	score = w_vec * 1/(rrf_k + vector_rank) + w_fts * 1/(rrf_k + fts_rank)
//
// Rows below the vector match threshold that also miss the text stream are
// dropped. When PerStandardQuota > 0, each source_standard contributes at
// most that many rows before the final cut.
func (r *ChunkRepository) RetrieveHybrid(ctx context.Context, tenantID string, p HybridParams) ([]*ScoredChunk, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if p.K <= 0 {
		p.K = 6
	}
	if p.RRFK <= 0 {
		p.RRFK = 60
	}
	if p.VectorWeight == 0 && p.FTSWeight == 0 {
		p.VectorWeight, p.FTSWeight = 1.0, 1.0
	}
	pool := p.CandidatePool
	if pool <= 0 {
		pool = p.K * 10
		if pool < 50 {
			pool = 50
		}
	}

	args := []interface{}{tenantID}
	where, args := p.Filters.whereClause("c", "$1", args)

	args = append(args, formatVector(p.Embedding))
	vecParam := len(args)
	args = append(args, pool)
	poolParam := len(args)

	vectorCTE := fmt.Sprintf(`
		vector_hits AS (
			SELECT c.id,
			       1 - (c.embedding <=> $%d::vector) AS similarity,
			       ROW_NUMBER() OVER (ORDER BY c.embedding <=> $%d::vector) AS rank
			FROM content_chunks c
			WHERE %s AND c.embedding IS NOT NULL
			ORDER BY c.embedding <=> $%d::vector
			LIMIT $%d
		)`, vecParam, vecParam, where, vecParam, poolParam)

	ftsCTE := `fts_hits AS (SELECT NULL::uuid AS id, 0::float8 AS rank_score, 0::bigint AS rank WHERE FALSE)`
	if p.EnableFTS && strings.TrimSpace(p.Query) != "" {
		args = append(args, p.Query)
		qParam := len(args)
		ftsCTE = fmt.Sprintf(`
		fts_hits AS (
			SELECT c.id,
			       ts_rank_cd(c.fts, websearch_to_tsquery('english', $%d)) AS rank_score,
			       ROW_NUMBER() OVER (
			           ORDER BY ts_rank_cd(c.fts, websearch_to_tsquery('english', $%d)) DESC
			       ) AS rank
			FROM content_chunks c
			WHERE %s AND c.fts @@ websearch_to_tsquery('english', $%d)
			LIMIT $%d
		)`, qParam, qParam, where, qParam, poolParam)
	}

	args = append(args, p.RRFK)
	rrfParam := len(args)
	args = append(args, p.VectorWeight)
	vwParam := len(args)
	args = append(args, p.FTSWeight)
	fwParam := len(args)
	args = append(args, p.MatchThreshold)
	thresholdParam := len(args)

	quotaClause := ""
	if p.PerStandardQuota > 0 {
		args = append(args, p.PerStandardQuota)
		quotaClause = fmt.Sprintf(`
		WHERE standard_rank <= $%d`, len(args))
	}

	args = append(args, p.K)
	kParam := len(args)

	query := fmt.Sprintf(`
		WITH %s, %s,
		fused AS (
			SELECT COALESCE(v.id, f.id) AS id,
			       COALESCE(v.similarity, 0) AS similarity,
			       COALESCE(v.rank, 0) AS vector_rank,
			       COALESCE(f.rank, 0) AS fts_rank,
			       (CASE WHEN v.rank IS NULL THEN 0
			             ELSE $%d::float8 / ($%d + v.rank) END) +
			       (CASE WHEN f.rank IS NULL THEN 0
			             ELSE $%d::float8 / ($%d + f.rank) END) AS score
			FROM vector_hits v
			FULL OUTER JOIN fts_hits f USING (id)
		),
		eligible AS (
			SELECT fused.*, c.source_standard,
			       ROW_NUMBER() OVER (
			           PARTITION BY COALESCE(c.source_standard, '')
			           ORDER BY fused.score DESC
			       ) AS standard_rank
			FROM fused
			JOIN content_chunks c ON c.id = fused.id
			WHERE fused.similarity >= $%d OR fused.fts_rank > 0
		)
		SELECT %s, e.score, e.vector_rank, e.fts_rank, e.similarity
		FROM eligible e
		JOIN content_chunks c ON c.id = e.id%s
		ORDER BY e.score DESC
		LIMIT $%d`,
		vectorCTE, ftsCTE,
		vwParam, rrfParam, fwParam, rrfParam,
		thresholdParam,
		prefixColumns("c", chunkColumns), quotaClause, kParam)

	var out []*ScoredChunk
	err := r.queryWithEFSearch(ctx, p.EFSearch, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			sc, err := scanScoredChunk(rows)
			if err != nil {
				return fmt.Errorf("scan hybrid hit: %w", err)
			}
			out = append(out, sc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid retrieve: %w", err)
	}
	return out, nil
}

// VectorSearch runs the vector stream alone. The fallback path when FTS is
// disabled, and the entry point for entity/summary matching elsewhere.
func (r *ChunkRepository) VectorSearch(ctx context.Context, tenantID string, embedding []float32, k int, threshold float64, efSearch int, filters ChunkFilters) ([]*ScoredChunk, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if k <= 0 {
		k = 6
	}

	args := []interface{}{tenantID}
	where, args := filters.whereClause("c", "$1", args)
	args = append(args, formatVector(embedding))
	vecParam := len(args)
	args = append(args, threshold)
	thresholdParam := len(args)
	args = append(args, k)
	kParam := len(args)

	query := fmt.Sprintf(`
		SELECT %s,
		       1 - (c.embedding <=> $%d::vector) AS similarity,
		       ROW_NUMBER() OVER (ORDER BY c.embedding <=> $%d::vector) AS rank
		FROM content_chunks c
		WHERE %s AND c.embedding IS NOT NULL
		  AND 1 - (c.embedding <=> $%d::vector) >= $%d
		ORDER BY c.embedding <=> $%d::vector
		LIMIT $%d`,
		prefixColumns("c", chunkColumns),
		vecParam, vecParam, where, vecParam, thresholdParam, vecParam, kParam)

	var out []*ScoredChunk
	err := r.queryWithEFSearch(ctx, efSearch, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			var sim float64
			var rank int
			c, err := scanChunkWith(rows, &sim, &rank)
			if err != nil {
				return fmt.Errorf("scan vector hit: %w", err)
			}
			out = append(out, &ScoredChunk{Chunk: c, Score: sim, VectorRank: rank, VectorSim: sim})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return out, nil
}

// FTSSearch runs the full-text stream alone.
func (r *ChunkRepository) FTSSearch(ctx context.Context, tenantID, query string, k int, filters ChunkFilters) ([]*ScoredChunk, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if k <= 0 {
		k = 6
	}

	args := []interface{}{tenantID}
	where, args := filters.whereClause("c", "$1", args)
	args = append(args, query)
	qParam := len(args)
	args = append(args, k)
	kParam := len(args)

	sqlText := fmt.Sprintf(`
		SELECT %s,
		       ts_rank_cd(c.fts, websearch_to_tsquery('english', $%d)) AS rank_score,
		       ROW_NUMBER() OVER (
		           ORDER BY ts_rank_cd(c.fts, websearch_to_tsquery('english', $%d)) DESC
		       ) AS rank
		FROM content_chunks c
		WHERE %s AND c.fts @@ websearch_to_tsquery('english', $%d)
		LIMIT $%d`,
		prefixColumns("c", chunkColumns), qParam, qParam, where, qParam, kParam)

	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []*ScoredChunk
	for rows.Next() {
		var score float64
		var rank int
		c, err := scanChunkWith(rows, &score, &rank)
		if err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		out = append(out, &ScoredChunk{Chunk: c, Score: score, FTSRank: rank})
	}
	return out, rows.Err()
}

// queryWithEFSearch runs query and hands the rows to collect. When the
// handle supports transactions and efSearch is set, the query runs inside a
// short read-only transaction so SET LOCAL hnsw.ef_search applies; collect
// must drain the rows before the transaction commits.
func (r *ChunkRepository) queryWithEFSearch(ctx context.Context, efSearch int, query string, args []interface{}, collect func(*sql.Rows) error) error {
	run := func(q DB) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return collect(rows)
	}

	beginner, ok := r.db.(TxBeginner)
	if !ok || efSearch <= 0 {
		return run(r.db)
	}

	tx, err := beginner.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin search tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set ef_search: %w", err)
	}
	if err := run(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func collectChunksWithEmbedding(rows *sql.Rows) ([]*ContentChunk, error) {
	var out []*ContentChunk
	for rows.Next() {
		var c ContentChunk
		var headingPath pq.StringArray
		var profile, metadata []byte
		var embedding sql.NullString
		err := rows.Scan(&c.ID, &c.SourceID, &c.TenantID, &c.CollectionID, &c.Content,
			&c.ChunkIndex, &c.FilePageNumber, &headingPath, &c.ChunkRole,
			&c.RetrievalEligible, &c.SourceStandard, &c.ClauseID, &c.AuthorityLevel,
			&profile, &metadata, &c.IsGlobal, &c.CreatedAt, &embedding)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.HeadingPath = headingPath
		c.Metadata = metadata
		if len(profile) > 0 {
			if err := json.Unmarshal(profile, &c.EmbeddingProfile); err != nil {
				return nil, fmt.Errorf("embedding profile: %w", err)
			}
		}
		if embedding.Valid {
			vec, err := parseVector(embedding.String)
			if err != nil {
				return nil, fmt.Errorf("chunk embedding: %w", err)
			}
			c.Embedding = vec
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanScoredChunk(rows *sql.Rows) (*ScoredChunk, error) {
	var c ContentChunk
	var headingPath pq.StringArray
	var profile, metadata []byte
	sc := &ScoredChunk{}
	err := rows.Scan(&c.ID, &c.SourceID, &c.TenantID, &c.CollectionID, &c.Content,
		&c.ChunkIndex, &c.FilePageNumber, &headingPath, &c.ChunkRole,
		&c.RetrievalEligible, &c.SourceStandard, &c.ClauseID, &c.AuthorityLevel,
		&profile, &metadata, &c.IsGlobal, &c.CreatedAt,
		&sc.Score, &sc.VectorRank, &sc.FTSRank, &sc.VectorSim)
	if err != nil {
		return nil, err
	}
	c.HeadingPath = headingPath
	c.Metadata = metadata
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &c.EmbeddingProfile); err != nil {
			return nil, fmt.Errorf("embedding profile: %w", err)
		}
	}
	sc.Chunk = &c
	return sc, nil
}

func scanChunkWith(rows *sql.Rows, extras ...interface{}) (*ContentChunk, error) {
	var c ContentChunk
	var headingPath pq.StringArray
	var profile, metadata []byte
	dest := []interface{}{&c.ID, &c.SourceID, &c.TenantID, &c.CollectionID, &c.Content,
		&c.ChunkIndex, &c.FilePageNumber, &headingPath, &c.ChunkRole,
		&c.RetrievalEligible, &c.SourceStandard, &c.ClauseID, &c.AuthorityLevel,
		&profile, &metadata, &c.IsGlobal, &c.CreatedAt}
	dest = append(dest, extras...)
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	c.HeadingPath = headingPath
	c.Metadata = metadata
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &c.EmbeddingProfile); err != nil {
			return nil, fmt.Errorf("embedding profile: %w", err)
		}
	}
	return &c, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
