package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RaptorRepository persists hierarchical summary nodes. Level 0 is the
// chunk table itself; levels 1..N live here.
type RaptorRepository struct {
	db DB
}

func NewRaptorRepository(db DB) *RaptorRepository {
	return &RaptorRepository{db: db}
}

const raptorColumns = `id, tenant_id, collection_id, source_document_id, level, title,
	content, children_ids, children_summary_ids, section_node_id, section_ref, created_at`

func scanRaptorNode(row interface{ Scan(...interface{}) error }) (*RegulatoryNode, error) {
	var n RegulatoryNode
	var children, childrenSummaries pq.StringArray
	err := row.Scan(&n.ID, &n.TenantID, &n.CollectionID, &n.SourceDocumentID, &n.Level,
		&n.Title, &n.Content, &children, &childrenSummaries, &n.SectionNodeID,
		&n.SectionRef, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n.ChildrenIDs, err = parseUUIDs(children); err != nil {
		return nil, fmt.Errorf("children ids: %w", err)
	}
	if n.ChildrenSummaryIDs, err = parseUUIDs(childrenSummaries); err != nil {
		return nil, fmt.Errorf("children summary ids: %w", err)
	}
	return &n, nil
}

// Insert writes one summary node.
func (r *RaptorRepository) Insert(ctx context.Context, n *RegulatoryNode) error {
	if n.TenantID == "" {
		return ErrInvalidTenant
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var embedding interface{}
	if len(n.Embedding) > 0 {
		embedding = formatVector(n.Embedding)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO regulatory_nodes
			(id, tenant_id, collection_id, source_document_id, level, title, content,
			 embedding, children_ids, children_summary_ids, section_node_id, section_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10, $11, $12)
		RETURNING created_at`,
		n.ID, n.TenantID, n.CollectionID, n.SourceDocumentID, n.Level, n.Title,
		n.Content, embedding, pq.Array(uuidStrings(n.ChildrenIDs)),
		pq.Array(uuidStrings(n.ChildrenSummaryIDs)), n.SectionNodeID, n.SectionRef)
	if err := row.Scan(&n.CreatedAt); err != nil {
		return fmt.Errorf("insert summary node: %w", err)
	}
	return nil
}

// DeleteBySource removes a document's summary tree. Re-enrichment calls
// this before building the fresh one.
func (r *RaptorRepository) DeleteBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM regulatory_nodes WHERE tenant_id = $1 AND source_document_id = $2`,
		tenantID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete summary nodes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetByIDs fetches summary nodes by id within the tenant scope.
func (r *RaptorRepository) GetByIDs(ctx context.Context, tenantID string, ids []uuid.UUID) ([]*RegulatoryNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+raptorColumns+` FROM regulatory_nodes WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("get summary nodes: %w", err)
	}
	defer rows.Close()

	var out []*RegulatoryNode
	for rows.Next() {
		n, err := scanRaptorNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ScoredNode is one summary match with its cosine similarity.
type ScoredNode struct {
	Node       *RegulatoryNode
	Similarity float64
}

// MatchSummaries finds summary nodes nearest to the query vector.
func (r *RaptorRepository) MatchSummaries(ctx context.Context, tenantID string, embedding []float32, k int, threshold float64) ([]*ScoredNode, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+raptorColumns+`, 1 - (embedding <=> $2::vector) AS similarity
		FROM regulatory_nodes
		WHERE tenant_id = $1 AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY embedding <=> $2::vector
		LIMIT $4`,
		tenantID, formatVector(embedding), threshold, k)
	if err != nil {
		return nil, fmt.Errorf("match summaries: %w", err)
	}
	defer rows.Close()

	var out []*ScoredNode
	for rows.Next() {
		var n RegulatoryNode
		var children, childrenSummaries pq.StringArray
		var sim float64
		err := rows.Scan(&n.ID, &n.TenantID, &n.CollectionID, &n.SourceDocumentID,
			&n.Level, &n.Title, &n.Content, &children, &childrenSummaries,
			&n.SectionNodeID, &n.SectionRef, &n.CreatedAt, &sim)
		if err != nil {
			return nil, fmt.Errorf("scan summary match: %w", err)
		}
		if n.ChildrenIDs, err = parseUUIDs(children); err != nil {
			return nil, fmt.Errorf("children ids: %w", err)
		}
		if n.ChildrenSummaryIDs, err = parseUUIDs(childrenSummaries); err != nil {
			return nil, fmt.Errorf("children summary ids: %w", err)
		}
		out = append(out, &ScoredNode{Node: &n, Similarity: sim})
	}
	return out, rows.Err()
}

// ResolveChunkIDs walks summary nodes down to their base chunks. Trees are
// at most a few levels deep, so iterative resolution in memory beats a
// recursive query here.
func (r *RaptorRepository) ResolveChunkIDs(ctx context.Context, tenantID string, nodeIDs []uuid.UUID) ([]uuid.UUID, error) {
	seenChunks := make(map[uuid.UUID]bool)
	seenNodes := make(map[uuid.UUID]bool)
	var chunkIDs []uuid.UUID

	frontier := nodeIDs
	for depth := 0; len(frontier) > 0 && depth < 8; depth++ {
		var pending []uuid.UUID
		for _, id := range frontier {
			if !seenNodes[id] {
				seenNodes[id] = true
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}

		nodes, err := r.GetByIDs(ctx, tenantID, pending)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, n := range nodes {
			for _, chunkID := range n.ChildrenIDs {
				if !seenChunks[chunkID] {
					seenChunks[chunkID] = true
					chunkIDs = append(chunkIDs, chunkID)
				}
			}
			frontier = append(frontier, n.ChildrenSummaryIDs...)
		}
	}
	return chunkIDs, nil
}

// ListBySource returns a document's summary tree, deepest level first.
func (r *RaptorRepository) ListBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) ([]*RegulatoryNode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+raptorColumns+` FROM regulatory_nodes
		 WHERE tenant_id = $1 AND source_document_id = $2
		 ORDER BY level DESC, created_at ASC`,
		tenantID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list summary nodes: %w", err)
	}
	defer rows.Close()

	var out []*RegulatoryNode
	for rows.Next() {
		n, err := scanRaptorNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountBySource counts a document's summary nodes.
func (r *RaptorRepository) CountBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM regulatory_nodes WHERE tenant_id = $1 AND source_document_id = $2`,
		tenantID, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count summary nodes: %w", err)
	}
	return count, nil
}
