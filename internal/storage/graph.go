package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// GraphRepository persists the knowledge graph: entities, typed relations,
// chunk provenance, and community summaries.
type GraphRepository struct {
	db DB
}

func NewGraphRepository(db DB) *GraphRepository {
	return &GraphRepository{db: db}
}

// UpsertEntity inserts or refreshes an entity. Identity is
// (tenant_id, lower(name)); a second extraction of the same name updates
// the description and type in place and returns the existing id.
func (r *GraphRepository) UpsertEntity(ctx context.Context, e *KnowledgeEntity) error {
	if e.TenantID == "" {
		return ErrInvalidTenant
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var embedding interface{}
	if len(e.Embedding) > 0 {
		embedding = formatVector(e.Embedding)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO knowledge_entities (id, tenant_id, name, entity_type, description, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (tenant_id, lower(name)) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			description = EXCLUDED.description,
			embedding = COALESCE(EXCLUDED.embedding, knowledge_entities.embedding),
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		e.ID, e.TenantID, e.Name, e.EntityType, e.Description, embedding)
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// UpsertRelation inserts or strengthens an edge. Identity is
// (source, target, type); repeated extraction accumulates weight.
func (r *GraphRepository) UpsertRelation(ctx context.Context, rel *KnowledgeRelation) error {
	if rel.TenantID == "" {
		return ErrInvalidTenant
	}
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	if rel.Weight <= 0 {
		rel.Weight = 1.0
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO knowledge_relations
			(id, tenant_id, source_entity_id, target_entity_id, relation_type, description, weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_entity_id, target_entity_id, relation_type) DO UPDATE SET
			description = EXCLUDED.description,
			weight = knowledge_relations.weight + EXCLUDED.weight
		RETURNING id, created_at`,
		rel.ID, rel.TenantID, rel.SourceEntityID, rel.TargetEntityID,
		rel.RelationType, rel.Description, rel.Weight)
	if err := row.Scan(&rel.ID, &rel.CreatedAt); err != nil {
		return fmt.Errorf("upsert relation: %w", err)
	}
	return nil
}

// AddProvenance links an entity to the chunk it was extracted from.
// Idempotent per (entity, chunk).
func (r *GraphRepository) AddProvenance(ctx context.Context, tenantID string, entityID, chunkID uuid.UUID) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO knowledge_node_provenance (id, tenant_id, entity_id, chunk_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id, chunk_id) DO NOTHING`,
		uuid.New(), tenantID, entityID, chunkID)
	if err != nil {
		return fmt.Errorf("add provenance: %w", err)
	}
	return nil
}

const entityColumns = `id, tenant_id, name, entity_type, description, created_at, updated_at`

func scanEntity(row interface{ Scan(...interface{}) error }) (*KnowledgeEntity, error) {
	var e KnowledgeEntity
	err := row.Scan(&e.ID, &e.TenantID, &e.Name, &e.EntityType, &e.Description,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntityByName resolves an entity by its case-insensitive name.
func (r *GraphRepository) GetEntityByName(ctx context.Context, tenantID, name string) (*KnowledgeEntity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM knowledge_entities
		 WHERE tenant_id = $1 AND lower(name) = lower($2)`,
		tenantID, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity by name: %w", err)
	}
	return e, nil
}

// ScoredEntity is one entity match with its cosine similarity to the query.
type ScoredEntity struct {
	Entity     *KnowledgeEntity
	Similarity float64
}

// MatchEntities finds the entities whose embeddings are nearest to the
// query vector.
func (r *GraphRepository) MatchEntities(ctx context.Context, tenantID string, embedding []float32, k int, threshold float64) ([]*ScoredEntity, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entityColumns+`, 1 - (embedding <=> $2::vector) AS similarity
		FROM knowledge_entities
		WHERE tenant_id = $1 AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY embedding <=> $2::vector
		LIMIT $4`,
		tenantID, formatVector(embedding), threshold, k)
	if err != nil {
		return nil, fmt.Errorf("match entities: %w", err)
	}
	defer rows.Close()

	var out []*ScoredEntity
	for rows.Next() {
		var e KnowledgeEntity
		var sim float64
		err := rows.Scan(&e.ID, &e.TenantID, &e.Name, &e.EntityType, &e.Description,
			&e.CreatedAt, &e.UpdatedAt, &sim)
		if err != nil {
			return nil, fmt.Errorf("scan entity match: %w", err)
		}
		out = append(out, &ScoredEntity{Entity: &e, Similarity: sim})
	}
	return out, rows.Err()
}

// GraphNeighbor is one entity reached by traversal, with the hop count of
// the shortest path and the strongest decayed path weight.
type GraphNeighbor struct {
	Entity     *KnowledgeEntity
	Hop        int
	PathWeight float64
}

// MultiHopContext walks the relation graph outward from the seed entities,
// up to maxHops edges deep. Each hop multiplies the accumulated weight by
// the edge weight and the decay factor; cycles are cut by tracking the path.
// Empty relationTypes/entityTypes mean no filter. Seeds themselves are not
// returned.
func (r *GraphRepository) MultiHopContext(ctx context.Context, tenantID string, seedIDs []uuid.UUID, maxHops int, decay float64, limit int, relationTypes, entityTypes []string) ([]*GraphNeighbor, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}
	if maxHops <= 0 {
		maxHops = 2
	}
	if decay <= 0 || decay > 1 {
		decay = 0.7
	}
	if limit <= 0 {
		limit = 10
	}
	if relationTypes == nil {
		relationTypes = []string{}
	}
	if entityTypes == nil {
		entityTypes = []string{}
	}

	rows, err := r.db.QueryContext(ctx, `
		WITH RECURSIVE walk AS (
			SELECT e.id, 0 AS hop, 1.0::float8 AS path_weight, ARRAY[e.id] AS path
			FROM knowledge_entities e
			WHERE e.tenant_id = $1 AND e.id = ANY($2)
			UNION ALL
			SELECT nxt.id, w.hop + 1, w.path_weight * GREATEST(r.weight, 0.1) * $4, w.path || nxt.id
			FROM walk w
			JOIN knowledge_relations r
			  ON r.tenant_id = $1
			 AND (r.source_entity_id = w.id OR r.target_entity_id = w.id)
			 AND (cardinality($6::text[]) = 0 OR r.relation_type = ANY($6))
			CROSS JOIN LATERAL (
				SELECT CASE WHEN r.source_entity_id = w.id
				            THEN r.target_entity_id
				            ELSE r.source_entity_id END AS id
			) nxt
			WHERE w.hop < $3 AND NOT (nxt.id = ANY(w.path))
		)
		SELECT e.id, e.tenant_id, e.name, e.entity_type, e.description,
		       e.created_at, e.updated_at,
		       MIN(w.hop) AS hop, MAX(w.path_weight) AS path_weight
		FROM walk w
		JOIN knowledge_entities e ON e.id = w.id
		WHERE w.hop > 0
		  AND (cardinality($7::text[]) = 0 OR e.entity_type = ANY($7))
		GROUP BY e.id, e.tenant_id, e.name, e.entity_type, e.description,
		         e.created_at, e.updated_at
		ORDER BY path_weight DESC, hop ASC
		LIMIT $5`,
		tenantID, pq.Array(uuidStrings(seedIDs)), maxHops, decay, limit,
		pq.Array(relationTypes), pq.Array(entityTypes))
	if err != nil {
		return nil, fmt.Errorf("multi-hop traversal: %w", err)
	}
	defer rows.Close()

	var out []*GraphNeighbor
	for rows.Next() {
		var e KnowledgeEntity
		var n GraphNeighbor
		err := rows.Scan(&e.ID, &e.TenantID, &e.Name, &e.EntityType, &e.Description,
			&e.CreatedAt, &e.UpdatedAt, &n.Hop, &n.PathWeight)
		if err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		n.Entity = &e
		out = append(out, &n)
	}
	return out, rows.Err()
}

// ResolveChunkIDs maps entities to the chunks that grounded them, deduped,
// strongest provenance first (insertion order as a proxy).
func (r *GraphRepository) ResolveChunkIDs(ctx context.Context, tenantID string, entityIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (chunk_id) chunk_id
		FROM knowledge_node_provenance
		WHERE tenant_id = $1 AND entity_id = ANY($2)
		ORDER BY chunk_id, created_at ASC`,
		tenantID, pq.Array(uuidStrings(entityIDs)))
	if err != nil {
		return nil, fmt.Errorf("resolve provenance: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PruneOrphanEntities removes entities that lost their last provenance row,
// along with their relations. Called after document deletion.
func (r *GraphRepository) PruneOrphanEntities(ctx context.Context, tenantID string) (int64, error) {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM knowledge_relations r
		WHERE r.tenant_id = $1 AND (
			NOT EXISTS (SELECT 1 FROM knowledge_node_provenance p WHERE p.entity_id = r.source_entity_id)
			OR NOT EXISTS (SELECT 1 FROM knowledge_node_provenance p WHERE p.entity_id = r.target_entity_id)
		)`, tenantID); err != nil {
		return 0, fmt.Errorf("prune orphan relations: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM knowledge_entities e
		WHERE e.tenant_id = $1
		  AND NOT EXISTS (SELECT 1 FROM knowledge_node_provenance p WHERE p.entity_id = e.id)`,
		tenantID)
	if err != nil {
		return 0, fmt.Errorf("prune orphan entities: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EntityCount reports the graph size for one tenant.
func (r *GraphRepository) EntityCount(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_entities WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("entity count: %w", err)
	}
	return count, nil
}

// ReplaceCommunities swaps a tenant's community summaries for a freshly
// built set. Rebuilds are whole-tenant, so replace is the natural unit.
func (r *GraphRepository) ReplaceCommunities(ctx context.Context, tenantID string, communities []*KnowledgeCommunity) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM knowledge_communities WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("clear communities: %w", err)
	}
	for _, c := range communities {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		var embedding interface{}
		if len(c.Embedding) > 0 {
			embedding = formatVector(c.Embedding)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO knowledge_communities (id, tenant_id, summary, embedding, entity_ids)
			VALUES ($1, $2, $3, $4::vector, $5)`,
			c.ID, tenantID, c.Summary, embedding, pq.Array(uuidStrings(c.EntityIDs)))
		if err != nil {
			return fmt.Errorf("insert community: %w", err)
		}
	}
	return nil
}

// ScoredCommunity is one community match with its cosine similarity.
type ScoredCommunity struct {
	Community  *KnowledgeCommunity
	Similarity float64
}

// MatchCommunities finds community summaries nearest to the query vector.
func (r *GraphRepository) MatchCommunities(ctx context.Context, tenantID string, embedding []float32, k int) ([]*ScoredCommunity, error) {
	if k <= 0 {
		k = 3
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, summary, entity_ids, created_at,
		       1 - (embedding <=> $2::vector) AS similarity
		FROM knowledge_communities
		WHERE tenant_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2::vector
		LIMIT $3`,
		tenantID, formatVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("match communities: %w", err)
	}
	defer rows.Close()

	var out []*ScoredCommunity
	for rows.Next() {
		var c KnowledgeCommunity
		var ids pq.StringArray
		var sim float64
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Summary, &ids, &c.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		parsed, err := parseUUIDs(ids)
		if err != nil {
			return nil, fmt.Errorf("community entity ids: %w", err)
		}
		c.EntityIDs = parsed
		out = append(out, &ScoredCommunity{Community: &c, Similarity: sim})
	}
	return out, rows.Err()
}

// RelationAndEntityEdges returns a tenant's full edge list with endpoint
// names. The community builder loads this once per rebuild.
func (r *GraphRepository) RelationAndEntityEdges(ctx context.Context, tenantID string) ([]*KnowledgeRelation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, source_entity_id, target_entity_id, relation_type,
		       description, weight, created_at
		FROM knowledge_relations
		WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeRelation
	for rows.Next() {
		var rel KnowledgeRelation
		err := rows.Scan(&rel.ID, &rel.TenantID, &rel.SourceEntityID, &rel.TargetEntityID,
			&rel.RelationType, &rel.Description, &rel.Weight, &rel.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, &rel)
	}
	return out, rows.Err()
}

// ListEntities pages a tenant's entities for the community rebuild.
func (r *GraphRepository) ListEntities(ctx context.Context, tenantID string, limit, offset int) ([]*KnowledgeEntity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM knowledge_entities
		 WHERE tenant_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
