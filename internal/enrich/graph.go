package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

const graphSystemPrompt = `You extract a knowledge graph from regulatory text. Respond with a JSON object of the form {"entities": [{"name": "...", "type": "...", "description": "..."}], "relations": [{"source": "...", "target": "...", "type": "...", "description": "..."}]}. Entity types: REQUIREMENT, PROCESS, ROLE, ARTIFACT, CONCEPT, STANDARD, CLAUSE. Relation types: REQUIRES, REFERENCES, PART_OF, RESPONSIBLE_FOR, PRODUCES, APPLIES_TO. Relations may only name entities from this same response. Extract only what the text states; an empty list is a valid answer.`

const graphPromptLimit = 6000

// ChunkGraphExtraction is the structured-output contract for one chunk.
type ChunkGraphExtraction struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// ExtractedEntity is one named node proposed by the extractor.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ExtractedRelation is one typed edge proposed by the extractor. Source and
// target are entity names, resolved to ids at flush time.
type ExtractedRelation struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type graphStats struct {
	entities         int
	relations        int
	sections         int
	skippedChunks    int
	skippedRelations int
}

// runGraph extracts entities and relations from retrieval-eligible chunks
// and upserts a document-structure entity for every section. Chunks are
// worked in sequential batches; a malformed response poisons one chunk, not
// the document.
func (s *Service) runGraph(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, chunks []*storage.ContentChunk) (graphStats, error) {
	var stats graphStats
	acc := newGraphAccumulator(doc.TenantID)

	// Structure nodes come from heading breadcrumbs, not the LLM, so every
	// chunk links to its section even when extraction skips it.
	for _, chunk := range chunks {
		if ref, ok := sectionRef(chunk); ok {
			acc.addSection(ref, chunk.ID)
		}
	}

	eligible := eligibleChunks(chunks)
	extracted := 0
	var lastErr error
	for start := 0; start < len(eligible); start += s.cfg.GraphBatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + s.cfg.GraphBatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		for _, chunk := range eligible[start:end] {
			var out ChunkGraphExtraction
			if err := s.chat.ExtractStructured(ctx, graphSystemPrompt, graphUserPrompt(chunk), &out); err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				logger.Warn().Err(err).Int("chunk_index", chunk.ChunkIndex).Msg("Chunk skipped: graph extraction failed")
				stats.skippedChunks++
				lastErr = err
				continue
			}
			acc.add(out, chunk.ID)
			extracted++
			if extracted%s.cfg.GraphLogEveryN == 0 {
				logger.Info().Int("extracted", extracted).Int("total", len(eligible)).Msg("Graph extraction progress")
			}
		}
	}
	if len(eligible) > 0 && extracted == 0 {
		// Nothing got through; this reads as a provider outage, not bad text.
		return stats, fmt.Errorf("graph extraction failed for all %d chunks: %w", len(eligible), lastErr)
	}

	flushed, err := s.flushGraph(ctx, logger, acc)
	if err != nil {
		return stats, err
	}
	stats.entities = flushed.entities
	stats.relations = flushed.relations
	stats.sections = flushed.sections
	stats.skippedRelations = flushed.skippedRelations

	logger.Info().
		Int("entities", stats.entities).
		Int("relations", stats.relations).
		Int("sections", stats.sections).
		Int("skipped_chunks", stats.skippedChunks).
		Msg("Knowledge graph extracted")
	return stats, nil
}

func graphUserPrompt(chunk *storage.ContentChunk) string {
	var b strings.Builder
	if len(chunk.HeadingPath) > 0 {
		fmt.Fprintf(&b, "Section: %s\n", strings.Join(chunk.HeadingPath, " > "))
	}
	if chunk.SourceStandard != nil && *chunk.SourceStandard != "" {
		fmt.Fprintf(&b, "Standard: %s\n", *chunk.SourceStandard)
	}
	if chunk.ClauseID != nil && *chunk.ClauseID != "" {
		fmt.Fprintf(&b, "Clause: %s\n", *chunk.ClauseID)
	}
	b.WriteString("\n")
	b.WriteString(capRunes(chunk.Content, graphPromptLimit))
	return b.String()
}

// graphAccumulator dedupes extractions in memory before one batched flush:
// entities keyed by lowercased name, relations by (source, target, type).
type graphAccumulator struct {
	tenantID string

	entities map[string]*pendingEntity
	order    []string

	relations map[string]*pendingRelation
	relOrder  []string
}

type pendingEntity struct {
	name        string
	entityType  string
	description string
	section     bool
	chunkIDs    []uuid.UUID
	seen        map[uuid.UUID]bool
}

type pendingRelation struct {
	source      string
	target      string
	relType     string
	description string
	weight      float64
}

func newGraphAccumulator(tenantID string) *graphAccumulator {
	return &graphAccumulator{
		tenantID:  tenantID,
		entities:  make(map[string]*pendingEntity),
		relations: make(map[string]*pendingRelation),
	}
}

func (a *graphAccumulator) add(ex ChunkGraphExtraction, chunkID uuid.UUID) {
	for _, e := range ex.Entities {
		a.entity(e.Name, normalizeGraphType(e.Type, "CONCEPT"), strings.TrimSpace(e.Description), chunkID, false)
	}
	for _, r := range ex.Relations {
		src := strings.TrimSpace(r.Source)
		dst := strings.TrimSpace(r.Target)
		if src == "" || dst == "" || strings.EqualFold(src, dst) {
			continue
		}
		relType := normalizeGraphType(r.Type, "REFERENCES")
		key := strings.ToLower(src) + "\x00" + strings.ToLower(dst) + "\x00" + relType
		p, ok := a.relations[key]
		if !ok {
			p = &pendingRelation{source: src, target: dst, relType: relType}
			a.relations[key] = p
			a.relOrder = append(a.relOrder, key)
		}
		p.weight++
		if p.description == "" {
			p.description = strings.TrimSpace(r.Description)
		}
	}
}

func (a *graphAccumulator) addSection(ref string, chunkID uuid.UUID) {
	a.entity(ref, storage.EntityTypeSection, "Document section", chunkID, true)
}

func (a *graphAccumulator) entity(name, entityType, description string, chunkID uuid.UUID, section bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	key := strings.ToLower(name)
	p, ok := a.entities[key]
	if !ok {
		p = &pendingEntity{name: name, entityType: entityType, seen: make(map[uuid.UUID]bool)}
		a.entities[key] = p
		a.order = append(a.order, key)
	}
	// Longest description wins; first-seen name casing and type stick.
	if len(description) > len(p.description) {
		p.description = description
	}
	if section {
		p.section = true
		p.entityType = storage.EntityTypeSection
	}
	if chunkID != uuid.Nil && !p.seen[chunkID] {
		p.seen[chunkID] = true
		p.chunkIDs = append(p.chunkIDs, chunkID)
	}
}

type graphFlush struct {
	entities         int
	relations        int
	sections         int
	skippedRelations int
}

// flushGraph embeds and upserts the accumulated graph, then resolves
// relation endpoints by entity name. Endpoints extracted in an earlier
// document still resolve through the name index.
func (s *Service) flushGraph(ctx context.Context, logger *observability.Logger, acc *graphAccumulator) (graphFlush, error) {
	var res graphFlush
	if len(acc.order) == 0 {
		return res, nil
	}

	texts := make([]string, len(acc.order))
	for i, key := range acc.order {
		p := acc.entities[key]
		texts[i] = p.name
		if p.description != "" {
			texts[i] = p.name + ": " + p.description
		}
	}
	vectors, err := s.embedBatches(ctx, texts)
	if err != nil {
		return res, fmt.Errorf("embed entities: %w", err)
	}
	if len(vectors) != len(acc.order) {
		return res, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(acc.order), len(vectors))
	}

	ids := make(map[string]uuid.UUID, len(acc.order))
	for i, key := range acc.order {
		p := acc.entities[key]
		entity := &storage.KnowledgeEntity{
			TenantID:    acc.tenantID,
			Name:        p.name,
			EntityType:  p.entityType,
			Description: p.description,
			Embedding:   vectors[i],
		}
		if err := s.repos.Graph.UpsertEntity(ctx, entity); err != nil {
			return res, fmt.Errorf("upsert entity %q: %w", p.name, err)
		}
		ids[key] = entity.ID
		if p.section {
			res.sections++
		} else {
			res.entities++
		}
		for _, chunkID := range p.chunkIDs {
			if err := s.repos.Graph.AddProvenance(ctx, acc.tenantID, entity.ID, chunkID); err != nil {
				return res, fmt.Errorf("add provenance for %q: %w", p.name, err)
			}
		}
	}

	for _, key := range acc.relOrder {
		p := acc.relations[key]
		srcID, srcOK := ids[strings.ToLower(p.source)]
		if !srcOK {
			srcID, srcOK = s.lookupEntity(ctx, acc.tenantID, p.source)
		}
		dstID, dstOK := ids[strings.ToLower(p.target)]
		if !dstOK {
			dstID, dstOK = s.lookupEntity(ctx, acc.tenantID, p.target)
		}
		if !srcOK || !dstOK || srcID == dstID {
			res.skippedRelations++
			continue
		}
		rel := &storage.KnowledgeRelation{
			TenantID:       acc.tenantID,
			SourceEntityID: srcID,
			TargetEntityID: dstID,
			RelationType:   p.relType,
			Description:    p.description,
			Weight:         p.weight,
		}
		if err := s.repos.Graph.UpsertRelation(ctx, rel); err != nil {
			return res, fmt.Errorf("upsert relation %s: %w", p.relType, err)
		}
		res.relations++
	}
	if res.skippedRelations > 0 {
		logger.Debug().Int("skipped", res.skippedRelations).Msg("Relations dropped: endpoint entity unknown")
	}
	return res, nil
}

func (s *Service) lookupEntity(ctx context.Context, tenantID, name string) (uuid.UUID, bool) {
	e, err := s.repos.Graph.GetEntityByName(ctx, tenantID, name)
	if err != nil {
		return uuid.Nil, false
	}
	return e.ID, true
}

// normalizeGraphType folds free-form type labels onto the UPPER_SNAKE shape
// the graph tables use.
func normalizeGraphType(t, fallback string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	t = strings.ReplaceAll(t, " ", "_")
	t = strings.ReplaceAll(t, "-", "_")
	if t == "" {
		return fallback
	}
	return t
}

// capRunes truncates s to at most limit runes.
func capRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
