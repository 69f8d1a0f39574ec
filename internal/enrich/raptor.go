package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

const raptorSystemPrompt = `You write dense summaries of regulatory document passages. Respond with only the summary text. Cover every requirement, obligation, and clause reference in the input. Under 200 words. No preamble, no markdown headings.`

const (
	raptorSummaryInputLimit = 12000
	mirrorDescriptionLimit  = 512
)

type raptorStats struct {
	nodes   int
	levels  int
	skipped bool
}

// runRaptor rebuilds the document's summary tree bottom-up: cluster, write
// one summary per cluster, embed it, repeat on the summaries until a single
// root remains or the depth budget runs out. Each level is mirrored into the
// graph so hop navigation can reach summaries.
func (s *Service) runRaptor(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, eligible []*storage.ContentChunk) (raptorStats, error) {
	var stats raptorStats
	if len(eligible) <= s.cfg.RaptorMinChunks {
		stats.skipped = true
		logger.Debug().Int("chunks", len(eligible)).Msg("Summary tree below chunk threshold")
		return stats, nil
	}

	// Rebuilds are idempotent: clear whatever a previous attempt left.
	deleted, err := s.repos.Raptor.DeleteBySource(ctx, doc.TenantID, doc.ID)
	if err != nil {
		return stats, err
	}
	if deleted > 0 {
		logger.Info().Int64("deleted", deleted).Msg("Removed summary nodes from previous enrichment")
	}

	level1, err := s.buildLevelOne(ctx, logger, doc, eligible)
	if err != nil {
		return stats, err
	}
	stats.nodes = len(level1)
	stats.levels = 1

	mirrors, err := s.mirrorLevel(ctx, doc, level1, nil)
	if err != nil {
		return stats, err
	}

	prev := level1
	for level := 2; level <= s.cfg.RaptorMaxDepth && len(prev) > 1; level++ {
		nodes, err := s.buildUpperLevel(ctx, logger, doc, prev, level)
		if err != nil {
			return stats, err
		}
		stats.nodes += len(nodes)
		stats.levels = level
		if mirrors, err = s.mirrorLevel(ctx, doc, nodes, mirrors); err != nil {
			return stats, err
		}
		prev = nodes
	}

	logger.Info().
		Int("nodes", stats.nodes).
		Int("levels", stats.levels).
		Bool("single_root", len(prev) == 1).
		Msg("Summary tree built")
	return stats, nil
}

// buildLevelOne summarizes the chunk layer. With the structural bootstrap on,
// groups are the document's sections, guaranteeing one summary per section;
// otherwise vector clustering decides.
func (s *Service) buildLevelOne(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, chunks []*storage.ContentChunk) ([]*storage.RegulatoryNode, error) {
	type group struct {
		ref     string
		members []*storage.ContentChunk
	}
	var groups []group
	if s.cfg.StructuralBootstrap {
		index := make(map[string]int)
		for _, chunk := range chunks {
			ref, ok := sectionRef(chunk)
			if !ok {
				ref = ""
			}
			gi, seen := index[ref]
			if !seen {
				gi = len(groups)
				index[ref] = gi
				groups = append(groups, group{ref: ref})
			}
			groups[gi].members = append(groups[gi].members, chunk)
		}
	} else {
		vectors := make([][]float32, len(chunks))
		for i, c := range chunks {
			vectors[i] = c.Embedding
		}
		for _, idxs := range softCluster(vectors, groupCount(len(chunks))) {
			var g group
			for _, i := range idxs {
				g.members = append(g.members, chunks[i])
			}
			groups = append(groups, g)
		}
	}
	logger.Debug().Int("groups", len(groups)).Bool("structural", s.cfg.StructuralBootstrap).Msg("Chunk layer grouped")

	titles := make([]string, len(groups))
	summaries := make([]string, len(groups))
	for i, g := range groups {
		titles[i] = g.ref
		if titles[i] == "" {
			if s.cfg.StructuralBootstrap {
				titles[i] = "Preamble"
			} else {
				titles[i] = fmt.Sprintf("Topic group %d", i+1)
			}
		}
		texts := make([]string, len(g.members))
		for j, c := range g.members {
			texts[j] = c.Content
		}
		summary, err := s.summarizeCluster(ctx, titles[i], texts)
		if err != nil {
			return nil, fmt.Errorf("summarize %q: %w", titles[i], err)
		}
		summaries[i] = summary
	}

	vectors, err := s.embedBatches(ctx, summaries)
	if err != nil {
		return nil, fmt.Errorf("embed summaries: %w", err)
	}

	nodes := make([]*storage.RegulatoryNode, 0, len(groups))
	for i, g := range groups {
		node := &storage.RegulatoryNode{
			TenantID:         doc.TenantID,
			CollectionID:     doc.CollectionID,
			SourceDocumentID: &doc.ID,
			Level:            1,
			Title:            titles[i],
			Content:          summaries[i],
			Embedding:        vectors[i],
			ChildrenIDs:      chunkIDs(g.members),
		}
		if s.cfg.StructuralBootstrap && g.ref != "" {
			sectionID, err := s.upsertSectionEntity(ctx, doc.TenantID, g.ref, vectors[i])
			if err != nil {
				return nil, err
			}
			ref := g.ref
			node.SectionNodeID = &sectionID
			node.SectionRef = &ref
		}
		if err := s.repos.Raptor.Insert(ctx, node); err != nil {
			return nil, fmt.Errorf("insert summary node %q: %w", titles[i], err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// buildUpperLevel clusters the previous level's summaries and condenses each
// cluster one level up.
func (s *Service) buildUpperLevel(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, prev []*storage.RegulatoryNode, level int) ([]*storage.RegulatoryNode, error) {
	vectors := make([][]float32, len(prev))
	for i, n := range prev {
		vectors[i] = n.Embedding
	}
	clusters := softCluster(vectors, groupCount(len(prev)))
	logger.Debug().Int("level", level).Int("clusters", len(clusters)).Msg("Summary layer clustered")

	titles := make([]string, len(clusters))
	summaries := make([]string, len(clusters))
	children := make([][]uuid.UUID, len(clusters))
	for i, idxs := range clusters {
		texts := make([]string, len(idxs))
		ids := make([]uuid.UUID, len(idxs))
		for j, idx := range idxs {
			texts[j] = prev[idx].Content
			ids[j] = prev[idx].ID
		}
		titles[i] = fmt.Sprintf("Level %d summary %d", level, i+1)
		summary, err := s.summarizeCluster(ctx, titles[i], texts)
		if err != nil {
			return nil, fmt.Errorf("summarize level %d cluster %d: %w", level, i+1, err)
		}
		summaries[i] = summary
		children[i] = ids
	}

	vecs, err := s.embedBatches(ctx, summaries)
	if err != nil {
		return nil, fmt.Errorf("embed summaries: %w", err)
	}

	nodes := make([]*storage.RegulatoryNode, 0, len(clusters))
	for i := range clusters {
		node := &storage.RegulatoryNode{
			TenantID:           doc.TenantID,
			CollectionID:       doc.CollectionID,
			SourceDocumentID:   &doc.ID,
			Level:              level,
			Title:              titles[i],
			Content:            summaries[i],
			Embedding:          vecs[i],
			ChildrenSummaryIDs: children[i],
		}
		if err := s.repos.Raptor.Insert(ctx, node); err != nil {
			return nil, fmt.Errorf("insert level %d node: %w", level, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// mirrorLevel projects one tree level into the graph. childMirrors maps the
// previous level's node ids to their entities; nil marks the chunk level
// below, where mirrors ground to chunks through provenance instead.
func (s *Service) mirrorLevel(ctx context.Context, doc *storage.SourceDocument, nodes []*storage.RegulatoryNode, childMirrors map[uuid.UUID]uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	mirrors := make(map[uuid.UUID]uuid.UUID, len(nodes))
	for _, node := range nodes {
		entity := &storage.KnowledgeEntity{
			TenantID:    doc.TenantID,
			Name:        mirrorName(doc.ID, node),
			EntityType:  storage.EntityTypeRaptorSummary,
			Description: flatten(node.Content, mirrorDescriptionLimit),
			Embedding:   node.Embedding,
		}
		if err := s.repos.Graph.UpsertEntity(ctx, entity); err != nil {
			return nil, fmt.Errorf("mirror summary node: %w", err)
		}
		mirrors[node.ID] = entity.ID

		if childMirrors == nil {
			for _, chunkID := range node.ChildrenIDs {
				if err := s.repos.Graph.AddProvenance(ctx, doc.TenantID, entity.ID, chunkID); err != nil {
					return nil, fmt.Errorf("ground summary node: %w", err)
				}
			}
			if node.SectionNodeID != nil {
				if err := s.relate(ctx, doc.TenantID, entity.ID, *node.SectionNodeID, storage.RelationSummarizes); err != nil {
					return nil, err
				}
				if err := s.relate(ctx, doc.TenantID, *node.SectionNodeID, entity.ID, storage.RelationHasSummary); err != nil {
					return nil, err
				}
			}
			continue
		}
		for _, childID := range node.ChildrenSummaryIDs {
			childEntity, ok := childMirrors[childID]
			if !ok {
				continue
			}
			if err := s.relate(ctx, doc.TenantID, entity.ID, childEntity, storage.RelationSummarizes); err != nil {
				return nil, err
			}
			if err := s.relate(ctx, doc.TenantID, childEntity, entity.ID, storage.RelationHasSummary); err != nil {
				return nil, err
			}
		}
	}
	return mirrors, nil
}

func (s *Service) relate(ctx context.Context, tenantID string, src, dst uuid.UUID, relType string) error {
	err := s.repos.Graph.UpsertRelation(ctx, &storage.KnowledgeRelation{
		TenantID:       tenantID,
		SourceEntityID: src,
		TargetEntityID: dst,
		RelationType:   relType,
		Weight:         1,
	})
	if err != nil {
		return fmt.Errorf("relate summary node: %w", err)
	}
	return nil
}

// upsertSectionEntity materializes the DOCUMENT_SECTION node a bootstrapped
// summary hangs off. The graph sub-step upserts the same names, so either
// order converges on one entity per section.
func (s *Service) upsertSectionEntity(ctx context.Context, tenantID, ref string, embedding []float32) (uuid.UUID, error) {
	entity := &storage.KnowledgeEntity{
		TenantID:    tenantID,
		Name:        ref,
		EntityType:  storage.EntityTypeSection,
		Description: "Document section",
		Embedding:   embedding,
	}
	if err := s.repos.Graph.UpsertEntity(ctx, entity); err != nil {
		return uuid.Nil, fmt.Errorf("upsert section %q: %w", ref, err)
	}
	return entity.ID, nil
}

// summarizeCluster produces one dense summary for a group of texts.
func (s *Service) summarizeCluster(ctx context.Context, title string, texts []string) (string, error) {
	out, err := s.chat.Complete(ctx, []providers.ChatMessage{
		{Role: "system", Content: raptorSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Summarize the following passages from %q:\n\n%s", title, joinCapped(texts, raptorSummaryInputLimit))},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", fmt.Errorf("provider returned an empty summary for %q", title)
	}
	return summary, nil
}

// mirrorName keeps summary entities unique per (tenant, lower(name)) across
// documents sharing section titles, and stable across rebuilds so upserts
// replace instead of accumulating.
func mirrorName(docID uuid.UUID, node *storage.RegulatoryNode) string {
	return fmt.Sprintf("%s [summary %s L%d]", node.Title, shortID(docID), node.Level)
}

func shortID(id uuid.UUID) string {
	return strings.SplitN(id.String(), "-", 2)[0]
}

func chunkIDs(chunks []*storage.ContentChunk) []uuid.UUID {
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// joinCapped concatenates texts with separators up to roughly limit runes,
// noting how many were cut.
func joinCapped(texts []string, limit int) string {
	var b strings.Builder
	used := 0
	for i, t := range texts {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		remaining := limit - used
		if remaining <= 0 {
			fmt.Fprintf(&b, "[%d further passages omitted]", len(texts)-i)
			break
		}
		t = capRunes(t, remaining)
		b.WriteString(t)
		used += len([]rune(t))
	}
	return b.String()
}
