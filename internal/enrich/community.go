package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

const communitySystemPrompt = `You summarize a cluster of related entities extracted from regulatory documents. Respond with only the summary text: name the common theme, the most important entities, and how they relate. Under 120 words.`

const (
	communityMinSize        = 2
	communityMaxCount       = 50
	communityPromptEntities = 40
	entityPageSize          = 500
)

// CommunityOutcome is the community_rebuild job result payload.
type CommunityOutcome struct {
	Communities int `json:"communities"`
	Entities    int `json:"entities"`
	Singletons  int `json:"singletons_dropped,omitempty"`
	Fallbacks   int `json:"summary_fallbacks,omitempty"`
}

// HandleCommunity handles job_type community_rebuild: re-cluster the
// tenant's whole entity graph into summarized communities. Register it
// through jobs.HandlerFunc.
func (s *Service) HandleCommunity(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
	if job.TenantID == nil || *job.TenantID == "" {
		return nil, jobs.Permanent(errors.New("community job carries no tenant"))
	}
	var payload jobs.CommunityPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, jobs.Permanent(fmt.Errorf("decode community payload: %w", err))
		}
	}
	tenantID := *job.TenantID

	logger := s.logger.WithTenant(tenantID).WithOperation("community_rebuild")
	if payload.Reason != "" {
		logger = logger.With().Str("reason", payload.Reason).Logger()
	}

	// One rebuild at a time across tenants; the graph scan and the replace
	// are heavy.
	s.communityMu.Lock()
	defer s.communityMu.Unlock()

	outcome, err := s.rebuildCommunities(ctx, logger, tenantID)
	if err != nil {
		return nil, err
	}
	raw, mErr := json.Marshal(outcome)
	if mErr != nil {
		return nil, fmt.Errorf("encode community outcome: %w", mErr)
	}
	return raw, nil
}

func (s *Service) rebuildCommunities(ctx context.Context, logger *observability.Logger, tenantID string) (*CommunityOutcome, error) {
	entities, err := s.listAllEntities(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	outcome := &CommunityOutcome{Entities: len(entities)}
	if len(entities) == 0 {
		// Still clear whatever a previous graph left behind.
		if err := s.repos.Graph.ReplaceCommunities(ctx, tenantID, nil); err != nil {
			return nil, fmt.Errorf("replace communities: %w", err)
		}
		logger.Info().Msg("No entities, communities cleared")
		return outcome, nil
	}

	edges, err := s.repos.Graph.RelationAndEntityEdges(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}

	index := make(map[uuid.UUID]int, len(entities))
	for i, e := range entities {
		index[e.ID] = i
	}
	uf := newUnionFind(len(entities))
	for _, edge := range edges {
		si, ok := index[edge.SourceEntityID]
		if !ok {
			continue
		}
		ti, ok := index[edge.TargetEntityID]
		if !ok {
			continue
		}
		uf.union(si, ti)
	}

	byRoot := make(map[int][]int)
	for i := range entities {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], i)
	}
	var components [][]int
	for _, members := range byRoot {
		if len(members) < communityMinSize {
			outcome.Singletons++
			continue
		}
		components = append(components, members)
	}
	// Largest first; ties break on the first member index so the rebuild is
	// deterministic despite the map walk above.
	sort.Slice(components, func(a, b int) bool {
		if len(components[a]) != len(components[b]) {
			return len(components[a]) > len(components[b])
		}
		return components[a][0] < components[b][0]
	})
	if len(components) > communityMaxCount {
		components = components[:communityMaxCount]
	}

	summaries := make([]string, len(components))
	for i, members := range components {
		summary, err := s.summarizeCommunity(ctx, entities, members)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Int("community", i).Msg("Community summary degraded to entity roll call")
			summary = rollCallSummary(entities, members)
			outcome.Fallbacks++
		}
		summaries[i] = summary
	}

	vectors, err := s.embedBatches(ctx, summaries)
	if err != nil {
		return nil, fmt.Errorf("embed community summaries: %w", err)
	}

	communities := make([]*storage.KnowledgeCommunity, len(components))
	for i, members := range components {
		ids := make([]uuid.UUID, len(members))
		for j, m := range members {
			ids[j] = entities[m].ID
		}
		communities[i] = &storage.KnowledgeCommunity{
			TenantID:  tenantID,
			Summary:   summaries[i],
			Embedding: vectors[i],
			EntityIDs: ids,
		}
	}
	if err := s.repos.Graph.ReplaceCommunities(ctx, tenantID, communities); err != nil {
		return nil, fmt.Errorf("replace communities: %w", err)
	}
	outcome.Communities = len(communities)

	logger.Info().
		Int("communities", outcome.Communities).
		Int("entities", outcome.Entities).
		Int("dropped_singletons", outcome.Singletons).
		Msg("Communities rebuilt")
	return outcome, nil
}

func (s *Service) listAllEntities(ctx context.Context, tenantID string) ([]*storage.KnowledgeEntity, error) {
	var all []*storage.KnowledgeEntity
	for offset := 0; ; offset += entityPageSize {
		page, err := s.repos.Graph.ListEntities(ctx, tenantID, entityPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < entityPageSize {
			return all, nil
		}
	}
}

func (s *Service) summarizeCommunity(ctx context.Context, entities []*storage.KnowledgeEntity, members []int) (string, error) {
	var b strings.Builder
	for i, m := range members {
		if i == communityPromptEntities {
			fmt.Fprintf(&b, "... and %d more\n", len(members)-i)
			break
		}
		e := entities[m]
		fmt.Fprintf(&b, "- %s (%s)", e.Name, e.EntityType)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", flatten(e.Description, 160))
		}
		b.WriteString("\n")
	}
	out, err := s.chat.Complete(ctx, []providers.ChatMessage{
		{Role: "system", Content: communitySystemPrompt},
		{Role: "user", Content: "Entities:\n" + b.String()},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", errors.New("provider returned an empty community summary")
	}
	return summary, nil
}

// rollCallSummary is the deterministic stand-in when the provider cannot
// summarize a community.
func rollCallSummary(entities []*storage.KnowledgeEntity, members []int) string {
	names := make([]string, 0, 10)
	for _, m := range members {
		names = append(names, entities[m].Name)
		if len(names) == 10 {
			break
		}
	}
	suffix := ""
	if len(members) > len(names) {
		suffix = fmt.Sprintf(" and %d more", len(members)-len(names))
	}
	return fmt.Sprintf("Knowledge community of %d entities: %s%s.", len(members), strings.Join(names, ", "), suffix)
}

// unionFind is a plain disjoint-set over entity indexes.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
