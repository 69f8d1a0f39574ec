package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Engine-level rpc_contract_status values.
const (
	contractOK       = "ok"       // atomic hybrid primitive answered
	contractDegraded = "degraded" // primitive failed, vector-only fallback served
	contractSplit    = "split"    // vector and FTS ran as separate queries
)

// graphSeedLimit caps how many entities seed the multi-hop walk.
const graphSeedLimit = 5

// Retriever is the engine seam. The plan executor and the multi-query path
// depend on this interface so tests can substitute scripted results.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID string, q EngineQuery) (*EngineResult, error)
}

// EngineQuery is one atomic retrieval question with its effective scope.
// GraphMaxHops of zero means the configured default; planned sub-queries set
// one or two hops from their is_deep flag.
type EngineQuery struct {
	Query           string
	K               int
	Scope           scopeContext
	TargetRelations []string
	TargetNodeTypes []string
	GraphMaxHops    int
}

// EngineResult is the engine's answer plus execution evidence for traces.
type EngineResult struct {
	Rows              []*Row
	EngineMode        string
	RPCContractStatus string
	FallbackUsed      bool
	TimingsMS         map[string]int64
	FiltersApplied    []string
	Warnings          []string
	WarningCodes      []string
	DroppedTenantRows int
}

func (r *EngineResult) warn(code, message string) {
	r.WarningCodes = append(r.WarningCodes, code)
	r.Warnings = append(r.Warnings, message)
}

// splitOutcome is the contract evidence of one retrieval branch. Fan-out
// goroutines write their own outcome and never touch the shared result; the
// caller folds outcomes after the group joins.
type splitOutcome struct {
	contractStatus string
	fallbackUsed   bool
	warnCodes      []string
	warnings       []string
}

func (b *splitOutcome) warn(code, message string) {
	b.warnCodes = append(b.warnCodes, code)
	b.warnings = append(b.warnings, message)
}

// fold merges a branch outcome into the result. Degraded outranks split:
// one branch falling back to vector-only is the stronger statement about
// what the response is made of.
func (r *EngineResult) fold(b splitOutcome) {
	if b.fallbackUsed {
		r.FallbackUsed = true
	}
	switch b.contractStatus {
	case contractDegraded:
		r.RPCContractStatus = contractDegraded
	case contractSplit:
		if r.RPCContractStatus != contractDegraded {
			r.RPCContractStatus = contractSplit
		}
	}
	for i, code := range b.warnCodes {
		r.warn(code, b.warnings[i])
	}
}

// Engine answers single questions over a tenant's corpus: a hybrid
// vector+lexical primary, an optional knowledge-graph hop grounded back to
// content chunks, tenant stamping, and a structural-row drop.
type Engine struct {
	logger   *observability.Logger
	chunks   *storage.ChunkRepository
	graph    *storage.GraphRepository
	embedder providers.Embedder
	cfg      config.RetrievalConfig
}

func NewEngine(logger *observability.Logger, chunks *storage.ChunkRepository, graph *storage.GraphRepository, embedder providers.Embedder, cfg config.RetrievalConfig) *Engine {
	return &Engine{
		logger:   logger.WithOperation("retrieval_engine"),
		chunks:   chunks,
		graph:    graph,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Retrieve runs one atomic retrieval. Queries of one character or less never
// reach the embedder; they return an empty result with a warning.
func (e *Engine) Retrieve(ctx context.Context, tenantID string, q EngineQuery) (*EngineResult, error) {
	started := time.Now()
	res := &EngineResult{
		EngineMode:        e.cfg.EngineMode,
		RPCContractStatus: contractOK,
		TimingsMS:         make(map[string]int64, 4),
		FiltersApplied:    q.Scope.filtersApplied(),
	}

	if len(strings.TrimSpace(q.Query)) <= 1 {
		res.warn(WarnQueryTooShort, "query too short for retrieval")
		res.TimingsMS["total"] = time.Since(started).Milliseconds()
		return res, nil
	}
	if q.K <= 0 {
		q.K = e.cfg.DefaultK
	}

	embedStart := time.Now()
	embedding, err := e.embedder.EmbedSingle(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	res.TimingsMS["embed"] = time.Since(embedStart).Milliseconds()

	chunkStart := time.Now()
	rows, err := e.retrieveChunks(ctx, tenantID, q, embedding, res)
	if err != nil {
		return nil, err
	}
	res.TimingsMS["chunk_search"] = time.Since(chunkStart).Milliseconds()

	if e.cfg.EnableGraphHop {
		graphStart := time.Now()
		graphRows, err := e.graphRetrieve(ctx, tenantID, embedding, q.GraphMaxHops, q.TargetRelations, q.TargetNodeTypes)
		if err != nil {
			e.logger.WithTenant(tenantID).Warn().Err(err).Msg("graph hop failed, continuing without graph rows")
			res.warn(WarnGraphFailed, "graph hop failed: "+err.Error())
		} else {
			rows = append(rows, graphRows...)
		}
		res.TimingsMS["graph_hop"] = time.Since(graphStart).Milliseconds()
	}

	rows, dropped := stampTenant(rows, tenantID, q.Scope.IncludeGlobal)
	res.DroppedTenantRows = dropped
	if dropped > 0 {
		res.warn(WarnTenantRowsDropped, fmt.Sprintf("%d rows dropped by tenant stamping", dropped))
	}
	// stampTenant already removed foreign rows; a nonzero canary means the
	// two predicates disagree and must be reconciled.
	var leaked int
	rows, leaked = LeakCanary(e.logger, tenantID, rows)
	if leaked > 0 {
		res.warn(WarnTenantRowsDropped, fmt.Sprintf("leak canary flagged %d rows", leaked))
	}

	rows = dropStructural(rows)
	if len(rows) > q.K {
		rows = rows[:q.K]
	}
	res.Rows = rows
	res.TimingsMS["total"] = time.Since(started).Milliseconds()
	return res, nil
}

// retrieveChunks runs the hybrid primary. Multiple requested standards fan
// out to parallel single-standard calls capped by the per-standard quota and
// interleaved round-robin so no standard dominates the candidate set.
func (e *Engine) retrieveChunks(ctx context.Context, tenantID string, q EngineQuery, embedding []float32, res *EngineResult) ([]*Row, error) {
	vectorWeight, ftsWeight := e.cfg.VectorWeight, e.cfg.FTSWeight
	if q.Scope.ClauseHint != "" {
		vectorWeight, ftsWeight = e.cfg.ClauseVectorWeight, e.cfg.ClauseFTSWeight
	}

	if len(q.Scope.Standards) > 1 {
		perStandard := make([][]*Row, len(q.Scope.Standards))
		outcomes := make([]splitOutcome, len(q.Scope.Standards))
		quota := e.cfg.PerStandardQuota
		if quota <= 0 || quota > 20 {
			quota = 20
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := range q.Scope.Standards {
			i := i
			g.Go(func() error {
				sq := q
				sq.Scope = q.Scope.withStandard(q.Scope.Standards[i])
				sq.K = quota
				rows, outcome, err := e.retrieveChunksSingle(gctx, tenantID, sq, embedding, vectorWeight, ftsWeight)
				if err != nil {
					return fmt.Errorf("standard %s: %w", q.Scope.Standards[i], err)
				}
				perStandard[i] = rows
				outcomes[i] = outcome
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, outcome := range outcomes {
			res.fold(outcome)
		}
		return interleave(perStandard), nil
	}

	rows, outcome, err := e.retrieveChunksSingle(ctx, tenantID, q, embedding, vectorWeight, ftsWeight)
	if err != nil {
		return nil, err
	}
	res.fold(outcome)
	return rows, nil
}

// retrieveChunksSingle issues one hybrid call. In atomic mode the database
// fuses both streams in a single statement; a failure there degrades to a
// vector-only search instead of failing the request. Split mode runs the two
// streams as separate queries and fuses them here.
func (e *Engine) retrieveChunksSingle(ctx context.Context, tenantID string, q EngineQuery, embedding []float32, vectorWeight, ftsWeight float64) ([]*Row, splitOutcome, error) {
	filters := q.Scope.chunkFilters()
	var outcome splitOutcome

	if e.cfg.EngineMode == "atomic" && e.cfg.UseHybridRPC {
		hits, err := e.chunks.RetrieveHybrid(ctx, tenantID, storage.HybridParams{
			Query:            q.Query,
			Embedding:        embedding,
			K:                q.K,
			RRFK:             e.cfg.RRFK,
			VectorWeight:     vectorWeight,
			FTSWeight:        ftsWeight,
			MatchThreshold:   e.cfg.MatchThreshold,
			PerStandardQuota: e.cfg.PerStandardQuota,
			EnableFTS:        e.cfg.EnableFTS,
			EFSearch:         e.cfg.HNSWEfSearch,
			Filters:          filters,
		})
		if err == nil {
			return scoredRows(hits, LayerHybrid), outcome, nil
		}
		e.logger.WithTenant(tenantID).Warn().Err(err).Msg("hybrid primitive failed, falling back to vector-only search")
		outcome.contractStatus = contractDegraded
		outcome.fallbackUsed = true
		outcome.warn(WarnHybridDegraded, "hybrid primitive failed: "+err.Error())

		hits, err = e.chunks.VectorSearch(ctx, tenantID, embedding, q.K, e.cfg.MatchThreshold, e.cfg.HNSWEfSearch, filters)
		if err != nil {
			return nil, outcome, fmt.Errorf("vector fallback: %w", err)
		}
		return scoredRows(hits, LayerVector), outcome, nil
	}

	outcome.contractStatus = contractSplit
	rows, err := e.splitSearch(ctx, tenantID, q, embedding, vectorWeight, ftsWeight, filters)
	return rows, outcome, err
}

// splitSearch fuses separate vector and FTS queries with reciprocal-rank
// fusion, mirroring what the atomic primitive computes in SQL.
func (e *Engine) splitSearch(ctx context.Context, tenantID string, q EngineQuery, embedding []float32, vectorWeight, ftsWeight float64, filters storage.ChunkFilters) ([]*Row, error) {
	pool := q.K * 10
	if pool < 50 {
		pool = 50
	}

	vecHits, err := e.chunks.VectorSearch(ctx, tenantID, embedding, pool, e.cfg.MatchThreshold, e.cfg.HNSWEfSearch, filters)
	if err != nil {
		return nil, fmt.Errorf("vector stream: %w", err)
	}

	var ftsHits []*storage.ScoredChunk
	if e.cfg.EnableFTS && strings.TrimSpace(q.Query) != "" {
		ftsHits, err = e.chunks.FTSSearch(ctx, tenantID, q.Query, pool, filters)
		if err != nil {
			return nil, fmt.Errorf("fts stream: %w", err)
		}
	}

	rrfK := float64(e.cfg.RRFK)
	type fusedHit struct {
		chunk *storage.ContentChunk
		sim   float64
		score float64
	}
	fused := make(map[uuid.UUID]*fusedHit, len(vecHits)+len(ftsHits))
	order := make([]uuid.UUID, 0, len(vecHits)+len(ftsHits))

	for _, h := range vecHits {
		fused[h.Chunk.ID] = &fusedHit{
			chunk: h.Chunk,
			sim:   h.VectorSim,
			score: vectorWeight / (rrfK + float64(h.VectorRank)),
		}
		order = append(order, h.Chunk.ID)
	}
	for _, h := range ftsHits {
		if f, ok := fused[h.Chunk.ID]; ok {
			f.score += ftsWeight / (rrfK + float64(h.FTSRank))
			continue
		}
		fused[h.Chunk.ID] = &fusedHit{
			chunk: h.Chunk,
			score: ftsWeight / (rrfK + float64(h.FTSRank)),
		}
		order = append(order, h.Chunk.ID)
	}

	out := make([]*Row, 0, len(order))
	for _, id := range order {
		f := fused[id]
		out = append(out, rowFromChunk(f.chunk, f.sim, f.score, LayerHybrid))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	if quota := e.cfg.PerStandardQuota; quota > 0 {
		out = capPerStandard(out, quota)
	}
	if len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

// graphRetrieve navigates the knowledge graph and grounds the hits back to
// content chunks. Entities with stored provenance become real chunk rows
// tagged graph_grounded; entities without lineage become synthetic text rows.
// Every row id carries the graph: prefix so graph rows never collide with
// hybrid rows.
func (e *Engine) graphRetrieve(ctx context.Context, tenantID string, embedding []float32, maxHops int, relationTypes, entityTypes []string) ([]*Row, error) {
	if maxHops <= 0 {
		maxHops = e.cfg.GraphHopMaxHops
	}
	seeds, err := e.graph.MatchEntities(ctx, tenantID, embedding, graphSeedLimit, e.cfg.MatchThreshold)
	if err != nil {
		return nil, fmt.Errorf("match entities: %w", err)
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	maxSeedSim := 0.0
	seedIDs := make([]uuid.UUID, 0, len(seeds))
	for _, s := range seeds {
		seedIDs = append(seedIDs, s.Entity.ID)
		if s.Similarity > maxSeedSim {
			maxSeedSim = s.Similarity
		}
	}

	neighbors, err := e.graph.MultiHopContext(ctx, tenantID, seedIDs,
		maxHops, e.cfg.GraphHopDecayFactor, e.cfg.GraphHopLimit,
		relationTypes, entityTypes)
	if err != nil {
		return nil, fmt.Errorf("multi-hop context: %w", err)
	}

	type scoredEntity struct {
		entity    *storage.KnowledgeEntity
		sim       float64
		hop       int
		reasoning string
	}
	candidates := make([]scoredEntity, 0, len(seeds)+len(neighbors))
	seen := make(map[uuid.UUID]bool, len(seeds)+len(neighbors))
	for _, s := range seeds {
		seen[s.Entity.ID] = true
		candidates = append(candidates, scoredEntity{
			entity:    s.Entity,
			sim:       s.Similarity,
			reasoning: fmt.Sprintf("entity %q matched the query with similarity %.2f", s.Entity.Name, s.Similarity),
		})
	}
	for _, n := range neighbors {
		if seen[n.Entity.ID] {
			continue
		}
		seen[n.Entity.ID] = true
		sim := clamp01(maxSeedSim * n.PathWeight)
		candidates = append(candidates, scoredEntity{
			entity: n.Entity,
			sim:    sim,
			hop:    n.Hop,
			reasoning: fmt.Sprintf("entity %q reached in %d hop(s) from matched entities, path weight %.2f",
				n.Entity.Name, n.Hop, n.PathWeight),
		})
	}

	// Late grounding: map each entity to the chunks it was extracted from,
	// keeping the strongest entity similarity per chunk.
	type grounding struct {
		sim       float64
		reasoning string
	}
	byChunk := make(map[uuid.UUID]grounding)
	chunkOrder := make([]uuid.UUID, 0, len(candidates))
	var rows []*Row

	for _, c := range candidates {
		chunkIDs, err := e.graph.ResolveChunkIDs(ctx, tenantID, []uuid.UUID{c.entity.ID})
		if err != nil {
			return nil, fmt.Errorf("resolve provenance for %s: %w", c.entity.ID, err)
		}
		if len(chunkIDs) == 0 {
			rows = append(rows, syntheticEntityRow(c.entity, c.sim, c.hop, c.reasoning))
			continue
		}
		for _, id := range chunkIDs {
			g, ok := byChunk[id]
			if !ok {
				chunkOrder = append(chunkOrder, id)
			}
			if !ok || c.sim > g.sim {
				byChunk[id] = grounding{sim: c.sim, reasoning: c.reasoning}
			}
		}
	}

	if len(chunkOrder) > 0 {
		chunks, err := e.chunks.FetchByIDs(ctx, tenantID, chunkOrder)
		if err != nil {
			return nil, fmt.Errorf("fetch grounded chunks: %w", err)
		}
		grounded := make([]*Row, 0, len(chunks))
		for _, c := range chunks {
			g := byChunk[c.ID]
			row := rowFromChunk(c, g.sim, g.sim, LayerGraphGrounded)
			row.ID = "graph:" + c.ID.String()
			row.setMeta("graph_reasoning", g.reasoning)
			row.setMeta("retrieved_via", "graph")
			grounded = append(grounded, row)
		}
		rows = append(grounded, rows...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].ID < rows[j].ID
	})
	if limit := e.cfg.GraphHopLimit; limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// syntheticEntityRow renders an entity with no chunk lineage as a text row.
// Seeds read as [anchor], traversal hits as [hop-N].
func syntheticEntityRow(entity *storage.KnowledgeEntity, sim float64, hop int, reasoning string) *Row {
	tag := "[anchor]"
	if hop > 0 {
		tag = fmt.Sprintf("[hop-%d]", hop)
	}
	content := fmt.Sprintf("%s %s", tag, entity.Name)
	if entity.Description != "" {
		content += ": " + entity.Description
	}
	row := &Row{
		ID:          "graph:" + entity.ID.String(),
		TenantID:    entity.TenantID,
		Content:     content,
		Score:       sim,
		Similarity:  sim,
		SourceLayer: LayerGraph,
		SourceType:  SourceUngroundedEntity,
		eligible:    true,
	}
	row.setMeta("graph_reasoning", reasoning)
	row.setMeta("retrieved_via", "graph")
	row.setMeta("entity_type", entity.EntityType)
	return row
}

// scoredRows lifts repository hits into pipeline rows.
func scoredRows(hits []*storage.ScoredChunk, layer string) []*Row {
	rows := make([]*Row, 0, len(hits))
	for _, h := range hits {
		rows = append(rows, rowFromChunk(h.Chunk, h.VectorSim, h.Score, layer))
	}
	return rows
}

// stampTenant keeps only rows provably visible to the tenant: owned rows
// always, global rows when the request opted into the shared corpus. The
// dropped count covers foreign rows only; excluding unrequested global rows
// is a filter, not a leak.
func stampTenant(rows []*Row, tenantID string, includeGlobal bool) ([]*Row, int) {
	kept := rows[:0]
	dropped := 0
	for _, r := range rows {
		switch {
		case r.TenantID == tenantID:
			kept = append(kept, r)
		case r.IsGlobal:
			if includeGlobal {
				kept = append(kept, r)
			}
		default:
			dropped++
		}
	}
	return kept, dropped
}

// dropStructural removes rows ingestion marked as navigation scaffolding.
func dropStructural(rows []*Row) []*Row {
	kept := rows[:0]
	for _, r := range rows {
		if r.eligible {
			kept = append(kept, r)
		}
	}
	return kept
}

// interleave merges per-standard result lists round-robin by rank so the
// final cut cannot be monopolized by the best-scoring standard.
func interleave(lists [][]*Row) []*Row {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make([]*Row, 0, total)
	for rank := 0; len(out) < total; rank++ {
		for _, l := range lists {
			if rank < len(l) {
				out = append(out, l[rank])
			}
		}
	}
	return out
}

// capPerStandard keeps at most quota rows per source standard, preserving
// order. Rows without a standard share the empty-string bucket.
func capPerStandard(rows []*Row, quota int) []*Row {
	counts := make(map[string]int)
	kept := rows[:0]
	for _, r := range rows {
		key := strings.ToLower(r.SourceStandard)
		if counts[key] >= quota {
			continue
		}
		counts[key]++
		kept = append(kept, r)
	}
	return kept
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
