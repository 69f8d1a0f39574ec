package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Stream names used for quota accounting, warnings, and metrics.
const (
	streamChunks = "chunks"
	streamGraph  = "graph"
	streamRaptor = "raptor"
)

// Fixed per-stream quotas for the final list; slack is filled in stream
// order once every quota is honored.
var streamQuotas = map[string]int{
	streamChunks: 3,
	streamGraph:  2,
	streamRaptor: 1,
}

// Fusion merges the three retrieval streams: plan-executed chunks, direct
// graph navigation, and RAPTOR summaries grounded back to leaf chunks. A
// failing stream degrades to a warning instead of failing the request.
type Fusion struct {
	logger   *observability.Logger
	chunks   *storage.ChunkRepository
	raptor   *storage.RaptorRepository
	engine   *Engine
	embedder providers.Embedder
	cfg      config.RetrievalConfig
}

func NewFusion(logger *observability.Logger, chunks *storage.ChunkRepository, raptor *storage.RaptorRepository, engine *Engine, embedder providers.Embedder, cfg config.RetrievalConfig) *Fusion {
	return &Fusion{
		logger:   logger.WithOperation("fusion"),
		chunks:   chunks,
		raptor:   raptor,
		engine:   engine,
		embedder: embedder,
		cfg:      cfg,
	}
}

// FusionResult carries the fused rows and the execution evidence of the
// side streams.
type FusionResult struct {
	Rows         []*Row
	Warnings     []string
	WarningCodes []string
	TimingsMS    map[string]int64
}

// Run embeds the query once for the side streams, runs graph and RAPTOR
// retrieval in parallel, and fills the final list by quota. chunkRows is the
// already-executed chunks stream.
func (f *Fusion) Run(ctx context.Context, tenantID, query string, chunkRows []*Row, k int) *FusionResult {
	res := &FusionResult{TimingsMS: make(map[string]int64, 3)}

	embedStart := time.Now()
	embedding, err := f.embedder.EmbedSingle(ctx, query)
	res.TimingsMS["fusion_embed"] = time.Since(embedStart).Milliseconds()
	if err != nil {
		// Without a query vector neither side stream can run; serve the
		// chunks stream alone.
		f.logger.WithTenant(tenantID).Warn().Err(err).Msg("fusion embed failed, serving chunks stream only")
		res.Warnings = append(res.Warnings, "fusion embedding failed: "+err.Error())
		res.WarningCodes = append(res.WarningCodes, WarnGraphFailed, WarnRaptorFailed)
		res.Rows = fuseQuota(chunkRows, nil, nil, k)
		return res
	}

	var (
		wg        sync.WaitGroup
		graphRows []*Row
		graphErr  error
		graphMS   int64
		rapRows   []*Row
		rapErr    error
		rapMS     int64
	)

	if f.cfg.EnableGraphHop {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			graphRows, graphErr = f.engine.graphRetrieve(ctx, tenantID, embedding, 0, nil, nil)
			graphMS = time.Since(started).Milliseconds()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		started := time.Now()
		rapRows, rapErr = f.raptorRetrieve(ctx, tenantID, embedding, k)
		rapMS = time.Since(started).Milliseconds()
	}()

	wg.Wait()
	res.TimingsMS["fusion_graph"] = graphMS
	res.TimingsMS["fusion_raptor"] = rapMS

	if graphErr != nil {
		f.logger.WithTenant(tenantID).Warn().Err(graphErr).Msg("graph stream failed")
		observability.RetrievalStreamFailures.WithLabelValues(streamGraph).Inc()
		res.Warnings = append(res.Warnings, "graph stream failed: "+graphErr.Error())
		res.WarningCodes = append(res.WarningCodes, WarnGraphFailed)
		graphRows = nil
	}
	if rapErr != nil {
		f.logger.WithTenant(tenantID).Warn().Err(rapErr).Msg("raptor stream failed")
		observability.RetrievalStreamFailures.WithLabelValues(streamRaptor).Inc()
		res.Warnings = append(res.Warnings, "raptor stream failed: "+rapErr.Error())
		res.WarningCodes = append(res.WarningCodes, WarnRaptorFailed)
		rapRows = nil
	}

	graphRows, _ = stampTenant(graphRows, tenantID, true)
	rapRows, _ = stampTenant(rapRows, tenantID, true)
	rapRows = dropStructural(rapRows)

	res.Rows = fuseQuota(chunkRows, graphRows, rapRows, k)
	return res
}

// raptorRetrieve matches summary nodes by vector, resolves each matched
// node down the tree to the leaf chunks that fed it, and returns those
// chunks tagged as the raptor stream. Chunk ids stay bare so a chunk found
// by both the hybrid and raptor streams deduplicates during fusion.
func (f *Fusion) raptorRetrieve(ctx context.Context, tenantID string, embedding []float32, k int) ([]*Row, error) {
	nodes, err := f.raptor.MatchSummaries(ctx, tenantID, embedding, k, f.cfg.MatchThreshold)
	if err != nil {
		return nil, fmt.Errorf("match summaries: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	type grounding struct {
		sim    float64
		nodeID uuid.UUID
	}
	byChunk := make(map[uuid.UUID]grounding)
	var order []uuid.UUID
	for _, n := range nodes {
		chunkIDs, err := f.raptor.ResolveChunkIDs(ctx, tenantID, []uuid.UUID{n.Node.ID})
		if err != nil {
			return nil, fmt.Errorf("resolve summary %s: %w", n.Node.ID, err)
		}
		for _, id := range chunkIDs {
			g, ok := byChunk[id]
			if !ok {
				order = append(order, id)
			}
			if !ok || n.Similarity > g.sim {
				byChunk[id] = grounding{sim: n.Similarity, nodeID: n.Node.ID}
			}
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	chunks, err := f.chunks.FetchByIDs(ctx, tenantID, order)
	if err != nil {
		return nil, fmt.Errorf("fetch raptor chunks: %w", err)
	}
	rows := make([]*Row, 0, len(chunks))
	for _, c := range chunks {
		g := byChunk[c.ID]
		row := rowFromChunk(c, g.sim, g.sim, LayerRaptor)
		row.setMeta("retrieved_via", "raptor")
		row.setMeta("summary_node_id", g.nodeID.String())
		rows = append(rows, row)
	}
	sortRows(rows)
	return rows, nil
}

// fuseQuota fills the final list: first each stream's fixed quota in chunks,
// graph, raptor order, then slack in the same order. A row already taken
// under another identity is skipped without consuming quota.
func fuseQuota(chunks, graph, raptor []*Row, k int) []*Row {
	if k <= 0 {
		return nil
	}
	type stream struct {
		name string
		rows []*Row
		next int
	}
	streams := []*stream{
		{name: streamChunks, rows: chunks},
		{name: streamGraph, rows: graph},
		{name: streamRaptor, rows: raptor},
	}

	seen := make(map[string]bool, k)
	out := make([]*Row, 0, k)
	take := func(s *stream, limit int) {
		taken := 0
		for s.next < len(s.rows) && taken < limit && len(out) < k {
			r := s.rows[s.next]
			s.next++
			key := r.identity(s.name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, r)
			taken++
		}
	}

	for _, s := range streams {
		take(s, streamQuotas[s.name])
	}
	for _, s := range streams {
		take(s, k)
	}
	return out
}
