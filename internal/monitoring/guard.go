package monitoring

import (
	"errors"
	"fmt"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
)

// ErrDimensionMismatch is returned when an embedding vector does not match
// the configured dimension. Ingestion treats it as permanent: retrying will
// not change the provider's output shape.
var ErrDimensionMismatch = errors.New("monitoring: embedding dimension mismatch")

// EmbeddingGuard asserts that every embedding entering the chunk store has
// the dimension the schema was provisioned for. A silent dimension drift
// (provider model swap, config typo) would otherwise corrupt the HNSW index.
type EmbeddingGuard struct {
	logger    *observability.Logger
	dimension int
}

// NewEmbeddingGuard creates a guard for the configured dimension.
func NewEmbeddingGuard(logger *observability.Logger, dimension int) *EmbeddingGuard {
	return &EmbeddingGuard{logger: logger, dimension: dimension}
}

// VerifyProvider compares the provider's declared dimension with the
// configured one. Called once at startup.
func (g *EmbeddingGuard) VerifyProvider(embedder providers.Embedder) error {
	if got := embedder.Dimension(); got != g.dimension {
		return fmt.Errorf("%w: provider %q reports %d, configured %d",
			ErrDimensionMismatch, embedder.Model(), got, g.dimension)
	}
	return nil
}

// CheckBatch validates every vector in a persist batch. Called before each
// chunk insert so a mid-stream provider change fails the job instead of
// writing unusable rows.
func (g *EmbeddingGuard) CheckBatch(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) == 0 {
			continue // chunks without embeddings are legal for structural rows
		}
		if len(v) != g.dimension {
			g.logger.Error().
				Int("index", i).
				Int("got", len(v)).
				Int("want", g.dimension).
				Msg("Embedding dimension mismatch in batch")
			return fmt.Errorf("%w: vector %d has %d dims, want %d",
				ErrDimensionMismatch, i, len(v), g.dimension)
		}
	}
	return nil
}

// Dimension reports the guarded dimension.
func (g *EmbeddingGuard) Dimension() int { return g.dimension }
