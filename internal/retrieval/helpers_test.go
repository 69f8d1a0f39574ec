package retrieval

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

const testTenant = "tenant-a"

func testCtx() context.Context {
	return tenancy.WithTenant(context.Background(), testTenant)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// stubEmbedder counts calls and can be forced to fail, for asserting when
// the pipeline does and does not embed.
type stubEmbedder struct {
	mu      sync.Mutex
	singles int
	err     error
}

func (s *stubEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.singles++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.EmbedSingle(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) EmbedLate(ctx context.Context, block string, spans []providers.Span) ([][]float32, error) {
	return nil, providers.ErrLateChunkingUnsupported
}

func (s *stubEmbedder) Model() string  { return "stub-embedder" }
func (s *stubEmbedder) Dimension() int { return 3 }

func (s *stubEmbedder) Profile() storage.EmbeddingProfile {
	return storage.EmbeddingProfile{Provider: "stub", Model: "stub-embedder", Dims: 3}
}

func (s *stubEmbedder) singleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singles
}

// stubRetriever satisfies Retriever with a programmable function and records
// the queries it saw.
type stubRetriever struct {
	mu      sync.Mutex
	queries []EngineQuery
	fn      func(q EngineQuery) (*EngineResult, error)
}

func (s *stubRetriever) Retrieve(ctx context.Context, tenantID string, q EngineQuery) (*EngineResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fn(q)
}

func (s *stubRetriever) seen() []EngineQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EngineQuery, len(s.queries))
	copy(out, s.queries)
	return out
}

func engineRows(rows ...*Row) *EngineResult {
	return &EngineResult{
		Rows:              rows,
		EngineMode:        "atomic",
		RPCContractStatus: contractOK,
		TimingsMS:         map[string]int64{},
	}
}

// chunkRow builds an eligible tenant-owned row for pipeline-level tests.
func chunkRow(id string, score float64) *Row {
	return &Row{
		ID:          id,
		TenantID:    testTenant,
		Content:     "content of " + id,
		Score:       score,
		Similarity:  score,
		SourceLayer: LayerHybrid,
		SourceType:  SourceContentChunk,
		eligible:    true,
	}
}

// mockChunkColumns matches the column list every chunk scan reads, plus
// similarity and rank for the search variants.
var mockChunkColumns = []string{
	"id", "source_id", "tenant_id", "collection_id", "content", "chunk_index",
	"file_page_number", "heading_path", "chunk_role", "retrieval_eligible",
	"source_standard", "clause_id", "authority_level", "embedding_profile",
	"metadata", "is_global", "created_at",
}

type mockChunk struct {
	id       uuid.UUID
	content  string
	standard string
	clause   string
	global   bool
	role     storage.ChunkRole
}

func (m mockChunk) values(extras ...driver.Value) []driver.Value {
	role := m.role
	if role == "" {
		role = storage.RoleNormativeBody
	}
	var standard, clause driver.Value
	if m.standard != "" {
		standard = m.standard
	}
	if m.clause != "" {
		clause = m.clause
	}
	vals := []driver.Value{
		m.id.String(), uuid.New().String(), testTenant, nil, m.content, 0,
		nil, "{Security,Access Control}", string(role), true,
		standard, clause, string(storage.AuthorityCanonical), nil,
		nil, m.global, time.Now(),
	}
	return append(vals, extras...)
}
