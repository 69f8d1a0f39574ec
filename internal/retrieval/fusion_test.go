package retrieval

import (
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func fusionRows(prefix string, n int) []*Row {
	rows := make([]*Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, chunkRow(prefix+string(rune('a'+i)), 1.0-float64(i)*0.1))
	}
	return rows
}

func TestFuseQuotaHonorsStreamQuotas(t *testing.T) {
	chunks := fusionRows("c", 6)
	graph := fusionRows("g", 4)
	raptor := fusionRows("r", 3)

	out := fuseQuota(chunks, graph, raptor, 6)

	require.Len(t, out, 6)
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	// Quotas first: three chunks, two graph, one raptor.
	assert.Equal(t, []string{"ca", "cb", "cc", "ga", "gb", "ra"}, ids)
}

func TestFuseQuotaSlackFillsInStreamOrder(t *testing.T) {
	chunks := fusionRows("c", 2)
	graph := fusionRows("g", 1)
	raptor := fusionRows("r", 5)

	out := fuseQuota(chunks, graph, raptor, 6)

	require.Len(t, out, 6)
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	// Short streams leave slack; raptor fills the remainder after its own
	// quota row.
	assert.Equal(t, []string{"ca", "cb", "ga", "ra", "rb", "rc"}, ids)
}

func TestFuseQuotaDuplicateDoesNotConsumeQuota(t *testing.T) {
	shared := chunkRow("shared", 0.9)
	chunks := []*Row{chunkRow("c1", 1.0), shared, chunkRow("c2", 0.8)}
	// The graph stream surfaces the same chunk id plus its own rows.
	graph := []*Row{
		{ID: "shared", TenantID: testTenant, Score: 0.95, eligible: true},
		chunkRow("g1", 0.7),
		chunkRow("g2", 0.6),
	}

	out := fuseQuota(chunks, graph, nil, 6)

	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	// The duplicate is skipped without using up the graph quota, so both
	// graph rows still land.
	assert.Equal(t, []string{"c1", "shared", "c2", "g1", "g2"}, ids)
}

func TestFuseQuotaZeroK(t *testing.T) {
	assert.Nil(t, fuseQuota(fusionRows("c", 3), nil, nil, 0))
}

func TestFusionRunEmbedFailureServesChunksOnly(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding provider down")}
	f := NewFusion(testLogger(), nil, nil, nil, embedder, config.RetrievalConfig{})

	chunks := fusionRows("c", 2)
	res := f.Run(testCtx(), testTenant, "access control", chunks, 6)

	require.Len(t, res.Rows, 2)
	assert.Contains(t, res.WarningCodes, WarnGraphFailed)
	assert.Contains(t, res.WarningCodes, WarnRaptorFailed)
	assert.Equal(t, 1, embedder.singleCalls())
}

func TestFusionRunRaptorFailureDegrades(t *testing.T) {
	db, mock := newMockDB(t)
	raptor := storage.NewRaptorRepository(db)

	mock.ExpectQuery("FROM regulatory_nodes").WillReturnError(errors.New("index rebuilding"))

	f := NewFusion(testLogger(), storage.NewChunkRepository(db), raptor, nil, &stubEmbedder{},
		config.RetrievalConfig{EnableGraphHop: false})

	chunks := fusionRows("c", 3)
	res := f.Run(testCtx(), testTenant, "incident response", chunks, 6)

	require.Len(t, res.Rows, 3)
	assert.Contains(t, res.WarningCodes, WarnRaptorFailed)
	assert.NotContains(t, res.WarningCodes, WarnGraphFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFusionRunNoSideStreamRows(t *testing.T) {
	db, mock := newMockDB(t)
	raptor := storage.NewRaptorRepository(db)

	mock.ExpectQuery("FROM regulatory_nodes").WillReturnRows(sqlmock.NewRows([]string{
		"id", "tenant_id", "collection_id", "source_document_id", "level", "title",
		"content", "children_ids", "children_summary_ids", "section_node_id",
		"section_ref", "created_at", "similarity",
	}))

	f := NewFusion(testLogger(), storage.NewChunkRepository(db), raptor, nil, &stubEmbedder{},
		config.RetrievalConfig{EnableGraphHop: false})

	res := f.Run(testCtx(), testTenant, "incident response", fusionRows("c", 2), 6)

	assert.Len(t, res.Rows, 2)
	assert.Empty(t, res.WarningCodes)
	assert.Contains(t, res.TimingsMS, "fusion_raptor")
	assert.NoError(t, mock.ExpectationsWereMet())
}
