package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkFiltersWhereClause(t *testing.T) {
	collID := uuid.New()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	f := ChunkFilters{
		CollectionIDs:   []uuid.UUID{collID},
		SourceStandards: []string{"iso-9001"},
		ClausePrefix:    "4.2",
		Metadata:        map[string]interface{}{"department": "quality"},
		TimeFrom:        &from,
	}

	args := []interface{}{"tenant-a"}
	clause, args := f.whereClause("c", "$1", args)

	assert.Contains(t, clause, "c.tenant_id = $1 OR c.is_global")
	assert.Contains(t, clause, "c.retrieval_eligible")
	assert.Contains(t, clause, "c.collection_id = ANY($2)")
	assert.Contains(t, clause, "lower(c.source_standard) = ANY($3)")
	assert.Contains(t, clause, "c.clause_id LIKE $4")
	assert.Contains(t, clause, "c.metadata @> $5")
	assert.Contains(t, clause, "c.created_at >= $6")
	assert.Len(t, args, 6)
	assert.Equal(t, "4.2%", args[3])
}

func TestChunkFiltersEmptyStillScopesTenant(t *testing.T) {
	args := []interface{}{"tenant-a"}
	clause, args := ChunkFilters{}.whereClause("c", "$1", args)

	assert.Contains(t, clause, "c.tenant_id = $1 OR c.is_global")
	assert.Contains(t, clause, "c.retrieval_eligible")
	assert.Len(t, args, 1)
}

func TestInsertBatchSlices(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunkRepository(db)

	sourceID := uuid.New()
	chunks := make([]*ContentChunk, 150)
	for i := range chunks {
		chunks[i] = &ContentChunk{
			SourceID:          sourceID,
			TenantID:          "tenant-a",
			Content:           "chunk body",
			ChunkIndex:        i,
			RetrievalEligible: true,
			Embedding:         []float32{0.1, 0.2},
		}
	}

	// 150 rows with a batch size of 100 means exactly two statements.
	mock.ExpectExec("INSERT INTO content_chunks").WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec("INSERT INTO content_chunks").WillReturnResult(sqlmock.NewResult(0, 50))

	err := repo.InsertBatch(context.Background(), chunks, 100)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	for _, c := range chunks {
		assert.NotEqual(t, uuid.Nil, c.ID, "ids assigned during insert")
		assert.Equal(t, RoleNormativeBody, c.ChunkRole, "role defaulted")
	}
}

func TestInsertBatchRequiresTenant(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewChunkRepository(db)

	err := repo.InsertBatch(context.Background(), []*ContentChunk{{Content: "x"}}, 100)
	assert.ErrorIs(t, err, ErrInvalidTenant)
}

func TestInsertBatchEmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunkRepository(db)

	require.NoError(t, repo.InsertBatch(context.Background(), nil, 100))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBySourceCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunkRepository(db)

	mock.ExpectExec("DELETE FROM content_chunks").WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteBySource(context.Background(), "tenant-a", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestRetrieveHybridDefaults(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunkRepository(db)

	// EFSearch unset skips the transaction path; a single fused query runs.
	mock.ExpectQuery("WITH").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_id", "tenant_id", "collection_id", "content", "chunk_index",
			"file_page_number", "heading_path", "chunk_role", "retrieval_eligible",
			"source_standard", "clause_id", "authority_level", "embedding_profile",
			"metadata", "is_global", "created_at",
			"score", "vector_rank", "fts_rank", "similarity",
		}))

	out, err := repo.RetrieveHybrid(context.Background(), "tenant-a", HybridParams{
		Query:     "incident response",
		Embedding: []float32{0.1, 0.2},
		EnableFTS: true,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetrieveHybridRequiresTenant(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewChunkRepository(db)

	_, err := repo.RetrieveHybrid(context.Background(), "", HybridParams{})
	assert.ErrorIs(t, err, ErrInvalidTenant)
}
