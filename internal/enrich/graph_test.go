package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func TestGraphAccumulatorDedupesEntities(t *testing.T) {
	acc := newGraphAccumulator("tenant-a")
	chunkA, chunkB := uuid.New(), uuid.New()

	acc.add(ChunkGraphExtraction{Entities: []ExtractedEntity{
		{Name: "Quality Manager", Type: "role", Description: "short"},
	}}, chunkA)
	acc.add(ChunkGraphExtraction{Entities: []ExtractedEntity{
		{Name: "quality manager", Type: "CONCEPT", Description: "a much longer description wins"},
	}}, chunkB)
	acc.add(ChunkGraphExtraction{Entities: []ExtractedEntity{
		{Name: "Quality Manager"},
	}}, chunkA)

	require.Len(t, acc.order, 1)
	p := acc.entities["quality manager"]
	require.NotNil(t, p)
	assert.Equal(t, "Quality Manager", p.name, "first-seen casing sticks")
	assert.Equal(t, "ROLE", p.entityType, "first-seen type sticks")
	assert.Equal(t, "a much longer description wins", p.description)
	assert.Equal(t, []uuid.UUID{chunkA, chunkB}, p.chunkIDs, "provenance deduped per chunk")
}

func TestGraphAccumulatorRelations(t *testing.T) {
	acc := newGraphAccumulator("tenant-a")
	rel := ExtractedRelation{Source: "A", Target: "B", Type: "requires", Description: "first"}

	acc.add(ChunkGraphExtraction{Relations: []ExtractedRelation{rel}}, uuid.New())
	acc.add(ChunkGraphExtraction{Relations: []ExtractedRelation{
		{Source: "a", Target: "b", Type: "REQUIRES", Description: "second"},
	}}, uuid.New())

	require.Len(t, acc.relOrder, 1)
	p := acc.relations[acc.relOrder[0]]
	assert.Equal(t, 2.0, p.weight, "every observation strengthens the edge")
	assert.Equal(t, "first", p.description)

	// Self loops and half-named edges never accumulate.
	acc.add(ChunkGraphExtraction{Relations: []ExtractedRelation{
		{Source: "A", Target: "a", Type: "REQUIRES"},
		{Source: "", Target: "B", Type: "REQUIRES"},
		{Source: "A", Target: "  ", Type: "REQUIRES"},
	}}, uuid.New())
	assert.Len(t, acc.relOrder, 1)
}

func TestGraphAccumulatorSectionWinsType(t *testing.T) {
	acc := newGraphAccumulator("tenant-a")
	chunk := uuid.New()

	acc.add(ChunkGraphExtraction{Entities: []ExtractedEntity{
		{Name: "8 Operation", Type: "CONCEPT"},
	}}, chunk)
	acc.addSection("8 Operation", chunk)

	p := acc.entities["8 operation"]
	require.NotNil(t, p)
	assert.True(t, p.section)
	assert.Equal(t, storage.EntityTypeSection, p.entityType,
		"a name that is also a heading is a structure node")
}

func TestNormalizeGraphType(t *testing.T) {
	cases := []struct {
		in, fallback, want string
	}{
		{"requires", "CONCEPT", "REQUIRES"},
		{" part of ", "CONCEPT", "PART_OF"},
		{"responsible-for", "CONCEPT", "RESPONSIBLE_FOR"},
		{"", "CONCEPT", "CONCEPT"},
		{"  ", "REFERENCES", "REFERENCES"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeGraphType(tc.in, tc.fallback))
	}
}

func TestGraphUserPrompt(t *testing.T) {
	standard := "ISO 9001"
	clause := "8.5.1"
	chunk := &storage.ContentChunk{
		HeadingPath:    []string{"8 Operation", "8.5 Production"},
		SourceStandard: &standard,
		ClauseID:       &clause,
		Content:        "The organization shall control production.",
	}

	prompt := graphUserPrompt(chunk)
	assert.Contains(t, prompt, "Section: 8 Operation > 8.5 Production\n")
	assert.Contains(t, prompt, "Standard: ISO 9001\n")
	assert.Contains(t, prompt, "Clause: 8.5.1\n")
	assert.True(t, strings.HasSuffix(prompt, "The organization shall control production."))

	// Oversized chunks cap rather than blow the prompt.
	chunk.Content = strings.Repeat("x", graphPromptLimit+500)
	prompt = graphUserPrompt(chunk)
	assert.Len(t, []rune(prompt[strings.LastIndex(prompt, "\n")+1:]), graphPromptLimit)
}

func TestCapRunes(t *testing.T) {
	assert.Equal(t, "abc", capRunes("abc", 10))
	assert.Equal(t, "abc", capRunes("abcdef", 3))
	assert.Equal(t, "日本", capRunes("日本語", 2), "multibyte text caps on runes")
}

func graphChunk(index int, heading, content string) *storage.ContentChunk {
	return &storage.ContentChunk{
		ID:                uuid.New(),
		TenantID:          "tenant-a",
		ChunkIndex:        index,
		HeadingPath:       []string{heading},
		Content:           content,
		RetrievalEligible: true,
	}
}

func entityUpsertRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
		AddRow(uuid.New().String(), now, now)
}

func TestRunGraphSkipsMalformedChunkAndFlushes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The shared section upserts first with provenance to both chunks, then
	// the two extracted entities with one row each, then the edge resolves
	// in-batch.
	mock.ExpectQuery("INSERT INTO knowledge_entities").WillReturnRows(entityUpsertRow())
	mock.ExpectExec("INSERT INTO knowledge_node_provenance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO knowledge_node_provenance").WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("INSERT INTO knowledge_entities").WillReturnRows(entityUpsertRow())
		mock.ExpectExec("INSERT INTO knowledge_node_provenance").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectQuery("INSERT INTO knowledge_relations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New().String(), time.Now()))

	chat := &providers.MockChat{Responses: []string{
		"not json at all",
		`{"entities": [{"name": "Corrective Action", "type": "PROCESS"}, {"name": "Quality Manager", "type": "ROLE"}],
		  "relations": [{"source": "Quality Manager", "target": "Corrective Action", "type": "RESPONSIBLE_FOR"}]}`,
	}}
	s := testService(t, db, chat)

	doc := &storage.SourceDocument{ID: uuid.New(), TenantID: "tenant-a"}
	chunks := []*storage.ContentChunk{
		graphChunk(0, "8 Operation", "Unparseable chunk."),
		graphChunk(1, "8 Operation", "The quality manager owns corrective action."),
	}
	stats, err := s.runGraph(context.Background(), testLogger(), doc, chunks)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.skippedChunks, "one malformed response skips one chunk")
	assert.Equal(t, 2, stats.entities)
	assert.Equal(t, 1, stats.sections)
	assert.Equal(t, 1, stats.relations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunGraphFailsWhenNothingExtracts(t *testing.T) {
	chat := &providers.MockChat{Err: errors.New("upstream 500")}
	s := testService(t, nil, chat)

	doc := &storage.SourceDocument{ID: uuid.New(), TenantID: "tenant-a"}
	chunks := []*storage.ContentChunk{
		graphChunk(0, "", "First."),
		graphChunk(1, "", "Second."),
	}
	_, err := s.runGraph(context.Background(), testLogger(), doc, chunks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 chunks")
}

func TestRunGraphEmptyDocumentIsNoOp(t *testing.T) {
	chat := &providers.MockChat{}
	s := testService(t, nil, chat)

	doc := &storage.SourceDocument{ID: uuid.New(), TenantID: "tenant-a"}
	stats, err := s.runGraph(context.Background(), testLogger(), doc, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.entities)
	assert.Zero(t, chat.Calls)
}
