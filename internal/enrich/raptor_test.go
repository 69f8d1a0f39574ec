package enrich

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func TestRunRaptorSkipsSmallDocuments(t *testing.T) {
	chat := &providers.MockChat{}
	s := testService(t, nil, chat)

	chunks := make([]*storage.ContentChunk, DefaultConfig().RaptorMinChunks)
	for i := range chunks {
		chunks[i] = &storage.ContentChunk{ID: uuid.New(), RetrievalEligible: true}
	}

	doc := &storage.SourceDocument{ID: uuid.New(), TenantID: "tenant-a"}
	stats, err := s.runRaptor(context.Background(), testLogger(), doc, chunks)
	require.NoError(t, err)
	assert.True(t, stats.skipped)
	assert.Zero(t, stats.nodes)
	assert.Zero(t, chat.Calls, "threshold documents never reach the summarizer")
}

func TestMirrorNameStableAcrossRebuilds(t *testing.T) {
	docID := uuid.New()
	first := &storage.RegulatoryNode{ID: uuid.New(), Title: "8 Operation", Level: 1}
	rebuilt := &storage.RegulatoryNode{ID: uuid.New(), Title: "8 Operation", Level: 1}

	// Node ids regenerate on every rebuild; the mirror name must not, so the
	// graph upsert replaces instead of accumulating.
	assert.Equal(t, mirrorName(docID, first), mirrorName(docID, rebuilt))

	// Same title in another document stays a distinct entity.
	assert.NotEqual(t, mirrorName(docID, first), mirrorName(uuid.New(), first))

	// Levels never collide either.
	upper := &storage.RegulatoryNode{ID: uuid.New(), Title: "8 Operation", Level: 2}
	assert.NotEqual(t, mirrorName(docID, first), mirrorName(docID, upper))
}

func TestShortID(t *testing.T) {
	id := uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef")
	assert.Equal(t, "01234567", shortID(id))
}

func TestJoinCapped(t *testing.T) {
	got := joinCapped([]string{"alpha", "beta"}, 100)
	assert.Equal(t, "alpha\n\n---\n\nbeta", got)

	got = joinCapped([]string{"aaaaa", "bbbbb", "ccccc", "ddddd"}, 10)
	assert.Contains(t, got, "aaaaa")
	assert.Contains(t, got, "bbbbb")
	assert.Contains(t, got, "[2 further passages omitted]")
	assert.NotContains(t, got, "ccccc")
}

func TestChunkIDs(t *testing.T) {
	a := &storage.ContentChunk{ID: uuid.New()}
	b := &storage.ContentChunk{ID: uuid.New()}
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, chunkIDs([]*storage.ContentChunk{a, b}))
}

func TestSummarizeClusterRejectsEmptyAnswer(t *testing.T) {
	chat := &providers.MockChat{Responses: []string{"   \n"}}
	s := testService(t, nil, chat)

	_, err := s.summarizeCluster(context.Background(), "8 Operation", []string{"body"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8 Operation")
}

func TestSummarizeClusterPromptCarriesTitleAndSeparators(t *testing.T) {
	chat := &providers.MockChat{Responses: []string{"A summary."}}
	s := testService(t, nil, chat)

	texts := []string{"First passage.", "Second passage."}
	got, err := s.summarizeCluster(context.Background(), "Topic group 1", texts)
	require.NoError(t, err)
	assert.Equal(t, "A summary.", got)

	require.Len(t, chat.Prompts, 1)
	prompt := chat.Prompts[0]
	assert.Contains(t, prompt, fmt.Sprintf("passages from %q", "Topic group 1"))
	assert.Contains(t, prompt, "First passage.\n\n---\n\nSecond passage.")
	assert.False(t, strings.Contains(prompt, "omitted"), "small input is never cut")
}
