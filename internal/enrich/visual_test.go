package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/ingest"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func visualChunk(t *testing.T, content string, tasks ...ingest.VisualTask) *storage.ContentChunk {
	t.Helper()
	meta, err := json.Marshal(map[string]interface{}{"visual_tasks": tasks})
	require.NoError(t, err)
	return &storage.ContentChunk{
		ID:       uuid.New(),
		TenantID: "tenant-a",
		Content:  content,
		Metadata: meta,
	}
}

func TestRunVisualStitchesAndCaches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	docID := uuid.New()
	task := ingest.VisualTask{
		NodeID:      "vis-000-abc123",
		Kind:        "figure",
		Page:        2,
		ContentHash: "deadbeef",
		ContentType: "image/png",
		Placeholder: "<<VISUAL_PENDING: vis-000-abc123>>",
	}
	chunk := visualChunk(t, "Before.\n\n<<VISUAL_PENDING: vis-000-abc123>>\n\nAfter.", task)

	// Cache miss, then the provider result lands in the cache and the chunk.
	mock.ExpectQuery("SELECT .* FROM visual_extraction_cache").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO visual_extraction_cache").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE content_chunks SET content").WillReturnResult(sqlmock.NewResult(0, 1))

	chat := &providers.MockChat{Responses: []string{`{"summary": "A throughput chart with two series."}`}}
	s := testService(t, db, chat)
	key := objectstore.VisualKey("tenant-a", docID.String(), task.NodeID)
	require.NoError(t, s.store.Put(context.Background(), key, []byte{0x89, 0x50, 0x4e, 0x47}, "image/png"))

	doc := &storage.SourceDocument{ID: docID, TenantID: "tenant-a", Filename: "manual.pdf"}
	stats, err := s.runVisual(context.Background(), testLogger(), doc, []*storage.ContentChunk{chunk})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.tasks)
	assert.Equal(t, 1, stats.stitched)
	assert.Zero(t, stats.cacheHits)
	assert.Zero(t, stats.fallbacks)
	assert.NotContains(t, chunk.Content, task.Placeholder)
	assert.Contains(t, chunk.Content,
		"<<VISUAL_ANCHOR: vis-000-abc123 | TYPE: figure | DESC: A throughput chart with two series.>>")
	// Surrounding prose survives the splice.
	assert.True(t, strings.HasPrefix(chunk.Content, "Before."))
	assert.Contains(t, chunk.Content, "After.")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunVisualUsesCachedSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	docID := uuid.New()
	task := ingest.VisualTask{
		NodeID:      "vis-001-cache99",
		Kind:        "table",
		ContentHash: "cafef00d",
		ContentType: "image/png",
		Placeholder: "<<VISUAL_PENDING: vis-001-cache99>>",
	}
	chunk := visualChunk(t, "Limits table: <<VISUAL_PENDING: vis-001-cache99>>", task)

	mock.ExpectQuery("SELECT .* FROM visual_extraction_cache").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "content_hash", "content_type", "provider", "model",
			"prompt_version", "schema_version", "summary", "created_at",
		}).AddRow(uuid.New().String(), "cafef00d", "image/png", "chat", "mock-chat-model",
			"v2", "v1", "Cached limits table.", time.Now()))
	mock.ExpectExec("UPDATE content_chunks SET content").WillReturnResult(sqlmock.NewResult(0, 1))

	chat := &providers.MockChat{}
	s := testService(t, db, chat)

	doc := &storage.SourceDocument{ID: docID, TenantID: "tenant-a", Filename: "manual.pdf"}
	stats, err := s.runVisual(context.Background(), testLogger(), doc, []*storage.ContentChunk{chunk})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.stitched)
	assert.Equal(t, 1, stats.cacheHits)
	assert.Zero(t, chat.Calls, "cache hits never reach the provider")
	assert.Contains(t, chunk.Content, "Cached limits table.")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunVisualFallsBackOnProviderError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	docID := uuid.New()
	task := ingest.VisualTask{
		NodeID:      "vis-002-boom",
		Kind:        "figure",
		ContentHash: "badc0de",
		ContentType: "image/png",
		Placeholder: "<<VISUAL_PENDING: vis-002-boom>>",
	}
	chunk := visualChunk(t, "See figure: <<VISUAL_PENDING: vis-002-boom>>", task)

	mock.ExpectQuery("SELECT .* FROM visual_extraction_cache").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE content_chunks SET content").WillReturnResult(sqlmock.NewResult(0, 1))

	chat := &providers.MockChat{Err: errors.New("upstream 503")}
	s := testService(t, db, chat)
	key := objectstore.VisualKey("tenant-a", docID.String(), task.NodeID)
	require.NoError(t, s.store.Put(context.Background(), key, []byte{0x89}, "image/png"))

	doc := &storage.SourceDocument{ID: docID, TenantID: "tenant-a", Filename: "manual.pdf"}
	stats, err := s.runVisual(context.Background(), testLogger(), doc, []*storage.ContentChunk{chunk})
	require.NoError(t, err, "a failed summary degrades, it does not fail the step")

	assert.Equal(t, 1, stats.fallbacks)
	assert.Zero(t, stats.stitched)
	assert.NotContains(t, chunk.Content, task.Placeholder)
	assert.Contains(t, chunk.Content, "> [Visual content vis-002-boom (figure): no summary available]")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunVisualSkipsStitchedTasks(t *testing.T) {
	task := ingest.VisualTask{
		NodeID:      "vis-003-done",
		Kind:        "figure",
		ContentHash: "feedface",
		ContentType: "image/png",
		Placeholder: "<<VISUAL_PENDING: vis-003-done>>",
	}
	// A previous attempt already replaced the placeholder with an anchor.
	chunk := visualChunk(t, "Text <<VISUAL_ANCHOR: vis-003-done | TYPE: figure | DESC: done>> more.", task)

	s := testService(t, nil, nil)
	doc := &storage.SourceDocument{ID: uuid.New(), TenantID: "tenant-a"}
	stats, err := s.runVisual(context.Background(), testLogger(), doc, []*storage.ContentChunk{chunk})
	require.NoError(t, err)
	assert.Zero(t, stats.tasks)
}

func TestAlreadyStitched(t *testing.T) {
	task := ingest.VisualTask{
		NodeID:      "vis-004-xyz",
		Placeholder: "<<VISUAL_PENDING: vis-004-xyz>>",
	}

	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{"placeholder still pending", "before <<VISUAL_PENDING: vis-004-xyz>> after", false},
		{"anchor landed", "before <<VISUAL_ANCHOR: vis-004-xyz | TYPE: figure | DESC: x>> after", true},
		{"fallback landed", "before\n> [Visual content vis-004-xyz (figure): no summary available]", true},
		{"never touched", "no markers at all", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, alreadyStitched(tc.content, task))
		})
	}

	assert.False(t, alreadyStitched("anything", ingest.VisualTask{}), "empty node id never matches")
}

func TestStitchAnchorPlacement(t *testing.T) {
	anchor := "<<VISUAL_ANCHOR: v | TYPE: figure | DESC: d>>"

	t.Run("placeholder replaced in place", func(t *testing.T) {
		task := ingest.VisualTask{NodeID: "v", Placeholder: "<<VISUAL_PENDING: v>>"}
		got := stitchAnchor("a <<VISUAL_PENDING: v>> b", task, anchor)
		assert.Equal(t, "a "+anchor+" b", got)
	})

	t.Run("anchor after sentence", func(t *testing.T) {
		task := ingest.VisualTask{NodeID: "v", AnchorAfter: "as shown below."}
		got := stitchAnchor("Results as shown below. Next paragraph.", task, anchor)
		assert.Equal(t, "Results as shown below.\n\n"+anchor+" Next paragraph.", got)
	})

	t.Run("appended when nothing matches", func(t *testing.T) {
		task := ingest.VisualTask{NodeID: "v", Placeholder: "<<VISUAL_PENDING: v>>", AnchorAfter: "missing sentence"}
		got := stitchAnchor("Plain text.\n\n", task, anchor)
		assert.Equal(t, "Plain text.\n\n"+anchor, got)
	})
}

func TestAnchorTokenFlattensSummary(t *testing.T) {
	task := ingest.VisualTask{NodeID: "vis-005", Kind: "table"}

	got := anchorToken(task, "line one\nline two\twith >> delimiter")
	assert.Equal(t, "<<VISUAL_ANCHOR: vis-005 | TYPE: table | DESC: line one line two with delimiter>>", got)

	long := strings.Repeat("word ", 100)
	got = anchorToken(task, long)
	assert.True(t, strings.HasSuffix(got, "...>>"), "long summaries truncate")
	assert.LessOrEqual(t, len([]rune(got)), anchorSummaryLimit+60)
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, "a b c", flatten("  a\n b\t\tc ", 0))
	assert.Equal(t, "abcde...", flatten("abcdefgh", 5))
	assert.Equal(t, "x y", flatten("x>>y", 0), "token delimiter stripped")
}

func TestVisualTasksDecode(t *testing.T) {
	tasks, err := visualTasks(&storage.ContentChunk{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "no metadata means no tasks")

	tasks, err = visualTasks(&storage.ContentChunk{Metadata: json.RawMessage(`{"char_start": 0}`)})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	chunk := visualChunk(t, "x", ingest.VisualTask{NodeID: "vis-006", Kind: "figure", ContentHash: "aa", ContentType: "image/png"})
	tasks, err = visualTasks(chunk)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "vis-006", tasks[0].NodeID)

	_, err = visualTasks(&storage.ContentChunk{Metadata: json.RawMessage(`{"visual_tasks":`)})
	assert.Error(t, err)
}
