package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func testDeps(lateChunking bool) Deps {
	logger := testLogger()
	return Deps{
		Parser:  &providers.MockParser{},
		Chunker: NewChunker(providers.NewMockEmbedder(8, lateChunking), DefaultChunkerConfig(), logger),
		Logger:  logger,
	}
}

func testSource(data string) *Source {
	return &Source{
		Document: &storage.SourceDocument{ID: uuid.New(), TenantID: "tenant-a", Filename: "doc.md"},
		Data:     []byte(data),
	}
}

func TestResolveStrategy(t *testing.T) {
	r := DefaultRegistry(StrategyContent)

	cases := []struct {
		name     string
		slug     string
		override string
		want     StrategyKey
		wantErr  bool
	}{
		{"default", "", "", StrategyContent, false},
		{"rubric slug", "assessment-rubric", "", StrategyRubric, false},
		{"preprocessed slug", "preprocessed", "", StrategyPreProcessed, false},
		{"markdown slug", "markdown-export", "", StrategyPreProcessed, false},
		{"fast slug", "fast-import", "", StrategyFastContent, false},
		{"unmatched slug falls back", "iso-9001", "", StrategyContent, false},
		{"override wins over slug", "iso-9001", "rubric", StrategyRubric, false},
		{"override is case-insensitive", "", "pre_processed", StrategyPreProcessed, false},
		{"unknown override", "", "turbo", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(tc.slug, tc.override)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveHonorsRegistryDefault(t *testing.T) {
	r := DefaultRegistry(StrategyFastContent)
	got, err := r.Resolve("handbook", "")
	require.NoError(t, err)
	assert.Equal(t, StrategyFastContent, got)
}

func TestBuildUnknownStrategy(t *testing.T) {
	r := NewRegistry(StrategyContent)
	_, err := r.Build(StrategyRubric, testDeps(true))
	assert.Error(t, err)
}

func TestContentStrategyProcess(t *testing.T) {
	strategy, err := DefaultRegistry(StrategyContent).Build(StrategyContent, testDeps(true))
	require.NoError(t, err)

	data := "# 4 Context of the organization\n\n" +
		"The organization shall determine external and internal issues.\n\n" +
		"# 5 Leadership\n\n" +
		"Top management shall demonstrate leadership and commitment."
	result, err := strategy.Process(context.Background(), testSource(data))
	require.NoError(t, err)

	assert.False(t, result.EmptySource)
	assert.Equal(t, 1, result.Pages)
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, []string{"4 Context of the organization"}, result.Chunks[0].HeadingPath)
	assert.Equal(t, []string{"5 Leadership"}, result.Chunks[1].HeadingPath)
	for _, c := range result.Chunks {
		assert.Equal(t, storage.RoleNormativeBody, c.Role)
		require.NotNil(t, c.Page)
		assert.Equal(t, 1, *c.Page)
		assert.Len(t, c.Embedding, 8)
	}
}

func TestContentStrategyEmptySource(t *testing.T) {
	deps := testDeps(true)
	strategy, err := DefaultRegistry(StrategyContent).Build(StrategyContent, deps)
	require.NoError(t, err)

	t.Run("no data", func(t *testing.T) {
		result, err := strategy.Process(context.Background(), testSource(""))
		require.NoError(t, err)
		assert.True(t, result.EmptySource)
	})

	t.Run("parse yields no text", func(t *testing.T) {
		deps.Parser = &providers.MockParser{Doc: &providers.ParsedDocument{
			Pages:  2,
			Blocks: []providers.ParsedBlock{{Type: providers.BlockText, Text: "   "}},
		}}
		strategy, err := DefaultRegistry(StrategyContent).Build(StrategyContent, deps)
		require.NoError(t, err)

		result, err := strategy.Process(context.Background(), testSource("scanned.pdf bytes"))
		require.NoError(t, err)
		assert.True(t, result.EmptySource)
		assert.Equal(t, 2, result.Pages)
	})
}

func TestContentStrategyCapturesVisuals(t *testing.T) {
	image := []byte("png-bytes")
	parsed := &providers.ParsedDocument{Pages: 2, Blocks: []providers.ParsedBlock{
		{Type: providers.BlockHeading, Text: "7 Support", Level: 1, Page: 1},
		{Type: providers.BlockText, Text: "The process interactions are shown below.", Page: 1},
		{Type: providers.BlockFigure, Text: "Figure 1: Process map", ImageB64: base64.StdEncoding.EncodeToString(image), Page: 2},
		{Type: providers.BlockText, Text: "Resources shall be determined and provided.", Page: 2},
	}}
	deps := testDeps(true)
	deps.Parser = &providers.MockParser{Doc: parsed}

	strategy, err := DefaultRegistry(StrategyContent).Build(StrategyContent, deps)
	require.NoError(t, err)
	result, err := strategy.Process(context.Background(), testSource("raw"))
	require.NoError(t, err)

	require.Len(t, result.VisualTasks, 1)
	task := result.VisualTasks[0]
	sum := sha256.Sum256(image)
	assert.Equal(t, providers.BlockFigure, task.Kind)
	assert.Equal(t, hex.EncodeToString(sum[:]), task.ContentHash)
	assert.Equal(t, image, task.ImageData)
	assert.True(t, strings.HasPrefix(task.NodeID, "vis-002-"), "node id %q", task.NodeID)
	assert.Equal(t, "The process interactions are shown below.", task.AnchorAfter)
	assert.Equal(t, 2, task.Page)

	// The placeholder token lands in the parent chunk so enrichment can
	// splice the anchor in place later.
	require.NotEqual(t, -1, task.ChunkIndex)
	assert.Contains(t, result.Chunks[task.ChunkIndex].Content, task.Placeholder)
}

func TestFastContentStrategySkipsVisuals(t *testing.T) {
	parsed := &providers.ParsedDocument{Pages: 1, Blocks: []providers.ParsedBlock{
		{Type: providers.BlockHeading, Text: "7 Support", Level: 1, Page: 1},
		{Type: providers.BlockFigure, Text: "Figure 1: Process map", ImageB64: base64.StdEncoding.EncodeToString([]byte("png")), Page: 1},
		{Type: providers.BlockText, Text: "Resources shall be determined and provided.", Page: 1},
	}}
	deps := testDeps(true)
	deps.Parser = &providers.MockParser{Doc: parsed}

	strategy, err := DefaultRegistry(StrategyContent).Build(StrategyFastContent, deps)
	require.NoError(t, err)
	result, err := strategy.Process(context.Background(), testSource("raw"))
	require.NoError(t, err)

	assert.Empty(t, result.VisualTasks)
	require.NotEmpty(t, result.Chunks)
	assert.Contains(t, result.Chunks[0].Content, "Figure 1: Process map")
	assert.NotContains(t, result.Chunks[0].Content, "<<VISUAL_PENDING")
}

func TestRubricStrategyKeepsEverythingEligible(t *testing.T) {
	// Rubric criteria often look like a TOC to the role heuristics. The
	// rubric strategy overrides classification entirely.
	rubric := "3.1 Criterion one ............ 4\n\n" +
		"3.2 Criterion two ............ 5\n\n" +
		"3.3 Criterion three ............ 6\n\n" +
		"3.4 Criterion four ............ 7"
	require.Equal(t, storage.RoleTOC, ClassifyRole(rubric))

	strategy, err := DefaultRegistry(StrategyContent).Build(StrategyRubric, testDeps(true))
	require.NoError(t, err)
	result, err := strategy.Process(context.Background(), testSource(rubric))
	require.NoError(t, err)

	require.NotEmpty(t, result.Chunks)
	for _, c := range result.Chunks {
		assert.Equal(t, storage.RoleNormativeBody, c.Role)
	}
}

func TestPreProcessedStrategy(t *testing.T) {
	deps := testDeps(false)
	strategy, err := DefaultRegistry(StrategyContent).Build(StrategyPreProcessed, deps)
	require.NoError(t, err)

	result, err := strategy.Process(context.Background(), testSource("# Handbook\n\nEmployees shall follow the escalation path."))
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	assert.Equal(t, storage.RoleNormativeBody, result.Chunks[0].Role)

	// Markdown uploads never touch the parser sidecar.
	assert.Zero(t, deps.Parser.(*providers.MockParser).Calls)

	empty, err := strategy.Process(context.Background(), testSource("  \n\t"))
	require.NoError(t, err)
	assert.True(t, empty.EmptySource)
}
