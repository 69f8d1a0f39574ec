package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

func serviceCfg() config.RetrievalConfig {
	return config.RetrievalConfig{
		EngineMode:     "hybrid",
		EnableFTS:      false,
		MatchThreshold: 0.3,
		RRFK:           60,
		VectorWeight:   1.0,
		FTSWeight:      1.0,
		DefaultK:       6,

		GraphHopMaxHops:     2,
		GraphHopDecayFactor: 0.7,
		GraphHopLimit:       10,

		ScopePenaltyFactor: 0.75,

		PlanMaxBranchExpansions:   2,
		PlanEarlyExitScopePenalty: 0.8,
		PlanMaxParallel:           4,

		MultiQueryMaxParallel: 1,

		PolicyMinScore: 0.05,
	}
}

func newTestService(t *testing.T, cfg config.RetrievalConfig, rerankCfg config.RerankConfig, emb providers.Embedder, reranker providers.Reranker, client cache.Client) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	svc := NewService(testLogger(),
		storage.NewChunkRepository(db),
		storage.NewGraphRepository(db),
		storage.NewRaptorRepository(db),
		emb, reranker, nil, client, cfg, rerankCfg)
	return svc, mock
}

// expectVector queues one vector-search response; the engine runs in split
// mode with FTS disabled, so each retrieval is exactly one query.
func expectVector(mock sqlmock.Sqlmock, chunks ...mockChunk) {
	rows := sqlmock.NewRows(append(mockChunkColumns, "similarity", "rank"))
	for i, c := range chunks {
		sim := 0.9 - 0.1*float64(i)
		rows.AddRow(c.values(sim, i+1)...)
	}
	mock.ExpectQuery("FROM content_chunks").WillReturnRows(rows)
}

func expectEmptyRaptor(mock sqlmock.Sqlmock) {
	cols := []string{"id", "tenant_id", "collection_id", "source_document_id", "level",
		"title", "content", "children_ids", "children_summary_ids", "section_node_id",
		"section_ref", "created_at", "similarity"}
	mock.ExpectQuery("FROM regulatory_nodes").WillReturnRows(sqlmock.NewRows(cols))
}

func expectEmptyCommunities(mock sqlmock.Sqlmock) {
	cols := []string{"id", "tenant_id", "summary", "entity_ids", "created_at", "similarity"}
	mock.ExpectQuery("FROM knowledge_communities").WillReturnRows(sqlmock.NewRows(cols))
}

func TestValidateScopeReportsQueryScope(t *testing.T) {
	svc, _ := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	report := svc.ValidateScope(Request{
		Query:   "What does clause 9.2 of ISO 27001 require for internal audits?",
		Filters: map[string]interface{}{"source_standards": []string{"ISO 9001"}},
	})

	assert.True(t, report.Valid)
	assert.Equal(t, []string{"ISO 9001"}, report.NormalizedScope.SourceStandards)
	assert.Equal(t, []string{"ISO 27001"}, report.QueryScope.Standards)
	assert.Equal(t, []string{"9.2"}, report.QueryScope.Clauses)
	assert.Equal(t, "9.2", report.QueryScope.ClauseHint)

	// The query names a standard the filter excludes.
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "scope-penalized")
}

func TestValidateScopeViolationsAndAdvisories(t *testing.T) {
	svc, _ := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	report := svc.ValidateScope(Request{
		Query:   "what is required",
		Filters: map[string]interface{}{"department": "finance"},
	})
	assert.False(t, report.Valid)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, tenancy.ViolationUnknownKey, report.Violations[0].Code)

	ambiguous := svc.ValidateScope(Request{Query: "what does clause 4.4 say"})
	assert.True(t, ambiguous.Valid)
	require.Len(t, ambiguous.Warnings, 1)
	assert.Contains(t, ambiguous.Warnings[0], "ambiguous")

	multi := svc.ValidateScope(Request{Query: "compare clause 4.1 of ISO 9001 and clause 9.2 of ISO 9001"})
	assert.Empty(t, multi.QueryScope.ClauseHint)
	found := false
	for _, w := range multi.Warnings {
		if w == "multiple clause references found; the clause filter is disabled for this query" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunHybridRequiresTenant(t *testing.T) {
	svc, _ := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	_, err := svc.RunHybrid(context.Background(), Request{Query: "anything"}, true, true)
	assert.ErrorIs(t, err, tenancy.ErrTenantHeaderRequired)
}

func TestRunHybridRejectsInvalidFilters(t *testing.T) {
	svc, _ := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	_, err := svc.RunHybrid(testCtx(), Request{
		Query:   "retention period",
		Filters: map[string]interface{}{"bogus": 1},
	}, true, true)

	var sve *ScopeValidationError
	require.ErrorAs(t, err, &sve)
	require.Len(t, sve.Violations, 1)
	assert.Equal(t, "bogus", sve.Violations[0].Field)
}

func TestRunHybridShortQueryNeverTouchesBackends(t *testing.T) {
	emb := &stubEmbedder{}
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, emb, nil, nil)

	res, err := svc.RunHybrid(testCtx(), Request{Query: " x "}, true, true)
	require.NoError(t, err)

	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.Contains(t, res.Trace.WarningCodes, WarnQueryTooShort)
	assert.Equal(t, ScoreSpaceGravity, res.Trace.ScoreSpace)
	assert.Equal(t, 0, emb.singleCalls())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHybridScoresWithGravity(t *testing.T) {
	emb := &stubEmbedder{}
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, emb, nil, nil)

	idA, idB := uuid.New(), uuid.New()
	expectVector(mock,
		mockChunk{id: idA, content: "documented quality objectives", standard: "ISO 9001", clause: "4.1"},
		mockChunk{id: idB, content: "records of management review", standard: "ISO 9001", clause: "9.3"},
	)
	expectEmptyRaptor(mock)

	res, err := svc.RunHybrid(testCtx(), Request{Query: "quality objectives documentation", K: 5}, true, true)
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, idA.String(), res.Items[0].ID)
	assert.Equal(t, idB.String(), res.Items[1].ID)

	// Canonical authority lifts the raw similarities.
	assert.InDelta(t, 0.9*1.15, res.Items[0].Score, 1e-9)
	assert.InDelta(t, 0.8*1.15, res.Items[1].Score, 1e-9)

	assert.Equal(t, ScoreSpaceGravity, res.Trace.ScoreSpace)
	assert.Equal(t, contractSplit, res.Trace.RPCContractStatus)
	assert.False(t, res.Trace.CacheHit)
	assert.Contains(t, res.Trace.TimingsMS, "plan_total")
	assert.Contains(t, res.Trace.TimingsMS, "fusion_raptor")
	assert.Contains(t, res.Trace.TimingsMS, "total")
	assert.Contains(t, res.Trace.FiltersApplied, "tenant")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHybridServesSecondCallFromCache(t *testing.T) {
	cfg := serviceCfg()
	cfg.CacheResults = true
	cfg.CacheTTL = time.Minute
	emb := &stubEmbedder{}
	svc, mock := newTestService(t, cfg, config.RerankConfig{}, emb, nil, cache.NewMemoryClient(16))

	expectVector(mock, mockChunk{id: uuid.New(), content: "access review procedure"})
	expectEmptyRaptor(mock)

	req := Request{Query: "access review procedure", K: 3}
	first, err := svc.RunHybrid(testCtx(), req, true, true)
	require.NoError(t, err)
	assert.False(t, first.Trace.CacheHit)

	second, err := svc.RunHybrid(testCtx(), req, true, true)
	require.NoError(t, err)
	assert.True(t, second.Trace.CacheHit)
	assert.Len(t, second.Items, len(first.Items))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHybridChunksFailureDegrades(t *testing.T) {
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	mock.ExpectQuery("FROM content_chunks").WillReturnError(errors.New("connection reset"))
	expectEmptyRaptor(mock)

	res, err := svc.RunHybrid(testCtx(), Request{Query: "incident escalation"}, true, true)
	require.NoError(t, err)

	assert.Empty(t, res.Items)
	assert.Contains(t, res.Trace.WarningCodes, WarnChunksFailed)
	assert.Equal(t, contractDegraded, res.Trace.RPCContractStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHybridExternalRerankWins(t *testing.T) {
	reranker := &providers.MockReranker{Results: []providers.RerankResult{
		{Index: 1, Score: 0.95},
		{Index: 0, Score: 0.20},
	}}
	rerankCfg := config.RerankConfig{Mode: "jina", MaxCandidates: 10}
	svc, mock := newTestService(t, serviceCfg(), rerankCfg, &stubEmbedder{}, reranker, nil)

	idA, idB := uuid.New(), uuid.New()
	expectVector(mock,
		mockChunk{id: idA, content: "alpha"},
		mockChunk{id: idB, content: "bravo"},
	)
	expectEmptyRaptor(mock)

	res, err := svc.RunHybrid(testCtx(), Request{Query: "escalation matrix", K: 5}, true, false)
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, idB.String(), res.Items[0].ID)
	assert.Equal(t, idA.String(), res.Items[1].ID)
	require.NotNil(t, res.Items[0].RerankScore)
	assert.InDelta(t, 0.95, *res.Items[0].RerankScore, 1e-9)
	assert.Equal(t, ScoreSpaceSemantic, res.Trace.ScoreSpace)
	assert.Equal(t, 1, reranker.Calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHybridExternalRerankFailureKeepsGravityOrder(t *testing.T) {
	reranker := &providers.MockReranker{Err: errors.New("rerank api down")}
	rerankCfg := config.RerankConfig{Mode: "jina", MaxCandidates: 10}
	svc, mock := newTestService(t, serviceCfg(), rerankCfg, &stubEmbedder{}, reranker, nil)

	idA, idB := uuid.New(), uuid.New()
	expectVector(mock,
		mockChunk{id: idA, content: "alpha"},
		mockChunk{id: idB, content: "bravo"},
	)
	expectEmptyRaptor(mock)

	res, err := svc.RunHybrid(testCtx(), Request{Query: "escalation matrix", K: 5}, true, false)
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, idA.String(), res.Items[0].ID)
	assert.Contains(t, res.Trace.WarningCodes, WarnRerankDegraded)
	assert.Equal(t, ScoreSpaceGravity, res.Trace.ScoreSpace)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMultiQueryFusesBranches(t *testing.T) {
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	shared := uuid.New()
	other := uuid.New()
	// Branches run one at a time, in input order.
	expectVector(mock, mockChunk{id: shared, content: "shared finding"})
	expectVector(mock,
		mockChunk{id: other, content: "second finding"},
		mockChunk{id: shared, content: "shared finding"},
	)

	res, err := svc.RunMultiQuery(testCtx(), MultiQueryRequest{
		Request:    Request{Query: "root", K: 5},
		SubQueries: []string{"first question", "second question"},
	})
	require.NoError(t, err)

	require.Len(t, res.SubQueries, 2)
	assert.Equal(t, "q1", res.SubQueries[0].ID)
	assert.Equal(t, SubQueryOK, res.SubQueries[0].Status)
	assert.Equal(t, SubQueryOK, res.SubQueries[1].Status)

	// The chunk surfacing in both branches outranks the single-branch one.
	require.Len(t, res.Items, 2)
	assert.Equal(t, shared.String(), res.Items[0].ID)
	assert.Equal(t, other.String(), res.Items[1].ID)
	assert.InDelta(t, 1.0/61+1.0/62, res.Items[0].Score, 1e-9)
	assert.InDelta(t, 1.0/61, res.Items[1].Score, 1e-9)

	assert.Equal(t, "rrf", res.Trace.ScoreSpace)
	assert.Equal(t, 60, res.Trace.RRFK)
	assert.Equal(t, 2, res.Trace.SubQueryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMultiQueryRequiresSubQueries(t *testing.T) {
	svc, _ := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	_, err := svc.RunMultiQuery(testCtx(), MultiQueryRequest{Request: Request{Query: "root"}})
	assert.ErrorIs(t, err, ErrNoSubQueries)
}

func TestRunExplainAnnotatesTopResults(t *testing.T) {
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	idA, idB := uuid.New(), uuid.New()
	expectVector(mock,
		mockChunk{id: idA, content: "retention schedule", standard: "ISO 27001", clause: "7.5"},
		mockChunk{id: idB, content: "archive policy"},
	)
	expectEmptyRaptor(mock)

	res, err := svc.RunExplain(testCtx(), ExplainRequest{
		Request: Request{Query: "data retention policy", K: 5},
		TopN:    1,
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, idA.String(), item.ID)
	assert.InDelta(t, 0.9, item.ScoreComponents.BaseSimilarity, 1e-9)
	assert.InDelta(t, item.Row.Score, item.ScoreComponents.FinalScore, 1e-9)
	assert.Nil(t, item.ScoreComponents.JinaRelevanceScore)
	assert.False(t, item.ScoreComponents.ScopePenalized)
	assert.Equal(t, LayerHybrid, item.RetrievalPath.SourceLayer)
	assert.Equal(t, SourceContentChunk, item.RetrievalPath.SourceType)
	assert.Empty(t, item.MatchedFilters.MetadataKeysMatched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunComprehensiveExpandsFiltersAndAudits(t *testing.T) {
	emb := &stubEmbedder{}
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, emb, nil, nil)

	noisy := "## Encryption Controls\n\n\n\nUse [AES-256](https://example.com/aes) for backup media"
	strong := mockChunk{id: uuid.New(), content: noisy, standard: "ISO 27001", clause: "10.1"}
	weak := mockChunk{id: uuid.New(), content: "stray fragment"}

	// Root branch plus four expansion branches, one query each.
	rows := sqlmock.NewRows(append(mockChunkColumns, "similarity", "rank")).
		AddRow(strong.values(0.9, 1)...).
		AddRow(weak.values(0.01, 2)...)
	mock.ExpectQuery("FROM content_chunks").WillReturnRows(rows)
	for i := 0; i < 4; i++ {
		expectVector(mock)
	}
	expectEmptyRaptor(mock)
	expectEmptyCommunities(mock)

	res, err := svc.RunComprehensive(testCtx(), ComprehensiveRequest{
		Request: Request{Query: "encryption requirements for backups", K: 6},
		Coverage: &CoverageRequirements{
			Standards:  []string{"ISO 27001", "GDPR"},
			ClauseRefs: []string{"10.1", "4.2"},
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, "Encryption Controls\n\nUse AES-256 for backup media", res.Items[0].Content)
	assert.Equal(t, 1, res.Trace.PolicyDropped)

	assert.Len(t, res.Trace.ExpandedQueries, 5)
	assert.Equal(t, "encryption requirements for backups", res.Trace.ExpandedQueries[0])
	assert.Contains(t, res.Trace.ExpansionHits, "backup")
	assert.Contains(t, res.Trace.ExpansionHits, "encryption")

	assert.Equal(t, []string{"GDPR"}, res.Trace.MissingScopesAfter)
	assert.Equal(t, []string{"4.2"}, res.Trace.MissingClauseRefsAfter)

	// Five branch embeds, one fusion embed, one community embed.
	assert.Equal(t, 7, emb.singleCalls())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunComprehensiveShortQueryReportsAllGaps(t *testing.T) {
	svc, mock := newTestService(t, serviceCfg(), config.RerankConfig{}, &stubEmbedder{}, nil, nil)

	res, err := svc.RunComprehensive(testCtx(), ComprehensiveRequest{
		Request:  Request{Query: "x"},
		Coverage: &CoverageRequirements{Standards: []string{"ISO 9001"}, ClauseRefs: []string{"4.1"}},
	})
	require.NoError(t, err)

	assert.Empty(t, res.Items)
	assert.Contains(t, res.Trace.WarningCodes, WarnQueryTooShort)
	assert.Equal(t, []string{"ISO 9001"}, res.Trace.MissingScopesAfter)
	assert.Equal(t, []string{"4.1"}, res.Trace.MissingClauseRefsAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpandQueryDeterministicOrderAndCap(t *testing.T) {
	expansions, hits := expandQuery("vendor risk management")

	require.Len(t, expansions, 4)
	assert.Equal(t, "vendor risk management risk assessment", expansions[0])
	assert.Equal(t, "vendor risk management risk treatment plan", expansions[1])
	assert.Equal(t, "vendor risk management supplier relationships", expansions[2])
	assert.Equal(t, "vendor risk management third party management", expansions[3])
	assert.Len(t, hits, 2)

	none, noneHits := expandQuery("completely unrelated wording")
	assert.Empty(t, none)
	assert.Empty(t, noneHits)
}

func TestCleanContentStripsRetrievalNoise(t *testing.T) {
	in := "# Heading\n| a | b |\nSee [the annex](https://example.com) <<page:3>> here\n\n\n\nnext"
	out := cleanContent(in)
	assert.Equal(t, "Heading\n\nSee the annex  here\n\nnext", out)
}

func TestCoverageGapsPrefixMatchesSubClauses(t *testing.T) {
	row := chunkRow("a", 0.9)
	row.SourceStandard = "ISO 9001"
	row.ClauseID = "4.4.1"

	missingStd, missingClauses := coverageGaps([]*Row{row}, &CoverageRequirements{
		Standards:  []string{"iso 9001", "GDPR"},
		ClauseRefs: []string{"4.4", "4.41", "9.2"},
	})

	assert.Equal(t, []string{"GDPR"}, missingStd)
	assert.Equal(t, []string{"4.41", "9.2"}, missingClauses)

	gapsStd, gapsClauses := coverageGaps(nil, nil)
	assert.NotNil(t, gapsStd)
	assert.Empty(t, gapsStd)
	assert.NotNil(t, gapsClauses)
	assert.Empty(t, gapsClauses)
}
