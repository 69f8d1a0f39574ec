package retrieval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// ErrNoSubQueries rejects a multi-query request without sub-queries.
var ErrNoSubQueries = errors.New("multi-query requires at least one sub-query")

// Service is the retrieval contract surface: scope validation, single-query
// hybrid retrieval, explicit multi-query fusion, explainable retrieval, and
// comprehensive coverage-audited retrieval.
type Service struct {
	logger    *observability.Logger
	cfg       config.RetrievalConfig
	rerankCfg config.RerankConfig

	engine   *Engine
	executor *Executor
	planner  *Planner
	fusion   *Fusion
	multi    *multiQueryExecutor
	graph    *storage.GraphRepository
	embedder providers.Embedder
	reranker providers.Reranker
	cache    *resultCache
}

// NewService wires the retrieval pipeline. chat and cacheClient may be nil:
// without a chat client planning falls back to heuristics, and without a
// cache client (or with caching disabled) every request recomputes.
func NewService(
	logger *observability.Logger,
	chunks *storage.ChunkRepository,
	graph *storage.GraphRepository,
	raptor *storage.RaptorRepository,
	embedder providers.Embedder,
	reranker providers.Reranker,
	chat providers.ChatClient,
	cacheClient cache.Client,
	cfg config.RetrievalConfig,
	rerankCfg config.RerankConfig,
) *Service {
	serviceLogger := logger.WithOperation("retrieval")
	engine := NewEngine(logger, chunks, graph, embedder, cfg)
	return &Service{
		logger:    serviceLogger,
		cfg:       cfg,
		rerankCfg: rerankCfg,
		engine:    engine,
		executor:  NewExecutor(logger, engine, cfg),
		planner:   NewPlanner(logger, chat, cfg),
		fusion:    NewFusion(logger, chunks, raptor, engine, embedder, cfg),
		multi:     newMultiQueryExecutor(logger, engine, cfg),
		graph:     graph,
		embedder:  embedder,
		reranker:  reranker,
		cache:     newResultCache(serviceLogger, cacheClient, cfg.CacheResults, cfg.CacheTTL),
	}
}

// InvalidateTenantCache drops a tenant's cached retrievals after the corpus
// changed underneath them.
func (s *Service) InvalidateTenantCache(ctx context.Context, tenantID string) {
	s.cache.invalidateTenant(ctx, tenantID)
}

// ValidateScope normalizes the request filters and reports violations along
// with the scope the query text itself implies. Pure validation: nothing is
// retrieved.
func (s *Service) ValidateScope(req Request) *ScopeReport {
	normalized, violations := tenancy.NormalizeScopeFilters(req.Filters)

	queryStandards := detectStandards(req.Query)
	queryClauses := detectClauses(req.Query)
	report := &ScopeReport{
		Valid:           len(violations) == 0,
		NormalizedScope: normalized,
		Violations:      violations,
		QueryScope: QueryScope{
			Standards: queryStandards,
			Clauses:   queryClauses,
		},
	}
	if len(queryClauses) == 1 && clauseHintPattern.MatchString(req.Query) {
		report.QueryScope.ClauseHint = queryClauses[0]
	}

	// Clarification advisories: not violations, but the caller can do
	// better than this query.
	if len(queryClauses) > 0 && len(queryStandards) == 0 && len(normalized.SourceStandards) == 0 {
		report.Warnings = append(report.Warnings,
			"clause references without a standard are ambiguous; name the standard or add a source_standards filter")
	}
	if len(queryStandards) > 0 && len(normalized.SourceStandards) > 0 {
		outside := 0
		for _, qs := range queryStandards {
			if !inStandards(qs, normalized.SourceStandards) {
				outside++
			}
		}
		if outside > 0 {
			report.Warnings = append(report.Warnings,
				"query mentions standards outside the requested source_standards filter; those results will be scope-penalized")
		}
	}
	if len(queryClauses) > 1 {
		report.Warnings = append(report.Warnings,
			"multiple clause references found; the clause filter is disabled for this query")
	}
	return report
}

// effectiveScope renders the request into the scope the engine runs under.
// Filter standards win; when the request has none, standards named in the
// query text take their place so an unfiltered question still lands on the
// right corpus slice.
func (s *Service) effectiveScope(req Request) (scopeContext, []tenancy.Violation) {
	normalized, violations := tenancy.NormalizeScopeFilters(req.Filters)
	scope := scopeContext{
		Standards:     normalized.SourceStandards,
		CollectionID:  req.CollectionID,
		IncludeGlobal: req.IncludeGlobal,
		Metadata:      normalized.Metadata,
		TimeRange:     normalized.TimeRange,
		AgentRole:     req.AgentRole,
		TaskType:      req.TaskType,
	}
	if len(scope.Standards) == 0 {
		scope.Standards = detectStandards(req.Query)
	}
	if clauses := detectClauses(req.Query); len(clauses) == 1 && clauseHintPattern.MatchString(req.Query) {
		scope.ClauseHint = clauses[0]
	}
	return scope, violations
}

// RunHybrid is the single-query retrieval pipeline: plan, execute, fuse
// three streams, gravity-score, scope-penalize, stratify, optionally rerank
// externally, and leak-check. The local gravity layer always runs.
func (s *Service) RunHybrid(ctx context.Context, req Request, skipPlanner, skipExternalRerank bool) (*HybridResult, error) {
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	scope, violations := s.effectiveScope(req)
	if len(violations) > 0 {
		return nil, &ScopeValidationError{Violations: violations}
	}

	started := time.Now()
	observability.RetrievalRequests.WithLabelValues("hybrid").Inc()
	defer func() {
		observability.RetrievalLatency.WithLabelValues("hybrid").Observe(time.Since(started).Seconds())
	}()

	k := req.K
	if k <= 0 {
		k = s.cfg.DefaultK
	}

	// Too-short queries never reach the embedder or the database.
	if len(strings.TrimSpace(req.Query)) <= 1 {
		return &HybridResult{
			Items: []*Row{},
			Trace: HybridTrace{
				FiltersApplied:    scope.filtersApplied(),
				EngineMode:        s.cfg.EngineMode,
				TimingsMS:         map[string]int64{"total": time.Since(started).Milliseconds()},
				Warnings:          []string{"query too short for retrieval"},
				WarningCodes:      []string{WarnQueryTooShort},
				ScoreSpace:        ScoreSpaceGravity,
				RPCContractStatus: contractOK,
			},
		}, nil
	}

	if cached, ok := s.cache.get(ctx, tenantID, req, skipPlanner, skipExternalRerank); ok {
		cached.Trace.CacheHit = true
		return cached, nil
	}

	trace := HybridTrace{
		FiltersApplied:    scope.filtersApplied(),
		EngineMode:        s.cfg.EngineMode,
		RPCContractStatus: contractOK,
		TimingsMS:         make(map[string]int64, 8),
		ScoreSpace:        ScoreSpaceGravity,
	}

	var plan *QueryPlan
	if !skipPlanner {
		if plan = s.planner.Plan(ctx, req.Query); plan != nil {
			trace.PlannerUsed = true
			trace.PlannerMultihop = plan.IsMultihop
		}
	}

	root := EngineQuery{Query: req.Query, K: k, Scope: scope}
	var chunkRows []*Row
	execRes, execErr := s.executor.Execute(ctx, tenantID, plan, root)
	if execErr != nil {
		s.logger.WithTenant(tenantID).Warn().Err(execErr).Msg("chunks stream failed")
		observability.RetrievalStreamFailures.WithLabelValues(streamChunks).Inc()
		trace.Warnings = append(trace.Warnings, "chunks stream failed: "+execErr.Error())
		trace.WarningCodes = append(trace.WarningCodes, WarnChunksFailed)
		trace.RPCContractStatus = contractDegraded
	} else {
		chunkRows = execRes.Rows
		trace.FallbackUsed = execRes.FallbackUsed
		trace.RPCContractStatus = execRes.RPCContractStatus
		trace.PlanEarlyExit = execRes.EarlyExit
		trace.Warnings = append(trace.Warnings, execRes.Warnings...)
		trace.WarningCodes = append(trace.WarningCodes, execRes.WarningCodes...)
		if len(execRes.FiltersApplied) > 0 {
			trace.FiltersApplied = execRes.FiltersApplied
		}
		for name, ms := range execRes.TimingsMS {
			trace.TimingsMS[name] = ms
		}
	}

	fres := s.fusion.Run(ctx, tenantID, req.Query, chunkRows, k)
	trace.Warnings = append(trace.Warnings, fres.Warnings...)
	trace.WarningCodes = append(trace.WarningCodes, fres.WarningCodes...)
	for name, ms := range fres.TimingsMS {
		trace.TimingsMS[name] = ms
	}

	items := s.scoreAndOrder(ctx, tenantID, req.Query, fres.Rows, scope, skipExternalRerank, &trace)
	if len(items) > k {
		items = items[:k]
	}
	trace.WarningCodes = dedupeStrings(trace.WarningCodes)
	trace.TimingsMS["total"] = time.Since(started).Milliseconds()

	result := &HybridResult{Items: items, Trace: trace}
	s.cache.put(ctx, tenantID, req, skipPlanner, skipExternalRerank, result)
	return result, nil
}

// scoreAndOrder applies the two rerank layers and the scope penalty, with
// stratification around the external rerank, then leak-checks the result.
func (s *Service) scoreAndOrder(ctx context.Context, tenantID, query string, rows []*Row, scope scopeContext, skipExternalRerank bool, trace *HybridTrace) []*Row {
	gravityRerank(rows, query, scope.AgentRole, scope.TaskType)

	rows, penalized, candidates := applyScopePenalty(rows, scope.Standards,
		s.cfg.ScopePenaltyFactor, s.cfg.ScopeStrictFiltering)
	trace.ScopePenalizedCount = penalized
	trace.ScopePenalizedCandidate = candidates
	if candidates > 0 {
		trace.ScopePenalizedRatio = float64(penalized) / float64(candidates)
	}

	rows = stratifyByStandard(rows, scope.Standards)

	if !skipExternalRerank && s.reranker != nil && s.rerankCfg.Mode != "local" && len(rows) > 0 {
		reranked, err := externalRerank(ctx, s.reranker, query, rows, s.rerankCfg.MaxCandidates)
		if err != nil {
			s.logger.WithTenant(tenantID).Warn().Err(err).Msg("external rerank failed, keeping gravity order")
			trace.Warnings = append(trace.Warnings, "external rerank failed: "+err.Error())
			trace.WarningCodes = append(trace.WarningCodes, WarnRerankDegraded)
		} else {
			rows = stratifyByStandard(reranked, scope.Standards)
			trace.ScoreSpace = ScoreSpaceSemantic
		}
	}

	rows, leaked := LeakCanary(s.logger, tenantID, rows)
	if leaked > 0 {
		trace.Warnings = append(trace.Warnings, fmt.Sprintf("leak canary removed %d rows", leaked))
		trace.WarningCodes = append(trace.WarningCodes, WarnTenantRowsDropped)
	}
	return rows
}

// RunMultiQuery fans the request out over explicit sub-queries and fuses
// their ranked lists with reciprocal-rank fusion.
func (s *Service) RunMultiQuery(ctx context.Context, req MultiQueryRequest) (*MultiQueryResult, error) {
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.SubQueries) == 0 {
		return nil, ErrNoSubQueries
	}
	scope, violations := s.effectiveScope(req.Request)
	if len(violations) > 0 {
		return nil, &ScopeValidationError{Violations: violations}
	}

	started := time.Now()
	observability.RetrievalRequests.WithLabelValues("multi_query").Inc()
	defer func() {
		observability.RetrievalLatency.WithLabelValues("multi_query").Observe(time.Since(started).Seconds())
	}()

	k := req.K
	if k <= 0 {
		k = s.cfg.DefaultK
	}
	rrfK := req.RRFK
	if rrfK <= 0 {
		rrfK = s.cfg.RRFK
	}

	statuses, branches := s.multi.run(ctx, tenantID, req.SubQueries, k, scope)
	items := mergeRRF(branches, rrfK, k)

	trace := MultiQueryTrace{
		SubQueryCount: len(req.SubQueries),
		RRFK:          rrfK,
		ScoreSpace:    "rrf",
		TimingsMS:     map[string]int64{},
	}
	for _, st := range statuses {
		switch st.Status {
		case SubQueryTimeout, SubQueryFailed:
			trace.FailedCount++
			trace.Warnings = append(trace.Warnings, fmt.Sprintf("sub-query %s %s", st.ID, st.Status))
			trace.WarningCodes = append(trace.WarningCodes, st.Code)
		case SubQueryOutOfScope:
			trace.DroppedCount++
			trace.Warnings = append(trace.Warnings, fmt.Sprintf("sub-query %s dropped: out of scope", st.ID))
			trace.WarningCodes = append(trace.WarningCodes, st.Code)
		}
	}
	trace.WarningCodes = dedupeStrings(trace.WarningCodes)

	items, leaked := LeakCanary(s.logger, tenantID, items)
	if leaked > 0 {
		trace.Warnings = append(trace.Warnings, fmt.Sprintf("leak canary removed %d rows", leaked))
		trace.WarningCodes = append(trace.WarningCodes, WarnTenantRowsDropped)
	}
	trace.TimingsMS["total"] = time.Since(started).Milliseconds()

	return &MultiQueryResult{Items: items, SubQueries: statuses, Trace: trace}, nil
}

// explainDefaultTopN bounds how many items get score provenance when the
// request does not say.
const explainDefaultTopN = 5

// RunExplain runs the hybrid pipeline and decorates the top items with how
// their scores came to be and which requested filters they matched.
func (s *Service) RunExplain(ctx context.Context, req ExplainRequest) (*ExplainResult, error) {
	observability.RetrievalRequests.WithLabelValues("explain").Inc()
	hres, err := s.RunHybrid(ctx, req.Request, false, false)
	if err != nil {
		return nil, err
	}

	topN := req.TopN
	if topN <= 0 {
		topN = explainDefaultTopN
	}
	if topN > len(hres.Items) {
		topN = len(hres.Items)
	}

	normalized, _ := tenancy.NormalizeScopeFilters(req.Filters)
	items := make([]*ExplainedItem, 0, topN)
	for _, row := range hres.Items[:topN] {
		items = append(items, s.explainRow(row, req.Request, normalized))
	}
	return &ExplainResult{Items: items, Trace: hres.Trace}, nil
}

func (s *Service) explainRow(row *Row, req Request, normalized tenancy.ScopeFilters) *ExplainedItem {
	item := &ExplainedItem{
		Row: row,
		ScoreComponents: ScoreComponents{
			BaseSimilarity:     row.Similarity,
			JinaRelevanceScore: row.RerankScore,
			FinalScore:         row.Score,
			ScopePenalized:     row.ScopePenalized,
		},
		RetrievalPath: RetrievalPath{SourceLayer: row.SourceLayer, SourceType: row.SourceType},
	}
	if row.ScopePenalized {
		ratio := s.cfg.ScopePenaltyFactor
		item.ScoreComponents.ScopePenaltyRatio = &ratio
	}

	if req.CollectionID != nil && row.CollectionID != nil && *req.CollectionID == *row.CollectionID {
		item.MatchedFilters.CollectionIDMatch = true
	}
	if normalized.TimeRange != nil && !row.CreatedAt.IsZero() {
		tr := normalized.TimeRange
		if !row.CreatedAt.Before(tr.From) && !row.CreatedAt.After(tr.To) {
			item.MatchedFilters.TimeRangeMatch = true
		}
	}
	matched := make([]string, 0, len(normalized.Metadata))
	for key, want := range normalized.Metadata {
		if got, ok := row.Metadata[key]; ok && fmt.Sprint(got) == fmt.Sprint(want) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)
	item.MatchedFilters.MetadataKeysMatched = matched
	return item
}

// searchHintExpansions is the deterministic query-expansion table for
// comprehensive retrieval. Hints are matched as lowercase substrings; each
// hit contributes its expansions as additional sub-queries.
var searchHintExpansions = map[string][]string{
	"access control": {"authentication requirements", "authorization policy"},
	"audit":          {"internal audit programme", "management review"},
	"backup":         {"business continuity", "disaster recovery"},
	"encryption":     {"cryptographic controls", "key management"},
	"incident":       {"incident response", "corrective action"},
	"password":       {"credential management", "authentication policy"},
	"privacy":        {"personal data protection", "data subject rights"},
	"risk":           {"risk assessment", "risk treatment plan"},
	"training":       {"awareness programme", "competence records"},
	"vendor":         {"supplier relationships", "third party management"},
}

// maxExpansions caps how many expansion sub-queries a comprehensive request
// fans out to.
const maxExpansions = 4

// noisePatterns strip retrieval artifacts from comprehensive results:
// markdown tables, links, heading markers, visual anchors, and blank runs.
var noisePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?m)^\s*\|[^\n]*\|\s*$`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`<<[^>]*>>`), ""},
	{regexp.MustCompile("\n{3,}"), "\n\n"},
}

// cleanContent applies the retrieval policy's noise reduction to one
// content block.
func cleanContent(content string) string {
	for _, p := range noisePatterns {
		content = p.re.ReplaceAllString(content, p.replacement)
	}
	return strings.TrimSpace(content)
}

// expandQuery returns the expansion sub-queries for a comprehensive request
// and which hints fired, in deterministic hint order.
func expandQuery(query string) ([]string, map[string][]string) {
	lower := strings.ToLower(query)
	hints := make([]string, 0, len(searchHintExpansions))
	for hint := range searchHintExpansions {
		hints = append(hints, hint)
	}
	sort.Strings(hints)

	hits := make(map[string][]string)
	var expansions []string
	for _, hint := range hints {
		if !strings.Contains(lower, hint) {
			continue
		}
		hits[hint] = searchHintExpansions[hint]
		for _, exp := range searchHintExpansions[hint] {
			if len(expansions) >= maxExpansions {
				break
			}
			expansions = append(expansions, query+" "+exp)
		}
	}
	return expansions, hits
}

// RunComprehensive is the widest retrieval: hint-driven query expansion
// fused by RRF, community summaries as an extra stream, the full fusion and
// rerank pipeline, a minimum-score policy with noise reduction, and a
// coverage report against the caller's requirements.
func (s *Service) RunComprehensive(ctx context.Context, req ComprehensiveRequest) (*ComprehensiveResult, error) {
	tenantID, err := tenancy.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	scope, violations := s.effectiveScope(req.Request)
	if len(violations) > 0 {
		return nil, &ScopeValidationError{Violations: violations}
	}

	started := time.Now()
	observability.RetrievalRequests.WithLabelValues("comprehensive").Inc()
	defer func() {
		observability.RetrievalLatency.WithLabelValues("comprehensive").Observe(time.Since(started).Seconds())
	}()

	k := req.K
	if k <= 0 {
		k = s.cfg.DefaultK
	}

	expansions, hits := expandQuery(req.Query)
	trace := ComprehensiveTrace{
		HybridTrace: HybridTrace{
			FiltersApplied:    scope.filtersApplied(),
			EngineMode:        s.cfg.EngineMode,
			RPCContractStatus: contractOK,
			TimingsMS:         make(map[string]int64, 8),
			ScoreSpace:        ScoreSpaceGravity,
		},
		ExpansionHits:   hits,
		ExpandedQueries: append([]string{req.Query}, expansions...),
		PolicyMinScore:  s.cfg.PolicyMinScore,
	}

	if len(strings.TrimSpace(req.Query)) <= 1 {
		trace.Warnings = append(trace.Warnings, "query too short for retrieval")
		trace.WarningCodes = append(trace.WarningCodes, WarnQueryTooShort)
		trace.MissingScopesAfter, trace.MissingClauseRefsAfter = coverageGaps(nil, req.Coverage)
		trace.TimingsMS["total"] = time.Since(started).Milliseconds()
		return &ComprehensiveResult{Items: []*Row{}, Trace: trace}, nil
	}

	// Chunk stream: the root query plus every expansion, RRF-fused so a
	// chunk surfacing under several phrasings rises.
	statuses, branches := s.multi.run(ctx, tenantID, trace.ExpandedQueries, k, scope)
	for _, st := range statuses {
		if st.Status != SubQueryOK {
			trace.Warnings = append(trace.Warnings, fmt.Sprintf("expansion %s %s", st.ID, st.Status))
			trace.WarningCodes = append(trace.WarningCodes, st.Code)
		}
	}
	chunkRows := mergeRRF(branches, s.cfg.RRFK, k*2)

	fres := s.fusion.Run(ctx, tenantID, req.Query, chunkRows, k*2)
	trace.Warnings = append(trace.Warnings, fres.Warnings...)
	trace.WarningCodes = append(trace.WarningCodes, fres.WarningCodes...)
	for name, ms := range fres.TimingsMS {
		trace.TimingsMS[name] = ms
	}
	rows := fres.Rows

	if community := s.communityRows(ctx, tenantID, req.Query); len(community) > 0 {
		rows = append(rows, community...)
	}

	rows = s.scoreAndOrder(ctx, tenantID, req.Query, rows, scope, false, &trace.HybridTrace)

	kept := make([]*Row, 0, len(rows))
	for _, r := range rows {
		if r.Score < s.cfg.PolicyMinScore {
			trace.PolicyDropped++
			continue
		}
		r.Content = cleanContent(r.Content)
		kept = append(kept, r)
	}
	if len(kept) > k {
		kept = kept[:k]
	}

	trace.MissingScopesAfter, trace.MissingClauseRefsAfter = coverageGaps(kept, req.Coverage)
	trace.WarningCodes = dedupeStrings(trace.WarningCodes)
	trace.TimingsMS["total"] = time.Since(started).Milliseconds()
	return &ComprehensiveResult{Items: kept, Trace: trace}, nil
}

// communityRows surfaces tenant-level community summaries as synthetic
// rows. Communities carry no standard, so they are never scope-penalized;
// they compete on similarity alone.
func (s *Service) communityRows(ctx context.Context, tenantID, query string) []*Row {
	embedding, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil
	}
	matches, err := s.graph.MatchCommunities(ctx, tenantID, embedding, 3)
	if err != nil {
		s.logger.WithTenant(tenantID).Debug().Err(err).Msg("community stream unavailable")
		return nil
	}
	rows := make([]*Row, 0, len(matches))
	for _, m := range matches {
		row := &Row{
			ID:          "graph:community:" + m.Community.ID.String(),
			TenantID:    m.Community.TenantID,
			Content:     m.Community.Summary,
			Score:       m.Similarity,
			Similarity:  m.Similarity,
			SourceLayer: LayerGraph,
			SourceType:  SourceCommunity,
			eligible:    true,
		}
		row.setMeta("retrieved_via", "community_summary")
		row.setMeta("entity_count", len(m.Community.EntityIDs))
		rows = append(rows, row)
	}
	return rows
}

// coverageGaps reports which required standards and clause references the
// final items still do not touch. A clause requirement is covered by an
// exact clause id or any of its sub-clauses.
func coverageGaps(items []*Row, coverage *CoverageRequirements) ([]string, []string) {
	missingScopes := []string{}
	missingClauses := []string{}
	if coverage == nil {
		return missingScopes, missingClauses
	}
	for _, std := range coverage.Standards {
		covered := false
		for _, r := range items {
			if strings.EqualFold(r.SourceStandard, std) {
				covered = true
				break
			}
		}
		if !covered {
			missingScopes = append(missingScopes, std)
		}
	}
	for _, ref := range coverage.ClauseRefs {
		covered := false
		for _, r := range items {
			if r.ClauseID == ref || strings.HasPrefix(r.ClauseID, ref+".") {
				covered = true
				break
			}
		}
		if !covered {
			missingClauses = append(missingClauses, ref)
		}
	}
	sort.Strings(missingScopes)
	sort.Strings(missingClauses)
	return missingScopes, missingClauses
}

func dedupeStrings(in []string) []string {
	if len(in) <= 1 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
