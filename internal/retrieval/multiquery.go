package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// rrfBranch is one sub-query's ranked result list entering the RRF merge.
type rrfBranch struct {
	source string
	rows   []*Row
}

// multiQueryExecutor fans a request out over explicit sub-queries. Each
// branch is a plain hybrid retrieval (no planner, no external rerank)
// followed by the local gravity layer; branches run under a parallelism
// budget with their own timeout and can be dropped when their results fall
// almost entirely out of the requested scope.
type multiQueryExecutor struct {
	logger    *observability.Logger
	retriever Retriever
	cfg       config.RetrievalConfig
}

func newMultiQueryExecutor(logger *observability.Logger, retriever Retriever, cfg config.RetrievalConfig) *multiQueryExecutor {
	return &multiQueryExecutor{
		logger:    logger.WithOperation("multi_query"),
		retriever: retriever,
		cfg:       cfg,
	}
}

// branchScope keeps the request scope for a sub-query but re-derives the
// clause hint from the sub-query's own text; a hint from the parent request
// would fake specificity the branch does not have.
func branchScope(base scopeContext, text string) scopeContext {
	scope := base
	scope.ClauseHint = ""
	if clauses := detectClauses(text); len(clauses) == 1 && clauseHintPattern.MatchString(text) {
		scope.ClauseHint = clauses[0]
	}
	return scope
}

// run executes every sub-query and returns their statuses in input order
// plus the ranked lists of the branches that survived.
func (m *multiQueryExecutor) run(ctx context.Context, tenantID string, subQueries []string, k int, base scopeContext) ([]SubQueryStatus, []rrfBranch) {
	maxParallel := m.cfg.MultiQueryMaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	timeout := m.cfg.MultiQuerySubqueryTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	dropThreshold := m.cfg.MultiQueryPenaltyDropThreshold
	if dropThreshold <= 0 {
		dropThreshold = 0.95
	}

	statuses := make([]SubQueryStatus, len(subQueries))
	rows := make([][]*Row, len(subQueries))
	sem := semaphore.NewWeighted(maxParallel)
	var wg sync.WaitGroup

	for i, q := range subQueries {
		i, q := i, q
		id := fmt.Sprintf("q%d", i+1)
		if err := sem.Acquire(ctx, 1); err != nil {
			statuses[i] = SubQueryStatus{ID: id, Query: q, Status: SubQueryFailed, Code: WarnSubQueryFailed}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			statuses[i], rows[i] = m.runBranch(ctx, tenantID, id, q, k, timeout, dropThreshold, base)
		}()
	}
	wg.Wait()

	branches := make([]rrfBranch, 0, len(subQueries))
	for i := range subQueries {
		if statuses[i].Status == SubQueryOK && len(rows[i]) > 0 {
			branches = append(branches, rrfBranch{source: statuses[i].ID, rows: rows[i]})
		}
	}
	return statuses, branches
}

func (m *multiQueryExecutor) runBranch(ctx context.Context, tenantID, id, query string, k int, timeout time.Duration, dropThreshold float64, base scopeContext) (SubQueryStatus, []*Row) {
	started := time.Now()
	status := SubQueryStatus{ID: id, Query: query, Status: SubQueryOK}

	branchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := m.retriever.Retrieve(branchCtx, tenantID, EngineQuery{
		Query: query,
		K:     k,
		Scope: branchScope(base, query),
	})
	status.ElapsedMS = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(branchCtx.Err(), context.DeadlineExceeded) {
			status.Status = SubQueryTimeout
			status.Code = WarnSubQueryTimeout
		} else {
			status.Status = SubQueryFailed
			status.Code = WarnSubQueryFailed
		}
		m.logger.WithTenant(tenantID).Warn().Err(err).Str("sub_query", id).Str("status", status.Status).Msg("sub-query did not complete")
		return status, nil
	}

	branchRows := res.Rows
	gravityRerank(branchRows, query, base.AgentRole, base.TaskType)
	branchRows, penalized, candidates := applyScopePenalty(branchRows, base.Standards,
		m.cfg.ScopePenaltyFactor, m.cfg.ScopeStrictFiltering)

	if m.cfg.MultiQueryDropPenalizedBranch && candidates > 0 {
		if ratio := float64(penalized) / float64(candidates); ratio >= dropThreshold {
			status.Status = SubQueryOutOfScope
			status.Code = WarnSubQueryOutOfScope
			m.logger.WithTenant(tenantID).Debug().Str("sub_query", id).Float64("ratio", ratio).Msg("sub-query dropped as out of scope")
			return status, nil
		}
	}

	status.Rows = len(branchRows)
	return status, branchRows
}

// mergeRRF fuses ranked branch lists with reciprocal-rank fusion. Rows
// answering the same clause of the same standard merge across branches; a
// key contributes once per branch at its best rank. The representative row
// is the first occurrence in branch order, and ties break on the dedupe key
// so the merge is reproducible regardless of completion order.
func mergeRRF(branches []rrfBranch, rrfK, k int) []*Row {
	if rrfK <= 0 {
		rrfK = 60
	}
	type entry struct {
		row   *Row
		key   string
		score float64
	}
	byKey := make(map[string]*entry)
	var order []string

	for _, b := range branches {
		seenInBranch := make(map[string]bool, len(b.rows))
		for rank, row := range b.rows {
			key := row.scopeClauseKey(b.source)
			if seenInBranch[key] {
				continue
			}
			seenInBranch[key] = true
			contribution := 1.0 / float64(rrfK+rank+1)
			if e, ok := byKey[key]; ok {
				e.score += contribution
				continue
			}
			byKey[key] = &entry{row: row, key: key, score: contribution}
			order = append(order, key)
		}
	}

	entries := make([]*entry, 0, len(order))
	for _, key := range order {
		entries = append(entries, byKey[key])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].key < entries[j].key
	})

	if k > 0 && len(entries) > k {
		entries = entries[:k]
	}
	out := make([]*Row, 0, len(entries))
	for _, e := range entries {
		e.row.Score = e.score
		out = append(out, e.row)
	}
	return out
}
