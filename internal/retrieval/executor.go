package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// WarnPlanBranchFailed marks a plan branch that errored and was skipped.
const WarnPlanBranchFailed = "PLAN_BRANCH_FAILED"

// rootBranchID names the safety branch that always runs the original query.
const rootBranchID = "root"

// BranchStat is the execution record of one plan branch.
type BranchStat struct {
	ID             string  `json:"id"`
	Query          string  `json:"query"`
	Rows           int     `json:"rows"`
	PenalizedRatio float64 `json:"penalized_ratio"`
	ElapsedMS      int64   `json:"elapsed_ms"`
	Failed         bool    `json:"failed,omitempty"`
	Skipped        bool    `json:"skipped,omitempty"`
}

// ExecutorResult is the merged outcome of a plan execution.
type ExecutorResult struct {
	Rows              []*Row
	Branches          []BranchStat
	EarlyExit         *EarlyExit
	EngineMode        string
	RPCContractStatus string
	FallbackUsed      bool
	TimingsMS         map[string]int64
	FiltersApplied    []string
	Warnings          []string
	WarningCodes      []string
}

// Executor runs a query plan against the engine: bounded parallel branches
// or sequential branches with an out-of-scope early exit, always followed by
// the root safety branch, merged deterministically.
type Executor struct {
	logger    *observability.Logger
	retriever Retriever
	cfg       config.RetrievalConfig
}

func NewExecutor(logger *observability.Logger, retriever Retriever, cfg config.RetrievalConfig) *Executor {
	return &Executor{logger: logger.WithOperation("plan_executor"), retriever: retriever, cfg: cfg}
}

// branchRun pairs a branch id with its engine call.
type branchRun struct {
	id    string
	query EngineQuery
}

// branchOutcome is one finished branch.
type branchOutcome struct {
	id      string
	query   string
	rows    []*Row
	ratio   float64
	elapsed time.Duration
	engine  *EngineResult
	err     error
}

// Execute runs the plan and merges branch results. A nil or empty plan runs
// the root query alone. Individual branch failures degrade to warnings; the
// call fails only when every branch, root included, failed.
func (x *Executor) Execute(ctx context.Context, tenantID string, plan *QueryPlan, root EngineQuery) (*ExecutorResult, error) {
	started := time.Now()

	if plan == nil || len(plan.SubQueries) == 0 {
		res, err := x.retriever.Retrieve(ctx, tenantID, root)
		if err != nil {
			return nil, err
		}
		out := resultFromEngine(res)
		out.Branches = []BranchStat{{
			ID:             rootBranchID,
			Query:          root.Query,
			Rows:           len(res.Rows),
			PenalizedRatio: penalizedRatio(res.Rows, root.Scope.Standards),
			ElapsedMS:      time.Since(started).Milliseconds(),
		}}
		out.TimingsMS["plan_total"] = time.Since(started).Milliseconds()
		return out, nil
	}

	branches := x.plannedBranches(plan, root)

	var outcomes []branchOutcome
	var skipped []branchRun
	var earlyExit *EarlyExit
	if plan.ExecutionMode == ModeSequential {
		outcomes, skipped, earlyExit = x.runSequential(ctx, tenantID, branches, root.Scope.Standards)
	} else {
		outcomes = x.runParallel(ctx, tenantID, branches, root.Scope.Standards)
	}

	// Safety branch: the untouched root query always runs so a bad plan can
	// never produce less than plain retrieval would.
	rootOutcome := x.runBranch(ctx, tenantID, branchRun{id: rootBranchID, query: root}, root.Scope.Standards)
	outcomes = append(outcomes, rootOutcome)

	out := x.mergeOutcomes(outcomes, root.K)
	for _, b := range skipped {
		out.Branches = append(out.Branches, BranchStat{ID: b.id, Query: b.query.Query, Skipped: true})
	}
	out.EarlyExit = earlyExit
	if earlyExit != nil && earlyExit.Triggered {
		out.WarningCodes = append(out.WarningCodes, WarnPlanEarlyExit)
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("plan stopped after %s: %.0f%% of its rows were out of scope",
				earlyExit.AfterSubQuery, earlyExit.Ratio*100))
	}
	out.TimingsMS["plan_total"] = time.Since(started).Milliseconds()

	if len(out.Rows) == 0 && rootOutcome.err != nil {
		return nil, fmt.Errorf("all plan branches failed, root: %w", rootOutcome.err)
	}
	return out, nil
}

// plannedBranches trims the plan to the branch budget and derives each
// branch's scope from its own text.
func (x *Executor) plannedBranches(plan *QueryPlan, root EngineQuery) []branchRun {
	subs := plan.SubQueries
	if max := x.cfg.PlanMaxBranchExpansions; max > 0 && len(subs) > max {
		subs = subs[:max]
	}
	branches := make([]branchRun, 0, len(subs))
	for _, sq := range subs {
		hops := 1
		if sq.IsDeep {
			hops = 2
		}
		branches = append(branches, branchRun{
			id: sq.ID,
			query: EngineQuery{
				Query:           sq.Query,
				K:               root.K,
				Scope:           deriveScope(root.Scope, sq.Query),
				TargetRelations: sq.TargetRelations,
				TargetNodeTypes: sq.TargetNodeTypes,
				GraphMaxHops:    hops,
			},
		})
	}
	return branches
}

func (x *Executor) runBranch(ctx context.Context, tenantID string, b branchRun, baseStandards []string) branchOutcome {
	started := time.Now()
	res, err := x.retriever.Retrieve(ctx, tenantID, b.query)
	outcome := branchOutcome{id: b.id, query: b.query.Query, elapsed: time.Since(started), err: err}
	if err != nil {
		x.logger.WithTenant(tenantID).Warn().Err(err).Str("sub_query", b.id).Msg("plan branch failed")
		return outcome
	}
	outcome.rows = res.Rows
	outcome.ratio = penalizedRatio(res.Rows, baseStandards)
	outcome.engine = res
	return outcome
}

// runParallel executes branches under the parallelism budget. Completion
// order does not matter; the merge orders by branch id.
func (x *Executor) runParallel(ctx context.Context, tenantID string, branches []branchRun, baseStandards []string) []branchOutcome {
	maxParallel := x.cfg.PlanMaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	sem := semaphore.NewWeighted(maxParallel)
	outcomes := make([]branchOutcome, len(branches))

	var wg sync.WaitGroup
	for i, b := range branches {
		i, b := i, b
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = branchOutcome{id: b.id, query: b.query.Query, err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = x.runBranch(ctx, tenantID, b, baseStandards)
		}()
	}
	wg.Wait()
	return outcomes
}

// runSequential executes branches in order and stops once a branch's results
// are dominated by out-of-scope rows, leaving the rest to the safety branch.
func (x *Executor) runSequential(ctx context.Context, tenantID string, branches []branchRun, baseStandards []string) ([]branchOutcome, []branchRun, *EarlyExit) {
	threshold := x.cfg.PlanEarlyExitScopePenalty
	if threshold <= 0 {
		threshold = 0.8
	}
	var outcomes []branchOutcome
	for i, b := range branches {
		outcome := x.runBranch(ctx, tenantID, b, baseStandards)
		outcomes = append(outcomes, outcome)
		if outcome.err != nil {
			continue
		}
		if len(outcome.rows) > 0 && outcome.ratio >= threshold {
			exit := &EarlyExit{Triggered: true, AfterSubQuery: b.id, Ratio: outcome.ratio}
			return outcomes, branches[i+1:], exit
		}
	}
	return outcomes, nil, nil
}

// mergeOutcomes interleaves branch results deterministically: branches by id
// ascending, rows round-robin by rank, duplicates dropped by identity, cut
// at k. Engine evidence aggregates across branches with the root preferred.
func (x *Executor) mergeOutcomes(outcomes []branchOutcome, k int) *ExecutorResult {
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].id < outcomes[j].id })

	out := &ExecutorResult{
		EngineMode:        x.cfg.EngineMode,
		RPCContractStatus: contractOK,
		TimingsMS:         make(map[string]int64, 4),
	}

	type rankedList struct {
		id   string
		rows []*Row
	}
	lists := make([]rankedList, 0, len(outcomes))
	for _, o := range outcomes {
		out.Branches = append(out.Branches, BranchStat{
			ID:             o.id,
			Query:          o.query,
			Rows:           len(o.rows),
			PenalizedRatio: o.ratio,
			ElapsedMS:      o.elapsed.Milliseconds(),
			Failed:         o.err != nil,
		})
		if o.err != nil {
			out.WarningCodes = append(out.WarningCodes, WarnPlanBranchFailed)
			out.Warnings = append(out.Warnings, fmt.Sprintf("sub-query %s failed: %v", o.id, o.err))
			continue
		}
		lists = append(lists, rankedList{id: o.id, rows: o.rows})
		if o.engine != nil {
			out.FallbackUsed = out.FallbackUsed || o.engine.FallbackUsed
			out.Warnings = append(out.Warnings, o.engine.Warnings...)
			out.WarningCodes = append(out.WarningCodes, o.engine.WarningCodes...)
			if o.id == rootBranchID || out.FiltersApplied == nil {
				out.RPCContractStatus = o.engine.RPCContractStatus
				out.FiltersApplied = o.engine.FiltersApplied
				for name, ms := range o.engine.TimingsMS {
					out.TimingsMS[name] = ms
				}
			}
		}
	}

	seen := make(map[string]bool)
	merged := make([]*Row, 0, k)
	for rank := 0; len(merged) < k; rank++ {
		advanced := false
		for _, l := range lists {
			if rank >= len(l.rows) {
				continue
			}
			advanced = true
			row := l.rows[rank]
			key := row.identity(l.id)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, row)
			if len(merged) == k {
				break
			}
		}
		if !advanced {
			break
		}
	}
	out.Rows = merged
	return out
}

// resultFromEngine lifts a single engine call into executor shape.
func resultFromEngine(res *EngineResult) *ExecutorResult {
	timings := make(map[string]int64, len(res.TimingsMS)+1)
	for k, v := range res.TimingsMS {
		timings[k] = v
	}
	return &ExecutorResult{
		Rows:              res.Rows,
		EngineMode:        res.EngineMode,
		RPCContractStatus: res.RPCContractStatus,
		FallbackUsed:      res.FallbackUsed,
		TimingsMS:         timings,
		FiltersApplied:    res.FiltersApplied,
		Warnings:          res.Warnings,
		WarningCodes:      res.WarningCodes,
	}
}

// penalizedRatio is the share of rows whose standard falls outside the
// requested standards. Rows without a standard never count as penalized;
// with no requested standards the ratio is zero.
func penalizedRatio(rows []*Row, requestedStandards []string) float64 {
	if len(rows) == 0 || len(requestedStandards) == 0 {
		return 0
	}
	penalized := 0
	for _, r := range rows {
		if wouldPenalize(r, requestedStandards) {
			penalized++
		}
	}
	return float64(penalized) / float64(len(rows))
}
