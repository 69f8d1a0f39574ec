package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
)

// Execution modes for a query plan.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// QueryPlan decomposes a question into sub-queries. Plans arrive from the
// planning model or the local heuristics; either way they pass through
// CoerceQueryPlan before execution.
type QueryPlan struct {
	IsMultihop     bool              `json:"is_multihop"`
	ExecutionMode  string            `json:"execution_mode"`
	SubQueries     []PlannedSubQuery `json:"sub_queries"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
}

// PlannedSubQuery is one branch of a plan. DependencyID points at the branch
// whose answer this one builds on; IsDeep widens the graph walk to two hops.
type PlannedSubQuery struct {
	ID              string   `json:"id"`
	Query           string   `json:"query"`
	DependencyID    string   `json:"dependency_id,omitempty"`
	TargetRelations []string `json:"target_relations,omitempty"`
	TargetNodeTypes []string `json:"target_node_types,omitempty"`
	IsDeep          bool     `json:"is_deep,omitempty"`
}

// CoerceQueryPlan normalizes a plan into executable shape: the mode is
// lowercased and defaulted to parallel, blank sub-queries are dropped,
// missing or duplicate ids are assigned positionally, and dependency ids
// that point nowhere are cleared. A well-formed plan passes through
// unchanged. Branch trimming is the executor's job, not done here.
func CoerceQueryPlan(plan QueryPlan) QueryPlan {
	mode := strings.ToLower(strings.TrimSpace(plan.ExecutionMode))
	if mode != ModeSequential {
		mode = ModeParallel
	}
	plan.ExecutionMode = mode

	kept := make([]PlannedSubQuery, 0, len(plan.SubQueries))
	seen := make(map[string]bool, len(plan.SubQueries))
	for _, sq := range plan.SubQueries {
		sq.Query = strings.TrimSpace(sq.Query)
		if sq.Query == "" {
			continue
		}
		sq.ID = strings.TrimSpace(sq.ID)
		if sq.ID == "" || seen[sq.ID] {
			sq.ID = fmt.Sprintf("q%d", len(kept)+1)
		}
		seen[sq.ID] = true
		sq.TargetRelations = trimStrings(sq.TargetRelations)
		sq.TargetNodeTypes = trimStrings(sq.TargetNodeTypes)
		kept = append(kept, sq)
	}
	for i := range kept {
		if kept[i].DependencyID != "" && !seen[kept[i].DependencyID] {
			kept[i].DependencyID = ""
		}
	}
	plan.SubQueries = kept
	return plan
}

func trimStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

const plannerSystemPrompt = `You decompose a retrieval question over regulatory and policy documents into independent sub-queries.
Respond with a single JSON object:
{"is_multihop": bool, "execution_mode": "parallel"|"sequential", "sub_queries": [{"id": "q1", "query": "...", "dependency_id": "", "target_relations": [], "target_node_types": [], "is_deep": false}]}
Rules: split comparisons into one sub-query per subject; use sequential mode only when a later sub-query needs an earlier answer (set dependency_id); set is_multihop when the question asks how things relate or depend on each other; never invent standards the question does not mention; return at most 3 sub-queries; for a simple question return exactly one sub-query.`

// Planner turns a question into a QueryPlan. With a chat client it asks the
// planning model first and falls back to local heuristics on any failure;
// without one it plans heuristically. A nil plan means single-path
// retrieval.
type Planner struct {
	logger *observability.Logger
	chat   providers.ChatClient
	cfg    config.RetrievalConfig
}

func NewPlanner(logger *observability.Logger, chat providers.ChatClient, cfg config.RetrievalConfig) *Planner {
	return &Planner{logger: logger.WithOperation("query_planner"), chat: chat, cfg: cfg}
}

// Plan returns a multi-branch plan for decomposable questions and nil for
// questions best served by a single retrieval.
func (p *Planner) Plan(ctx context.Context, query string) *QueryPlan {
	if p.chat != nil {
		var raw QueryPlan
		err := p.chat.ExtractStructured(ctx, plannerSystemPrompt, query, &raw)
		if err == nil {
			plan := CoerceQueryPlan(raw)
			if len(plan.SubQueries) > 1 {
				return &plan
			}
			if len(plan.SubQueries) == 1 && plan.IsMultihop {
				return &plan
			}
			return nil
		}
		p.logger.Warn().Err(err).Msg("planning model failed, using heuristic plan")
		if plan := heuristicPlan(query); plan != nil {
			plan.FallbackReason = "planner model failed: " + err.Error()
			return plan
		}
		return nil
	}
	return heuristicPlan(query)
}

var (
	comparePattern    = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|difference between|differs? from)\b`)
	sequencePattern   = regexp.MustCompile(`(?i)\b(and then|after that|based on (?:the|that) answer)\b`)
	relationPattern   = regexp.MustCompile(`(?i)\b(relates? to|relationship between|connected to|depends? on|impacts? on)\b`)
	conjunctionSplit  = regexp.MustCompile(`(?i)\s+and\s+(?:also\s+)?`)
	standardPattern   = regexp.MustCompile(`(?i)\b(ISO(?:/IEC)?|IEC|EN|BS|DIN|NIST(?:\s+SP)?|SOC|PCI[ -]?DSS)[ -]?(\d{1,5}(?:-\d+)?)(?::\d{4})?\b`)
	namedStandardPat  = regexp.MustCompile(`(?i)\b(GDPR|HIPAA|CCPA|SOX|FEDRAMP)\b`)
	clauseRefPattern  = regexp.MustCompile(`(?i)(?:clause|section|§)\s*(\d+(?:\.\d+)*)`)
	dottedNumberPat   = regexp.MustCompile(`\b(\d{1,2}(?:\.\d{1,3}){1,3})\b`)
	clauseHintPattern = regexp.MustCompile(`(?i)\b(clause|section|annex|§)\b`)
)

// heuristicPlan is the zero-dependency planner: it splits comparisons across
// standards, conjunction questions, and explicit two-step questions. Most
// questions come back nil and run as a single retrieval.
func heuristicPlan(query string) *QueryPlan {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil
	}
	standards := detectStandards(trimmed)
	multihop := relationPattern.MatchString(trimmed)

	// Two-step question: split on the first sequence connective.
	if loc := sequencePattern.FindStringIndex(trimmed); loc != nil {
		first := strings.TrimSpace(trimmed[:loc[0]])
		second := strings.TrimSpace(trimmed[loc[1]:])
		if wordCount(first) >= 3 && wordCount(second) >= 3 {
			return &QueryPlan{
				IsMultihop:    multihop,
				ExecutionMode: ModeSequential,
				SubQueries: []PlannedSubQuery{
					{ID: "q1", Query: first},
					{ID: "q2", Query: second, DependencyID: "q1"},
				},
			}
		}
	}

	// Comparison across standards: one branch per standard, each branch
	// keeps the question stem with the other standards removed.
	if comparePattern.MatchString(trimmed) && len(standards) >= 2 {
		stem := strings.TrimSpace(stripStandards(trimmed))
		subs := make([]PlannedSubQuery, 0, len(standards))
		for i, std := range standards {
			subs = append(subs, PlannedSubQuery{
				ID:     fmt.Sprintf("q%d", i+1),
				Query:  stem + " " + std,
				IsDeep: multihop,
			})
		}
		return &QueryPlan{IsMultihop: multihop, ExecutionMode: ModeParallel, SubQueries: subs}
	}

	// Conjunction of two clause-specific questions.
	if parts := conjunctionSplit.Split(trimmed, 2); len(parts) == 2 {
		c1, c2 := detectClauses(parts[0]), detectClauses(parts[1])
		if len(c1) > 0 && len(c2) > 0 && wordCount(parts[0]) >= 3 && wordCount(parts[1]) >= 3 {
			return &QueryPlan{
				IsMultihop:    multihop,
				ExecutionMode: ModeParallel,
				SubQueries: []PlannedSubQuery{
					{ID: "q1", Query: strings.TrimSpace(parts[0])},
					{ID: "q2", Query: strings.TrimSpace(parts[1])},
				},
			}
		}
	}

	if multihop {
		return &QueryPlan{
			IsMultihop:    true,
			ExecutionMode: ModeParallel,
			SubQueries:    []PlannedSubQuery{{ID: "q1", Query: trimmed, IsDeep: true}},
		}
	}
	return nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// detectStandards extracts standard designations from free text in a
// canonical "ORG NUMBER" form, sorted and deduplicated. Revision years are
// dropped: "ISO 9001:2015" and "iso-9001" both canonicalize to "ISO 9001".
func detectStandards(text string) []string {
	set := make(map[string]bool)
	for _, m := range standardPattern.FindAllStringSubmatch(text, -1) {
		org := strings.ToUpper(strings.ReplaceAll(m[1], " ", ""))
		org = strings.ReplaceAll(org, "-", "")
		switch org {
		case "PCIDSS":
			org = "PCI DSS"
		case "NISTSP":
			org = "NIST SP"
		case "ISO/IEC":
			org = "ISO"
		}
		set[org+" "+m[2]] = true
	}
	for _, m := range namedStandardPat.FindAllStringSubmatch(text, -1) {
		set[strings.ToUpper(m[1])] = true
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// stripStandards removes standard designations from text so a comparison
// stem can be re-targeted at one standard per branch.
func stripStandards(text string) string {
	out := standardPattern.ReplaceAllString(text, "")
	out = namedStandardPat.ReplaceAllString(out, "")
	return strings.Join(strings.Fields(out), " ")
}

// detectClauses extracts clause references in first-appearance order:
// explicit "clause 4.2" style references and bare dotted numbers like 9.2.1.
func detectClauses(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, m := range clauseRefPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range dottedNumberPat.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

// deriveScope builds the effective scope for one query text. Standards
// found in the text replace the inherited set; a single clause reference
// becomes the clause hint, while several clause references drop the hint
// rather than pretend to a specificity the query does not have. Ownership
// filters (collection, metadata, time range) always come from the request.
func deriveScope(base scopeContext, text string) scopeContext {
	scope := base
	if stds := detectStandards(text); len(stds) > 0 {
		scope.Standards = stds
	}
	scope.ClauseHint = ""
	if clauses := detectClauses(text); len(clauses) == 1 && clauseHintPattern.MatchString(text) {
		scope.ClauseHint = clauses[0]
	}
	return scope
}
