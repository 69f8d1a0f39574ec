package retrieval

import (
	"sort"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Score spaces a result list can be expressed in.
const (
	ScoreSpaceGravity  = "gravity"
	ScoreSpaceSemantic = "semantic_relevance"
)

// headingBoostCap limits how far heading matches can lift a row.
const headingBoostCap = 1.3

// authorityWeights orders the corpus by how binding a source is. A
// constitutional clause outweighs a policy, which outweighs working notes.
var authorityWeights = map[storage.AuthorityLevel]float64{
	storage.AuthorityConstitution:   1.30,
	storage.AuthorityHardConstraint: 1.25,
	storage.AuthorityPolicy:         1.20,
	storage.AuthorityCanonical:      1.15,
	storage.AuthoritySupplementary:  1.00,
	storage.AuthorityAdministrative: 0.90,
	storage.AuthoritySoftKnowledge:  0.85,
}

// agentRoleWeights tilt authority by who is asking. Auditors weigh binding
// text even harder; researchers accept softer sources.
var agentRoleWeights = map[string]map[storage.AuthorityLevel]float64{
	"auditor": {
		storage.AuthorityHardConstraint: 1.10,
		storage.AuthorityConstitution:   1.05,
		storage.AuthoritySoftKnowledge:  0.90,
	},
	"compliance_officer": {
		storage.AuthorityHardConstraint: 1.10,
		storage.AuthorityPolicy:         1.05,
		storage.AuthorityAdministrative: 0.95,
	},
	"researcher": {
		storage.AuthoritySupplementary: 1.05,
		storage.AuthoritySoftKnowledge: 1.05,
	},
}

// taskTypeWeights tilt authority by what the answer is for.
var taskTypeWeights = map[string]map[storage.AuthorityLevel]float64{
	"compliance_check": {
		storage.AuthorityHardConstraint: 1.10,
		storage.AuthorityConstitution:   1.10,
		storage.AuthorityAdministrative: 0.90,
	},
	"gap_analysis": {
		storage.AuthorityPolicy:    1.05,
		storage.AuthorityCanonical: 1.05,
	},
	"drafting": {
		storage.AuthoritySupplementary: 1.05,
	},
	"research": {
		storage.AuthoritySupplementary: 1.05,
		storage.AuthoritySoftKnowledge: 1.05,
	},
}

func authorityWeight(level storage.AuthorityLevel) float64 {
	if w, ok := authorityWeights[level]; ok {
		return w
	}
	return 1.0
}

func intentWeight(table map[string]map[storage.AuthorityLevel]float64, key string, level storage.AuthorityLevel) float64 {
	if key == "" {
		return 1.0
	}
	weights, ok := table[strings.ToLower(key)]
	if !ok {
		return 1.0
	}
	if w, ok := weights[level]; ok {
		return w
	}
	return 1.0
}

// gravityRerank is the local, fully deterministic scoring layer applied to
// every candidate: base similarity shaped by authority level, heading-path
// relevance, and the caller's role and task. The heading boost lands in
// metadata so the external reranker can reuse it. Rows come back sorted by
// the new score; ties break on id for reproducible ordering.
func gravityRerank(rows []*Row, query, agentRole, taskType string) {
	terms := significantTerms(query)
	for _, r := range rows {
		base := r.Similarity
		if base == 0 {
			base = r.Score
		}
		boost := headingBoost(r.HeadingPath, terms)
		if boost > 1 {
			r.setMeta("heading_boost", boost)
		}
		weight := authorityWeight(r.AuthorityLevel) *
			intentWeight(agentRoleWeights, agentRole, r.AuthorityLevel) *
			intentWeight(taskTypeWeights, taskType, r.AuthorityLevel)
		r.Score = base * weight * boost
	}
	sortRows(rows)
}

// headingBoost lifts rows whose heading path mentions the query's
// significant terms: +0.1 per distinct matched term, capped.
func headingBoost(headingPath, terms []string) float64 {
	if len(headingPath) == 0 || len(terms) == 0 {
		return 1.0
	}
	joined := strings.ToLower(strings.Join(headingPath, " / "))
	boost := 1.0
	for _, t := range terms {
		if strings.Contains(joined, t) {
			boost += 0.1
		}
	}
	if boost > headingBoostCap {
		boost = headingBoostCap
	}
	return boost
}

var stopTerms = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"what": true, "which": true, "does": true, "how": true, "with": true,
	"this": true, "that": true, "from": true, "into": true, "about": true,
	"requirements": true, "requirement": true,
}

// significantTerms lowercases the query and keeps the distinct terms worth
// matching against headings.
func significantTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if len(f) < 3 || stopTerms[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// wouldPenalize reports whether a row falls outside the requested standards.
// Rows without a standard are never penalized, and with no requested
// standards nothing is out of scope.
func wouldPenalize(r *Row, requestedStandards []string) bool {
	if r.SourceStandard == "" || len(requestedStandards) == 0 {
		return false
	}
	return !inStandards(r.SourceStandard, requestedStandards)
}

// applyScopePenalty multiplies out-of-scope rows by (1 - factor) and marks
// them; in strict mode they are dropped instead. Returns the surviving rows,
// how many were penalized, and how many rows were examined.
func applyScopePenalty(rows []*Row, requestedStandards []string, factor float64, strict bool) ([]*Row, int, int) {
	candidates := len(rows)
	if candidates == 0 || len(requestedStandards) == 0 {
		return rows, 0, candidates
	}
	penalized := 0
	kept := rows[:0]
	for _, r := range rows {
		if !wouldPenalize(r, requestedStandards) {
			kept = append(kept, r)
			continue
		}
		penalized++
		observability.ScopePenalizedRows.Inc()
		if strict {
			continue
		}
		r.Score *= 1 - factor
		r.ScopePenalized = true
		kept = append(kept, r)
	}
	sortRows(kept)
	return kept, penalized, candidates
}

// sortRows orders by score descending with id as the deterministic
// tie-break.
func sortRows(rows []*Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].ID < rows[j].ID
	})
}
