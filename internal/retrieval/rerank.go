package retrieval

import (
	"context"
	"math"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
)

// rerankScoreFloor keeps a structurally boosted row competitive even when
// the external reranker scores it low, so a heading match can still outrank
// a loose semantic win.
const rerankScoreFloor = 0.3

// externalRerank sends the top gravity-ordered candidates to the external
// reranker and reorders them by the returned relevance, composed with any
// heading boost gravity attached. Rows beyond the candidate budget and rows
// the reranker did not score keep their gravity order behind the reranked
// head. On error the input order is returned untouched for the caller to
// degrade gracefully.
func externalRerank(ctx context.Context, reranker providers.Reranker, query string, rows []*Row, maxCandidates int) ([]*Row, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	if maxCandidates <= 0 {
		maxCandidates = 150
	}
	n := len(rows)
	if n > maxCandidates {
		n = maxCandidates
	}
	candidates, rest := rows[:n], rows[n:]

	docs := make([]string, n)
	for i, r := range candidates {
		docs[i] = r.Content
	}
	results, err := reranker.Rerank(ctx, query, docs, n)
	if err != nil {
		return rows, err
	}

	scored := make([]bool, n)
	reranked := make([]*Row, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= n || scored[res.Index] {
			continue
		}
		scored[res.Index] = true
		row := candidates[res.Index]
		score := res.Score
		row.RerankScore = &score

		final := score
		if hb, ok := row.Metadata["heading_boost"].(float64); ok && hb > 1 {
			final = math.Max(score, rerankScoreFloor) * hb
		}
		row.Score = final
		reranked = append(reranked, row)
	}
	sortRows(reranked)

	out := make([]*Row, 0, len(rows))
	out = append(out, reranked...)
	for i, r := range candidates {
		if !scored[i] {
			out = append(out, r)
		}
	}
	out = append(out, rest...)
	return out, nil
}

// stratifyByStandard round-robins rows across the requested standards so no
// single standard monopolizes the head of the list. Rows outside the
// requested standards keep their relative order behind the stratified head.
// With fewer than two standards the input is returned as is.
func stratifyByStandard(rows []*Row, standards []string) []*Row {
	if len(standards) < 2 || len(rows) == 0 {
		return rows
	}

	index := make(map[string]int, len(standards))
	buckets := make([][]*Row, len(standards))
	for i, s := range standards {
		index[strings.ToLower(s)] = i
	}
	var other []*Row
	for _, r := range rows {
		if i, ok := index[strings.ToLower(r.SourceStandard)]; ok {
			buckets[i] = append(buckets[i], r)
			continue
		}
		other = append(other, r)
	}

	out := make([]*Row, 0, len(rows))
	for rank := 0; ; rank++ {
		advanced := false
		for _, b := range buckets {
			if rank < len(b) {
				out = append(out, b[rank])
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return append(out, other...)
}
