package ingest

import (
	"regexp"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Role classification is a deterministic text heuristic. TOC pages are
// dominated by dot-leader lines ("4.2 Quality objectives ........ 12") and
// bare clause references; frontmatter is recognised by a small phrase list.
// Everything else is normative body text and retrieval eligible.

var (
	dotLeaderLine  = regexp.MustCompile(`\.{4,}\s*\d+\s*$`)
	clauseRefLine  = regexp.MustCompile(`^\s*(?:[A-Z]\.)?\d+(?:\.\d+)+\.?\s+\S`)
	pageNumberLine = regexp.MustCompile(`^\s*(?:page\s+)?\d+\s*$`)
)

var frontmatterPhrases = []string{
	"table of contents",
	"all rights reserved",
	"copyright",
	"revision history",
	"document control",
	"foreword",
	"preface",
	"acknowledgement",
	"acknowledgment",
	"list of figures",
	"list of tables",
	"intentionally left blank",
}

// ClassifyRole decides the structural role of one section of text.
func ClassifyRole(text string) storage.ChunkRole {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return storage.RoleFrontmatter
	}

	lines := strings.Split(trimmed, "\n")
	var nonEmpty, dotLeaders, clauseRefs, pageOnly int
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		nonEmpty++
		if dotLeaderLine.MatchString(l) {
			dotLeaders++
		}
		if clauseRefLine.MatchString(l) {
			clauseRefs++
		}
		if pageNumberLine.MatchString(strings.ToLower(l)) {
			pageOnly++
		}
	}
	if nonEmpty == 0 {
		return storage.RoleFrontmatter
	}

	// Dot leaders are the strongest TOC signal; a handful is enough. A page
	// that is mostly bare clause references with no prose is also a TOC even
	// when the leader dots were lost in parsing.
	if dotLeaders >= 3 || (dotLeaders >= 1 && dotLeaders*2 >= nonEmpty) {
		return storage.RoleTOC
	}
	if clauseRefs >= 5 && clauseRefs*3 >= nonEmpty*2 && averageLineLength(lines) < 60 {
		return storage.RoleTOC
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range frontmatterPhrases {
		if strings.Contains(lower, phrase) {
			if phrase == "table of contents" && dotLeaders == 0 && clauseRefs == 0 && nonEmpty > 8 {
				// A body section citing the phrase, not the TOC itself.
				continue
			}
			// Frontmatter pages are short; a long section that merely mentions
			// a copyright line stays normative.
			if len(trimmed) < 1200 || phrase == "table of contents" {
				return storage.RoleFrontmatter
			}
		}
	}

	if pageOnly == nonEmpty {
		return storage.RoleFrontmatter
	}

	return storage.RoleNormativeBody
}

func averageLineLength(lines []string) int {
	var total, count int
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		total += len(l)
		count++
	}
	if count == 0 {
		return 0
	}
	return total / count
}

// clausePattern matches clause identifiers such as "8.5.1" or "A.2.4" in
// heading text.
var clausePattern = regexp.MustCompile(`\b((?:[A-Z]\.)?\d+(?:\.\d+)+)\b`)

// ExtractClauseID pulls a clause identifier out of a heading path, innermost
// heading first. Returns nil when no heading carries one.
func ExtractClauseID(headingPath []string) *string {
	for i := len(headingPath) - 1; i >= 0; i-- {
		if m := clausePattern.FindString(headingPath[i]); m != "" {
			clause := m
			return &clause
		}
	}
	return nil
}
