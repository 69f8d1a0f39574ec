package chat

import (
	"fmt"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/retrieval"
)

const (
	// contextChunkLimit caps how many retrieved rows become prompt context.
	contextChunkLimit = 8
	// contextCharBudget bounds the assembled context block so provider
	// token limits are never the failure mode.
	contextCharBudget = 12000
	// excerptChars bounds each quoted passage in an extractive answer.
	excerptChars = 600
)

const systemPrompt = `You are a compliance assistant answering strictly from the numbered context passages.
Cite every claim with the matching [n] marker. If the passages do not contain
the answer, say so instead of guessing. Never use knowledge outside the
passages.`

const noContextAnswer = "No relevant content was found in scope for this question. " +
	"Broaden the filters or ingest the missing documents."

// buildContext renders rows into the numbered context block and the matching
// citation list. Rows past the chunk limit or the character budget are
// dropped; the first row always fits.
func buildContext(rows []*retrieval.Row) (string, []Citation) {
	var b strings.Builder
	citations := make([]Citation, 0, contextChunkLimit)
	for _, row := range rows {
		if len(citations) == contextChunkLimit {
			break
		}
		n := len(citations) + 1
		block := fmt.Sprintf("[%d]%s\n%s\n\n", n, sourceTag(row), strings.TrimSpace(row.Content))
		if len(citations) > 0 && b.Len()+len(block) > contextCharBudget {
			break
		}
		b.WriteString(block)
		citations = append(citations, Citation{
			Index:          n,
			ChunkID:        row.ID,
			SourceStandard: row.SourceStandard,
			ClauseID:       row.ClauseID,
			HeadingPath:    row.HeadingPath,
			PageNumber:     row.PageNumber,
			Score:          row.Score,
		})
	}
	return strings.TrimSpace(b.String()), citations
}

// sourceTag renders the provenance suffix for one passage, like
// " (ISO 27001 clause 9.2, Security > Access Control, p.14)".
func sourceTag(row *retrieval.Row) string {
	parts := make([]string, 0, 3)
	switch {
	case row.SourceStandard != "" && row.ClauseID != "":
		parts = append(parts, row.SourceStandard+" clause "+row.ClauseID)
	case row.SourceStandard != "":
		parts = append(parts, row.SourceStandard)
	case row.ClauseID != "":
		parts = append(parts, "clause "+row.ClauseID)
	}
	if len(row.HeadingPath) > 0 {
		parts = append(parts, strings.Join(row.HeadingPath, " > "))
	}
	if row.PageNumber != nil {
		parts = append(parts, fmt.Sprintf("p.%d", *row.PageNumber))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// assembleMessages builds the completion request: system rules, the caller's
// prior turns restricted to user/assistant roles, then the grounded question.
// A system role smuggled through history never reaches the model.
func assembleMessages(history []providers.ChatMessage, question, contextBlock string) []providers.ChatMessage {
	messages := make([]providers.ChatMessage, 0, len(history)+2)
	messages = append(messages, providers.ChatMessage{Role: "system", Content: systemPrompt})
	for _, turn := range history {
		if turn.Role != "user" && turn.Role != "assistant" {
			continue
		}
		messages = append(messages, turn)
	}
	messages = append(messages, providers.ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Context passages:\n\n%s\n\nQuestion: %s", contextBlock, question),
	})
	return messages
}

// extractiveAnswer quotes the cited passages directly when no model answer
// is available.
func extractiveAnswer(rows []*retrieval.Row) string {
	var b strings.Builder
	b.WriteString("A generated answer is not available right now. The most relevant passages are quoted below.\n")
	for i, row := range rows {
		b.WriteString(fmt.Sprintf("\n[%d]%s\n%s\n", i+1, sourceTag(row), excerpt(row.Content)))
	}
	return strings.TrimSpace(b.String())
}

// excerpt trims a passage to the excerpt budget on a word boundary.
func excerpt(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= excerptChars {
		return content
	}
	cut := content[:excerptChars]
	if i := strings.LastIndexByte(cut, ' '); i > excerptChars/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
