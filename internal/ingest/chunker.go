package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// Chunk is one embeddable window of a source document, before persistence.
type Chunk struct {
	Content     string
	Embedding   []float32
	CharStart   int
	CharEnd     int
	HeadingPath []string
	Page        *int
	Role        storage.ChunkRole
}

// section is a heading-delimited region of the assembled document text.
type section struct {
	headingPath []string
	start       int // offset of the section body, heading line excluded
	end         int
}

// ChunkerConfig bounds chunk geometry.
type ChunkerConfig struct {
	// MaxBlockChars caps a single chunk; oversized sections are sub-split at
	// paragraph boundaries.
	MaxBlockChars int
	// ParentContextChars is the length of the document excerpt injected ahead
	// of each section in the contextual fallback.
	ParentContextChars int
}

// DefaultChunkerConfig returns the standard limits.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxBlockChars:      30000,
		ParentContextChars: 240,
	}
}

// Chunker turns document text into embedded chunks. It prefers late chunking
// (one whole-document embedding pass returning per-window vectors) and falls
// back to contextual section chunking when the provider cannot do that.
type Chunker struct {
	embedder providers.Embedder
	cfg      ChunkerConfig
	logger   *observability.Logger
}

// NewChunker creates a chunker over the given embedder.
func NewChunker(embedder providers.Embedder, cfg ChunkerConfig, logger *observability.Logger) *Chunker {
	if cfg.MaxBlockChars <= 0 {
		cfg.MaxBlockChars = 30000
	}
	if cfg.ParentContextChars <= 0 {
		cfg.ParentContextChars = 240
	}
	return &Chunker{embedder: embedder, cfg: cfg, logger: logger}
}

// Chunk embeds the document text and returns its chunks in document order.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	sections := splitSections(text)

	chunks, err := c.lateChunk(ctx, text, sections)
	if err == nil {
		return chunks, nil
	}
	if !errors.Is(err, providers.ErrLateChunkingUnsupported) {
		c.logger.Warn().Err(err).Msg("Late chunking failed, falling back to contextual sections")
	} else {
		c.logger.Debug().Msg("Provider does not support late chunking, using contextual sections")
	}

	return c.contextualChunk(ctx, text, sections)
}

// lateChunk derives span windows from the heading split, embeds them against
// the full document in one call, and attaches heading paths by interval
// overlap.
func (c *Chunker) lateChunk(ctx context.Context, text string, sections []section) ([]Chunk, error) {
	var spans []providers.Span
	for _, sec := range sections {
		body := text[sec.start:sec.end]
		if strings.TrimSpace(body) == "" {
			continue
		}
		for _, window := range splitAtParagraphs(body, c.cfg.MaxBlockChars) {
			spans = append(spans, providers.Span{
				Start: sec.start + window.start,
				End:   sec.start + window.end,
			})
		}
	}
	if len(spans) == 0 {
		return nil, nil
	}

	embeddings, err := c.embedder.EmbedLate(ctx, text, spans)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(spans) {
		return nil, fmt.Errorf("late chunking returned %d embeddings for %d spans", len(embeddings), len(spans))
	}

	chunks := make([]Chunk, 0, len(spans))
	for i, span := range spans {
		chunks = append(chunks, Chunk{
			Content:     text[span.Start:span.End],
			Embedding:   embeddings[i],
			CharStart:   span.Start,
			CharEnd:     span.End,
			HeadingPath: headingPathAt(sections, span.Start, span.End),
		})
	}
	return chunks, nil
}

// contextualChunk embeds each section independently, prefixed by a parent
// context block so the isolated embedding still carries document framing.
func (c *Chunker) contextualChunk(ctx context.Context, text string, sections []section) ([]Chunk, error) {
	excerpt := documentExcerpt(text, c.cfg.ParentContextChars)

	var chunks []Chunk
	var texts []string
	for _, sec := range sections {
		body := text[sec.start:sec.end]
		if strings.TrimSpace(body) == "" {
			continue
		}
		for _, window := range splitAtParagraphs(body, c.cfg.MaxBlockChars) {
			enriched := contextBlock(excerpt, sec.headingPath) + body[window.start:window.end]
			chunks = append(chunks, Chunk{
				Content:     enriched,
				CharStart:   sec.start + window.start,
				CharEnd:     sec.start + window.end,
				HeadingPath: sec.headingPath,
			})
			texts = append(texts, enriched)
		}
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	embeddings, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed sections: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d sections", len(embeddings), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}
	return chunks, nil
}

// contextBlock renders the breadcrumb header injected before a section body.
func contextBlock(excerpt string, headingPath []string) string {
	var b strings.Builder
	if excerpt != "" {
		b.WriteString("[Document context: ")
		b.WriteString(excerpt)
		b.WriteString("]\n")
	}
	if len(headingPath) > 0 {
		b.WriteString("[Section: ")
		b.WriteString(strings.Join(headingPath, " > "))
		b.WriteString("]\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

// documentExcerpt returns the first n characters of the document with
// whitespace collapsed, for use as global context.
func documentExcerpt(text string, n int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) > n {
		collapsed = collapsed[:n]
	}
	return collapsed
}

var headingLine = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// splitSections walks the text line by line and produces heading-delimited
// sections. Text before the first heading forms a rootless section.
func splitSections(text string) []section {
	var sections []section
	var stack []string // heading titles by depth

	sectionStart := 0
	var sectionPath []string
	offset := 0

	flush := func(end int) {
		if end > sectionStart {
			sections = append(sections, section{
				headingPath: append([]string(nil), sectionPath...),
				start:       sectionStart,
				end:         end,
			})
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		if m := headingLine.FindStringSubmatch(trimmed); m != nil {
			flush(offset)
			level := len(m[1])
			if level <= len(stack) {
				stack = stack[:level-1]
			}
			stack = append(stack, m[2])
			sectionPath = append([]string(nil), stack...)
			sectionStart = offset + len(line)
		}
		offset += len(line)
	}
	flush(len(text))

	return sections
}

// paragraphWindow is a [start,end) slice of a section body.
type paragraphWindow struct {
	start, end int
}

// splitAtParagraphs cuts s into windows no longer than max, preferring
// paragraph boundaries and falling back to a hard cut for a single paragraph
// that exceeds the limit on its own.
func splitAtParagraphs(s string, max int) []paragraphWindow {
	if len(s) <= max {
		return []paragraphWindow{{0, len(s)}}
	}

	var windows []paragraphWindow
	start := 0
	for start < len(s) {
		remaining := len(s) - start
		if remaining <= max {
			windows = append(windows, paragraphWindow{start, len(s)})
			break
		}
		cut := start + max
		if idx := strings.LastIndex(s[start:cut], "\n\n"); idx > 0 {
			cut = start + idx + 2
		} else if idx := strings.LastIndex(s[start:cut], "\n"); idx > 0 {
			cut = start + idx + 1
		}
		windows = append(windows, paragraphWindow{start, cut})
		start = cut
	}
	return windows
}

// headingPathAt returns the heading path of the section with the largest
// overlap against [start,end).
func headingPathAt(sections []section, start, end int) []string {
	var best []string
	bestOverlap := 0
	for _, sec := range sections {
		lo := sec.start
		if start > lo {
			lo = start
		}
		hi := sec.end
		if end < hi {
			hi = end
		}
		if hi-lo > bestOverlap {
			bestOverlap = hi - lo
			best = sec.headingPath
		}
	}
	return best
}
