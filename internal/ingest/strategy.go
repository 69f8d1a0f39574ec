package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// StrategyKey selects a pipeline variant.
type StrategyKey string

const (
	// StrategyContent is the full pipeline: layout-aware parse, visual task
	// capture, late chunking.
	StrategyContent StrategyKey = "CONTENT"
	// StrategyFastContent skips layout analysis and visual capture.
	StrategyFastContent StrategyKey = "FAST_CONTENT"
	// StrategyPreProcessed treats the upload as ready-made markdown and skips
	// the parser entirely.
	StrategyPreProcessed StrategyKey = "PRE_PROCESSED"
	// StrategyRubric chunks one section per rubric criterion; every chunk is
	// retrieval eligible regardless of the role heuristics.
	StrategyRubric StrategyKey = "RUBRIC"
)

// Source carries the document row together with its downloaded bytes.
type Source struct {
	Document *storage.SourceDocument
	Data     []byte
}

// VisualTask describes one image captured during parsing, pending visual
// enrichment. Descriptors are persisted in the parent chunk's metadata; the
// image bytes themselves go to the object store.
type VisualTask struct {
	NodeID      string `json:"node_id"`
	Kind        string `json:"kind"`
	Page        int    `json:"page,omitempty"`
	ContentHash string `json:"content_hash"`
	ContentType string `json:"content_type"`
	Placeholder string `json:"placeholder,omitempty"`
	AnchorAfter string `json:"anchor_after,omitempty"`

	// ChunkIndex locates the parent chunk after chunking; ImageData is the
	// decoded payload, uploaded by the pipeline. Neither is serialized.
	ChunkIndex int    `json:"-"`
	ImageData  []byte `json:"-"`
}

// Result is a strategy's output for one document.
type Result struct {
	Chunks      []Chunk
	VisualTasks []VisualTask
	Pages       int
	// EmptySource marks a document whose payload had no extractable text at
	// all; the pipeline records it as empty_file rather than failing.
	EmptySource bool
}

// Strategy converts a source document into chunks.
type Strategy interface {
	Key() StrategyKey
	Process(ctx context.Context, src *Source) (*Result, error)
}

// Deps are the collaborators a strategy factory may close over.
type Deps struct {
	Parser  providers.DocumentParser
	Chunker *Chunker
	Logger  *observability.Logger
}

// Factory builds a strategy from shared dependencies.
type Factory func(deps Deps) Strategy

// Registry maps strategy keys to factories. Registration happens once at
// startup; resolution consults the document's taxonomy slug or an explicit
// override.
type Registry struct {
	mu         sync.RWMutex
	factories  map[StrategyKey]Factory
	defaultKey StrategyKey
}

// NewRegistry creates an empty registry with the given default strategy.
func NewRegistry(defaultKey StrategyKey) *Registry {
	if defaultKey == "" {
		defaultKey = StrategyContent
	}
	return &Registry{
		factories:  make(map[StrategyKey]Factory),
		defaultKey: defaultKey,
	}
}

// DefaultRegistry returns a registry with all built-in strategies registered.
func DefaultRegistry(defaultKey StrategyKey) *Registry {
	r := NewRegistry(defaultKey)
	r.Register(StrategyContent, func(deps Deps) Strategy {
		return &contentStrategy{deps: deps, key: StrategyContent}
	})
	r.Register(StrategyFastContent, func(deps Deps) Strategy {
		return &contentStrategy{deps: deps, key: StrategyFastContent, fast: true}
	})
	r.Register(StrategyPreProcessed, func(deps Deps) Strategy {
		return &preProcessedStrategy{deps: deps}
	})
	r.Register(StrategyRubric, func(deps Deps) Strategy {
		return &rubricStrategy{deps: deps}
	})
	return r
}

// Register installs a factory under a key, replacing any previous one.
func (r *Registry) Register(key StrategyKey, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Resolve picks the strategy key for a document. An explicit override must
// name a registered strategy; otherwise the taxonomy slug is matched by
// keyword, falling back to the registry default.
func (r *Registry) Resolve(taxonomySlug, override string) (StrategyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if override != "" {
		key := StrategyKey(strings.ToUpper(strings.TrimSpace(override)))
		if _, ok := r.factories[key]; !ok {
			return "", fmt.Errorf("unknown strategy override %q", override)
		}
		return key, nil
	}

	slug := strings.ToLower(taxonomySlug)
	switch {
	case strings.Contains(slug, "rubric"):
		return StrategyRubric, nil
	case strings.Contains(slug, "preprocessed"), strings.Contains(slug, "pre-processed"), strings.Contains(slug, "markdown"):
		return StrategyPreProcessed, nil
	case strings.Contains(slug, "fast"):
		return StrategyFastContent, nil
	}
	return r.defaultKey, nil
}

// Build instantiates the strategy registered under key.
func (r *Registry) Build(key StrategyKey, deps Deps) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for %q", key)
	}
	return f(deps), nil
}

// contentStrategy is the default full pipeline, optionally in fast mode.
type contentStrategy struct {
	deps Deps
	key  StrategyKey
	fast bool
}

func (s *contentStrategy) Key() StrategyKey { return s.key }

func (s *contentStrategy) Process(ctx context.Context, src *Source) (*Result, error) {
	if len(src.Data) == 0 {
		return &Result{EmptySource: true}, nil
	}

	parsed, err := s.deps.Parser.Parse(ctx, src.Document.Filename, src.Data, providers.ParseOptions{
		FastMode: s.fast,
	})
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	text, pages, tasks := assembleText(parsed, !s.fast)
	if strings.TrimSpace(text) == "" {
		return &Result{EmptySource: true, Pages: parsed.Pages}, nil
	}

	chunks, err := s.deps.Chunker.Chunk(ctx, text)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Role = ClassifyRole(chunks[i].Content)
		chunks[i].Page = pages.pageAt(chunks[i].CharStart)
	}
	attachTasksToChunks(tasks, chunks)

	return &Result{Chunks: chunks, VisualTasks: tasks, Pages: parsed.Pages}, nil
}

// preProcessedStrategy ingests uploads that already are markdown.
type preProcessedStrategy struct {
	deps Deps
}

func (s *preProcessedStrategy) Key() StrategyKey { return StrategyPreProcessed }

func (s *preProcessedStrategy) Process(ctx context.Context, src *Source) (*Result, error) {
	text := string(src.Data)
	if strings.TrimSpace(text) == "" {
		return &Result{EmptySource: true}, nil
	}

	chunks, err := s.deps.Chunker.Chunk(ctx, text)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Role = ClassifyRole(chunks[i].Content)
	}
	return &Result{Chunks: chunks}, nil
}

// rubricStrategy parses in fast mode and keeps every section retrievable;
// rubric criteria have no TOC or frontmatter.
type rubricStrategy struct {
	deps Deps
}

func (s *rubricStrategy) Key() StrategyKey { return StrategyRubric }

func (s *rubricStrategy) Process(ctx context.Context, src *Source) (*Result, error) {
	if len(src.Data) == 0 {
		return &Result{EmptySource: true}, nil
	}

	parsed, err := s.deps.Parser.Parse(ctx, src.Document.Filename, src.Data, providers.ParseOptions{
		FastMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("parse rubric: %w", err)
	}

	text, pages, _ := assembleText(parsed, false)
	if strings.TrimSpace(text) == "" {
		return &Result{EmptySource: true, Pages: parsed.Pages}, nil
	}

	chunks, err := s.deps.Chunker.Chunk(ctx, text)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Role = storage.RoleNormativeBody
		chunks[i].Page = pages.pageAt(chunks[i].CharStart)
	}
	return &Result{Chunks: chunks, Pages: parsed.Pages}, nil
}

// pageIndex maps character offsets in the assembled text back to source
// pages.
type pageIndex []pageMark

type pageMark struct {
	offset int
	page   int
}

func (p pageIndex) pageAt(offset int) *int {
	var page int
	found := false
	for _, mark := range p {
		if mark.offset > offset {
			break
		}
		page = mark.page
		found = true
	}
	if !found || page == 0 {
		return nil
	}
	return &page
}

// visualPlaceholder renders the token the assembler leaves in the text where
// an image sat. Enrichment later replaces it with the full anchor.
func visualPlaceholder(nodeID string) string {
	return fmt.Sprintf("<<VISUAL_PENDING: %s>>", nodeID)
}

// assembleText flattens parsed blocks into markdown-ish text, recording page
// transitions and (when captureVisuals is set) one VisualTask per image
// block, with a placeholder token inserted at the image's position.
func assembleText(doc *providers.ParsedDocument, captureVisuals bool) (string, pageIndex, []VisualTask) {
	var b strings.Builder
	var pages pageIndex
	var tasks []VisualTask

	lastPage := 0
	lastText := ""
	for i, block := range doc.Blocks {
		if block.Page > 0 && block.Page != lastPage {
			pages = append(pages, pageMark{offset: b.Len(), page: block.Page})
			lastPage = block.Page
		}

		switch block.Type {
		case providers.BlockHeading:
			level := block.Level
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			b.WriteString(strings.Repeat("#", level))
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(block.Text))
			b.WriteString("\n\n")

		case providers.BlockFigure, providers.BlockTable:
			if captureVisuals && block.ImageB64 != "" {
				task := newVisualTask(block, i, lastText)
				task.Placeholder = visualPlaceholder(task.NodeID)
				tasks = append(tasks, task)
				if block.Text != "" {
					b.WriteString(block.Text)
					b.WriteString("\n")
				}
				b.WriteString(task.Placeholder)
				b.WriteString("\n\n")
			} else if block.Text != "" {
				b.WriteString(block.Text)
				b.WriteString("\n\n")
			}

		default:
			if block.Text != "" {
				b.WriteString(block.Text)
				b.WriteString("\n\n")
			}
		}

		if t := strings.TrimSpace(block.Text); t != "" {
			lastText = t
		}
	}

	return b.String(), pages, tasks
}

// newVisualTask builds the descriptor for one image block. Node ids are
// derived from the content hash so re-ingestion reproduces them.
func newVisualTask(block providers.ParsedBlock, blockIndex int, precedingText string) VisualTask {
	data, err := base64.StdEncoding.DecodeString(block.ImageB64)
	if err != nil {
		data = []byte(block.ImageB64)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	anchor := precedingText
	if len(anchor) > 80 {
		anchor = anchor[len(anchor)-80:]
	}

	return VisualTask{
		NodeID:      fmt.Sprintf("vis-%03d-%s", blockIndex, hash[:12]),
		Kind:        block.Type,
		Page:        block.Page,
		ContentHash: hash,
		ContentType: "image/png",
		AnchorAfter: anchor,
		ImageData:   data,
	}
}

// attachTasksToChunks resolves each task's parent chunk by locating its
// placeholder token.
func attachTasksToChunks(tasks []VisualTask, chunks []Chunk) {
	for i := range tasks {
		tasks[i].ChunkIndex = -1
		for j := range chunks {
			if strings.Contains(chunks[j].Content, tasks[i].Placeholder) {
				tasks[i].ChunkIndex = j
				break
			}
		}
	}
}
