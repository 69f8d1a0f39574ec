package enrich

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/ingest"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// visualProvider labels cache rows the way provider metrics label the chat
// port.
const visualProvider = "chat"

const (
	anchorSummaryLimit = 240
	visualCacheTTL     = 14 * 24 * time.Hour
)

const visualSystemPrompt = `You describe figures and tables from regulatory and standards documents. Respond with a JSON object of the form {"summary": "..."}. The summary is a dense factual description: what the visual shows, its axes or columns, notable values, and any clause or requirement references visible in it. State only what is shown.`

type visualSummary struct {
	Summary string `json:"summary"`
}

type visualStats struct {
	tasks     int
	stitched  int
	cacheHits int
	fallbacks int
}

// visualUnit is one pending task bound to its parent chunk. Summarization
// fills summary or failed; stitching consumes them in captured order.
type visualUnit struct {
	chunk    *storage.ContentChunk
	task     ingest.VisualTask
	summary  string
	cacheHit bool
	failed   bool
}

// runVisual summarizes every captured visual and stitches an anchor token
// into the parent chunk's stored text. Embeddings are never touched; the
// anchor only changes what retrieval returns and what later prompts see.
func (s *Service) runVisual(ctx context.Context, logger *observability.Logger, doc *storage.SourceDocument, chunks []*storage.ContentChunk) (visualStats, error) {
	var stats visualStats
	var units []*visualUnit
	for _, chunk := range chunks {
		tasks, err := visualTasks(chunk)
		if err != nil {
			logger.Warn().Err(err).Str("chunk_id", chunk.ID.String()).Msg("Unreadable chunk metadata, visual tasks skipped")
			continue
		}
		for _, task := range tasks {
			if alreadyStitched(chunk.Content, task) {
				continue
			}
			units = append(units, &visualUnit{chunk: chunk, task: task})
		}
	}
	stats.tasks = len(units)
	if len(units) == 0 {
		logger.Debug().Msg("No pending visual tasks")
		return stats, nil
	}

	var wg sync.WaitGroup
	for _, u := range units {
		if err := s.visualSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(u *visualUnit) {
			defer wg.Done()
			defer s.visualSem.Release(1)
			summary, hit, err := s.summarizeVisual(ctx, doc, u.task)
			if err != nil {
				logger.Warn().Err(err).Str("node_id", u.task.NodeID).Msg("Visual summarization failed, stitching fallback")
				u.failed = true
				return
			}
			u.summary = summary
			u.cacheHit = hit
		}(u)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	// One write per chunk, tasks applied in captured order.
	byChunk := make(map[uuid.UUID][]*visualUnit)
	var order []uuid.UUID
	for _, u := range units {
		if _, seen := byChunk[u.chunk.ID]; !seen {
			order = append(order, u.chunk.ID)
		}
		byChunk[u.chunk.ID] = append(byChunk[u.chunk.ID], u)
	}
	for _, chunkID := range order {
		group := byChunk[chunkID]
		chunk := group[0].chunk
		content := chunk.Content
		for _, u := range group {
			if u.failed {
				content = stitchAnchor(content, u.task, fallbackBlock(u.task))
				stats.fallbacks++
				continue
			}
			content = stitchAnchor(content, u.task, anchorToken(u.task, u.summary))
			stats.stitched++
			if u.cacheHit {
				stats.cacheHits++
			}
		}
		if content == chunk.Content {
			continue
		}
		if err := s.repos.Chunks.UpdateContent(ctx, doc.TenantID, chunk.ID, content); err != nil {
			return stats, fmt.Errorf("write stitched chunk %s: %w", chunk.ID, err)
		}
		// Later sub-steps prompt over the stitched text.
		chunk.Content = content
	}

	logger.Info().
		Int("stitched", stats.stitched).
		Int("cache_hits", stats.cacheHits).
		Int("fallbacks", stats.fallbacks).
		Msg("Visual context stitched")
	return stats, nil
}

// summarizeVisual resolves one task to a dense summary: Redis first, then the
// shared extraction table, then the provider. Both caches are content-hash
// keyed, so identical images across tenants and documents summarize once.
func (s *Service) summarizeVisual(ctx context.Context, doc *storage.SourceDocument, task ingest.VisualTask) (string, bool, error) {
	key := storage.CacheKey{
		ContentHash:   task.ContentHash,
		Provider:      visualProvider,
		Model:         s.chat.Model(),
		PromptVersion: s.cfg.PromptVersion,
		SchemaVersion: s.cfg.SchemaVersion,
	}
	redisKey := cache.CacheKey("visual", key.ContentHash, key.Model, key.PromptVersion, key.SchemaVersion)

	if s.results != nil {
		if val, err := s.results.Get(ctx, redisKey); err == nil && len(val) > 0 {
			return string(val), true, nil
		}
	}
	cached, err := s.repos.VisualCache.Get(ctx, key)
	if err == nil {
		if s.results != nil {
			_ = s.results.Set(ctx, redisKey, []byte(cached.Summary), visualCacheTTL)
		}
		return cached.Summary, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", false, err
	}

	data, err := s.store.Get(ctx, objectstore.VisualKey(doc.TenantID, doc.ID.String(), task.NodeID))
	if err != nil {
		return "", false, fmt.Errorf("load visual payload %s: %w", task.NodeID, err)
	}

	user := fmt.Sprintf("Describe this %s captured from page %d of %q.\n\ndata:%s;base64,%s",
		task.Kind, task.Page, doc.Filename, task.ContentType,
		base64.StdEncoding.EncodeToString(data))
	var out visualSummary
	if err := s.chat.ExtractStructured(ctx, visualSystemPrompt, user, &out); err != nil {
		return "", false, err
	}
	summary := strings.TrimSpace(out.Summary)
	if summary == "" {
		return "", false, errors.New("provider returned an empty summary")
	}

	if err := s.repos.VisualCache.Put(ctx, &storage.VisualExtraction{
		ContentHash:   key.ContentHash,
		ContentType:   task.ContentType,
		Provider:      key.Provider,
		Model:         key.Model,
		PromptVersion: key.PromptVersion,
		SchemaVersion: key.SchemaVersion,
		Summary:       summary,
	}); err != nil {
		s.logger.Warn().Err(err).Str("content_hash", key.ContentHash).Msg("Visual cache write failed")
	}
	if s.results != nil {
		_ = s.results.Set(ctx, redisKey, []byte(summary), visualCacheTTL)
	}
	return summary, false, nil
}

// visualTasks reads back the task descriptors ingestion rode on the chunk's
// metadata.
func visualTasks(chunk *storage.ContentChunk) ([]ingest.VisualTask, error) {
	if len(chunk.Metadata) == 0 {
		return nil, nil
	}
	var meta struct {
		VisualTasks []ingest.VisualTask `json:"visual_tasks"`
	}
	if err := json.Unmarshal(chunk.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("decode chunk metadata: %w", err)
	}
	return meta.VisualTasks, nil
}

// alreadyStitched reports whether a previous attempt handled this task. The
// pending placeholder embeds the node id too, so its presence means work
// remains.
func alreadyStitched(content string, task ingest.VisualTask) bool {
	if task.NodeID == "" {
		return false
	}
	if task.Placeholder != "" && strings.Contains(content, task.Placeholder) {
		return false
	}
	return strings.Contains(content, task.NodeID)
}

// stitchAnchor places text at the task's stable location: the original
// placeholder when still present, after the anchor_after sentence, or
// appended at the end.
func stitchAnchor(content string, task ingest.VisualTask, text string) string {
	if task.Placeholder != "" && strings.Contains(content, task.Placeholder) {
		return strings.Replace(content, task.Placeholder, text, 1)
	}
	if task.AnchorAfter != "" {
		if idx := strings.Index(content, task.AnchorAfter); idx >= 0 {
			at := idx + len(task.AnchorAfter)
			return content[:at] + "\n\n" + text + content[at:]
		}
	}
	return strings.TrimRight(content, "\n") + "\n\n" + text
}

// anchorToken renders the stitched marker. Retrieval output and chat prompts
// key on this exact shape.
func anchorToken(task ingest.VisualTask, summary string) string {
	return fmt.Sprintf("<<VISUAL_ANCHOR: %s | TYPE: %s | DESC: %s>>",
		task.NodeID, task.Kind, flatten(summary, anchorSummaryLimit))
}

// fallbackBlock marks the visual's position when no summary could be made,
// so readers still see that a figure or table sits here in the source.
func fallbackBlock(task ingest.VisualTask) string {
	return fmt.Sprintf("> [Visual content %s (%s): no summary available]", task.NodeID, task.Kind)
}

// flatten collapses a summary onto one line. The token delimiter may not
// appear inside it.
func flatten(s string, limit int) string {
	s = strings.ReplaceAll(s, ">>", " ")
	s = strings.Join(strings.Fields(s), " ")
	if limit > 0 {
		if runes := []rune(s); len(runes) > limit {
			s = strings.TrimSpace(string(runes[:limit])) + "..."
		}
	}
	return s
}
