package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// StreamConfig tunes the SSE progress stream.
type StreamConfig struct {
	// MinPoll and MaxPoll clamp the cooperative sleep between event polls.
	// The sleep starts at MinPoll and doubles on idle ticks.
	MinPoll time.Duration
	MaxPoll time.Duration
	// Heartbeat is the interval between keep-alive events when nothing else
	// is flowing.
	Heartbeat time.Duration
	// SessionTimeout ends the stream with a terminal/timeout event.
	SessionTimeout time.Duration
}

// DefaultStreamConfig returns the standard streaming settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MinPoll:        500 * time.Millisecond,
		MaxPoll:        15 * time.Second,
		Heartbeat:      15 * time.Second,
		SessionTimeout: 30 * time.Minute,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	d := DefaultStreamConfig()
	if c.MinPoll <= 0 {
		c.MinPoll = d.MinPoll
	}
	if c.MaxPoll < c.MinPoll {
		c.MaxPoll = d.MaxPoll
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	return c
}

// Stream handles GET /ingestion/batches/{id}/stream: an SSE session that
// opens with a snapshot, pushes event deltas as they append, heartbeats
// through quiet stretches, and closes with a terminal event when the batch
// finishes or the session times out. Worker nudges over the cache notifier
// reset the poll sleep so deltas arrive ahead of the next tick.
func (h *BatchHandler) Stream(cfg StreamConfig, notifier cache.Notifier) http.HandlerFunc {
	cfg = cfg.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, err := tenancy.RequireTenant(ctx)
		if err != nil {
			Error(w, r, http.StatusBadRequest, CodeTenantHeaderRequired, err.Error(), nil)
			return
		}
		batchID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			Error(w, r, http.StatusInternalServerError, CodeInternal, "streaming unsupported", nil)
			return
		}

		snapshot, err := h.progressSnapshot(ctx, tenantID, batchID)
		if errors.Is(err, storage.ErrNotFound) {
			Error(w, r, http.StatusNotFound, CodeBatchNotFound, "batch not found", nil)
			return
		}
		if err != nil {
			Error(w, r, http.StatusInternalServerError, CodeInternal, "batch progress failed", nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSE(w, "snapshot", snapshot)
		flusher.Flush()

		nudges, cancelSubs := h.subscribeBatch(ctx, notifier, tenantID, snapshot)
		defer cancelSubs()

		deadline := time.NewTimer(cfg.SessionTimeout)
		defer deadline.Stop()

		var cursor storage.EventCursor
		sleep := cfg.MinPoll
		lastWrite := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				writeSSE(w, "terminal", map[string]string{"reason": "timeout"})
				flusher.Flush()
				return
			case <-nudges:
				sleep = cfg.MinPoll
			case <-time.After(sleep):
			}

			events, err := h.repos.Events.ListBatchAfter(ctx, tenantID, batchID, cursor, h.pageLimit)
			if err != nil {
				h.logger.Warn().Err(err).Str("batch_id", batchID.String()).Msg("Stream event poll failed")
				continue
			}

			if len(events) > 0 {
				for _, ev := range events {
					writeSSE(w, "delta", ev)
				}
				last := events[len(events)-1]
				cursor = storage.EventCursor{CreatedAt: last.CreatedAt, ID: last.ID}
				flusher.Flush()
				lastWrite = time.Now()
				sleep = cfg.MinPoll
			} else {
				sleep *= 2
				if sleep > cfg.MaxPoll {
					sleep = cfg.MaxPoll
				}
				if time.Since(lastWrite) >= cfg.Heartbeat {
					writeSSE(w, "heartbeat", map[string]int64{"ts": time.Now().Unix()})
					flusher.Flush()
					lastWrite = time.Now()
				}
			}

			batch, err := h.repos.Batches.GetByID(ctx, tenantID, batchID)
			if err == nil && batch.Status.IsTerminal() {
				// Drain any events appended after the last page before closing.
				if tail, err := h.repos.Events.ListBatchAfter(ctx, tenantID, batchID, cursor, h.pageLimit); err == nil {
					for _, ev := range tail {
						writeSSE(w, "delta", ev)
					}
				}
				writeSSE(w, "terminal", map[string]interface{}{
					"reason": "batch_finished",
					"status": batch.Status,
				})
				flusher.Flush()
				return
			}
		}
	}
}

// subscribeBatch fans the per-document nudge channels of every registered
// document into one channel. Documents registered after the stream opened
// are picked up by the poll loop instead.
func (h *BatchHandler) subscribeBatch(ctx context.Context, notifier cache.Notifier, tenantID string, snap *progressSnapshot) (<-chan struct{}, func()) {
	nudges := make(chan struct{}, 1)
	if notifier == nil {
		return nudges, func() {}
	}

	var cancels []func()
	for _, doc := range snap.Documents {
		ch, cancel, err := notifier.Subscribe(ctx, cache.EventChannel(tenantID, doc.DocumentID.String()))
		if err != nil {
			continue
		}
		cancels = append(cancels, cancel)
		go func(ch <-chan []byte) {
			for range ch {
				select {
				case nudges <- struct{}{}:
				default:
				}
			}
		}(ch)
	}
	return nudges, func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
