// Package backpressure makes per-tenant admission decisions for document
// uploads. Decisions are advisory: in-flight work is never blocked, only new
// uploads are refused while the tenant's pending queue is saturated.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// ErrSaturated is returned when a tenant's pending-document depth has reached
// the admission limit. The API layer maps it to INGESTION_BACKPRESSURE.
var ErrSaturated = errors.New("backpressure: too many pending documents")

// PendingReader is the slice of document storage the service needs.
type PendingReader interface {
	CountPending(ctx context.Context, tenantID string, cap int) (int, error)
	CompletionDurations(ctx context.Context, tenantID string, window int) ([]time.Duration, error)
}

// Config holds admission tuning.
type Config struct {
	// MaxPending is the per-tenant ceiling on documents in pre-terminal
	// ingestion states.
	MaxPending int
	// HistoryWindow is how many recent completions feed the ETA estimate.
	HistoryWindow int
	// DefaultDocSeconds is the per-document wait estimate used until a
	// tenant has completion history.
	DefaultDocSeconds float64
	// SmoothingFactor is the EWMA weight given to the newest completion.
	SmoothingFactor float64
}

// DefaultConfig returns the standard admission settings.
func DefaultConfig() Config {
	return Config{
		MaxPending:        100,
		HistoryWindow:     20,
		DefaultDocSeconds: 45,
		SmoothingFactor:   0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.DefaultDocSeconds <= 0 {
		c.DefaultDocSeconds = d.DefaultDocSeconds
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		c.SmoothingFactor = d.SmoothingFactor
	}
	return c
}

// Snapshot is the admission state reported to clients on every accepted
// upload and on saturation refusals.
type Snapshot struct {
	QueueDepth           int `json:"queue_depth"`
	MaxPending           int `json:"max_pending"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

// Saturated reports whether the tenant is at or past the admission limit.
func (s Snapshot) Saturated() bool { return s.QueueDepth >= s.MaxPending }

// Service computes admission snapshots from document storage.
type Service struct {
	docs   PendingReader
	cfg    Config
	logger *observability.Logger
}

// NewService creates a backpressure service.
func NewService(docs PendingReader, cfg Config, logger *observability.Logger) *Service {
	return &Service{docs: docs, cfg: cfg.withDefaults(), logger: logger}
}

// PendingSnapshot reports the tenant's queue depth, the admission ceiling,
// and an estimated wait. The depth scan is capped at MaxPending so saturated
// tenants never pay for exact counts.
func (s *Service) PendingSnapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	depth, err := s.docs.CountPending(ctx, tenantID, s.cfg.MaxPending)
	if err != nil {
		return Snapshot{}, fmt.Errorf("pending snapshot: %w", err)
	}

	snap := Snapshot{
		QueueDepth: depth,
		MaxPending: s.cfg.MaxPending,
	}
	if depth > 0 {
		snap.EstimatedWaitSeconds = int(math.Ceil(float64(depth) * s.perDocumentSeconds(ctx, tenantID)))
	}
	return snap, nil
}

// EnforceLimit returns the current snapshot and ErrSaturated when the tenant
// may not upload. The snapshot is valid either way so refusals can still
// carry queue headers.
func (s *Service) EnforceLimit(ctx context.Context, tenantID string) (Snapshot, error) {
	snap, err := s.PendingSnapshot(ctx, tenantID)
	if err != nil {
		return snap, err
	}
	if snap.Saturated() {
		s.logger.Warn().
			Str("tenant_id", tenantID).
			Int("queue_depth", snap.QueueDepth).
			Int("max_pending", snap.MaxPending).
			Msg("Upload refused: tenant ingestion queue saturated")
		return snap, ErrSaturated
	}
	return snap, nil
}

// Accepted folds one just-admitted document into a pre-admission snapshot,
// so accept responses report the queue including the new document.
func (s *Service) Accepted(ctx context.Context, tenantID string, snap Snapshot) Snapshot {
	snap.QueueDepth++
	snap.EstimatedWaitSeconds = int(math.Ceil(float64(snap.QueueDepth) * s.perDocumentSeconds(ctx, tenantID)))
	return snap
}

// perDocumentSeconds estimates how long one document takes for this tenant.
// Recent completions are smoothed with an EWMA so the newest runs dominate;
// tenants with no history get the fixed default.
func (s *Service) perDocumentSeconds(ctx context.Context, tenantID string) float64 {
	durations, err := s.docs.CompletionDurations(ctx, tenantID, s.cfg.HistoryWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).
			Msg("Completion history unavailable, using default wait estimate")
		return s.cfg.DefaultDocSeconds
	}
	if len(durations) == 0 {
		return s.cfg.DefaultDocSeconds
	}

	// durations arrive newest first. Seed with the window mean so short
	// histories are not dominated by whichever run happens to be oldest,
	// then fold every completion oldest to newest.
	alpha := s.cfg.SmoothingFactor
	var sum float64
	for _, d := range durations {
		sum += d.Seconds()
	}
	ewma := sum / float64(len(durations))
	for i := len(durations) - 1; i >= 0; i-- {
		ewma = alpha*durations[i].Seconds() + (1-alpha)*ewma
	}
	if ewma <= 0 {
		return s.cfg.DefaultDocSeconds
	}
	return ewma
}
