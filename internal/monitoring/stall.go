package monitoring

import (
	"context"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// StallDetector flags ingestion batches whose progress has gone quiet for
// longer than the threshold. The flag is advisory: it surfaces on batch
// status reads and never aborts running jobs.
type StallDetector struct {
	logger    *observability.Logger
	batches   *storage.BatchRepository
	interval  time.Duration
	threshold time.Duration
}

// StallConfig tunes the detector sweep.
type StallConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Threshold is how long a non-terminal batch may go without an outcome
	// before it is flagged.
	Threshold time.Duration
}

// NewStallDetector creates a detector over the batch repository.
func NewStallDetector(logger *observability.Logger, batches *storage.BatchRepository, cfg StallConfig) *StallDetector {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 180 * time.Second
	}
	return &StallDetector{
		logger:    logger,
		batches:   batches,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
	}
}

// Run sweeps until the context is cancelled.
func (d *StallDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep performs one pass, flagging every quiet batch.
func (d *StallDetector) Sweep(ctx context.Context) {
	stale, err := d.batches.ListActive(ctx, d.threshold)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Stall sweep failed to list batches")
		return
	}

	for _, batch := range stale {
		if batch.Stalled {
			continue
		}
		if err := d.batches.SetStalled(ctx, batch.TenantID, batch.ID, true); err != nil {
			d.logger.Warn().Err(err).
				Str("batch_id", batch.ID.String()).
				Msg("Failed to flag stalled batch")
			continue
		}
		d.logger.Warn().
			Str("tenant_id", batch.TenantID).
			Str("batch_id", batch.ID.String()).
			Dur("quiet_for", d.threshold).
			Msg("Ingestion batch stalled")
	}
}
