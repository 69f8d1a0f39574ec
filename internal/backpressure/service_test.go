package backpressure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

type fakePendingReader struct {
	pending   int
	cap       int
	durations []time.Duration
	countErr  error
	histErr   error
}

func (f *fakePendingReader) CountPending(ctx context.Context, tenantID string, cap int) (int, error) {
	f.cap = cap
	if f.countErr != nil {
		return 0, f.countErr
	}
	if cap > 0 && f.pending > cap {
		return cap, nil
	}
	return f.pending, nil
}

func (f *fakePendingReader) CompletionDurations(ctx context.Context, tenantID string, window int) ([]time.Duration, error) {
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.durations, nil
}

func newTestService(reader *fakePendingReader, cfg Config) *Service {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", ServiceName: "test"})
	return NewService(reader, cfg, logger)
}

func TestPendingSnapshotEmptyQueue(t *testing.T) {
	svc := newTestService(&fakePendingReader{pending: 0}, Config{MaxPending: 5})

	snap, err := svc.PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, 5, snap.MaxPending)
	assert.Equal(t, 0, snap.EstimatedWaitSeconds)
	assert.False(t, snap.Saturated())
}

func TestPendingSnapshotUsesDefaultEstimate(t *testing.T) {
	svc := newTestService(&fakePendingReader{pending: 3}, Config{MaxPending: 10, DefaultDocSeconds: 45})

	snap, err := svc.PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.QueueDepth)
	assert.Equal(t, 135, snap.EstimatedWaitSeconds, "no history falls back to 45s per document")
}

func TestPendingSnapshotUsesCompletionHistory(t *testing.T) {
	reader := &fakePendingReader{
		pending: 4,
		// Newest first: tenant has been speeding up.
		durations: []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second},
	}
	svc := newTestService(reader, Config{MaxPending: 10})

	snap, err := svc.PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 40, snap.EstimatedWaitSeconds)
}

func TestPendingSnapshotEWMAWeighsRecentRuns(t *testing.T) {
	fast := &fakePendingReader{
		pending:   2,
		durations: []time.Duration{5 * time.Second, 60 * time.Second, 60 * time.Second},
	}
	slow := &fakePendingReader{
		pending:   2,
		durations: []time.Duration{60 * time.Second, 60 * time.Second, 5 * time.Second},
	}
	cfg := Config{MaxPending: 10}

	fastSnap, err := newTestService(fast, cfg).PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	slowSnap, err := newTestService(slow, cfg).PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)

	assert.Less(t, fastSnap.EstimatedWaitSeconds, slowSnap.EstimatedWaitSeconds,
		"a recent fast run should pull the estimate down more than an old one")
}

func TestPendingSnapshotHistoryErrorFallsBack(t *testing.T) {
	reader := &fakePendingReader{pending: 1, histErr: errors.New("db down")}
	svc := newTestService(reader, Config{MaxPending: 10, DefaultDocSeconds: 30})

	snap, err := svc.PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 30, snap.EstimatedWaitSeconds)
}

func TestPendingSnapshotCapsScan(t *testing.T) {
	reader := &fakePendingReader{pending: 5000}
	svc := newTestService(reader, Config{MaxPending: 100})

	snap, err := svc.PendingSnapshot(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, reader.cap, "count scan is bounded by the admission limit")
	assert.Equal(t, 100, snap.QueueDepth)
	assert.True(t, snap.Saturated())
}

func TestEnforceLimit(t *testing.T) {
	reader := &fakePendingReader{pending: 1}
	svc := newTestService(reader, Config{MaxPending: 1})

	snap, err := svc.EnforceLimit(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, 1, snap.QueueDepth, "refusals still carry the snapshot")

	reader.pending = 0
	snap, err = svc.EnforceLimit(context.Background(), "t1")
	assert.NoError(t, err)
	assert.Equal(t, 0, snap.QueueDepth)
}

func TestAcceptedCountsTheNewDocument(t *testing.T) {
	reader := &fakePendingReader{pending: 0}
	svc := newTestService(reader, Config{MaxPending: 1, DefaultDocSeconds: 45})

	snap, err := svc.EnforceLimit(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.QueueDepth)

	accepted := svc.Accepted(context.Background(), "t1", snap)
	assert.Equal(t, 1, accepted.QueueDepth, "accept responses include the admitted document")
	assert.Equal(t, 45, accepted.EstimatedWaitSeconds)
	assert.Equal(t, 1, accepted.MaxPending)
}

func TestEnforceLimitPropagatesStorageErrors(t *testing.T) {
	reader := &fakePendingReader{countErr: errors.New("connection refused")}
	svc := newTestService(reader, Config{MaxPending: 10})

	_, err := svc.EnforceLimit(context.Background(), "t1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSaturated)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 100, cfg.MaxPending)
	assert.Equal(t, 20, cfg.HistoryWindow)
	assert.Equal(t, 45.0, cfg.DefaultDocSeconds)
	assert.Equal(t, 0.3, cfg.SmoothingFactor)
}
