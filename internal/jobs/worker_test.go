package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

type failRecord struct {
	message   string
	retryable bool
	max       int
}

type fakeQueue struct {
	mu sync.Mutex

	pending      []*storage.Job
	fetchErr     error
	heartbeatErr error

	heartbeats     int
	staleSweeps    int
	completed      map[uuid.UUID]json.RawMessage
	failed         map[uuid.UUID]failRecord
	sourceRequeues map[uuid.UUID]int
}

func newFakeQueue(jobs ...*storage.Job) *fakeQueue {
	return &fakeQueue{
		pending:        jobs,
		completed:      make(map[uuid.UUID]json.RawMessage),
		failed:         make(map[uuid.UUID]failRecord),
		sourceRequeues: make(map[uuid.UUID]int),
	}
}

func (f *fakeQueue) FetchNext(ctx context.Context, workerID string, jobTypes []storage.JobType, lease time.Duration, ingestSlots, enrichSlots int) (*storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.pending) == 0 {
		return nil, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	job.Status = storage.JobProcessing
	job.LeaseHolder = &workerID
	return job, nil
}

func (f *fakeQueue) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeQueue) RequeueStale(ctx context.Context, maxRetries int) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleSweeps++
	return 0, 0, nil
}

func (f *fakeQueue) MarkCompleted(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[jobID] = result
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, jobID uuid.UUID, workerID, errMsg string, retryable bool, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = failRecord{message: errMsg, retryable: retryable, max: maxRetries}
	return nil
}

func (f *fakeQueue) RequeueForSourceLookup(ctx context.Context, jobID uuid.UUID, workerID string, maxRequeues int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceRequeues[jobID] = maxRequeues
	return nil
}

func (f *fakeQueue) CountByStatus(ctx context.Context, jobType storage.JobType) (map[storage.JobStatus]int, error) {
	return map[storage.JobStatus]int{}, nil
}

func (f *fakeQueue) snapshot() (completed, failed, requeued int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed), len(f.failed), len(f.sourceRequeues)
}

func testJob(jobType storage.JobType) *storage.Job {
	tenant := "t1"
	return &storage.Job{
		ID:       uuid.New(),
		TenantID: &tenant,
		JobType:  jobType,
		Status:   storage.JobPending,
		Payload:  json.RawMessage(`{}`),
	}
}

func newTestWorker(queue Queue, cfg Config) *Worker {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", ServiceName: "test"})
	if cfg.WorkerID == "" {
		cfg.WorkerID = "w-test"
	}
	return NewWorker(queue, logger, cfg)
}

func TestExecuteCompletesJob(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{})

	job := testJob(storage.JobIngestDocument)
	w.Register(storage.JobIngestDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		assert.Equal(t, job.ID, j.ID)
		return json.RawMessage(`{"chunks":12}`), nil
	}))

	w.execute(context.Background(), job)

	require.Contains(t, queue.completed, job.ID)
	assert.JSONEq(t, `{"chunks":12}`, string(queue.completed[job.ID]))
	assert.Empty(t, queue.failed)
}

func TestExecuteRetriesOnError(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{MaxRetries: 3})

	job := testJob(storage.JobIngestDocument)
	w.Register(storage.JobIngestDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		return nil, errors.New("connection reset by peer")
	}))

	w.execute(context.Background(), job)

	rec, ok := queue.failed[job.ID]
	require.True(t, ok)
	assert.True(t, rec.retryable)
	assert.Equal(t, 3, rec.max)
	assert.Contains(t, rec.message, "connection reset")
}

func TestExecutePermanentFailure(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{})

	job := testJob(storage.JobIngestDocument)
	w.Register(storage.JobIngestDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		return nil, Permanent(errors.New("unsupported file type"))
	}))

	w.execute(context.Background(), job)

	rec, ok := queue.failed[job.ID]
	require.True(t, ok)
	assert.False(t, rec.retryable)
}

func TestExecuteSourceLookupRequeue(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{MaxSourceLookupRequeues: 2})

	job := testJob(storage.JobEnrichDocument)
	w.Register(storage.JobEnrichDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		return nil, fmt.Errorf("load document: %w", ErrSourceLookup)
	}))

	w.execute(context.Background(), job)

	assert.Equal(t, 2, queue.sourceRequeues[job.ID])
	assert.Empty(t, queue.failed, "source lookups must not spend the retry budget")
}

func TestExecuteNoHandlerFailsPermanently(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{})
	w.Register(storage.JobIngestDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		return nil, nil
	}))

	job := testJob(storage.JobCommunityRebuild)
	w.execute(context.Background(), job)

	rec, ok := queue.failed[job.ID]
	require.True(t, ok)
	assert.False(t, rec.retryable)
	assert.Contains(t, rec.message, "no handler")
}

func TestExecuteAbandonsOnShutdown(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	job := testJob(storage.JobIngestDocument)
	w.Register(storage.JobIngestDocument, HandlerFunc(func(hctx context.Context, j *storage.Job) (json.RawMessage, error) {
		cancel()
		<-hctx.Done()
		return nil, hctx.Err()
	}))

	w.execute(ctx, job)

	completed, failed, requeued := queue.snapshot()
	assert.Zero(t, completed, "cancelled jobs are not finalized")
	assert.Zero(t, failed)
	assert.Zero(t, requeued)
}

func TestHeartbeatLeaseLossAbortsHandler(t *testing.T) {
	queue := newFakeQueue()
	queue.heartbeatErr = storage.ErrLeaseLost

	// Short lease so the heartbeat fires quickly.
	w := newTestWorker(queue, Config{Lease: 90 * time.Millisecond})

	job := testJob(storage.JobIngestDocument)
	w.Register(storage.JobIngestDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("handler was not aborted")
		}
	}))

	done := make(chan struct{})
	go func() {
		w.execute(context.Background(), job)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after lease loss")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.GreaterOrEqual(t, queue.heartbeats, 1)
	assert.Empty(t, queue.completed, "a lost lease must not be finalized by the old holder")
	assert.Empty(t, queue.failed)
}

func TestRunProcessesAndStops(t *testing.T) {
	job := testJob(storage.JobIngestDocument)
	queue := newFakeQueue(job)
	w := newTestWorker(queue, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	handled := make(chan uuid.UUID, 1)
	w.Register(storage.JobIngestDocument, HandlerFunc(func(ctx context.Context, j *storage.Job) (json.RawMessage, error) {
		handled <- j.ID
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	select {
	case id := <-handled:
		assert.Equal(t, job.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was never handled")
	}

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Contains(t, queue.completed, job.ID)
}

func TestRunRequiresHandlers(t *testing.T) {
	w := newTestWorker(newFakeQueue(), Config{})
	err := w.Run(context.Background())
	assert.Error(t, err)
}

func TestSweepStaleIsRateLimited(t *testing.T) {
	queue := newFakeQueue()
	w := newTestWorker(queue, Config{PollInterval: time.Hour})

	w.sweepStale(context.Background())
	w.sweepStale(context.Background())
	w.sweepStale(context.Background())

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Equal(t, 1, queue.staleSweeps)
}

func TestPermanentMarker(t *testing.T) {
	base := errors.New("boom")
	wrapped := Permanent(base)

	assert.True(t, IsPermanent(wrapped))
	assert.True(t, IsPermanent(fmt.Errorf("context: %w", wrapped)))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, wrapped, base)
	assert.Nil(t, Permanent(nil))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.Lease)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.MaxSourceLookupRequeues)
	assert.Equal(t, 1, cfg.TenantIngestSlots)
	assert.Equal(t, 2, cfg.TenantEnrichSlots)
	assert.Len(t, cfg.JobTypes, 3)
}
