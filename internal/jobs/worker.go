package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// ErrSourceLookup marks a handler failure where the job's source document
// row was not visible. These requeues spend their own budget, not the retry
// budget, so a deleted document cannot loop forever.
var ErrSourceLookup = errors.New("jobs: source document not visible")

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker finalizes the job as failed instead of
// retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handler runs one leased job. The returned result is stored on the queue
// row when the job completes.
type Handler interface {
	Handle(ctx context.Context, job *storage.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *storage.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Queue is the slice of the job repository the worker pool uses.
type Queue interface {
	FetchNext(ctx context.Context, workerID string, jobTypes []storage.JobType, lease time.Duration, ingestSlots, enrichSlots int) (*storage.Job, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error
	RequeueStale(ctx context.Context, maxRetries int) (int64, int64, error)
	MarkCompleted(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, workerID, errMsg string, retryable bool, maxRetries int) error
	RequeueForSourceLookup(ctx context.Context, jobID uuid.UUID, workerID string, maxRequeues int) error
	CountByStatus(ctx context.Context, jobType storage.JobType) (map[storage.JobStatus]int, error)
}

// Config tunes the worker pool.
type Config struct {
	// WorkerID identifies this process in lease_holder stamps.
	WorkerID string
	// JobTypes this pool polls for.
	JobTypes []storage.JobType
	// Concurrency is the number of executor loops, which is also the global
	// concurrency bound.
	Concurrency int
	// PollInterval is the idle sleep between empty polls, jittered.
	PollInterval time.Duration
	// Lease is L: fetched jobs expire after L without a heartbeat, and
	// heartbeats fire every L/3.
	Lease time.Duration
	// MaxRetries is the retry budget before a job dead-letters.
	MaxRetries int
	// MaxSourceLookupRequeues caps the separate source-visibility budget.
	MaxSourceLookupRequeues int
	// TenantIngestSlots and TenantEnrichSlots cap concurrent jobs per tenant
	// per type, enforced at fetch time.
	TenantIngestSlots int
	TenantEnrichSlots int
}

// DefaultConfig returns the standard worker settings.
func DefaultConfig() Config {
	return Config{
		JobTypes:                []storage.JobType{storage.JobIngestDocument, storage.JobEnrichDocument, storage.JobCommunityRebuild},
		Concurrency:             4,
		PollInterval:            2 * time.Second,
		Lease:                   60 * time.Second,
		MaxRetries:              3,
		MaxSourceLookupRequeues: 2,
		TenantIngestSlots:       1,
		TenantEnrichSlots:       2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if len(c.JobTypes) == 0 {
		c.JobTypes = d.JobTypes
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxSourceLookupRequeues <= 0 {
		c.MaxSourceLookupRequeues = d.MaxSourceLookupRequeues
	}
	if c.TenantIngestSlots <= 0 {
		c.TenantIngestSlots = d.TenantIngestSlots
	}
	if c.TenantEnrichSlots <= 0 {
		c.TenantEnrichSlots = d.TenantEnrichSlots
	}
	return c
}

// Worker polls the queue and runs registered handlers under the lease
// protocol.
type Worker struct {
	cfg      Config
	queue    Queue
	handlers map[storage.JobType]Handler
	logger   *observability.Logger

	lastSweep int64 // unix nanos, shared across executor loops
}

// NewWorker creates a worker pool.
func NewWorker(queue Queue, logger *observability.Logger, cfg Config) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		handlers: make(map[storage.JobType]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a job type. Must be called before Run.
func (w *Worker) Register(jobType storage.JobType, handler Handler) {
	w.handlers[jobType] = handler
}

// WorkerID returns the lease-holder stamp this pool uses.
func (w *Worker) WorkerID() string { return w.cfg.WorkerID }

// Run blocks polling the queue until ctx is cancelled. In-flight jobs are
// aborted and left to the stale sweep rather than finalized.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("worker has no registered handlers")
	}

	types := make([]string, len(w.cfg.JobTypes))
	for i, t := range w.cfg.JobTypes {
		types[i] = string(t)
	}
	w.logger.Info().
		Str("worker_id", w.cfg.WorkerID).
		Int("concurrency", w.cfg.Concurrency).
		Strs("job_types", types).
		Dur("lease", w.cfg.Lease).
		Msg("Worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.gaugeLoop(ctx)
	}()
	wg.Wait()

	w.logger.Info().Str("worker_id", w.cfg.WorkerID).Msg("Worker pool stopped")
	return nil
}

func (w *Worker) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.pollOnce(ctx) {
			// Jobs were available; poll again immediately to drain.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollDelay()):
		}
	}
}

// pollOnce sweeps stale leases, fetches at most one job, and runs it.
// Returns true when a job was processed.
func (w *Worker) pollOnce(ctx context.Context) bool {
	w.sweepStale(ctx)

	job, err := w.queue.FetchNext(ctx, w.cfg.WorkerID, w.cfg.JobTypes, w.cfg.Lease,
		w.cfg.TenantIngestSlots, w.cfg.TenantEnrichSlots)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Job fetch failed")
		}
		return false
	}
	if job == nil {
		return false
	}

	w.execute(ctx, job)
	return true
}

// sweepStale requeues expired leases. Shared across executor loops and
// rate-limited to roughly one sweep per poll interval.
func (w *Worker) sweepStale(ctx context.Context) {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&w.lastSweep)
	if now-last < int64(w.cfg.PollInterval) {
		return
	}
	if !atomic.CompareAndSwapInt64(&w.lastSweep, last, now) {
		return
	}

	requeued, deadLettered, err := w.queue.RequeueStale(ctx, w.cfg.MaxRetries)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Stale lease sweep failed")
		}
		return
	}
	if requeued > 0 {
		observability.JobsRequeued.WithLabelValues("all", "stale_lease").Add(float64(requeued))
		w.logger.Warn().Int64("requeued", requeued).Msg("Requeued jobs with expired leases")
	}
	if deadLettered > 0 {
		observability.JobsFinished.WithLabelValues("all", "dead_letter").Add(float64(deadLettered))
		w.logger.Error().Int64("dead_lettered", deadLettered).Msg("Dead-lettered jobs with expired leases")
	}
}

func (w *Worker) execute(ctx context.Context, job *storage.Job) {
	jobType := string(job.JobType)
	observability.JobsFetched.WithLabelValues(jobType).Inc()

	logger := w.logger.WithJob(jobType, job.ID.String())
	if job.TenantID != nil {
		logger = logger.WithTenant(*job.TenantID)
	}
	logger.Info().Int("retry_count", job.RetryCount).Msg("Job started")

	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbStopped := make(chan struct{})
	go w.heartbeat(jobCtx, cancel, job.ID, logger, hbStopped)

	var result json.RawMessage
	var err error
	if handler, ok := w.handlers[job.JobType]; ok {
		result, err = handler.Handle(jobCtx, job)
	} else {
		err = Permanent(fmt.Errorf("no handler for job type %s", job.JobType))
	}

	cancel()
	<-hbStopped

	w.finalize(ctx, logger, job, result, err, time.Since(start))
}

// heartbeat extends the lease every L/3 until the job context ends. Losing
// the lease cancels the handler: another worker owns the job now.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID, logger *observability.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, jobID, w.cfg.WorkerID, w.cfg.Lease)
			if errors.Is(err, storage.ErrLeaseLost) {
				logger.Warn().Msg("Job lease lost, aborting handler")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Heartbeat write failed")
			}
		}
	}
}

func (w *Worker) finalize(ctx context.Context, logger *observability.Logger, job *storage.Job, result json.RawMessage, handlerErr error, elapsed time.Duration) {
	jobType := string(job.JobType)

	if handlerErr != nil && (errors.Is(handlerErr, context.Canceled) || errors.Is(handlerErr, context.DeadlineExceeded)) {
		// Shutdown or lease loss aborted the handler. The row stays leased
		// until it expires; the stale sweep or the new holder picks it up.
		logger.Warn().Dur("elapsed", elapsed).Msg("Job abandoned mid-run")
		return
	}

	// Finalization writes must survive a shutdown racing the handler's
	// return.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case handlerErr == nil:
		if err := w.queue.MarkCompleted(fctx, job.ID, w.cfg.WorkerID, result); err != nil {
			logger.Error().Err(err).Msg("Job completion write failed")
			return
		}
		observability.JobsFinished.WithLabelValues(jobType, "completed").Inc()
		observability.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
		logger.Info().Dur("elapsed", elapsed).Msg("Job completed")

	case errors.Is(handlerErr, ErrSourceLookup):
		if err := w.queue.RequeueForSourceLookup(fctx, job.ID, w.cfg.WorkerID, w.cfg.MaxSourceLookupRequeues); err != nil {
			logger.Error().Err(err).Msg("Source-lookup requeue failed")
			return
		}
		observability.JobsRequeued.WithLabelValues(jobType, "source_lookup").Inc()
		logger.Warn().Err(handlerErr).Int("requeues", job.SourceLookupRequeues).
			Msg("Job requeued: source document not visible")

	case IsPermanent(handlerErr):
		if err := w.queue.MarkFailed(fctx, job.ID, w.cfg.WorkerID, handlerErr.Error(), false, w.cfg.MaxRetries); err != nil {
			logger.Error().Err(err).Msg("Job failure write failed")
			return
		}
		observability.JobsFinished.WithLabelValues(jobType, "failed").Inc()
		observability.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
		logger.Error().Err(handlerErr).Dur("elapsed", elapsed).Msg("Job failed")

	default:
		if err := w.queue.MarkFailed(fctx, job.ID, w.cfg.WorkerID, handlerErr.Error(), true, w.cfg.MaxRetries); err != nil {
			logger.Error().Err(err).Msg("Job retry write failed")
			return
		}
		observability.JobsRequeued.WithLabelValues(jobType, "error").Inc()
		logger.Warn().Err(handlerErr).Int("retry_count", job.RetryCount).
			Msg("Job failed, queued for retry")
	}
}

func (w *Worker) pollDelay() time.Duration {
	delay := w.cfg.PollInterval
	if quarter := int64(delay) / 4; quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}
	return delay
}

// gaugeLoop refreshes per-type pending-depth gauges.
func (w *Worker) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, jobType := range w.cfg.JobTypes {
				counts, err := w.queue.CountByStatus(ctx, jobType)
				if err != nil {
					continue
				}
				observability.QueueDepth.WithLabelValues(string(jobType)).
					Set(float64(counts[storage.JobPending]))
			}
		}
	}
}
