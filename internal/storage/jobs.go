package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrAlreadyProcessing is returned when enqueueing a job for a document
// that already has a pending or processing job of the same type.
var ErrAlreadyProcessing = errors.New("storage: document already has an active job")

// ErrLeaseLost is returned when a worker touches a job it no longer holds.
var ErrLeaseLost = errors.New("storage: job lease lost")

// JobRepository is the durable work queue. Jobs are leased to workers with
// an expiry; heartbeats extend the lease and a stale sweep requeues rows
// whose worker went quiet.
type JobRepository struct {
	db DB
}

func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, tenant_id, job_type, status, payload, result, error_message,
	retry_count, source_lookup_requeues, lease_holder, lease_expires_at,
	created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var payload, result []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.JobType, &j.Status, &payload, &result,
		&j.ErrorMessage, &j.RetryCount, &j.SourceLookupRequeues, &j.LeaseHolder,
		&j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Result = result
	return &j, nil
}

// Enqueue adds a pending job. When the payload names a source document, a
// partial unique index enforces one active job per (type, document); a
// second enqueue while the first is pending or processing returns
// ErrAlreadyProcessing.
func (r *JobRepository) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO job_queue (id, tenant_id, job_type, status, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		job.ID, job.TenantID, job.JobType, job.Status, []byte(job.Payload))
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyProcessing
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// FetchNext claims the oldest eligible pending job for workerID and stamps
// a lease on it. Tenants already running at their per-type concurrency cap
// are skipped so one tenant cannot monopolize the worker pool. Returns
// (nil, nil) when nothing is eligible.
func (r *JobRepository) FetchNext(ctx context.Context, workerID string, jobTypes []JobType, lease time.Duration, ingestSlots, enrichSlots int) (*Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}
	if ingestSlots <= 0 {
		ingestSlots = 1
	}
	if enrichSlots <= 0 {
		enrichSlots = 2
	}
	types := make([]string, len(jobTypes))
	for i, t := range jobTypes {
		types[i] = string(t)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE job_queue SET
			status = 'processing',
			lease_holder = $1,
			lease_expires_at = now() + $5 * INTERVAL '1 second',
			updated_at = now()
		WHERE id = (
			SELECT j.id FROM job_queue j
			WHERE j.status = 'pending'
			  AND j.job_type = ANY($2)
			  AND (j.tenant_id IS NULL OR j.tenant_id NOT IN (
			      SELECT p.tenant_id FROM job_queue p
			      WHERE p.status = 'processing'
			        AND p.tenant_id IS NOT NULL
			        AND p.job_type = j.job_type
			      GROUP BY p.tenant_id
			      HAVING COUNT(*) >= CASE WHEN j.job_type = 'ingest_document' THEN $3 ELSE $4 END
			  ))
			ORDER BY j.created_at ASC
			FOR UPDATE OF j SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, pq.Array(types), ingestSlots, enrichSlots, int(lease.Seconds()))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch next job: %w", err)
	}
	return job, nil
}

// Heartbeat extends the lease of a job the worker still holds. Returns
// ErrLeaseLost when the job was requeued or finished out from under it.
func (r *JobRepository) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			lease_expires_at = now() + $3 * INTERVAL '1 second',
			updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'processing'`,
		jobID, workerID, int(lease.Seconds()))
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueStale sweeps processing jobs whose lease expired. Rows under the
// retry budget go back to pending with the retry counter bumped; the rest
// move to dead_letter. Returns (requeued, deadLettered).
func (r *JobRepository) RequeueStale(ctx context.Context, maxRetries int) (int64, int64, error) {
	requeued, err := r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			status = 'pending',
			lease_holder = NULL,
			lease_expires_at = NULL,
			retry_count = retry_count + 1,
			updated_at = now()
		WHERE status = 'processing'
		  AND lease_expires_at < now()
		  AND retry_count + 1 < $1`,
		maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	deadLettered, err := r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			status = 'dead_letter',
			lease_holder = NULL,
			lease_expires_at = NULL,
			retry_count = retry_count + 1,
			error_message = 'lease expired after max retries',
			updated_at = now()
		WHERE status = 'processing'
		  AND lease_expires_at < now()
		  AND retry_count + 1 >= $1`,
		maxRetries)
	if err != nil {
		return 0, 0, fmt.Errorf("dead-letter stale jobs: %w", err)
	}

	nr, _ := requeued.RowsAffected()
	nd, _ := deadLettered.RowsAffected()
	return nr, nd, nil
}

// MarkCompleted finalizes a job the worker holds. Finalizing an already
// completed job is a no-op, so retried completions stay idempotent.
func (r *JobRepository) MarkCompleted(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			status = 'completed',
			result = $3,
			lease_holder = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'processing'`,
		jobID, workerID, []byte(result))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return r.finalizeConflict(ctx, jobID, JobCompleted)
	}
	return nil
}

// MarkFailed finalizes or retries a failed job. Transient failures under
// the retry budget go back to pending; the rest land in failed, or
// dead_letter once the budget is spent.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID uuid.UUID, workerID, errMsg string, retryable bool, maxRetries int) error {
	if retryable {
		res, err := r.db.ExecContext(ctx, `
			UPDATE job_queue SET
				status = 'pending',
				error_message = $3,
				retry_count = retry_count + 1,
				lease_holder = NULL,
				lease_expires_at = NULL,
				updated_at = now()
			WHERE id = $1 AND lease_holder = $2 AND status = 'processing'
			  AND retry_count + 1 < $4`,
			jobID, workerID, errMsg, maxRetries)
		if err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	status := JobFailed
	if retryable {
		// Retry budget exhausted.
		status = JobDeadLetter
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			status = $4,
			error_message = $3,
			retry_count = retry_count + 1,
			lease_holder = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'processing'`,
		jobID, workerID, errMsg, status)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return r.finalizeConflict(ctx, jobID, status)
	}
	return nil
}

// finalizeConflict disambiguates a zero-row finalization: same terminal
// status means an idempotent replay, anything else means the lease moved.
func (r *JobRepository) finalizeConflict(ctx context.Context, jobID uuid.UUID, want JobStatus) error {
	var current JobStatus
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM job_queue WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	if current == want {
		return nil
	}
	return ErrLeaseLost
}

// RequeueForSourceLookup pushes a job back to pending when its source
// document row is not yet visible, without spending the retry budget. The
// separate requeue counter caps how often this can happen before the job
// dead-letters.
func (r *JobRepository) RequeueForSourceLookup(ctx context.Context, jobID uuid.UUID, workerID string, maxRequeues int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			status = 'pending',
			source_lookup_requeues = source_lookup_requeues + 1,
			lease_holder = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'processing'
		  AND source_lookup_requeues < $3`,
		jobID, workerID, maxRequeues)
	if err != nil {
		return fmt.Errorf("requeue for source lookup: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE job_queue SET
			status = 'dead_letter',
			error_message = 'source document never became visible',
			lease_holder = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'processing'`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("dead-letter after source lookups: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// GetByID fetches one job.
func (r *JobRepository) GetByID(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// HasActiveForDocument reports whether a document already has a pending or
// processing job of the given type.
func (r *JobRepository) HasActiveForDocument(ctx context.Context, jobType JobType, documentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_queue
			WHERE job_type = $1
			  AND payload->>'source_document_id' = $2
			  AND status IN ('pending', 'processing')
		)`,
		jobType, documentID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active job: %w", err)
	}
	return exists, nil
}

// CountByStatus reports queue depth per status for one job type. Feeds the
// queue gauges and the backpressure headers.
func (r *JobRepository) CountByStatus(ctx context.Context, jobType JobType) (map[JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM job_queue WHERE job_type = $1 GROUP BY status`,
		jobType)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// List pages jobs newest first, optionally filtered by tenant, status, and
// type. The admin CLI reads the queue through this.
func (r *JobRepository) List(ctx context.Context, tenantID string, status JobStatus, jobType JobType, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE 1=1`
	var args []interface{}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if jobType != "" {
		args = append(args, jobType)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Requeue resets a failed or dead-lettered job to pending with a clean
// retry budget and no lease. Running or completed jobs are left alone.
func (r *JobRepository) Requeue(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'pending', retry_count = 0, error_message = NULL,
		    lease_holder = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('failed', 'dead_letter')`,
		jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// QueuePosition reports how many pending jobs of the same type sit ahead of
// jobID, zero-based.
func (r *JobRepository) QueuePosition(ctx context.Context, jobID uuid.UUID) (int, error) {
	var position int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_queue q
		JOIN job_queue target ON target.id = $1
		WHERE q.job_type = target.job_type
		  AND q.status = 'pending'
		  AND q.created_at < target.created_at`,
		jobID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return position, nil
}
