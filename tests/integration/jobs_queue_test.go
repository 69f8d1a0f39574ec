package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

var allJobTypes = []storage.JobType{
	storage.JobIngestDocument,
	storage.JobEnrichDocument,
	storage.JobCommunityRebuild,
}

// drainJob fetches and completes the given job so later tests start from an
// empty queue.
func drainJob(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		job, err := testRepos.Jobs.FetchNext(ctx, "drain-worker", allJobTypes, time.Minute, 10, 10)
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, testRepos.Jobs.MarkCompleted(ctx, job.ID, "drain-worker", nil))
		if job.ID.String() == jobID {
			return
		}
	}
	t.Fatalf("job %s never drained", jobID)
}

func TestEnqueueDeduplicatesActiveDocumentJobs(t *testing.T) {
	requireEnv(t)
	ctx := context.Background()

	tenant := newTenant(t)
	doc := seedDocument(t, tenant, nil)
	queue := jobs.NewService(testRepos.Jobs)

	first, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: doc.ID})
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, first.Status)

	// The partial unique index refuses a second active ingest for the same
	// document.
	_, err = queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: doc.ID})
	assert.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	// A different job type for the same document is fine.
	enrich, err := queue.EnqueueEnrich(ctx, tenant, jobs.EnrichPayload{SourceDocumentID: doc.ID, Raptor: true})
	require.NoError(t, err)
	_, err = queue.EnqueueEnrich(ctx, tenant, jobs.EnrichPayload{SourceDocumentID: doc.ID, Raptor: true})
	assert.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	active, err := queue.HasActiveIngest(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, active)

	drainJob(t, first.ID.String())
	drainJob(t, enrich.ID.String())

	// Once the first ingest completed, the document can be re-enqueued.
	second, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: doc.ID})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	drainJob(t, second.ID.String())
}

func TestLeaseProtocol(t *testing.T) {
	requireEnv(t)
	ctx := context.Background()

	tenant := newTenant(t)
	doc := seedDocument(t, tenant, nil)
	queue := jobs.NewService(testRepos.Jobs)

	enqueued, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: doc.ID})
	require.NoError(t, err)

	held, err := testRepos.Jobs.FetchNext(ctx, "worker-a", allJobTypes, time.Minute, 10, 10)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, enqueued.ID, held.ID)
	assert.Equal(t, storage.JobProcessing, held.Status)
	require.NotNil(t, held.LeaseHolder)
	assert.Equal(t, "worker-a", *held.LeaseHolder)

	// Nothing left for a second worker while the lease is held.
	other, err := testRepos.Jobs.FetchNext(ctx, "worker-b", allJobTypes, time.Minute, 10, 10)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, testRepos.Jobs.Heartbeat(ctx, held.ID, "worker-a", time.Minute))
	assert.ErrorIs(t, testRepos.Jobs.Heartbeat(ctx, held.ID, "worker-b", time.Minute), storage.ErrLeaseLost)

	result := json.RawMessage(`{"chunks":12}`)
	require.NoError(t, testRepos.Jobs.MarkCompleted(ctx, held.ID, "worker-a", result))
	// Replayed completion stays idempotent.
	require.NoError(t, testRepos.Jobs.MarkCompleted(ctx, held.ID, "worker-a", result))

	final, err := testRepos.Jobs.GetByID(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, final.Status)
	assert.JSONEq(t, `{"chunks":12}`, string(final.Result))
	assert.Nil(t, final.LeaseHolder)
}

func TestRetryBudgetAndDeadLetter(t *testing.T) {
	requireEnv(t)
	ctx := context.Background()

	tenant := newTenant(t)
	doc := seedDocument(t, tenant, nil)
	queue := jobs.NewService(testRepos.Jobs)

	enqueued, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: doc.ID})
	require.NoError(t, err)

	// First transient failure goes back to pending with the counter bumped.
	held, err := testRepos.Jobs.FetchNext(ctx, "worker-a", allJobTypes, time.Minute, 10, 10)
	require.NoError(t, err)
	require.NotNil(t, held)
	require.NoError(t, testRepos.Jobs.MarkFailed(ctx, held.ID, "worker-a", "embedding timeout", true, 2))

	retried, err := testRepos.Jobs.GetByID(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	// Second transient failure exhausts the budget and dead-letters.
	held, err = testRepos.Jobs.FetchNext(ctx, "worker-a", allJobTypes, time.Minute, 10, 10)
	require.NoError(t, err)
	require.NotNil(t, held)
	require.NoError(t, testRepos.Jobs.MarkFailed(ctx, held.ID, "worker-a", "embedding timeout", true, 2))

	dead, err := testRepos.Jobs.GetByID(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobDeadLetter, dead.Status)

	// Operator requeue resets the job for another run.
	require.NoError(t, testRepos.Jobs.Requeue(ctx, enqueued.ID))
	reset, err := testRepos.Jobs.GetByID(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, reset.Status)
	assert.Zero(t, reset.RetryCount)

	// Requeue only applies to failed or dead-lettered jobs.
	assert.ErrorIs(t, testRepos.Jobs.Requeue(ctx, enqueued.ID), storage.ErrConflict)

	// Permanent failures land in failed without retrying.
	held, err = testRepos.Jobs.FetchNext(ctx, "worker-a", allJobTypes, time.Minute, 10, 10)
	require.NoError(t, err)
	require.NotNil(t, held)
	require.NoError(t, testRepos.Jobs.MarkFailed(ctx, held.ID, "worker-a", "unsupported file type", false, 2))
	failed, err := testRepos.Jobs.GetByID(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, failed.Status)
}

func TestRequeueStaleLeases(t *testing.T) {
	requireEnv(t)
	ctx := context.Background()

	tenant := newTenant(t)
	doc := seedDocument(t, tenant, nil)
	queue := jobs.NewService(testRepos.Jobs)

	enqueued, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: doc.ID})
	require.NoError(t, err)

	held, err := testRepos.Jobs.FetchNext(ctx, "worker-a", allJobTypes, time.Second, 10, 10)
	require.NoError(t, err)
	require.NotNil(t, held)

	// Let the one-second lease lapse, then sweep.
	time.Sleep(1500 * time.Millisecond)
	requeued, deadLettered, err := testRepos.Jobs.RequeueStale(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, requeued)
	assert.EqualValues(t, 0, deadLettered)

	swept, err := testRepos.Jobs.GetByID(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, swept.Status)
	assert.Equal(t, 1, swept.RetryCount)
	assert.Nil(t, swept.LeaseHolder)

	// The crashed worker cannot finalize the job it lost.
	assert.ErrorIs(t, testRepos.Jobs.MarkCompleted(ctx, enqueued.ID, "worker-a", nil), storage.ErrLeaseLost)

	drainJob(t, enqueued.ID.String())
}

func TestQueuePositionAndCounts(t *testing.T) {
	requireEnv(t)
	ctx := context.Background()

	tenant := newTenant(t)
	docA := seedDocument(t, tenant, nil)
	docB := seedDocument(t, tenant, nil)
	queue := jobs.NewService(testRepos.Jobs)

	jobA, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: docA.ID})
	require.NoError(t, err)
	jobB, err := queue.EnqueueIngest(ctx, tenant, jobs.IngestPayload{SourceDocumentID: docB.ID})
	require.NoError(t, err)

	posA, err := testRepos.Jobs.QueuePosition(ctx, jobA.ID)
	require.NoError(t, err)
	posB, err := testRepos.Jobs.QueuePosition(ctx, jobB.ID)
	require.NoError(t, err)
	assert.Greater(t, posB, posA)

	counts, err := testRepos.Jobs.CountByStatus(ctx, storage.JobIngestDocument)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[storage.JobPending], 2)

	listed, err := testRepos.Jobs.List(ctx, tenant, storage.JobPending, storage.JobIngestDocument, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	drainJob(t, jobA.ID.String())
	drainJob(t, jobB.ID.String())
}
