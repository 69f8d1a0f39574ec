package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/backpressure"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

const testTenant = "tenant-api-test"

type fakePendingReader struct {
	pending   int
	durations []time.Duration
}

func (f *fakePendingReader) CountPending(ctx context.Context, tenantID string, cap int) (int, error) {
	if f.pending > cap {
		return cap, nil
	}
	return f.pending, nil
}

func (f *fakePendingReader) CompletionDurations(ctx context.Context, tenantID string, window int) ([]time.Duration, error) {
	return f.durations, nil
}

type fakeObjectStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{blobs: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
	return nil
}

func (f *fakeObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blobs[key]; ok {
		return b, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeObjectStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

func (f *fakeObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*storage.Job
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) GetByID(ctx context.Context, jobID uuid.UUID) (*storage.Job, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeEnqueuer) QueuePosition(ctx context.Context, jobID uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeEnqueuer) HasActiveForDocument(ctx context.Context, jobType storage.JobType, documentID uuid.UUID) (bool, error) {
	return false, nil
}

// newTestRouter assembles the full HTTP surface over sqlmock storage, an
// in-memory idempotency store, and fake admission history.
func newTestRouter(t *testing.T, reader *fakePendingReader) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "console", ServiceName: "api-test"})
	memory := cache.NewMemoryClient(64)
	t.Cleanup(func() { memory.Close() })

	deps := Dependencies{
		DB:          db,
		Repos:       storage.NewRepositories(db),
		Store:       newFakeObjectStore(),
		CacheClient: memory,
		Idempotency: cache.NewIdempotencyStore(memory, time.Minute),
		Queue:       jobs.NewService(&fakeEnqueuer{}),
		Admission: backpressure.NewService(reader, backpressure.Config{
			MaxPending:        3,
			DefaultDocSeconds: 30,
		}, logger),
		Version: "test",
	}
	return NewRouter(logger, config.DefaultConfig(), deps), mock
}

// uploadRequest builds a multipart POST /documents carrying one small file.
func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "retention-policy.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 retention policy"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", testTenant)
	return req
}

func TestUploadRefusedWhenQueueSaturated(t *testing.T) {
	reader := &fakePendingReader{
		pending:   3,
		durations: []time.Duration{40 * time.Second},
	}
	router, mock := newTestRouter(t, reader)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, uploadRequest(t))

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3", rr.Header().Get("X-Queue-Depth"))
	assert.Equal(t, "3", rr.Header().Get("X-Queue-Max-Pending"))
	assert.Equal(t, "120", rr.Header().Get("X-Queue-ETA-Seconds"))
	assert.Equal(t, "120", rr.Header().Get("Retry-After"))

	var envelope struct {
		Error struct {
			Code      string               `json:"code"`
			Message   string               `json:"message"`
			Details   backpressure.Snapshot `json:"details"`
			RequestID string               `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, "INGESTION_BACKPRESSURE", envelope.Error.Code)
	assert.Equal(t, 3, envelope.Error.Details.QueueDepth)
	assert.Equal(t, 3, envelope.Error.Details.MaxPending)
	assert.NotEmpty(t, envelope.Error.RequestID)

	// A refusal never touches storage.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadIdempotencyKeyReplaysOriginalResponse(t *testing.T) {
	router, mock := newTestRouter(t, &fakePendingReader{})

	// Only the first request runs the handler, so storage sees exactly one
	// tenant upsert, one document insert, and one status update.
	mock.ExpectExec("INSERT INTO tenants").
		WithArgs(testTenant).
		WillReturnResult(sqlmock.NewResult(0, 1))
	now := time.Now()
	mock.ExpectQuery("INSERT INTO source_documents").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("UPDATE source_documents SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	first := uploadRequest(t)
	first.Header.Set("Idempotency-Key", "upload-abc123")
	rr1 := httptest.NewRecorder()
	router.ServeHTTP(rr1, first)

	require.Equal(t, http.StatusAccepted, rr1.Code, rr1.Body.String())
	assert.Empty(t, rr1.Header().Get("X-Idempotency-Replayed"))

	second := uploadRequest(t)
	second.Header.Set("Idempotency-Key", "upload-abc123")
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, second)

	require.Equal(t, http.StatusAccepted, rr2.Code)
	assert.Equal(t, "true", rr2.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, "application/json", rr2.Header().Get("Content-Type"))
	// The stored body comes back verbatim, same document id included.
	assert.JSONEq(t, rr1.Body.String(), rr2.Body.String())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadDistinctIdempotencyKeysRunIndependently(t *testing.T) {
	router, mock := newTestRouter(t, &fakePendingReader{})

	now := time.Now()
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO tenants").
			WithArgs(testTenant).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO source_documents").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
		mock.ExpectExec("UPDATE source_documents SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	first := uploadRequest(t)
	first.Header.Set("Idempotency-Key", "upload-key-1")
	rr1 := httptest.NewRecorder()
	router.ServeHTTP(rr1, first)
	require.Equal(t, http.StatusAccepted, rr1.Code, rr1.Body.String())

	second := uploadRequest(t)
	second.Header.Set("Idempotency-Key", "upload-key-2")
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, second)
	require.Equal(t, http.StatusAccepted, rr2.Code, rr2.Body.String())

	assert.Empty(t, rr2.Header().Get("X-Idempotency-Replayed"))

	var resp1, resp2 struct {
		DocumentID uuid.UUID `json:"document_id"`
	}
	require.NoError(t, json.Unmarshal(rr1.Body.Bytes(), &resp1))
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &resp2))
	assert.NotEqual(t, resp1.DocumentID, resp2.DocumentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
