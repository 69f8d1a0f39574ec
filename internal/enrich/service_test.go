package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/objectstore"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", ServiceName: "test"})
}

func testService(t *testing.T, db *sql.DB, chat *providers.MockChat) *Service {
	t.Helper()
	var repos *storage.Repositories
	if db != nil {
		repos = storage.NewRepositories(db)
	}
	if chat == nil {
		chat = &providers.MockChat{}
	}
	return NewService(
		testLogger(),
		repos,
		objectstore.NewMemoryStore(),
		chat,
		providers.NewMockEmbedder(8, false),
		nil,
		nil,
		DefaultConfig(),
	)
}

func enrichJob(tenantID string, documentID uuid.UUID) *storage.Job {
	payload, _ := json.Marshal(jobs.EnrichPayload{
		SourceDocumentID: documentID,
		Visual:           true,
		Graph:            true,
		Raptor:           true,
	})
	job := &storage.Job{
		ID:      uuid.New(),
		JobType: storage.JobEnrichDocument,
		Payload: payload,
	}
	if tenantID != "" {
		job.TenantID = &tenantID
	}
	return job
}

func enrichDocumentRow(id uuid.UUID) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "collection_id", "batch_id", "filename", "storage_path",
		"storage_bucket", "status", "searchable_status", "authority_level", "metadata",
		"retry_count", "error_message", "created_at", "updated_at",
	}).AddRow(id.String(), "tenant-a", nil, nil, "manual.pdf", "tenants/tenant-a/documents/x/manual.pdf",
		"rag-docs", "processed", "ready", "supplementary", []byte(`{}`),
		0, nil, now, now)
}

func eventAppendRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now())
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	s := testService(t, nil, nil)
	tenant := "tenant-a"

	cases := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"source_document_id":`},
		{"missing document id", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := &storage.Job{
				ID:       uuid.New(),
				TenantID: &tenant,
				JobType:  storage.JobEnrichDocument,
				Payload:  json.RawMessage(tc.payload),
			}
			_, err := s.Handle(context.Background(), job)
			require.Error(t, err)
			assert.True(t, jobs.IsPermanent(err), "payload defects must not be retried")
		})
	}
}

func TestHandleRequiresTenant(t *testing.T) {
	s := testService(t, nil, nil)

	_, err := s.Handle(context.Background(), enrichJob("", uuid.New()))
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
}

func TestHandleRequeuesInvisibleSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM source_documents").WillReturnError(sql.ErrNoRows)

	s := testService(t, db, nil)
	_, err = s.Handle(context.Background(), enrichJob("tenant-a", uuid.New()))
	assert.ErrorIs(t, err, jobs.ErrSourceLookup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleNoChunksIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	docID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM source_documents").WillReturnRows(enrichDocumentRow(docID))
	mock.ExpectQuery("INSERT INTO ingestion_events").WillReturnRows(eventAppendRow())
	mock.ExpectQuery("SELECT .* FROM content_chunks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO ingestion_events").WillReturnRows(eventAppendRow())

	chat := &providers.MockChat{}
	s := testService(t, db, chat)
	raw, err := s.Handle(context.Background(), enrichJob("tenant-a", docID))
	require.NoError(t, err)

	var outcome EnrichOutcome
	require.NoError(t, json.Unmarshal(raw, &outcome))
	assert.Equal(t, docID, outcome.DocumentID)
	assert.Zero(t, outcome.RaptorNodes)
	assert.Zero(t, outcome.GraphEntities)
	assert.Zero(t, chat.Calls, "no chunks means no provider traffic")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), got)

	custom := Config{
		VisualConcurrency: 1,
		GraphBatchSize:    9,
		RaptorMinChunks:   2,
		PromptVersion:     "v9",
	}.withDefaults()
	assert.Equal(t, 1, custom.VisualConcurrency)
	assert.Equal(t, 9, custom.GraphBatchSize)
	assert.Equal(t, 2, custom.RaptorMinChunks)
	assert.Equal(t, "v9", custom.PromptVersion)
	// Unset knobs still fill in.
	assert.Equal(t, DefaultConfig().RaptorMaxDepth, custom.RaptorMaxDepth)
	assert.Equal(t, DefaultConfig().SchemaVersion, custom.SchemaVersion)
}

func TestEligibleChunks(t *testing.T) {
	a := &storage.ContentChunk{ID: uuid.New(), RetrievalEligible: true}
	b := &storage.ContentChunk{ID: uuid.New(), RetrievalEligible: false}
	c := &storage.ContentChunk{ID: uuid.New(), RetrievalEligible: true}

	got := eligibleChunks([]*storage.ContentChunk{a, b, c})
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, c.ID, got[1].ID)
}

func TestSectionRef(t *testing.T) {
	ref, ok := sectionRef(&storage.ContentChunk{HeadingPath: []string{"8 Operation", "8.5.1 Control"}})
	require.True(t, ok)
	assert.Equal(t, "8 Operation", ref)

	_, ok = sectionRef(&storage.ContentChunk{})
	assert.False(t, ok)

	_, ok = sectionRef(&storage.ContentChunk{HeadingPath: []string{"   "}})
	assert.False(t, ok)
}
