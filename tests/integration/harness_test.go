// Package integration exercises the engine against real Postgres (pgvector)
// and Redis via testcontainers. Tests skip when Docker is unavailable or in
// -short mode.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

var (
	testDB    *sql.DB
	testRepos *storage.Repositories
	redisAddr string
)

func TestMain(m *testing.M) {
	flagShort := false
	for _, arg := range os.Args[1:] {
		if arg == "-test.short" || arg == "-test.short=true" {
			flagShort = true
		}
	}
	if flagShort || !dockerAvailable() {
		// Every test calls requireEnv and skips.
		os.Exit(m.Run())
	}

	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx,
		"pgvector/pgvector:pg17",
		tcpostgres.WithDatabase("rag_engine_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
		os.Exit(1)
	}

	rd, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start redis container: %v\n", err)
		_ = pg.Terminate(ctx)
		os.Exit(1)
	}

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		testDB, err = sql.Open("postgres", dsn)
	}
	if err == nil {
		err = waitForDB(ctx, testDB)
	}
	if err == nil {
		err = storage.NewMigrator(testDB).Up(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare database: %v\n", err)
		_ = pg.Terminate(ctx)
		_ = rd.Terminate(ctx)
		os.Exit(1)
	}
	testRepos = storage.NewRepositories(testDB)

	redisURI, err := rd.ConnectionString(ctx)
	if err == nil {
		redisAddr = strings.TrimPrefix(redisURI, "redis://")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve redis endpoint: %v\n", err)
		_ = pg.Terminate(ctx)
		_ = rd.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = pg.Terminate(ctx)
	_ = rd.Terminate(ctx)
	os.Exit(code)
}

func waitForDB(ctx context.Context, db *sql.DB) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err := db.PingContext(ctx); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func dockerAvailable() (ok bool) {
	// testcontainers panics (rather than returning an error) when no Docker
	// host can be found; treat that the same as "not available".
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.Client().Ping(ctx)
	return err == nil
}

// requireEnv skips the test when the shared containers were not started.
func requireEnv(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if testDB == nil {
		t.Skip("Docker not available")
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "console", ServiceName: "integration-test"})
}

// newTenant registers a fresh tenant id so foreign keys hold.
func newTenant(t *testing.T) string {
	t.Helper()
	tenantID := "tenant-" + uuid.NewString()[:8]
	require.NoError(t, testRepos.Tenants.EnsureExists(context.Background(), tenantID))
	return tenantID
}

// seedDocument registers a processed source document the seeded chunks hang
// off. collectionID may be nil.
func seedDocument(t *testing.T, tenantID string, collectionID *uuid.UUID) *storage.SourceDocument {
	t.Helper()
	doc := &storage.SourceDocument{
		TenantID:     tenantID,
		CollectionID: collectionID,
		Filename:     fmt.Sprintf("doc-%s.pdf", uuid.NewString()[:8]),
		StoragePath:  "test/doc.pdf",
		Status:       storage.StatusProcessed,
	}
	require.NoError(t, testRepos.Documents.Create(context.Background(), doc))
	return doc
}

// seedChunk persists one retrieval-eligible chunk whose embedding is the
// mock embedding of embedAs (or of the content when embedAs is empty), so a
// query for the same text scores cosine similarity 1.
func seedChunk(t *testing.T, embedder *providers.MockEmbedder, doc *storage.SourceDocument, content, embedAs, standard, clause string) *storage.ContentChunk {
	t.Helper()
	if embedAs == "" {
		embedAs = content
	}
	vec, err := embedder.EmbedSingle(context.Background(), embedAs)
	require.NoError(t, err)

	chunk := &storage.ContentChunk{
		SourceID:          doc.ID,
		TenantID:          doc.TenantID,
		CollectionID:      doc.CollectionID,
		Content:           content,
		Embedding:         vec,
		RetrievalEligible: true,
		EmbeddingProfile:  embedder.Profile(),
	}
	if standard != "" {
		chunk.SourceStandard = &standard
	}
	if clause != "" {
		chunk.ClauseID = &clause
	}
	require.NoError(t, testRepos.Chunks.InsertBatch(context.Background(), []*storage.ContentChunk{chunk}, 10))
	return chunk
}
