package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/providers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

func communityJob(tenantID string) *storage.Job {
	payload, _ := json.Marshal(jobs.CommunityPayload{Reason: "test"})
	job := &storage.Job{
		ID:      uuid.New(),
		JobType: storage.JobCommunityRebuild,
		Payload: payload,
	}
	if tenantID != "" {
		job.TenantID = &tenantID
	}
	return job
}

func entityListRows(names ...string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "entity_type", "description", "created_at", "updated_at",
	})
	for _, name := range names {
		rows.AddRow(uuid.New().String(), "tenant-a", name, "CONCEPT", "", now, now)
	}
	return rows
}

func TestHandleCommunityRequiresTenant(t *testing.T) {
	s := testService(t, nil, nil)

	_, err := s.HandleCommunity(context.Background(), communityJob(""))
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
}

func TestHandleCommunityEmptyGraphClearsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM knowledge_entities").WillReturnRows(entityListRows())
	mock.ExpectExec("DELETE FROM knowledge_communities").WillReturnResult(sqlmock.NewResult(0, 3))

	s := testService(t, db, nil)
	raw, err := s.HandleCommunity(context.Background(), communityJob("tenant-a"))
	require.NoError(t, err)

	var outcome CommunityOutcome
	require.NoError(t, json.Unmarshal(raw, &outcome))
	assert.Zero(t, outcome.Communities)
	assert.Zero(t, outcome.Entities)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildCommunitiesGroupsConnectedEntities(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	ids := make([]uuid.UUID, 5)
	entityRows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "entity_type", "description", "created_at", "updated_at",
	})
	for i := range ids {
		ids[i] = uuid.New()
		entityRows.AddRow(ids[i].String(), "tenant-a", fmt.Sprintf("Entity %d", i), "CONCEPT", "", now, now)
	}

	// Edges 0-1-2 form one component, 3-4 another; nothing is a singleton.
	edgeRows := sqlmock.NewRows([]string{
		"id", "tenant_id", "source_entity_id", "target_entity_id",
		"relation_type", "description", "weight", "created_at",
	}).
		AddRow(uuid.New().String(), "tenant-a", ids[0].String(), ids[1].String(), "REQUIRES", "", 1.0, now).
		AddRow(uuid.New().String(), "tenant-a", ids[1].String(), ids[2].String(), "REQUIRES", "", 1.0, now).
		AddRow(uuid.New().String(), "tenant-a", ids[3].String(), ids[4].String(), "REFERENCES", "", 1.0, now)

	mock.ExpectQuery("SELECT .* FROM knowledge_entities").WillReturnRows(entityRows)
	mock.ExpectQuery("SELECT .* FROM knowledge_relations").WillReturnRows(edgeRows)
	mock.ExpectExec("DELETE FROM knowledge_communities").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO knowledge_communities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO knowledge_communities").WillReturnResult(sqlmock.NewResult(0, 1))

	chat := &providers.MockChat{Responses: []string{"Process cluster.", "Reference cluster."}}
	s := testService(t, db, chat)

	outcome, err := s.rebuildCommunities(context.Background(), testLogger(), "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Communities, "two connected components")
	assert.Equal(t, 5, outcome.Entities)
	assert.Zero(t, outcome.Singletons)
	assert.Zero(t, outcome.Fallbacks)
	assert.Equal(t, 2, chat.Calls, "one summary per community")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildCommunitiesDropsSingletonsAndDegrades(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	entityRows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "entity_type", "description", "created_at", "updated_at",
	}).
		AddRow(ids[0].String(), "tenant-a", "Calibration", "PROCESS", "", now, now).
		AddRow(ids[1].String(), "tenant-a", "Calibration Record", "ARTIFACT", "", now, now).
		AddRow(ids[2].String(), "tenant-a", "Orphan", "CONCEPT", "", now, now)

	edgeRows := sqlmock.NewRows([]string{
		"id", "tenant_id", "source_entity_id", "target_entity_id",
		"relation_type", "description", "weight", "created_at",
	}).AddRow(uuid.New().String(), "tenant-a", ids[0].String(), ids[1].String(), "PRODUCES", "", 1.0, now)

	mock.ExpectQuery("SELECT .* FROM knowledge_entities").WillReturnRows(entityRows)
	mock.ExpectQuery("SELECT .* FROM knowledge_relations").WillReturnRows(edgeRows)
	mock.ExpectExec("DELETE FROM knowledge_communities").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO knowledge_communities").WillReturnResult(sqlmock.NewResult(0, 1))

	// Summarization is down; the rebuild degrades instead of failing.
	chat := &providers.MockChat{Err: errors.New("upstream 500")}
	s := testService(t, db, chat)

	outcome, err := s.rebuildCommunities(context.Background(), testLogger(), "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Communities)
	assert.Equal(t, 1, outcome.Singletons)
	assert.Equal(t, 1, outcome.Fallbacks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollCallSummary(t *testing.T) {
	entities := make([]*storage.KnowledgeEntity, 12)
	members := make([]int, 12)
	for i := range entities {
		entities[i] = &storage.KnowledgeEntity{Name: fmt.Sprintf("E%d", i)}
		members[i] = i
	}

	got := rollCallSummary(entities, members)
	assert.Contains(t, got, "Knowledge community of 12 entities")
	assert.Contains(t, got, "E0, E1")
	assert.Contains(t, got, "E9")
	assert.Contains(t, got, "and 2 more")
	assert.NotContains(t, got, "E10")

	short := rollCallSummary(entities, []int{0, 1})
	assert.Equal(t, "Knowledge community of 2 entities: E0, E1.", short)
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(6)
	uf.union(0, 1)
	uf.union(1, 2)
	uf.union(4, 5)

	assert.Equal(t, uf.find(0), uf.find(2))
	assert.Equal(t, uf.find(4), uf.find(5))
	assert.NotEqual(t, uf.find(0), uf.find(3))
	assert.NotEqual(t, uf.find(0), uf.find(4))

	// Joining two components folds them into one root.
	uf.union(2, 4)
	assert.Equal(t, uf.find(0), uf.find(5))
}
