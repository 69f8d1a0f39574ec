package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankClientScoresAndSorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "which clause covers escrow?", req.Query)
		assert.Equal(t, 2, req.TopN)

		// Unsorted on purpose.
		json.NewEncoder(w).Encode(rerankResponse{
			Results: []RerankResult{
				{Index: 2, Score: 0.41},
				{Index: 0, Score: 0.93},
			},
		})
	}))
	defer server.Close()

	client, err := NewRerankClient(RerankConfig{APIKey: "test-key", BaseURL: server.URL}, testLogger())
	require.NoError(t, err)

	results, err := client.Rerank(context.Background(), "which clause covers escrow?",
		[]string{"doc a", "doc b", "doc c"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRerankClientCapsCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Documents, maxRerankCandidates)

		json.NewEncoder(w).Encode(rerankResponse{
			Results: []RerankResult{{Index: 0, Score: 1.0}},
		})
	}))
	defer server.Close()

	client, err := NewRerankClient(RerankConfig{APIKey: "test-key", BaseURL: server.URL}, testLogger())
	require.NoError(t, err)

	docs := make([]string, maxRerankCandidates+25)
	for i := range docs {
		docs[i] = fmt.Sprintf("candidate %d", i)
	}

	_, err = client.Rerank(context.Background(), "q", docs, 10)
	require.NoError(t, err)
}

func TestRerankClientEmptyInput(t *testing.T) {
	client, err := NewRerankClient(RerankConfig{APIKey: "test-key"}, testLogger())
	require.NoError(t, err)

	results, err := client.Rerank(context.Background(), "q", nil, 5)
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestLocalRerankerPreservesOrder(t *testing.T) {
	local := NewLocalReranker()

	results, err := local.Rerank(context.Background(), "q", []string{"a", "b", "c", "d"}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		assert.Equal(t, i, res.Index)
		if i > 0 {
			assert.Less(t, res.Score, results[i-1].Score)
		}
	}
	assert.Equal(t, "local", local.Mode())
}

func TestMockRerankerScripted(t *testing.T) {
	mock := &MockReranker{Results: []RerankResult{{Index: 1, Score: 0.8}}}

	results, err := mock.Rerank(context.Background(), "q", []string{"a", "b"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 1, mock.Calls)
}
