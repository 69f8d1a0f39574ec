package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbeddingClient(t *testing.T, baseURL string) *EmbeddingClient {
	t.Helper()
	client, err := NewEmbeddingClient(EmbeddingConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: baseURL,
	}, testLogger())
	require.NoError(t, err)
	return client
}

func TestEmbeddingClientRequiresAPIKey(t *testing.T) {
	_, err := NewEmbeddingClient(EmbeddingConfig{}, testLogger())
	assert.Error(t, err)
}

func TestEmbeddingClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Input, 2)

		// Return data out of order to prove index-based reassembly.
		json.NewEncoder(w).Encode(embeddingResponse{
			Data: []embeddingData{
				{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
				{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	embeddings, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, embeddings, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, embeddings[0])
	assert.Equal(t, []float32{0.4, 0.5, 0.6}, embeddings[1])

	// Dimension adjusts to what the provider actually returned.
	assert.Equal(t, 3, client.Dimension())
}

func TestEmbeddingClientEmbedEmpty(t *testing.T) {
	client := newTestEmbeddingClient(t, "http://unused.invalid")

	embeddings, err := client.Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, embeddings)
}

func TestEmbeddingClientRetriesServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		json.NewEncoder(w).Encode(embeddingResponse{
			Data: []embeddingData{{Index: 0, Embedding: []float32{1, 0}}},
		})
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	embedding, err := client.EmbedSingle(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, embedding)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbeddingClientDoesNotRetryClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	_, err := client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
	assert.Equal(t, "bad key", perr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbeddingClientEmbedLate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings/late", r.URL.Path)

		var req lateEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "shared block of text", req.Input)
		require.Len(t, req.Spans, 2)

		json.NewEncoder(w).Encode(embeddingResponse{
			Data: []embeddingData{
				{Index: 0, Embedding: []float32{0.9}},
				{Index: 1, Embedding: []float32{0.8}},
			},
		})
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	vectors, err := client.EmbedLate(context.Background(), "shared block of text", []Span{
		{Start: 0, End: 6},
		{Start: 7, End: 20},
	})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.9}, vectors[0])
	assert.Equal(t, []float32{0.8}, vectors[1])
}

func TestEmbeddingClientEmbedLateUnsupported(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestEmbeddingClient(t, server.URL)

	_, err := client.EmbedLate(context.Background(), "block", []Span{{Start: 0, End: 5}})
	assert.ErrorIs(t, err, ErrLateChunkingUnsupported)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "missing endpoint must not be retried")
}

func TestMockEmbedderDeterministic(t *testing.T) {
	mock := NewMockEmbedder(64, false)

	a1, err := mock.EmbedSingle(context.Background(), "stable input")
	require.NoError(t, err)
	a2, err := mock.EmbedSingle(context.Background(), "stable input")
	require.NoError(t, err)
	b, err := mock.EmbedSingle(context.Background(), "different input")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 64)

	var sum float64
	for _, v := range a1 {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 0.01, "mock embeddings are unit vectors")
}

func TestMockEmbedderLateChunking(t *testing.T) {
	unsupported := NewMockEmbedder(16, false)
	_, err := unsupported.EmbedLate(context.Background(), "block", []Span{{Start: 0, End: 5}})
	assert.ErrorIs(t, err, ErrLateChunkingUnsupported)

	supported := NewMockEmbedder(16, true)
	vectors, err := supported.EmbedLate(context.Background(), "alpha beta", []Span{
		{Start: 0, End: 5},
		{Start: 6, End: 10},
	})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.NotEqual(t, vectors[0], vectors[1])

	// Out-of-range spans clamp instead of panicking.
	clamped, err := supported.EmbedLate(context.Background(), "tiny", []Span{{Start: -3, End: 99}})
	require.NoError(t, err)
	require.Len(t, clamped, 1)
}

func TestEmbeddingProfiles(t *testing.T) {
	client := newTestEmbeddingClient(t, "http://unused.invalid")
	profile := client.Profile()
	assert.Equal(t, "openai", profile.Provider)
	assert.Equal(t, "test-model", profile.Model)
	assert.Equal(t, 1536, profile.Dims)

	mock := NewMockEmbedder(8, false)
	assert.Equal(t, 8, mock.Profile().Dims)
	assert.Equal(t, "mock", mock.Profile().Provider)
}
