package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// ErrLateChunkingUnsupported signals that the provider cannot embed span
// windows over a shared block. Callers fall back to contextual-section
// embedding.
var ErrLateChunkingUnsupported = errors.New("providers: late chunking not supported")

// Span is a half-open byte range [Start, End) into a text block.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Embedder generates dense vectors for text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// EmbedLate embeds each span with attention over the whole block, so a
	// chunk's vector carries its surrounding context.
	EmbedLate(ctx context.Context, block string, spans []Span) ([][]float32, error)
	Model() string
	Dimension() int
	Profile() storage.EmbeddingProfile
}

// EmbeddingConfig holds embedding client configuration.
type EmbeddingConfig struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	Dimension int
	Timeout   time.Duration
}

// EmbeddingClient calls an OpenAI-compatible embeddings API.
type EmbeddingClient struct {
	httpClient *http.Client
	policy     *callPolicy
	baseURL    string
	apiKey     string
	provider   string
	model      string
	dimension  int
}

// NewEmbeddingClient creates a new embedding client.
func NewEmbeddingClient(cfg EmbeddingConfig, logger *observability.Logger) (*EmbeddingClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &EmbeddingClient{
		httpClient: &http.Client{Timeout: timeout},
		policy:     newCallPolicy("embedding", 30*time.Second, logger),
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		provider:   cfg.Provider,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
	}, nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type lateEmbeddingRequest struct {
	Input string `json:"input"`
	Spans []Span `json:"spans"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Model string          `json:"model"`
	Error *providerError  `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type providerError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Embed generates embeddings for the given texts.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	err := c.policy.do(ctx, func() error {
		resp, err := c.post(ctx, "/embeddings", embeddingRequest{Input: texts, Model: c.model})
		if err != nil {
			return err
		}
		embeddings := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < len(embeddings) {
				embeddings[d.Index] = d.Embedding
				if len(d.Embedding) > 0 && c.dimension != len(d.Embedding) {
					c.dimension = len(d.Embedding)
				}
			}
		}
		out = embeddings
		return nil
	})
	return out, err
}

// EmbedSingle generates an embedding for a single text.
func (c *EmbeddingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedLate embeds spans against the full block. Providers without the
// endpoint return ErrLateChunkingUnsupported.
func (c *EmbeddingClient) EmbedLate(ctx context.Context, block string, spans []Span) ([][]float32, error) {
	if len(spans) == 0 {
		return nil, nil
	}

	var out [][]float32
	err := c.policy.do(ctx, func() error {
		resp, err := c.post(ctx, "/embeddings/late", lateEmbeddingRequest{
			Input: block, Spans: spans, Model: c.model,
		})
		if err != nil {
			return err
		}
		embeddings := make([][]float32, len(spans))
		for _, d := range resp.Data {
			if d.Index < len(embeddings) {
				embeddings[d.Index] = d.Embedding
			}
		}
		out = embeddings
		return nil
	})
	if err != nil {
		// A 404 means the provider has no late endpoint at all.
		var perr *ProviderError
		if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
			return nil, ErrLateChunkingUnsupported
		}
		return nil, err
	}
	return out, nil
}

func (c *EmbeddingClient) post(ctx context.Context, path string, body interface{}) (*embeddingResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil {
			return nil, &ProviderError{Provider: "embedding", StatusCode: resp.StatusCode, Message: errResp.Error.Message}
		}
		return nil, &ProviderError{Provider: "embedding", StatusCode: resp.StatusCode, Message: string(raw)}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &parsed, nil
}

// Model returns the model being used.
func (c *EmbeddingClient) Model() string { return c.model }

// Dimension returns the embedding dimension.
func (c *EmbeddingClient) Dimension() int { return c.dimension }

// Profile describes this client for chunk provenance.
func (c *EmbeddingClient) Profile() storage.EmbeddingProfile {
	return storage.EmbeddingProfile{Provider: c.provider, Model: c.model, Dims: c.dimension}
}

// MockEmbedder generates deterministic hash-based embeddings for tests.
type MockEmbedder struct {
	dimension  int
	latePasses bool
}

// NewMockEmbedder creates a mock embedder. lateChunking controls whether
// EmbedLate succeeds or reports ErrLateChunkingUnsupported, so both pipeline
// paths are testable.
func NewMockEmbedder(dimension int, lateChunking bool) *MockEmbedder {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MockEmbedder{dimension: dimension, latePasses: lateChunking}
}

// Embed generates deterministic embeddings from character content.
func (c *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i := range texts {
		embeddings[i] = hashEmbedding(texts[i], c.dimension)
	}
	return embeddings, nil
}

func (c *MockEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *MockEmbedder) EmbedLate(ctx context.Context, block string, spans []Span) ([][]float32, error) {
	if !c.latePasses {
		return nil, ErrLateChunkingUnsupported
	}
	out := make([][]float32, len(spans))
	for i, s := range spans {
		start, end := s.Start, s.End
		if start < 0 {
			start = 0
		}
		if end > len(block) {
			end = len(block)
		}
		if start > end {
			start = end
		}
		out[i] = hashEmbedding(block[start:end], c.dimension)
	}
	return out, nil
}

func (c *MockEmbedder) Model() string  { return "mock-embedding-model" }
func (c *MockEmbedder) Dimension() int { return c.dimension }

func (c *MockEmbedder) Profile() storage.EmbeddingProfile {
	return storage.EmbeddingProfile{Provider: "mock", Model: "mock-embedding-model", Dims: c.dimension}
}

func hashEmbedding(text string, dimension int) []float32 {
	v := make([]float32, dimension)
	for j, char := range text {
		v[j%dimension] += float32(char) / 1000.0
	}
	return normalize(v)
}

func normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := float32(1.0) / float32(sqrt(float64(sum)))
	for i := range v {
		v[i] *= norm
	}
	return v
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

// Ensure implementations satisfy the interface.
var (
	_ Embedder = (*EmbeddingClient)(nil)
	_ Embedder = (*MockEmbedder)(nil)
)
