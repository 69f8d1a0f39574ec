package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// maxRerankCandidates bounds how many documents go to the external reranker
// in one call. Extra candidates keep their fused order behind the reranked
// head.
const maxRerankCandidates = 150

// RerankResult scores one input document. Index refers to the position in
// the documents slice passed to Rerank.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Reranker reorders candidate documents by relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
	Mode() string
}

// RerankConfig holds reranker client configuration.
type RerankConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// RerankClient calls a Cohere-compatible rerank API.
type RerankClient struct {
	httpClient *http.Client
	policy     *callPolicy
	baseURL    string
	apiKey     string
	model      string
}

// NewRerankClient creates a new rerank client.
func NewRerankClient(cfg RerankConfig, logger *observability.Logger) (*RerankClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("rerank API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cohere.com/v2"
	}
	if cfg.Model == "" {
		cfg.Model = "rerank-v3.5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &RerankClient{
		httpClient: &http.Client{Timeout: timeout},
		policy:     newCallPolicy("rerank", 15*time.Second, logger),
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
	Error   *providerError `json:"error,omitempty"`
}

// Rerank scores documents against the query. At most maxRerankCandidates
// documents are sent; results come back sorted by score descending.
func (c *RerankClient) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if len(documents) > maxRerankCandidates {
		documents = documents[:maxRerankCandidates]
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	var out []RerankResult
	err := c.policy.do(ctx, func() error {
		jsonBody, err := json.Marshal(rerankRequest{
			Model: c.model, Query: query, Documents: documents, TopN: topN,
		})
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rerank", bytes.NewReader(jsonBody))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			var errResp rerankResponse
			if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil {
				return &ProviderError{Provider: "rerank", StatusCode: resp.StatusCode, Message: errResp.Error.Message}
			}
			return &ProviderError{Provider: "rerank", StatusCode: resp.StatusCode, Message: string(raw)}
		}

		var parsed rerankResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		out = parsed.Results
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Mode identifies the reranker in traces.
func (c *RerankClient) Mode() string { return "external" }

// LocalReranker keeps the incoming order and assigns rank-decay scores. Used
// when no external reranker is configured.
type LocalReranker struct{}

func NewLocalReranker() *LocalReranker { return &LocalReranker{} }

// Rerank preserves document order. Score decays with position so downstream
// consumers still get a monotonic signal.
func (r *LocalReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}
	out := make([]RerankResult, topN)
	for i := 0; i < topN; i++ {
		out[i] = RerankResult{Index: i, Score: 1.0 / float64(i+1)}
	}
	return out, nil
}

func (r *LocalReranker) Mode() string { return "local" }

// MockReranker returns scripted scores for tests.
type MockReranker struct {
	Results []RerankResult
	Err     error
	Calls   int
}

func (m *MockReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Results != nil {
		return m.Results, nil
	}
	return (&LocalReranker{}).Rerank(ctx, query, documents, topN)
}

func (m *MockReranker) Mode() string { return "mock" }

var (
	_ Reranker = (*RerankClient)(nil)
	_ Reranker = (*LocalReranker)(nil)
	_ Reranker = (*MockReranker)(nil)
)
