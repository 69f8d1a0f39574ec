package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient generates text and structured extractions from an LLM.
type ChatClient interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
	// ExtractStructured asks for a JSON answer and unmarshals it into out.
	ExtractStructured(ctx context.Context, system, user string, out interface{}) error
	Model() string
}

// ChatConfig holds chat client configuration.
type ChatConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ChatHTTPClient calls an OpenAI-compatible chat completions API.
type ChatHTTPClient struct {
	httpClient  *http.Client
	policy      *callPolicy
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
}

// NewChatClient creates a new chat client.
func NewChatClient(cfg ChatConfig, logger *observability.Logger) (*ChatHTTPClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chat API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic/claude-3.5-sonnet"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &ChatHTTPClient{
		httpClient:  &http.Client{Timeout: timeout},
		policy:      newCallPolicy("chat", 60*time.Second, logger),
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []ChatMessage       `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []chatChoice   `json:"choices"`
	Error   *providerError `json:"error,omitempty"`
}

type chatChoice struct {
	Message ChatMessage `json:"message"`
}

// Complete runs the messages through the model and returns the assistant
// text.
func (c *ChatHTTPClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	resp, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}
	return resp, nil
}

// ExtractStructured requests a JSON object and decodes it into out. Models
// that wrap the payload in a markdown fence still parse.
func (c *ChatHTTPClient) ExtractStructured(ctx context.Context, system, user string, out interface{}) error {
	text, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:      c.maxTokens,
		Temperature:    0,
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripJSONFence(text)), out); err != nil {
		return fmt.Errorf("decode structured response: %w", err)
	}
	return nil
}

func (c *ChatHTTPClient) complete(ctx context.Context, body chatRequest) (string, error) {
	var out string
	err := c.policy.do(ctx, func() error {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
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
			var errResp chatResponse
			if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil {
				return &ProviderError{Provider: "chat", StatusCode: resp.StatusCode, Message: errResp.Error.Message}
			}
			return &ProviderError{Provider: "chat", StatusCode: resp.StatusCode, Message: string(raw)}
		}

		var parsed chatResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("no completion choices returned")
		}
		out = parsed.Choices[0].Message.Content
		return nil
	})
	return out, err
}

// Model returns the model being used.
func (c *ChatHTTPClient) Model() string { return c.model }

// stripJSONFence removes a surrounding markdown code fence if present.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// MockChat returns scripted responses for tests. Responses are consumed in
// order; the last one repeats once the script runs out.
type MockChat struct {
	Responses []string
	Err       error
	Calls     int
	Prompts   []string
}

func (m *MockChat) next() string {
	if len(m.Responses) == 0 {
		return "{}"
	}
	i := m.Calls - 1
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i]
}

func (m *MockChat) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	m.Calls++
	if len(messages) > 0 {
		m.Prompts = append(m.Prompts, messages[len(messages)-1].Content)
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.next(), nil
}

func (m *MockChat) ExtractStructured(ctx context.Context, system, user string, out interface{}) error {
	m.Calls++
	m.Prompts = append(m.Prompts, user)
	if m.Err != nil {
		return m.Err
	}
	return json.Unmarshal([]byte(stripJSONFence(m.next())), out)
}

func (m *MockChat) Model() string { return "mock-chat-model" }

var (
	_ ChatClient = (*ChatHTTPClient)(nil)
	_ ChatClient = (*MockChat)(nil)
)
