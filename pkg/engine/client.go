// Package engine provides the public Go SDK for the RAG Engine HTTP API.
// Every call is tenant-scoped: the client stamps X-Tenant-ID on each request
// and the server refuses requests without it.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the RAG Engine API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	tenantID      string
	serviceSecret string
}

// ClientConfig holds client settings. TenantID is required.
type ClientConfig struct {
	BaseURL       string
	TenantID      string
	ServiceSecret string
	Timeout       time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// NewClient creates a RAG Engine client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("engine: tenant id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		tenantID:      cfg.TenantID,
		serviceSecret: cfg.ServiceSecret,
	}, nil
}

// TenantID reports the tenant this client is scoped to.
func (c *Client) TenantID() string { return c.tenantID }

// APIError is the server's canonical error envelope.
type APIError struct {
	Status    int         `json:"-"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine: %s (%d %s, request %s)", e.Message, e.Status, e.Code, e.RequestID)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// Health reports whether the API process is up.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

// Ready reports whether the API and its dependencies are reachable.
func (c *Client) Ready(ctx context.Context) error {
	return c.getJSON(ctx, "/ready", nil)
}

// postJSON sends body as JSON and decodes a 2xx response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engine: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	return c.do(req, out)
}

// do stamps auth and tenant headers, executes the request, and decodes the
// response. Non-2xx responses become *APIError.
func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("X-Tenant-ID", c.tenantID)
	if c.serviceSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("engine: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
			return &APIError{
				Status:  resp.StatusCode,
				Code:    "UNEXPECTED_RESPONSE",
				Message: strings.TrimSpace(string(body)),
			}
		}
		apiErr := envelope.Error
		apiErr.Status = resp.StatusCode
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("engine: decode response: %w", err)
	}
	return nil
}
