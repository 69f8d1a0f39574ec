package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// Block types produced by the parser service.
const (
	BlockText    = "text"
	BlockHeading = "heading"
	BlockTable   = "table"
	BlockFigure  = "figure"
)

// ParsedBlock is one layout element of a parsed document, in reading order.
type ParsedBlock struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Level    int    `json:"level,omitempty"`
	Page     int    `json:"page,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
}

// ParsedDocument is the parser service output for one file.
type ParsedDocument struct {
	Blocks []ParsedBlock `json:"blocks"`
	Pages  int           `json:"pages,omitempty"`
}

// ParseOptions tune a parse call.
type ParseOptions struct {
	// FastMode asks the parser to skip layout analysis and OCR. Figures come
	// back without images.
	FastMode bool
}

// DocumentParser converts raw uploads into structured blocks.
type DocumentParser interface {
	Parse(ctx context.Context, filename string, data []byte, opts ParseOptions) (*ParsedDocument, error)
}

// ParserConfig holds parser client configuration.
type ParserConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ParserClient calls the document parsing sidecar over multipart HTTP.
type ParserClient struct {
	httpClient *http.Client
	policy     *callPolicy
	baseURL    string
	apiKey     string
}

// NewParserClient creates a new parser client.
func NewParserClient(cfg ParserConfig, logger *observability.Logger) (*ParserClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("parser base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &ParserClient{
		httpClient: &http.Client{Timeout: timeout},
		policy:     newCallPolicy("parser", 60*time.Second, logger),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}, nil
}

type parserErrorResponse struct {
	Error string `json:"error"`
}

// Parse uploads the file and returns its structured blocks.
func (c *ParserClient) Parse(ctx context.Context, filename string, data []byte, opts ParseOptions) (*ParsedDocument, error) {
	var out *ParsedDocument
	err := c.policy.do(ctx, func() error {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return fmt.Errorf("write form file: %w", err)
		}
		mode := "full"
		if opts.FastMode {
			mode = "fast"
		}
		if err := mw.WriteField("mode", mode); err != nil {
			return fmt.Errorf("write mode field: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/parse", &buf)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

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
			var errResp parserErrorResponse
			if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
				return &ProviderError{Provider: "parser", StatusCode: resp.StatusCode, Message: errResp.Error}
			}
			return &ProviderError{Provider: "parser", StatusCode: resp.StatusCode, Message: string(raw)}
		}

		var parsed ParsedDocument
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		out = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MockParser parses plain text deterministically for tests. Markdown-style
// "#" lines become headings; paragraphs split on blank lines.
type MockParser struct {
	Doc   *ParsedDocument
	Err   error
	Calls int
}

func (m *MockParser) Parse(ctx context.Context, filename string, data []byte, opts ParseOptions) (*ParsedDocument, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Doc != nil {
		return m.Doc, nil
	}

	doc := &ParsedDocument{Pages: 1}
	for _, para := range strings.Split(string(data), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if strings.HasPrefix(para, "#") {
			level := 0
			for level < len(para) && para[level] == '#' {
				level++
			}
			doc.Blocks = append(doc.Blocks, ParsedBlock{
				Type:  BlockHeading,
				Text:  strings.TrimSpace(para[level:]),
				Level: level,
				Page:  1,
			})
			continue
		}
		doc.Blocks = append(doc.Blocks, ParsedBlock{Type: BlockText, Text: para, Page: 1})
	}
	return doc, nil
}

var (
	_ DocumentParser = (*ParserClient)(nil)
	_ DocumentParser = (*MockParser)(nil)
)
