package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserClientParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parse", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "fast", r.FormValue("mode"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "contract.pdf", header.Filename)

		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-fake"), content)

		json.NewEncoder(w).Encode(ParsedDocument{
			Pages: 2,
			Blocks: []ParsedBlock{
				{Type: BlockHeading, Text: "1. Scope", Level: 1, Page: 1},
				{Type: BlockText, Text: "This agreement covers...", Page: 1},
				{Type: BlockFigure, Text: "Fig 1", Page: 2, ImageB64: "aW1n"},
			},
		})
	}))
	defer server.Close()

	client, err := NewParserClient(ParserConfig{BaseURL: server.URL}, testLogger())
	require.NoError(t, err)

	doc, err := client.Parse(context.Background(), "contract.pdf", []byte("%PDF-fake"), ParseOptions{FastMode: true})
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Pages)
	require.Len(t, doc.Blocks, 3)
	assert.Equal(t, BlockHeading, doc.Blocks[0].Type)
	assert.Equal(t, "aW1n", doc.Blocks[2].ImageB64)
}

func TestParserClientRequiresBaseURL(t *testing.T) {
	_, err := NewParserClient(ParserConfig{}, testLogger())
	assert.Error(t, err)
}

func TestParserClientErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(parserErrorResponse{Error: "unsupported file type"})
	}))
	defer server.Close()

	client, err := NewParserClient(ParserConfig{BaseURL: server.URL}, testLogger())
	require.NoError(t, err)

	_, err = client.Parse(context.Background(), "weird.bin", []byte{0x00}, ParseOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestMockParserSynthesizesBlocks(t *testing.T) {
	mock := &MockParser{}

	doc, err := mock.Parse(context.Background(), "notes.md",
		[]byte("# Title\n\nFirst paragraph.\n\n## Section\n\nSecond paragraph."), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 4)

	assert.Equal(t, BlockHeading, doc.Blocks[0].Type)
	assert.Equal(t, "Title", doc.Blocks[0].Text)
	assert.Equal(t, 1, doc.Blocks[0].Level)

	assert.Equal(t, BlockText, doc.Blocks[1].Type)

	assert.Equal(t, BlockHeading, doc.Blocks[2].Type)
	assert.Equal(t, 2, doc.Blocks[2].Level)
	assert.Equal(t, "Section", doc.Blocks[2].Text)
}

func TestMockParserScriptedDocument(t *testing.T) {
	want := &ParsedDocument{Blocks: []ParsedBlock{{Type: BlockTable, Text: "a|b"}}}
	mock := &MockParser{Doc: want}

	doc, err := mock.Parse(context.Background(), "f", nil, ParseOptions{})
	require.NoError(t, err)
	assert.Same(t, want, doc)
	assert.Equal(t, 1, mock.Calls)
}
