package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key := DocumentKey("tenant-a", "policies", "b1", "doc-1", "report.pdf")
	require.NoError(t, store.Put(ctx, key, []byte("pdf bytes"), "application/pdf"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), got)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCopiesData(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := []byte("original")
	require.NoError(t, store.Put(ctx, "k", data, "text/plain"))
	data[0] = 'X'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "mutating caller buffers must not leak in")
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, DocumentKey("tenant-a", "", "", "d1", "a.pdf"), []byte("1"), ""))
	require.NoError(t, store.Put(ctx, DocumentKey("tenant-a", "", "", "d2", "b.pdf"), []byte("2"), ""))
	require.NoError(t, store.Put(ctx, DocumentKey("tenant-b", "", "", "d3", "c.pdf"), []byte("3"), ""))

	keys, err := store.List(ctx, "tenant-a/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.NotContains(t, k, "tenant-b")
	}
}

func TestDocumentKeyShape(t *testing.T) {
	key := DocumentKey("acme", "specs", "batch-7", "6f1e", "Spec Sheet.pdf")
	assert.Equal(t, "acme/specs/batch-7/6f1e_Spec_Sheet.pdf", key)

	// Placeholder segments keep the depth constant for loose uploads.
	assert.Equal(t, "acme/uncategorized/direct/6f1e_notes.md",
		DocumentKey("acme", "", "", "6f1e", "notes.md"))
}

func TestSanitizeFilenameStripsTraversal(t *testing.T) {
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "q3_report_v2.pdf", SanitizeFilename("q3 report v2.pdf"))
	assert.Equal(t, "upload", SanitizeFilename(""))
}
