// Package objectstore holds uploaded document payloads. The engine keeps
// only storage paths in Postgres; bytes live here.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound indicates the object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Store is the blob interface the ingestion pipeline reads from and the
// upload handler writes to.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// DocumentKey builds the canonical storage path for an uploaded document:
// {tenant}/{collection_key}/{batch_id}/{doc_uuid}_{sanitized_filename}.
// Tenant comes first so cross-tenant listing is impossible by prefix.
// Uploads outside a collection or batch get fixed placeholder segments so
// the path depth stays constant.
func DocumentKey(tenantID, collectionKey, batchID, documentID, filename string) string {
	if collectionKey == "" {
		collectionKey = "uncategorized"
	}
	if batchID == "" {
		batchID = "direct"
	}
	return fmt.Sprintf("%s/%s/%s/%s_%s",
		tenantID, collectionKey, batchID, documentID, SanitizeFilename(filename))
}

// VisualKey addresses an image captured during parsing, pending visual
// enrichment.
func VisualKey(tenantID, documentID, nodeID string) string {
	return fmt.Sprintf("%s/visuals/%s/%s", tenantID, documentID, nodeID)
}

// SanitizeFilename strips directories and replaces anything outside
// [A-Za-z0-9._-] with an underscore, so uploaded names cannot traverse or
// break the key layout.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
