package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/cmd/rag-engine-api/handlers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/cache"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// Idempotency replays completed responses for requests carrying an
// Idempotency-Key header. First arrival reserves the key and runs the
// handler; a 2xx outcome is stored for replay, any other outcome releases
// the key so the client can retry. Replays carry X-Idempotency-Replayed.
// Duplicates arriving while the original is still in flight are rejected.
func Idempotency(logger *observability.Logger, store *cache.IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			tenantID, err := tenancy.RequireTenant(r.Context())
			if err != nil {
				tenantID = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
			}
			if tenantID == "" {
				// The tenant guard downstream reports the missing header.
				next.ServeHTTP(w, r)
				return
			}

			stored, inFlight, err := store.Reserve(r.Context(), tenantID, key)
			if err != nil {
				logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Idempotency reserve failed, passing through")
				next.ServeHTTP(w, r)
				return
			}
			if inFlight {
				handlers.Error(w, r, http.StatusConflict, handlers.CodeIdempotencyInFlight,
					"a request with this idempotency key is still in flight", nil)
				return
			}
			if stored != nil {
				w.Header().Set("Content-Type", stored.ContentType)
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				resp := cache.StoredResponse{
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        json.RawMessage(rec.body.Bytes()),
				}
				if err := store.Complete(r.Context(), tenantID, key, resp); err != nil {
					logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Idempotency complete failed")
				}
				return
			}
			if err := store.Release(r.Context(), tenantID, key); err != nil {
				logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Idempotency release failed")
			}
		})
	}
}

// responseRecorder tees the response body while writing it through, so a
// successful outcome can be stored for replay.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
