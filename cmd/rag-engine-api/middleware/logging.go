package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

// RequestLogger emits one structured log line per request and mirrors the
// chi request id into the observability context and the X-Request-Id
// response header.
func RequestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chimiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-Id", requestID)
				r = r.WithContext(observability.ContextWithRequestID(r.Context(), requestID))
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			event := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("tenant_id", r.Header.Get("X-Tenant-ID")).
				Msg("Request handled")
		})
	}
}
