// Package middleware carries the HTTP cross-cutting concerns for the RAG
// Engine API: service-secret authentication, tenant resolution, CORS,
// request logging, and idempotent replay.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/meridian-ai/meridian/libs/rag-engine/cmd/rag-engine-api/handlers"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/tenancy"
)

// AuthConfig holds service authentication settings.
type AuthConfig struct {
	// ServiceSecret is the shared secret callers must present.
	ServiceSecret string
	// Required enforces the check. When false (local development without a
	// configured secret) requests pass through unauthenticated.
	Required bool
}

// ServiceAuth authenticates callers against the shared service secret.
// The secret may arrive as "Authorization: Bearer <secret>" or in the
// X-Service-Secret header. Comparison is constant-time.
func ServiceAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Required || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			presented := bearerToken(r.Header.Get("Authorization"))
			if presented == "" {
				presented = r.Header.Get("X-Service-Secret")
			}
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.ServiceSecret)) != 1 {
				handlers.Error(w, r, http.StatusUnauthorized, handlers.CodeUnauthorized, "invalid or missing service credentials", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireTenant resolves the X-Tenant-ID header into the request context.
// Requests without a tenant are rejected before they reach any handler.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			handlers.Error(w, r, http.StatusBadRequest, handlers.CodeTenantHeaderRequired, "X-Tenant-ID header is required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithTenant(r.Context(), tenantID)))
	})
}

// OptionalTenant resolves X-Tenant-ID when present but lets requests
// without one through. RPC callers may carry the tenant in the payload
// instead of the header.
func OptionalTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenantID != "" {
			r = r.WithContext(tenancy.WithTenant(r.Context(), tenantID))
		}
		next.ServeHTTP(w, r)
	})
}

// CORS handles cross-origin requests for browser clients. Origins are
// matched exactly; "*" allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID, X-Service-Secret, Idempotency-Key")
				w.Header().Set("Access-Control-Expose-Headers", "X-Queue-Depth, X-Queue-ETA-Seconds, X-Queue-Max-Pending, X-Idempotency-Replayed, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
