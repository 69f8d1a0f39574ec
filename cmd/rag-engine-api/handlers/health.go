package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db      *sql.DB
	version string
}

// NewHealthHandler creates the probe handler. db may be nil; readiness then
// degrades to liveness.
func NewHealthHandler(db *sql.DB, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version}
}

// Health handles GET /health: process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready: dependencies are reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			JSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
