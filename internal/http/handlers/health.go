package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a backing store
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler reports liveness and, when a database is configured, its reachability
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a health handler. db may be nil for in-memory storage.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "unreachable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
