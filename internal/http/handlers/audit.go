package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
)

const maxAuditLimit = 200

// AuditHistory lists audit events that name a target, newest first
type AuditHistory interface {
	ListByTarget(ctx context.Context, targetID string, limit int) ([]model.AuditEvent, error)
}

// DriverGetter loads one driver
type DriverGetter interface {
	Get(ctx context.Context, id uuid.UUID) (model.Driver, error)
}

// AuditHandler handles GET /drivers/{id}/audit
type AuditHandler struct {
	drivers DriverGetter
	history AuditHistory
	log     *slog.Logger
}

// NewAuditHandler creates a new audit history handler
func NewAuditHandler(drivers DriverGetter, history AuditHistory, log *slog.Logger) *AuditHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &AuditHandler{drivers: drivers, history: history, log: log}
}

type auditEventResponse struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	TargetIDs []string  `json:"target_ids"`
	Outcome   string    `json:"outcome"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleList handles GET /drivers/{id}/audit?limit=N. The default limit is 50.
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	id, err := driverIDParam(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			writeError(w, h.log, apperr.NewValidationError("limit", "must be between 1 and "+strconv.Itoa(maxAuditLimit)))
			return
		}
		limit = n
	}
	if _, err := h.drivers.Get(r.Context(), id); err != nil {
		writeError(w, h.log, err)
		return
	}

	events, err := h.history.ListByTarget(r.Context(), id.String(), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			ID:        e.ID.String(),
			Actor:     e.Actor,
			Action:    e.Action,
			TargetIDs: e.TargetIDs,
			Outcome:   e.Outcome,
			Notes:     e.Notes,
			CreatedAt: e.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": out})
}
