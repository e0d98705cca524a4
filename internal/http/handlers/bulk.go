package handlers

import (
	"context"
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driverdesk/server/internal/bulk"
	"github.com/driverdesk/server/internal/filter"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/middleware"
	"github.com/driverdesk/server/internal/model"
)

// BulkExecutor runs bulk operations
type BulkExecutor interface {
	Execute(ctx context.Context, req bulk.Request) (bulk.Result, error)
}

// BulkHandler handles POST /drivers/bulk
type BulkHandler struct {
	exec BulkExecutor
	log  *slog.Logger
}

// NewBulkHandler creates a new bulk handler
func NewBulkHandler(exec BulkExecutor, log *slog.Logger) *BulkHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &BulkHandler{exec: exec, log: log}
}

// bulkRequest is the request body for POST /drivers/bulk. Exactly one of driver_ids and
// filter selects the targets.
type bulkRequest struct {
	Operation string       `json:"operation"`
	DriverIDs []string     `json:"driver_ids"`
	Filter    *filter.Spec `json:"filter"`
	Notes     string       `json:"notes"`
	Password  string       `json:"password"`
}

type bulkResponse struct {
	Operation bulk.Operation             `json:"operation"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Items     map[string]bulk.ItemResult `json:"items"`
	FailedIDs []string                   `json:"failed_ids"`
	Drivers   []driverResponse           `json:"drivers,omitempty"`
}

// HandleExecute handles POST /drivers/bulk. An export answers CSV when the client accepts text/csv.
func (h *BulkHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	admin, ok := middleware.GetAdmin(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	res, err := h.exec.Execute(r.Context(), bulk.Request{
		Operation:     bulk.Operation(strings.ToLower(strings.TrimSpace(req.Operation))),
		DriverIDs:     req.DriverIDs,
		Filter:        req.Filter,
		Notes:         req.Notes,
		AdminID:       admin.ID,
		AdminPassword: req.Password,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	if res.Operation == bulk.Export && strings.Contains(r.Header.Get("Accept"), "text/csv") {
		h.writeCSV(w, res.Export)
		return
	}

	failedIDs := res.FailedIDs()
	if failedIDs == nil {
		failedIDs = []string{}
	}
	resp := bulkResponse{
		Operation: res.Operation,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Items:     res.Items,
		FailedIDs: failedIDs,
	}
	if res.Operation == bulk.Export {
		resp.Drivers = toDriverResponses(res.Export)
	}
	respondJSON(w, http.StatusOK, resp)
}

var exportHeader = []string{
	"id", "name", "phone", "email", "status", "verification_status", "kyc_status",
	"onboarding_state", "license_number", "license_expires_at", "registered_at", "version",
}

func (h *BulkHandler) writeCSV(w http.ResponseWriter, drivers []model.Driver) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="drivers.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(exportHeader)
	for _, d := range drivers {
		_ = cw.Write([]string{
			d.ID.String(),
			d.Name,
			d.Phone,
			d.Email,
			string(d.Status),
			string(d.VerificationStatus),
			string(d.KycStatus),
			string(d.OnboardingState),
			d.LicenseNumber,
			formatDate(d.LicenseExpiresAt),
			d.RegisteredAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(d.Version, 10),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.log.Warn("csv export write failed", "error", err)
	}
}
