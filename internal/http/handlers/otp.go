package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/otp"
)

// OtpService issues, re-sends and validates contact challenges
type OtpService interface {
	Issue(ctx context.Context, driverID uuid.UUID, channel model.Channel) (otp.Challenge, error)
	Redispatch(ctx context.Context, driverID uuid.UUID, channel model.Channel) (otp.Challenge, error)
	Validate(ctx context.Context, driverID uuid.UUID, channel model.Channel, code string) (otp.Outcome, error)
}

// challengeState describes an issued challenge without revealing its code, except in dev mode
type challengeState struct {
	Issued     bool       `json:"issued"`
	Dispatched bool       `json:"dispatched"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	DevCode    string     `json:"dev_code,omitempty"`
}

func newChallengeState(c otp.Challenge, err error, devMode bool) challengeState {
	st := challengeState{Issued: c.ID != uuid.Nil, Dispatched: c.Dispatched}
	if st.Issued {
		exp := c.ExpiresAt
		st.ExpiresAt = &exp
		if devMode {
			st.DevCode = c.Code
		}
	}
	if err != nil {
		st.Error = "code could not be delivered, retry dispatch"
		if !errors.Is(err, apperr.ErrCollaboratorUnavailable) {
			st.Error = "code could not be issued"
		}
	}
	return st
}

// OtpHandler handles contact verification endpoints
type OtpHandler struct {
	otp     OtpService
	drivers DriverService
	devMode bool
	log     *slog.Logger
}

// NewOtpHandler creates a new OTP handler
func NewOtpHandler(otpService OtpService, drivers DriverService, devMode bool, log *slog.Logger) *OtpHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &OtpHandler{otp: otpService, drivers: drivers, devMode: devMode, log: log}
}

// HandleIssue handles POST /drivers/{id}/otp/{channel}. A code that was stored but not
// delivered still answers 201 with dispatched=false.
func (h *OtpHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := h.params(w, r)
	if !ok {
		return
	}
	c, err := h.otp.Issue(r.Context(), id, ch)
	if err != nil && !(c.ID != uuid.Nil && errors.Is(err, apperr.ErrCollaboratorUnavailable)) {
		writeError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, newChallengeState(c, err, h.devMode))
}

// HandleRedispatch handles POST /drivers/{id}/otp/{channel}/redispatch
func (h *OtpHandler) HandleRedispatch(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := h.params(w, r)
	if !ok {
		return
	}
	c, err := h.otp.Redispatch(r.Context(), id, ch)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, newChallengeState(c, nil, h.devMode))
}

// verifyRequest is the request body for POST /drivers/{id}/otp/{channel}/verify
type verifyRequest struct {
	Code string `json:"code"`
}

type verifyResponse struct {
	Outcome otp.Outcome     `json:"outcome"`
	Driver  *driverResponse `json:"driver,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var outcomeMessages = map[otp.Outcome]string{
	otp.Mismatch:          "code does not match",
	otp.Expired:           "code expired, request a new one",
	otp.NoActiveChallenge: "no active code, request a new one",
	otp.Locked:            "too many wrong attempts, request a new one",
}

// HandleVerify handles POST /drivers/{id}/otp/{channel}/verify
func (h *OtpHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id, ch, ok := h.params(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, h.log, apperr.NewValidationError("code", "is required"))
		return
	}

	outcome, err := h.otp.Validate(r.Context(), id, ch, code)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if outcome != otp.Success {
		respondJSON(w, http.StatusUnprocessableEntity, verifyResponse{Outcome: outcome, Error: outcomeMessages[outcome]})
		return
	}

	resp := verifyResponse{Outcome: outcome}
	if d, err := h.drivers.Get(r.Context(), id); err == nil {
		dr := toDriverResponse(d)
		resp.Driver = &dr
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *OtpHandler) params(w http.ResponseWriter, r *http.Request) (uuid.UUID, model.Channel, bool) {
	id, err := driverIDParam(r)
	if err != nil {
		writeError(w, h.log, err)
		return uuid.Nil, "", false
	}
	ch, err := channelParam(r)
	if err != nil {
		writeError(w, h.log, err)
		return uuid.Nil, "", false
	}
	return id, ch, true
}
