package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, errorResponse{Error: message})
}

// writeError maps service errors to status codes. Anything unrecognised is logged and hidden.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	if ve, ok := apperr.AsValidation(err); ok {
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: ve.Fields})
		return
	}
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		respondWithError(w, http.StatusForbidden, "admin credential rejected")
	case errors.Is(err, apperr.ErrEmptySelection):
		respondWithError(w, http.StatusBadRequest, "no drivers selected")
	case errors.Is(err, apperr.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not found")
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrCollaboratorUnavailable):
		log.Warn("collaborator unavailable", "error", err)
		respondWithError(w, http.StatusBadGateway, "an upstream service is unavailable, retry later")
	case errors.Is(err, apperr.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
	default:
		log.Error("request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.NewValidationError("body", "is empty")
		}
		return apperr.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

func driverIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.NewValidationError("id", "is not a valid driver id")
	}
	return id, nil
}

func channelParam(r *http.Request) (model.Channel, error) {
	ch := model.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		return "", apperr.NewValidationError("channel", "must be sms or email")
	}
	return ch, nil
}
