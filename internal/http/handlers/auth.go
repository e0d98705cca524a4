package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/auth"
	"github.com/driverdesk/server/internal/logging"
)

// Authenticator logs admins in
type Authenticator interface {
	Login(ctx context.Context, email, password string) (auth.Session, error)
}

// AuthHandler handles admin authentication endpoints
type AuthHandler struct {
	auth Authenticator
	log  *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService Authenticator, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &AuthHandler{auth: authService, log: log}
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type adminResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// loginResponse is the JSON response for login
type loginResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Admin       adminResponse `json:"admin"`
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			respondWithError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		writeError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, loginResponse{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		ExpiresAt:   session.ExpiresAt,
		Admin: adminResponse{
			ID:    session.Admin.ID.String(),
			Email: session.Admin.Email,
			Name:  session.Admin.Name,
		},
	})
}
