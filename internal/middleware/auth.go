package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/driverdesk/server/internal/audit"
	"github.com/driverdesk/server/internal/auth"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

type contextKey string

const adminKey contextKey = "admin"

// AdminAuth validates the bearer token, loads the admin and attaches it to the context.
// The admin id also becomes the audit actor for everything the request does.
func AdminAuth(jwtService *auth.JWTService, admins repo.AdminRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			tokenString = strings.TrimSpace(tokenString)
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			admin, err := admins.GetByID(r.Context(), claims.AdminID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "admin not found")
				return
			}
			admin.PasswordHash = ""

			ctx := context.WithValue(r.Context(), adminKey, admin)
			ctx = audit.WithActor(ctx, admin.ID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdmin returns the admin attached to the request context (set by AdminAuth)
func GetAdmin(ctx context.Context) (model.Admin, bool) {
	a, ok := ctx.Value(adminKey).(model.Admin)
	return a, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
