// Package auth authenticates console admins: password login, access tokens, and the
// credential re-check that gates privileged bulk operations.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/audit"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

// Auditor receives audit events
type Auditor interface {
	Record(ctx context.Context, e model.AuditEvent)
}

// Session is the result of a successful login
type Session struct {
	Admin     model.Admin
	Token     string
	ExpiresAt time.Time
}

// AuthService orchestrates admin authentication
type AuthService struct {
	admins repo.AdminRepo
	jwt    *JWTService
	hasher *Hasher
	audit  Auditor
	log    *slog.Logger
}

// NewAuthService creates a new auth service. auditor and log may be nil.
func NewAuthService(admins repo.AdminRepo, jwtService *JWTService, hasher *Hasher, auditor Auditor, log *slog.Logger) *AuthService {
	if auditor == nil {
		auditor = (*audit.Recorder)(nil)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &AuthService{admins: admins, jwt: jwtService, hasher: hasher, audit: auditor, log: log}
}

// Login checks email and password and issues an access token. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		ve := &apperr.ValidationError{}
		if email == "" {
			ve.Add("email", "required")
		}
		if password == "" {
			ve.Add("password", "required")
		}
		return Session{}, ve
	}

	admin, err := s.admins.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Session{}, fmt.Errorf("load admin: %w", err)
	}
	ok := false
	if err == nil {
		ok, err = s.hasher.Matches(admin.PasswordHash, password)
		if err != nil {
			return Session{}, err
		}
	}
	if !ok {
		s.log.Warn("admin login failed", "email", logging.MaskEmail(email))
		s.audit.Record(ctx, model.AuditEvent{
			Actor:   audit.SystemActor,
			Action:  audit.ActionAdminLoginFailed,
			Outcome: "invalid credentials",
			Notes:   logging.MaskEmail(email),
		})
		return Session{}, fmt.Errorf("invalid email or password: %w", apperr.ErrUnauthorized)
	}

	token, expires, err := s.jwt.SignAdminToken(admin.ID, admin.Email)
	if err != nil {
		return Session{}, err
	}
	s.audit.Record(ctx, model.AuditEvent{
		Actor:     admin.ID.String(),
		Action:    audit.ActionAdminLogin,
		TargetIDs: []string{admin.ID.String()},
		Outcome:   "ok",
	})
	admin.PasswordHash = ""
	return Session{Admin: admin, Token: token, ExpiresAt: expires}, nil
}

// Bootstrap creates the first admin unless one with that email already exists
func (s *AuthService) Bootstrap(ctx context.Context, email, name, password string) (model.Admin, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return model.Admin{}, err
	}
	admin, err := s.admins.CreateIfMissing(ctx, model.Admin{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         name,
		PasswordHash: hash,
	})
	if err != nil {
		return model.Admin{}, fmt.Errorf("bootstrap admin: %w", err)
	}
	s.log.Info("admin bootstrap checked", "admin_id", admin.ID, "email", logging.MaskEmail(admin.Email))
	return admin, nil
}
