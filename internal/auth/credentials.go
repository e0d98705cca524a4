package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/repo"
)

// Hasher hashes and verifies admin passwords with bcrypt
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher with the given bcrypt cost, clamped to bcrypt's range
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash returns the bcrypt hash of password
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", apperr.NewValidationError("password", "required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", apperr.NewValidationError("password", "too long")
		}
		return "", fmt.Errorf("could not hash password: %w", err)
	}
	return string(b), nil
}

// Matches reports whether password matches hash. A malformed hash is an error.
func (h *Hasher) Matches(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	}
	return false, fmt.Errorf("could not verify password: %w", err)
}

// CredentialChecker re-checks an admin's password before privileged bulk operations
type CredentialChecker struct {
	admins repo.AdminRepo
	hasher *Hasher
}

func NewCredentialChecker(admins repo.AdminRepo, hasher *Hasher) *CredentialChecker {
	return &CredentialChecker{admins: admins, hasher: hasher}
}

// CheckAdminPassword returns false for an unknown admin or a wrong password; errors mean the
// check itself could not run.
func (c *CredentialChecker) CheckAdminPassword(ctx context.Context, adminID uuid.UUID, password string) (bool, error) {
	if password == "" {
		return false, nil
	}
	admin, err := c.admins.GetByID(ctx, adminID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load admin: %w", err)
	}
	return c.hasher.Matches(admin.PasswordHash, password)
}
