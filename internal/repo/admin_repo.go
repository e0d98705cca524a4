package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

// AdminRepo defines the interface for admin repository operations
type AdminRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Admin, error)
	GetByEmail(ctx context.Context, email string) (model.Admin, error)
	CreateIfMissing(ctx context.Context, admin model.Admin) (model.Admin, error)
}

type adminRepo struct {
	db *sql.DB
}

// NewAdminRepo creates a new Postgres-backed AdminRepo
func NewAdminRepo(db *sql.DB) AdminRepo {
	return &adminRepo{db: db}
}

// GetByID retrieves an admin by ID
func (r *adminRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Admin, error) {
	return r.getOne(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM admins
		WHERE id = $1
	`, id)
}

// GetByEmail retrieves an admin by email (case-insensitive)
func (r *adminRepo) GetByEmail(ctx context.Context, email string) (model.Admin, error) {
	return r.getOne(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM admins
		WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email)))
}

// CreateIfMissing inserts the admin unless one with the same email exists, then returns the stored row
func (r *adminRepo) CreateIfMissing(ctx context.Context, admin model.Admin) (model.Admin, error) {
	if admin.ID == uuid.Nil {
		admin.ID = uuid.New()
	}
	email := strings.ToLower(strings.TrimSpace(admin.Email))
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admins (id, email, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (email) DO NOTHING
	`, admin.ID, email, admin.Name, admin.PasswordHash)
	if err != nil {
		return model.Admin{}, fmt.Errorf("failed to insert admin: %w", err)
	}
	return r.GetByEmail(ctx, email)
}

func (r *adminRepo) getOne(ctx context.Context, query string, arg any) (model.Admin, error) {
	var admin model.Admin
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&admin.ID,
		&admin.Email,
		&admin.Name,
		&admin.PasswordHash,
		&admin.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Admin{}, fmt.Errorf("admin not found: %w", apperr.ErrNotFound)
		}
		return model.Admin{}, fmt.Errorf("failed to query admin: %w", err)
	}
	return admin, nil
}
