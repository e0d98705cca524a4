package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

// OtpRepo defines the interface for OTP challenge repository operations
type OtpRepo interface {
	CreateOrReplace(ctx context.Context, c model.OtpChallenge) (model.OtpChallenge, error)
	GetActive(ctx context.Context, driverID uuid.UUID, channel model.Channel) (model.OtpChallenge, error)
	Consume(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error)
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a new Postgres-backed OtpRepo
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// CreateOrReplace keeps at most one unconsumed challenge per (driver, channel): it burns any existing
// one and inserts c in the same transaction, serialised per key with an advisory lock.
func (r *otpRepo) CreateOrReplace(ctx context.Context, c model.OtpChallenge) (model.OtpChallenge, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	lockKey := c.DriverID.String() + ":" + string(c.Channel)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, lockKey); err != nil {
		return model.OtpChallenge{}, fmt.Errorf("advisory lock: %w", err)
	}

	// Expired rows still count against the partial unique index, so burn them too.
	if _, err := tx.ExecContext(ctx, `
		UPDATE otp_challenges
		SET consumed_at = $3
		WHERE driver_id = $1 AND channel = $2 AND consumed_at IS NULL
	`, c.DriverID, string(c.Channel), c.IssuedAt); err != nil {
		return model.OtpChallenge{}, fmt.Errorf("invalidate active challenge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO otp_challenges (id, driver_id, channel, code_hash, issued_at, expires_at, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
	`, c.ID, c.DriverID, string(c.Channel), hex.EncodeToString(c.CodeHash), c.IssuedAt, c.ExpiresAt); err != nil {
		return model.OtpChallenge{}, fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.OtpChallenge{}, fmt.Errorf("commit: %w", err)
	}
	c.ConsumedAt = nil
	c.AttemptCount = 0
	return c, nil
}

// GetActive returns the unconsumed challenge for the pair, expired or not; callers decide on expiry.
func (r *otpRepo) GetActive(ctx context.Context, driverID uuid.UUID, channel model.Channel) (model.OtpChallenge, error) {
	var c model.OtpChallenge
	var ch, hashHex string
	var consumedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, driver_id, channel, code_hash, issued_at, expires_at, consumed_at, attempt_count
		FROM otp_challenges
		WHERE driver_id = $1 AND channel = $2 AND consumed_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1
	`, driverID, string(channel)).Scan(
		&c.ID,
		&c.DriverID,
		&ch,
		&hashHex,
		&c.IssuedAt,
		&c.ExpiresAt,
		&consumedAt,
		&c.AttemptCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpChallenge{}, fmt.Errorf("no active challenge: %w", apperr.ErrNotFound)
		}
		return model.OtpChallenge{}, fmt.Errorf("query challenge: %w", err)
	}
	c.Channel = model.Channel(ch)
	if consumedAt.Valid {
		c.ConsumedAt = &consumedAt.Time
	}
	c.CodeHash, err = hex.DecodeString(hashHex)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("decode code_hash: %w", err)
	}
	return c, nil
}

// Consume marks the challenge consumed only if nobody else did first.
func (r *otpRepo) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_challenges SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("challenge %s already consumed: %w", id, apperr.ErrConflict)
	}
	return nil
}

// IncrementAttempt bumps attempt_count on a live challenge and returns the new count.
func (r *otpRepo) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_challenges
		SET attempt_count = attempt_count + 1
		WHERE id = $1 AND consumed_at IS NULL
		RETURNING attempt_count
	`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("challenge %s no longer active: %w", id, apperr.ErrConflict)
		}
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return n, nil
}
