package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

// DriverRepo defines the interface for driver repository operations
type DriverRepo interface {
	Create(ctx context.Context, d model.Driver) (model.Driver, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Driver, error)
	List(ctx context.Context, c model.DriverCriteria) ([]model.Driver, error)
	Count(ctx context.Context) (int, error)
	// Update persists d if its Version still matches the stored row and returns the new version.
	Update(ctx context.Context, d model.Driver) (model.Driver, error)
}

const driverColumns = `
	id, name, phone, email, status, verification_status, kyc_status, onboarding_state,
	sms_verified_at, email_verified_at, date_of_birth, license_number, license_issued_at,
	license_expires_at, address_street, address_city, address_state, address_postal_code,
	version, registered_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation
const uniqueViolation = "23505"

type driverRepo struct {
	db *sql.DB
}

// NewDriverRepo creates a new Postgres-backed DriverRepo
func NewDriverRepo(db *sql.DB) DriverRepo {
	return &driverRepo{db: db}
}

// Create inserts a new driver. Duplicate phone or email is reported as a field validation error.
func (r *driverRepo) Create(ctx context.Context, d model.Driver) (model.Driver, error) {
	if d.Version == 0 {
		d.Version = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drivers (`+driverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, driverArgs(d)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			switch pqErr.Constraint {
			case "drivers_phone_key":
				return model.Driver{}, apperr.NewValidationError("phone", "already registered")
			case "drivers_email_key":
				return model.Driver{}, apperr.NewValidationError("email", "already registered")
			}
			return model.Driver{}, fmt.Errorf("insert driver: %w", apperr.ErrConflict)
		}
		return model.Driver{}, fmt.Errorf("insert driver: %w", err)
	}
	return d, nil
}

// GetByID retrieves a driver with its documents
func (r *driverRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Driver, error) {
	d, err := scanDriver(r.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Driver{}, fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
		}
		return model.Driver{}, fmt.Errorf("query driver: %w", err)
	}
	docs, err := r.loadDocuments(ctx, []uuid.UUID{id})
	if err != nil {
		return model.Driver{}, err
	}
	d.Documents = docs[id]
	return d, nil
}

// List returns drivers matching c, newest registration first
func (r *driverRepo) List(ctx context.Context, c model.DriverCriteria) ([]model.Driver, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if c.Status != "" {
		where = append(where, "status = "+arg(string(c.Status)))
	}
	if c.VerificationStatus != "" {
		where = append(where, "verification_status = "+arg(string(c.VerificationStatus)))
	}
	if c.RegisteredSince != nil {
		where = append(where, "registered_at >= "+arg(*c.RegisteredSince))
	}
	if s := strings.TrimSpace(c.Search); s != "" {
		p := arg("%" + escapeLike(s) + "%")
		where = append(where, fmt.Sprintf("(name ILIKE %[1]s OR email ILIKE %[1]s OR phone ILIKE %[1]s)", p))
	}

	query := `SELECT ` + driverColumns + ` FROM drivers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY registered_at DESC, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()

	var drivers []model.Driver
	var ids []uuid.UUID
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		drivers = append(drivers, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drivers: %w", err)
	}

	if len(ids) > 0 {
		docs, err := r.loadDocuments(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range drivers {
			drivers[i].Documents = docs[drivers[i].ID]
		}
	}
	return drivers, nil
}

// Count returns the number of drivers regardless of filters
func (r *driverRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drivers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count drivers: %w", err)
	}
	return n, nil
}

// Update writes every mutable field and upserts documents, guarded by the version column.
func (r *driverRepo) Update(ctx context.Context, d model.Driver) (model.Driver, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Driver{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var newVersion int64
	err = tx.QueryRowContext(ctx, `
		UPDATE drivers SET
			name = $3, phone = $4, email = $5, status = $6, verification_status = $7,
			kyc_status = $8, onboarding_state = $9, sms_verified_at = $10, email_verified_at = $11,
			date_of_birth = $12, license_number = $13, license_issued_at = $14, license_expires_at = $15,
			address_street = $16, address_city = $17, address_state = $18, address_postal_code = $19,
			updated_at = $20, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		d.ID, d.Version, d.Name, d.Phone, d.Email, string(d.Status), string(d.VerificationStatus),
		string(d.KycStatus), string(d.OnboardingState), nullTime(d.SmsVerifiedAt), nullTime(d.EmailVerifiedAt),
		nullTime(d.DateOfBirth), d.LicenseNumber, nullTime(d.LicenseIssuedAt), nullTime(d.LicenseExpiresAt),
		d.Address.Street, d.Address.City, d.Address.State, d.Address.PostalCode, d.UpdatedAt,
	).Scan(&newVersion)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Driver{}, fmt.Errorf("update driver: %w", err)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM drivers WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return model.Driver{}, fmt.Errorf("check driver: %w", err)
		}
		if !exists {
			return model.Driver{}, fmt.Errorf("driver %s: %w", d.ID, apperr.ErrNotFound)
		}
		return model.Driver{}, fmt.Errorf("driver %s modified concurrently: %w", d.ID, apperr.ErrConflict)
	}

	for _, doc := range d.Documents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO driver_documents (driver_id, kind, ref, uploaded_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (driver_id, kind) DO UPDATE SET ref = EXCLUDED.ref, uploaded_at = EXCLUDED.uploaded_at
		`, d.ID, string(doc.Kind), doc.Ref, doc.UploadedAt); err != nil {
			return model.Driver{}, fmt.Errorf("upsert document %s: %w", doc.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Driver{}, fmt.Errorf("commit: %w", err)
	}
	d.Version = newVersion
	return d, nil
}

func (r *driverRepo) loadDocuments(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]model.DocumentRef, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT driver_id, kind, ref, uploaded_at
		FROM driver_documents
		WHERE driver_id = ANY($1::uuid[])
		ORDER BY driver_id, kind
	`, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.DocumentRef)
	for rows.Next() {
		var driverID uuid.UUID
		var kind string
		var doc model.DocumentRef
		if err := rows.Scan(&driverID, &kind, &doc.Ref, &doc.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Kind = model.DocumentKind(kind)
		out[driverID] = append(out[driverID], doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (model.Driver, error) {
	var d model.Driver
	var status, verification, kyc, state string
	var smsAt, emailAt, dob, issued, expires sql.NullTime
	err := row.Scan(
		&d.ID, &d.Name, &d.Phone, &d.Email, &status, &verification, &kyc, &state,
		&smsAt, &emailAt, &dob, &d.LicenseNumber, &issued,
		&expires, &d.Address.Street, &d.Address.City, &d.Address.State, &d.Address.PostalCode,
		&d.Version, &d.RegisteredAt, &d.UpdatedAt,
	)
	if err != nil {
		return model.Driver{}, err
	}
	d.Status = model.DriverStatus(status)
	d.VerificationStatus = model.VerificationStatus(verification)
	d.KycStatus = model.KycStatus(kyc)
	d.OnboardingState = model.OnboardingState(state)
	d.SmsVerifiedAt = timePtr(smsAt)
	d.EmailVerifiedAt = timePtr(emailAt)
	d.DateOfBirth = timePtr(dob)
	d.LicenseIssuedAt = timePtr(issued)
	d.LicenseExpiresAt = timePtr(expires)
	return d, nil
}

func driverArgs(d model.Driver) []any {
	return []any{
		d.ID, d.Name, d.Phone, d.Email, string(d.Status), string(d.VerificationStatus),
		string(d.KycStatus), string(d.OnboardingState), nullTime(d.SmsVerifiedAt), nullTime(d.EmailVerifiedAt),
		nullTime(d.DateOfBirth), d.LicenseNumber, nullTime(d.LicenseIssuedAt), nullTime(d.LicenseExpiresAt),
		d.Address.Street, d.Address.City, d.Address.State, d.Address.PostalCode,
		d.Version, d.RegisteredAt, d.UpdatedAt,
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// escapeLike escapes LIKE metacharacters using Postgres' default backslash escape
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
