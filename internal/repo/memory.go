package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

// In-memory repositories back STORAGE=memory and the unit tests. They honour the same
// contracts as the Postgres repositories, including version checks and single-active challenges.

// MemoryDriverRepo is an in-process DriverRepo
type MemoryDriverRepo struct {
	mu      sync.RWMutex
	drivers map[uuid.UUID]model.Driver
}

// NewMemoryDriverRepo creates an empty MemoryDriverRepo
func NewMemoryDriverRepo() *MemoryDriverRepo {
	return &MemoryDriverRepo{drivers: make(map[uuid.UUID]model.Driver)}
}

func (r *MemoryDriverRepo) Create(_ context.Context, d model.Driver) (model.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[d.ID]; ok {
		return model.Driver{}, fmt.Errorf("insert driver: %w", apperr.ErrConflict)
	}
	for _, existing := range r.drivers {
		if existing.Phone == d.Phone {
			return model.Driver{}, apperr.NewValidationError("phone", "already registered")
		}
		if existing.Email == d.Email {
			return model.Driver{}, apperr.NewValidationError("email", "already registered")
		}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	r.drivers[d.ID] = d.Clone()
	return d, nil
}

func (r *MemoryDriverRepo) GetByID(_ context.Context, id uuid.UUID) (model.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
	}
	return d.Clone(), nil
}

func (r *MemoryDriverRepo) List(_ context.Context, c model.DriverCriteria) ([]model.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Driver
	for _, d := range r.drivers {
		if MatchesCriteria(d, c) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.After(out[j].RegisteredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryDriverRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers), nil
}

func (r *MemoryDriverRepo) Update(_ context.Context, d model.Driver) (model.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.drivers[d.ID]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", d.ID, apperr.ErrNotFound)
	}
	if stored.Version != d.Version {
		return model.Driver{}, fmt.Errorf("driver %s modified concurrently: %w", d.ID, apperr.ErrConflict)
	}
	d.Documents = mergeDocuments(stored.Documents, d.Documents)
	d.Version++
	r.drivers[d.ID] = d.Clone()
	return d, nil
}

func mergeDocuments(stored, incoming []model.DocumentRef) []model.DocumentRef {
	byKind := make(map[model.DocumentKind]model.DocumentRef, len(stored)+len(incoming))
	for _, doc := range stored {
		byKind[doc.Kind] = doc
	}
	for _, doc := range incoming {
		byKind[doc.Kind] = doc
	}
	if len(byKind) == 0 {
		return nil
	}
	out := make([]model.DocumentRef, 0, len(byKind))
	for _, doc := range byKind {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// MatchesCriteria applies c to d with the same semantics as the SQL query
func MatchesCriteria(d model.Driver, c model.DriverCriteria) bool {
	if c.Status != "" && d.Status != c.Status {
		return false
	}
	if c.VerificationStatus != "" && d.VerificationStatus != c.VerificationStatus {
		return false
	}
	if c.RegisteredSince != nil && d.RegisteredAt.Before(*c.RegisteredSince) {
		return false
	}
	if s := strings.ToLower(strings.TrimSpace(c.Search)); s != "" {
		if !strings.Contains(strings.ToLower(d.Name), s) &&
			!strings.Contains(strings.ToLower(d.Email), s) &&
			!strings.Contains(strings.ToLower(d.Phone), s) {
			return false
		}
	}
	return true
}

// MemoryOtpRepo is an in-process OtpRepo that retains consumed challenges as history
type MemoryOtpRepo struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]model.OtpChallenge
}

// NewMemoryOtpRepo creates an empty MemoryOtpRepo
func NewMemoryOtpRepo() *MemoryOtpRepo {
	return &MemoryOtpRepo{challenges: make(map[uuid.UUID]model.OtpChallenge)}
}

func (r *MemoryOtpRepo) CreateOrReplace(_ context.Context, c model.OtpChallenge) (model.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.challenges {
		if existing.DriverID == c.DriverID && existing.Channel == c.Channel && existing.ConsumedAt == nil {
			at := c.IssuedAt
			existing.ConsumedAt = &at
			r.challenges[id] = existing
		}
	}
	c.ConsumedAt = nil
	c.AttemptCount = 0
	r.challenges[c.ID] = c
	return c, nil
}

func (r *MemoryOtpRepo) GetActive(_ context.Context, driverID uuid.UUID, channel model.Channel) (model.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *model.OtpChallenge
	for _, c := range r.challenges {
		if c.DriverID != driverID || c.Channel != channel || c.ConsumedAt != nil {
			continue
		}
		if found == nil || c.IssuedAt.After(found.IssuedAt) {
			c := c
			found = &c
		}
	}
	if found == nil {
		return model.OtpChallenge{}, fmt.Errorf("no active challenge: %w", apperr.ErrNotFound)
	}
	return *found, nil
}

func (r *MemoryOtpRepo) Consume(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok || c.ConsumedAt != nil {
		return fmt.Errorf("challenge %s already consumed: %w", id, apperr.ErrConflict)
	}
	c.ConsumedAt = &at
	r.challenges[id] = c
	return nil
}

func (r *MemoryOtpRepo) IncrementAttempt(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok || c.ConsumedAt != nil {
		return 0, fmt.Errorf("challenge %s no longer active: %w", id, apperr.ErrConflict)
	}
	c.AttemptCount++
	r.challenges[id] = c
	return c.AttemptCount, nil
}

// ActiveCount returns how many unconsumed challenges exist for the pair
func (r *MemoryOtpRepo) ActiveCount(driverID uuid.UUID, channel model.Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.challenges {
		if c.DriverID == driverID && c.Channel == channel && c.ConsumedAt == nil {
			n++
		}
	}
	return n
}

// MemoryAdminRepo is an in-process AdminRepo
type MemoryAdminRepo struct {
	mu     sync.RWMutex
	admins map[uuid.UUID]model.Admin
}

// NewMemoryAdminRepo creates an empty MemoryAdminRepo
func NewMemoryAdminRepo() *MemoryAdminRepo {
	return &MemoryAdminRepo{admins: make(map[uuid.UUID]model.Admin)}
}

func (r *MemoryAdminRepo) GetByID(_ context.Context, id uuid.UUID) (model.Admin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.admins[id]
	if !ok {
		return model.Admin{}, fmt.Errorf("admin not found: %w", apperr.ErrNotFound)
	}
	return a, nil
}

func (r *MemoryAdminRepo) GetByEmail(_ context.Context, email string) (model.Admin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range r.admins {
		if a.Email == email {
			return a, nil
		}
	}
	return model.Admin{}, fmt.Errorf("admin not found: %w", apperr.ErrNotFound)
}

func (r *MemoryAdminRepo) CreateIfMissing(ctx context.Context, admin model.Admin) (model.Admin, error) {
	if existing, err := r.GetByEmail(ctx, admin.Email); err == nil {
		return existing, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if admin.ID == uuid.Nil {
		admin.ID = uuid.New()
	}
	admin.Email = strings.ToLower(strings.TrimSpace(admin.Email))
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = time.Now().UTC()
	}
	r.admins[admin.ID] = admin
	return admin, nil
}

// MemoryAuditRepo is an in-process AuditRepo
type MemoryAuditRepo struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

// NewMemoryAuditRepo creates an empty MemoryAuditRepo
func NewMemoryAuditRepo() *MemoryAuditRepo {
	return &MemoryAuditRepo{}
}

func (r *MemoryAuditRepo) Insert(_ context.Context, e model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryAuditRepo) ListByTarget(_ context.Context, targetID string, limit int) ([]model.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.AuditEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		for _, t := range r.events[i].TargetIDs {
			if t == targetID {
				out = append(out, r.events[i])
				break
			}
		}
	}
	return out, nil
}
