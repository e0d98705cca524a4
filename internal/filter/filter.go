// Package filter turns a driver filter specification into the matching drivers.
package filter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

const maxSearchLength = 100

// Period bounds the registration date from below, relative to now
type Period string

const (
	PeriodToday   Period = "today"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
)

// Valid reports whether p is a known period
func (p Period) Valid() bool {
	switch p {
	case PeriodToday, PeriodWeek, PeriodMonth, PeriodQuarter:
		return true
	}
	return false
}

// Start returns the earliest registration time included by p. Calendar boundaries use now's location.
func (p Period) Start(now time.Time) time.Time {
	y, m, d := now.Date()
	switch p {
	case PeriodToday:
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	case PeriodQuarter:
		return now.AddDate(0, -3, 0)
	}
	return time.Time{}
}

// Spec narrows the driver set. Zero fields do not constrain; set fields combine with AND.
type Spec struct {
	Status             model.DriverStatus       `json:"status,omitempty"`
	VerificationStatus model.VerificationStatus `json:"verification_status,omitempty"`
	Period             Period                   `json:"period,omitempty"`
	Search             string                   `json:"search,omitempty"`
}

// Empty reports whether the spec matches every driver
func (s Spec) Empty() bool {
	return s.Status == "" && s.VerificationStatus == "" && s.Period == "" && strings.TrimSpace(s.Search) == ""
}

// Validate rejects unknown enum values
func (s Spec) Validate() error {
	verr := &apperr.ValidationError{}
	if s.Status != "" && !s.Status.Valid() {
		verr.Add("status", "must be one of active, inactive, suspended, blocked")
	}
	if s.VerificationStatus != "" && !s.VerificationStatus.Valid() {
		verr.Add("verification_status", "must be one of pending, verified, rejected, reviewing")
	}
	if s.Period != "" && !s.Period.Valid() {
		verr.Add("period", "must be one of today, week, month, quarter")
	}
	if len(s.Search) > maxSearchLength {
		verr.Add("search", "is too long")
	}
	return verr.OrNil()
}

// Criteria resolves the spec against now into a store query
func (s Spec) Criteria(now time.Time) model.DriverCriteria {
	c := model.DriverCriteria{
		Status:             s.Status,
		VerificationStatus: s.VerificationStatus,
		Search:             strings.TrimSpace(s.Search),
	}
	if s.Period != "" {
		start := s.Period.Start(now)
		c.RegisteredSince = &start
	}
	return c
}

// ParseSpec reads a Spec from query parameters status, verification_status, period and search
func ParseSpec(q url.Values) (Spec, error) {
	s := Spec{
		Status:             model.DriverStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		VerificationStatus: model.VerificationStatus(strings.ToLower(strings.TrimSpace(q.Get("verification_status")))),
		Period:             Period(strings.ToLower(strings.TrimSpace(q.Get("period")))),
		Search:             strings.TrimSpace(q.Get("search")),
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Store is the query side of the driver store
type Store interface {
	List(ctx context.Context, c model.DriverCriteria) ([]model.Driver, error)
	Count(ctx context.Context) (int, error)
}

// Result is a resolved filter
type Result struct {
	Drivers []model.Driver
	// Total counts every driver, ignoring the filter
	Total int
	// Filtered counts the drivers that matched
	Filtered int
}

// IDs returns the ids of the matched drivers in result order
func (r Result) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.Drivers))
	for i, d := range r.Drivers {
		ids[i] = d.ID
	}
	return ids
}

// Service resolves filter specifications. It never mutates anything.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a filter service. now may be nil.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Resolve returns the drivers matching spec, newest registration first, with the unfiltered total
func (s *Service) Resolve(ctx context.Context, spec Spec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	drivers, err := s.store.List(ctx, spec.Criteria(s.now()))
	if err != nil {
		return Result{}, fmt.Errorf("list drivers: %w", err)
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("count drivers: %w", err)
	}
	return Result{Drivers: drivers, Total: total, Filtered: len(drivers)}, nil
}

// ResolveIDs returns only the ids of the drivers matching spec
func (s *Service) ResolveIDs(ctx context.Context, spec Spec) ([]uuid.UUID, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	drivers, err := s.store.List(ctx, spec.Criteria(s.now()))
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	return Result{Drivers: drivers}.IDs(), nil
}
