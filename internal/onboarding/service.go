// Package onboarding drives a driver from account creation through contact verification to
// completed KYC.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/audit"
	"github.com/driverdesk/server/internal/docstore"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/metrics"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

// conflictRetries bounds re-reads when two channel proofs for one driver land at once
const conflictRetries = 3

// Auditor receives audit events
type Auditor interface {
	Record(ctx context.Context, e model.AuditEvent)
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service owns the onboarding state of drivers
type Service struct {
	drivers repo.DriverRepo
	docs    docstore.Store
	audit   Auditor

	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates a new onboarding service
func NewService(drivers repo.DriverRepo, docs docstore.Store, auditor Auditor, opts ...Option) *Service {
	if auditor == nil {
		auditor = (*audit.Recorder)(nil)
	}
	s := &Service{
		drivers: drivers,
		docs:    docs,
		audit:   auditor,
		now:     time.Now,
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns one driver
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Driver, error) {
	return s.drivers.GetByID(ctx, id)
}

// CreateDriver validates in and stores a new driver that has already moved from created to
// contact_pending. It does not issue OTPs; see Registrar.
func (s *Service) CreateDriver(ctx context.Context, in CreateDriverInput) (model.Driver, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return model.Driver{}, err
	}

	now := s.now().UTC()
	d := model.Driver{
		ID:                 uuid.New(),
		Name:               in.Name,
		Phone:              in.Phone,
		Email:              in.Email,
		Status:             in.Status,
		VerificationStatus: model.VerificationPending,
		KycStatus:          model.KycPending,
		OnboardingState:    model.StateCreated,
		RegisteredAt:       now,
		UpdatedAt:          now,
	}
	d, err := Apply(d, AccountCreated(), now)
	if err != nil {
		return model.Driver{}, err
	}

	d, err = s.drivers.Create(ctx, d)
	if err != nil {
		return model.Driver{}, fmt.Errorf("create driver: %w", err)
	}

	s.metrics.IncDriversCreated()
	s.audit.Record(ctx, model.AuditEvent{
		Action:    audit.ActionDriverCreated,
		TargetIDs: []string{d.ID.String()},
		Outcome:   string(d.Status),
	})
	s.log.Info("driver created", "driver_id", d.ID, "phone", logging.MaskPhone(d.Phone), "email", logging.MaskEmail(d.Email))
	return d, nil
}

// MarkChannelVerified records that the driver proved control of channel. The driver reaches
// contact_verified once both channels are proven. Proving an already proven channel is a no-op.
func (s *Service) MarkChannelVerified(ctx context.Context, driverID uuid.UUID, channel model.Channel) error {
	for attempt := 1; ; attempt++ {
		d, err := s.drivers.GetByID(ctx, driverID)
		if err != nil {
			return fmt.Errorf("load driver: %w", err)
		}
		if d.ChannelVerified(channel) {
			return nil
		}

		next, err := Apply(d, ChannelVerified(channel), s.now().UTC())
		if err != nil {
			return err
		}

		saved, err := s.drivers.Update(ctx, next)
		if errors.Is(err, apperr.ErrConflict) && attempt < conflictRetries {
			// the other channel was proven concurrently; re-evaluate on fresh state
			continue
		}
		if err != nil {
			return fmt.Errorf("save driver: %w", err)
		}

		s.audit.Record(ctx, model.AuditEvent{
			Action:    audit.ActionDriverChannelVerified,
			TargetIDs: []string{driverID.String()},
			Outcome:   string(saved.OnboardingState),
			Notes:     string(channel),
		})
		s.log.Info("driver channel verified", "driver_id", driverID, "channel", channel, "state", saved.OnboardingState)
		return nil
	}
}

// CompleteKyc accepts KYC details and documents for a contact-verified driver. Every invalid field
// is reported in one *apperr.ValidationError.
func (s *Service) CompleteKyc(ctx context.Context, driverID uuid.UUID, in KycInput, docs []docstore.File) (model.Driver, error) {
	d, err := s.drivers.GetByID(ctx, driverID)
	if err != nil {
		return model.Driver{}, fmt.Errorf("load driver: %w", err)
	}
	if d.OnboardingState != model.StateContactVerified {
		return model.Driver{}, fmt.Errorf("kyc requires verified contact details, driver is %s: %w", d.OnboardingState, apperr.ErrInvalidState)
	}

	now := s.now().UTC()
	if err := in.Validate(now, docs); err != nil {
		return model.Driver{}, err
	}

	refs := make([]model.DocumentRef, 0, len(docs))
	for _, doc := range docs {
		doc.DriverID = driverID
		ref, err := s.docs.Put(ctx, doc)
		if err != nil {
			s.discardDocuments(ctx, driverID, refs)
			return model.Driver{}, fmt.Errorf("store %s document: %v: %w", doc.Kind, err, apperr.ErrCollaboratorUnavailable)
		}
		refs = append(refs, model.DocumentRef{Kind: doc.Kind, Ref: ref, UploadedAt: now})
	}

	next, err := Apply(d, KycSubmitted(), now)
	if err != nil {
		s.discardDocuments(ctx, driverID, refs)
		return model.Driver{}, err
	}
	dob, issued, expires := dateOf(in.DateOfBirth), dateOf(in.LicenseIssuedAt), dateOf(in.LicenseExpiresAt)
	next.DateOfBirth = &dob
	next.LicenseNumber = normalizeLicense(in.LicenseNumber)
	next.LicenseIssuedAt = &issued
	next.LicenseExpiresAt = &expires
	next.Address = model.Address{
		Street:     trim(in.Address.Street),
		City:       trim(in.Address.City),
		State:      trim(in.Address.State),
		PostalCode: trim(in.Address.PostalCode),
	}
	next.Documents = refs

	saved, err := s.drivers.Update(ctx, next)
	if err != nil {
		s.discardDocuments(ctx, driverID, refs)
		return model.Driver{}, fmt.Errorf("save driver: %w", err)
	}

	s.metrics.IncKycCompleted()
	s.audit.Record(ctx, model.AuditEvent{
		Action:    audit.ActionDriverKycCompleted,
		TargetIDs: []string{driverID.String()},
		Outcome:   string(saved.KycStatus),
		Notes:     fmt.Sprintf("%d document(s)", len(refs)),
	})
	s.log.Info("driver kyc completed", "driver_id", driverID, "documents", len(refs))
	return saved, nil
}

// discardDocuments removes documents stored for a KYC submission that was not saved. Refs that
// cannot be removed are logged so they can be cleaned up by hand.
func (s *Service) discardDocuments(ctx context.Context, driverID uuid.UUID, refs []model.DocumentRef) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, r := range refs {
		if err := s.docs.Delete(ctx, r.Ref); err != nil {
			s.log.Warn("orphaned kyc document", "driver_id", driverID, "kind", r.Kind, "ref", r.Ref, "error", err)
		}
	}
}
