// Package otp issues and validates one-time codes that prove control of a driver's phone or email.
package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/metrics"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

const (
	// TTL is how long an issued code stays valid
	TTL = 5 * time.Minute

	defaultMaxAttempts     = 5
	defaultDispatchTries   = 3
	defaultDispatchBackoff = 200 * time.Millisecond
)

var tracer = otel.Tracer("github.com/driverdesk/server/internal/otp")

// Outcome is the result of validating a submitted code
type Outcome string

const (
	Success           Outcome = "success"
	Expired           Outcome = "expired"
	Mismatch          Outcome = "mismatch"
	NoActiveChallenge Outcome = "no_active_challenge"
	// Locked means the challenge was burned after too many mismatches
	Locked Outcome = "locked"
)

// Notifier delivers a code to a destination over a channel
type Notifier interface {
	Send(ctx context.Context, channel model.Channel, destination, code string) error
}

// ChannelVerifier records that a driver proved control of a channel
type ChannelVerifier interface {
	MarkChannelVerified(ctx context.Context, driverID uuid.UUID, channel model.Channel) error
}

// DriverReader loads drivers to find OTP destinations
type DriverReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Driver, error)
}

// Challenge is an issued challenge plus the plaintext code, which lives only in memory.
type Challenge struct {
	model.OtpChallenge
	Code        string
	Destination string
	Dispatched  bool
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxAttempts sets how many mismatches burn a challenge
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithDispatchRetry sets the number of dispatch attempts and the initial backoff between them
func WithDispatchRetry(attempts int, base time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.dispatchTries = attempts
		}
		if base > 0 {
			s.dispatchBackoff = base
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDevMode logs plaintext codes on dispatch failure so local setups stay usable
func WithDevMode(dev bool) Option {
	return func(s *Service) { s.devMode = dev }
}

// Service issues and validates OTP challenges
type Service struct {
	repo     repo.OtpRepo
	drivers  DriverReader
	notifier Notifier
	verifier ChannelVerifier
	salt     string

	now             func() time.Time
	maxAttempts     int
	dispatchTries   int
	dispatchBackoff time.Duration
	log             *slog.Logger
	metrics         *metrics.Metrics
	devMode         bool

	// undelivered holds plaintext codes whose dispatch failed, keyed by challenge id,
	// so an admin can retry delivery without re-issuing. Never persisted.
	mu          sync.Mutex
	undelivered map[uuid.UUID]Challenge
}

// NewService creates a new OTP service
func NewService(otpRepo repo.OtpRepo, drivers DriverReader, notifier Notifier, verifier ChannelVerifier, salt string, opts ...Option) *Service {
	s := &Service{
		repo:            otpRepo,
		drivers:         drivers,
		notifier:        notifier,
		verifier:        verifier,
		salt:            salt,
		now:             time.Now,
		maxAttempts:     defaultMaxAttempts,
		dispatchTries:   defaultDispatchTries,
		dispatchBackoff: defaultDispatchBackoff,
		log:             logging.Discard(),
		undelivered:     make(map[uuid.UUID]Challenge),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a fresh challenge for (driverID, channel), replacing any active one, and dispatches it.
// When dispatch fails the challenge is still returned, valid, together with an error wrapping
// apperr.ErrCollaboratorUnavailable.
func (s *Service) Issue(ctx context.Context, driverID uuid.UUID, channel model.Channel) (Challenge, error) {
	ctx, span := tracer.Start(ctx, "otp.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("driver.id", driverID.String()), attribute.String("otp.channel", string(channel)))

	if !channel.Valid() {
		return Challenge{}, apperr.NewValidationError("channel", "must be sms or email")
	}

	driver, err := s.drivers.GetByID(ctx, driverID)
	if err != nil {
		return Challenge{}, fmt.Errorf("load driver: %w", err)
	}
	if driver.ChannelVerified(channel) {
		return Challenge{}, fmt.Errorf("%s already verified: %w", channel, apperr.ErrInvalidState)
	}
	destination := driver.ContactTarget(channel)
	if destination == "" {
		return Challenge{}, apperr.NewValidationError(string(channel), "no destination on file")
	}

	code, err := GenerateCode()
	if err != nil {
		return Challenge{}, err
	}

	now := s.now().UTC()
	stored, err := s.repo.CreateOrReplace(ctx, model.OtpChallenge{
		ID:        uuid.New(),
		DriverID:  driverID,
		Channel:   channel,
		CodeHash:  hashCode(driverID, channel, code, s.salt),
		IssuedAt:  now,
		ExpiresAt: now.Add(TTL),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store challenge")
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	s.forgetPair(driverID, channel)
	s.metrics.IncOtpIssued(string(channel))

	ch := Challenge{OtpChallenge: stored, Code: code, Destination: destination}
	if err := s.dispatch(ctx, ch); err != nil {
		span.RecordError(err)
		s.remember(ch)
		return ch, err
	}
	ch.Dispatched = true

	s.log.Info("otp issued",
		"driver_id", driverID,
		"channel", channel,
		"destination", logging.MaskDestination(destination),
		"expires_at", stored.ExpiresAt,
	)
	return ch, nil
}

// Redispatch retries delivery of the active challenge whose earlier dispatch failed.
// It returns apperr.ErrNotFound when there is nothing undelivered for the pair.
func (s *Service) Redispatch(ctx context.Context, driverID uuid.UUID, channel model.Channel) (Challenge, error) {
	ctx, span := tracer.Start(ctx, "otp.Redispatch")
	defer span.End()

	active, err := s.repo.GetActive(ctx, driverID, channel)
	if err != nil {
		return Challenge{}, fmt.Errorf("load challenge: %w", err)
	}
	if active.Expired(s.now()) {
		s.forget(active.ID)
		return Challenge{}, fmt.Errorf("challenge expired, issue a new one: %w", apperr.ErrNotFound)
	}

	s.mu.Lock()
	ch, ok := s.undelivered[active.ID]
	s.mu.Unlock()
	if !ok {
		return Challenge{}, fmt.Errorf("no undelivered code for %s: %w", channel, apperr.ErrNotFound)
	}

	if err := s.dispatch(ctx, ch); err != nil {
		span.RecordError(err)
		return ch, err
	}
	s.forget(ch.ID)
	ch.Dispatched = true
	return ch, nil
}

// Validate checks code against the active challenge for (driverID, channel). Only Success advances
// the driver's verification state; other outcomes are values, not errors.
func (s *Service) Validate(ctx context.Context, driverID uuid.UUID, channel model.Channel, code string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "otp.Validate")
	defer span.End()
	span.SetAttributes(attribute.String("driver.id", driverID.String()), attribute.String("otp.channel", string(channel)))

	outcome, err := s.validate(ctx, driverID, channel, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(attribute.String("otp.outcome", string(outcome)))
	s.metrics.IncOtpValidation(string(channel), string(outcome))
	s.log.Info("otp validated", "driver_id", driverID, "channel", channel, "outcome", outcome)
	return outcome, nil
}

func (s *Service) validate(ctx context.Context, driverID uuid.UUID, channel model.Channel, code string) (Outcome, error) {
	if !channel.Valid() {
		return "", apperr.NewValidationError("channel", "must be sms or email")
	}

	active, err := s.repo.GetActive(ctx, driverID, channel)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return NoActiveChallenge, nil
		}
		return "", fmt.Errorf("load challenge: %w", err)
	}

	now := s.now().UTC()
	if active.Expired(now) {
		if err := s.burn(ctx, active.ID, now); err != nil {
			return "", err
		}
		return Expired, nil
	}

	if !codeMatches(active, code, s.salt) {
		n, err := s.repo.IncrementAttempt(ctx, active.ID)
		if err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				// superseded or consumed while we were comparing
				return NoActiveChallenge, nil
			}
			return "", fmt.Errorf("record attempt: %w", err)
		}
		if n >= s.maxAttempts {
			if err := s.burn(ctx, active.ID, now); err != nil {
				return "", err
			}
			s.log.Warn("otp locked after repeated mismatches", "driver_id", driverID, "channel", channel, "attempts", n)
			return Locked, nil
		}
		return Mismatch, nil
	}

	if err := s.repo.Consume(ctx, active.ID, now); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return NoActiveChallenge, nil
		}
		return "", fmt.Errorf("consume challenge: %w", err)
	}
	s.forget(active.ID)

	// The challenge stays consumed even if the transition fails; the error is surfaced, not retried.
	if err := s.verifier.MarkChannelVerified(ctx, driverID, channel); err != nil {
		return Success, fmt.Errorf("advance verification state: %w", err)
	}
	return Success, nil
}

// burn consumes a dead challenge; losing the race to another consumer is fine.
func (s *Service) burn(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.forget(id)
	if err := s.repo.Consume(ctx, id, at); err != nil && !errors.Is(err, apperr.ErrConflict) {
		return fmt.Errorf("burn challenge: %w", err)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, ch Challenge) error {
	b := retry.WithMaxRetries(uint64(s.dispatchTries-1), retry.NewExponential(s.dispatchBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.notifier.Send(ctx, ch.Channel, ch.Destination, ch.Code); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	s.metrics.IncOtpDispatchFailure(string(ch.Channel))
	attrs := []any{
		"driver_id", ch.DriverID,
		"channel", ch.Channel,
		"destination", logging.MaskDestination(ch.Destination),
		"error", err,
	}
	if s.devMode {
		attrs = append(attrs, "code", ch.Code)
	}
	s.log.Warn("otp dispatch failed, challenge kept", attrs...)
	return fmt.Errorf("dispatch %s code: %v: %w", ch.Channel, err, apperr.ErrCollaboratorUnavailable)
}

func (s *Service) remember(ch Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, c := range s.undelivered {
		if c.Expired(now) {
			delete(s.undelivered, id)
		}
	}
	s.undelivered[ch.ID] = ch
}

func (s *Service) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.undelivered, id)
	s.mu.Unlock()
}

func (s *Service) forgetPair(driverID uuid.UUID, channel model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.undelivered {
		if c.DriverID == driverID && c.Channel == channel {
			delete(s.undelivered, id)
		}
	}
}
