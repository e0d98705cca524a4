package onboarding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/otp"
)

// Issuer issues OTP challenges
type Issuer interface {
	Issue(ctx context.Context, driverID uuid.UUID, channel model.Channel) (otp.Challenge, error)
}

// Account is a newly created driver and the state of its contact challenges
type Account struct {
	Driver model.Driver
	// Challenges holds the issued challenges, plaintext codes included; never serialize them.
	Challenges map[model.Channel]otp.Challenge
	// IssueErrors holds per-channel issuance or dispatch failures
	IssueErrors map[model.Channel]error
}

// Dispatched reports whether the code for ch reached the transport
func (a Account) Dispatched(ch model.Channel) bool {
	c, ok := a.Challenges[ch]
	return ok && c.Dispatched
}

// Registrar creates driver accounts and starts contact verification
type Registrar struct {
	svc    *Service
	issuer Issuer
	log    *slog.Logger
}

// NewRegistrar creates a Registrar. log may be nil.
func NewRegistrar(svc *Service, issuer Issuer, log *slog.Logger) *Registrar {
	if log == nil {
		log = logging.Discard()
	}
	return &Registrar{svc: svc, issuer: issuer, log: log}
}

// CreateDriverAccount creates the driver and issues OTP challenges on both channels.
// Issuance failures are reported in the Account, never as an error: the driver exists and the
// admin can resend.
func (r *Registrar) CreateDriverAccount(ctx context.Context, in CreateDriverInput) (Account, error) {
	d, err := r.svc.CreateDriver(ctx, in)
	if err != nil {
		return Account{}, err
	}

	acct := Account{
		Driver:      d,
		Challenges:  make(map[model.Channel]otp.Challenge, len(model.Channels)),
		IssueErrors: make(map[model.Channel]error),
	}
	for _, ch := range model.Channels {
		c, err := r.issuer.Issue(ctx, d.ID, ch)
		if c.ID != uuid.Nil {
			acct.Challenges[ch] = c
		}
		if err != nil {
			acct.IssueErrors[ch] = err
			level := slog.LevelError
			if errors.Is(err, apperr.ErrCollaboratorUnavailable) {
				level = slog.LevelWarn
			}
			r.log.Log(ctx, level, "otp issue failed on account creation", "driver_id", d.ID, "channel", ch, "error", err)
		}
	}
	return acct, nil
}
