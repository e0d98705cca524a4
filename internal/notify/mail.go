package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/driverdesk/server/internal/model"
)

const emailSubject = "Your DriverDesk verification code"

// SMTPConfig holds the mail relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPMailer sends codes by email through an SMTP relay
type SMTPMailer struct {
	client mailSender
	from   string
}

// NewSMTPMailer creates a mailer. STARTTLS is required unless the relay is unauthenticated.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
			mail.WithTLSPolicy(mail.TLSMandatory),
		)
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: cfg.From}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, channel model.Channel, destination, code string) error {
	if channel != model.ChannelEmail {
		return fmt.Errorf("smtp mailer cannot deliver over %q", channel)
	}
	msg, err := m.message(destination, code)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send otp email: %w", err)
	}
	return nil
}

func (m *SMTPMailer) message(to, code string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(emailSubject)
	msg.SetBodyString(mail.TypeTextPlain, messageBody(code))
	return msg, nil
}
