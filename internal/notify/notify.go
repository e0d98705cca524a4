// Package notify delivers OTP codes over SMS and email.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
)

// Sender delivers a code to one destination
type Sender interface {
	Send(ctx context.Context, channel model.Channel, destination, code string) error
}

// Router picks the sender for a channel
type Router struct {
	SMS   Sender
	Email Sender
}

func (r Router) Send(ctx context.Context, channel model.Channel, destination, code string) error {
	var s Sender
	switch channel {
	case model.ChannelSMS:
		s = r.SMS
	case model.ChannelEmail:
		s = r.Email
	}
	if s == nil {
		return fmt.Errorf("no transport configured for channel %q", channel)
	}
	return s.Send(ctx, channel, destination, code)
}

// LogNotifier writes deliveries to the log instead of sending them. The code itself is
// only logged in dev mode.
type LogNotifier struct {
	log     *slog.Logger
	devMode bool
}

func NewLogNotifier(log *slog.Logger, devMode bool) *LogNotifier {
	if log == nil {
		log = logging.Discard()
	}
	return &LogNotifier{log: log, devMode: devMode}
}

func (n *LogNotifier) Send(_ context.Context, channel model.Channel, destination, code string) error {
	attrs := []any{
		"channel", channel,
		"destination", logging.MaskDestination(destination),
	}
	if n.devMode {
		attrs = append(attrs, "code", code)
	}
	n.log.Info("otp delivery (log transport)", attrs...)
	return nil
}

func messageBody(code string) string {
	return fmt.Sprintf("Your DriverDesk verification code is %s. It expires in 5 minutes.", code)
}
