package notify

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/driverdesk/server/internal/model"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSMS sends codes as SMS through the Twilio messages API
type TwilioSMS struct {
	api  messageCreator
	from string
}

// NewTwilioSMS creates an SMS sender for the given account
func NewTwilioSMS(accountSID, authToken, from string) *TwilioSMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSMS{api: client.Api, from: from}
}

func (t *TwilioSMS) Send(ctx context.Context, channel model.Channel, destination, code string) error {
	if channel != model.ChannelSMS {
		return fmt.Errorf("twilio sms cannot deliver over %q", channel)
	}
	// the Twilio client does not take a context; don't start a send we can't wait for
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(destination)
	params.SetBody(messageBody(code))

	if _, err := t.api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}
	return nil
}
