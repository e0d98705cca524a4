package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/wneessen/go-mail"

	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
)

type recordingSender struct {
	got []string
}

func (r *recordingSender) Send(_ context.Context, ch model.Channel, dest, code string) error {
	r.got = append(r.got, string(ch)+"|"+dest+"|"+code)
	return nil
}

func TestRouter(t *testing.T) {
	sms, email := &recordingSender{}, &recordingSender{}
	r := Router{SMS: sms, Email: email}

	require.NoError(t, r.Send(context.Background(), model.ChannelSMS, "+2348000000001", "123456"))
	require.NoError(t, r.Send(context.Background(), model.ChannelEmail, "a@x.com", "654321"))
	assert.Equal(t, []string{"sms|+2348000000001|123456"}, sms.got)
	assert.Equal(t, []string{"email|a@x.com|654321"}, email.got)

	err := Router{SMS: sms}.Send(context.Background(), model.ChannelEmail, "a@x.com", "1")
	assert.ErrorContains(t, err, "no transport")
}

func TestLogNotifier_masksAndHidesCode(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.NewWithWriter(&buf, "INFO", "json"), false)
	require.NoError(t, n.Send(context.Background(), model.ChannelEmail, "alice@x.com", "424242"))
	assert.Contains(t, buf.String(), "a***@x.com")
	assert.NotContains(t, buf.String(), "alice@x.com")
	assert.NotContains(t, buf.String(), "424242")

	buf.Reset()
	dev := NewLogNotifier(logging.NewWithWriter(&buf, "INFO", "json"), true)
	require.NoError(t, dev.Send(context.Background(), model.ChannelSMS, "+2348000000001", "424242"))
	assert.Contains(t, buf.String(), "424242")
}

type fakeTwilio struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeTwilio) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioSMS_Send(t *testing.T) {
	api := &fakeTwilio{}
	s := &TwilioSMS{api: api, from: "+15550001111"}

	require.NoError(t, s.Send(context.Background(), model.ChannelSMS, "+2348000000001", "012345"))
	require.NotNil(t, api.params.To)
	assert.Equal(t, "+2348000000001", *api.params.To)
	assert.Equal(t, "+15550001111", *api.params.From)
	assert.Contains(t, *api.params.Body, "012345")
}

func TestTwilioSMS_errors(t *testing.T) {
	api := &fakeTwilio{err: errors.New("21211 invalid 'To' number")}
	s := &TwilioSMS{api: api, from: "+15550001111"}

	assert.ErrorContains(t, s.Send(context.Background(), model.ChannelSMS, "+1", "000000"), "21211")
	assert.Error(t, s.Send(context.Background(), model.ChannelEmail, "a@x.com", "000000"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api.params = nil
	assert.ErrorIs(t, s.Send(ctx, model.ChannelSMS, "+2348000000001", "000000"), context.Canceled)
	assert.Nil(t, api.params, "nothing sent after cancellation")
}

type fakeMail struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeMail) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	f.sent = append(f.sent, msgs...)
	return f.err
}

func TestSMTPMailer_Send(t *testing.T) {
	client := &fakeMail{}
	m := &SMTPMailer{client: client, from: "noreply@driverdesk.test"}

	require.NoError(t, m.Send(context.Background(), model.ChannelEmail, "a@x.com", "987654"))
	require.Len(t, client.sent, 1)

	var buf bytes.Buffer
	_, err := client.sent[0].WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "a@x.com")
	assert.Contains(t, raw, "noreply@driverdesk.test")
	assert.Contains(t, raw, emailSubject)
	assert.Contains(t, raw, "987654")
}

func TestSMTPMailer_rejectsBadInput(t *testing.T) {
	client := &fakeMail{}
	m := &SMTPMailer{client: client, from: "noreply@driverdesk.test"}

	assert.Error(t, m.Send(context.Background(), model.ChannelEmail, "not an address", "1"))
	assert.Error(t, m.Send(context.Background(), model.ChannelSMS, "+2348000000001", "1"))
	assert.Empty(t, client.sent)

	client.err = errors.New("451 try later")
	assert.ErrorContains(t, m.Send(context.Background(), model.ChannelEmail, "a@x.com", "1"), "451")
}

func TestNewSMTPMailer(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", From: "noreply@driverdesk.test"})
	require.NoError(t, err)
	assert.NotNil(t, m.client)
}
