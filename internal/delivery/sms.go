package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio SMS client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a functional option for configuring the Twilio client.
type TwilioOption func(*TwilioOpts)

// WithTwilioAccountSID sets the Twilio account SID.
func WithTwilioAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithTwilioAuthToken sets the Twilio auth token.
func WithTwilioAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithTwilioFromNumber sets the sending phone number.
func WithTwilioFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioSMSClient sends text messages through the Twilio REST API.
type TwilioSMSClient struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewTwilioSMSClient creates a Twilio SMS client. Unset options fall back to
// the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables.
func NewTwilioSMSClient(opts ...TwilioOption) (*TwilioSMSClient, error) {
	cfg := TwilioOpts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("Twilio account SID and auth token are required")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("Twilio from number is required")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSClient{client: client, fromNumber: cfg.FromNumber}, nil
}

// SendSMS sends one text message to the given phone number.
func (c *TwilioSMSClient) SendSMS(_ context.Context, to, body string) error {
	if to == "" {
		return fmt.Errorf("recipient phone number is required")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	if resp.Sid != nil {
		slog.Debug("TwilioSMSClient.SendSMS: message sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// MockSMSClient is a test double that records sent messages.
type MockSMSClient struct {
	mu           sync.Mutex
	SentMessages []MockSMSMessage
	SendError    error
}

// MockSMSMessage is one message captured by the mock.
type MockSMSMessage struct {
	To   string
	Body string
}

// NewMockSMSClient creates a mock SMS client for testing.
func NewMockSMSClient() *MockSMSClient {
	return &MockSMSClient{}
}

// SendSMS records the message and returns the configured error, if any.
func (m *MockSMSClient) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return m.SendError
	}
	m.SentMessages = append(m.SentMessages, MockSMSMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockSMSClient) Messages() []MockSMSMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSMSMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
