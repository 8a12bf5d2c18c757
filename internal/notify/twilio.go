package notify

import (
	"context"
	"fmt"
	"strings"

	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// MessageAPI is the subset of the Twilio REST client used to send SMS.
type MessageAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSMSConfig configures the Twilio SMS sender.
type TwilioSMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	API        MessageAPI
	Logger     *zap.Logger
}

// TwilioSMSSender sends text messages with Twilio Programmable Messaging.
type TwilioSMSSender struct {
	api    MessageAPI
	from   string
	logger *zap.Logger
}

// NewTwilioSMSSender constructs the sender.
func NewTwilioSMSSender(cfg TwilioSMSConfig) (*TwilioSMSSender, error) {
	from := strings.TrimSpace(cfg.FromNumber)
	if from == "" {
		return nil, fmt.Errorf("notify: twilio from number required")
	}
	api := cfg.API
	if api == nil {
		if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
			return nil, fmt.Errorf("notify: twilio account sid and auth token required")
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = client.Api
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioSMSSender{api: api, from: from, logger: logger}, nil
}

// SendSMS implements SMSSender.
func (s *TwilioSMSSender) SendSMS(_ context.Context, to, body string) error {
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)
	message, err := s.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("%w: twilio: %v", ErrDeliveryFailed, err)
	}
	if message != nil && message.Sid != nil {
		s.logger.Debug("sms queued", zap.String("sid", *message.Sid))
	}
	return nil
}
