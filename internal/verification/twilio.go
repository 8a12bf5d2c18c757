package verification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	verify "github.com/twilio/twilio-go/rest/verify/v2"
	"go.uber.org/zap"
)

const statusApproved = "approved"

// VerifyAPI is the subset of the Twilio Verify v2 client used here.
type VerifyAPI interface {
	CreateVerification(serviceSid string, params *verify.CreateVerificationParams) (*verify.VerifyV2Verification, error)
	CreateVerificationCheck(serviceSid string, params *verify.CreateVerificationCheckParams) (*verify.VerifyV2VerificationCheck, error)
}

// TwilioConfig configures the Twilio Verify backend.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	ServiceSID string
	// API overrides the REST client, mainly for tests.
	API    VerifyAPI
	Logger *zap.Logger
}

// TwilioVerifier delegates code generation and checking to Twilio Verify.
type TwilioVerifier struct {
	api        VerifyAPI
	serviceSID string
	logger     *zap.Logger
}

// NewTwilioVerifier constructs the verifier, building a REST client from the
// account credentials unless one is supplied.
func NewTwilioVerifier(cfg TwilioConfig) (*TwilioVerifier, error) {
	serviceSID := strings.TrimSpace(cfg.ServiceSID)
	if serviceSID == "" {
		return nil, fmt.Errorf("%w: twilio verify service sid required", ErrInvalidConfig)
	}
	api := cfg.API
	if api == nil {
		if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
			return nil, fmt.Errorf("%w: twilio account sid and auth token required", ErrInvalidConfig)
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = client.VerifyV2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioVerifier{api: api, serviceSID: serviceSID, logger: logger}, nil
}

// Send starts a verification on the contact's channel.
func (v *TwilioVerifier) Send(_ context.Context, identity contact.Identity) error {
	channel, err := channelFor(identity.Method)
	if err != nil {
		return err
	}
	params := &verify.CreateVerificationParams{}
	params.SetTo(identity.Value)
	params.SetChannel(channel)
	if _, err := v.api.CreateVerification(v.serviceSID, params); err != nil {
		return fmt.Errorf("verification: twilio send: %w", err)
	}
	v.logger.Debug("verification sent", zap.String("channel", channel))
	return nil
}

// Check reports whether Twilio approved the code. An expired or already used
// verification is reported by Twilio as not found and counts as a failed check.
func (v *TwilioVerifier) Check(_ context.Context, identity contact.Identity, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	if _, err := channelFor(identity.Method); err != nil {
		return false, err
	}
	params := &verify.CreateVerificationCheckParams{}
	params.SetTo(identity.Value)
	params.SetCode(code)
	result, err := v.api.CreateVerificationCheck(v.serviceSID, params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("verification: twilio check: %w", err)
	}
	return result != nil && result.Status != nil && *result.Status == statusApproved, nil
}
