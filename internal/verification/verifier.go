package verification

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
)

var (
	// ErrUnsupportedMethod indicates a contact method the backend cannot deliver to.
	ErrUnsupportedMethod = errors.New("verification: unsupported contact method")
	// ErrInvalidConfig indicates missing verifier configuration.
	ErrInvalidConfig = errors.New("verification: invalid config")
)

// Verifier sends one-time codes to a contact and checks them.
// Identities must already be normalized.
type Verifier interface {
	Send(ctx context.Context, identity contact.Identity) error
	Check(ctx context.Context, identity contact.Identity, code string) (bool, error)
}

func channelFor(method contact.Method) (string, error) {
	switch method {
	case contact.MethodSMS:
		return "sms", nil
	case contact.MethodEmail:
		return "email", nil
	default:
		return "", ErrUnsupportedMethod
	}
}
