package notify

import (
	"context"
	"errors"
)

// ErrDeliveryFailed wraps provider rejections.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// Email is a single outbound message. When TemplateID is set the provider
// renders TemplateData and ignores the body fields.
type Email struct {
	To           string
	Subject      string
	PlainText    string
	HTML         string
	TemplateID   string
	TemplateData map[string]any
}

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) error
}

// SMSSender delivers text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}
