package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// MailClient is the subset of the SendGrid client used here.
type MailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridConfig configures the SendGrid email sender.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Client    MailClient
	Logger    *zap.Logger
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client MailClient
	from   *mail.Email
	logger *zap.Logger
}

// NewSendGridSender constructs the sender.
func NewSendGridSender(cfg SendGridConfig) (*SendGridSender, error) {
	fromEmail := strings.TrimSpace(cfg.FromEmail)
	if fromEmail == "" {
		return nil, fmt.Errorf("notify: sendgrid from email required")
	}
	client := cfg.Client
	if client == nil {
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("notify: sendgrid api key required")
		}
		client = sendgrid.NewSendClient(cfg.APIKey)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SendGridSender{
		client: client,
		from:   mail.NewEmail(cfg.FromName, fromEmail),
		logger: logger,
	}, nil
}

// SendEmail implements EmailSender.
func (s *SendGridSender) SendEmail(ctx context.Context, email Email) error {
	message := buildMessage(s.from, email)
	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("%w: sendgrid: %v", ErrDeliveryFailed, err)
	}
	if response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: sendgrid status %d: %s", ErrDeliveryFailed, response.StatusCode, response.Body)
	}
	s.logger.Debug("email accepted", zap.Int("status", response.StatusCode))
	return nil
}

func buildMessage(from *mail.Email, email Email) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(from)

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail("", email.To))
	if email.Subject != "" {
		personalization.Subject = email.Subject
		message.Subject = email.Subject
	}

	if email.TemplateID != "" {
		message.SetTemplateID(email.TemplateID)
		for key, value := range email.TemplateData {
			personalization.SetDynamicTemplateData(key, value)
		}
	} else {
		if email.PlainText != "" {
			message.AddContent(mail.NewContent("text/plain", email.PlainText))
		}
		if email.HTML != "" {
			message.AddContent(mail.NewContent("text/html", email.HTML))
		}
	}
	message.AddPersonalizations(personalization)
	return message
}
