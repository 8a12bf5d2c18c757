package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender records messages in the log instead of delivering them. It stands
// in for providers that are not configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// SendEmail implements EmailSender.
func (s *LogSender) SendEmail(_ context.Context, email Email) error {
	s.logger.Info("email not delivered: no provider configured",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.String("template_id", email.TemplateID),
		zap.String("body", email.PlainText))
	return nil
}

// SendSMS implements SMSSender.
func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info("sms not delivered: no provider configured",
		zap.String("to", to),
		zap.String("body", body))
	return nil
}
