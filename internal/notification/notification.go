package notification

import (
	"context"
	"log/slog"
)

// Email is an outbound mail message. Template rendering and SMTP transport
// live outside this core; implementations only need to deliver.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers mail to downstream systems.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// LoggerMailer is a stub implementation that writes mail to the logger.
type LoggerMailer struct {
	logger *slog.Logger
}

// NewLoggerMailer constructs a logging mailer stub.
func NewLoggerMailer(logger *slog.Logger) *LoggerMailer {
	return &LoggerMailer{logger: logger}
}

// Send writes the mail to the structured logger.
func (m *LoggerMailer) Send(_ context.Context, email Email) error {
	if m == nil || m.logger == nil {
		return nil
	}
	m.logger.Info("email", "to", email.To, "subject", email.Subject, "body", email.Body)
	return nil
}
