// Package mail renders certificate notifications and hands them to an email provider.
package mail

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/djlord-it/certpipe/internal/domain"
)

// Email is a rendered message ready to send.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Validate requires a recipient, a subject and at least one body.
func (e Email) Validate() error {
	if e.To == "" {
		return &domain.ValidationError{Field: "to", Message: "required"}
	}
	if e.Subject == "" {
		return &domain.ValidationError{Field: "subject", Message: "required"}
	}
	if e.Text == "" && e.HTML == "" {
		return &domain.ValidationError{Field: "body", Message: "text or html required"}
	}
	return nil
}

// Sender delivers one email and returns the provider's message ID.
// Errors are classified with domain.IsPermanent and domain.IsTransient.
type Sender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// Renderer builds the email for a notification event.
type Renderer interface {
	Render(ctx context.Context, event domain.NotificationEvent) (Email, error)
}

// LogSender writes emails to a logger instead of sending them. For local runs.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, email Email) (string, error) {
	id := uuid.NewString()
	s.logger.Info("mail: email logged",
		"message_id", id,
		"to", email.To,
		"subject", email.Subject,
		"text_bytes", len(email.Text),
		"html_bytes", len(email.HTML),
	)
	return id, nil
}

var _ Sender = (*LogSender)(nil)
