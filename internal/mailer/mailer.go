// Package mailer abstracts out-of-band delivery of magic-link secrets.
// Delivery failure never invalidates an already-issued token.
package mailer

import (
	"context"

	"go.uber.org/zap"
)

// Mailer delivers a constructed magic link to its subject.
type Mailer interface {
	SendMagicLink(ctx context.Context, email, link string) error
}

// LogMailer writes the link to the structured log instead of sending email.
// Default for local development and tests.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// SendMagicLink logs the link at info level.
func (m *LogMailer) SendMagicLink(_ context.Context, email, link string) error {
	m.logger.Info("magic link issued",
		zap.String("email", email),
		zap.String("link", link))
	return nil
}
