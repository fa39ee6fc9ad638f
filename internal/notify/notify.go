// Package notify delivers verification codes. Delivery is direct over SMTP,
// queued through RabbitMQ for the mailer worker, or written to the log in
// development.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CodeQueue is the queue verification code messages are published to.
const CodeQueue = "verification.code"

// Message is a verification code delivery request.
type Message struct {
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (m Message) validate() error {
	if m.Email == "" || m.Code == "" {
		return fmt.Errorf("message needs an email and a code")
	}
	return nil
}

// Log writes codes to the logger instead of sending them.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) SendCode(ctx context.Context, email, name, code string) error {
	l.logger.InfoContext(ctx, "verification code (log transport)",
		"email", email,
		"name", name,
		"code", code,
	)
	return nil
}
