// Command mailer delivers verification codes queued by the API server
// when NOTIFY_TRANSPORT=amqp.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/sourcehub/internal/config"
	"github.com/JonMunkholm/sourcehub/internal/logging"
	"github.com/JonMunkholm/sourcehub/internal/notify"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Notify.QueueURL == "" {
		slog.Error("RABBITMQ_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	smtp := notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Secure:   cfg.Mail.Secure,
		User:     cfg.Mail.User,
		Password: cfg.Mail.Password,
		FromName: cfg.Mail.FromName,
	})

	slog.Info("mailer started", "queue", notify.CodeQueue, "smtp", cfg.Mail.Addr())
	err = notify.Consume(ctx, cfg.Notify.QueueURL, cfg.Notify.Prefetch, func(ctx context.Context, m notify.Message) error {
		sendCtx, cancel := context.WithTimeout(ctx, cfg.Verify.NotifyTimeout)
		defer cancel()
		if err := smtp.Send(sendCtx, m); err != nil {
			logger.Error("deliver code", "email", m.Email, "error", err)
			return err
		}
		logger.Info("code delivered", "email", m.Email)
		return nil
	}, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mailer stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("mailer stopped")
}
