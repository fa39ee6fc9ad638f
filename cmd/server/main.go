package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JonMunkholm/sourcehub/internal/auth"
	"github.com/JonMunkholm/sourcehub/internal/blob"
	"github.com/JonMunkholm/sourcehub/internal/config"
	"github.com/JonMunkholm/sourcehub/internal/connector"
	"github.com/JonMunkholm/sourcehub/internal/core"
	"github.com/JonMunkholm/sourcehub/internal/logging"
	"github.com/JonMunkholm/sourcehub/internal/metrics"
	"github.com/JonMunkholm/sourcehub/internal/notify"
	"github.com/JonMunkholm/sourcehub/internal/store"
	"github.com/JonMunkholm/sourcehub/internal/throttle"
	"github.com/JonMunkholm/sourcehub/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg, logger); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	db := store.OpenPool(pool)
	defer db.Close()
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	st := store.New(db)

	stager, err := newStager(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	var attempts auth.AttemptLimiter
	rdb, err := throttle.Connect(ctx, throttle.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
	})
	switch {
	case err != nil:
		return err
	case rdb != nil:
		defer rdb.Close()
		attempts = throttle.New(rdb, cfg.Verify.MaxAttempts, cfg.Verify.AttemptWindow)
	default:
		slog.Warn("REDIS_ADDR not set, verification and login attempts are not throttled")
	}

	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	verifier := auth.NewVerifier(
		st.Principals,
		notifier,
		attempts,
		tokens,
		auth.NewHasher(cfg.Auth.BcryptCost),
		auth.Options{
			ResendCooldown: cfg.Verify.ResendCooldown,
			CodeTTL:        cfg.Verify.CodeTTL,
			NotifyTimeout:  cfg.Verify.NotifyTimeout,
		},
		logger,
	)

	httpClient := connector.NewSafeHTTPClient(cfg.Metrics.Timeout)
	if cfg.Metrics.AllowPrivate {
		httpClient = &http.Client{Timeout: cfg.Metrics.Timeout}
	}
	registry := connector.NewRegistry(
		connector.NewTextConnector(cfg.Upload.MaxFileSize),
		connector.NewSpreadsheetConnector(cfg.Upload.MaxFileSize),
		connector.NewManualConnector(cfg.Upload.MaxManualBytes),
		connector.NewMetricsConnector(httpClient, connector.MetricsOptions{
			Endpoint:          cfg.Metrics.Endpoint,
			APIKey:            cfg.Metrics.APIKey,
			Timeout:           cfg.Metrics.Timeout,
			RequestsPerSecond: cfg.Metrics.RequestsPerSecond,
		}, logger),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	limiter := core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime)
	collector.RegisterGauge("uploads_in_flight", "Ingestions currently holding a slot.", func() float64 {
		return float64(limiter.ActiveCount())
	})

	coordinator := core.NewCoordinator(registry, st, stager, limiter, collector, core.CoordinatorOptions{
		BatchSize: cfg.Upload.BatchSize,
		Timeout:   cfg.Upload.Timeout,
	})

	server := web.NewServer(web.Deps{
		Accounts: verifier,
		Tokens:   tokens,
		Sources:  core.NewSourceService(st.Sources),
		Ingester: coordinator,
		Stager:   stager,
		Recorder: collector,
		Gatherer: reg,
		Health:   st.Ping,
	}, web.Options{
		MaxFileSize:       cfg.Upload.MaxFileSize,
		MaxManualBytes:    cfg.Upload.MaxManualBytes,
		RequestTimeout:    cfg.Server.RequestTimeout,
		TrustedProxies:    cfg.Security.TrustedProxies,
		AllowedOrigins:    cfg.Security.AllowedOrigins,
		RateLimit:         cfg.Rate.Enabled,
		RequestsPerMinute: cfg.Rate.RequestsPerMinute,
		UploadPerMinute:   cfg.Rate.UploadLimit,
		AuthPerMinute:     cfg.Rate.AuthLimit,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	})

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active ingestions to complete (with timeout)
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for ingestions to complete", "active", status.Active)
			if err := coordinator.WaitForUploads(shutdownCtx); err != nil {
				slog.Warn("ingestions did not complete in time", "error", err)
			} else {
				slog.Info("all ingestions completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	slog.Info("server stopped")
	return nil
}

func newStager(ctx context.Context, cfg config.StorageConfig) (blob.Stager, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.StorageS3:
		client, err := blob.NewS3Client(ctx, blob.S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("staging uploads in s3", "bucket", cfg.S3Bucket)
		return blob.NewS3(client, cfg.S3Bucket), nil
	default:
		local, err := blob.NewLocal(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("staging directory: %w", err)
		}
		slog.Info("staging uploads on disk", "dir", cfg.LocalDir)
		return local, nil
	}
}

// newNotifier picks the code delivery transport. The returned func
// releases it.
func newNotifier(cfg *config.Config, logger *slog.Logger) (auth.Notifier, func(), error) {
	switch strings.ToLower(cfg.Notify.Transport) {
	case config.TransportAMQP:
		p := notify.NewPublisher(cfg.Notify.QueueURL, logger)
		return p, func() {
			if err := p.Close(); err != nil {
				slog.Warn("close publisher", "error", err)
			}
		}, nil
	case config.TransportLog:
		slog.Warn("NOTIFY_TRANSPORT=log: verification codes are written to the log")
		return notify.NewLog(logger), func() {}, nil
	case config.TransportSMTP:
		return notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Secure:   cfg.Mail.Secure,
			User:     cfg.Mail.User,
			Password: cfg.Mail.Password,
			FromName: cfg.Mail.FromName,
		}), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify transport %q", cfg.Notify.Transport)
	}
}
