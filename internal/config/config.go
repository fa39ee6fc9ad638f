// Package config provides centralized configuration management for the service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Auth     AuthConfig
	Verify   VerifyConfig
	Mail     MailConfig
	Notify   NotifyConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Metrics  MetricsAPIConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" envAlt:"PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading the request (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing the response (default: 0, uploads can be slow)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including in-flight ingestions (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-ingestion requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies embedded migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// UploadConfig holds ingestion settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// MaxManualBytes caps a manual rows payload (default: 10MB)
	MaxManualBytes int64 `env:"UPLOAD_MAX_MANUAL_BYTES" default:"10485760"`

	// MaxConcurrent is the maximum number of parallel ingestions (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an ingestion slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// BatchSize is the number of rows to insert per batch (default: 1000)
	BatchSize int `env:"UPLOAD_BATCH_SIZE" default:"1000"`

	// Timeout is the maximum duration for a single ingestion (default: 10m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"10m"`
}

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for ingestion endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`

	// AuthLimit is requests per minute for registration, login and verification (default: 20)
	AuthLimit int `env:"RATE_LIMIT_AUTH" default:"20"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// AllowedOrigins is a comma-separated CORS allow list; empty disables CORS headers
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
}

// AuthConfig holds token and password settings.
type AuthConfig struct {
	// JWTSecret signs bearer tokens (required, at least 32 bytes)
	JWTSecret string `env:"JWT_SECRET" required:"true"`

	// TokenTTL is how long a bearer token stays valid (default: 24h)
	TokenTTL time.Duration `env:"JWT_TTL" default:"24h"`

	// Issuer is written to and checked on the iss claim (default: sourcehub)
	Issuer string `env:"JWT_ISSUER" default:"sourcehub"`

	// BcryptCost is the password hashing cost (default: 12)
	BcryptCost int `env:"BCRYPT_COST" default:"12"`
}

// VerifyConfig holds verification code settings.
type VerifyConfig struct {
	// ResendCooldown is the minimum time between code issues (default: 60s)
	ResendCooldown time.Duration `env:"VERIFY_RESEND_COOLDOWN" default:"60s"`

	// CodeTTL expires codes after this long; 0 disables expiry (default: 0)
	CodeTTL time.Duration `env:"VERIFY_CODE_TTL" default:"0s"`

	// NotifyTimeout bounds a single code delivery (default: 10s)
	NotifyTimeout time.Duration `env:"VERIFY_NOTIFY_TIMEOUT" default:"10s"`

	// MaxAttempts is failed verify or login attempts allowed per window (default: 5)
	MaxAttempts int `env:"VERIFY_MAX_ATTEMPTS" default:"5"`

	// AttemptWindow is the throttle window (default: 15m)
	AttemptWindow time.Duration `env:"VERIFY_ATTEMPT_WINDOW" default:"15m"`
}

// MailConfig holds SMTP settings for code delivery.
type MailConfig struct {
	Host     string `env:"EMAIL_HOST" default:"smtp.gmail.com"`
	Port     int    `env:"EMAIL_PORT" default:"587"`
	Secure   bool   `env:"EMAIL_SECURE" default:"false"`
	User     string `env:"EMAIL_USER"`
	Password string `env:"EMAIL_APP_PASSWORD" envAlt:"EMAIL_PASSWORD"`
	FromName string `env:"MAIL_FROM_NAME" default:"SourceHub"`
}

// Notify transports.
const (
	TransportSMTP = "smtp"
	TransportAMQP = "amqp"
	TransportLog  = "log"
)

// NotifyConfig selects how verification codes leave the API server.
type NotifyConfig struct {
	// Transport is smtp, amqp or log (default: smtp)
	Transport string `env:"NOTIFY_TRANSPORT" default:"smtp"`

	// QueueURL is the RabbitMQ URL used by the amqp transport and the mailer
	QueueURL string `env:"RABBITMQ_URL"`

	// Prefetch is the mailer's unacknowledged message limit (default: 10)
	Prefetch int `env:"MAILER_PREFETCH" default:"10"`
}

// RedisConfig holds the attempt throttle backend. An empty Addr disables throttling.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`
	TLS      bool   `env:"REDIS_TLS" default:"false"`
}

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// StorageConfig holds where uploads are staged before ingestion.
type StorageConfig struct {
	// Backend is local or s3 (default: local)
	Backend string `env:"STORAGE_BACKEND" default:"local"`

	// LocalDir is the staging directory for the local backend
	LocalDir string `env:"STORAGE_LOCAL_DIR" default:"./data/staging"`

	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" default:"false"`
}

// MetricsAPIConfig holds the remote metrics connector settings.
type MetricsAPIConfig struct {
	// Endpoint is the report API base URL
	Endpoint string `env:"METRICS_API_ENDPOINT" default:"https://analyticsdata.googleapis.com"`

	// APIKey is sent as a bearer token
	APIKey string `env:"METRICS_API_KEY"`

	// Timeout bounds one report request (default: 10s)
	Timeout time.Duration `env:"METRICS_API_TIMEOUT" default:"10s"`

	// RequestsPerSecond paces outbound calls; 0 disables pacing (default: 5)
	RequestsPerSecond float64 `env:"METRICS_API_RPS" default:"5"`

	// AllowPrivate permits private and loopback addresses (default: false)
	AllowPrivate bool `env:"METRICS_API_ALLOW_PRIVATE" default:"false"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Addr returns the SMTP address in host:port format.
func (c *MailConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
