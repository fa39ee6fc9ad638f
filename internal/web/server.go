// Package web provides the JSON API server: account registration and
// verification, login, and owner-scoped data source ingestion and access.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/sourcehub/internal/auth"
	"github.com/JonMunkholm/sourcehub/internal/blob"
	"github.com/JonMunkholm/sourcehub/internal/core"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	mw "github.com/JonMunkholm/sourcehub/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Accounts is the credential verification surface used by the handlers.
type Accounts interface {
	Register(ctx context.Context, name, email, password string) (*domain.Principal, error)
	SendCode(ctx context.Context, email string) error
	Resend(ctx context.Context, email string) error
	VerifyCode(ctx context.Context, email, code string) (*domain.Principal, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	ChangePassword(ctx context.Context, id uuid.UUID, current, next string) error
	UpdateProfile(ctx context.Context, id uuid.UUID, name string) (*domain.Principal, error)
	Principal(ctx context.Context, id uuid.UUID) (*domain.Principal, error)
}

// Sources answers owner-scoped data source queries.
type Sources interface {
	List(ctx context.Context, principal uuid.UUID, search string) ([]domain.DataSourceSummary, error)
	Get(ctx context.Context, principal, id uuid.UUID) (*domain.DataSource, error)
	Records(ctx context.Context, principal, sourceID uuid.UUID, limit, offset int) (*core.RecordPage, error)
	Record(ctx context.Context, principal, id uuid.UUID) (*domain.RawRecord, error)
	Delete(ctx context.Context, principal, id uuid.UUID) error
}

// Ingester turns a request into a committed data source.
type Ingester interface {
	Ingest(ctx context.Context, req core.IngestRequest) (*core.IngestResult, error)
}

// Recorder receives HTTP and authentication metrics.
type Recorder interface {
	mw.HTTPRecorder
	RecordAuthEvent(event, outcome string)
}

// Deps are the services behind the API. Recorder, Gatherer and Health may
// be nil.
type Deps struct {
	Accounts Accounts
	Tokens   mw.TokenVerifier
	Sources  Sources
	Ingester Ingester
	Stager   blob.Stager

	Recorder Recorder
	Gatherer prometheus.Gatherer
	Health   func(ctx context.Context) error
}

// Options tune the server.
type Options struct {
	MaxFileSize    int64
	MaxManualBytes int64

	// RequestTimeout applies to every route except ingestion, which is
	// bounded by the coordinator.
	RequestTimeout time.Duration

	TrustedProxies []string
	AllowedOrigins []string

	RateLimit         bool
	RequestsPerMinute int
	UploadPerMinute   int
	AuthPerMinute     int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Default request body limits.
const (
	DefaultMaxFileSize    = 100 << 20
	DefaultMaxManualBytes = 10 << 20
	maxJSONBody           = 1 << 20
)

// Server is the HTTP API server.
type Server struct {
	deps     Deps
	opts     Options
	router   *chi.Mux
	server   *http.Server
	limiters []*mw.RateLimiter
}

// NewServer creates a new Server instance.
func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxManualBytes <= 0 {
		opts.MaxManualBytes = DefaultMaxManualBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		deps:   deps,
		opts:   opts,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(mw.Logger)
	if s.deps.Recorder != nil {
		s.router.Use(mw.Metrics(s.deps.Recorder))
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.SecurityHeaders)
	s.router.Use(mw.CORS(s.opts.AllowedOrigins))
	s.router.Use(withClient)
}

// limit returns a per-IP limiter middleware, or a pass-through when rate
// limiting is off.
func (s *Server) limit(name string, perMinute int) func(http.Handler) http.Handler {
	if !s.opts.RateLimit || perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := mw.NewRateLimiter(name, perMinute, s.respondError)
	s.limiters = append(s.limiters, rl)
	return rl.Middleware
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	timeout := middleware.Timeout(s.opts.RequestTimeout)
	authn := mw.Authenticate(s.deps.Tokens, s.deps.Accounts, s.respondError)
	canIngest := mw.RequireIngest(s.respondError)

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.With(timeout).Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.limit("general", s.opts.RequestsPerMinute))

			// Registration, login and verification
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Use(s.limit("auth", s.opts.AuthPerMinute))

				r.Post("/auth/register", s.handleRegister)
				r.Post("/auth/login", s.handleLogin)
				r.Post("/verification/send-verification", s.handleSendVerification)
				r.Post("/verification/verify-code", s.handleVerifyCode)
				r.Post("/verification/resend", s.handleResend)
			})

			// Authenticated reads and profile
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Use(authn)

				r.Get("/user/me", s.handleMe)
				r.Put("/user/me", s.handleUpdateMe)
				r.Put("/user/me/password", s.handleChangePassword)

				r.Get("/datasource", s.handleListSources)
				r.Get("/datasource/{id}", s.handleGetSource)
				r.Get("/datasource/{id}/records", s.handleListRecords)
				r.Get("/rawdata/{id}", s.handleGetRecord)

				r.With(canIngest).Delete("/datasource/{id}", s.handleDeleteSource)
			})

			// Ingestion runs under the coordinator's own timeout.
			r.Group(func(r chi.Router) {
				r.Use(authn)
				r.Use(canIngest)
				r.Use(s.limit("upload", s.opts.UploadPerMinute))

				r.Post("/datasource/upload", s.handleUpload)
				r.Post("/datasource/manual", s.handleManual)
				r.Post("/datasource/connect/metrics", s.handleConnectMetrics)
			})
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, domain.ErrNotFound.WithMessage("no route for %s %s", r.Method, r.URL.Path))
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout, // 0 by default: uploads can be slow
		IdleTimeout:       s.opts.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and its rate limiters.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, rl := range s.limiters {
		rl.Stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "ok"}
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			slog.Error("health check failed", "error", err)
			status["status"] = "degraded"
			status["database"] = "unavailable"
			writeJSONStatus(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, status)
}

func (s *Server) recordAuth(event string, err error) {
	if s.deps.Recorder == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = core.MapError(err).Error
	}
	s.deps.Recorder.RecordAuthEvent(event, outcome)
}

// writeJSON encodes v as JSON with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v as JSON.
// Logs encoding errors since headers are already sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
