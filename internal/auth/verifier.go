// Package auth implements account registration, code verification and
// bearer token issuance.
//
// A principal moves Unverified -> CodePending -> Verified. Verified is
// terminal. Only one code is live at a time; issuing a new one replaces it.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
)

const (
	DefaultResendCooldown = 60 * time.Second
	DefaultNotifyTimeout  = 10 * time.Second

	maxNameLength = 100
)

// PrincipalStore persists principals. Lookups return domain.ErrNotFound
// when nothing matches.
type PrincipalStore interface {
	FindByEmail(ctx context.Context, email string) (*domain.Principal, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Principal, error)

	// UpsertPending inserts p or overwrites an existing unverified principal
	// with the same email. It returns domain.ErrAlreadyRegistered when the
	// email belongs to a verified principal.
	UpsertPending(ctx context.Context, p *domain.Principal) (*domain.Principal, error)

	// DeleteUnverified removes the principal if it has not been verified.
	DeleteUnverified(ctx context.Context, id uuid.UUID) error

	// ReplaceCode stores code for the unverified principal with email, but
	// only if no code was issued after notBefore. It reports whether the
	// code was stored.
	ReplaceCode(ctx context.Context, email, code string, issuedAt, notBefore time.Time) (bool, error)

	// ClearCode removes code and its cooldown, but only while code is still
	// the live one.
	ClearCode(ctx context.Context, email, code string) error

	// MarkVerified flips the principal to verified and clears its code.
	MarkVerified(ctx context.Context, id uuid.UUID) error

	UpdateName(ctx context.Context, id uuid.UUID, name string) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}

// Notifier delivers a verification code out of band.
type Notifier interface {
	SendCode(ctx context.Context, email, name, code string) error
}

// AttemptLimiter counts failed attempts per key.
type AttemptLimiter interface {
	Blocked(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// Options tunes a Verifier. Zero values take defaults.
type Options struct {
	ResendCooldown time.Duration
	// CodeTTL expires codes older than this. Zero disables expiry.
	CodeTTL       time.Duration
	NotifyTimeout time.Duration
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string
	Role      domain.Role
	ExpiresAt time.Time
	Principal *domain.Principal
}

// Verifier runs the credential verification state machine.
type Verifier struct {
	store    PrincipalStore
	notifier Notifier
	attempts AttemptLimiter
	tokens   *TokenIssuer
	hasher   *Hasher
	logger   *slog.Logger

	cooldown      time.Duration
	codeTTL       time.Duration
	notifyTimeout time.Duration

	now     func() time.Time
	newCode func() (string, error)
}

// NewVerifier wires a Verifier. attempts may be nil to disable throttling.
func NewVerifier(
	store PrincipalStore,
	notifier Notifier,
	attempts AttemptLimiter,
	tokens *TokenIssuer,
	hasher *Hasher,
	opts Options,
	logger *slog.Logger,
) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResendCooldown <= 0 {
		opts.ResendCooldown = DefaultResendCooldown
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Verifier{
		store:         store,
		notifier:      notifier,
		attempts:      attempts,
		tokens:        tokens,
		hasher:        hasher,
		logger:        logger,
		cooldown:      opts.ResendCooldown,
		codeTTL:       opts.CodeTTL,
		notifyTimeout: opts.NotifyTimeout,
		now:           time.Now,
		newCode:       GenerateCode,
	}
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return domain.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return domain.Validation("email address is not valid")
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return domain.Validation("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return domain.Validation("name must be at most %d characters", maxNameLength)
	}
	return nil
}

// Register creates or refreshes an unverified principal and sends it a
// code. If the code cannot be delivered the principal is removed so the
// caller can retry.
func (v *Verifier) Register(ctx context.Context, name, email, password string) (*domain.Principal, error) {
	name = strings.TrimSpace(name)
	email = NormalizeEmail(email)

	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, domain.Validation("%s", err.Error())
	}

	existing, err := v.store.FindByEmail(ctx, email)
	switch {
	case err == nil && existing.Verified:
		return nil, domain.ErrAlreadyRegistered
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("look up principal: %w", err)
	}

	hash, err := v.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	code, err := v.newCode()
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	stored, err := v.store.UpsertPending(ctx, &domain.Principal{
		ID:               uuid.New(),
		Name:             name,
		Email:            email,
		PasswordHash:     hash,
		Role:             domain.DefaultRole,
		VerificationCode: code,
		CodeIssuedAt:     &now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRegistered) {
			return nil, err
		}
		return nil, fmt.Errorf("save principal: %w", err)
	}

	if err := v.deliver(ctx, stored.Email, stored.Name, code); err != nil {
		v.logger.Warn("verification code delivery failed, removing principal",
			"principal_id", stored.ID,
			"error", err,
		)
		if delErr := v.store.DeleteUnverified(context.WithoutCancel(ctx), stored.ID); delErr != nil {
			v.logger.Error("failed to remove undeliverable principal",
				"principal_id", stored.ID,
				"error", delErr,
			)
		}
		return nil, domain.ErrRegistrationDeliveryFailed.Wrap(err)
	}

	v.logger.Info("principal registered", "principal_id", stored.ID)
	return stored, nil
}

// SendCode issues a code for an unverified principal. Unknown or verified
// emails and requests inside the cooldown succeed without doing anything.
func (v *Verifier) SendCode(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	p, err := v.store.FindByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up principal: %w", err)
	}
	if p.Verified || v.cooldownRemaining(p) > 0 {
		return nil
	}

	_, err = v.issue(ctx, p)
	return err
}

// Resend replaces the live code, enforcing the cooldown.
func (v *Verifier) Resend(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	p, err := v.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound.WithMessage("no account with this email")
		}
		return fmt.Errorf("look up principal: %w", err)
	}
	if p.Verified {
		return domain.ErrAlreadyVerified
	}
	if secs := v.cooldownRemaining(p); secs > 0 {
		return domain.CooldownActive(secs)
	}

	issued, err := v.issue(ctx, p)
	if err != nil {
		return err
	}
	if !issued {
		// Lost the race to a concurrent resend; report the new window.
		return domain.CooldownActive(int(v.cooldown / time.Second))
	}
	return nil
}

// issue stores a fresh code and delivers it. It reports false when another
// request issued a code inside the cooldown first.
func (v *Verifier) issue(ctx context.Context, p *domain.Principal) (bool, error) {
	code, err := v.newCode()
	if err != nil {
		return false, err
	}
	now := v.now().UTC()
	ok, err := v.store.ReplaceCode(ctx, p.Email, code, now, now.Add(-v.cooldown))
	if err != nil {
		return false, fmt.Errorf("replace code: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := v.deliver(ctx, p.Email, p.Name, code); err != nil {
		// An undelivered code must not hold the cooldown.
		if cerr := v.store.ClearCode(context.WithoutCancel(ctx), p.Email, code); cerr != nil {
			v.logger.Warn("clear undelivered code", "principal_id", p.ID, "error", cerr)
		}
		return false, domain.ErrUpstreamUnavailable.WithMessage("verification code could not be delivered").Wrap(err)
	}
	v.logger.Info("verification code issued", "principal_id", p.ID)
	return true, nil
}

func (v *Verifier) deliver(ctx context.Context, email, name, code string) error {
	ctx, cancel := context.WithTimeout(ctx, v.notifyTimeout)
	defer cancel()
	return v.notifier.SendCode(ctx, email, name, code)
}

// cooldownRemaining returns whole seconds left before another code may be
// issued, rounded up.
func (v *Verifier) cooldownRemaining(p *domain.Principal) int {
	if p.CodeIssuedAt == nil {
		return 0
	}
	left := p.CodeIssuedAt.Add(v.cooldown).Sub(v.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// VerifyCode checks code against the live code for email.
func (v *Verifier) VerifyCode(ctx context.Context, email, code string) (*domain.Principal, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return nil, domain.Validation("email and code are required")
	}

	key := "verify:" + email
	if v.blocked(ctx, key) {
		return nil, domain.ErrTooManyAttempts.WithMessage("too many verification attempts, try again later")
	}

	p, err := v.store.FindByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		v.recordFailure(ctx, key)
		return nil, domain.ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("look up principal: %w", err)
	}
	if p.Verified {
		return nil, domain.ErrAlreadyVerified
	}

	stored := strings.TrimSpace(p.VerificationCode)
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		v.recordFailure(ctx, key)
		return nil, domain.ErrInvalidCode
	}
	if v.codeTTL > 0 && p.CodeIssuedAt != nil && v.now().After(p.CodeIssuedAt.Add(v.codeTTL)) {
		return nil, domain.ErrCodeExpired
	}

	if err := v.store.MarkVerified(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	v.resetAttempts(ctx, key)

	p.Verified = true
	p.VerificationCode = ""
	v.logger.Info("principal verified", "principal_id", p.ID)
	return p, nil
}

// Login authenticates a verified principal and issues a token.
func (v *Verifier) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	key := "login:" + email
	if v.blocked(ctx, key) {
		return nil, domain.ErrTooManyAttempts.WithMessage("too many login attempts, try again later")
	}

	p, err := v.store.FindByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		v.hasher.CompareDummy(password)
		v.recordFailure(ctx, key)
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up principal: %w", err)
	}
	if !v.hasher.Compare(p.PasswordHash, password) {
		v.recordFailure(ctx, key)
		return nil, domain.ErrInvalidCredentials
	}
	if !p.Verified {
		return nil, domain.ErrNotVerified
	}

	token, exp, err := v.tokens.Issue(p.ID, p.Role)
	if err != nil {
		return nil, err
	}
	v.resetAttempts(ctx, key)

	return &LoginResult{Token: token, Role: p.Role, ExpiresAt: exp, Principal: p}, nil
}

// ChangePassword replaces the password after checking the current one.
func (v *Verifier) ChangePassword(ctx context.Context, id uuid.UUID, current, next string) error {
	p, err := v.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !v.hasher.Compare(p.PasswordHash, current) {
		return domain.ErrInvalidCredentials.WithMessage("current password is incorrect")
	}
	if err := ValidatePassword(next); err != nil {
		return domain.Validation("%s", err.Error())
	}
	hash, err := v.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := v.store.UpdatePasswordHash(ctx, id, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	v.logger.Info("password changed", "principal_id", id)
	return nil
}

// UpdateProfile changes the display name.
func (v *Verifier) UpdateProfile(ctx context.Context, id uuid.UUID, name string) (*domain.Principal, error) {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := v.store.UpdateName(ctx, id, name); err != nil {
		return nil, err
	}
	return v.store.FindByID(ctx, id)
}

// Principal loads a principal by id.
func (v *Verifier) Principal(ctx context.Context, id uuid.UUID) (*domain.Principal, error) {
	return v.store.FindByID(ctx, id)
}

// The attempt limiter fails open: a throttle outage must not lock
// everyone out.
func (v *Verifier) blocked(ctx context.Context, key string) bool {
	if v.attempts == nil {
		return false
	}
	blocked, err := v.attempts.Blocked(ctx, key)
	if err != nil {
		v.logger.Warn("attempt limiter unavailable", "error", err)
		return false
	}
	return blocked
}

func (v *Verifier) recordFailure(ctx context.Context, key string) {
	if v.attempts == nil {
		return
	}
	if err := v.attempts.RecordFailure(ctx, key); err != nil {
		v.logger.Warn("attempt limiter unavailable", "error", err)
	}
}

func (v *Verifier) resetAttempts(ctx context.Context, key string) {
	if v.attempts == nil {
		return
	}
	if err := v.attempts.Reset(ctx, key); err != nil {
		v.logger.Warn("attempt limiter unavailable", "error", err)
	}
}
