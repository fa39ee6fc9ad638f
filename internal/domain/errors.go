package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error into the service-wide taxonomy.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuth
	KindAuthorization
	KindNotFound
	KindConflict
	KindRateLimited
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified error. Two Errors match under errors.Is when their
// codes are equal, so wrapped copies of a sentinel still match it.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string

	// SecondsRemaining is set for CooldownActive.
	SecondsRemaining int

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrValidation           = newError(KindValidation, "ValidationError", "invalid request")
	ErrUnsupportedFormat    = newError(KindValidation, "UnsupportedFormat", "content does not match the declared format")
	ErrInvalidManualPayload = newError(KindValidation, "InvalidManualPayload", "manual payload must be a JSON array of objects")
	ErrUpstreamUnavailable  = newError(KindUpstream, "UpstreamUnavailable", "external service unavailable")

	ErrAlreadyRegistered          = newError(KindConflict, "AlreadyRegistered", "an account with this email already exists")
	ErrAlreadyVerified            = newError(KindConflict, "AlreadyVerified", "account is already verified")
	ErrRegistrationDeliveryFailed = newError(KindUpstream, "RegistrationDeliveryFailed", "verification code could not be delivered")
	ErrCooldownActive             = newError(KindRateLimited, "CooldownActive", "a code was sent recently")
	ErrTooManyAttempts            = newError(KindRateLimited, "TooManyAttempts", "too many attempts")
	ErrInvalidCode                = newError(KindValidation, "InvalidCode", "invalid verification code")
	ErrCodeExpired                = newError(KindValidation, "CodeExpired", "verification code has expired")
	ErrInvalidCredentials         = newError(KindValidation, "InvalidCredentials", "invalid credentials")
	ErrNotVerified                = newError(KindAuth, "NotVerified", "account is not verified")

	ErrNoToken      = newError(KindAuth, "NoToken", "no token provided")
	ErrInvalidToken = newError(KindAuth, "InvalidToken", "invalid or expired token")

	ErrForbidden = newError(KindAuthorization, "Forbidden", "forbidden")
	ErrNotFound  = newError(KindNotFound, "NotFound", "not found")

	ErrTooManyUploads = newError(KindRateLimited, "TooManyUploads", "too many concurrent uploads")
	ErrRateLimited    = newError(KindRateLimited, "RateLimited", "too many requests")
)

// CooldownActive returns ErrCooldownActive carrying the remaining wait.
func CooldownActive(secondsRemaining int) *Error {
	c := *ErrCooldownActive
	c.SecondsRemaining = secondsRemaining
	c.Message = fmt.Sprintf("please wait %d seconds before requesting a new code", secondsRemaining)
	return &c
}

// Validation returns a ValidationError with a specific message.
func Validation(format string, args ...any) *Error {
	return ErrValidation.WithMessage(format, args...)
}

// KindOf returns the taxonomy kind of err, or KindInternal when err is not
// a classified Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError extracts the classified Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
