package core

// # Error Codes Reference
//
// MapError turns any error into the view a client sees. Classified
// domain errors map by code; anything else is matched against known
// technical patterns; the rest collapse to ERR000 and are only logged.
//
// Codes are grouped by category so users can quote them to support:
//
//	VAL001  Request failed validation (domain message passed through)
//	VAL002  Manual payload is not a JSON array of objects
//	FILE002 Content does not match the declared format
//	UPS001  External service unavailable
//	UPS002  Verification code could not be delivered
//	AUTH001 Account already exists
//	AUTH002 Account already verified
//	AUTH003 Invalid verification code
//	AUTH004 Verification code expired
//	AUTH005 Invalid credentials
//	AUTH006 Account not verified
//	AUTH007 No token
//	AUTH008 Invalid or expired token
//	SRC001  Not permitted to access the resource
//	SRC002  Resource not found
//	RATE001 Too many requests
//	RATE002 Resend cooldown active
//	RATE003 Too many failed attempts
//	UPL002  Too many concurrent ingestions
//	UPL004  Request cancelled
//	UPL005  Request timed out
//	DB001-DB007 Database constraint and connectivity failures
//	ERR000  Anything else; check the logs for the request id
//
// Raw-error patterns are matched case-insensitively with strings.Contains.
// The first match wins, so specific patterns come before general ones.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JonMunkholm/sourcehub/internal/domain"
)

// UserMessage is the client view of an error.
type UserMessage struct {
	Status           int    `json:"-"`
	Error            string `json:"error"`   // Stable machine-readable name
	Message          string `json:"message"` // What happened
	Action           string `json:"action,omitempty"`
	Code             string `json:"code"` // Support reference
	SecondsRemaining int    `json:"secondsRemaining,omitempty"`
}

type codeEntry struct {
	status  int
	support string
	action  string
	// passMessage keeps the domain error's own message instead of message.
	passMessage bool
	message     string
}

// domainCodes maps domain.Error codes to their client view.
var domainCodes = map[string]codeEntry{
	domain.ErrValidation.Code: {
		status: http.StatusBadRequest, support: "VAL001", passMessage: true,
		action: "Correct the request and try again",
	},
	domain.ErrInvalidManualPayload.Code: {
		status: http.StatusBadRequest, support: "VAL002", passMessage: true,
		action: "Send rows as a JSON array of objects",
	},
	domain.ErrUnsupportedFormat.Code: {
		status: http.StatusBadRequest, support: "FILE002", passMessage: true,
		action: "Check the file type and its contents",
	},
	domain.ErrUpstreamUnavailable.Code: {
		status: http.StatusBadGateway, support: "UPS001",
		message: "An external service is unavailable",
		action:  "Please try again later",
	},
	domain.ErrRegistrationDeliveryFailed.Code: {
		status: http.StatusBadGateway, support: "UPS002",
		message: "We could not send your verification code",
		action:  "Please register again in a few minutes",
	},
	domain.ErrAlreadyRegistered.Code: {
		status: http.StatusConflict, support: "AUTH001",
		message: "An account with this email already exists",
		action:  "Log in instead",
	},
	domain.ErrAlreadyVerified.Code: {
		status: http.StatusConflict, support: "AUTH002",
		message: "This account is already verified",
		action:  "Log in instead",
	},
	domain.ErrInvalidCode.Code: {
		status: http.StatusBadRequest, support: "AUTH003",
		message: "The verification code is not valid",
		action:  "Check the code in your email or request a new one",
	},
	domain.ErrCodeExpired.Code: {
		status: http.StatusBadRequest, support: "AUTH004",
		message: "The verification code has expired",
		action:  "Request a new code",
	},
	domain.ErrInvalidCredentials.Code: {
		status: http.StatusBadRequest, support: "AUTH005",
		message: "Invalid email or password",
	},
	domain.ErrNotVerified.Code: {
		status: http.StatusUnauthorized, support: "AUTH006",
		message: "Your account is not verified",
		action:  "Enter the code sent to your email",
	},
	domain.ErrNoToken.Code: {
		status: http.StatusUnauthorized, support: "AUTH007",
		message: "Authentication required",
		action:  "Log in and retry with a bearer token",
	},
	domain.ErrInvalidToken.Code: {
		status: http.StatusUnauthorized, support: "AUTH008",
		message: "Your session is invalid or has expired",
		action:  "Log in again",
	},
	domain.ErrCooldownActive.Code: {
		status: http.StatusTooManyRequests, support: "RATE002", passMessage: true,
		action: "Wait before requesting another code",
	},
	domain.ErrTooManyAttempts.Code: {
		status: http.StatusTooManyRequests, support: "RATE003",
		message: "Too many failed attempts",
		action:  "Please wait before trying again",
	},
	domain.ErrTooManyUploads.Code: {
		status: http.StatusTooManyRequests, support: "UPL002",
		message: "System is busy processing other uploads",
		action:  "Please wait a moment and try again",
	},
	domain.ErrForbidden.Code: {
		status: http.StatusForbidden, support: "SRC001",
		message: "You do not have access to this resource",
	},
	domain.ErrNotFound.Code: {
		status: http.StatusNotFound, support: "SRC002", passMessage: true,
	},
}

// kindDefaults cover classified errors whose code has no entry, such as
// the token verification errors.
var kindDefaults = map[domain.ErrorKind]codeEntry{
	domain.KindValidation:    domainCodes[domain.ErrValidation.Code],
	domain.KindAuth:          domainCodes[domain.ErrInvalidToken.Code],
	domain.KindAuthorization: domainCodes[domain.ErrForbidden.Code],
	domain.KindNotFound:      domainCodes[domain.ErrNotFound.Code],
	domain.KindConflict:      {status: http.StatusConflict, support: "ERR409", passMessage: true},
	domain.KindRateLimited:   {status: http.StatusTooManyRequests, support: "RATE001", passMessage: true, action: "Please wait a moment before trying again"},
	domain.KindUpstream:      domainCodes[domain.ErrUpstreamUnavailable.Code],
}

// errorPattern maps a raw error substring to a message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Database constraint errors.
	{"duplicate key", UserMessage{Status: http.StatusConflict, Error: "Conflict", Message: "A record with this ID already exists", Action: "Please try again", Code: "DB001"}},
	{"unique constraint", UserMessage{Status: http.StatusConflict, Error: "Conflict", Message: "This value must be unique but already exists", Action: "Use a different value", Code: "DB002"}},
	{"violates foreign key", UserMessage{Status: http.StatusConflict, Error: "Conflict", Message: "Referenced record does not exist", Action: "Refresh and try again", Code: "DB003"}},

	// Database connectivity.
	{"connection refused", UserMessage{Status: http.StatusServiceUnavailable, Error: "Unavailable", Message: "Unable to connect to database", Action: "Please try again in a few moments", Code: "DB004"}},
	{"connection reset", UserMessage{Status: http.StatusServiceUnavailable, Error: "Unavailable", Message: "Database connection was interrupted", Action: "Please try again", Code: "DB005"}},
	{"deadlock", UserMessage{Status: http.StatusServiceUnavailable, Error: "Unavailable", Message: "Database was busy with conflicting operations", Action: "Please try again", Code: "DB007"}},

	// Request lifecycle. "context deadline exceeded" must precede "timeout".
	{"context canceled", UserMessage{Status: 499, Error: "Cancelled", Message: "Request was cancelled", Action: "Please try again", Code: "UPL004"}},
	{"context deadline exceeded", UserMessage{Status: http.StatusGatewayTimeout, Error: "Timeout", Message: "Request timed out", Action: "Try a smaller file or check your connection", Code: "UPL005"}},
	{"timeout", UserMessage{Status: http.StatusGatewayTimeout, Error: "Timeout", Message: "Operation timed out", Action: "Try a smaller file or try again later", Code: "DB006"}},

	{"rate limit", UserMessage{Status: http.StatusTooManyRequests, Error: "RateLimited", Message: "Too many requests", Action: "Please wait a moment before trying again", Code: "RATE001"}},
}

// defaultMessage is the ERR000 fallback. The technical error is logged,
// never shown.
var defaultMessage = UserMessage{
	Status:  http.StatusInternalServerError,
	Error:   "InternalError",
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts err to its client view. A nil error maps to the zero
// UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if de, ok := domain.AsError(err); ok {
		entry, found := domainCodes[de.Code]
		if !found {
			entry, found = kindDefaults[de.Kind]
		}
		if found {
			return fromEntry(de, entry)
		}
	}

	// Typed checks first so wrapped errors with custom text still match.
	switch {
	case errors.Is(err, context.Canceled):
		return patternMessage("context canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return patternMessage("context deadline exceeded")
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

func fromEntry(de *domain.Error, e codeEntry) UserMessage {
	msg := e.message
	if e.passMessage || msg == "" {
		msg = de.Message
	}
	return UserMessage{
		Status:           e.status,
		Error:            de.Code,
		Message:          msg,
		Action:           e.action,
		Code:             e.support,
		SecondsRemaining: de.SecondsRemaining,
	}
}

func patternMessage(pattern string) UserMessage {
	for _, ep := range errorPatterns {
		if ep.pattern == pattern {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	if msg.Action == "" {
		return fmt.Sprintf("%s (Code: %s)", msg.Message, msg.Code)
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
