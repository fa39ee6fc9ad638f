package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/JonMunkholm/sourcehub/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantError   string
		wantMessage string
	}{
		{
			name: "nil error returns empty",
		},
		{
			name:        "validation passes message through",
			err:         domain.Validation("name is required"),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "VAL001",
			wantError:   "ValidationError",
			wantMessage: "name is required",
		},
		{
			name:        "wrapped unsupported format",
			err:         fmt.Errorf("ingest: %w", domain.ErrUnsupportedFormat.WithMessage("file is binary")),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "FILE002",
			wantError:   "UnsupportedFormat",
			wantMessage: "file is binary",
		},
		{
			name:        "not verified is 401",
			err:         domain.ErrNotVerified,
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "AUTH006",
			wantError:   "NotVerified",
			wantMessage: "Your account is not verified",
		},
		{
			name:        "invalid credentials is 400",
			err:         domain.ErrInvalidCredentials,
			wantStatus:  http.StatusBadRequest,
			wantCode:    "AUTH005",
			wantError:   "InvalidCredentials",
			wantMessage: "Invalid email or password",
		},
		{
			name:        "forbidden",
			err:         domain.ErrForbidden,
			wantStatus:  http.StatusForbidden,
			wantCode:    "SRC001",
			wantError:   "Forbidden",
			wantMessage: "You do not have access to this resource",
		},
		{
			name:        "upstream hides cause",
			err:         domain.ErrUpstreamUnavailable.Wrap(errors.New("dial tcp 10.0.0.1:443")),
			wantStatus:  http.StatusBadGateway,
			wantCode:    "UPS001",
			wantError:   "UpstreamUnavailable",
			wantMessage: "An external service is unavailable",
		},
		{
			name:        "too many uploads",
			err:         domain.ErrTooManyUploads,
			wantStatus:  http.StatusTooManyRequests,
			wantCode:    "UPL002",
			wantError:   "TooManyUploads",
			wantMessage: "System is busy processing other uploads",
		},
		{
			name:        "unlisted auth code falls back by kind",
			err:         &domain.Error{Kind: domain.KindAuth, Code: "TokenExpired", Message: "token has expired"},
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "AUTH008",
			wantError:   "TokenExpired",
			wantMessage: "Your session is invalid or has expired",
		},
		{
			name:        "duplicate key",
			err:         errors.New("pq: duplicate key value violates unique constraint"),
			wantStatus:  http.StatusConflict,
			wantCode:    "DB001",
			wantError:   "Conflict",
			wantMessage: "A record with this ID already exists",
		},
		{
			name:        "connection refused",
			err:         errors.New("dial tcp: connection refused"),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    "DB004",
			wantError:   "Unavailable",
			wantMessage: "Unable to connect to database",
		},
		{
			name:        "wrapped context deadline",
			err:         fmt.Errorf("insert batch: %w", context.DeadlineExceeded),
			wantStatus:  http.StatusGatewayTimeout,
			wantCode:    "UPL005",
			wantError:   "Timeout",
			wantMessage: "Request timed out",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("RATE LIMIT exceeded"),
			wantStatus:  http.StatusTooManyRequests,
			wantCode:    "RATE001",
			wantError:   "RateLimited",
			wantMessage: "Too many requests",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "ERR000",
			wantError:   "InternalError",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Status != tt.wantStatus {
				t.Errorf("MapError() status = %d, want %d", got.Status, tt.wantStatus)
			}
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Error != tt.wantError {
				t.Errorf("MapError() error = %q, want %q", got.Error, tt.wantError)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestMapError_CooldownCarriesSeconds(t *testing.T) {
	got := MapError(domain.CooldownActive(42))
	if got.Status != http.StatusTooManyRequests || got.Code != "RATE002" {
		t.Fatalf("got %+v", got)
	}
	if got.SecondsRemaining != 42 {
		t.Errorf("SecondsRemaining = %d, want 42", got.SecondsRemaining)
	}
	if got.Message != "please wait 42 seconds before requesting a new code" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("duplicate key value violates"), "A record with this ID already exists (Code: DB001). Please try again"},
		{domain.ErrForbidden, "You do not have access to this resource (Code: SRC001)"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := FormatUserError(tt.err); got != tt.want {
			t.Errorf("FormatUserError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"domain error is user facing", domain.ErrNotFound, true},
		{"known pattern is user facing", errors.New("deadlock detected"), true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
