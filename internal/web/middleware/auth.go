package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/sourcehub/internal/auth"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/JonMunkholm/sourcehub/internal/logging"
	"github.com/google/uuid"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// PrincipalLoader resolves the principal a token names.
type PrincipalLoader interface {
	Principal(ctx context.Context, id uuid.UUID) (*domain.Principal, error)
}

// ErrorFunc writes err as the response.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

type principalKey struct{}

// Authenticate returns middleware that requires a valid bearer token.
//
// A missing header fails with NoToken. A token that does not verify, or that
// names a principal that no longer exists, fails with InvalidToken. The
// stored principal, not the token claims, is placed on the context so role
// changes take effect without reissuing tokens.
func Authenticate(tokens TokenVerifier, principals PrincipalLoader, fail ErrorFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				fail(w, r, domain.ErrNoToken)
				return
			}

			identity, err := tokens.Verify(token)
			if err != nil {
				slog.Warn("auth: token rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				// The specific cause stays in the log.
				fail(w, r, domain.ErrInvalidToken.Wrap(err))
				return
			}

			principal, err := principals.Principal(r.Context(), identity.PrincipalID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					fail(w, r, domain.ErrInvalidToken.WithMessage("account no longer exists"))
					return
				}
				fail(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			ctx = logging.WithPrincipal(ctx, principal.ID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireIngest rejects principals whose role may not create or delete
// data sources. It must run after Authenticate.
func RequireIngest(fail ErrorFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				fail(w, r, domain.ErrNoToken)
				return
			}
			if !p.Role.CanIngest() {
				fail(w, r, domain.ErrForbidden.WithMessage("role %q may not modify data sources", p.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFrom returns the authenticated principal stored by Authenticate.
func PrincipalFrom(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*domain.Principal)
	return p, ok && p != nil
}

// WithPrincipal stores p the way Authenticate does. Used by tests and by
// handlers mounted outside the authenticated group.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}
