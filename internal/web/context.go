package web

import (
	"net/http"

	"github.com/JonMunkholm/sourcehub/internal/core"
	mw "github.com/JonMunkholm/sourcehub/internal/web/middleware"
)

// withClient adds the client IP and User-Agent to the request context for
// ingestion logging. It runs after TrustedRealIP.
func withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.ContextWithClient(r.Context(), mw.ClientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
