package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ignite/softban/internal/pkg/httputil"
	"github.com/ignite/softban/internal/pkg/logger"
)

// RequireAdminToken rejects requests that do not carry
// "Authorization: Bearer <token>". An empty token rejects everything.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || !bearerMatches(r.Header.Get("Authorization"), token) {
				logger.Warn("admin: unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="softban-admin"`)
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerMatches(header, token string) bool {
	scheme, got, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	got = strings.TrimSpace(got)
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
