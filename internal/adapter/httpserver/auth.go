// Package httpserver is the orchestrator's HTTP boundary.
//
// It terminates vendor webhook deliveries for every tenant and exposes the
// operator admin API over the supervised worker fleet. Handlers stay thin:
// the receive pipeline lives in the watcher packages and supervision in the
// orchestrator package.
package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// AdminAuth guards the admin API with a static bearer token. The compare is
// constant time; an empty configured token disables the surface entirely
// rather than leaving it open.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, r, fmt.Errorf("op=httpserver.AdminAuth: admin api disabled: %w", domain.ErrUnauthorized), nil)
				return
			}
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeError(w, r, fmt.Errorf("op=httpserver.AdminAuth: %w", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
