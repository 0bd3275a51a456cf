// Package auth guards the admin HTTP routes with a shared bearer token.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type Verifier interface {
	Verify(credential string) error
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest extracts the admin token from an
// `Authorization: Bearer` header or, for browser WebSocket clients that cannot
// set headers, a `token` query parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token, nil
			}
		}
		return "", ErrMissingCredentials
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// Require wraps next so only requests carrying a credential accepted by v are
// served. A nil verifier disables the check.
func Require(v Verifier, logger *slog.Logger, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := CredentialFromRequest(r)
		if err == nil {
			err = v.Verify(cred)
		}
		if err != nil {
			logger.Warn("admin_auth_rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"reason", err.Error(),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="aero-udp-broadcast-relay"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
