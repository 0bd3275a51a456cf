package httpserver

import (
	"net/http"
	"strings"
)

const allowedMethods = "GET,HEAD,OPTIONS"

// WithOriginPolicy wraps a read-only admin handler so cross-origin browser
// requests are only served for the configured allowed origins.
// Register the wrapped handler for OPTIONS as well so CORS preflights reach it.
func (s *Server) WithOriginPolicy(next http.Handler) http.Handler {
	return s.withOriginPolicy(next.ServeHTTP)
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalizedOrigin, ok := s.origins.Check(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if r.Method == http.MethodOptions && (normalizedOrigin == "" || r.Header.Get("Access-Control-Request-Method") == "") {
			w.Header().Set("Allow", allowedMethods)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if normalizedOrigin == "" {
			next(w, r)
			return
		}

		// Only send CORS headers when the browser sends an Origin header. Same-origin
		// requests don't require them, but setting them is harmless and makes it
		// possible to run the frontend on a separate origin during development.
		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Preflights carry no credentials, so they are answered here before any
		// auth check wrapped in next.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
