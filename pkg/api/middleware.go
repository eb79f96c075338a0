package api

import (
	"context"
	"net/http"
	"time"
)

type contextKey string

const systemContextKey contextKey = "system"

// apiKeyHeader carries a producer's system API key.
const apiKeyHeader = "X-API-Key"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// resolveSystem maps the request's API key to its system and injects the
// system name into the request context. Requests without a key are served
// unscoped; an unknown or inactive key is rejected.
func (s *server) resolveSystem(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			s.log.WithField("path", r.URL.Path).
				WithField("remote", r.RemoteAddr).
				Warn("Ingestion request without API key")

			next.ServeHTTP(w, r)

			return
		}

		system, ok := s.keys.Resolve(r.Context(), key)
		if !ok {
			writeJSON(w, http.StatusForbidden,
				envelope{Success: false, Message: "Invalid API key"})

			return
		}

		s.log.WithField("system", system).
			WithField("api_key", keyPrefix(key)).
			Debug("Ingestion request authenticated")

		ctx := context.WithValue(r.Context(), systemContextKey, system)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// systemFromContext returns the system resolved for the request, or ""
// for unscoped callers.
func systemFromContext(ctx context.Context) string {
	system, _ := ctx.Value(systemContextKey).(string)

	return system
}

// keyPrefix shortens an API key for logs.
func keyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}

	return key[:8] + "..."
}
