package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAdminKey returns the bcrypt hash to configure as admin.key_hash.
func HashAdminKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("admin key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}

	return string(hash), nil
}

// requireAdmin checks the Bearer token against the configured admin key
// hash. Without a configured hash every admin request is refused.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Admin.KeyHash == "" {
			writeJSON(w, http.StatusServiceUnavailable,
				envelope{Message: "Admin interface is disabled"})

			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized,
				envelope{Message: "Bearer token required"})

			return
		}

		if err := bcrypt.CompareHashAndPassword(
			[]byte(s.cfg.Admin.KeyHash), []byte(authHeader[7:]),
		); err != nil {
			s.log.WithField("remote", r.RemoteAddr).
				Warn("Rejected admin request")
			writeJSON(w, http.StatusUnauthorized,
				envelope{Message: "Invalid admin key"})

			return
		}

		next.ServeHTTP(w, r)
	})
}
