package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const adminUsername = "admin"

// requireAdmin protects the admin routes with HTTP Basic auth against the
// configured bcrypt hash. With no hash configured the routes do not exist.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminPasswordHash == "" {
			http.NotFound(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			h.challenge(w)
			return
		}
		nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(adminUsername)) == 1
		passErr := bcrypt.CompareHashAndPassword([]byte(h.config.AdminPasswordHash), []byte(password))
		if !nameOK || passErr != nil {
			slog.Warn("admin auth rejected", "remote", r.RemoteAddr)
			h.challenge(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
	w.WriteHeader(http.StatusUnauthorized)
}
