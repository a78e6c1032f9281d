package httpapi

import (
	"crypto/subtle"
	"net/http"

	"qms/clinic-queue/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// adminAuth gates the tenant administration routes behind HTTP basic
// credentials. Without a configured password hash every request is refused.
func (h *Handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.options.AdminPasswordHash == "" {
			writeError(w, r, http.StatusForbidden, "admin_disabled", "administration is not configured")
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !h.checkAdmin(username, password) {
			logging.FromRequest(r, h.logger).Warn("admin authentication failed", zap.String("username", username))
			w.Header().Set("WWW-Authenticate", `Basic realm="clinic-queue admin"`)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) checkAdmin(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.options.AdminUsername)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(h.options.AdminPasswordHash), []byte(password)) == nil
	return userOK && passOK
}
