package admin

import (
	"crypto/subtle"
	"net/http"
)

// requireAdminKey rejects requests whose X-Admin-Key header does not match
// the configured secret. An unset secret rejects everything.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validAdminKey(s.adminKey, r.Header.Get(AdminKeyHeader)) {
			s.logger.Warn("admin request rejected",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", extractClientIP(r),
				"key_present", r.Header.Get(AdminKeyHeader) != "",
			)
			writeError(w, http.StatusUnauthorized, "unauthorized, invalid or missing admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validAdminKey(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
