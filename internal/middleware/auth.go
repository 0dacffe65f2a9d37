// Package middleware contains HTTP middleware for the replyflow service.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// =============================================================================
// Service Token Auth
// =============================================================================

// ServiceTokenMiddleware guards the internal API. Callers present the shared
// token as "Authorization: Bearer <token>".
type ServiceTokenMiddleware struct {
	token  []byte
	logger *slog.Logger
}

// NewServiceTokenMiddleware creates the internal API guard. An empty token
// rejects every request; configuration refuses to start without one outside
// development.
func NewServiceTokenMiddleware(token string, logger *slog.Logger) *ServiceTokenMiddleware {
	return &ServiceTokenMiddleware{
		token:  []byte(token),
		logger: logger,
	}
}

// Handler returns middleware that requires the service token.
func (m *ServiceTokenMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.authorized(r) {
			m.logger.Warn("internal api request rejected",
				"path", r.URL.Path,
				"ip", getClientIP(r),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="replyflow"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *ServiceTokenMiddleware) authorized(r *http.Request) bool {
	if len(m.token) == 0 {
		return false
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), m.token) == 1
}

// =============================================================================
// Basic Auth (metrics)
// =============================================================================

// BasicAuthMiddleware protects the metrics endpoint.
type BasicAuthMiddleware struct {
	username string
	password string
	realm    string
	enabled  bool
}

// NewBasicAuthMiddleware creates a basic auth guard. If both username and
// password are empty, authentication is disabled.
func NewBasicAuthMiddleware(username, password, realm string) *BasicAuthMiddleware {
	return &BasicAuthMiddleware{
		username: username,
		password: password,
		realm:    realm,
		enabled:  username != "" || password != "",
	}
}

// Handler returns middleware that requires basic authentication.
func (m *BasicAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		// Compare both halves so timing does not reveal which one was wrong.
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(m.username)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(m.password)) == 1
		if !ok || !userMatch || !passMatch {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+m.realm+`"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeError writes the JSON error envelope the handlers use.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// Stack composes middleware so the first one listed runs first.
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
