package middleware

import (
	"net/http"
)

// SecurityHeadersMiddleware adds security headers to API responses.
type SecurityHeadersMiddleware struct {
	isSecure bool // enables HSTS
}

// NewSecurityHeadersMiddleware creates a new security headers middleware.
// Set isSecure outside development, where the service sits behind TLS.
func NewSecurityHeadersMiddleware(isSecure bool) *SecurityHeadersMiddleware {
	return &SecurityHeadersMiddleware{
		isSecure: isSecure,
	}
}

// Handler returns middleware that sets security headers on all responses.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		// Responses are JSON only; nothing may load or frame them.
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Usage and queue state change on every call.
		h.Set("Cache-Control", "no-store")

		if m.isSecure {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
