package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the response headers every OAuth endpoint carries.
// Token and grant responses must never be cached (RFC 6749 section 5.1) and
// nothing here is meant to be framed or sniffed.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SecurityHeadersMiddleware applies SetSecurityHeaders before next runs, so
// handlers can still override individual headers (discovery documents relax
// Cache-Control).
func SecurityHeadersMiddleware(serverURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, serverURL)
			next.ServeHTTP(w, r)
		})
	}
}
