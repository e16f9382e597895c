package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		wantHSTS  bool
	}{
		{"HTTPS server", "https://auth.example.com", true},
		{"HTTP server", "http://localhost:8080", false},
		{"invalid URL", "://invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.serverURL)

			if got := w.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
			if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
			hasHSTS := w.Header().Get("Strict-Transport-Security") != ""
			if hasHSTS != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", hasHSTS, tt.wantHSTS)
			}
		})
	}
}

func TestSecurityHeadersMiddleware_HandlerCanOverride(t *testing.T) {
	h := SecurityHeadersMiddleware("https://auth.example.com")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	if got := w.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q, want handler override", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff header missing")
	}
}
