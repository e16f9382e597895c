package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()
	if id1 == id2 {
		t.Error("expected unique request IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("request ID %q is not a UUID: %v", id1, err)
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty ctx) = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want req-123", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantKeep bool
	}{
		{"no upstream ID", "", false},
		{"valid upstream ID", "abc-123_DEF", true},
		{"CRLF injection", "abc\r\nSet-Cookie: x=y", false},
		{"too long", strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/token", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("response ID %q, context ID %q", got, seen)
			}
			if tt.wantKeep && got != tt.upstream {
				t.Errorf("upstream ID not preserved: got %q", got)
			}
			if !tt.wantKeep && got == tt.upstream {
				t.Errorf("upstream ID %q should have been replaced", tt.upstream)
			}
		})
	}
}
