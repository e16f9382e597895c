package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// MockTime is a clock tests can move by hand. Pass m.Now wherever a
// component accepts a func() time.Time.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// GeneratePKCEPair returns an S256 challenge and the verifier it was
// derived from.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HTTPRequest builds a request against an http.Handler without a listener:
//
//	rr := testutil.NewHTTPRequest(http.MethodPost, "/token").
//		WithForm(url.Values{"grant_type": {"refresh_token"}}).
//		Do(router)
type HTTPRequest struct {
	method string
	target string
	header http.Header
	body   string
}

func NewHTTPRequest(method, target string) *HTTPRequest {
	return &HTTPRequest{method: method, target: target, header: http.Header{}}
}

func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.header.Set(key, value)
	return r
}

// WithBearer authenticates the request with a session or access token.
func (r *HTTPRequest) WithBearer(token string) *HTTPRequest {
	return r.WithHeader("Authorization", "Bearer "+token)
}

// WithForm sends form as an application/x-www-form-urlencoded body.
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.body = form.Encode()
	return r.WithHeader("Content-Type", "application/x-www-form-urlencoded")
}

// WithJSON sends body verbatim as application/json.
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.body = body
	return r.WithHeader("Content-Type", "application/json")
}

// Do serves the request on handler and returns the recorded response.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req := httptest.NewRequest(r.method, r.target, body)
	for k, v := range r.header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
