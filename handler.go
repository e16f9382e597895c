package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/server"
)

// maxJSONBodySize bounds JSON request bodies on the grant endpoints
const maxJSONBodySize = 64 << 10

// Handler is the HTTP adapter in front of server.Server.
type Handler struct {
	server    *server.Server
	config    *Config
	logger    *slog.Logger
	tracer    trace.Tracer
	auth      Authenticator
	ipLimiter *security.RateLimiter

	// resourceServers maps resource server IDs to bcrypt hashes
	resourceServers map[string][]byte
	// dummyHash is compared against when the resource server ID is unknown
	dummyHash []byte
}

// NewHandler creates the HTTP handler. A nil config uses defaults.
func NewHandler(srv *server.Server, config *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	logger := srv.Logger
	if config != nil && config.Logger != nil {
		logger = config.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		auth:   NewTokenAuthenticator(srv, config.SessionCookieName, config.SessionClients),
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	if config.RateLimit.Rate > 0 {
		h.ipLimiter = security.NewRateLimiter("ip", config.RateLimit.Rate, config.RateLimit.Burst, logger)
		h.ipLimiter.SetInstrumentation(srv.Instrumentation())
		h.ipLimiter.SetAuditor(srv.Auditor)
	}

	if len(config.ResourceServers) > 0 {
		h.resourceServers = make(map[string][]byte, len(config.ResourceServers))
		for _, rs := range config.ResourceServers {
			h.resourceServers[rs.ID] = []byte(rs.SecretHash)
		}
		dummy, err := bcrypt.GenerateFromPassword([]byte("nocturne-dummy-secret"), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare introspection credentials: %w", err)
		}
		h.dummyHash = dummy
	}

	return h, nil
}

// SetAuthenticator replaces the default TokenAuthenticator, e.g. with one
// that understands the platform's own session cookies.
func (h *Handler) SetAuthenticator(a Authenticator) {
	if a != nil {
		h.auth = a
	}
}

// Close stops background work owned by the handler
func (h *Handler) Close() {
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
}

func (h *Handler) issuer() string {
	return h.server.Config.Issuer
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
}

func (h *Handler) requestMeta(r *http.Request) server.RequestMeta {
	return server.RequestMeta{
		IPAddress: h.clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument wraps an endpoint with a span, CORS headers and HTTP metrics
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		var span trace.Span
		if h.tracer != nil {
			var ctx context.Context
			ctx, span = h.tracer.Start(r.Context(), "oauth.http."+endpoint)
			defer span.End()
			instrumentation.SetSpanAttributes(span,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", endpoint),
			)
			r = r.WithContext(ctx)
		}

		h.setCORSHeaders(w, r)
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		if span != nil {
			instrumentation.SetSpanAttributes(span, attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				instrumentation.SetSpanError(span, http.StatusText(status))
			} else {
				instrumentation.SetSpanSuccess(span)
			}
		}
		h.recordHTTPMetrics(endpoint, r.Method, status, startTime)
	}
}

// rateLimited rejects requests over the per-IP limit
func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ipLimiter.Allow(r.Context(), h.clientIP(r)) {
			h.writeError(w, server.ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
			return
		}
		next(w, r)
	}
}

// requireAuthentication rejects requests without a valid subject and
// stores the validated claims in the request context.
func (h *Handler) requireAuthentication(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Authenticate(r)
		if errors.Is(err, ErrNotAuthenticated) {
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
			return
		}
		if err != nil {
			h.logger.Debug("Authentication failed", "ip", h.clientIP(r), "error", err)
			h.writeError(w, err)
			return
		}
		next(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	}
}

// optionalSubject returns the authenticated subject, or "" when the
// request carries no valid credentials.
func (h *Handler) optionalSubject(r *http.Request) string {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		if !errors.Is(err, ErrNotAuthenticated) {
			h.logger.Debug("Ignoring invalid session on browser flow", "ip", h.clientIP(r), "error", err)
		}
		return ""
	}
	return claims.Subject
}

// writeJSON writes v. Security headers come from the router middleware so
// handlers may relax Cache-Control first.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeNoStoreJSON writes a response carrying tokens (RFC 6749 Section 5.1)
func (h *Handler) writeNoStoreJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, v)
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return server.ErrInvalidRequest("malformed JSON body")
	}
	return nil
}

// parseFormBool accepts the HTML checkbox value "on" besides strconv's forms
func parseFormBool(v string) bool {
	if v == "on" {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

// isAllowedOrigin checks exact matches (case-sensitive) and the "*" wildcard
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
