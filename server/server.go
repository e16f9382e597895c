package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/scope"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// tokenIDLogLength is the number of characters to include when logging secrets
const tokenIDLogLength = 8

// RequestMeta carries per-request details recorded with tokens and in audit
// events.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Server implements the authorization server logic independently of HTTP.
// It coordinates the flows using a storage backend, a scope taxonomy and a
// token signer.
type Server struct {
	store       storage.Store
	signer      TokenSigner
	scopes      *scope.Taxonomy
	revocations *RevocationCache
	subjects    SubjectResolver

	Auditor               *security.Auditor
	ClientCreationLimiter *security.ClientCreationLimiter
	Logger                *slog.Logger
	Config                *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// New creates a new authorization server
func New(store storage.Store, signer TokenSigner, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config.Issuer = util.NormalizeURL(config.Issuer)
	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:       store,
		signer:      signer,
		scopes:      scope.Default(),
		revocations: NewRevocationCache(store, logger),
		subjects:    StaticSubjectResolver{},
		Config:      config,
		Logger:      logger,
		now:         time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetClientCreationLimiter limits ad-hoc client registrations per IP
func (s *Server) SetClientCreationLimiter(rl *security.ClientCreationLimiter) {
	s.ClientCreationLimiter = rl
}

// SetSubjectResolver plugs in the platform's user service
func (s *Server) SetSubjectResolver(r SubjectResolver) {
	if r != nil {
		s.subjects = r
	}
}

// SetRevocationStore moves the revocation fast path to a separate store,
// e.g. Redis in front of a PostgreSQL grant store.
func (s *Server) SetRevocationStore(rs storage.RevocationStore) {
	if rs != nil {
		s.revocations = NewRevocationCache(rs, s.Logger)
	}
}

// SetInstrumentation enables metrics and tracing for the service layer
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// Instrumentation returns the instrumentation set with SetInstrumentation,
// or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// SetScopeTaxonomy replaces the default scope vocabulary
func (s *Server) SetScopeTaxonomy(t *scope.Taxonomy) {
	if t != nil {
		s.scopes = t
	}
}

// Scopes returns the scope taxonomy in use
func (s *Server) Scopes() *scope.Taxonomy {
	return s.scopes
}

// Signer returns the token signer
func (s *Server) Signer() TokenSigner {
	return s.signer
}

// Revocations returns the revocation cache
func (s *Server) Revocations() *RevocationCache {
	return s.revocations
}

// SeedKnownClients registers the configured first-party clients. Existing
// records are left untouched.
func (s *Server) SeedKnownClients(ctx context.Context) error {
	for _, kc := range s.Config.KnownClients {
		if kc.ClientID == "" {
			return fmt.Errorf("known client without client_id")
		}
		for _, uri := range kc.RedirectURIs {
			if err := validateRedirectURISyntax(uri, s.Config.AllowedCustomSchemes); err != nil {
				return fmt.Errorf("known client %s: %w", kc.ClientID, err)
			}
		}

		name := kc.DisplayName
		if name == "" {
			name = kc.ClientID
		}
		_, created, err := s.store.CreateClientIfAbsent(ctx, &storage.Client{
			ID:           newID(),
			ClientID:     kc.ClientID,
			DisplayName:  name,
			IsKnown:      true,
			RedirectURIs: append([]string(nil), kc.RedirectURIs...),
			CreatedAt:    s.now(),
		})
		if err != nil {
			return fmt.Errorf("seeding known client %s: %w", kc.ClientID, err)
		}
		if created {
			s.Logger.Info("Seeded known client", "client_id", kc.ClientID, "redirect_uris", len(kc.RedirectURIs))
		}
	}
	return nil
}

// metrics returns the metric instruments, or nil when instrumentation is off
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// startSpan starts a service-layer span; a no-op span when tracing is off
func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// serverError logs err and returns a generic server_error
func (s *Server) serverError(msg string, err error, args ...any) *Error {
	s.Logger.Error(msg, append([]any{"error", err}, args...)...)
	return ErrServerError("internal server error")
}

// validateHTTPSEnforcement ensures that the server is running over HTTPS
// outside of localhost development. Authorization codes, refresh tokens and
// invite links all travel through URLs under the issuer.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately")
	return nil
}
