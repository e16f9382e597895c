package oauth

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Default HTTP-layer settings
const (
	DefaultSessionCookieName = "nocturne_session"
	DefaultSessionClientID   = "nocturne-web"
	DefaultRateLimit         = 10
	DefaultRateLimitBurst    = 20
	DefaultTrustedProxyCount = 1

	defaultCORSMaxAge = 3600
)

// Config holds the HTTP handler configuration. Protocol settings (issuer,
// TTLs, login and consent URLs) live in server.Config.
type Config struct {
	// CORS settings for browser-based clients
	CORS CORSConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// SessionCookieName is the cookie carrying the platform session token on
	// browser flows (GET/POST /authorize, device approval).
	// Default: "nocturne_session"
	SessionCookieName string

	// SessionClients lists the first-party clients whose access tokens act
	// as platform sessions on /authorize, /device-info, /device-approve and
	// /grants. Tokens delegated to any other client are refused there, so a
	// client holding glucose:read cannot widen its own grant.
	// Default: ["nocturne-web"]
	SessionClients []string

	// ResourceServers may authenticate to /introspect with HTTP Basic auth.
	// When empty, introspection is open (it never reveals more than the
	// token itself carries).
	ResourceServers []ResourceServerCredential

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the JSON endpoints.
	// Empty disables CORS. "*" allows every origin (development only).
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds. Default: 3600
	MaxAge int
}

// RateLimitConfig holds per-IP rate limiting for the unauthenticated
// endpoints (/token, /device, /device-info, /device-approve, invite
// acceptance).
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Negative disables limiting.
	// Default: 10
	Rate float64

	// Burst is the maximum burst size allowed per IP. Default: 20
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// Default: 1
	TrustedProxyCount int

	// CleanupInterval is how often idle limiter entries are dropped
	CleanupInterval time.Duration
}

// ResourceServerCredential authenticates a resource server at /introspect.
// SecretHash is a bcrypt hash; see HashResourceServerSecret.
type ResourceServerCredential struct {
	ID         string `mapstructure:"id" yaml:"id"`
	SecretHash string `mapstructure:"secret_hash" yaml:"secret_hash"`
}

// HashResourceServerSecret returns the bcrypt hash to put in
// ResourceServerCredential.SecretHash.
func HashResourceServerSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// applyDefaults fills unset fields and warns about risky settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config == nil {
		config = &Config{}
	}
	if config.SessionCookieName == "" {
		config.SessionCookieName = DefaultSessionCookieName
	}
	if len(config.SessionClients) == 0 {
		config.SessionClients = []string{DefaultSessionClientID}
	}
	if config.RateLimit.Rate == 0 {
		config.RateLimit.Rate = DefaultRateLimit
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = DefaultRateLimitBurst
	}
	if config.RateLimit.TrustedProxyCount == 0 {
		config.RateLimit.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if config.CORS.MaxAge == 0 {
		config.CORS.MaxAge = defaultCORSMaxAge
	}

	for _, origin := range config.CORS.AllowedOrigins {
		if origin == "*" {
			logger.Warn("⚠️  SECURITY WARNING: CORS wildcard origin allows every website",
				"risk", "any origin can read token endpoint responses",
				"recommendation", "list the platform's web origins explicitly")
		}
	}
	if config.RateLimit.Rate < 0 {
		logger.Warn("⚠️  SECURITY WARNING: Rate limiting is disabled",
			"risk", "brute force of device user codes and invite tokens",
			"recommendation", "keep a per-IP limit in production")
	}
	if len(config.ResourceServers) == 0 {
		logger.Warn("⚠️  SECURITY WARNING: Token introspection is open to anonymous callers",
			"risk", "anyone holding a token can learn its subject, scopes and grant",
			"recommendation", "configure resource server credentials for /introspect")
	}
	if config.RateLimit.TrustProxy {
		logger.Info("Trusting proxy headers for client IPs",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount)
	}
	return config
}

// validate checks settings that would fail at request time otherwise
func (c *Config) validate() error {
	for _, id := range c.SessionClients {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty session client id")
		}
	}
	seen := make(map[string]bool, len(c.ResourceServers))
	for _, rs := range c.ResourceServers {
		if strings.TrimSpace(rs.ID) == "" {
			return fmt.Errorf("resource server credential without id")
		}
		if seen[rs.ID] {
			return fmt.Errorf("duplicate resource server id %q", rs.ID)
		}
		seen[rs.ID] = true
		if _, err := bcrypt.Cost([]byte(rs.SecretHash)); err != nil {
			return fmt.Errorf("resource server %q: secret_hash is not a bcrypt hash: %w", rs.ID, err)
		}
	}
	return nil
}
