package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	oauth "github.com/nocturne/nocturne-auth"
	"github.com/nocturne/nocturne-auth/server"
)

// Storage backends selectable with --store
const (
	storeMemory   = "memory"
	storeValkey   = "valkey"
	storePostgres = "postgres"
)

// serveSettings is the resolved configuration of the serve command.
type serveSettings struct {
	Listen          string
	MetricsListen   string
	TLSCertFile     string
	TLSKeyFile      string
	ShutdownTimeout time.Duration

	Issuer                string
	LoginURL              string
	ConsentURL            string
	DeviceVerificationURL string
	InviteURL             string
	AllowInsecureHTTP     bool
	SigningKeyFile        string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	DeviceCodeTTL   time.Duration
	InviteTTL       time.Duration
	ReusePolicy     string

	Store               string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PurgeInterval       time.Duration
	ValkeyAddr          string
	ValkeyPassword      string
	ValkeyDB            int
	ValkeyKeyPrefix     string
	RedisRevocationAddr string
	RedisPassword       string
	RedisDB             int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	RateLimit            float64
	RateLimitBurst       int
	TrustProxy           bool
	TrustedProxyCount    int
	SessionCookieName    string
	SessionClients       []string
	AuditLogging         bool

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	KnownClients    []server.KnownClient
	ResourceServers []oauth.ResourceServerCredential
}

// loadServeSettings resolves settings from flags, environment and config
// file. Known clients and resource servers only come from the config file.
func loadServeSettings(v *viper.Viper) (*serveSettings, error) {
	s := &serveSettings{
		Listen:          v.GetString("listen"),
		MetricsListen:   v.GetString("metrics-listen"),
		TLSCertFile:     v.GetString("tls-cert-file"),
		TLSKeyFile:      v.GetString("tls-key-file"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),

		Issuer:                strings.TrimRight(v.GetString("issuer"), "/"),
		LoginURL:              v.GetString("login-url"),
		ConsentURL:            v.GetString("consent-url"),
		DeviceVerificationURL: v.GetString("device-verification-url"),
		InviteURL:             v.GetString("invite-url"),
		AllowInsecureHTTP:     v.GetBool("allow-insecure-http"),
		SigningKeyFile:        v.GetString("signing-key-file"),

		AccessTokenTTL:  v.GetDuration("access-token-ttl"),
		RefreshTokenTTL: v.GetDuration("refresh-token-ttl"),
		DeviceCodeTTL:   v.GetDuration("device-code-ttl"),
		InviteTTL:       v.GetDuration("invite-ttl"),
		ReusePolicy:     v.GetString("refresh-token-reuse-policy"),

		Store:               strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		PostgresDSN:         v.GetString("postgres-dsn"),
		PostgresAutoMigrate: v.GetBool("postgres-auto-migrate"),
		PurgeInterval:       v.GetDuration("purge-interval"),
		ValkeyAddr:          v.GetString("valkey-addr"),
		ValkeyPassword:      v.GetString("valkey-password"),
		ValkeyDB:            v.GetInt("valkey-db"),
		ValkeyKeyPrefix:     v.GetString("valkey-key-prefix"),
		RedisRevocationAddr: v.GetString("redis-revocation-addr"),
		RedisPassword:       v.GetString("redis-password"),
		RedisDB:             v.GetInt("redis-db"),

		CORSAllowedOrigins:   v.GetStringSlice("cors-allowed-origins"),
		CORSAllowCredentials: v.GetBool("cors-allow-credentials"),
		RateLimit:            v.GetFloat64("rate-limit"),
		RateLimitBurst:       v.GetInt("rate-limit-burst"),
		TrustProxy:           v.GetBool("trust-proxy"),
		TrustedProxyCount:    v.GetInt("trusted-proxy-count"),
		SessionCookieName:    v.GetString("session-cookie-name"),
		SessionClients:       v.GetStringSlice("session-clients"),
		AuditLogging:         v.GetBool("audit-logging"),

		OTLPEndpoint:     v.GetString("otlp-endpoint"),
		OTLPInsecure:     v.GetBool("otlp-insecure"),
		TraceSampleRatio: v.GetFloat64("trace-sample-ratio"),
	}

	if err := v.UnmarshalKey("known-clients", &s.KnownClients); err != nil {
		return nil, fmt.Errorf("parse known-clients: %w", err)
	}
	if err := v.UnmarshalKey("resource-servers", &s.ResourceServers); err != nil {
		return nil, fmt.Errorf("parse resource-servers: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *serveSettings) validate() error {
	if s.Issuer == "" {
		return fmt.Errorf("--issuer is required")
	}
	if s.Listen == "" {
		return fmt.Errorf("--listen is required")
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("--tls-cert-file and --tls-key-file must be set together")
	}
	switch s.Store {
	case storeMemory:
	case storeValkey:
		if s.ValkeyAddr == "" {
			return fmt.Errorf("--valkey-addr is required with --store valkey")
		}
	case storePostgres:
		if s.PostgresDSN == "" {
			return fmt.Errorf("--postgres-dsn is required with --store postgres")
		}
		if s.PurgeInterval <= 0 {
			return fmt.Errorf("--purge-interval must be positive")
		}
	default:
		return fmt.Errorf("unknown --store %q: use memory, valkey or postgres", s.Store)
	}
	for _, d := range []time.Duration{s.AccessTokenTTL, s.RefreshTokenTTL, s.DeviceCodeTTL, s.InviteTTL} {
		if d < 0 {
			return fmt.Errorf("token lifetimes must not be negative")
		}
	}
	return nil
}

// serverConfig maps the settings onto server.Config. Zero TTLs keep the
// server defaults.
func (s *serveSettings) serverConfig() *server.Config {
	return &server.Config{
		Issuer:                  s.Issuer,
		LoginURL:                s.LoginURL,
		ConsentURL:              s.ConsentURL,
		DeviceVerificationURL:   s.DeviceVerificationURL,
		InviteURL:               s.InviteURL,
		AccessTokenTTL:          int64(s.AccessTokenTTL / time.Second),
		RefreshTokenTTL:         int64(s.RefreshTokenTTL / time.Second),
		DeviceCodeTTL:           int64(s.DeviceCodeTTL / time.Second),
		InviteTTL:               int64(s.InviteTTL / time.Second),
		RefreshTokenReusePolicy: s.ReusePolicy,
		KnownClients:            s.KnownClients,
		AllowInsecureHTTP:       s.AllowInsecureHTTP,
	}
}

// handlerConfig maps the settings onto the HTTP layer's Config.
func (s *serveSettings) handlerConfig() *oauth.Config {
	return &oauth.Config{
		CORS: oauth.CORSConfig{
			AllowedOrigins:   s.CORSAllowedOrigins,
			AllowCredentials: s.CORSAllowCredentials,
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:              s.RateLimit,
			Burst:             s.RateLimitBurst,
			TrustProxy:        s.TrustProxy,
			TrustedProxyCount: s.TrustedProxyCount,
		},
		SessionCookieName: s.SessionCookieName,
		SessionClients:    s.SessionClients,
		ResourceServers:   s.ResourceServers,
	}
}
