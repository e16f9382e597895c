package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/nocturne/nocturne-auth"
	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/server"
	"github.com/nocturne/nocturne-auth/signing"
	"github.com/nocturne/nocturne-auth/storage"
	"github.com/nocturne/nocturne-auth/storage/memory"
	"github.com/nocturne/nocturne-auth/storage/postgres"
	"github.com/nocturne/nocturne-auth/storage/redis"
	"github.com/nocturne/nocturne-auth/storage/valkey"
)

const serviceName = "nocturne-auth"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var serveFlagNames = []string{
	"listen", "metrics-listen", "tls-cert-file", "tls-key-file", "shutdown-timeout",
	"issuer", "login-url", "consent-url", "device-verification-url", "invite-url",
	"allow-insecure-http", "signing-key-file",
	"access-token-ttl", "refresh-token-ttl", "device-code-ttl", "invite-ttl", "refresh-token-reuse-policy",
	"store", "postgres-dsn", "postgres-auto-migrate", "purge-interval",
	"valkey-addr", "valkey-password", "valkey-db", "valkey-key-prefix",
	"redis-revocation-addr", "redis-password", "redis-db",
	"cors-allowed-origins", "cors-allow-credentials",
	"rate-limit", "rate-limit-burst", "trust-proxy", "trusted-proxy-count",
	"session-cookie-name", "session-clients", "audit-logging",
	"otlp-endpoint", "otlp-insecure", "trace-sample-ratio",
}

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.bindFlags(cmd.Flags(), serveFlagNames...)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadServeSettings(c.v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), settings, c.logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address of the OAuth endpoints")
	flags.String("metrics-listen", "", "address of the Prometheus /metrics endpoint (empty disables)")
	flags.String("tls-cert-file", "", "TLS certificate (enables HTTPS)")
	flags.String("tls-key-file", "", "TLS private key")
	flags.Duration("shutdown-timeout", 15*time.Second, "grace period for in-flight requests on shutdown")

	flags.String("issuer", "", "issuer URL; endpoints are served below it (required)")
	flags.String("login-url", "", "platform login page; /authorize appends returnUrl")
	flags.String("consent-url", "", "platform consent page; /authorize appends consent_id")
	flags.String("device-verification-url", "", "page where users enter a device user code (default issuer/device)")
	flags.String("invite-url", "", "invite landing page (default issuer/invite)")
	flags.Bool("allow-insecure-http", false, "allow a non-loopback http issuer (development only)")
	flags.String("signing-key-file", "", "PEM RSA signing key; an ephemeral key is generated when empty")

	flags.Duration("access-token-ttl", 0, "access token lifetime (default 1h)")
	flags.Duration("refresh-token-ttl", 0, "refresh token lifetime (default 90 days)")
	flags.Duration("device-code-ttl", 0, "device code lifetime (default 10m)")
	flags.Duration("invite-ttl", 0, "default invite lifetime (default 7 days)")
	flags.String("refresh-token-reuse-policy", "", "revoke_family (default) or reject")

	flags.String("store", storeMemory, "storage backend: memory, valkey or postgres")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	flags.Bool("postgres-auto-migrate", false, "apply pending migrations on startup")
	flags.Duration("purge-interval", 10*time.Minute, "how often expired rows are purged from PostgreSQL")
	flags.String("valkey-addr", "", "Valkey address, e.g. localhost:6379")
	flags.String("valkey-password", "", "Valkey password")
	flags.Int("valkey-db", 0, "Valkey database number")
	flags.String("valkey-key-prefix", valkey.DefaultKeyPrefix, "prefix of every Valkey key")
	flags.String("redis-revocation-addr", "", "Redis address for the access token revocation list (optional)")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")

	flags.StringSlice("cors-allowed-origins", nil, "origins allowed to call the JSON endpoints")
	flags.Bool("cors-allow-credentials", false, "send Access-Control-Allow-Credentials")
	flags.Float64("rate-limit", oauth.DefaultRateLimit, "requests per second per IP on the public endpoints (negative disables)")
	flags.Int("rate-limit-burst", oauth.DefaultRateLimitBurst, "burst per IP")
	flags.Bool("trust-proxy", false, "trust X-Forwarded-For from reverse proxies")
	flags.Int("trusted-proxy-count", oauth.DefaultTrustedProxyCount, "number of reverse proxies in front of the server")
	flags.String("session-cookie-name", oauth.DefaultSessionCookieName, "cookie carrying the platform session token")
	flags.StringSlice("session-clients", []string{oauth.DefaultSessionClientID}, "first-party clients whose access tokens act as platform sessions")
	flags.Bool("audit-logging", true, "write the security audit trail")

	flags.String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port (empty disables tracing)")
	flags.Bool("otlp-insecure", false, "talk to the collector without TLS")
	flags.Float64("trace-sample-ratio", 1.0, "parent-based trace sampling ratio")

	return cmd
}

// application is a fully wired server ready to be served.
type application struct {
	handler  http.Handler
	metrics  http.Handler
	settings *serveSettings
	logger   *slog.Logger
	closers  []func()
}

// Close releases everything buildApplication opened, in reverse order.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApplication opens storage, builds the signer and wires the service
// and HTTP layers. Background loops stop when ctx is done.
func buildApplication(ctx context.Context, s *serveSettings, logger *slog.Logger) (app *application, err error) {
	app = &application{settings: s, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:       serviceName,
		ServiceVersion:    version,
		Enabled:           s.MetricsListen != "" || s.OTLPEndpoint != "",
		PrometheusEnabled: s.MetricsListen != "",
		OTLPEndpoint:      s.OTLPEndpoint,
		OTLPInsecure:      s.OTLPInsecure,
		TraceSampleRatio:  s.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize instrumentation: %w", err)
	}
	app.closers = append(app.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	})
	app.metrics = inst.MetricsHandler()

	store, err := app.openStore(ctx, inst)
	if err != nil {
		return nil, err
	}

	key, err := loadSigningKey(s.SigningKeyFile, logger)
	if err != nil {
		return nil, err
	}
	signer, err := signing.NewRSASigner(key, s.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	srv, err := server.New(store, signer, s.serverConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	srv.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, s.AuditLogging)
	auditor.SetInstrumentation(inst)
	srv.SetAuditor(auditor)

	clientLimiter := security.NewClientCreationLimiter(logger)
	clientLimiter.SetInstrumentation(inst)
	srv.SetClientCreationLimiter(clientLimiter)
	app.closers = append(app.closers, clientLimiter.Stop)

	if s.RedisRevocationAddr != "" {
		cfg := redis.DefaultConfig()
		cfg.Addr = s.RedisRevocationAddr
		cfg.Password = s.RedisPassword
		cfg.DB = s.RedisDB
		revocations, err := redis.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect revocation store: %w", err)
		}
		app.closers = append(app.closers, func() { _ = revocations.Close() })
		srv.SetRevocationStore(revocations)
	}

	if err := srv.SeedKnownClients(ctx); err != nil {
		return nil, fmt.Errorf("seed known clients: %w", err)
	}

	handlerConfig := s.handlerConfig()
	handlerConfig.Logger = logger
	h, err := oauth.NewHandler(srv, handlerConfig)
	if err != nil {
		return nil, fmt.Errorf("create handler: %w", err)
	}
	app.closers = append(app.closers, h.Close)

	router := h.Router()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	app.handler = router

	return app, nil
}

// openStore opens the configured storage backend.
func (a *application) openStore(ctx context.Context, inst *instrumentation.Instrumentation) (storage.Store, error) {
	s := a.settings
	switch s.Store {
	case storePostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         s.PostgresDSN,
			AutoMigrate: s.PostgresAutoMigrate,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		purgeCtx, cancel := context.WithCancel(ctx)
		go store.RunPurgeLoop(purgeCtx, s.PurgeInterval)
		a.closers = append(a.closers, func() {
			cancel()
			if err := store.Close(); err != nil {
				a.logger.Warn("Closing postgres storage failed", "error", err)
			}
		})
		return store, nil

	case storeValkey:
		store, err := valkey.New(valkey.Config{
			Address:   s.ValkeyAddr,
			Password:  s.ValkeyPassword,
			DB:        s.ValkeyDB,
			KeyPrefix: s.ValkeyKeyPrefix,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open valkey storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		a.logger.Warn("⚠️  SECURITY WARNING: in-memory storage loses every grant and token on restart",
			"risk", "users must sign in and consent again after each deploy",
			"recommendation", "use --store postgres or --store valkey in production")
		store := memory.New()
		store.SetLogger(a.logger)
		store.SetInstrumentation(inst)
		a.closers = append(a.closers, store.Stop)
		return store, nil
	}
}

// loadSigningKey reads the PEM key at path, or generates an ephemeral key
// when path is empty.
func loadSigningKey(path string, logger *slog.Logger) (*rsa.PrivateKey, error) {
	if path != "" {
		key, err := signing.LoadPrivateKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		return key, nil
	}
	logger.Warn("⚠️  SECURITY WARNING: no --signing-key-file, using an ephemeral signing key",
		"risk", "every issued token becomes invalid on restart",
		"recommendation", "generate a key with 'nocturne-auth keygen' and pass --signing-key-file")
	return signing.GenerateKey(signing.DefaultKeyBits)
}

// runServe serves the application until ctx is cancelled.
func runServe(ctx context.Context, s *serveSettings, logger *slog.Logger) error {
	app, err := buildApplication(ctx, s, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	servers := []*http.Server{{
		Addr:              s.Listen,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if app.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.metrics)
		servers = append(servers, &http.Server{
			Addr:              s.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for i, hs := range servers {
		tls := i == 0 && s.TLSCertFile != ""
		logger.Info("Listening", "addr", hs.Addr, "tls", tls)
		go func(hs *http.Server, tls bool) {
			var err error
			if tls {
				err = hs.ListenAndServeTLS(s.TLSCertFile, s.TLSKeyFile)
			} else {
				err = hs.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", hs.Addr, err)
			}
		}(hs, tls)
	}

	logger.Info("Authorization server started",
		"issuer", s.Issuer,
		"store", s.Store,
		"version", version)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown failed", "addr", hs.Addr, "error", err)
		}
	}
	return serveErr
}
