package server

import (
	"log/slog"
	"time"
)

// Refresh token reuse policies
const (
	// ReusePolicyRevokeFamily revokes every token descended from the same
	// original grant when a rotated refresh token is presented again.
	ReusePolicyRevokeFamily = "revoke_family"

	// ReusePolicyReject only rejects the replayed token.
	ReusePolicyReject = "reject"
)

// KnownClient is a first-party client seeded from configuration with a
// fixed redirect URI allow-list.
type KnownClient struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	DisplayName  string   `mapstructure:"display_name" yaml:"display_name"`
	RedirectURIs []string `mapstructure:"redirect_uris" yaml:"redirect_uris"`
}

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// LoginURL is where /authorize sends unauthenticated users. The original
	// authorize URL is appended as returnUrl.
	LoginURL string

	// ConsentURL is the consent page. consent_id, client_id and scope are
	// appended.
	ConsentURL string

	// DeviceVerificationURL is the page where users type a user code
	// Default: Issuer + "/device"
	DeviceVerificationURL string

	// InviteURL is the invite landing page; the raw token is appended as a
	// path segment. Default: Issuer + "/invite"
	InviteURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 60

	// AuthorizationRequestTTL is how long a consent request stays open
	AuthorizationRequestTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: AccessTokenTTL

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DeviceCodeTTL is how long a device authorization stays pending
	DeviceCodeTTL int64 // seconds, default: 600 (10 minutes)

	// DevicePollInterval is the initial minimum polling interval
	DevicePollInterval int // seconds, default: 5

	// InviteTTL is the default lifetime of an invite
	InviteTTL int64 // seconds, default: 604800 (7 days)

	// ClockSkewGracePeriod is the grace period for access and refresh token
	// expiration checks. Single-use secrets are checked without grace.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// RefreshTokenReusePolicy decides what happens when a rotated refresh
	// token is presented again: "revoke_family" (default) or "reject".
	RefreshTokenReusePolicy string

	// KnownClients are seeded at startup; every other client_id is
	// registered ad hoc on first use.
	KnownClients []KnownClient

	// AllowInsecureHTTP allows a non-localhost http:// issuer
	// WARNING: tokens and codes travel in clear text
	// Default: false
	AllowInsecureHTTP bool

	// AllowedCustomSchemes restricts private-use redirect URI schemes
	// (regex). Empty allows any RFC 3986 scheme except the dangerous ones.
	AllowedCustomSchemes []string
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	switch config.RefreshTokenReusePolicy {
	case ReusePolicyRevokeFamily, ReusePolicyReject:
	case "":
		config.RefreshTokenReusePolicy = ReusePolicyRevokeFamily
	default:
		logger.Warn("Unknown refresh token reuse policy, using revoke_family",
			"policy", config.RefreshTokenReusePolicy)
		config.RefreshTokenReusePolicy = ReusePolicyRevokeFamily
	}

	if config.DeviceVerificationURL == "" && config.Issuer != "" {
		config.DeviceVerificationURL = config.Issuer + "/device"
	}
	if config.InviteURL == "" && config.Issuer != "" {
		config.InviteURL = config.Issuer + "/invite"
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60
	}
	if config.AuthorizationRequestTTL == 0 {
		config.AuthorizationRequestTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = config.AccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 600 // 10 minutes
	}
	if config.DevicePollInterval == 0 {
		config.DevicePollInterval = 5
	}
	if config.InviteTTL == 0 {
		config.InviteTTL = 604800 // 7 days
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// logSecurityWarnings logs warnings for risky configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.RefreshTokenReusePolicy == ReusePolicyReject {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token reuse only rejects the replayed token",
			"risk", "A stolen refresh token family stays usable after theft is detected",
			"recommendation", "Set RefreshTokenReusePolicy=revoke_family")
	}
	if config.AuthorizationCodeTTL > 600 {
		logger.Warn("⚠️  SECURITY WARNING: Long-lived authorization codes",
			"ttl_seconds", config.AuthorizationCodeTTL,
			"risk", "Intercepted codes stay redeemable for longer",
			"recommendation", "Keep AuthorizationCodeTTL at or below 60 seconds")
	}
	if config.AccessTokenTTL > 86400 {
		logger.Warn("⚠️  SECURITY WARNING: Access tokens live longer than a day",
			"ttl_seconds", config.AccessTokenTTL,
			"risk", "Revocation relies entirely on the revocation cache",
			"recommendation", "Use short access tokens with refresh rotation")
	}
	if config.LoginURL == "" || config.ConsentURL == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: LoginURL or ConsentURL not configured",
			"risk", "Browser authorization requests cannot complete",
			"recommendation", "Point LoginURL and ConsentURL at the platform UI")
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
