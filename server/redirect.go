package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/nocturne/nocturne-auth/internal/util"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
	RedirectURIErrorCategoryNotRegistered   = "not_registered"
	RedirectURIErrorCategoryPinMismatch     = "pin_mismatch"
)

// RedirectURISecurityError represents a redirect URI validation error
// with detailed information for operators while keeping error messages generic for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
}

func (e *RedirectURISecurityError) Error() string {
	return "invalid redirect_uri"
}

func redirectURIError(category, uri, reason string) *RedirectURISecurityError {
	return &RedirectURISecurityError{
		Category: category,
		URI:      sanitizeURIForLogging(uri),
		Reason:   reason,
	}
}

// validateRedirectURISyntax checks that a redirect URI is absolute, carries
// no fragment and uses https, http on a loopback host (RFC 8252 section 7.3)
// or a private-use scheme for native apps (RFC 8252 section 7.1).
func validateRedirectURISyntax(redirectURI string, allowedCustomSchemes []string) error {
	if redirectURI == "" {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI, "empty redirect_uri")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI, err.Error())
	}
	if !parsed.IsAbs() {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI, "redirect_uri must be absolute")
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return redirectURIError(RedirectURIErrorCategoryFragment, redirectURI, "redirect_uri contains a fragment")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI, "https redirect_uri without host")
		}
		return validateRedirectHost(parsed.Hostname(), redirectURI)
	case SchemeHTTP:
		if !util.IsLoopbackHostname(strings.ToLower(parsed.Hostname())) {
			return redirectURIError(RedirectURIErrorCategoryHTTPNotAllowed, redirectURI,
				"http redirect_uri is only allowed for loopback hosts")
		}
		return nil
	default:
		if err := validateCustomScheme(scheme, allowedCustomSchemes); err != nil {
			return redirectURIError(RedirectURIErrorCategoryBlockedScheme, redirectURI, err.Error())
		}
		return nil
	}
}

// validateRedirectHost blocks literal link-local and unspecified addresses,
// which would point browsers at cloud metadata services or undefined hosts.
func validateRedirectHost(hostname, redirectURI string) error {
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	if ip == nil {
		return nil
	}
	switch util.ClassifyIP(ip) {
	case util.IPClassificationLinkLocal:
		return redirectURIError(RedirectURIErrorCategoryLinkLocal, redirectURI, "link-local redirect host")
	case util.IPClassificationUnspecified:
		return redirectURIError(RedirectURIErrorCategoryUnspecifiedAddr, redirectURI, "unspecified redirect host")
	}
	return nil
}

// validateCustomScheme validates a private-use scheme against the dangerous
// list and the configured patterns.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	for _, dangerous := range DangerousSchemes {
		if schemeLower == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLocalhostHostname checks if a hostname refers to the local machine,
// including 0.0.0.0 which development servers bind to.
func isLocalhostHostname(hostname string) bool {
	if hostname == "0.0.0.0" {
		return true
	}
	return util.IsLoopbackHostname(hostname)
}

// sanitizeURIForLogging removes potentially sensitive information from URIs for logging.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return util.SafeTruncate(uri, 100)
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil

	return parsed.String()
}

// appendQuery adds params to a URL that may already carry a query string.
func appendQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
