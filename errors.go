package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/server"
)

// OAuthError is the protocol error returned by the service layer and
// rendered by the handler.
type OAuthError = server.Error

// OAuth error codes, re-exported for callers that only import this package
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeAuthorizationPending    = server.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown                = server.ErrorCodeSlowDown
	ErrorCodeExpiredToken            = server.ErrorCodeExpiredToken
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
	ErrorCodeNotFound                = server.ErrorCodeNotFound
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
)

// ErrNotAuthenticated is returned by an Authenticator when the request
// carries no credentials at all.
var ErrNotAuthenticated = errors.New("no credentials presented")

// writeError renders err as {"error", "error_description"}. Anything that
// is not an OAuthError becomes a generic server_error.
func (h *Handler) writeError(w http.ResponseWriter, err error) int {
	oauthErr := server.AsError(err)
	switch oauthErr.Code {
	case ErrorCodeInvalidToken:
		h.writeUnauthorizedError(w, oauthErr.Code, oauthErr.Description)
	case ErrorCodeInsufficientScope:
		h.writeInsufficientScopeError(w, oauthErr.Description)
	default:
		h.writeErrorResponse(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
	}
	return oauthErr.Status
}

func (h *Handler) writeErrorResponse(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.issuer())
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with an RFC 6750 challenge
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(h.issuer(), "", code, description))
	h.writeErrorResponse(w, code, description, http.StatusUnauthorized)
}

// writeInsufficientScopeError writes a 403 insufficient_scope per RFC 6750
// Section 3.1
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(h.issuer(), "openid", ErrorCodeInsufficientScope, description))
	h.writeErrorResponse(w, ErrorCodeInsufficientScope, description, http.StatusForbidden)
}

// formatWWWAuthenticate formats a Bearer challenge. Quoted values are
// escaped per RFC 7230 quoted-string rules.
//
// Example output:
//
//	Bearer realm="https://auth.example.com", error="invalid_token", error_description="Token has expired"
func formatWWWAuthenticate(realm, scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteEscape(realm))}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes first, then quotes (order matters)
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
