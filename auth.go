package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/nocturne/nocturne-auth/server"
)

// Authenticator identifies the platform user behind a browser or API
// request. It returns ErrNotAuthenticated when the request carries no
// credentials, and an error for credentials that do not validate.
type Authenticator interface {
	Authenticate(r *http.Request) (*server.AccessTokenClaims, error)
}

// TokenAuthenticator authenticates with a session token issued by this
// server, read from the Authorization header or, for browser flows, from
// the session cookie. Only tokens minted for one of the session clients
// count; a token delegated to a third-party client never does.
type TokenAuthenticator struct {
	server         *server.Server
	cookieName     string
	sessionClients map[string]struct{}
}

// NewTokenAuthenticator creates an authenticator validating tokens through
// srv (signature, expiry and revocation) and accepting those whose client_id
// is in sessionClients.
func NewTokenAuthenticator(srv *server.Server, cookieName string, sessionClients []string) *TokenAuthenticator {
	clients := make(map[string]struct{}, len(sessionClients))
	for _, id := range sessionClients {
		clients[id] = struct{}{}
	}
	return &TokenAuthenticator{server: srv, cookieName: cookieName, sessionClients: clients}
}

// Authenticate implements Authenticator
func (a *TokenAuthenticator) Authenticate(r *http.Request) (*server.AccessTokenClaims, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}
	if token == "" && a.cookieName != "" {
		if c, cerr := r.Cookie(a.cookieName); cerr == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	claims, err := a.server.ValidateAccessToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if _, ok := a.sessionClients[claims.ClientID]; !ok {
		return nil, server.ErrInvalidToken("Token is not a platform session")
	}
	return claims, nil
}

// extractBearerToken returns the bearer token from the Authorization
// header, "" when the header is absent.
func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", nil
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, server.TokenTypeBearer) || strings.TrimSpace(token) == "" {
		return "", server.ErrInvalidToken("Invalid Authorization header format")
	}
	return strings.TrimSpace(token), nil
}

type contextKey string

const claimsKey contextKey = "access_token_claims"

// ContextWithClaims stores the caller's validated claims in ctx
func ContextWithClaims(ctx context.Context, claims *server.AccessTokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims stored by RequireAuthentication
func ClaimsFromContext(ctx context.Context) (*server.AccessTokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*server.AccessTokenClaims)
	return claims, ok && claims != nil
}

// SubjectFromContext returns the authenticated subject ID, or ""
func SubjectFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.Subject
	}
	return ""
}
