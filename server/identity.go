package server

import (
	"context"
	"time"
)

// AccessTokenRequest describes an access token to mint.
type AccessTokenRequest struct {
	Subject  string
	ClientID string
	GrantID  string

	// Scopes are the granted scopes as stored on the grant
	Scopes []string

	// Permissions are the effective scopes with wildcards expanded
	Permissions []string

	// Roles come from the SubjectResolver
	Roles []string

	LimitTo24Hours bool
	SessionID      string
	TTL            time.Duration
}

// IssuedToken is a signed access token with the identifiers the server
// needs to revoke it later.
type IssuedToken struct {
	Token     string
	ID        string // jti
	ExpiresAt time.Time
}

// AccessTokenClaims are the validated claims of an access token.
type AccessTokenClaims struct {
	ID             string
	Issuer         string
	Subject        string
	ClientID       string
	GrantID        string
	Scopes         []string
	Permissions    []string
	Roles          []string
	LimitTo24Hours bool
	SessionID      string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// TokenSigner mints and validates access tokens. ValidateAccessToken checks
// the signature, issuer and expiry only; revocation is the server's job.
type TokenSigner interface {
	GenerateAccessToken(ctx context.Context, req AccessTokenRequest) (*IssuedToken, error)
	ValidateAccessToken(ctx context.Context, token string) (*AccessTokenClaims, error)
}

// IDTokenRequest describes an OIDC ID token to mint.
type IDTokenRequest struct {
	Subject   string
	ClientID  string
	Nonce     string
	SessionID string
	Name      string
	Email     string
	AuthTime  time.Time
	TTL       time.Duration
}

// IDTokenSigner is implemented by signers that can issue OIDC ID tokens.
// The server detects it on the TokenSigner with a type assertion.
type IDTokenSigner interface {
	GenerateIDToken(ctx context.Context, req IDTokenRequest) (string, error)
}

// JSONWebKey is a public signing key (RFC 7517).
type JSONWebKey struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	N         string `json:"n,omitempty"`
	E         string `json:"e,omitempty"`
}

// JSONWebKeySet is served at /.well-known/jwks.json.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// KeySetProvider is implemented by signers that publish their public keys.
type KeySetProvider interface {
	JWKS() JSONWebKeySet
}

// Subject is what the platform knows about an authenticated user.
type Subject struct {
	ID    string
	Name  string
	Email string
	Roles []string
}

// SubjectResolver looks up users for token claims and /userinfo.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, subjectID string) (*Subject, error)
}

// StaticSubjectResolver knows nothing beyond the subject ID. It is the
// default when the platform does not plug in its user service.
type StaticSubjectResolver struct {
	// Roles are given to every subject
	Roles []string
}

// ResolveSubject returns a Subject carrying only the ID and the static roles
func (r StaticSubjectResolver) ResolveSubject(_ context.Context, subjectID string) (*Subject, error) {
	return &Subject{ID: subjectID, Roles: append([]string(nil), r.Roles...)}, nil
}
