package signing

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nocturne/nocturne-auth/server"
)

const (
	// accessTokenType is the JOSE typ of access tokens (RFC 9068). ID tokens
	// keep the plain "JWT" type so one can never be replayed as the other.
	accessTokenType = "at+jwt"

	algorithm = "RS256"
)

// ErrInvalidToken is returned for any token that fails validation
var ErrInvalidToken = errors.New("invalid token")

// accessClaims is the access token payload
type accessClaims struct {
	jwt.RegisteredClaims
	ClientID       string   `json:"client_id"`
	Scope          string   `json:"scope,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	GrantID        string   `json:"grant_id,omitempty"`
	LimitTo24Hours bool     `json:"limit_to_24_hours,omitempty"`
	SessionID      string   `json:"sid,omitempty"`
}

// idClaims is the OIDC ID token payload
type idClaims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	AuthTime        int64  `json:"auth_time,omitempty"`
	SessionID       string `json:"sid,omitempty"`
	Name            string `json:"name,omitempty"`
	Email           string `json:"email,omitempty"`
}

// RSASigner signs tokens with a single RSA key.
type RSASigner struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// Option configures an RSASigner
type Option func(*RSASigner)

// WithAudience sets the aud claim of access tokens
func WithAudience(aud string) Option {
	return func(s *RSASigner) { s.audience = aud }
}

// WithLeeway sets the clock skew tolerated when validating
func WithLeeway(d time.Duration) Option {
	return func(s *RSASigner) { s.leeway = d }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *RSASigner) { s.now = now }
}

// NewRSASigner creates a signer for issuer. The key ID is derived from the
// public key so restarts with the same key publish the same kid.
func NewRSASigner(key *rsa.PrivateKey, issuer string, opts ...Option) (*RSASigner, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	s := &RSASigner{
		key:    key,
		keyID:  uuid.NewSHA1(uuid.NameSpaceURL, der).String(),
		issuer: strings.TrimRight(issuer, "/"),
		leeway: 5 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// KeyID returns the kid published in the JWKS
func (s *RSASigner) KeyID() string {
	return s.keyID
}

// GenerateAccessToken implements server.TokenSigner
func (s *RSASigner) GenerateAccessToken(_ context.Context, req server.AccessTokenRequest) (*server.IssuedToken, error) {
	if req.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}

	now := s.now().Truncate(time.Second)
	expiresAt := now.Add(req.TTL)
	jti := uuid.NewString()

	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			Subject:   req.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID:       req.ClientID,
		Scope:          strings.Join(req.Scopes, " "),
		Permissions:    req.Permissions,
		Roles:          req.Roles,
		GrantID:        req.GrantID,
		LimitTo24Hours: req.LimitTo24Hours,
		SessionID:      req.SessionID,
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	signed, err := s.sign(claims, accessTokenType)
	if err != nil {
		return nil, err
	}
	return &server.IssuedToken{Token: signed, ID: jti, ExpiresAt: expiresAt}, nil
}

// ValidateAccessToken implements server.TokenSigner. It checks signature,
// algorithm, type, issuer, audience and expiry.
func (s *RSASigner) ValidateAccessToken(_ context.Context, token string) (*server.AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{algorithm}),
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != accessTokenType {
			return nil, fmt.Errorf("unexpected token type %q", typ)
		}
		if kid, _ := t.Header["kid"].(string); kid != s.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return &s.key.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ExpiresAt == nil || claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}

	out := &server.AccessTokenClaims{
		ID:             claims.ID,
		Issuer:         claims.Issuer,
		Subject:        claims.Subject,
		ClientID:       claims.ClientID,
		GrantID:        claims.GrantID,
		Scopes:         strings.Fields(claims.Scope),
		Permissions:    claims.Permissions,
		Roles:          claims.Roles,
		LimitTo24Hours: claims.LimitTo24Hours,
		SessionID:      claims.SessionID,
		ExpiresAt:      claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// GenerateIDToken implements server.IDTokenSigner
func (s *RSASigner) GenerateIDToken(_ context.Context, req server.IDTokenRequest) (string, error) {
	if req.Subject == "" || req.ClientID == "" {
		return "", fmt.Errorf("subject and client_id are required")
	}

	now := s.now().Truncate(time.Second)
	claims := idClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		AuthorizedParty: req.ClientID,
		Nonce:           req.Nonce,
		SessionID:       req.SessionID,
		Name:            req.Name,
		Email:           req.Email,
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = req.AuthTime.Unix()
	}
	return s.sign(claims, "JWT")
}

// JWKS implements server.KeySetProvider
func (s *RSASigner) JWKS() server.JSONWebKeySet {
	pub := s.key.PublicKey
	return server.JSONWebKeySet{Keys: []server.JSONWebKey{{
		KeyType:   "RSA",
		Use:       "sig",
		Algorithm: algorithm,
		KeyID:     s.keyID,
		N:         base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:         base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

func (s *RSASigner) sign(claims jwt.Claims, typ string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	token.Header["typ"] = typ

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Compile-time interface checks
var (
	_ server.TokenSigner    = (*RSASigner)(nil)
	_ server.IDTokenSigner  = (*RSASigner)(nil)
	_ server.KeySetProvider = (*RSASigner)(nil)
)
