package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/scope"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Token types
const (
	TokenTypeBearer           = "Bearer"
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenRequest is a parsed /token request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
	DeviceCode   string
	// Scope optionally narrows a refresh
	Scope string
	Meta  RequestMeta
}

// TokenResult is the successful /token response body.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is the RFC 7662 response. Inactive tokens carry nothing but
// Active=false.
type Introspection struct {
	Active         bool   `json:"active"`
	Scope          string `json:"scope,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Subject        string `json:"sub,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	ExpiresAt      int64  `json:"exp,omitempty"`
	IssuedAt       int64  `json:"iat,omitempty"`
	Issuer         string `json:"iss,omitempty"`
	JWTID          string `json:"jti,omitempty"`
	GrantID        string `json:"grant_id,omitempty"`
	LimitTo24Hours bool   `json:"limit_to_24_hours,omitempty"`
}

// UserInfo is the OIDC userinfo response.
type UserInfo struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
}

// tokenIssue describes the first tokens of a new refresh family.
type tokenIssue struct {
	grantType      string
	subjectID      string
	clientID       string
	grant          *storage.Grant
	scopes         []string
	limitTo24Hours bool
	nonce          string
	meta           RequestMeta
}

// Token dispatches a /token request on its grant_type.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		if req.Code == "" || req.CodeVerifier == "" || req.RedirectURI == "" {
			return nil, ErrInvalidRequest("code, code_verifier and redirect_uri are required")
		}
		return s.ExchangeAuthorizationCode(ctx, req.Code, req.CodeVerifier, req.RedirectURI, req.ClientID, req.Meta)
	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, ErrInvalidRequest("refresh_token is required")
		}
		return s.RefreshAccessToken(ctx, req.RefreshToken, req.ClientID, req.Scope, req.Meta)
	case GrantTypeDeviceCode:
		if req.DeviceCode == "" {
			return nil, ErrInvalidRequest("device_code is required")
		}
		return s.ExchangeDeviceCode(ctx, req.DeviceCode, req.ClientID, req.Meta)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type: " + util.SafeTruncate(req.GrantType, 64))
	}
}

// issueTokens mints an access token, a refresh token starting a new family
// and, for openid grants, an ID token.
func (s *Server) issueTokens(ctx context.Context, in tokenIssue) (*TokenResult, error) {
	subject, err := s.subjects.ResolveSubject(ctx, in.subjectID)
	if err != nil {
		return nil, s.serverError("Failed to resolve subject", err)
	}

	now := s.now()
	familyID := newID()
	sessionID := newID()
	scopes := narrowToGrant(s.scopes, in.scopes, in.grant)

	access, err := s.mintAccessToken(ctx, subject, in.clientID, in.grant.ID, scopes, in.limitTo24Hours, sessionID)
	if err != nil {
		return nil, err
	}

	refresh := security.GenerateToken()
	err = s.store.SaveRefreshToken(ctx, &storage.RefreshToken{
		TokenHash:            security.HashToken(refresh),
		FamilyID:             familyID,
		Generation:           1,
		SubjectID:            in.subjectID,
		ClientID:             in.clientID,
		GrantID:              in.grant.ID,
		Scopes:               scopes,
		LimitTo24Hours:       in.limitTo24Hours,
		OIDCSessionID:        sessionID,
		IPAddress:            in.meta.IPAddress,
		UserAgent:            in.meta.UserAgent,
		AccessTokenID:        access.ID,
		AccessTokenExpiresAt: access.ExpiresAt,
		IssuedAt:             now,
		ExpiresAt:            now.Add(seconds(s.Config.RefreshTokenTTL)),
	})
	if err != nil {
		return nil, s.serverError("Failed to save refresh token", err, "client_id", in.clientID)
	}

	result := &TokenResult{
		AccessToken:  access.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    expiresIn(access.ExpiresAt, now),
		RefreshToken: refresh,
		Scope:        scope.Join(scopes),
	}

	if slices.Contains(scopes, scope.OpenID) {
		idToken, err := s.mintIDToken(ctx, subject, in.clientID, in.nonce, sessionID, now)
		if err != nil {
			return nil, err
		}
		result.IDToken = idToken
	}

	s.touchGrant(ctx, in.grant.ID, now)
	s.recordTokenIssued(ctx, in.subjectID, in.clientID, in.grantType, in.meta, result.Scope)
	return result, nil
}

func (s *Server) mintAccessToken(ctx context.Context, subject *Subject, clientID, grantID string, scopes []string, limitTo24Hours bool, sessionID string) (*IssuedToken, error) {
	access, err := s.signer.GenerateAccessToken(ctx, AccessTokenRequest{
		Subject:        subject.ID,
		ClientID:       clientID,
		GrantID:        grantID,
		Scopes:         scopes,
		Permissions:    s.scopes.Effective(scopes),
		Roles:          subject.Roles,
		LimitTo24Hours: limitTo24Hours,
		SessionID:      sessionID,
		TTL:            seconds(s.Config.AccessTokenTTL),
	})
	if err != nil {
		return nil, s.serverError("Failed to sign access token", err, "client_id", clientID)
	}
	return access, nil
}

// mintIDToken returns "" when the signer cannot issue ID tokens.
func (s *Server) mintIDToken(ctx context.Context, subject *Subject, clientID, nonce, sessionID string, authTime time.Time) (string, error) {
	signer, ok := s.signer.(IDTokenSigner)
	if !ok {
		return "", nil
	}
	idToken, err := signer.GenerateIDToken(ctx, IDTokenRequest{
		Subject:   subject.ID,
		ClientID:  clientID,
		Nonce:     nonce,
		SessionID: sessionID,
		Name:      subject.Name,
		Email:     subject.Email,
		AuthTime:  authTime,
		TTL:       seconds(s.Config.IDTokenTTL),
	})
	if err != nil {
		return "", s.serverError("Failed to sign ID token", err, "client_id", clientID)
	}
	return idToken, nil
}

// RefreshAccessToken rotates a refresh token and mints a new access token.
// A rotated token presented again is handled by the reuse policy.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, requestedScope string, meta RequestMeta) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "server.RefreshAccessToken")
	defer span.End()

	hash := security.HashToken(refreshToken)
	reject := func(reason string) (*TokenResult, error) {
		s.Logger.Debug("Refresh token rejected",
			"reason", reason,
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(hash, tokenIDLogLength))
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidGrant,
			ClientID:  clientID,
			IPAddress: meta.IPAddress,
			Details:   map[string]any{"grant_type": GrantTypeRefreshToken, "reason": reason},
		})
		instrumentation.SetSpanError(span, reason)
		return nil, ErrInvalidGrant(invalidGrantDescription)
	}

	current, err := s.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return reject("unknown refresh token")
	}
	if err != nil {
		return nil, s.serverError("Failed to load refresh token", err)
	}
	instrumentation.AddTokenFamilyAttributes(span, current.FamilyID, current.Generation)

	if current.ClientID != clientID {
		return reject("client_id mismatch")
	}
	if current.IsRevoked() {
		return reject("refresh token revoked")
	}
	if current.IsRotated() {
		s.handleRefreshReuse(ctx, current, meta)
		return reject("refresh token reused")
	}
	if security.IsExpiredAt(current.ExpiresAt, s.now(), seconds(s.Config.ClockSkewGracePeriod)) {
		return reject("refresh token expired")
	}

	grant, err := s.store.GetGrant(ctx, current.GrantID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		if revoked, rerr := s.store.RevokeRefreshTokenFamily(ctx, current.FamilyID, s.now()); rerr == nil {
			s.revocations.revokeAccessTokens(ctx, revoked)
		}
		return reject("grant revoked")
	}
	if err != nil {
		return nil, s.serverError("Failed to load grant", err, "grant_id", current.GrantID)
	}

	scopes := narrowToGrant(s.scopes, current.Scopes, grant)
	if len(scopes) == 0 {
		return reject("grant no longer covers any scope")
	}
	if requestedScope != "" {
		requested, err := s.scopes.Parse(requestedScope)
		if err != nil || !s.scopes.SatisfiesAll(scopes, requested) {
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
		scopes = requested
	}

	subject, err := s.subjects.ResolveSubject(ctx, current.SubjectID)
	if err != nil {
		return nil, s.serverError("Failed to resolve subject", err)
	}

	access, err := s.mintAccessToken(ctx, subject, clientID, grant.ID, scopes, grant.LimitTo24Hours, current.OIDCSessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := security.GenerateToken()
	_, err = s.store.RotateRefreshToken(ctx, hash, storage.RefreshTokenRotation{
		NewTokenHash:         security.HashToken(next),
		IssuedAt:             now,
		ExpiresAt:            now.Add(seconds(s.Config.RefreshTokenTTL)),
		IPAddress:            meta.IPAddress,
		UserAgent:            meta.UserAgent,
		AccessTokenID:        access.ID,
		AccessTokenExpiresAt: access.ExpiresAt,
		Scopes:               scopes,
	}, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRefreshTokenReused):
			// Lost the race against a concurrent refresh of the same token.
			s.handleRefreshReuse(ctx, current, meta)
			return reject("refresh token reused")
		case errors.Is(err, storage.ErrRefreshTokenRevoked):
			return reject("refresh token revoked")
		case errors.Is(err, storage.ErrTokenExpired):
			return reject("refresh token expired")
		case errors.Is(err, storage.ErrRefreshTokenNotFound):
			return reject("unknown refresh token")
		}
		instrumentation.RecordError(span, err)
		return nil, s.serverError("Failed to rotate refresh token", err)
	}

	result := &TokenResult{
		AccessToken:  access.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    expiresIn(access.ExpiresAt, now),
		RefreshToken: next,
		Scope:        scope.Join(scopes),
	}
	if slices.Contains(scopes, scope.OpenID) {
		idToken, err := s.mintIDToken(ctx, subject, clientID, "", current.OIDCSessionID, now)
		if err != nil {
			return nil, err
		}
		result.IDToken = idToken
	}

	s.touchGrant(ctx, grant.ID, now)
	s.recordTokenIssued(ctx, current.SubjectID, clientID, GrantTypeRefreshToken, meta, result.Scope)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// handleRefreshReuse applies the configured reuse policy to a replayed
// refresh token.
func (s *Server) handleRefreshReuse(ctx context.Context, replayed *storage.RefreshToken, meta RequestMeta) {
	policy := s.Config.RefreshTokenReusePolicy
	revokedCount := 0

	if policy == ReusePolicyRevokeFamily {
		revoked, err := s.store.RevokeRefreshTokenFamily(ctx, replayed.FamilyID, s.now())
		if err != nil {
			s.Logger.Error("Failed to revoke refresh token family after reuse",
				"family_id", replayed.FamilyID, "error", err)
		} else {
			revokedCount = len(revoked)
			s.revocations.revokeAccessTokens(ctx, append(revoked, replayed))
		}
	}

	s.Logger.Warn("⚠️  SECURITY WARNING: Refresh token reuse detected",
		"client_id", replayed.ClientID,
		"family_id", replayed.FamilyID,
		"generation", replayed.Generation,
		"policy", policy,
		"revoked", revokedCount,
		"risk", "The refresh token may have been stolen")
	s.Auditor.LogRefreshTokenReuse(replayed.SubjectID, replayed.ClientID, meta.IPAddress,
		replayed.FamilyID, policy, revokedCount)
	if m := s.metrics(); m != nil {
		m.RecordRefreshReuseDetected(ctx, policy)
		if revokedCount > 0 {
			m.RecordTokenRevocation(ctx, TokenTypeHintRefreshToken, revokedCount)
		}
	}
}

// RevokeToken revokes an access or refresh token (RFC 7009). It never
// reports whether the token was valid; internal failures are only logged.
// A non-empty clientID must match the token's client.
func (s *Server) RevokeToken(ctx context.Context, token, hint, clientID string, meta RequestMeta) {
	if token == "" {
		return
	}

	tryRefresh := func() bool { return s.revokeRefreshToken(ctx, token, clientID, meta) }
	tryAccess := func() bool { return s.revokeAccessToken(ctx, token, clientID, meta) }

	if hint == TokenTypeHintAccessToken {
		if !tryAccess() {
			tryRefresh()
		}
		return
	}
	if !tryRefresh() {
		tryAccess()
	}
}

func (s *Server) revokeRefreshToken(ctx context.Context, token, clientID string, meta RequestMeta) bool {
	stored, err := s.store.GetRefreshToken(ctx, security.HashToken(token))
	if err != nil {
		if !errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.Logger.Error("Failed to look up refresh token for revocation", "error", err)
		}
		return false
	}
	if clientID != "" && stored.ClientID != clientID {
		s.Logger.Debug("Ignoring revocation by foreign client", "client_id", clientID)
		return true
	}

	revoked, err := s.store.RevokeRefreshTokenFamily(ctx, stored.FamilyID, s.now())
	if err != nil {
		s.Logger.Error("Failed to revoke refresh token family", "family_id", stored.FamilyID, "error", err)
		return true
	}
	s.revocations.revokeAccessTokens(ctx, revoked)

	s.Auditor.LogTokenRevoked(stored.SubjectID, stored.ClientID, meta.IPAddress, TokenTypeHintRefreshToken, len(revoked))
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, TokenTypeHintRefreshToken, len(revoked))
	}
	return true
}

func (s *Server) revokeAccessToken(ctx context.Context, token, clientID string, meta RequestMeta) bool {
	claims, err := s.signer.ValidateAccessToken(ctx, token)
	if err != nil {
		return false
	}
	if clientID != "" && claims.ClientID != clientID {
		s.Logger.Debug("Ignoring revocation by foreign client", "client_id", clientID)
		return true
	}

	if err := s.revocations.MarkRevoked(ctx, claims.ID, claims.ExpiresAt); err != nil {
		s.Logger.Error("Failed to mark access token revoked",
			"jti_prefix", util.SafeTruncate(claims.ID, tokenIDLogLength), "error", err)
		return true
	}

	s.Auditor.LogTokenRevoked(claims.Subject, claims.ClientID, meta.IPAddress, TokenTypeHintAccessToken, 1)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, TokenTypeHintAccessToken, 1)
	}
	return true
}

// ValidateAccessToken verifies an access token and consults the revocation
// cache. A cache failure rejects the token.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*AccessTokenClaims, error) {
	if token == "" {
		return nil, ErrInvalidToken("missing access token")
	}
	claims, err := s.signer.ValidateAccessToken(ctx, token)
	if err != nil {
		s.Logger.Debug("Access token rejected", "error", err)
		return nil, ErrInvalidToken("access token is invalid or expired")
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Revocation lookup failed, rejecting token",
			"jti_prefix", util.SafeTruncate(claims.ID, tokenIDLogLength), "error", err)
		return nil, ErrInvalidToken("access token could not be verified")
	}
	if revoked {
		return nil, ErrInvalidToken("access token has been revoked")
	}
	return claims, nil
}

// IntrospectToken describes a token per RFC 7662. Anything that is not a
// currently valid access or refresh token is reported inactive.
func (s *Server) IntrospectToken(ctx context.Context, token string) *Introspection {
	inactive := &Introspection{Active: false}
	if token == "" {
		return inactive
	}

	// JWTs carry two dots; opaque refresh tokens never do.
	if strings.Count(token, ".") == 2 {
		claims, err := s.ValidateAccessToken(ctx, token)
		if err != nil {
			return inactive
		}
		return &Introspection{
			Active:         true,
			Scope:          scope.Join(claims.Scopes),
			ClientID:       claims.ClientID,
			Subject:        claims.Subject,
			TokenType:      TokenTypeBearer,
			ExpiresAt:      claims.ExpiresAt.Unix(),
			IssuedAt:       claims.IssuedAt.Unix(),
			Issuer:         claims.Issuer,
			JWTID:          claims.ID,
			GrantID:        claims.GrantID,
			LimitTo24Hours: claims.LimitTo24Hours,
		}
	}

	stored, err := s.store.GetRefreshToken(ctx, security.HashToken(token))
	if err != nil {
		if !errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.Logger.Error("Refresh token lookup failed during introspection", "error", err)
		}
		return inactive
	}
	if stored.IsRevoked() || stored.IsRotated() ||
		security.IsExpiredAt(stored.ExpiresAt, s.now(), seconds(s.Config.ClockSkewGracePeriod)) {
		return inactive
	}
	if _, err := s.store.GetGrant(ctx, stored.GrantID); err != nil {
		return inactive
	}

	return &Introspection{
		Active:         true,
		Scope:          scope.Join(stored.Scopes),
		ClientID:       stored.ClientID,
		Subject:        stored.SubjectID,
		TokenType:      TokenTypeHintRefreshToken,
		ExpiresAt:      stored.ExpiresAt.Unix(),
		IssuedAt:       stored.IssuedAt.Unix(),
		Issuer:         s.Config.Issuer,
		GrantID:        stored.GrantID,
		LimitTo24Hours: stored.LimitTo24Hours,
	}
}

// UserInfo answers the OIDC userinfo endpoint for a token granted openid.
func (s *Server) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	claims, err := s.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(claims.Scopes, scope.OpenID) {
		return nil, ErrInsufficientScope("the openid scope is required")
	}

	subject, err := s.subjects.ResolveSubject(ctx, claims.Subject)
	if err != nil {
		return nil, s.serverError("Failed to resolve subject", err)
	}
	return &UserInfo{Subject: subject.ID, Name: subject.Name, Email: subject.Email}, nil
}

// narrowToGrant drops scopes the grant no longer covers, so an owner
// reducing a grant also reduces every token minted from it afterwards.
func narrowToGrant(t *scope.Taxonomy, scopes []string, grant *storage.Grant) []string {
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if t.Satisfies(grant.Scopes, sc) {
			out = append(out, sc)
		}
	}
	return out
}

func (s *Server) touchGrant(ctx context.Context, grantID string, at time.Time) {
	if err := s.store.TouchGrant(ctx, grantID, at); err != nil {
		s.Logger.Warn("Failed to record grant use", "grant_id", grantID, "error", err)
	}
}

func (s *Server) recordTokenIssued(ctx context.Context, subjectID, clientID, grantType string, meta RequestMeta, scopes string) {
	s.Logger.Info("Issued tokens",
		"client_id", clientID,
		"grant_type", grantType,
		"scope", scopes)
	s.Auditor.LogTokenIssued(subjectID, clientID, meta.IPAddress, grantType, scopes)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, clientID, grantType)
	}
}

func expiresIn(expiresAt, now time.Time) int64 {
	return int64(security.RemainingTTL(expiresAt, now).Round(time.Second) / time.Second)
}
