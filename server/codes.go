package server

import (
	"context"
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// PKCEMethodS256 is the only supported code_challenge_method
const PKCEMethodS256 = "S256"

// CodeParams binds a new authorization code.
type CodeParams struct {
	ClientID       string
	SubjectID      string
	GrantID        string
	Scopes         []string
	RedirectURI    string
	CodeChallenge  string
	Nonce          string
	LimitTo24Hours bool
}

// GenerateAuthorizationCode stores a single-use code. The 24-hour flag
// travels with the code to the grant and tokens; it never changes the
// code's own lifetime.
func (s *Server) GenerateAuthorizationCode(ctx context.Context, params CodeParams) (string, error) {
	now := s.now()
	code := security.GenerateToken()

	err := s.store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:           code,
		ClientID:       params.ClientID,
		SubjectID:      params.SubjectID,
		GrantID:        params.GrantID,
		Scopes:         params.Scopes,
		RedirectURI:    params.RedirectURI,
		CodeChallenge:  params.CodeChallenge,
		Nonce:          params.Nonce,
		LimitTo24Hours: params.LimitTo24Hours,
		CreatedAt:      now,
		ExpiresAt:      now.Add(seconds(s.Config.AuthorizationCodeTTL)),
	})
	if err != nil {
		return "", s.serverError("Failed to save authorization code", err, "client_id", params.ClientID)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		SubjectID: params.SubjectID,
		ClientID:  params.ClientID,
	})
	return code, nil
}

// ExchangeAuthorizationCode redeems a code for tokens. The code is consumed
// before any check, so a failed attempt burns it. Every failure yields the
// same invalid_grant; the reason is only logged at Debug level.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, verifier, redirectURI, clientID string, meta RequestMeta) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()

	reject := func(reason string, details ...any) (*TokenResult, error) {
		s.Logger.Debug("Authorization code rejected",
			append([]any{"reason", reason, "client_id", clientID,
				"code_prefix", util.SafeTruncate(code, tokenIDLogLength)}, details...)...)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidGrant,
			ClientID:  clientID,
			IPAddress: meta.IPAddress,
			Details:   map[string]any{"grant_type": GrantTypeAuthorizationCode, "reason": reason},
		})
		if m := s.metrics(); m != nil {
			m.RecordCodeExchange(ctx, clientID, false)
		}
		instrumentation.SetSpanError(span, reason)
		return nil, ErrInvalidGrant(invalidGrantDescription)
	}

	if code == "" || verifier == "" {
		return reject("missing code or verifier")
	}

	authCode, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return reject("unknown or already used code")
		}
		instrumentation.RecordError(span, err)
		return nil, s.serverError("Failed to consume authorization code", err)
	}

	if authCode.ClientID != clientID {
		return reject("client_id mismatch")
	}
	if authCode.RedirectURI != redirectURI {
		return reject("redirect_uri mismatch")
	}
	if !verifyPKCE(authCode.CodeChallenge, verifier) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			SubjectID: authCode.SubjectID,
			ClientID:  clientID,
			IPAddress: meta.IPAddress,
		})
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx)
		}
		return reject("code_verifier mismatch")
	}
	if security.IsExpiredAt(authCode.ExpiresAt, s.now(), 0) {
		return reject("code expired", "expired_at", authCode.ExpiresAt)
	}

	grant, err := s.store.GetGrant(ctx, authCode.GrantID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return reject("grant revoked before exchange")
	}
	if err != nil {
		return nil, s.serverError("Failed to load grant", err, "grant_id", authCode.GrantID)
	}

	result, err := s.issueTokens(ctx, tokenIssue{
		grantType:      GrantTypeAuthorizationCode,
		subjectID:      authCode.SubjectID,
		clientID:       authCode.ClientID,
		grant:          grant,
		scopes:         authCode.Scopes,
		limitTo24Hours: grant.LimitTo24Hours,
		nonce:          authCode.Nonce,
		meta:           meta,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID, true)
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// verifyPKCE checks BASE64URL(SHA256(verifier)) against the stored S256
// challenge in constant time.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
