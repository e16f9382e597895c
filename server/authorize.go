package server

import (
	"context"
	"errors"
	"net/url"
	"regexp"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/scope"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

const (
	// ResponseTypeCode is the only supported response_type
	ResponseTypeCode = "code"

	maxStateLength = 512
	maxNonceLength = 512
)

// s256ChallengePattern matches BASE64URL(SHA256(verifier)) without padding
var s256ChallengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// OutcomeKind tells the HTTP layer where /authorize sends the browser.
type OutcomeKind string

const (
	// OutcomeLoginRequired redirects to the login page
	OutcomeLoginRequired OutcomeKind = "login_required"
	// OutcomeApproved redirects to the client with a code (silent approval)
	OutcomeApproved OutcomeKind = "approved"
	// OutcomeConsentRequired redirects to the consent page
	OutcomeConsentRequired OutcomeKind = "consent_required"
	// OutcomeError redirects to the client with an OAuth error
	OutcomeError OutcomeKind = "error"
)

// AuthorizeParams are the query parameters of GET /authorize.
type AuthorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// OriginalURL is the full authorize URL, handed to the login page as
	// returnUrl.
	OriginalURL string
	Meta        RequestMeta
}

// AuthorizeOutcome is the result of GET /authorize: always a redirect.
type AuthorizeOutcome struct {
	Kind        OutcomeKind
	RedirectURL string
}

// ConsentDecision is the POST /authorize form.
type ConsentDecision struct {
	ConsentID      string
	SubjectID      string
	Approve        bool
	LimitTo24Hours bool
	// RedirectURI, when posted, must equal the one validated at GET time.
	RedirectURI string
	Meta        RequestMeta
}

// Authorize runs the authorization endpoint state machine. Problems with the
// client or redirect URI are returned as errors and must never be
// redirected; every later problem becomes an OutcomeError redirect.
func (s *Server) Authorize(ctx context.Context, params AuthorizeParams, subjectID string) (*AuthorizeOutcome, error) {
	ctx, span := s.startSpan(ctx, "server.Authorize")
	defer span.End()

	if _, err := s.FindOrCreateClient(ctx, params.ClientID, params.Meta); err != nil {
		return nil, err
	}
	if params.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if err := s.authorizeRedirectURI(ctx, params, false); err != nil {
		return nil, err
	}

	fail := func(e *Error) (*AuthorizeOutcome, error) {
		s.recordAuthorizationOutcome(ctx, params.ClientID, e.Code)
		instrumentation.SetSpanError(span, e.Code)
		return &AuthorizeOutcome{
			Kind:        OutcomeError,
			RedirectURL: errorRedirect(params.RedirectURI, params.State, e),
		}, nil
	}

	if params.ResponseType != ResponseTypeCode {
		return fail(ErrUnsupportedResponseType("response_type must be code"))
	}
	if params.CodeChallenge == "" || params.CodeChallengeMethod != PKCEMethodS256 {
		return fail(ErrInvalidRequest("code_challenge with code_challenge_method=S256 is required"))
	}
	if !s256ChallengePattern.MatchString(params.CodeChallenge) {
		return fail(ErrInvalidRequest("code_challenge is malformed"))
	}
	if len(params.State) > maxStateLength || len(params.Nonce) > maxNonceLength {
		return fail(ErrInvalidRequest("state or nonce is too long"))
	}
	scopes, err := s.scopes.Parse(params.Scope)
	if err != nil {
		return fail(ErrInvalidScope(err.Error()))
	}
	if len(scopes) == 0 {
		return fail(ErrInvalidScope("at least one scope is required"))
	}

	// Ad-hoc clients pin only a redirect URI that arrived with a valid request.
	if err := s.authorizeRedirectURI(ctx, params, true); err != nil {
		return nil, err
	}

	if subjectID == "" {
		if s.Config.LoginURL == "" {
			return nil, s.serverError("Login required but LoginURL is not configured", errors.New("missing LoginURL"))
		}
		loginURL, err := appendQuery(s.Config.LoginURL, url.Values{"returnUrl": {params.OriginalURL}})
		if err != nil {
			return nil, s.serverError("Invalid LoginURL", err)
		}
		s.recordAuthorizationOutcome(ctx, params.ClientID, string(OutcomeLoginRequired))
		return &AuthorizeOutcome{Kind: OutcomeLoginRequired, RedirectURL: loginURL}, nil
	}
	instrumentation.AddOAuthFlowAttributes(span, params.ClientID, subjectID, scope.Join(scopes))

	grant, err := s.GetActiveGrant(ctx, params.ClientID, subjectID)
	if err != nil {
		return nil, s.serverError("Failed to look up grant", err, "client_id", params.ClientID)
	}
	if grant != nil && s.scopes.SatisfiesAll(grant.Scopes, scopes) {
		code, err := s.GenerateAuthorizationCode(ctx, CodeParams{
			ClientID:       params.ClientID,
			SubjectID:      subjectID,
			GrantID:        grant.ID,
			Scopes:         scopes,
			RedirectURI:    params.RedirectURI,
			CodeChallenge:  params.CodeChallenge,
			Nonce:          params.Nonce,
			LimitTo24Hours: grant.LimitTo24Hours,
		})
		if err != nil {
			return nil, err
		}
		if m := s.metrics(); m != nil {
			m.RecordCodeIssued(ctx, params.ClientID, true)
		}
		s.recordAuthorizationOutcome(ctx, params.ClientID, string(OutcomeApproved))
		instrumentation.SetSpanSuccess(span)
		return &AuthorizeOutcome{
			Kind:        OutcomeApproved,
			RedirectURL: codeRedirect(params.RedirectURI, code, params.State),
		}, nil
	}

	if s.Config.ConsentURL == "" {
		return nil, s.serverError("Consent required but ConsentURL is not configured", errors.New("missing ConsentURL"))
	}
	now := s.now()
	req := &storage.AuthorizationRequest{
		ID:            security.GenerateToken(),
		ClientID:      params.ClientID,
		SubjectID:     subjectID,
		RedirectURI:   params.RedirectURI,
		Scopes:        scopes,
		State:         params.State,
		CodeChallenge: params.CodeChallenge,
		Nonce:         params.Nonce,
		CreatedAt:     now,
		ExpiresAt:     now.Add(seconds(s.Config.AuthorizationRequestTTL)),
	}
	if err := s.store.SaveAuthorizationRequest(ctx, req); err != nil {
		return nil, s.serverError("Failed to save authorization request", err)
	}

	consentURL, err := appendQuery(s.Config.ConsentURL, url.Values{
		"consent_id": {req.ID},
		"client_id":  {params.ClientID},
		"scope":      {scope.Join(scopes)},
	})
	if err != nil {
		return nil, s.serverError("Invalid ConsentURL", err)
	}
	s.recordAuthorizationOutcome(ctx, params.ClientID, string(OutcomeConsentRequired))
	instrumentation.SetSpanSuccess(span)
	return &AuthorizeOutcome{Kind: OutcomeConsentRequired, RedirectURL: consentURL}, nil
}

func (s *Server) authorizeRedirectURI(ctx context.Context, params AuthorizeParams, pin bool) error {
	err := s.checkRedirectURI(ctx, params.ClientID, params.RedirectURI, pin)
	if err == nil {
		return nil
	}
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) || errors.Is(err, storage.ErrClientNotFound) {
		return ErrInvalidRequest("invalid redirect_uri for this client")
	}
	return s.serverError("Failed to validate redirect URI", err, "client_id", params.ClientID)
}

// CompleteConsent applies the user's decision to a pending authorization
// request and returns the client redirect.
func (s *Server) CompleteConsent(ctx context.Context, d ConsentDecision) (string, error) {
	if d.ConsentID == "" {
		return "", ErrInvalidRequest("consent_id is required")
	}
	if d.SubjectID == "" {
		return "", ErrAccessDenied("authentication required")
	}

	invalid := ErrInvalidRequest("unknown or expired consent request")
	req, err := s.store.GetAuthorizationRequest(ctx, d.ConsentID)
	if errors.Is(err, storage.ErrAuthorizationRequestNotFound) {
		return "", invalid
	}
	if err != nil {
		return "", s.serverError("Failed to load authorization request", err)
	}
	// A consent_id leaked to someone else must not let them burn it.
	if req.SubjectID != d.SubjectID {
		s.Logger.Warn("Consent posted by a different subject", "client_id", req.ClientID)
		return "", invalid
	}

	req, err = s.store.ConsumeAuthorizationRequest(ctx, d.ConsentID)
	if errors.Is(err, storage.ErrAuthorizationRequestNotFound) {
		return "", invalid
	}
	if err != nil {
		return "", s.serverError("Failed to consume authorization request", err)
	}
	if !s.now().Before(req.ExpiresAt) {
		return "", invalid
	}

	if d.RedirectURI != "" && d.RedirectURI != req.RedirectURI {
		s.Logger.Warn("Consent redirect_uri differs from the authorize request", "client_id", req.ClientID)
		return "", ErrInvalidRequest("redirect_uri does not match the authorization request")
	}
	if !s.ValidateRedirectURI(ctx, req.ClientID, req.RedirectURI) {
		return "", ErrInvalidRequest("invalid redirect_uri for this client")
	}

	if !d.Approve {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentDenied,
			SubjectID: d.SubjectID,
			ClientID:  req.ClientID,
			IPAddress: d.Meta.IPAddress,
		})
		s.recordAuthorizationOutcome(ctx, req.ClientID, "denied")
		return errorRedirect(req.RedirectURI, req.State, ErrAccessDenied("The user denied the request")), nil
	}

	grant, err := s.upsertClientGrant(ctx, req.ClientID, d.SubjectID, req.Scopes, d.LimitTo24Hours)
	if err != nil {
		return "", s.serverError("Failed to record consent", err, "client_id", req.ClientID)
	}

	code, err := s.GenerateAuthorizationCode(ctx, CodeParams{
		ClientID:       req.ClientID,
		SubjectID:      d.SubjectID,
		GrantID:        grant.ID,
		Scopes:         req.Scopes,
		RedirectURI:    req.RedirectURI,
		CodeChallenge:  req.CodeChallenge,
		Nonce:          req.Nonce,
		LimitTo24Hours: d.LimitTo24Hours,
	})
	if err != nil {
		return "", err
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, req.ClientID, false)
	}
	s.recordAuthorizationOutcome(ctx, req.ClientID, string(OutcomeApproved))
	return codeRedirect(req.RedirectURI, code, req.State), nil
}

func (s *Server) recordAuthorizationOutcome(ctx context.Context, clientID, outcome string) {
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationOutcome(ctx, clientID, outcome)
	}
}

// codeRedirect builds redirect_uri?code=...&state=...
func codeRedirect(redirectURI, code, state string) string {
	params := url.Values{"code": {code}}
	if state != "" {
		params.Set("state", state)
	}
	u, err := appendQuery(redirectURI, params)
	if err != nil {
		return redirectURI
	}
	return u
}

// errorRedirect builds redirect_uri?error=...&error_description=...&state=...
func errorRedirect(redirectURI, state string, e *Error) string {
	params := url.Values{"error": {e.Code}}
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	u, err := appendQuery(redirectURI, params)
	if err != nil {
		return redirectURI
	}
	return u
}
