package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/nocturne-auth/internal/testutil"
)

func authorizeParams(clientID, redirectURI, scopes string) AuthorizeParams {
	challenge, _ := testutil.GeneratePKCEPair()
	return AuthorizeParams{
		ResponseType:        ResponseTypeCode,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scopes,
		State:               "state-123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		OriginalURL:         testIssuer + "/authorize?client_id=" + clientID,
	}
}

func TestAuthorize_LoginRequired(t *testing.T) {
	env := setupTestServer(t)

	params := authorizeParams(testWebClient, testWebRedirect, "glucose:read")
	out, err := env.srv.Authorize(context.Background(), params, "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeLoginRequired, out.Kind)
	assert.True(t, strings.HasPrefix(out.RedirectURL, testLoginURL+"?"))
	assert.Equal(t, params.OriginalURL, queryParam(t, out.RedirectURL, "returnUrl"))
}

func TestAuthorize_ConsentThenSilentApproval(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	params := authorizeParams(testWebClient, testWebRedirect, "glucose:read treatments:read")
	out, err := env.srv.Authorize(ctx, params, testOwner)
	require.NoError(t, err)
	require.Equal(t, OutcomeConsentRequired, out.Kind)
	assert.True(t, strings.HasPrefix(out.RedirectURL, testConsentURL+"?"))
	assert.Equal(t, testWebClient, queryParam(t, out.RedirectURL, "client_id"))
	assert.Equal(t, "glucose:read treatments:read", queryParam(t, out.RedirectURL, "scope"))

	consentID := queryParam(t, out.RedirectURL, "consent_id")
	require.NotEmpty(t, consentID)

	location, err := env.srv.CompleteConsent(ctx, ConsentDecision{
		ConsentID: consentID,
		SubjectID: testOwner,
		Approve:   true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, testWebRedirect+"?"))
	assert.NotEmpty(t, queryParam(t, location, "code"))
	assert.Equal(t, "state-123", queryParam(t, location, "state"))

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.ElementsMatch(t, []string{"glucose:read", "treatments:read"}, grant.Scopes)

	// The same or a narrower request is now approved without consent.
	out, err = env.srv.Authorize(ctx, authorizeParams(testWebClient, testWebRedirect, "glucose:read"), testOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.NotEmpty(t, queryParam(t, out.RedirectURL, "code"))
}

func TestAuthorize_BroaderScopeNeedsConsentAndMerges(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()
	env.authorize(t, testWebClient, testWebRedirect, "glucose:read", challenge)

	out, err := env.srv.Authorize(ctx, authorizeParams(testWebClient, testWebRedirect, "profiles:read"), testOwner)
	require.NoError(t, err)
	require.Equal(t, OutcomeConsentRequired, out.Kind)

	_, err = env.srv.CompleteConsent(ctx, ConsentDecision{
		ConsentID:      queryParam(t, out.RedirectURL, "consent_id"),
		SubjectID:      testOwner,
		Approve:        true,
		LimitTo24Hours: true,
	})
	require.NoError(t, err)

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"glucose:read", "profiles:read"}, grant.Scopes)
	assert.True(t, grant.LimitTo24Hours)
}

func TestAuthorize_WildcardGrantSatisfiesDataScopes(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()
	env.authorize(t, testWebClient, testWebRedirect, "*:read", challenge)

	out, err := env.srv.Authorize(ctx, authorizeParams(testWebClient, testWebRedirect, "food:read"), testOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, out.Kind)

	out, err = env.srv.Authorize(ctx, authorizeParams(testWebClient, testWebRedirect, "food:readwrite"), testOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsentRequired, out.Kind)
}

func TestAuthorize_RedirectProblemsAreNotRedirected(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		wantCode    string
	}{
		{name: "missing client_id", clientID: "", redirectURI: testWebRedirect, wantCode: ErrorCodeInvalidRequest},
		{name: "missing redirect_uri", clientID: testWebClient, redirectURI: "", wantCode: ErrorCodeInvalidRequest},
		{name: "unregistered uri for known client", clientID: testWebClient, redirectURI: "https://evil.example.com/cb", wantCode: ErrorCodeInvalidRequest},
		{name: "javascript scheme", clientID: testCLIClient, redirectURI: "javascript:alert(1)", wantCode: ErrorCodeInvalidRequest},
		{name: "fragment", clientID: testCLIClient, redirectURI: "https://app.example.com/cb#frag", wantCode: ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.srv.Authorize(ctx, authorizeParams(tt.clientID, tt.redirectURI, "glucose:read"), testOwner)
			assert.Nil(t, out)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestAuthorize_AdHocClientPinsFirstRedirect(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, err := env.srv.Authorize(ctx, authorizeParams(testCLIClient, testCLIRedirect, "glucose:read"), testOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsentRequired, out.Kind)

	client, err := env.store.GetClient(ctx, testCLIClient)
	require.NoError(t, err)
	assert.False(t, client.IsKnown)
	assert.Equal(t, testCLIRedirect, client.PinnedRedirectURI)

	_, err = env.srv.Authorize(ctx, authorizeParams(testCLIClient, "http://127.0.0.1:9999/other", "glucose:read"), testOwner)
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestAuthorize_InvalidRequestDoesNotPinRedirect(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	decoy := "http://127.0.0.1:9999/decoy"

	invalid := map[string]func(p *AuthorizeParams){
		"missing code_challenge": func(p *AuthorizeParams) { p.CodeChallenge = "" },
		"wrong response_type":    func(p *AuthorizeParams) { p.ResponseType = "token" },
		"unknown scope":          func(p *AuthorizeParams) { p.Scope = "bogus:read" },
		"no scope":               func(p *AuthorizeParams) { p.Scope = "" },
	}
	for name, mutate := range invalid {
		params := authorizeParams(testCLIClient, decoy, "glucose:read")
		mutate(&params)
		out, err := env.srv.Authorize(ctx, params, "")
		require.NoError(t, err, name)
		assert.Equal(t, OutcomeError, out.Kind, name)
	}

	client, err := env.store.GetClient(ctx, testCLIClient)
	require.NoError(t, err)
	assert.Empty(t, client.PinnedRedirectURI)

	out, err := env.srv.Authorize(ctx, authorizeParams(testCLIClient, testCLIRedirect, "glucose:read"), testOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsentRequired, out.Kind)

	client, err = env.store.GetClient(ctx, testCLIClient)
	require.NoError(t, err)
	assert.Equal(t, testCLIRedirect, client.PinnedRedirectURI)
}

func TestAuthorize_ErrorsAreRedirected(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*AuthorizeParams)
		wantCode string
	}{
		{
			name:     "token response type",
			mutate:   func(p *AuthorizeParams) { p.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing code_challenge",
			mutate:   func(p *AuthorizeParams) { p.CodeChallenge = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain challenge method",
			mutate:   func(p *AuthorizeParams) { p.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "malformed challenge",
			mutate:   func(p *AuthorizeParams) { p.CodeChallenge = "short" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown scope",
			mutate:   func(p *AuthorizeParams) { p.Scope = "glucose:read admin" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "empty scope",
			mutate:   func(p *AuthorizeParams) { p.Scope = "" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "oversized state",
			mutate:   func(p *AuthorizeParams) { p.State = strings.Repeat("s", maxStateLength+1) },
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := authorizeParams(testWebClient, testWebRedirect, "glucose:read")
			tt.mutate(&params)

			out, err := env.srv.Authorize(ctx, params, testOwner)
			require.NoError(t, err)
			require.Equal(t, OutcomeError, out.Kind)
			assert.True(t, strings.HasPrefix(out.RedirectURL, testWebRedirect+"?"))
			assert.Equal(t, tt.wantCode, queryParam(t, out.RedirectURL, "error"))
			if len(params.State) <= maxStateLength {
				assert.Equal(t, params.State, queryParam(t, out.RedirectURL, "state"))
			}
		})
	}
}

func startConsent(t *testing.T, env *testEnv) string {
	t.Helper()
	out, err := env.srv.Authorize(context.Background(), authorizeParams(testWebClient, testWebRedirect, "glucose:read"), testOwner)
	require.NoError(t, err)
	require.Equal(t, OutcomeConsentRequired, out.Kind)
	return queryParam(t, out.RedirectURL, "consent_id")
}

func TestCompleteConsent_Deny(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	location, err := env.srv.CompleteConsent(ctx, ConsentDecision{
		ConsentID: startConsent(t, env),
		SubjectID: testOwner,
		Approve:   false,
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeAccessDenied, queryParam(t, location, "error"))
	assert.Equal(t, "state-123", queryParam(t, location, "state"))
	assert.Empty(t, queryParam(t, location, "code"))

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	assert.Nil(t, grant, "denial must not create a grant")
}

func TestCompleteConsent_SingleUse(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	consentID := startConsent(t, env)

	_, err := env.srv.CompleteConsent(ctx, ConsentDecision{ConsentID: consentID, SubjectID: testOwner, Approve: true})
	require.NoError(t, err)

	_, err = env.srv.CompleteConsent(ctx, ConsentDecision{ConsentID: consentID, SubjectID: testOwner, Approve: true})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestCompleteConsent_OtherSubjectCannotBurnRequest(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	consentID := startConsent(t, env)

	_, err := env.srv.CompleteConsent(ctx, ConsentDecision{ConsentID: consentID, SubjectID: testFollower, Approve: true})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)

	// The rightful subject can still finish.
	location, err := env.srv.CompleteConsent(ctx, ConsentDecision{ConsentID: consentID, SubjectID: testOwner, Approve: true})
	require.NoError(t, err)
	assert.NotEmpty(t, queryParam(t, location, "code"))
}

func TestCompleteConsent_Expired(t *testing.T) {
	env := setupTestServer(t)
	consentID := startConsent(t, env)

	env.clock.Advance(time.Duration(env.srv.Config.AuthorizationRequestTTL+1) * time.Second)

	_, err := env.srv.CompleteConsent(context.Background(), ConsentDecision{ConsentID: consentID, SubjectID: testOwner, Approve: true})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestCompleteConsent_RedirectMismatch(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.srv.CompleteConsent(context.Background(), ConsentDecision{
		ConsentID:   startConsent(t, env),
		SubjectID:   testOwner,
		Approve:     true,
		RedirectURI: "https://app.example.com/other",
	})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestCompleteConsent_RequiresSubject(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.srv.CompleteConsent(context.Background(), ConsentDecision{ConsentID: "whatever", Approve: true})
	requireOAuthError(t, err, ErrorCodeAccessDenied)

	_, err = env.srv.CompleteConsent(context.Background(), ConsentDecision{SubjectID: testOwner, Approve: true})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}
