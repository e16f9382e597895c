package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nocturne/nocturne-auth/internal/testutil"
)

func TestVerifyPKCE(t *testing.T) {
	challenge := oauth2.S256ChallengeFromVerifier("abc123")

	tests := []struct {
		name      string
		challenge string
		verifier  string
		want      bool
	}{
		{name: "match", challenge: challenge, verifier: "abc123", want: true},
		{name: "wrong verifier", challenge: challenge, verifier: "abc124", want: false},
		{name: "plain verifier as challenge", challenge: "abc123", verifier: "abc123", want: false},
		{name: "empty verifier", challenge: challenge, verifier: "", want: false},
		{name: "empty challenge", challenge: "", verifier: "abc123", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifyPKCE(tt.challenge, tt.verifier); got != tt.want {
				t.Errorf("verifyPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExchangeAuthorizationCode_DemoCLI(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	challenge := oauth2.S256ChallengeFromVerifier("abc123")
	code := env.authorize(t, testCLIClient, testCLIRedirect, "glucose:read", challenge)

	result, err := env.srv.ExchangeAuthorizationCode(ctx, code, "abc123", testCLIRedirect, testCLIClient, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, TokenTypeBearer, result.TokenType)
	assert.Equal(t, "glucose:read", result.Scope)
	assert.EqualValues(t, 3600, result.ExpiresIn)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Empty(t, result.IDToken, "no openid scope, no id_token")

	claims, err := env.srv.ValidateAccessToken(ctx, result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testOwner, claims.Subject)
	assert.Equal(t, testCLIClient, claims.ClientID)
	assert.Equal(t, []string{"glucose:read"}, claims.Scopes)
	assert.NotEmpty(t, claims.GrantID)
}

func TestExchangeAuthorizationCode_IDToken(t *testing.T) {
	env := setupTestServer(t)

	result := env.issue(t, testWebClient, testWebRedirect, "openid glucose:read")
	assert.NotEmpty(t, result.IDToken)
	assert.Equal(t, "glucose:read openid", result.Scope)

	req := env.signer.lastIDToken()
	assert.Equal(t, testOwner, req.Subject)
	assert.Equal(t, testWebClient, req.ClientID)
	assert.Equal(t, "n-0S6", req.Nonce)
	assert.NotEmpty(t, req.SessionID)
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	tests := []struct {
		name     string
		verifier func(real string) string
		redirect string
		clientID string
		advance  time.Duration
	}{
		{name: "wrong verifier", verifier: func(string) string { return "not-the-verifier" }},
		{name: "redirect mismatch", redirect: "https://app.example.com/other"},
		{name: "client mismatch", clientID: "someone-else"},
		{name: "expired code", advance: 61 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			ctx := context.Background()

			challenge, verifier := testutil.GeneratePKCEPair()
			code := env.authorize(t, testWebClient, testWebRedirect, "glucose:read", challenge)

			if tt.verifier != nil {
				verifier = tt.verifier(verifier)
			}
			redirect := testWebRedirect
			if tt.redirect != "" {
				redirect = tt.redirect
			}
			clientID := testWebClient
			if tt.clientID != "" {
				clientID = tt.clientID
			}
			env.clock.Advance(tt.advance)

			_, err := env.srv.ExchangeAuthorizationCode(ctx, code, verifier, redirect, clientID, RequestMeta{})
			oauthErr := requireOAuthError(t, err, ErrorCodeInvalidGrant)
			assert.Equal(t, invalidGrantDescription, oauthErr.Description, "failures must be indistinguishable")

			// A failed attempt burns the code.
			env.clock.Set(time.Now())
			_, err = env.srv.ExchangeAuthorizationCode(ctx, code, verifier, testWebRedirect, testWebClient, RequestMeta{})
			requireOAuthError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestExchangeAuthorizationCode_ConcurrentSingleWinner(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, testWebClient, testWebRedirect, "glucose:read", challenge)

	const attempts = 20
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.ExchangeAuthorizationCode(ctx, code, verifier, testWebRedirect, testWebClient, RequestMeta{})
			if err == nil {
				wins.Add(1)
				return
			}
			if e := AsError(err); assert.Equal(t, ErrorCodeInvalidGrant, e.Code) {
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, attempts-1, losses.Load())
}

func TestExchangeAuthorizationCode_GrantRevokedBeforeExchange(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, testWebClient, testWebRedirect, "glucose:read", challenge)

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	require.NoError(t, env.srv.RevokeGrant(ctx, testOwner, grant.ID))

	_, err = env.srv.ExchangeAuthorizationCode(ctx, code, verifier, testWebRedirect, testWebClient, RequestMeta{})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_Dispatch(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{name: "missing client_id", req: TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "x"}, wantCode: ErrorCodeInvalidRequest},
		{name: "missing grant_type", req: TokenRequest{ClientID: testWebClient}, wantCode: ErrorCodeInvalidRequest},
		{name: "password grant", req: TokenRequest{ClientID: testWebClient, GrantType: "password"}, wantCode: ErrorCodeUnsupportedGrantType},
		{name: "client_credentials grant", req: TokenRequest{ClientID: testWebClient, GrantType: "client_credentials"}, wantCode: ErrorCodeUnsupportedGrantType},
		{name: "code without verifier", req: TokenRequest{ClientID: testWebClient, GrantType: GrantTypeAuthorizationCode, Code: "c", RedirectURI: testWebRedirect}, wantCode: ErrorCodeInvalidRequest},
		{name: "refresh without token", req: TokenRequest{ClientID: testWebClient, GrantType: GrantTypeRefreshToken}, wantCode: ErrorCodeInvalidRequest},
		{name: "device without code", req: TokenRequest{ClientID: testWebClient, GrantType: GrantTypeDeviceCode}, wantCode: ErrorCodeInvalidRequest},
		{name: "unknown code", req: TokenRequest{ClientID: testWebClient, GrantType: GrantTypeAuthorizationCode, Code: "c", CodeVerifier: "v", RedirectURI: testWebRedirect}, wantCode: ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Token(ctx, tt.req)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}
