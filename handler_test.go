package oauth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/nocturne-auth/internal/testutil"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/server"
	"github.com/nocturne/nocturne-auth/signing"
	"github.com/nocturne/nocturne-auth/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testLoginURL    = "https://app.example.com/login"
	testConsentURL  = "https://app.example.com/consent"
	testWebClient   = "nocturne-web"
	testWebRedirect = "https://app.example.com/callback"
	testCLIClient   = "demo-cli"
	testCLIRedirect = "http://127.0.0.1:8765/callback"
	testOwner       = "user-alice"
	testFollower    = "user-bob"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := signing.GenerateKey(2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

type handlerEnv struct {
	handler *Handler
	router  http.Handler
	srv     *server.Server
	store   *memory.Store
	signer  *signing.RSASigner
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestHandler(t *testing.T, mutate ...func(*Config)) *handlerEnv {
	t.Helper()

	signer, err := signing.NewRSASigner(sharedKey(t), testIssuer)
	require.NoError(t, err)

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := server.New(store, signer, &server.Config{
		Issuer:     testIssuer,
		LoginURL:   testLoginURL,
		ConsentURL: testConsentURL,
		KnownClients: []server.KnownClient{{
			ClientID:     testWebClient,
			DisplayName:  "Nocturne Web",
			RedirectURIs: []string{testWebRedirect},
		}},
	}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, srv.SeedKnownClients(context.Background()))

	config := &Config{Logger: discardLogger()}
	for _, m := range mutate {
		m(config)
	}
	h, err := NewHandler(srv, config)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	return &handlerEnv{handler: h, router: h.Router(), srv: srv, store: store, signer: signer}
}

// session mints a platform session token for subject
func (e *handlerEnv) session(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	return e.accessToken(t, subject, testWebClient, scopes...)
}

// accessToken mints a token as if clientID had been granted scopes
func (e *handlerEnv) accessToken(t *testing.T, subject, clientID string, scopes ...string) string {
	t.Helper()
	issued, err := e.signer.GenerateAccessToken(context.Background(), server.AccessTokenRequest{
		Subject:  subject,
		ClientID: clientID,
		Scopes:   scopes,
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	return issued.Token
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), "body: %s", rr.Body.String())
}

func requireErrorResponse(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rr.Code, "body: %s", rr.Body.String())
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, code, resp.Error)
}

func locationParam(t *testing.T, rr *httptest.ResponseRecorder, key string) string {
	t.Helper()
	u, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query().Get(key)
}

func TestNewHandler(t *testing.T) {
	env := setupTestHandler(t)

	assert.NotNil(t, env.handler.logger)
	assert.Equal(t, DefaultSessionCookieName, env.handler.config.SessionCookieName)
	assert.EqualValues(t, DefaultRateLimit, env.handler.config.RateLimit.Rate)
	assert.NotNil(t, env.handler.ipLimiter)

	_, err := NewHandler(nil, nil)
	assert.Error(t, err)
}

func TestNewHandler_ResourceServerValidation(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		name    string
		servers []ResourceServerCredential
	}{
		{name: "missing id", servers: []ResourceServerCredential{{SecretHash: "$2a$10$x"}}},
		{name: "not bcrypt", servers: []ResourceServerCredential{{ID: "api", SecretHash: "plain"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandler(env.srv, &Config{Logger: discardLogger(), ResourceServers: tt.servers})
			assert.Error(t, err)
		})
	}

	hash, err := HashResourceServerSecret("s3cret")
	require.NoError(t, err)
	dup := []ResourceServerCredential{{ID: "api", SecretHash: hash}, {ID: "api", SecretHash: hash}}
	_, err = NewHandler(env.srv, &Config{Logger: discardLogger(), ResourceServers: dup})
	assert.Error(t, err)

	_, err = HashResourceServerSecret("")
	assert.Error(t, err)
}

func TestApplyDefaults_WarnsWhenIntrospectionIsOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	applyDefaults(&Config{}, logger)
	assert.Contains(t, buf.String(), "Token introspection is open to anonymous callers")

	buf.Reset()
	applyDefaults(&Config{ResourceServers: []ResourceServerCredential{{ID: "api", SecretHash: "x"}}}, logger)
	assert.NotContains(t, buf.String(), "Token introspection is open")
}

func TestHandler_DiscoveryDocuments(t *testing.T) {
	env := setupTestHandler(t)

	for _, path := range []string{PathAuthServerConfig, PathOpenIDConfig} {
		t.Run(path, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(http.MethodGet, path).Do(env.router)
			require.Equal(t, http.StatusOK, rr.Code)

			var meta AuthorizationServerMetadata
			decodeBody(t, rr, &meta)
			assert.Equal(t, testIssuer, meta.Issuer)
			assert.Equal(t, testIssuer+"/authorize", meta.AuthorizationEndpoint)
			assert.Equal(t, testIssuer+"/token", meta.TokenEndpoint)
			assert.Equal(t, testIssuer+"/device", meta.DeviceAuthorizationEndpoint)
			assert.Equal(t, testIssuer+"/.well-known/jwks.json", meta.JWKSURI)
			assert.Equal(t, testIssuer+"/userinfo", meta.UserInfoEndpoint)
			assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
			assert.Contains(t, meta.GrantTypesSupported, server.GrantTypeDeviceCode)
			assert.Contains(t, meta.ScopesSupported, "glucose:read")
			assert.Contains(t, meta.ScopesSupported, "openid")
			assert.Equal(t, []string{"none"}, meta.IntrospectionEndpointAuthMethods)
		})
	}
}

func TestHandler_JWKS(t *testing.T) {
	env := setupTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, PathJWKS).Do(env.router)
	require.Equal(t, http.StatusOK, rr.Code)

	var set server.JSONWebKeySet
	decodeBody(t, rr, &set)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, env.signer.KeyID(), set.Keys[0].KeyID)
	assert.Equal(t, "RSA", set.Keys[0].KeyType)
	assert.Equal(t, "RS256", set.Keys[0].Algorithm)
}

func TestHandler_MethodNotAllowedAndNotFound(t *testing.T) {
	env := setupTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, PathToken).Do(env.router)
	requireErrorResponse(t, rr, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest)

	rr = testutil.NewHTTPRequest(http.MethodGet, "/nope").Do(env.router)
	requireErrorResponse(t, rr, http.StatusNotFound, ErrorCodeNotFound)
}

func TestHandler_RequestIDAndSecurityHeaders(t *testing.T) {
	env := setupTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, PathJWKS).Do(env.router)
	assert.NotEmpty(t, rr.Header().Get(security.RequestIDHeader))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestHandler_CORS(t *testing.T) {
	env := setupTestHandler(t, func(c *Config) {
		c.CORS.AllowedOrigins = []string{"https://app.example.com"}
		c.CORS.AllowCredentials = true
	})

	rr := testutil.NewHTTPRequest(http.MethodOptions, PathToken).
		WithHeader("Origin", "https://app.example.com").
		Do(env.router)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))

	rr = testutil.NewHTTPRequest(http.MethodGet, PathJWKS).
		WithHeader("Origin", "https://evil.example.com").
		Do(env.router)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_RateLimit(t *testing.T) {
	env := setupTestHandler(t, func(c *Config) {
		c.RateLimit.Rate = 0.001
		c.RateLimit.Burst = 1
	})

	form := url.Values{"client_id": {testCLIClient}, "scope": {"glucose:read"}}
	rr := testutil.NewHTTPRequest(http.MethodPost, PathDevice).WithForm(form).Do(env.router)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = testutil.NewHTTPRequest(http.MethodPost, PathDevice).WithForm(form).Do(env.router)
	requireErrorResponse(t, rr, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}

func TestTokenAuthenticator(t *testing.T) {
	env := setupTestHandler(t)
	auth := NewTokenAuthenticator(env.srv, "session", []string{testWebClient})
	token := env.session(t, testOwner)
	delegated := env.accessToken(t, testOwner, testCLIClient, "glucose:read")

	tests := []struct {
		name        string
		setup       func(r *http.Request)
		wantSubject string
		wantErr     error
		wantCode    string
	}{
		{name: "no credentials", setup: func(*http.Request) {}, wantErr: ErrNotAuthenticated},
		{name: "bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, wantSubject: testOwner},
		{name: "lowercase scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "bearer "+token) }, wantSubject: testOwner},
		{name: "cookie", setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: token}) }, wantSubject: testOwner},
		{name: "basic scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, wantCode: ErrorCodeInvalidToken},
		{name: "garbage token", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer not.a.jwt") }, wantCode: ErrorCodeInvalidToken},
		{name: "token of another client", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+delegated) }, wantCode: ErrorCodeInvalidToken},
		{name: "cookie of another client", setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: delegated}) }, wantCode: ErrorCodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)
			claims, err := auth.Authenticate(r)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantCode != "":
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, server.AsError(err).Code)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantSubject, claims.Subject)
			}
		})
	}
}

func TestTokenAuthenticator_RevokedSession(t *testing.T) {
	env := setupTestHandler(t)
	token := env.session(t, testOwner)

	env.srv.RevokeToken(context.Background(), token, server.TokenTypeHintAccessToken, "", server.RequestMeta{})

	rr := testutil.NewHTTPRequest(http.MethodGet, PathGrants).WithBearer(token).Do(env.router)
	requireErrorResponse(t, rr, http.StatusUnauthorized, ErrorCodeInvalidToken)
}

func TestFormatWWWAuthenticate(t *testing.T) {
	got := formatWWWAuthenticate(testIssuer, "openid", ErrorCodeInvalidToken, `bad "token" \ here`)
	assert.Equal(t,
		`Bearer realm="https://auth.example.com", scope="openid", error="invalid_token", error_description="bad \"token\" \\ here"`,
		got)

	assert.Equal(t, `Bearer realm="r"`, formatWWWAuthenticate("r", "", "", ""))
}

func TestParseFormBool(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "true": true, "1": true, "false": false, "": false, "yes": false} {
		assert.Equal(t, want, parseFormBool(in), in)
	}
}

func TestHandler_ClientInfo(t *testing.T) {
	env := setupTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, PathClientInfo+"?client_id="+testWebClient).Do(env.router)
	require.Equal(t, http.StatusOK, rr.Code)
	var info server.ClientInfo
	decodeBody(t, rr, &info)
	assert.Equal(t, "Nocturne Web", info.DisplayName)
	assert.True(t, info.IsKnown)

	rr = testutil.NewHTTPRequest(http.MethodGet, PathClientInfo).Do(env.router)
	requireErrorResponse(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)

	rr = testutil.NewHTTPRequest(http.MethodGet, PathClientInfo+"?client_id="+url.QueryEscape(strings.Repeat("x", 300))).Do(env.router)
	requireErrorResponse(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)
}
