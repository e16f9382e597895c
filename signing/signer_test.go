package signing

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/nocturne-auth/server"
)

const testIssuer = "https://auth.example.com"

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := GenerateKey(DefaultKeyBits)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func newTestSigner(t *testing.T, opts ...Option) *RSASigner {
	t.Helper()
	s, err := NewRSASigner(sharedKey(t), testIssuer+"/", opts...)
	require.NoError(t, err)
	return s
}

func accessRequest() server.AccessTokenRequest {
	return server.AccessTokenRequest{
		Subject:        "user-1",
		ClientID:       "demo-cli",
		GrantID:        "grant-1",
		Scopes:         []string{"glucose:read", "openid"},
		Permissions:    []string{"glucose:read"},
		Roles:          []string{"readable"},
		LimitTo24Hours: true,
		SessionID:      "sid-1",
		TTL:            time.Hour,
	}
}

func TestNewRSASigner_Validation(t *testing.T) {
	_, err := NewRSASigner(nil, testIssuer)
	assert.Error(t, err)

	_, err = NewRSASigner(sharedKey(t), "")
	assert.Error(t, err)
}

func TestRSASigner_RoundTrip(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	issued, err := s.GenerateAccessToken(ctx, accessRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), issued.ExpiresAt, 2*time.Second)

	claims, err := s.ValidateAccessToken(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, claims.ID)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "demo-cli", claims.ClientID)
	assert.Equal(t, "grant-1", claims.GrantID)
	assert.Equal(t, []string{"glucose:read", "openid"}, claims.Scopes)
	assert.Equal(t, []string{"glucose:read"}, claims.Permissions)
	assert.Equal(t, []string{"readable"}, claims.Roles)
	assert.True(t, claims.LimitTo24Hours)
	assert.Equal(t, "sid-1", claims.SessionID)
}

func TestRSASigner_RejectsExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := newTestSigner(t, WithClock(func() time.Time { return clock() }), WithLeeway(0))

	issued, err := s.GenerateAccessToken(context.Background(), accessRequest())
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = s.ValidateAccessToken(context.Background(), issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRSASigner_RejectsForeignTokens(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	t.Run("other issuer", func(t *testing.T) {
		other, err := NewRSASigner(sharedKey(t), "https://evil.example.com")
		require.NoError(t, err)
		issued, err := other.GenerateAccessToken(ctx, accessRequest())
		require.NoError(t, err)

		_, err = s.ValidateAccessToken(ctx, issued.Token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("HS256 with public key material", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-1",
			ID:        "x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		tok.Header["kid"] = s.KeyID()
		tok.Header["typ"] = accessTokenType
		signed, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = s.ValidateAccessToken(ctx, signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("id token is not an access token", func(t *testing.T) {
		idToken, err := s.GenerateIDToken(ctx, server.IDTokenRequest{
			Subject: "user-1", ClientID: "demo-cli", TTL: time.Hour,
		})
		require.NoError(t, err)

		_, err = s.ValidateAccessToken(ctx, idToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		issued, err := s.GenerateAccessToken(ctx, accessRequest())
		require.NoError(t, err)
		parts := strings.Split(issued.Token, ".")
		parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin"}`))

		_, err = s.ValidateAccessToken(ctx, strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := s.ValidateAccessToken(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRSASigner_Audience(t *testing.T) {
	ctx := context.Background()
	withAud := newTestSigner(t, WithAudience("nightscout-api"))
	withoutAud := newTestSigner(t)

	issued, err := withoutAud.GenerateAccessToken(ctx, accessRequest())
	require.NoError(t, err)
	_, err = withAud.ValidateAccessToken(ctx, issued.Token)
	assert.Error(t, err, "token without aud must not pass an audience check")

	issued, err = withAud.GenerateAccessToken(ctx, accessRequest())
	require.NoError(t, err)
	_, err = withAud.ValidateAccessToken(ctx, issued.Token)
	assert.NoError(t, err)
}

func TestRSASigner_IDTokenClaims(t *testing.T) {
	s := newTestSigner(t)
	authTime := time.Now().Add(-time.Minute).Truncate(time.Second)

	idToken, err := s.GenerateIDToken(context.Background(), server.IDTokenRequest{
		Subject:   "user-1",
		ClientID:  "demo-cli",
		Nonce:     "n-0S6_WzA2Mj",
		SessionID: "sid-1",
		Name:      "Jane",
		AuthTime:  authTime,
		TTL:       time.Hour,
	})
	require.NoError(t, err)

	var claims idClaims
	_, err = jwt.ParseWithClaims(idToken, &claims, func(*jwt.Token) (any, error) {
		return &sharedKey(t).PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience("demo-cli"))
	require.NoError(t, err)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	assert.Equal(t, "sid-1", claims.SessionID)
	assert.Equal(t, "demo-cli", claims.AuthorizedParty)
	assert.Equal(t, authTime.Unix(), claims.AuthTime)
}

func TestRSASigner_JWKS(t *testing.T) {
	s := newTestSigner(t)
	set := s.JWKS()
	require.Len(t, set.Keys, 1)

	k := set.Keys[0]
	assert.Equal(t, "RSA", k.KeyType)
	assert.Equal(t, "RS256", k.Algorithm)
	assert.Equal(t, s.KeyID(), k.KeyID)

	n, err := base64.RawURLEncoding.DecodeString(k.N)
	require.NoError(t, err)
	assert.Equal(t, 0, new(big.Int).SetBytes(n).Cmp(sharedKey(t).N))

	again := newTestSigner(t)
	assert.Equal(t, s.KeyID(), again.KeyID(), "kid must be stable for the same key")
}

func TestKeys_PEMRoundTrip(t *testing.T) {
	data, err := EncodePrivateKeyPEM(sharedKey(t))
	require.NoError(t, err)
	assert.Contains(t, string(data), "BEGIN PRIVATE KEY")

	key, err := LoadPrivateKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, key.Equal(sharedKey(t)))

	_, err = LoadPrivateKeyPEM([]byte("not pem"))
	assert.Error(t, err)
}
