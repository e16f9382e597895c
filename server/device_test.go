package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

func createDeviceCode(t *testing.T, env *testEnv, scopes ...string) *DeviceAuthorization {
	t.Helper()
	auth, err := env.srv.CreateDeviceCode(context.Background(), testCLIClient, scopes, RequestMeta{IPAddress: "192.0.2.10"})
	require.NoError(t, err)
	return auth
}

func poll(env *testEnv, auth *DeviceAuthorization) (*TokenResult, error) {
	return env.srv.ExchangeDeviceCode(context.Background(), auth.DeviceCode, testCLIClient, RequestMeta{})
}

func TestCreateDeviceCode(t *testing.T) {
	env := setupTestServer(t)

	auth := createDeviceCode(t, env, "glucose:read", "openid")
	assert.NotEmpty(t, auth.DeviceCode)
	assert.Len(t, auth.UserCode, security.UserCodeLength+1)
	assert.Equal(t, "-", auth.UserCode[4:5])
	assert.Equal(t, testIssuer+"/device", auth.VerificationURI)
	assert.Equal(t, auth.UserCode, queryParam(t, auth.VerificationURIComplete, "user_code"))
	assert.EqualValues(t, 600, auth.ExpiresIn)
	assert.Equal(t, 5, auth.Interval)

	// The raw device code is never stored.
	_, err := env.store.GetDeviceCodeByUserCode(context.Background(), security.NormalizeUserCode(auth.UserCode))
	require.NoError(t, err)
}

func TestCreateDeviceCode_InvalidScope(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.srv.CreateDeviceCode(context.Background(), testCLIClient, []string{"glucose:write"}, RequestMeta{})
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	_, err = env.srv.CreateDeviceCode(context.Background(), testCLIClient, nil, RequestMeta{})
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestGetDeviceCodeByUserCode(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	auth := createDeviceCode(t, env, "glucose:read")

	info, err := env.srv.GetDeviceCodeByUserCode(ctx, strings.ToLower(auth.UserCode))
	require.NoError(t, err)
	assert.Equal(t, auth.UserCode, info.UserCode)
	assert.Equal(t, testCLIClient, info.ClientID)
	assert.False(t, info.IsKnownClient)
	assert.Equal(t, []string{"glucose:read"}, info.Scopes)
	assert.Equal(t, string(storage.DeviceCodePending), info.Status)

	env.clock.Advance(601 * time.Second)
	info, err = env.srv.GetDeviceCodeByUserCode(ctx, auth.UserCode)
	require.NoError(t, err)
	assert.Equal(t, deviceStatusExpired, info.Status)

	_, err = env.srv.GetDeviceCodeByUserCode(ctx, "BCDF-GHJK")
	requireOAuthError(t, err, ErrorCodeNotFound)
	_, err = env.srv.GetDeviceCodeByUserCode(ctx, "nope")
	requireOAuthError(t, err, ErrorCodeNotFound)
}

func TestDeviceFlow_PendingSlowDownApproveRedeem(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	auth := createDeviceCode(t, env, "glucose:read")

	_, err := poll(env, auth)
	requireOAuthError(t, err, ErrorCodeAuthorizationPending)

	// Polling again inside the interval.
	_, err = poll(env, auth)
	requireOAuthError(t, err, ErrorCodeSlowDown)

	stored, err := env.store.GetDeviceCodeByUserCode(ctx, security.NormalizeUserCode(auth.UserCode))
	require.NoError(t, err)
	assert.Equal(t, auth.Interval+storage.SlowDownIncrement, stored.Interval)

	env.clock.Advance(time.Duration(stored.Interval) * time.Second)
	_, err = poll(env, auth)
	requireOAuthError(t, err, ErrorCodeAuthorizationPending)

	require.NoError(t, env.srv.ApproveDeviceCode(ctx, auth.UserCode, testOwner, true))

	env.clock.Advance(time.Duration(stored.Interval) * time.Second)
	result, err := poll(env, auth)
	require.NoError(t, err)
	assert.Equal(t, "glucose:read", result.Scope)
	assert.NotEmpty(t, result.RefreshToken)

	claims, err := env.srv.ValidateAccessToken(ctx, result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testOwner, claims.Subject)
	assert.True(t, claims.LimitTo24Hours)

	grant, err := env.srv.GetActiveGrant(ctx, testCLIClient, testOwner)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, grant.ID, claims.GrantID)

	env.clock.Advance(time.Duration(stored.Interval) * time.Second)
	_, err = poll(env, auth)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestDeviceFlow_ConcurrentPollsRedeemOnce(t *testing.T) {
	env := setupTestServer(t)
	auth := createDeviceCode(t, env, "glucose:read")
	require.NoError(t, env.srv.ApproveDeviceCode(context.Background(), auth.UserCode, testOwner, false))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := poll(env, auth); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestDeviceFlow_Denied(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	auth := createDeviceCode(t, env, "glucose:read")

	require.NoError(t, env.srv.DenyDeviceCode(ctx, auth.UserCode, testOwner))

	_, err := poll(env, auth)
	oauthErr := requireOAuthError(t, err, ErrorCodeAccessDenied)
	assert.Equal(t, http.StatusBadRequest, oauthErr.Status)

	// A denied code cannot be approved afterwards.
	err = env.srv.ApproveDeviceCode(ctx, auth.UserCode, testOwner, false)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	grant, err := env.srv.GetActiveGrant(ctx, testCLIClient, testOwner)
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestDeviceFlow_Expired(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	auth := createDeviceCode(t, env, "glucose:read")

	env.clock.Advance(601 * time.Second)

	_, err := poll(env, auth)
	requireOAuthError(t, err, ErrorCodeExpiredToken)

	err = env.srv.ApproveDeviceCode(ctx, auth.UserCode, testOwner, false)
	requireOAuthError(t, err, ErrorCodeExpiredToken)
}

func TestDeviceFlow_WrongClientOrCode(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	auth := createDeviceCode(t, env, "glucose:read")

	_, err := env.srv.ExchangeDeviceCode(ctx, auth.DeviceCode, "other-cli", RequestMeta{})
	oauthErr := requireOAuthError(t, err, ErrorCodeInvalidGrant)
	assert.Equal(t, invalidGrantDescription, oauthErr.Description)

	_, err = env.srv.ExchangeDeviceCode(ctx, "not-a-device-code", testCLIClient, RequestMeta{})
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestApproveDeviceCode_Validation(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	auth := createDeviceCode(t, env, "glucose:read")

	err := env.srv.ApproveDeviceCode(ctx, auth.UserCode, "", false)
	requireOAuthError(t, err, ErrorCodeAccessDenied)

	err = env.srv.ApproveDeviceCode(ctx, "BCDF-GHJK", testOwner, false)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	err = env.srv.ApproveDeviceCode(ctx, "XX", testOwner, false)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	// Normalized input is accepted.
	require.NoError(t, env.srv.ApproveDeviceCode(ctx, " "+strings.ToLower(auth.UserCode)+" ", testOwner, false))
	err = env.srv.ApproveDeviceCode(ctx, auth.UserCode, testOwner, false)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

// resolveHookStore calls afterResolve once a device code resolution has
// been committed, before ResolveDeviceCode returns to the server.
type resolveHookStore struct {
	storage.Store
	afterResolve func()
}

func (s *resolveHookStore) ResolveDeviceCode(ctx context.Context, userCode string, status storage.DeviceCodeStatus, subjectID string, limitTo24Hours bool, now time.Time) (*storage.DeviceCode, error) {
	code, err := s.Store.ResolveDeviceCode(ctx, userCode, status, subjectID, limitTo24Hours, now)
	if err == nil && s.afterResolve != nil {
		s.afterResolve()
	}
	return code, err
}

func TestApproveDeviceCode_PollRightAfterApprovalRedeems(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	hooked := &resolveHookStore{Store: env.store}
	env.srv.store = hooked

	auth := createDeviceCode(t, env, "glucose:read")

	var (
		tokens  *TokenResult
		pollErr error
	)
	hooked.afterResolve = func() { tokens, pollErr = poll(env, auth) }

	require.NoError(t, env.srv.ApproveDeviceCode(ctx, auth.UserCode, testOwner, false))
	require.NoError(t, pollErr)
	require.NotNil(t, tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Equal(t, "glucose:read", tokens.Scope)

	// That poll was the one redemption.
	env.clock.Advance(10 * time.Second)
	_, err := poll(env, auth)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestApproveDeviceCode_RejectedApprovalLeavesNoGrant(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	expired := createDeviceCode(t, env, "glucose:read")
	env.clock.Advance(601 * time.Second)
	err := env.srv.ApproveDeviceCode(ctx, expired.UserCode, testOwner, false)
	requireOAuthError(t, err, ErrorCodeExpiredToken)

	err = env.srv.ApproveDeviceCode(ctx, "BCDF-GHJK", testOwner, false)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	grant, err := env.srv.GetActiveGrant(ctx, testCLIClient, testOwner)
	require.NoError(t, err)
	assert.Nil(t, grant)
}
