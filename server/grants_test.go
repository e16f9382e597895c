package server

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/nocturne-auth/storage"
)

func TestCreateFollowerGrant(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	grant, err := env.srv.CreateFollowerGrant(ctx, testOwner, FollowerGrantParams{
		FollowerSubjectID: testFollower,
		Scopes:            []string{"treatments:read", "glucose:read"},
		Label:             "  Mom  ",
		LimitTo24Hours:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.GrantKindFollower, grant.Kind())
	assert.Equal(t, []string{"glucose:read", "treatments:read"}, grant.Scopes)
	assert.Equal(t, "Mom", grant.Label)
	assert.True(t, grant.LimitTo24Hours)

	owned, err := env.srv.ListGrants(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, grant.ID, owned[0].ID)

	following, err := env.srv.ListFollowing(ctx, testFollower)
	require.NoError(t, err)
	require.Len(t, following, 1)
	assert.Equal(t, testOwner, following[0].SubjectID)
}

func TestCreateFollowerGrant_Validation(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		params   FollowerGrantParams
		wantCode string
	}{
		{name: "no follower", params: FollowerGrantParams{Scopes: []string{"glucose:read"}}, wantCode: ErrorCodeInvalidRequest},
		{name: "self", params: FollowerGrantParams{FollowerSubjectID: testOwner, Scopes: []string{"glucose:read"}}, wantCode: ErrorCodeInvalidRequest},
		{name: "no scopes", params: FollowerGrantParams{FollowerSubjectID: testFollower}, wantCode: ErrorCodeInvalidScope},
		{name: "unknown scope", params: FollowerGrantParams{FollowerSubjectID: testFollower, Scopes: []string{"glucose:write"}}, wantCode: ErrorCodeInvalidScope},
		{name: "protocol scope", params: FollowerGrantParams{FollowerSubjectID: testFollower, Scopes: []string{"openid"}}, wantCode: ErrorCodeInvalidScope},
		{name: "long label", params: FollowerGrantParams{FollowerSubjectID: testFollower, Scopes: []string{"glucose:read"}, Label: strings.Repeat("x", maxLabelLength+1)}, wantCode: ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.CreateFollowerGrant(ctx, testOwner, tt.params)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestUpdateGrant(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	grant, err := env.srv.CreateFollowerGrant(ctx, testOwner, FollowerGrantParams{
		FollowerSubjectID: testFollower,
		Scopes:            []string{"glucose:read"},
	})
	require.NoError(t, err)

	label := "Dad"
	limit := true
	updated, err := env.srv.UpdateGrant(ctx, testOwner, grant.ID, GrantUpdate{
		Scopes:         []string{"glucose:read", "treatments:read"},
		Label:          &label,
		LimitTo24Hours: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"glucose:read", "treatments:read"}, updated.Scopes)
	assert.Equal(t, "Dad", updated.Label)
	assert.True(t, updated.LimitTo24Hours)

	// Nil fields are left alone.
	updated, err = env.srv.UpdateGrant(ctx, testOwner, grant.ID, GrantUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "Dad", updated.Label)

	_, err = env.srv.UpdateGrant(ctx, testOwner, grant.ID, GrantUpdate{Scopes: []string{"openid"}})
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	_, err = env.srv.UpdateGrant(ctx, testOwner, grant.ID, GrantUpdate{Scopes: []string{}})
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestUpdateGrant_ClientGrantKeepsProtocolScopes(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	env.issue(t, testWebClient, testWebRedirect, "openid glucose:read")

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)

	updated, err := env.srv.UpdateGrant(ctx, testOwner, grant.ID, GrantUpdate{Scopes: []string{"openid", "profiles:read"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profiles:read"}, updated.Scopes)
}

func TestGrants_OwnerIsolation(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	grant, err := env.srv.CreateFollowerGrant(ctx, testOwner, FollowerGrantParams{
		FollowerSubjectID: testFollower,
		Scopes:            []string{"glucose:read"},
	})
	require.NoError(t, err)

	// The follower can see the grant but not change it.
	_, err = env.srv.UpdateGrant(ctx, testFollower, grant.ID, GrantUpdate{Scopes: []string{"*"}})
	requireOAuthError(t, err, ErrorCodeNotFound)
	err = env.srv.RevokeGrant(ctx, testFollower, grant.ID)
	requireOAuthError(t, err, ErrorCodeNotFound)
	err = env.srv.RevokeGrant(ctx, "user-mallory", grant.ID)
	requireOAuthError(t, err, ErrorCodeNotFound)

	mine, err := env.srv.ListGrants(ctx, testFollower)
	require.NoError(t, err)
	assert.Empty(t, mine)

	err = env.srv.RevokeGrant(ctx, testOwner, "does-not-exist")
	requireOAuthError(t, err, ErrorCodeNotFound)
}

func TestRevokeGrant_RevokesTokens(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	issued := env.issue(t, testWebClient, testWebRedirect, "glucose:read")

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	require.NoError(t, env.srv.RevokeGrant(ctx, testOwner, grant.ID))

	after, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	assert.Nil(t, after)

	_, err = env.srv.ValidateAccessToken(ctx, issued.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)
	assert.False(t, env.srv.IntrospectToken(ctx, issued.RefreshToken).Active)

	// Revoking twice reports not found.
	err = env.srv.RevokeGrant(ctx, testOwner, grant.ID)
	requireOAuthError(t, err, ErrorCodeNotFound)

	// A fresh authorization asks for consent again.
	out, err := env.srv.Authorize(ctx, authorizeParams(testWebClient, testWebRedirect, "glucose:read"), testOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsentRequired, out.Kind)
}

func TestUpsertClientGrant_Merges(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	first, err := env.srv.upsertClientGrant(ctx, testWebClient, testOwner, []string{"glucose:read"}, true)
	require.NoError(t, err)
	second, err := env.srv.upsertClientGrant(ctx, testWebClient, testOwner, []string{"food:read"}, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"food:read", "glucose:read"}, second.Scopes)
	assert.False(t, second.LimitTo24Hours, "latest decision wins")
}

// findHookStore runs beforeReturn the first time FindClientGrant is called,
// after the grant has been read, to interleave a second writer.
type findHookStore struct {
	storage.Store
	fired        bool
	beforeReturn func()
}

func (s *findHookStore) FindClientGrant(ctx context.Context, clientID, subjectID string) (*storage.Grant, error) {
	grant, err := s.Store.FindClientGrant(ctx, clientID, subjectID)
	if s.beforeReturn != nil && !s.fired {
		s.fired = true
		s.beforeReturn()
	}
	return grant, err
}

func TestUpsertClientGrant_InterleavedConsentsKeepBothScopeSets(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.srv.upsertClientGrant(ctx, testWebClient, testOwner, []string{"glucose:read"}, false)
	require.NoError(t, err)

	hooked := &findHookStore{Store: env.store}
	env.srv.store = hooked
	hooked.beforeReturn = func() {
		_, err := env.srv.upsertClientGrant(ctx, testWebClient, testOwner, []string{"food:read"}, false)
		require.NoError(t, err)
	}

	_, err = env.srv.upsertClientGrant(ctx, testWebClient, testOwner, []string{"treatments:read"}, false)
	require.NoError(t, err)

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	assert.Equal(t, []string{"food:read", "glucose:read", "treatments:read"}, grant.Scopes)
}

func TestUpsertClientGrant_ConcurrentConsents(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resources := []string{"glucose", "treatments", "devicestatus", "profiles", "food", "reports"}
	var wg sync.WaitGroup
	for _, r := range resources {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := env.srv.upsertClientGrant(ctx, testWebClient, testOwner, []string{s}, false)
			assert.NoError(t, err)
		}(r + ":read")
	}
	wg.Wait()

	grant, err := env.srv.GetActiveGrant(ctx, testWebClient, testOwner)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Len(t, grant.Scopes, len(resources))
}
