package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/nocturne-auth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_CreateClientIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, created, err := s.CreateClientIfAbsent(ctx, &storage.Client{ID: "1", ClientID: "demo-cli"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "demo-cli", stored.ClientID)

	stored, created, err = s.CreateClientIfAbsent(ctx, &storage.Client{ID: "2", ClientID: "demo-cli"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "1", stored.ID, "existing record must be returned")

	_, _, err = s.CreateClientIfAbsent(ctx, nil)
	assert.Error(t, err)
	_, _, err = s.CreateClientIfAbsent(ctx, &storage.Client{})
	assert.Error(t, err)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestStore_PinRedirectURI_FirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateClientIfAbsent(ctx, &storage.Client{ID: "1", ClientID: "adhoc"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pinned, err := s.PinRedirectURI(ctx, "adhoc", fmt.Sprintf("http://127.0.0.1:%d/cb", 9000+i))
			assert.NoError(t, err)
			results[i] = pinned
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r, "every caller must observe the same pinned URI")
	}

	c, err := s.GetClient(ctx, "adhoc")
	require.NoError(t, err)
	assert.Equal(t, results[0], c.PinnedRedirectURI)

	_, err = s.PinRedirectURI(ctx, "missing", "http://127.0.0.1/cb")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestStore_ReturnedRecordsAreCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateClientIfAbsent(ctx, &storage.Client{ID: "1", ClientID: "known", RedirectURIs: []string{"https://a/cb"}})
	require.NoError(t, err)

	c, err := s.GetClient(ctx, "known")
	require.NoError(t, err)
	c.RedirectURIs[0] = "https://evil/cb"

	c, err = s.GetClient(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, "https://a/cb", c.RedirectURIs[0])
}

// ============================================================
// GrantStore Tests
// ============================================================

func TestStore_GrantLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	g := &storage.Grant{ID: "g1", SubjectID: "alice", ClientID: "demo-cli", Scopes: []string{"glucose:read"}, CreatedAt: now}
	require.NoError(t, s.CreateGrant(ctx, g))

	// One client grant per (client, subject).
	err := s.CreateGrant(ctx, &storage.Grant{ID: "g2", SubjectID: "alice", ClientID: "demo-cli"})
	assert.Error(t, err)

	found, err := s.FindClientGrant(ctx, "demo-cli", "alice")
	require.NoError(t, err)
	assert.Equal(t, "g1", found.ID)

	_, err = s.FindClientGrant(ctx, "demo-cli", "bob")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)

	require.NoError(t, s.UpdateGrant(ctx, &storage.Grant{ID: "g1", Scopes: []string{"glucose:readwrite"}, Label: "phone", LimitTo24Hours: true}))
	updated, err := s.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"glucose:readwrite"}, updated.Scopes)
	assert.Equal(t, "phone", updated.Label)
	assert.True(t, updated.LimitTo24Hours)
	assert.Equal(t, "demo-cli", updated.ClientID, "immutable fields are kept")

	require.NoError(t, s.TouchGrant(ctx, "g1", now.Add(time.Minute)))
	touched, err := s.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, touched.LastUsedAt.Equal(now.Add(time.Minute)))

	require.NoError(t, s.CreateGrant(ctx, &storage.Grant{ID: "f1", SubjectID: "alice", FollowerSubjectID: "bob", CreatedAt: now.Add(time.Second)}))

	owned, err := s.ListGrantsBySubject(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "g1", owned[0].ID)

	following, err := s.ListGrantsByFollower(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, following, 1)
	assert.Equal(t, storage.GrantKindFollower, following[0].Kind())

	require.NoError(t, s.DeleteGrant(ctx, "g1"))
	assert.ErrorIs(t, s.DeleteGrant(ctx, "g1"), storage.ErrGrantNotFound)
	_, err = s.FindClientGrant(ctx, "demo-cli", "alice")
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)

	// The pair can be granted again after revocation.
	require.NoError(t, s.CreateGrant(ctx, &storage.Grant{ID: "g3", SubjectID: "alice", ClientID: "demo-cli"}))
}

// ============================================================
// FlowStore Tests
// ============================================================

func TestStore_MergeGrantScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateGrant(ctx, &storage.Grant{ID: "g1", SubjectID: "alice", ClientID: "demo-cli", Scopes: []string{"glucose:read"}, CreatedAt: time.Now()}))

	merged, err := s.MergeGrantScopes(ctx, "g1", []string{"treatments:read", "glucose:read"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"glucose:read", "treatments:read"}, merged.Scopes)
	assert.True(t, merged.LimitTo24Hours)

	_, err = s.MergeGrantScopes(ctx, "missing", []string{"food:read"}, false)
	assert.ErrorIs(t, err, storage.ErrGrantNotFound)
}

func TestStore_MergeGrantScopes_ConcurrentMergesKeepEveryScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateGrant(ctx, &storage.Grant{ID: "g1", SubjectID: "alice", ClientID: "demo-cli", CreatedAt: time.Now()}))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.MergeGrantScopes(ctx, "g1", []string{fmt.Sprintf("r%02d:read", i)}, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	g, err := s.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, g.Scopes, writers)
}

func TestStore_ConsumeAuthorizationCode_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "demo-cli",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "code-1"); err == nil {
				successes.Add(1)
			} else {
				assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestStore_AuthorizationRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &storage.AuthorizationRequest{ID: "req-1", ClientID: "demo-cli", Scopes: []string{"glucose:read"}, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.SaveAuthorizationRequest(ctx, req))
	assert.Error(t, s.SaveAuthorizationRequest(ctx, req), "duplicate IDs are refused")

	got, err := s.GetAuthorizationRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "demo-cli", got.ClientID)

	_, err = s.ConsumeAuthorizationRequest(ctx, "req-1")
	require.NoError(t, err)
	_, err = s.ConsumeAuthorizationRequest(ctx, "req-1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationRequestNotFound)
}

// ============================================================
// DeviceCodeStore Tests
// ============================================================

func saveDeviceCode(t *testing.T, s *Store, hash, userCode string, ttl time.Duration) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.SaveDeviceCode(context.Background(), &storage.DeviceCode{
		DeviceCodeHash: hash,
		UserCode:       userCode,
		ClientID:       "tv-app",
		Scopes:         []string{"glucose:read"},
		Status:         storage.DeviceCodePending,
		Interval:       5,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}))
}

func TestStore_SaveDeviceCode_UserCodeCollision(t *testing.T) {
	s := newTestStore(t)

	saveDeviceCode(t, s, "h1", "BCDFGHJK", time.Minute)
	err := s.SaveDeviceCode(context.Background(), &storage.DeviceCode{
		DeviceCodeHash: "h2", UserCode: "BCDFGHJK", ExpiresAt: time.Now().Add(time.Minute),
	})
	assert.ErrorIs(t, err, storage.ErrUserCodeCollision)

	// An expired holder of the user code is replaced.
	saveDeviceCode(t, s, "h3", "LMNPQRST", -time.Second)
	saveDeviceCode(t, s, "h4", "LMNPQRST", time.Minute)
	dc, err := s.GetDeviceCodeByUserCode(context.Background(), "LMNPQRST")
	require.NoError(t, err)
	assert.Equal(t, "h4", dc.DeviceCodeHash)
}

func TestStore_PollDeviceCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveDeviceCode(t, s, "h1", "BCDFGHJK", 10*time.Minute)
	now := time.Now()

	_, err := s.PollDeviceCode(ctx, "h1", "other-client", now)
	assert.ErrorIs(t, err, storage.ErrDeviceCodeNotFound)

	poll, err := s.PollDeviceCode(ctx, "h1", "tv-app", now)
	require.NoError(t, err)
	assert.False(t, poll.SlowDown)
	assert.Equal(t, storage.DeviceCodePending, poll.Code.Status)

	poll, err = s.PollDeviceCode(ctx, "h1", "tv-app", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, poll.SlowDown)
	assert.Equal(t, 5+storage.SlowDownIncrement, poll.Code.Interval)

	poll, err = s.PollDeviceCode(ctx, "h1", "tv-app", now.Add(20*time.Second))
	require.NoError(t, err)
	assert.False(t, poll.SlowDown)

	_, err = s.ResolveDeviceCode(ctx, "BCDFGHJK", storage.DeviceCodeApproved, "alice", true, now)
	require.NoError(t, err)

	_, err = s.ResolveDeviceCode(ctx, "BCDFGHJK", storage.DeviceCodeDenied, "alice", false, now)
	assert.ErrorIs(t, err, storage.ErrDeviceCodeNotPending)

	poll, err = s.PollDeviceCode(ctx, "h1", "tv-app", now.Add(21*time.Second))
	require.NoError(t, err)
	assert.True(t, poll.Redeemed)
	assert.Equal(t, "alice", poll.Code.SubjectID)
	assert.True(t, poll.Code.LimitTo24Hours)

	poll, err = s.PollDeviceCode(ctx, "h1", "tv-app", now.Add(22*time.Second))
	require.NoError(t, err)
	assert.False(t, poll.Redeemed)
	assert.Equal(t, storage.DeviceCodeConsumed, poll.Code.Status)
}

func TestStore_PollDeviceCode_RedeemedOnceUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveDeviceCode(t, s, "h1", "BCDFGHJK", 10*time.Minute)

	_, err := s.ResolveDeviceCode(ctx, "BCDFGHJK", storage.DeviceCodeApproved, "alice", false, time.Now())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		redeemed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poll, err := s.PollDeviceCode(ctx, "h1", "tv-app", time.Now())
			if assert.NoError(t, err) && poll.Redeemed {
				redeemed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), redeemed.Load())
}

func TestStore_ResolveDeviceCode_Expired(t *testing.T) {
	s := newTestStore(t)
	saveDeviceCode(t, s, "h1", "BCDFGHJK", time.Minute)

	_, err := s.ResolveDeviceCode(context.Background(), "BCDFGHJK", storage.DeviceCodeApproved, "alice", false, time.Now().Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	// Expired codes are not redeemed even if they were approved in time.
	poll, err := s.PollDeviceCode(context.Background(), "h1", "tv-app", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, poll.Redeemed)
}

// ============================================================
// RefreshTokenStore Tests
// ============================================================

func seedRefreshToken(t *testing.T, s *Store) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.SaveRefreshToken(context.Background(), &storage.RefreshToken{
		TokenHash: "rt-0",
		FamilyID:  "fam-1",
		SubjectID: "alice",
		ClientID:  "demo-cli",
		GrantID:   "g1",
		Scopes:    []string{"glucose:read", "offline_access"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))
}

func TestStore_RotateRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRefreshToken(t, s)
	now := time.Now()

	next, err := s.RotateRefreshToken(ctx, "rt-0", storage.RefreshTokenRotation{
		NewTokenHash: "rt-1",
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Generation)
	assert.Equal(t, "fam-1", next.FamilyID)
	assert.Equal(t, "g1", next.GrantID)

	old, err := s.GetRefreshToken(ctx, "rt-0")
	require.NoError(t, err)
	assert.True(t, old.IsRotated())
	assert.Equal(t, "rt-1", old.ReplacedBy)

	reused, err := s.RotateRefreshToken(ctx, "rt-0", storage.RefreshTokenRotation{NewTokenHash: "rt-2"}, now)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenReused)
	require.NotNil(t, reused)
	assert.Equal(t, "fam-1", reused.FamilyID)

	revoked, err := s.RevokeRefreshTokenFamily(ctx, "fam-1", now)
	require.NoError(t, err)
	assert.Len(t, revoked, 2)

	_, err = s.RotateRefreshToken(ctx, "rt-1", storage.RefreshTokenRotation{NewTokenHash: "rt-3"}, now)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenRevoked)

	// A second revocation finds nothing live.
	revoked, err = s.RevokeRefreshTokenFamily(ctx, "fam-1", now)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestStore_RotateRefreshToken_OnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRefreshToken(t, s)

	var (
		wg      sync.WaitGroup
		rotated atomic.Int32
		reused  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := time.Now()
			_, err := s.RotateRefreshToken(ctx, "rt-0", storage.RefreshTokenRotation{
				NewTokenHash: fmt.Sprintf("next-%d", i),
				ExpiresAt:    now.Add(time.Hour),
			}, now)
			switch {
			case err == nil:
				rotated.Add(1)
			case errors.Is(err, storage.ErrRefreshTokenReused):
				reused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), rotated.Load())
	assert.Equal(t, int32(19), reused.Load())
}

func TestStore_RotateRefreshToken_Expired(t *testing.T) {
	s := newTestStore(t)
	seedRefreshToken(t, s)

	_, err := s.RotateRefreshToken(context.Background(), "rt-0", storage.RefreshTokenRotation{NewTokenHash: "rt-1"}, time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	_, err = s.RotateRefreshToken(context.Background(), "missing", storage.RefreshTokenRotation{NewTokenHash: "x"}, time.Now())
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
}

func TestStore_RevokeRefreshTokensForGrant(t *testing.T) {
	s := newTestStore(t)
	seedRefreshToken(t, s)

	revoked, err := s.RevokeRefreshTokensForGrant(context.Background(), "g1", time.Now())
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "rt-0", revoked[0].TokenHash)

	revoked, err = s.RevokeRefreshTokensForGrant(context.Background(), "other", time.Now())
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

// ============================================================
// InviteStore Tests
// ============================================================

func createInvite(t *testing.T, s *Store, maxUses *int, ttl time.Duration) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.CreateInvite(context.Background(), &storage.Invite{
		ID:             "inv-1",
		OwnerSubjectID: "alice",
		TokenHash:      "inv-hash",
		Scopes:         []string{"glucose:read"},
		MaxUses:        maxUses,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}))
}

func followerGrant(id, follower string) *storage.Grant {
	return &storage.Grant{ID: id, SubjectID: "alice", FollowerSubjectID: follower, Scopes: []string{"glucose:read"}}
}

func TestStore_AcceptInvite_MaxUsesOneUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	one := 1
	createInvite(t, s, &one, time.Hour)

	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		exhausted atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AcceptInvite(ctx, "inv-hash", followerGrant(fmt.Sprintf("g%d", i), fmt.Sprintf("follower-%d", i)), time.Now())
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, storage.ErrInviteExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(29), exhausted.Load())

	inv, err := s.GetInvite(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inv.UseCount)
	require.Len(t, inv.Uses, 1)

	grants, err := s.ListGrantsBySubject(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "inv-1", grants[0].InviteID)
}

func TestStore_AcceptInvite_Rules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInvite(t, s, nil, time.Hour)

	_, err := s.AcceptInvite(ctx, "inv-hash", followerGrant("g1", "bob"), time.Now())
	require.NoError(t, err)

	_, err = s.AcceptInvite(ctx, "inv-hash", followerGrant("g2", "bob"), time.Now())
	assert.ErrorIs(t, err, storage.ErrInviteAlreadyAccepted)

	_, err = s.AcceptInvite(ctx, "inv-hash", followerGrant("g3", "carol"), time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, storage.ErrInviteExpired)

	require.NoError(t, s.RevokeInvite(ctx, "inv-1"))
	_, err = s.AcceptInvite(ctx, "inv-hash", followerGrant("g4", "dave"), time.Now())
	assert.ErrorIs(t, err, storage.ErrInviteRevoked)

	_, err = s.AcceptInvite(ctx, "unknown", followerGrant("g5", "erin"), time.Now())
	assert.ErrorIs(t, err, storage.ErrInviteNotFound)

	invites, err := s.ListInvitesByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.True(t, invites[0].IsRevoked)

	// Revoking the invite leaves the grant it minted in place.
	_, err = s.GetGrant(ctx, "g1")
	assert.NoError(t, err)
}

// ============================================================
// RevocationStore Tests
// ============================================================

func TestStore_Revocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkRevoked(ctx, "jti-1", time.Now().Add(time.Hour)))
	require.NoError(t, s.MarkRevoked(ctx, "jti-past", time.Now().Add(-time.Second)))

	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "jti-past")
	require.NoError(t, err)
	assert.False(t, revoked, "marking with a past expiry is a no-op")

	revoked, err = s.IsRevoked(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, revoked)
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "c1", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{ID: "r1", ExpiresAt: now.Add(time.Minute)}))
	saveDeviceCode(t, s, "h1", "BCDFGHJK", time.Minute)
	seedRefreshToken(t, s)
	require.NoError(t, s.MarkRevoked(ctx, "jti", now.Add(time.Minute)))

	// Device codes linger past expiry so late polls see expired_token.
	s.cleanup(now.Add(5 * time.Minute))
	_, err := s.ConsumeAuthorizationCode(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.GetDeviceCodeByUserCode(ctx, "BCDFGHJK")
	assert.NoError(t, err)

	s.cleanup(now.Add(2 * time.Hour))
	_, err = s.GetDeviceCodeByUserCode(ctx, "BCDFGHJK")
	assert.ErrorIs(t, err, storage.ErrDeviceCodeNotFound)
	_, err = s.GetRefreshToken(ctx, "rt-0")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)

	assert.Equal(t, int64(0), s.flowsCount.Load())
	assert.Equal(t, int64(0), s.deviceCodesCount.Load())
	assert.Equal(t, int64(0), s.refreshCount.Load())
	assert.Equal(t, int64(0), s.revokedCount.Load())
}

func TestStore_StopTwice(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}
