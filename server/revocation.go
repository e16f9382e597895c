package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nocturne/nocturne-auth/storage"
)

// localRevocationSweepThreshold is the local entry count above which
// MarkRevoked drops expired entries.
const localRevocationSweepThreshold = 1024

// RevocationCache answers "was this access token revoked?" for every
// validation path. Entries live exactly as long as the token they revoke.
//
// Positive answers are remembered in-process until the token's expiry:
// revocation is monotone, so a local hit can never become stale. Negative
// answers always go to the backing store so a revocation on another node is
// seen immediately.
type RevocationCache struct {
	store  storage.RevocationStore
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]time.Time
}

// NewRevocationCache creates a cache in front of store.
func NewRevocationCache(store storage.RevocationStore, logger *slog.Logger) *RevocationCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationCache{
		store:  store,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]time.Time),
	}
}

// MarkRevoked records jti as revoked until the token would have expired.
// A past until is a no-op.
func (c *RevocationCache) MarkRevoked(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}
	now := c.now()
	if !until.After(now) {
		return nil
	}

	if err := c.store.MarkRevoked(ctx, jti, until); err != nil {
		return err
	}

	c.mu.Lock()
	c.local[jti] = until
	if len(c.local) > localRevocationSweepThreshold {
		c.sweepLocked(now)
	}
	c.mu.Unlock()
	return nil
}

// IsRevoked reports whether jti was revoked. Errors are returned to the
// caller, which must fail closed.
func (c *RevocationCache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}

	c.mu.RLock()
	until, ok := c.local[jti]
	c.mu.RUnlock()
	if ok && c.now().Before(until) {
		return true, nil
	}

	return c.store.IsRevoked(ctx, jti)
}

// sweepLocked drops expired local entries. Must be called with mu held.
func (c *RevocationCache) sweepLocked(now time.Time) {
	for jti, until := range c.local {
		if !now.Before(until) {
			delete(c.local, jti)
		}
	}
}

// revokeAccessTokens marks the access tokens minted alongside tokens.
// Failures are logged; refresh revocation has already happened by then.
func (c *RevocationCache) revokeAccessTokens(ctx context.Context, tokens []*storage.RefreshToken) int {
	revoked := 0
	for _, t := range tokens {
		if t.AccessTokenID == "" {
			continue
		}
		if err := c.MarkRevoked(ctx, t.AccessTokenID, t.AccessTokenExpiresAt); err != nil {
			c.logger.Error("Failed to revoke access token",
				"family_id", t.FamilyID,
				"error", err)
			continue
		}
		revoked++
	}
	return revoked
}
