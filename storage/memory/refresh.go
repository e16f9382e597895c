package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores the first token of a new family
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil {
		return fmt.Errorf("refresh token cannot be nil")
	}
	if token.TokenHash == "" || token.FamilyID == "" {
		return fmt.Errorf("refresh token hash and family ID are required")
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if _, exists := s.refreshTokens[token.TokenHash]; exists {
		return fmt.Errorf("refresh token already exists")
	}
	s.insertRefreshTokenLocked(cloneRefreshToken(token))
	return nil
}

func addToIndex(index map[string]map[string]struct{}, key, hash string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[hash] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, hash string) {
	if set, ok := index[key]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// insertRefreshTokenLocked must be called with refreshMu held.
func (s *Store) insertRefreshTokenLocked(t *storage.RefreshToken) {
	s.refreshTokens[t.TokenHash] = t
	addToIndex(s.familyIndex, t.FamilyID, t.TokenHash)
	if t.GrantID != "" {
		addToIndex(s.grantRefreshes, t.GrantID, t.TokenHash)
	}
	s.refreshCount.Add(1)
}

// removeRefreshTokenLocked must be called with refreshMu held.
func (s *Store) removeRefreshTokenLocked(hash string, t *storage.RefreshToken) {
	delete(s.refreshTokens, hash)
	removeFromIndex(s.familyIndex, t.FamilyID, hash)
	removeFromIndex(s.grantRefreshes, t.GrantID, hash)
	s.refreshCount.Add(-1)
}

// GetRefreshToken retrieves a refresh token by hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (token *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	t, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength))
	}
	return cloneRefreshToken(t), nil
}

// RotateRefreshToken exchanges oldHash for its successor
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, rot storage.RefreshTokenRotation, now time.Time) (next *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "rotate_refresh_token")
	defer func() {
		if errors.Is(err, storage.ErrRefreshTokenReused) {
			// Reuse is a protocol outcome, not a storage failure.
			done(nil)
			return
		}
		done(err)
	}()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	old, ok := s.refreshTokens[oldHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(oldHash, tokenIDLogLength))
	}
	switch {
	case old.IsRevoked():
		return nil, storage.ErrRefreshTokenRevoked
	case old.IsRotated():
		return cloneRefreshToken(old), storage.ErrRefreshTokenReused
	case !now.Before(old.ExpiresAt):
		return nil, storage.ErrTokenExpired
	}

	if _, exists := s.refreshTokens[rot.NewTokenHash]; exists {
		return nil, fmt.Errorf("refresh token already exists")
	}

	next = old.Successor(rot)
	old.RotatedAt = now
	old.ReplacedBy = rot.NewTokenHash
	s.insertRefreshTokenLocked(next)

	s.logger.Debug("Rotated refresh token",
		"family_id", util.SafeTruncate(next.FamilyID, tokenIDLogLength),
		"generation", next.Generation)
	return cloneRefreshToken(next), nil
}

// RevokeRefreshTokenFamily revokes every live token of a family
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (revoked []*storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "revoke_refresh_token_family")
	defer func() { done(err) }()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	return s.revokeSetLocked(s.familyIndex[familyID], at), nil
}

// RevokeRefreshTokensForGrant revokes every live token minted under a grant
func (s *Store) RevokeRefreshTokensForGrant(ctx context.Context, grantID string, at time.Time) (revoked []*storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "revoke_refresh_tokens_for_grant")
	defer func() { done(err) }()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	return s.revokeSetLocked(s.grantRefreshes[grantID], at), nil
}

// revokeSetLocked must be called with refreshMu held.
func (s *Store) revokeSetLocked(hashes map[string]struct{}, at time.Time) []*storage.RefreshToken {
	revoked := make([]*storage.RefreshToken, 0, len(hashes))
	for hash := range hashes {
		t := s.refreshTokens[hash]
		if t == nil || t.IsRevoked() {
			continue
		}
		t.RevokedAt = at
		revoked = append(revoked, cloneRefreshToken(t))
	}
	return revoked
}
