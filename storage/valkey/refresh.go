package valkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores the first token of a family (or a standalone
// token) and indexes it by family and grant.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	data, err := marshal(toRefreshTokenJSON(token))
	if err != nil {
		return err
	}

	ms := ttl.Milliseconds()
	cmds := []valkeygo.Completed{
		s.client.B().Set().Key(s.refreshKey(token.TokenHash)).Value(data).PxMilliseconds(ms).Build(),
		s.client.B().Sadd().Key(s.familyKey(token.FamilyID)).Member(token.TokenHash).Build(),
		s.client.B().Pexpire().Key(s.familyKey(token.FamilyID)).Milliseconds(ms).Build(),
	}
	if token.GrantID != "" {
		cmds = append(cmds,
			s.client.B().Sadd().Key(s.grantRefreshKey(token.GrantID)).Member(token.TokenHash).Build(),
			s.client.B().Pexpire().Key(s.grantRefreshKey(token.GrantID)).Milliseconds(ms).Build(),
		)
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}

	s.logger.Debug("Saved refresh token",
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh token by its hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	return getAndUnmarshal(ctx, s, s.refreshKey(tokenHash),
		fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength)),
		fromRefreshTokenJSON)
}

// RotateRefreshToken atomically retires a token and stores its successor
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, rot storage.RefreshTokenRotation, now time.Time) (*storage.RefreshToken, error) {
	if rot.NewTokenHash == "" {
		return nil, fmt.Errorf("invalid rotation")
	}

	data, err := marshal(&rotationJSON{
		TokenHash:            rot.NewTokenHash,
		IPAddress:            rot.IPAddress,
		UserAgent:            rot.UserAgent,
		AccessTokenID:        rot.AccessTokenID,
		AccessTokenExpiresAt: toMillis(rot.AccessTokenExpiresAt),
		IssuedAt:             toMillis(rot.IssuedAt),
		ExpiresAt:            toMillis(rot.ExpiresAt),
		Scope:                joinScopes(rot.Scopes),
		OverrideScope:        rot.Scopes != nil,
	})
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, luaRotateRefreshToken,
		[]string{s.refreshKey(oldHash)},
		data, millisArg(now), s.prefix,
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	prefix := util.SafeTruncate(oldHash, tokenIDLogLength)
	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, prefix)
	case result == "REVOKED":
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenRevoked, prefix)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token %s", storage.ErrTokenExpired, prefix)
	case result == "EXISTS":
		return nil, fmt.Errorf("successor refresh token already exists")
	case strings.HasPrefix(result, "REUSED:"):
		old, err := decode(strings.TrimPrefix(result, "REUSED:"), fromRefreshTokenJSON)
		if err != nil {
			return nil, err
		}
		return old, fmt.Errorf("%w: %s", storage.ErrRefreshTokenReused, prefix)
	case strings.HasPrefix(result, "OK:"):
		next, err := decode(strings.TrimPrefix(result, "OK:"), fromRefreshTokenJSON)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Rotated refresh token",
			"family_id", util.SafeTruncate(next.FamilyID, tokenIDLogLength),
			"generation", next.Generation)
		return next, nil
	default:
		return nil, fmt.Errorf("unexpected script reply %q", result)
	}
}

// RevokeRefreshTokenFamily revokes every live token of a family
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) ([]*storage.RefreshToken, error) {
	return s.revokeRefreshSet(ctx, s.familyKey(familyID), at)
}

// RevokeRefreshTokensForGrant revokes every live token minted under a grant
func (s *Store) RevokeRefreshTokensForGrant(ctx context.Context, grantID string, at time.Time) ([]*storage.RefreshToken, error) {
	return s.revokeRefreshSet(ctx, s.grantRefreshKey(grantID), at)
}

func (s *Store) revokeRefreshSet(ctx context.Context, setKey string, at time.Time) ([]*storage.RefreshToken, error) {
	entries, err := s.eval(ctx, luaRevokeRefreshSet,
		[]string{setKey},
		s.prefix+"refresh:", millisArg(at),
	).AsStrSlice()
	if err != nil && !isNilError(err) {
		return nil, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	revoked := make([]*storage.RefreshToken, 0, len(entries))
	var errs []error
	for _, data := range entries {
		t, err := decode(data, fromRefreshTokenJSON)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		revoked = append(revoked, t)
	}
	return revoked, errors.Join(errs...)
}
