package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

const refreshColumns = `token_hash, family_id, generation, subject_id, client_id, grant_id, scopes, limit_to_24_hours, oidc_session_id, ip_address, user_agent, access_token_id, access_token_expires_at, issued_at, expires_at, rotated_at, replaced_by, revoked_at`

func scanRefreshToken(row scanner) (*storage.RefreshToken, error) {
	var (
		t                           storage.RefreshToken
		accessExp, rotated, revoked sql.NullTime
	)
	if err := row.Scan(&t.TokenHash, &t.FamilyID, &t.Generation, &t.SubjectID, &t.ClientID, &t.GrantID,
		pq.Array(&t.Scopes), &t.LimitTo24Hours, &t.OIDCSessionID, &t.IPAddress, &t.UserAgent,
		&t.AccessTokenID, &accessExp, &t.IssuedAt, &t.ExpiresAt, &rotated, &t.ReplacedBy, &revoked); err != nil {
		return nil, err
	}
	t.Scopes = nonNil(t.Scopes)
	t.AccessTokenExpiresAt = timeOf(accessExp)
	t.RotatedAt = timeOf(rotated)
	t.RevokedAt = timeOf(revoked)
	return &t, nil
}

func insertRefreshToken(ctx context.Context, db execer, t *storage.RefreshToken) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO oauth_refresh_tokens (`+refreshColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.TokenHash, t.FamilyID, t.Generation, t.SubjectID, t.ClientID, t.GrantID,
		stringArray(t.Scopes), t.LimitTo24Hours, t.OIDCSessionID, t.IPAddress, t.UserAgent,
		t.AccessTokenID, nullTime(t.AccessTokenExpiresAt), t.IssuedAt, t.ExpiresAt,
		nullTime(t.RotatedAt), t.ReplacedBy, nullTime(t.RevokedAt))
	return err
}

// SaveRefreshToken stores a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := insertRefreshToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token by its hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	t, err := scanRefreshToken(s.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token_hash = $1`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return t, nil
}

// RotateRefreshToken retires a token and inserts its successor in one
// transaction holding the old row's lock.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, rot storage.RefreshTokenRotation, now time.Time) (*storage.RefreshToken, error) {
	if rot.NewTokenHash == "" {
		return nil, fmt.Errorf("invalid rotation")
	}

	prefix := util.SafeTruncate(oldHash, tokenIDLogLength)
	var (
		next   *storage.RefreshToken
		reused *storage.RefreshToken
	)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := scanRefreshToken(tx.QueryRowContext(ctx,
			`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token_hash = $1 FOR UPDATE`, oldHash))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, prefix)
		}
		if err != nil {
			return fmt.Errorf("failed to load refresh token: %w", err)
		}

		switch {
		case old.IsRevoked():
			return fmt.Errorf("%w: %s", storage.ErrRefreshTokenRevoked, prefix)
		case old.IsRotated():
			reused = old
			return fmt.Errorf("%w: %s", storage.ErrRefreshTokenReused, prefix)
		case !now.Before(old.ExpiresAt):
			return fmt.Errorf("%w: refresh token %s", storage.ErrTokenExpired, prefix)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE oauth_refresh_tokens SET rotated_at = $2, replaced_by = $3 WHERE token_hash = $1`,
			oldHash, now, rot.NewTokenHash); err != nil {
			return fmt.Errorf("failed to retire refresh token: %w", err)
		}

		next = old.Successor(rot)
		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return fmt.Errorf("failed to save successor refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		// The reused record is reported alongside the error so the caller
		// can apply its reuse policy to the family.
		return reused, err
	}

	s.logger.Debug("Rotated refresh token",
		"family_id", util.SafeTruncate(next.FamilyID, tokenIDLogLength),
		"generation", next.Generation)
	return next, nil
}

// RevokeRefreshTokenFamily revokes every live token of a family
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) ([]*storage.RefreshToken, error) {
	return s.revokeRefreshTokens(ctx, `family_id = $1`, familyID, at)
}

// RevokeRefreshTokensForGrant revokes every live token minted under a grant
func (s *Store) RevokeRefreshTokensForGrant(ctx context.Context, grantID string, at time.Time) ([]*storage.RefreshToken, error) {
	return s.revokeRefreshTokens(ctx, `grant_id = $1`, grantID, at)
}

func (s *Store) revokeRefreshTokens(ctx context.Context, where, arg string, at time.Time) ([]*storage.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = $2
		 WHERE `+where+` AND revoked_at IS NULL
		 RETURNING `+refreshColumns, arg, at)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	defer rows.Close()

	revoked := []*storage.RefreshToken{}
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh token: %w", err)
		}
		revoked = append(revoked, t)
	}
	return revoked, rows.Err()
}
