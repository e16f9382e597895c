package postgres

import (
	"context"
	"fmt"
	"time"
)

// MarkRevoked records a revoked access token ID until its natural expiry.
// Marking with an until in the past is a no-op.
func (s *Store) MarkRevoked(ctx context.Context, jti string, until time.Time) error {
	if jti == "" || !until.After(s.now()) {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_revoked_tokens (jti, expires_at) VALUES ($1, $2)
		 ON CONFLICT (jti) DO UPDATE SET expires_at = GREATEST(oauth_revoked_tokens.expires_at, EXCLUDED.expires_at)`,
		jti, until)
	if err != nil {
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti is currently marked revoked
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_revoked_tokens WHERE jti = $1 AND expires_at > $2)`,
		jti, s.now()).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}
