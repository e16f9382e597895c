package valkey

import (
	"context"
	"fmt"
	"time"
)

// ============================================================
// RevocationStore Implementation
// ============================================================

// MarkRevoked records a revoked access token ID until until. The key expires
// with the token so the set of revoked IDs never grows unbounded.
func (s *Store) MarkRevoked(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return fmt.Errorf("invalid token id")
	}
	ttl := calculateTTL(until)
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.revokedKey(jti)).Value("1").PxMilliseconds(ttl.Milliseconds()).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti was revoked and the mark is still live
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.revokedKey(jti)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
