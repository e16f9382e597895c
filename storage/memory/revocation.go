package memory

import (
	"context"
	"time"
)

// ============================================================
// RevocationStore Implementation
// ============================================================

// MarkRevoked records jti as revoked until the access token would expire
func (s *Store) MarkRevoked(ctx context.Context, jti string, until time.Time) (err error) {
	_, done := s.observe(ctx, "mark_revoked")
	defer func() { done(err) }()

	if jti == "" || !time.Now().Before(until) {
		return nil
	}

	s.revokedMu.Lock()
	defer s.revokedMu.Unlock()

	if prev, ok := s.revoked[jti]; !ok {
		s.revokedCount.Add(1)
	} else if prev.After(until) {
		until = prev
	}
	s.revoked[jti] = until
	return nil
}

// IsRevoked reports whether jti is on the revocation list
func (s *Store) IsRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	_, done := s.observe(ctx, "is_revoked")
	defer func() { done(err) }()

	s.revokedMu.RLock()
	until, ok := s.revoked[jti]
	s.revokedMu.RUnlock()

	return ok && time.Now().Before(until), nil
}
