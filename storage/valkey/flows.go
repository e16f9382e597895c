package valkey

import (
	"context"
	"fmt"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code with a TTL
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(data).Nx().PxMilliseconds(ttl.Milliseconds()).Build(),
	).Error(); err != nil {
		if isNilError(err) {
			return fmt.Errorf("authorization code already exists")
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically fetches and deletes a code (GETDEL)
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, tokenIDLogLength))
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return decode(data, fromAuthorizationCodeJSON)
}

// SaveAuthorizationRequest saves a consent correlation record with a TTL
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("invalid authorization request")
	}

	ttl := calculateTTL(req.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization request already expired")
	}

	data, err := marshal(toAuthorizationRequestJSON(req))
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.authRequestKey(req.ID)).Value(data).Nx().PxMilliseconds(ttl.Milliseconds()).Build(),
	).Error(); err != nil {
		if isNilError(err) {
			return fmt.Errorf("authorization request already exists")
		}
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	return nil
}

// GetAuthorizationRequest reads a correlation record without consuming it
func (s *Store) GetAuthorizationRequest(ctx context.Context, id string) (*storage.AuthorizationRequest, error) {
	return getAndUnmarshal(ctx, s, s.authRequestKey(id),
		fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, tokenIDLogLength)),
		fromAuthorizationRequestJSON)
}

// ConsumeAuthorizationRequest atomically fetches and deletes a correlation record
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, id string) (*storage.AuthorizationRequest, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.authRequestKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, tokenIDLogLength))
		}
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}
	return decode(data, fromAuthorizationRequestJSON)
}
