package memory

import (
	"context"
	"fmt"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil {
		return fmt.Errorf("authorization code cannot be nil")
	}
	if code.Code == "" {
		return fmt.Errorf("code cannot be empty")
	}

	if _, loaded := s.authCodes.LoadOrStore(code.Code, cloneAuthorizationCode(code)); loaded {
		return fmt.Errorf("authorization code already exists")
	}
	s.flowsCount.Add(1)
	return nil
}

// ConsumeAuthorizationCode atomically fetches and deletes a code. Expiry is
// left to the caller so the record can still be logged.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (authCode *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	v, ok := s.authCodes.LoadAndDelete(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, tokenIDLogLength))
	}
	s.flowsCount.Add(-1)
	return v.(*storage.AuthorizationCode), nil
}

// SaveAuthorizationRequest saves a consent correlation record
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) (err error) {
	_, done := s.observe(ctx, "save_authorization_request")
	defer func() { done(err) }()

	if req == nil {
		return fmt.Errorf("authorization request cannot be nil")
	}
	if req.ID == "" {
		return fmt.Errorf("authorization request ID cannot be empty")
	}

	if _, loaded := s.authRequests.LoadOrStore(req.ID, cloneAuthorizationRequest(req)); loaded {
		return fmt.Errorf("authorization request already exists")
	}
	s.flowsCount.Add(1)
	return nil
}

// GetAuthorizationRequest reads a correlation record without consuming it
func (s *Store) GetAuthorizationRequest(ctx context.Context, id string) (req *storage.AuthorizationRequest, err error) {
	_, done := s.observe(ctx, "get_authorization_request")
	defer func() { done(err) }()

	v, ok := s.authRequests.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, tokenIDLogLength))
	}
	return cloneAuthorizationRequest(v.(*storage.AuthorizationRequest)), nil
}

// ConsumeAuthorizationRequest atomically fetches and deletes a correlation record
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, id string) (req *storage.AuthorizationRequest, err error) {
	_, done := s.observe(ctx, "consume_authorization_request")
	defer func() { done(err) }()

	v, ok := s.authRequests.LoadAndDelete(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, tokenIDLogLength))
	}
	s.flowsCount.Add(-1)
	return v.(*storage.AuthorizationRequest), nil
}
