package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nocturne/nocturne-auth/scope"
	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

func clientGrantKey(clientID, subjectID string) string {
	return clientID + "\x00" + subjectID
}

// CreateGrant stores a new grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	_, done := s.observe(ctx, "create_grant")
	defer func() { done(err) }()

	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.ID == "" {
		return fmt.Errorf("grant ID cannot be empty")
	}

	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	return s.insertGrantLocked(grant)
}

// insertGrantLocked must be called with grantsMu held.
func (s *Store) insertGrantLocked(grant *storage.Grant) error {
	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("grant %s already exists", grant.ID)
	}
	if grant.Kind() == storage.GrantKindClient {
		key := clientGrantKey(grant.ClientID, grant.SubjectID)
		if _, exists := s.clientGrants[key]; exists {
			return fmt.Errorf("client grant for %s already exists", grant.ClientID)
		}
		s.clientGrants[key] = grant.ID
	}
	s.grants[grant.ID] = cloneGrant(grant)
	s.grantsCount.Add(1)
	return nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, id string) (grant *storage.Grant, err error) {
	_, done := s.observe(ctx, "get_grant")
	defer func() { done(err) }()

	s.grantsMu.RLock()
	defer s.grantsMu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	return cloneGrant(g), nil
}

// FindClientGrant returns the grant subjectID gave clientID
func (s *Store) FindClientGrant(ctx context.Context, clientID, subjectID string) (grant *storage.Grant, err error) {
	_, done := s.observe(ctx, "find_client_grant")
	defer func() { done(err) }()

	s.grantsMu.RLock()
	defer s.grantsMu.RUnlock()

	id, ok := s.clientGrants[clientGrantKey(clientID, subjectID)]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrGrantNotFound, clientID)
	}
	return cloneGrant(s.grants[id]), nil
}

// ListGrantsBySubject lists the grants owned by subjectID, oldest first
func (s *Store) ListGrantsBySubject(ctx context.Context, subjectID string) (grants []*storage.Grant, err error) {
	_, done := s.observe(ctx, "list_grants_by_subject")
	defer func() { done(err) }()

	return s.listGrants(func(g *storage.Grant) bool { return g.SubjectID == subjectID }), nil
}

// ListGrantsByFollower lists the follower grants that name followerSubjectID
func (s *Store) ListGrantsByFollower(ctx context.Context, followerSubjectID string) (grants []*storage.Grant, err error) {
	_, done := s.observe(ctx, "list_grants_by_follower")
	defer func() { done(err) }()

	return s.listGrants(func(g *storage.Grant) bool { return g.FollowerSubjectID == followerSubjectID }), nil
}

func (s *Store) listGrants(match func(*storage.Grant) bool) []*storage.Grant {
	s.grantsMu.RLock()
	defer s.grantsMu.RUnlock()

	out := make([]*storage.Grant, 0)
	for _, g := range s.grants {
		if match(g) {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateGrant replaces the mutable fields of a grant
func (s *Store) UpdateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	_, done := s.observe(ctx, "update_grant")
	defer func() { done(err) }()

	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}

	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	g, ok := s.grants[grant.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, grant.ID)
	}
	updated := cloneGrant(g)
	updated.Scopes = append([]string(nil), grant.Scopes...)
	updated.Label = grant.Label
	updated.LimitTo24Hours = grant.LimitTo24Hours
	s.grants[grant.ID] = updated
	return nil
}

// MergeGrantScopes unions scopes into a grant under the grants lock
func (s *Store) MergeGrantScopes(ctx context.Context, id string, scopes []string, limitTo24Hours bool) (grant *storage.Grant, err error) {
	_, done := s.observe(ctx, "merge_grant_scopes")
	defer func() { done(err) }()

	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	updated := cloneGrant(g)
	updated.Scopes = scope.Union(g.Scopes, scopes)
	updated.LimitTo24Hours = limitTo24Hours
	s.grants[id] = updated
	return cloneGrant(updated), nil
}

// TouchGrant records that a grant was used at the given time
func (s *Store) TouchGrant(ctx context.Context, id string, at time.Time) (err error) {
	_, done := s.observe(ctx, "touch_grant")
	defer func() { done(err) }()

	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	if at.After(g.LastUsedAt) {
		updated := cloneGrant(g)
		updated.LastUsedAt = at
		s.grants[id] = updated
	}
	return nil
}

// DeleteGrant removes a grant
func (s *Store) DeleteGrant(ctx context.Context, id string) (err error) {
	_, done := s.observe(ctx, "delete_grant")
	defer func() { done(err) }()

	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	if g.Kind() == storage.GrantKindClient {
		delete(s.clientGrants, clientGrantKey(g.ClientID, g.SubjectID))
	}
	delete(s.grants, id)
	s.grantsCount.Add(-1)
	return nil
}
