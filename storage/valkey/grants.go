package valkey

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("invalid grant")
	}

	data, err := marshal(toGrantJSON(grant))
	if err != nil {
		return err
	}

	kind := string(grant.Kind())
	third := s.followerGrantsKey(grant.FollowerSubjectID)
	if grant.Kind() == storage.GrantKindClient {
		third = s.clientGrantKey(grant.ClientID, grant.SubjectID)
	}

	result, err := s.eval(ctx, luaCreateGrant,
		[]string{s.grantKey(grant.ID), s.subjectGrantsKey(grant.SubjectID), third},
		data, grant.ID, kind,
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("grant %s already exists", grant.ID)
	}
	return nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, id string) (*storage.Grant, error) {
	return getAndUnmarshal(ctx, s, s.grantKey(id),
		fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id), fromGrantJSON)
}

// FindClientGrant returns the grant subjectID gave clientID
func (s *Store) FindClientGrant(ctx context.Context, clientID, subjectID string) (*storage.Grant, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientGrantKey(clientID, subjectID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrGrantNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to find client grant: %w", err)
	}
	return s.GetGrant(ctx, id)
}

// ListGrantsBySubject lists the grants owned by subjectID, oldest first
func (s *Store) ListGrantsBySubject(ctx context.Context, subjectID string) ([]*storage.Grant, error) {
	return s.listGrants(ctx, s.subjectGrantsKey(subjectID))
}

// ListGrantsByFollower lists the follower grants naming followerSubjectID
func (s *Store) ListGrantsByFollower(ctx context.Context, followerSubjectID string) ([]*storage.Grant, error) {
	return s.listGrants(ctx, s.followerGrantsKey(followerSubjectID))
}

func (s *Store) listGrants(ctx context.Context, indexKey string) ([]*storage.Grant, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	grants := make([]*storage.Grant, 0, len(ids))
	if len(ids) == 0 {
		return grants, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.grantKey(id)
	}
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	for _, v := range values {
		data, err := v.ToString()
		if err != nil {
			// Deleted between SMEMBERS and MGET
			continue
		}
		g, err := decode(data, fromGrantJSON)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}

	sort.Slice(grants, func(i, j int) bool {
		if grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].ID < grants[j].ID
		}
		return grants[i].CreatedAt.Before(grants[j].CreatedAt)
	})
	return grants, nil
}

// UpdateGrant replaces the mutable fields of a grant
func (s *Store) UpdateGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil {
		return fmt.Errorf("invalid grant")
	}
	limit := "0"
	if grant.LimitTo24Hours {
		limit = "1"
	}
	result, err := s.eval(ctx, luaUpdateGrant, []string{s.grantKey(grant.ID)},
		joinScopes(grant.Scopes), grant.Label, limit).ToString()
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if result == "NOT_FOUND" {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, grant.ID)
	}
	return nil
}

// MergeGrantScopes unions scopes into a grant inside one script
func (s *Store) MergeGrantScopes(ctx context.Context, id string, scopes []string, limitTo24Hours bool) (*storage.Grant, error) {
	limit := "0"
	if limitTo24Hours {
		limit = "1"
	}
	result, err := s.eval(ctx, luaMergeGrantScopes, []string{s.grantKey(id)},
		joinScopes(scopes), limit).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to merge grant scopes: %w", err)
	}
	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	case strings.HasPrefix(result, "OK:"):
		return decode(strings.TrimPrefix(result, "OK:"), fromGrantJSON)
	default:
		return nil, fmt.Errorf("unexpected script reply %q", result)
	}
}

// TouchGrant records that a grant was used at the given time
func (s *Store) TouchGrant(ctx context.Context, id string, at time.Time) error {
	result, err := s.eval(ctx, luaTouchGrant, []string{s.grantKey(id)}, millisArg(at)).ToString()
	if err != nil {
		return fmt.Errorf("failed to touch grant: %w", err)
	}
	if result == "NOT_FOUND" {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	return nil
}

// DeleteGrant removes a grant
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	result, err := s.eval(ctx, luaDeleteGrant, []string{s.grantKey(id)}, s.prefix).ToString()
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if result == "NOT_FOUND" {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	return nil
}
