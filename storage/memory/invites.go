package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// InviteStore Implementation
// ============================================================

// CreateInvite stores a new invite
func (s *Store) CreateInvite(ctx context.Context, invite *storage.Invite) (err error) {
	_, done := s.observe(ctx, "create_invite")
	defer func() { done(err) }()

	if invite == nil {
		return fmt.Errorf("invite cannot be nil")
	}
	if invite.ID == "" || invite.TokenHash == "" {
		return fmt.Errorf("invite ID and token hash are required")
	}

	s.invitesMu.Lock()
	defer s.invitesMu.Unlock()

	if _, exists := s.invites[invite.ID]; exists {
		return fmt.Errorf("invite %s already exists", invite.ID)
	}
	if _, exists := s.inviteTokens[invite.TokenHash]; exists {
		return fmt.Errorf("invite token already exists")
	}
	s.invites[invite.ID] = cloneInvite(invite)
	s.inviteTokens[invite.TokenHash] = invite.ID
	s.invitesCount.Add(1)
	return nil
}

// GetInvite retrieves an invite by ID
func (s *Store) GetInvite(ctx context.Context, id string) (invite *storage.Invite, err error) {
	_, done := s.observe(ctx, "get_invite")
	defer func() { done(err) }()

	s.invitesMu.RLock()
	defer s.invitesMu.RUnlock()

	inv, ok := s.invites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrInviteNotFound, id)
	}
	return cloneInvite(inv), nil
}

// GetInviteByTokenHash retrieves an invite by the hash of its token
func (s *Store) GetInviteByTokenHash(ctx context.Context, tokenHash string) (invite *storage.Invite, err error) {
	_, done := s.observe(ctx, "get_invite_by_token")
	defer func() { done(err) }()

	s.invitesMu.RLock()
	defer s.invitesMu.RUnlock()

	id, ok := s.inviteTokens[tokenHash]
	if !ok {
		return nil, fmt.Errorf("%w: token", storage.ErrInviteNotFound)
	}
	return cloneInvite(s.invites[id]), nil
}

// ListInvitesByOwner lists the invites created by ownerSubjectID, newest first
func (s *Store) ListInvitesByOwner(ctx context.Context, ownerSubjectID string) (invites []*storage.Invite, err error) {
	_, done := s.observe(ctx, "list_invites")
	defer func() { done(err) }()

	s.invitesMu.RLock()
	defer s.invitesMu.RUnlock()

	invites = make([]*storage.Invite, 0)
	for _, inv := range s.invites {
		if inv.OwnerSubjectID == ownerSubjectID {
			invites = append(invites, cloneInvite(inv))
		}
	}
	sort.Slice(invites, func(i, j int) bool { return invites[i].CreatedAt.After(invites[j].CreatedAt) })
	return invites, nil
}

// RevokeInvite marks an invite revoked. Grants it already minted are kept.
func (s *Store) RevokeInvite(ctx context.Context, id string) (err error) {
	_, done := s.observe(ctx, "revoke_invite")
	defer func() { done(err) }()

	s.invitesMu.Lock()
	defer s.invitesMu.Unlock()

	inv, ok := s.invites[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrInviteNotFound, id)
	}
	inv.IsRevoked = true
	return nil
}

// AcceptInvite checks, counts and records an acceptance and stores the
// follower grant in one step. Lock order is invites before grants.
func (s *Store) AcceptInvite(ctx context.Context, tokenHash string, grant *storage.Grant, now time.Time) (invite *storage.Invite, err error) {
	_, done := s.observe(ctx, "accept_invite")
	defer func() { done(err) }()

	if grant == nil {
		return nil, fmt.Errorf("grant cannot be nil")
	}

	s.invitesMu.Lock()
	defer s.invitesMu.Unlock()

	id, ok := s.inviteTokens[tokenHash]
	if !ok {
		return nil, fmt.Errorf("%w: token", storage.ErrInviteNotFound)
	}
	inv := s.invites[id]
	if err := inv.CheckAcceptable(grant.FollowerSubjectID, now); err != nil {
		return nil, err
	}

	grant.InviteID = inv.ID
	s.grantsMu.Lock()
	err = s.insertGrantLocked(grant)
	s.grantsMu.Unlock()
	if err != nil {
		return nil, err
	}

	inv.UseCount++
	inv.Uses = append(inv.Uses, storage.InviteUse{
		FollowerSubjectID: grant.FollowerSubjectID,
		GrantID:           grant.ID,
		UsedAt:            now,
	})
	return cloneInvite(inv), nil
}
