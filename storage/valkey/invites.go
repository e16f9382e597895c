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
// InviteStore Implementation
// ============================================================

// CreateInvite stores a new invite with its token and owner indexes
func (s *Store) CreateInvite(ctx context.Context, invite *storage.Invite) error {
	if invite == nil || invite.ID == "" || invite.TokenHash == "" {
		return fmt.Errorf("invalid invite")
	}

	data, err := marshal(toInviteJSON(invite))
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.inviteKey(invite.ID)).Value(data).Nx().Build(),
	).Error(); err != nil {
		if isNilError(err) {
			return fmt.Errorf("invite %s already exists", invite.ID)
		}
		return fmt.Errorf("failed to save invite: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.inviteTokenKey(invite.TokenHash)).Value(invite.ID).Build(),
		s.client.B().Sadd().Key(s.ownerInvitesKey(invite.OwnerSubjectID)).Member(invite.ID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to index invite: %w", err)
		}
	}
	return nil
}

// GetInvite retrieves an invite by ID, including its uses
func (s *Store) GetInvite(ctx context.Context, id string) (*storage.Invite, error) {
	inv, err := getAndUnmarshal(ctx, s, s.inviteKey(id),
		fmt.Errorf("%w: %s", storage.ErrInviteNotFound, id), fromInviteJSON)
	if err != nil {
		return nil, err
	}
	if err := s.loadInviteUses(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInviteByTokenHash retrieves an invite by the hash of its token
func (s *Store) GetInviteByTokenHash(ctx context.Context, tokenHash string) (*storage.Invite, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.inviteTokenKey(tokenHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: token", storage.ErrInviteNotFound)
		}
		return nil, fmt.Errorf("failed to get invite token: %w", err)
	}
	return s.GetInvite(ctx, id)
}

// ListInvitesByOwner lists the invites created by ownerSubjectID, newest first
func (s *Store) ListInvitesByOwner(ctx context.Context, ownerSubjectID string) ([]*storage.Invite, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.ownerInvitesKey(ownerSubjectID)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}

	invites := make([]*storage.Invite, 0, len(ids))
	for _, id := range ids {
		inv, err := s.GetInvite(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable invite", "invite_id", id, "error", err)
			continue
		}
		invites = append(invites, inv)
	}
	sort.Slice(invites, func(i, j int) bool { return invites[i].CreatedAt.After(invites[j].CreatedAt) })
	return invites, nil
}

// RevokeInvite marks an invite as revoked. Grants it already produced are
// left in place.
func (s *Store) RevokeInvite(ctx context.Context, id string) error {
	result, err := s.eval(ctx, luaRevokeInvite, []string{s.inviteKey(id)}).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke invite: %w", err)
	}
	if result == "NOT_FOUND" {
		return fmt.Errorf("%w: %s", storage.ErrInviteNotFound, id)
	}
	return nil
}

// AcceptInvite atomically records an acceptance and stores the follower grant
func (s *Store) AcceptInvite(ctx context.Context, tokenHash string, grant *storage.Grant, now time.Time) (*storage.Invite, error) {
	if grant == nil || grant.ID == "" || grant.FollowerSubjectID == "" {
		return nil, fmt.Errorf("invalid follower grant")
	}

	data, err := marshal(toGrantJSON(grant))
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, luaAcceptInvite,
		[]string{s.inviteTokenKey(tokenHash)},
		s.prefix, millisArg(now), data,
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to accept invite: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: token", storage.ErrInviteNotFound)
	case result == "REVOKED":
		return nil, storage.ErrInviteRevoked
	case result == "EXPIRED":
		return nil, storage.ErrInviteExpired
	case result == "EXHAUSTED":
		return nil, storage.ErrInviteExhausted
	case result == "ALREADY_ACCEPTED":
		return nil, storage.ErrInviteAlreadyAccepted
	case result == "GRANT_EXISTS":
		return nil, fmt.Errorf("grant %s already exists", grant.ID)
	case strings.HasPrefix(result, "OK:"):
		inv, err := decode(strings.TrimPrefix(result, "OK:"), fromInviteJSON)
		if err != nil {
			return nil, err
		}
		if err := s.loadInviteUses(ctx, inv); err != nil {
			return nil, err
		}
		grant.InviteID = inv.ID
		return inv, nil
	default:
		return nil, fmt.Errorf("unexpected script reply %q", result)
	}
}

func (s *Store) loadInviteUses(ctx context.Context, inv *storage.Invite) error {
	entries, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.inviteUsesKey(inv.ID)).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to load invite uses: %w", err)
	}

	inv.Uses = make([]storage.InviteUse, 0, len(entries))
	for _, data := range entries {
		u, err := decode(data, func(j *inviteUseJSON) *storage.InviteUse {
			return &storage.InviteUse{
				FollowerSubjectID: j.FollowerSubjectID,
				GrantID:           j.GrantID,
				UsedAt:            fromMillis(j.UsedAt),
			}
		})
		if err != nil {
			return err
		}
		inv.Uses = append(inv.Uses, *u)
	}
	return nil
}
