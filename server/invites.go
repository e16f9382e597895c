package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// maxInviteLifetime bounds the requested expiry of an invite
const maxInviteLifetime = 90 * 24 * time.Hour

// Invite acceptance results recorded in metrics
const (
	inviteAccepted   = "accepted"
	inviteRejected   = "rejected"
	inviteNotFound   = "not_found"
	inviteOwnInvite  = "own_invite"
	inviteStoreError = "error"
)

// InviteParams describes a new invite.
type InviteParams struct {
	Scopes         []string
	Label          string
	LimitTo24Hours bool
	// MaxUses is nil for unlimited
	MaxUses *int
	// ExpiresIn defaults to Config.InviteTTL
	ExpiresIn time.Duration
}

// CreatedInvite carries the raw invite token. It is returned only once.
type CreatedInvite struct {
	Invite *storage.Invite
	Token  string
	URL    string
}

// InviteInfo is the public description shown on the invite landing page.
type InviteInfo struct {
	OwnerName      string    `json:"owner_name,omitempty"`
	Scopes         []string  `json:"scopes"`
	Label          string    `json:"label,omitempty"`
	LimitTo24Hours bool      `json:"limit_to_24_hours"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsValid        bool      `json:"is_valid"`
}

// CreateInvite mints a shareable invite for owner.
func (s *Server) CreateInvite(ctx context.Context, owner string, params InviteParams) (*CreatedInvite, error) {
	scopes, err := s.normalizeDataScopes(params.Scopes)
	if err != nil {
		return nil, err
	}
	label, err := normalizeLabel(params.Label)
	if err != nil {
		return nil, err
	}
	if params.MaxUses != nil && *params.MaxUses < 1 {
		return nil, ErrInvalidRequest("max_uses must be at least 1")
	}

	lifetime := params.ExpiresIn
	if lifetime == 0 {
		lifetime = seconds(s.Config.InviteTTL)
	}
	if lifetime < 0 || lifetime > maxInviteLifetime {
		return nil, ErrInvalidRequest("invite lifetime must be between 1 second and 90 days")
	}

	token := security.GenerateToken()
	now := s.now()
	invite := &storage.Invite{
		ID:             newID(),
		OwnerSubjectID: owner,
		TokenHash:      security.HashToken(token),
		Scopes:         scopes,
		Label:          label,
		LimitTo24Hours: params.LimitTo24Hours,
		MaxUses:        params.MaxUses,
		CreatedAt:      now,
		ExpiresAt:      now.Add(lifetime),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		return nil, s.serverError("Failed to create invite", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventInviteCreated,
		SubjectID: owner,
		Details:   map[string]any{"invite_id": invite.ID},
	})
	if m := s.metrics(); m != nil {
		m.RecordInviteCreated(ctx)
	}

	return &CreatedInvite{
		Invite: invite,
		Token:  token,
		URL:    s.Config.InviteURL + "/" + url.PathEscape(token),
	}, nil
}

// GetInviteInfo describes an invite by its raw token.
func (s *Server) GetInviteInfo(ctx context.Context, token string) (*InviteInfo, error) {
	invite, err := s.inviteByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	info := &InviteInfo{
		Scopes:         invite.Scopes,
		Label:          invite.Label,
		LimitTo24Hours: invite.LimitTo24Hours,
		ExpiresAt:      invite.ExpiresAt,
		IsValid:        invite.CheckAcceptable("", s.now()) == nil,
	}
	if owner, err := s.subjects.ResolveSubject(ctx, invite.OwnerSubjectID); err == nil {
		info.OwnerName = owner.Name
	}
	return info, nil
}

// AcceptInvite turns an invite into a follower grant for follower.
func (s *Server) AcceptInvite(ctx context.Context, token, follower string) (*storage.Grant, error) {
	if follower == "" {
		return nil, ErrAccessDenied("authentication required")
	}
	invite, err := s.inviteByToken(ctx, token)
	if err != nil {
		s.recordInviteAccept(ctx, inviteNotFound)
		return nil, err
	}
	if invite.OwnerSubjectID == follower {
		s.recordInviteAccept(ctx, inviteOwnInvite)
		return nil, ErrInvalidRequest("you cannot accept your own invite")
	}

	grant := &storage.Grant{
		ID:                newID(),
		SubjectID:         invite.OwnerSubjectID,
		FollowerSubjectID: follower,
		InviteID:          invite.ID,
		Scopes:            invite.Scopes,
		Label:             invite.Label,
		LimitTo24Hours:    invite.LimitTo24Hours,
		CreatedAt:         s.now(),
	}

	_, err = s.store.AcceptInvite(ctx, invite.TokenHash, grant, s.now())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrInviteNotFound):
		s.recordInviteAccept(ctx, inviteNotFound)
		return nil, ErrNotFound("invite not found")
	case errors.Is(err, storage.ErrInviteRevoked),
		errors.Is(err, storage.ErrInviteExpired),
		errors.Is(err, storage.ErrInviteExhausted),
		errors.Is(err, storage.ErrInviteAlreadyAccepted):
		s.recordInviteAccept(ctx, inviteRejected)
		return nil, ErrInvalidRequest(err.Error())
	default:
		s.recordInviteAccept(ctx, inviteStoreError)
		return nil, s.serverError("Failed to accept invite", err, "invite_id", invite.ID)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventInviteAccepted,
		SubjectID: follower,
		Details:   map[string]any{"invite_id": invite.ID, "grant_id": grant.ID},
	})
	s.recordInviteAccept(ctx, inviteAccepted)
	s.recordGrantChange(ctx, security.EventGrantCreated, grant, "create")
	return grant, nil
}

// RevokeInvite revokes one of owner's invites. Grants it already minted are
// kept; they are revoked individually.
func (s *Server) RevokeInvite(ctx context.Context, owner, inviteID string) error {
	invite, err := s.store.GetInvite(ctx, inviteID)
	if errors.Is(err, storage.ErrInviteNotFound) {
		return ErrNotFound("invite not found")
	}
	if err != nil {
		return s.serverError("Failed to load invite", err, "invite_id", inviteID)
	}
	if invite.OwnerSubjectID != owner {
		return ErrNotFound("invite not found")
	}

	if err := s.store.RevokeInvite(ctx, inviteID); err != nil {
		if errors.Is(err, storage.ErrInviteNotFound) {
			return ErrNotFound("invite not found")
		}
		return s.serverError("Failed to revoke invite", err, "invite_id", inviteID)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventInviteRevoked,
		SubjectID: owner,
		Details:   map[string]any{"invite_id": inviteID},
	})
	return nil
}

// ListInvites returns owner's invites, newest first.
func (s *Server) ListInvites(ctx context.Context, owner string) ([]*storage.Invite, error) {
	invites, err := s.store.ListInvitesByOwner(ctx, owner)
	if err != nil {
		return nil, s.serverError("Failed to list invites", err)
	}
	return invites, nil
}

func (s *Server) inviteByToken(ctx context.Context, token string) (*storage.Invite, error) {
	if token == "" {
		return nil, ErrNotFound("invite not found")
	}
	invite, err := s.store.GetInviteByTokenHash(ctx, security.HashToken(token))
	if errors.Is(err, storage.ErrInviteNotFound) {
		return nil, ErrNotFound("invite not found")
	}
	if err != nil {
		return nil, s.serverError("Failed to load invite", err)
	}
	return invite, nil
}

func (s *Server) recordInviteAccept(ctx context.Context, result string) {
	if m := s.metrics(); m != nil {
		m.RecordInviteAccept(ctx, result)
	}
}
