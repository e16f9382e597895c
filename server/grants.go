package server

import (
	"context"
	"errors"
	"strings"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/scope"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// maxLabelLength bounds grant and invite labels
const maxLabelLength = 200

// FollowerGrantParams describes a grant letting another user read the
// owner's data.
type FollowerGrantParams struct {
	FollowerSubjectID string
	Scopes            []string
	Label             string
	LimitTo24Hours    bool
}

// GrantUpdate carries the mutable fields of a grant. Nil fields are left
// unchanged.
type GrantUpdate struct {
	Scopes         []string
	Label          *string
	LimitTo24Hours *bool
}

// GetActiveGrant returns the grant subjectID gave clientID, or nil.
func (s *Server) GetActiveGrant(ctx context.Context, clientID, subjectID string) (*storage.Grant, error) {
	grant, err := s.store.FindClientGrant(ctx, clientID, subjectID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// upsertClientGrant records consent: a new grant, or the union of the
// existing grant's scopes with the newly approved ones. The union happens
// inside the store so concurrent consents for the same pair keep both
// scope sets. The 24-hour flag is always taken from the latest decision.
func (s *Server) upsertClientGrant(ctx context.Context, clientID, subjectID string, scopes []string, limitTo24Hours bool) (*storage.Grant, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.GetActiveGrant(ctx, clientID, subjectID)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			merged, err := s.store.MergeGrantScopes(ctx, existing.ID, scopes, limitTo24Hours)
			if errors.Is(err, storage.ErrGrantNotFound) {
				// Revoked in between; start a fresh grant.
				continue
			}
			if err != nil {
				return nil, err
			}
			s.recordGrantChange(ctx, security.EventGrantUpdated, merged, "update")
			return merged, nil
		}

		grant := &storage.Grant{
			ID:             newID(),
			SubjectID:      subjectID,
			ClientID:       clientID,
			Scopes:         scope.Union(nil, scopes),
			LimitTo24Hours: limitTo24Hours,
			CreatedAt:      s.now(),
		}
		err = s.store.CreateGrant(ctx, grant)
		if err == nil {
			s.recordGrantChange(ctx, security.EventGrantCreated, grant, "create")
			return grant, nil
		}
		// A concurrent consent for the same pair won; merge into its grant.
		s.Logger.Debug("Client grant creation raced, retrying as update",
			"client_id", clientID, "error", err)
	}
	return nil, errors.New("client grant upsert did not converge")
}

// CreateFollowerGrant lets FollowerSubjectID read owner's data.
func (s *Server) CreateFollowerGrant(ctx context.Context, owner string, params FollowerGrantParams) (*storage.Grant, error) {
	follower := strings.TrimSpace(params.FollowerSubjectID)
	if follower == "" {
		return nil, ErrInvalidRequest("follower_subject_id is required")
	}
	if follower == owner {
		return nil, ErrInvalidRequest("cannot create a follower grant for yourself")
	}
	scopes, err := s.normalizeDataScopes(params.Scopes)
	if err != nil {
		return nil, err
	}
	label, err := normalizeLabel(params.Label)
	if err != nil {
		return nil, err
	}

	grant := &storage.Grant{
		ID:                newID(),
		SubjectID:         owner,
		FollowerSubjectID: follower,
		Scopes:            scopes,
		Label:             label,
		LimitTo24Hours:    params.LimitTo24Hours,
		CreatedAt:         s.now(),
	}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return nil, s.serverError("Failed to create follower grant", err)
	}

	s.recordGrantChange(ctx, security.EventGrantCreated, grant, "create")
	return grant, nil
}

// UpdateGrant changes an owner's grant. Grants owned by someone else are
// reported as not found.
func (s *Server) UpdateGrant(ctx context.Context, owner, grantID string, update GrantUpdate) (*storage.Grant, error) {
	grant, err := s.ownedGrant(ctx, owner, grantID)
	if err != nil {
		return nil, err
	}

	if update.Scopes != nil {
		var scopes []string
		if grant.Kind() == storage.GrantKindFollower {
			scopes, err = s.normalizeDataScopes(update.Scopes)
		} else {
			scopes, err = s.normalizeRequestedScopes(update.Scopes)
		}
		if err != nil {
			return nil, err
		}
		grant.Scopes = scopes
	}
	if update.Label != nil {
		label, err := normalizeLabel(*update.Label)
		if err != nil {
			return nil, err
		}
		grant.Label = label
	}
	if update.LimitTo24Hours != nil {
		grant.LimitTo24Hours = *update.LimitTo24Hours
	}

	if err := s.store.UpdateGrant(ctx, grant); err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, ErrNotFound("grant not found")
		}
		return nil, s.serverError("Failed to update grant", err, "grant_id", grantID)
	}

	s.recordGrantChange(ctx, security.EventGrantUpdated, grant, "update")
	return grant, nil
}

// RevokeGrant deletes an owner's grant together with the refresh tokens
// minted under it and their current access tokens.
func (s *Server) RevokeGrant(ctx context.Context, owner, grantID string) error {
	ctx, span := s.startSpan(ctx, "server.RevokeGrant")
	defer span.End()

	grant, err := s.ownedGrant(ctx, owner, grantID)
	if err != nil {
		return err
	}
	instrumentation.AddGrantAttributes(span, grant.ID, string(grant.Kind()))

	if err := s.store.DeleteGrant(ctx, grant.ID); err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return ErrNotFound("grant not found")
		}
		instrumentation.RecordError(span, err)
		return s.serverError("Failed to delete grant", err, "grant_id", grantID)
	}

	revoked, err := s.store.RevokeRefreshTokensForGrant(ctx, grant.ID, s.now())
	if err != nil {
		s.Logger.Error("Failed to revoke refresh tokens of deleted grant",
			"grant_id", grant.ID, "error", err)
	} else if len(revoked) > 0 {
		s.revocations.revokeAccessTokens(ctx, revoked)
		s.Auditor.LogTokenRevoked(grant.SubjectID, grant.ClientID, "", "grant", len(revoked))
		if m := s.metrics(); m != nil {
			m.RecordTokenRevocation(ctx, "grant", len(revoked))
		}
	}

	s.recordGrantChange(ctx, security.EventGrantRevoked, grant, "revoke")
	instrumentation.SetSpanSuccess(span)
	return nil
}

// ListGrants returns every grant owner has given, newest first.
func (s *Server) ListGrants(ctx context.Context, owner string) ([]*storage.Grant, error) {
	grants, err := s.store.ListGrantsBySubject(ctx, owner)
	if err != nil {
		return nil, s.serverError("Failed to list grants", err)
	}
	return grants, nil
}

// ListFollowing returns the follower grants others gave follower.
func (s *Server) ListFollowing(ctx context.Context, follower string) ([]*storage.Grant, error) {
	grants, err := s.store.ListGrantsByFollower(ctx, follower)
	if err != nil {
		return nil, s.serverError("Failed to list followed grants", err)
	}
	return grants, nil
}

// ownedGrant loads a grant and hides it from everyone but its owner.
func (s *Server) ownedGrant(ctx context.Context, owner, grantID string) (*storage.Grant, error) {
	if grantID == "" {
		return nil, ErrNotFound("grant not found")
	}
	grant, err := s.store.GetGrant(ctx, grantID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return nil, ErrNotFound("grant not found")
	}
	if err != nil {
		return nil, s.serverError("Failed to load grant", err, "grant_id", grantID)
	}
	if grant.SubjectID != owner {
		return nil, ErrNotFound("grant not found")
	}
	return grant, nil
}

// normalizeRequestedScopes validates a client scope request: at least one
// valid scope, nothing outside the vocabulary.
func (s *Server) normalizeRequestedScopes(raw []string) ([]string, error) {
	scopes, err := s.scopes.Normalize(raw)
	if err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("at least one scope is required")
	}
	return scopes, nil
}

// normalizeDataScopes is normalizeRequestedScopes restricted to data
// scopes, as used by follower grants and invites.
func (s *Server) normalizeDataScopes(raw []string) ([]string, error) {
	scopes, err := s.normalizeRequestedScopes(raw)
	if err != nil {
		return nil, err
	}
	for _, sc := range scopes {
		if !s.scopes.IsDataScope(sc) {
			return nil, ErrInvalidScope("only data scopes can be shared: " + sc)
		}
	}
	return scopes, nil
}

func normalizeLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if len(label) > maxLabelLength {
		return "", ErrInvalidRequest("label is too long")
	}
	return label, nil
}

func (s *Server) recordGrantChange(ctx context.Context, event string, grant *storage.Grant, action string) {
	kind := string(grant.Kind())
	s.Logger.Info("Grant changed",
		"action", action,
		"grant_id", grant.ID,
		"kind", kind,
		"scopes", scope.Join(grant.Scopes))
	s.Auditor.LogGrantChange(event, grant.SubjectID, grant.ID, kind)
	if m := s.metrics(); m != nil {
		m.RecordGrantChange(ctx, kind, action)
	}
}
