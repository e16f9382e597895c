package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nocturne/nocturne-auth/storage"
)

const inviteColumns = `id, owner_subject_id, token_hash, scopes, label, limit_to_24_hours, max_uses, use_count, is_revoked, created_at, expires_at`

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanInvite(row scanner) (*storage.Invite, error) {
	var (
		inv     storage.Invite
		maxUses sql.NullInt64
	)
	if err := row.Scan(&inv.ID, &inv.OwnerSubjectID, &inv.TokenHash, pq.Array(&inv.Scopes), &inv.Label,
		&inv.LimitTo24Hours, &maxUses, &inv.UseCount, &inv.IsRevoked, &inv.CreatedAt, &inv.ExpiresAt); err != nil {
		return nil, err
	}
	inv.Scopes = nonNil(inv.Scopes)
	if maxUses.Valid {
		n := int(maxUses.Int64)
		inv.MaxUses = &n
	}
	return &inv, nil
}

func loadInviteUses(ctx context.Context, db querier, inv *storage.Invite) error {
	rows, err := db.QueryContext(ctx,
		`SELECT follower_subject_id, grant_id, used_at FROM oauth_invite_uses
		 WHERE invite_id = $1 ORDER BY used_at, follower_subject_id`, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to load invite uses: %w", err)
	}
	defer rows.Close()

	inv.Uses = []storage.InviteUse{}
	for rows.Next() {
		var u storage.InviteUse
		if err := rows.Scan(&u.FollowerSubjectID, &u.GrantID, &u.UsedAt); err != nil {
			return fmt.Errorf("failed to scan invite use: %w", err)
		}
		inv.Uses = append(inv.Uses, u)
	}
	return rows.Err()
}

// CreateInvite stores a new invite
func (s *Store) CreateInvite(ctx context.Context, invite *storage.Invite) error {
	if invite == nil || invite.ID == "" || invite.TokenHash == "" {
		return fmt.Errorf("invalid invite")
	}

	var maxUses sql.NullInt64
	if invite.MaxUses != nil {
		maxUses = sql.NullInt64{Int64: int64(*invite.MaxUses), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_invites (`+inviteColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		invite.ID, invite.OwnerSubjectID, invite.TokenHash, stringArray(invite.Scopes), invite.Label,
		invite.LimitTo24Hours, maxUses, invite.UseCount, invite.IsRevoked, invite.CreatedAt, invite.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invite %s already exists", invite.ID)
		}
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

// GetInvite retrieves an invite with its recorded uses
func (s *Store) GetInvite(ctx context.Context, id string) (*storage.Invite, error) {
	return s.getInvite(ctx, `id = $1`, id)
}

// GetInviteByTokenHash retrieves an invite by the hash of its token
func (s *Store) GetInviteByTokenHash(ctx context.Context, tokenHash string) (*storage.Invite, error) {
	return s.getInvite(ctx, `token_hash = $1`, tokenHash)
}

func (s *Store) getInvite(ctx context.Context, where, arg string) (*storage.Invite, error) {
	inv, err := scanInvite(s.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM oauth_invites WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	if err := loadInviteUses(ctx, s.db, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvitesByOwner returns the owner's invites, newest first
func (s *Store) ListInvitesByOwner(ctx context.Context, ownerSubjectID string) ([]*storage.Invite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM oauth_invites
		 WHERE owner_subject_id = $1 ORDER BY created_at DESC, id`, ownerSubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}

	invites := []*storage.Invite{}
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, inv := range invites {
		if err := loadInviteUses(ctx, s.db, inv); err != nil {
			return nil, err
		}
	}
	return invites, nil
}

// RevokeInvite marks an invite revoked. Grants it already minted are kept.
func (s *Store) RevokeInvite(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE oauth_invites SET is_revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrInviteNotFound, id)
	}
	return nil
}

// AcceptInvite checks, counts and records an acceptance and stores the
// follower grant in one transaction holding the invite row lock.
func (s *Store) AcceptInvite(ctx context.Context, tokenHash string, grant *storage.Grant, now time.Time) (*storage.Invite, error) {
	if grant == nil {
		return nil, fmt.Errorf("grant cannot be nil")
	}

	var accepted *storage.Invite
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inv, err := scanInvite(tx.QueryRowContext(ctx,
			`SELECT `+inviteColumns+` FROM oauth_invites WHERE token_hash = $1 FOR UPDATE`, tokenHash))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: token", storage.ErrInviteNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load invite: %w", err)
		}
		if err := loadInviteUses(ctx, tx, inv); err != nil {
			return err
		}
		if err := inv.CheckAcceptable(grant.FollowerSubjectID, now); err != nil {
			return err
		}

		grant.InviteID = inv.ID
		if err := insertGrant(ctx, tx, grant); err != nil {
			return fmt.Errorf("failed to create follower grant: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO oauth_invite_uses (invite_id, follower_subject_id, grant_id, used_at)
			 VALUES ($1, $2, $3, $4)`,
			inv.ID, grant.FollowerSubjectID, grant.ID, now); err != nil {
			return fmt.Errorf("failed to record invite use: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE oauth_invites SET use_count = use_count + 1 WHERE id = $1`, inv.ID); err != nil {
			return fmt.Errorf("failed to count invite use: %w", err)
		}

		inv.UseCount++
		inv.Uses = append(inv.Uses, storage.InviteUse{
			FollowerSubjectID: grant.FollowerSubjectID,
			GrantID:           grant.ID,
			UsedAt:            now,
		})
		accepted = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Invite accepted", "invite_id", accepted.ID, "grant_id", grant.ID)
	return accepted, nil
}
