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

const grantColumns = `id, subject_id, client_id, follower_subject_id, invite_id, scopes, label, limit_to_24_hours, created_at, last_used_at`

func scanGrant(row scanner) (*storage.Grant, error) {
	var (
		g        storage.Grant
		lastUsed sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.SubjectID, &g.ClientID, &g.FollowerSubjectID, &g.InviteID,
		pq.Array(&g.Scopes), &g.Label, &g.LimitTo24Hours, &g.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	g.Scopes = nonNil(g.Scopes)
	g.LastUsedAt = timeOf(lastUsed)
	return &g, nil
}

// execer is implemented by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGrant(ctx context.Context, db execer, g *storage.Grant) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO oauth_grants (`+grantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.SubjectID, g.ClientID, g.FollowerSubjectID, g.InviteID,
		stringArray(g.Scopes), g.Label, g.LimitTo24Hours, g.CreatedAt, nullTime(g.LastUsedAt))
	return err
}

// CreateGrant stores a new grant. A second client grant for the same
// (client, subject) pair violates a unique index and is rejected.
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("invalid grant")
	}
	if err := insertGrant(ctx, s.db, grant); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("grant %s already exists", grant.ID)
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, id string) (*storage.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM oauth_grants WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// FindClientGrant returns the grant subjectID gave clientID
func (s *Store) FindClientGrant(ctx context.Context, clientID, subjectID string) (*storage.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM oauth_grants WHERE client_id = $1 AND subject_id = $2`,
		clientID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", storage.ErrGrantNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find client grant: %w", err)
	}
	return g, nil
}

// ListGrantsBySubject lists the grants owned by subjectID, oldest first
func (s *Store) ListGrantsBySubject(ctx context.Context, subjectID string) ([]*storage.Grant, error) {
	return s.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM oauth_grants WHERE subject_id = $1 ORDER BY created_at, id`, subjectID)
}

// ListGrantsByFollower lists the follower grants naming followerSubjectID
func (s *Store) ListGrantsByFollower(ctx context.Context, followerSubjectID string) ([]*storage.Grant, error) {
	return s.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM oauth_grants WHERE follower_subject_id = $1 ORDER BY created_at, id`, followerSubjectID)
}

func (s *Store) queryGrants(ctx context.Context, query string, arg string) ([]*storage.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	grants := []*storage.Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// UpdateGrant replaces the mutable fields of a grant
func (s *Store) UpdateGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil {
		return fmt.Errorf("invalid grant")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_grants SET scopes = $2, label = $3, limit_to_24_hours = $4 WHERE id = $1`,
		grant.ID, stringArray(grant.Scopes), grant.Label, grant.LimitTo24Hours)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, grant.ID)
	}
	return nil
}

// MergeGrantScopes unions scopes into a grant in a single UPDATE. The row
// lock serializes concurrent merges, and the second one re-reads the
// committed scopes before adding its own.
func (s *Store) MergeGrantScopes(ctx context.Context, id string, scopes []string, limitTo24Hours bool) (*storage.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`UPDATE oauth_grants
		 SET scopes = ARRAY(
		         SELECT u.s FROM (SELECT DISTINCT unnest(scopes || $2::text[]) AS s) u
		         ORDER BY u.s COLLATE "C"),
		     limit_to_24_hours = $3
		 WHERE id = $1
		 RETURNING `+grantColumns,
		id, stringArray(scopes), limitTo24Hours))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to merge grant scopes: %w", err)
	}
	return g, nil
}

// TouchGrant records that a grant was used at the given time
func (s *Store) TouchGrant(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_grants
		 SET last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
		 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	return nil
}

// DeleteGrant removes a grant
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, id)
	}
	return nil
}
