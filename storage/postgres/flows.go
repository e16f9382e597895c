package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/storage"
)

const codeColumns = `code, client_id, subject_id, grant_id, scopes, redirect_uri, code_challenge, nonce, limit_to_24_hours, created_at, expires_at`

const requestColumns = `id, client_id, subject_id, redirect_uri, scopes, state, code_challenge, nonce, created_at, expires_at`

func scanCode(row scanner) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	if err := row.Scan(&c.Code, &c.ClientID, &c.SubjectID, &c.GrantID, pq.Array(&c.Scopes),
		&c.RedirectURI, &c.CodeChallenge, &c.Nonce, &c.LimitTo24Hours, &c.CreatedAt, &c.ExpiresAt); err != nil {
		return nil, err
	}
	c.Scopes = nonNil(c.Scopes)
	return &c, nil
}

func scanRequest(row scanner) (*storage.AuthorizationRequest, error) {
	var r storage.AuthorizationRequest
	if err := row.Scan(&r.ID, &r.ClientID, &r.SubjectID, &r.RedirectURI, pq.Array(&r.Scopes),
		&r.State, &r.CodeChallenge, &r.Nonce, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	r.Scopes = nonNil(r.Scopes)
	return &r, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_authorization_codes (`+codeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.Code, code.ClientID, code.SubjectID, code.GrantID, stringArray(code.Scopes),
		code.RedirectURI, code.CodeChallenge, code.Nonce, code.LimitTo24Hours, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically fetches and deletes a code
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	c, err := scanCode(s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE code = $1 RETURNING `+codeColumns, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationCodeNotFound, util.SafeTruncate(code, tokenIDLogLength))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return c, nil
}

// SaveAuthorizationRequest saves a consent correlation record
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("invalid authorization request")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_authorization_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.ClientID, req.SubjectID, req.RedirectURI, stringArray(req.Scopes),
		req.State, req.CodeChallenge, req.Nonce, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	return nil
}

// GetAuthorizationRequest reads a correlation record without consuming it
func (s *Store) GetAuthorizationRequest(ctx context.Context, id string) (*storage.AuthorizationRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM oauth_authorization_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, tokenIDLogLength))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization request: %w", err)
	}
	return r, nil
}

// ConsumeAuthorizationRequest atomically fetches and deletes a correlation record
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, id string) (*storage.AuthorizationRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_authorization_requests WHERE id = $1 RETURNING `+requestColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationRequestNotFound, util.SafeTruncate(id, tokenIDLogLength))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}
	return r, nil
}
