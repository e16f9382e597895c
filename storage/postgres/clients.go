package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nocturne/nocturne-auth/storage"
)

const clientColumns = `id, client_id, display_name, is_known, redirect_uris, pinned_redirect_uri, created_at`

func scanClient(row scanner) (*storage.Client, error) {
	var c storage.Client
	if err := row.Scan(&c.ID, &c.ClientID, &c.DisplayName, &c.IsKnown,
		pq.Array(&c.RedirectURIs), &c.PinnedRedirectURI, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// CreateClientIfAbsent inserts client unless its client_id exists
func (s *Store) CreateClientIfAbsent(ctx context.Context, client *storage.Client) (*storage.Client, bool, error) {
	if client == nil || client.ClientID == "" {
		return nil, false, fmt.Errorf("invalid client")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_clients (`+clientColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id) DO NOTHING`,
		client.ID, client.ClientID, client.DisplayName, client.IsKnown,
		stringArray(client.RedirectURIs), client.PinnedRedirectURI, client.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save client: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		s.logger.Debug("Registered client", "client_id", client.ClientID, "known", client.IsKnown)
		return client, true, nil
	}

	existing, err := s.GetClient(ctx, client.ClientID)
	return existing, false, err
}

// PinRedirectURI pins redirectURI unless the client already has one
func (s *Store) PinRedirectURI(ctx context.Context, clientID, redirectURI string) (string, error) {
	var pinned string
	err := s.db.QueryRowContext(ctx,
		`UPDATE oauth_clients
		 SET pinned_redirect_uri = CASE WHEN pinned_redirect_uri = '' THEN $2 ELSE pinned_redirect_uri END
		 WHERE client_id = $1
		 RETURNING pinned_redirect_uri`,
		clientID, redirectURI).Scan(&pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to pin redirect URI: %w", err)
	}
	return pinned, nil
}

// ListClients lists all clients ordered by client_id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	clients := []*storage.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}
