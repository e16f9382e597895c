package valkey

import (
	"context"
	"fmt"
	"sort"
	"strings"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/nocturne/nocturne-auth/storage"
)

// eval runs a Lua script with the given keys and arguments.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) valkeygo.ValkeyResult {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID), fromClientJSON)
}

// CreateClientIfAbsent registers client unless its client_id exists (SET NX)
func (s *Store) CreateClientIfAbsent(ctx context.Context, client *storage.Client) (*storage.Client, bool, error) {
	if client == nil || client.ClientID == "" {
		return nil, false, fmt.Errorf("invalid client")
	}

	data, err := marshal(toClientJSON(client))
	if err != nil {
		return nil, false, err
	}

	key := s.clientKey(client.ClientID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Nx().Build()).Error()
	switch {
	case err == nil:
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.clientsKey()).Member(client.ClientID).Build()).Error(); err != nil {
			return nil, false, fmt.Errorf("failed to index client: %w", err)
		}
		s.logger.Debug("Registered client", "client_id", client.ClientID, "known", client.IsKnown)
		return client, true, nil
	case isNilError(err):
		existing, err := s.GetClient(ctx, client.ClientID)
		return existing, false, err
	default:
		return nil, false, fmt.Errorf("failed to save client: %w", err)
	}
}

// PinRedirectURI pins redirectURI unless the client already has one
func (s *Store) PinRedirectURI(ctx context.Context, clientID, redirectURI string) (string, error) {
	result, err := s.eval(ctx, luaPinRedirectURI, []string{s.clientKey(clientID)}, redirectURI).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to pin redirect URI: %w", err)
	}
	if result == "NOT_FOUND" {
		return "", fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return strings.TrimPrefix(result, "PINNED:"), nil
}

// ListClients lists all clients ordered by client_id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable client", "client_id", id, "error", err)
			continue
		}
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}
