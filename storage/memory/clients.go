package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/nocturne/nocturne-auth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	_, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(c), nil
}

// CreateClientIfAbsent stores client unless its client_id is already registered.
func (s *Store) CreateClientIfAbsent(ctx context.Context, client *storage.Client) (stored *storage.Client, created bool, err error) {
	_, done := s.observe(ctx, "create_client")
	defer func() { done(err) }()

	if client == nil {
		return nil, false, fmt.Errorf("client cannot be nil")
	}
	if client.ClientID == "" {
		return nil, false, fmt.Errorf("client ID cannot be empty")
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if existing, ok := s.clients[client.ClientID]; ok {
		return cloneClient(existing), false, nil
	}

	s.clients[client.ClientID] = cloneClient(client)
	s.clientsCount.Add(1)
	s.logger.Debug("Registered client", "client_id", client.ClientID, "known", client.IsKnown)
	return cloneClient(client), true, nil
}

// PinRedirectURI pins redirectURI on an ad-hoc client unless one is pinned.
func (s *Store) PinRedirectURI(ctx context.Context, clientID, redirectURI string) (pinned string, err error) {
	_, done := s.observe(ctx, "pin_redirect_uri")
	defer func() { done(err) }()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if c.PinnedRedirectURI == "" {
		c.PinnedRedirectURI = redirectURI
	}
	return c.PinnedRedirectURI, nil
}

// ListClients lists all clients ordered by client_id
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	_, done := s.observe(ctx, "list_clients")
	defer func() { done(err) }()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	clients = make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}
