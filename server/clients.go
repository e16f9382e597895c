package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// maxClientIDLength bounds ad-hoc client identifiers
const maxClientIDLength = 255

// ClientInfo is the public view of a client shown on the consent page.
type ClientInfo struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	IsKnown     bool   `json:"is_known"`
}

func newID() string {
	return uuid.NewString()
}

// validateClientID rejects empty, oversized or non-printable identifiers
func validateClientID(clientID string) error {
	if clientID == "" {
		return ErrInvalidRequest("client_id is required")
	}
	if len(clientID) > maxClientIDLength {
		return ErrInvalidRequest("client_id is too long")
	}
	for _, r := range clientID {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return ErrInvalidRequest("client_id contains invalid characters")
		}
	}
	return nil
}

// FindOrCreateClient returns the client with the given client_id, registering
// an ad-hoc client on first use. Registration is rate limited per IP.
func (s *Server) FindOrCreateClient(ctx context.Context, clientID string, meta RequestMeta) (*storage.Client, error) {
	if err := validateClientID(clientID); err != nil {
		return nil, err
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, storage.ErrClientNotFound) {
		return nil, s.serverError("Failed to load client", err, "client_id", clientID)
	}

	if s.ClientCreationLimiter != nil && !s.ClientCreationLimiter.Allow(ctx, meta.IPAddress) {
		return nil, ErrRateLimitExceeded("too many new clients from this address")
	}

	client, created, err := s.store.CreateClientIfAbsent(ctx, &storage.Client{
		ID:          newID(),
		ClientID:    clientID,
		DisplayName: clientID,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, s.serverError("Failed to register client", err, "client_id", clientID)
	}

	if created {
		s.Logger.Info("Registered ad-hoc client", "client_id", clientID)
		s.Auditor.LogClientRegistered(clientID, meta.IPAddress)
		if m := s.metrics(); m != nil {
			m.RecordClientRegistration(ctx)
		}
	}
	return client, nil
}

// ValidateRedirectURI reports whether redirectURI may receive codes for the
// client. Known clients must match their allow-list exactly; ad-hoc clients
// pin the first URI they present and must repeat it thereafter. Storage
// failures are logged and reported as false.
func (s *Server) ValidateRedirectURI(ctx context.Context, clientID, redirectURI string) bool {
	return s.checkRedirectURI(ctx, clientID, redirectURI, true) == nil
}

// checkRedirectURI validates redirectURI for the client. With pin unset an
// ad-hoc client without a pinned URI passes without being pinned, so callers
// can defer pinning until the rest of the request is known to be valid.
func (s *Server) checkRedirectURI(ctx context.Context, clientID, redirectURI string, pin bool) error {
	if err := validateRedirectURISyntax(redirectURI, s.Config.AllowedCustomSchemes); err != nil {
		s.logRedirectRejection(clientID, err)
		return err
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Warn("Redirect URI check for unavailable client", "client_id", clientID, "error", err)
		return err
	}

	if client.IsKnown {
		for _, allowed := range client.RedirectURIs {
			if allowed == redirectURI {
				return nil
			}
		}
		err := redirectURIError(RedirectURIErrorCategoryNotRegistered, redirectURI, "not in the client's allow-list")
		s.logRedirectRejection(clientID, err)
		return err
	}

	pinned := client.PinnedRedirectURI
	if pinned == "" && !pin {
		return nil
	}
	if pinned == "" {
		pinned, err = s.store.PinRedirectURI(ctx, clientID, redirectURI)
		if err != nil {
			s.Logger.Error("Failed to pin redirect URI", "client_id", clientID, "error", err)
			return err
		}
		if pinned == redirectURI {
			s.Logger.Info("Pinned redirect URI for ad-hoc client",
				"client_id", clientID,
				"redirect_uri", sanitizeURIForLogging(redirectURI))
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventRedirectURIPinned,
				ClientID: clientID,
				Details:  map[string]any{"redirect_uri": sanitizeURIForLogging(redirectURI)},
			})
		}
	}

	if pinned != redirectURI {
		err := redirectURIError(RedirectURIErrorCategoryPinMismatch, redirectURI,
			fmt.Sprintf("client pinned %s", sanitizeURIForLogging(pinned)))
		s.logRedirectRejection(clientID, err)
		return err
	}
	return nil
}

func (s *Server) logRedirectRejection(clientID string, err error) {
	var secErr *RedirectURISecurityError
	if !errors.As(err, &secErr) {
		return
	}
	s.Logger.Warn("Rejected redirect URI",
		"client_id", clientID,
		"category", secErr.Category,
		"redirect_uri", secErr.URI,
		"reason", secErr.Reason)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventInvalidRedirect,
		ClientID: clientID,
		Details: map[string]any{
			"category":     secErr.Category,
			"redirect_uri": secErr.URI,
		},
	})
}

// GetClientInfo returns display information for the consent page. Clients
// that were never seen are reported as unknown without being registered.
func (s *Server) GetClientInfo(ctx context.Context, clientID string) (*ClientInfo, error) {
	if err := validateClientID(clientID); err != nil {
		return nil, err
	}

	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return &ClientInfo{ClientID: clientID, DisplayName: clientID}, nil
	}
	if err != nil {
		return nil, s.serverError("Failed to load client", err, "client_id", clientID)
	}

	name := strings.TrimSpace(client.DisplayName)
	if name == "" {
		name = client.ClientID
	}
	return &ClientInfo{
		ClientID:    client.ClientID,
		DisplayName: name,
		IsKnown:     client.IsKnown,
	}, nil
}
