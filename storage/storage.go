// Package storage defines the persistence interfaces of the authorization
// server and the records they store.
package storage

import (
	"context"
	"time"
)

// ClientStore persists OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by its public client_id.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// CreateClientIfAbsent stores client unless a client with the same
	// ClientID exists, in which case the existing record is returned and
	// created is false.
	CreateClientIfAbsent(ctx context.Context, client *Client) (stored *Client, created bool, err error)

	// PinRedirectURI sets PinnedRedirectURI if it is still empty and returns
	// the pinned value, which may differ from redirectURI when another
	// request won the race.
	// SECURITY: MUST be an atomic set-if-unset so two first requests cannot
	// both pin different URIs.
	PinRedirectURI(ctx context.Context, clientID, redirectURI string) (string, error)

	// ListClients lists all clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// GrantStore persists authorization grants.
type GrantStore interface {
	CreateGrant(ctx context.Context, grant *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// FindClientGrant returns the client grant of (clientID, subjectID), or
	// ErrGrantNotFound. At most one exists per pair.
	FindClientGrant(ctx context.Context, clientID, subjectID string) (*Grant, error)

	ListGrantsBySubject(ctx context.Context, subjectID string) ([]*Grant, error)
	ListGrantsByFollower(ctx context.Context, followerSubjectID string) ([]*Grant, error)

	// UpdateGrant replaces the mutable fields (Scopes, Label, LimitTo24Hours).
	UpdateGrant(ctx context.Context, grant *Grant) error

	// MergeGrantScopes adds scopes to the grant's set and sets
	// LimitTo24Hours in one atomic step, returning the updated grant. The
	// stored set stays sorted and deduplicated. Concurrent merges into the
	// same grant never lose each other's scopes.
	MergeGrantScopes(ctx context.Context, id string, scopes []string, limitTo24Hours bool) (*Grant, error)

	// TouchGrant records use of the grant.
	TouchGrant(ctx context.Context, id string, at time.Time) error

	DeleteGrant(ctx context.Context, id string) error
}

// FlowStore persists the short-lived records of the authorization code flow.
type FlowStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically fetches and deletes a code.
	// SECURITY: MUST be atomic so only one of several concurrent exchanges
	// ever receives the record.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error
	GetAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	// ConsumeAuthorizationRequest atomically fetches and deletes a
	// correlation record.
	ConsumeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)
}

// DeviceCodeStore persists RFC 8628 device authorizations.
type DeviceCodeStore interface {
	// SaveDeviceCode stores a new pending code. It returns
	// ErrUserCodeCollision when the user code is taken by an unexpired code.
	SaveDeviceCode(ctx context.Context, code *DeviceCode) error

	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)

	// ResolveDeviceCode atomically moves a pending, unexpired code to
	// DeviceCodeApproved or DeviceCodeDenied. Any other current state yields
	// ErrDeviceCodeNotPending, expiry yields ErrTokenExpired.
	ResolveDeviceCode(ctx context.Context, userCode string, status DeviceCodeStatus, subjectID string, limitTo24Hours bool, now time.Time) (*DeviceCode, error)

	// PollDeviceCode atomically records a poll by clientID. A client
	// mismatch is reported as ErrDeviceCodeNotFound. Pending codes polled
	// sooner than Interval after the previous poll get SlowDown and a 5 s
	// longer interval. Approved, unexpired codes become consumed and
	// Redeemed is set.
	// SECURITY: MUST be atomic so an approved code is redeemed exactly once.
	PollDeviceCode(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (*DevicePoll, error)
}

// SlowDownIncrement is added to a device code's interval on every slow_down.
const SlowDownIncrement = 5

// RefreshTokenStore persists refresh tokens and their rotation families.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken atomically marks the token as rotated and stores
	// its successor. When the token was already rotated it returns the stored
	// record together with ErrRefreshTokenReused; revoked tokens yield
	// ErrRefreshTokenRevoked and expired tokens ErrTokenExpired.
	// SECURITY: MUST be atomic so there is no window in which both the old and
	// the new token are valid.
	RotateRefreshToken(ctx context.Context, oldHash string, rot RefreshTokenRotation, now time.Time) (*RefreshToken, error)

	// RevokeRefreshTokenFamily revokes every live token of a family and
	// returns them.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) ([]*RefreshToken, error)

	// RevokeRefreshTokensForGrant revokes every live token minted under a
	// grant and returns them.
	RevokeRefreshTokensForGrant(ctx context.Context, grantID string, at time.Time) ([]*RefreshToken, error)
}

// InviteStore persists invites.
type InviteStore interface {
	CreateInvite(ctx context.Context, invite *Invite) error
	GetInvite(ctx context.Context, id string) (*Invite, error)
	GetInviteByTokenHash(ctx context.Context, tokenHash string) (*Invite, error)
	ListInvitesByOwner(ctx context.Context, ownerSubjectID string) ([]*Invite, error)
	RevokeInvite(ctx context.Context, id string) error

	// AcceptInvite checks Invite.CheckAcceptable, increments UseCount,
	// records the use and stores grant, all as one atomic step.
	// SECURITY: MUST be atomic so a max-uses-1 invite cannot be accepted
	// twice by concurrent requests.
	AcceptInvite(ctx context.Context, tokenHash string, grant *Grant, now time.Time) (*Invite, error)
}

// RevocationStore records revoked access token identifiers until the token
// would have expired anyway.
type RevocationStore interface {
	// MarkRevoked records jti as revoked until the given time. Calls with
	// until in the past are no-ops.
	MarkRevoked(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Store is implemented by backends that provide every interface.
type Store interface {
	ClientStore
	GrantStore
	FlowStore
	DeviceCodeStore
	RefreshTokenStore
	InviteStore
	RevocationStore
}
