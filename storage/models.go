package storage

import (
	"time"
)

// Client is an OAuth client known to the server. Known clients are seeded
// from configuration with a fixed redirect URI allow-list; every other
// client_id is registered ad hoc on first use and pins the first redirect URI
// it presents.
type Client struct {
	ID                string
	ClientID          string
	DisplayName       string
	IsKnown           bool
	RedirectURIs      []string // known clients only
	PinnedRedirectURI string   // ad-hoc clients only, immutable once set
	CreatedAt         time.Time
}

// GrantKind distinguishes client-delegated grants from follower grants.
type GrantKind string

const (
	GrantKindClient   GrantKind = "client"
	GrantKindFollower GrantKind = "follower"
)

// Grant is a stored consent record: SubjectID allows either ClientID or
// FollowerSubjectID (never both) to access Scopes of their data.
type Grant struct {
	ID                string
	SubjectID         string
	ClientID          string
	FollowerSubjectID string
	InviteID          string // set when the grant was minted by an invite
	Scopes            []string
	Label             string
	LimitTo24Hours    bool
	CreatedAt         time.Time
	LastUsedAt        time.Time
}

// Kind reports whether the grant is client-delegated or a follower grant.
func (g *Grant) Kind() GrantKind {
	if g.FollowerSubjectID != "" {
		return GrantKindFollower
	}
	return GrantKindClient
}

// AuthorizationCode is a single-use code bound to a PKCE challenge.
type AuthorizationCode struct {
	Code           string
	ClientID       string
	SubjectID      string
	GrantID        string
	Scopes         []string
	RedirectURI    string
	CodeChallenge  string // always S256
	Nonce          string
	LimitTo24Hours bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// AuthorizationRequest is the server-side correlation record for an
// /authorize request waiting on the user's consent decision.
type AuthorizationRequest struct {
	ID            string
	ClientID      string
	SubjectID     string
	RedirectURI   string
	Scopes        []string
	State         string
	CodeChallenge string
	Nonce         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// DeviceCodeStatus is the lifecycle state of a device authorization.
// Expiry is derived from ExpiresAt rather than stored.
type DeviceCodeStatus string

const (
	DeviceCodePending  DeviceCodeStatus = "pending"
	DeviceCodeApproved DeviceCodeStatus = "approved"
	DeviceCodeDenied   DeviceCodeStatus = "denied"
	DeviceCodeConsumed DeviceCodeStatus = "consumed"
)

// DeviceCode is an RFC 8628 device/user code pair. DeviceCodeHash is the
// SHA-256 of the device_code handed to the polling client.
type DeviceCode struct {
	DeviceCodeHash string
	UserCode       string
	ClientID       string
	Scopes         []string
	Status         DeviceCodeStatus
	SubjectID      string
	LimitTo24Hours bool
	Interval       int // seconds
	LastPolledAt   time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// DevicePoll is the outcome of an atomic poll.
type DevicePoll struct {
	// Code is a snapshot of the record after the poll was applied.
	Code *DeviceCode
	// SlowDown is set when a pending code was polled faster than its interval.
	SlowDown bool
	// Redeemed is set when this poll moved the code from approved to consumed.
	// Only one poll can ever observe it.
	Redeemed bool
}

// RefreshToken is the stored form of an opaque refresh token. Tokens issued
// from the same original grant share a FamilyID.
type RefreshToken struct {
	TokenHash            string
	FamilyID             string
	Generation           int
	SubjectID            string
	ClientID             string
	GrantID              string
	Scopes               []string
	LimitTo24Hours       bool
	OIDCSessionID        string
	IPAddress            string
	UserAgent            string
	AccessTokenID        string
	AccessTokenExpiresAt time.Time
	IssuedAt             time.Time
	ExpiresAt            time.Time
	RotatedAt            time.Time
	ReplacedBy           string
	RevokedAt            time.Time
}

// IsRotated reports whether the token has already been exchanged.
func (t *RefreshToken) IsRotated() bool {
	return !t.RotatedAt.IsZero()
}

// IsRevoked reports whether the token was revoked.
func (t *RefreshToken) IsRevoked() bool {
	return !t.RevokedAt.IsZero()
}

// RefreshTokenRotation describes the successor created by RotateRefreshToken.
// Family, subject, client, grant, scopes and session are inherited from the
// rotated token.
type RefreshTokenRotation struct {
	NewTokenHash         string
	IssuedAt             time.Time
	ExpiresAt            time.Time
	IPAddress            string
	UserAgent            string
	AccessTokenID        string
	AccessTokenExpiresAt time.Time
	// Scopes overrides the inherited scopes when non-nil (grant narrowed).
	Scopes []string
}

// Successor builds the token that replaces t.
func (t *RefreshToken) Successor(rot RefreshTokenRotation) *RefreshToken {
	next := &RefreshToken{
		TokenHash:            rot.NewTokenHash,
		FamilyID:             t.FamilyID,
		Generation:           t.Generation + 1,
		SubjectID:            t.SubjectID,
		ClientID:             t.ClientID,
		GrantID:              t.GrantID,
		Scopes:               t.Scopes,
		LimitTo24Hours:       t.LimitTo24Hours,
		OIDCSessionID:        t.OIDCSessionID,
		IPAddress:            rot.IPAddress,
		UserAgent:            rot.UserAgent,
		AccessTokenID:        rot.AccessTokenID,
		AccessTokenExpiresAt: rot.AccessTokenExpiresAt,
		IssuedAt:             rot.IssuedAt,
		ExpiresAt:            rot.ExpiresAt,
	}
	if rot.Scopes != nil {
		next.Scopes = rot.Scopes
	}
	return next
}

// Invite is a shareable link that mints follower grants when accepted.
type Invite struct {
	ID             string
	OwnerSubjectID string
	TokenHash      string
	Scopes         []string
	Label          string
	LimitTo24Hours bool
	MaxUses        *int // nil means unlimited
	UseCount       int
	IsRevoked      bool
	Uses           []InviteUse
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// InviteUse records one acceptance.
type InviteUse struct {
	FollowerSubjectID string
	GrantID           string
	UsedAt            time.Time
}

// CheckAcceptable applies the acceptance rules shared by every backend.
// now is compared against ExpiresAt without grace.
func (inv *Invite) CheckAcceptable(follower string, now time.Time) error {
	if inv.IsRevoked {
		return ErrInviteRevoked
	}
	if !now.Before(inv.ExpiresAt) {
		return ErrInviteExpired
	}
	if inv.MaxUses != nil && inv.UseCount >= *inv.MaxUses {
		return ErrInviteExhausted
	}
	for _, u := range inv.Uses {
		if u.FollowerSubjectID == follower {
			return ErrInviteAlreadyAccepted
		}
	}
	return nil
}
