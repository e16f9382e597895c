package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/nocturne/nocturne-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "nocturne:auth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// expiredDeviceCodeRetention keeps device code records past expiry so
	// late polls get expired_token instead of invalid_grant.
	expiredDeviceCodeRetention = 10 * time.Minute
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "nocturne:auth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.GrantStore        = (*Store)(nil)
	_ storage.FlowStore         = (*Store)(nil)
	_ storage.DeviceCodeStore   = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.InviteStore       = (*Store)(nil)
	_ storage.RevocationStore   = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// ============================================================
// Keys
// ============================================================

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) clientsKey() string               { return s.prefix + "clients" }
func (s *Store) grantKey(id string) string        { return s.prefix + "grant:" + id }
func (s *Store) clientGrantKey(clientID, subjectID string) string {
	return s.prefix + "clientgrant:" + clientID + ":" + subjectID
}
func (s *Store) subjectGrantsKey(subjectID string) string {
	return s.prefix + "subjectgrants:" + subjectID
}
func (s *Store) followerGrantsKey(subjectID string) string {
	return s.prefix + "followergrants:" + subjectID
}
func (s *Store) codeKey(code string) string         { return s.prefix + "code:" + code }
func (s *Store) authRequestKey(id string) string    { return s.prefix + "authreq:" + id }
func (s *Store) deviceKey(hash string) string       { return s.prefix + "device:" + hash }
func (s *Store) userCodeKey(userCode string) string { return s.prefix + "usercode:" + userCode }
func (s *Store) refreshKey(hash string) string      { return s.prefix + "refresh:" + hash }
func (s *Store) familyKey(familyID string) string   { return s.prefix + "family:" + familyID }
func (s *Store) grantRefreshKey(grantID string) string {
	return s.prefix + "grantrefresh:" + grantID
}
func (s *Store) inviteKey(id string) string             { return s.prefix + "invite:" + id }
func (s *Store) inviteTokenKey(tokenHash string) string { return s.prefix + "invitetoken:" + tokenHash }
func (s *Store) ownerInvitesKey(subjectID string) string {
	return s.prefix + "ownerinvites:" + subjectID
}
func (s *Store) inviteUsesKey(id string) string { return s.prefix + "inviteuses:" + id }
func (s *Store) revokedKey(jti string) string   { return s.prefix + "revoked:" + jti }

// ============================================================
// Serialization
// ============================================================
//
// Times are Unix milliseconds (0 = unset) and scope lists are
// space-separated strings so Lua scripts can compare and rewrite records
// with cjson without mangling empty arrays.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func joinScopes(scopes []string) string { return strings.Join(scopes, " ") }

func splitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Fields(s)
}

type clientJSON struct {
	ID                string   `json:"id"`
	ClientID          string   `json:"client_id"`
	DisplayName       string   `json:"display_name,omitempty"`
	IsKnown           bool     `json:"is_known"`
	RedirectURIs      []string `json:"redirect_uris,omitempty"`
	PinnedRedirectURI string   `json:"pinned_redirect_uri"`
	CreatedAt         int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ID:                c.ID,
		ClientID:          c.ClientID,
		DisplayName:       c.DisplayName,
		IsKnown:           c.IsKnown,
		RedirectURIs:      c.RedirectURIs,
		PinnedRedirectURI: c.PinnedRedirectURI,
		CreatedAt:         toMillis(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ID:                j.ID,
		ClientID:          j.ClientID,
		DisplayName:       j.DisplayName,
		IsKnown:           j.IsKnown,
		RedirectURIs:      j.RedirectURIs,
		PinnedRedirectURI: j.PinnedRedirectURI,
		CreatedAt:         fromMillis(j.CreatedAt),
	}
}

type grantJSON struct {
	ID                string `json:"id"`
	SubjectID         string `json:"subject_id"`
	ClientID          string `json:"client_id"`
	FollowerSubjectID string `json:"follower_subject_id"`
	InviteID          string `json:"invite_id"`
	Scope             string `json:"scope"`
	Label             string `json:"label"`
	LimitTo24Hours    bool   `json:"limit_to_24_hours"`
	CreatedAt         int64  `json:"created_at"`
	LastUsedAt        int64  `json:"last_used_at"`
}

func toGrantJSON(g *storage.Grant) *grantJSON {
	return &grantJSON{
		ID:                g.ID,
		SubjectID:         g.SubjectID,
		ClientID:          g.ClientID,
		FollowerSubjectID: g.FollowerSubjectID,
		InviteID:          g.InviteID,
		Scope:             joinScopes(g.Scopes),
		Label:             g.Label,
		LimitTo24Hours:    g.LimitTo24Hours,
		CreatedAt:         toMillis(g.CreatedAt),
		LastUsedAt:        toMillis(g.LastUsedAt),
	}
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	return &storage.Grant{
		ID:                j.ID,
		SubjectID:         j.SubjectID,
		ClientID:          j.ClientID,
		FollowerSubjectID: j.FollowerSubjectID,
		InviteID:          j.InviteID,
		Scopes:            splitScopes(j.Scope),
		Label:             j.Label,
		LimitTo24Hours:    j.LimitTo24Hours,
		CreatedAt:         fromMillis(j.CreatedAt),
		LastUsedAt:        fromMillis(j.LastUsedAt),
	}
}

type authorizationCodeJSON struct {
	Code           string `json:"code"`
	ClientID       string `json:"client_id"`
	SubjectID      string `json:"subject_id"`
	GrantID        string `json:"grant_id"`
	Scope          string `json:"scope"`
	RedirectURI    string `json:"redirect_uri"`
	CodeChallenge  string `json:"code_challenge"`
	Nonce          string `json:"nonce,omitempty"`
	LimitTo24Hours bool   `json:"limit_to_24_hours"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:           c.Code,
		ClientID:       c.ClientID,
		SubjectID:      c.SubjectID,
		GrantID:        c.GrantID,
		Scope:          joinScopes(c.Scopes),
		RedirectURI:    c.RedirectURI,
		CodeChallenge:  c.CodeChallenge,
		Nonce:          c.Nonce,
		LimitTo24Hours: c.LimitTo24Hours,
		CreatedAt:      toMillis(c.CreatedAt),
		ExpiresAt:      toMillis(c.ExpiresAt),
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:           j.Code,
		ClientID:       j.ClientID,
		SubjectID:      j.SubjectID,
		GrantID:        j.GrantID,
		Scopes:         splitScopes(j.Scope),
		RedirectURI:    j.RedirectURI,
		CodeChallenge:  j.CodeChallenge,
		Nonce:          j.Nonce,
		LimitTo24Hours: j.LimitTo24Hours,
		CreatedAt:      fromMillis(j.CreatedAt),
		ExpiresAt:      fromMillis(j.ExpiresAt),
	}
}

type authorizationRequestJSON struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	SubjectID     string `json:"subject_id"`
	RedirectURI   string `json:"redirect_uri"`
	Scope         string `json:"scope"`
	State         string `json:"state,omitempty"`
	CodeChallenge string `json:"code_challenge"`
	Nonce         string `json:"nonce,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
}

func toAuthorizationRequestJSON(r *storage.AuthorizationRequest) *authorizationRequestJSON {
	return &authorizationRequestJSON{
		ID:            r.ID,
		ClientID:      r.ClientID,
		SubjectID:     r.SubjectID,
		RedirectURI:   r.RedirectURI,
		Scope:         joinScopes(r.Scopes),
		State:         r.State,
		CodeChallenge: r.CodeChallenge,
		Nonce:         r.Nonce,
		CreatedAt:     toMillis(r.CreatedAt),
		ExpiresAt:     toMillis(r.ExpiresAt),
	}
}

func fromAuthorizationRequestJSON(j *authorizationRequestJSON) *storage.AuthorizationRequest {
	return &storage.AuthorizationRequest{
		ID:            j.ID,
		ClientID:      j.ClientID,
		SubjectID:     j.SubjectID,
		RedirectURI:   j.RedirectURI,
		Scopes:        splitScopes(j.Scope),
		State:         j.State,
		CodeChallenge: j.CodeChallenge,
		Nonce:         j.Nonce,
		CreatedAt:     fromMillis(j.CreatedAt),
		ExpiresAt:     fromMillis(j.ExpiresAt),
	}
}

type deviceCodeJSON struct {
	DeviceCodeHash string `json:"device_code_hash"`
	UserCode       string `json:"user_code"`
	ClientID       string `json:"client_id"`
	Scope          string `json:"scope"`
	Status         string `json:"status"`
	SubjectID      string `json:"subject_id"`
	LimitTo24Hours bool   `json:"limit_to_24_hours"`
	Interval       int    `json:"interval"`
	LastPolledAt   int64  `json:"last_polled_at"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

func toDeviceCodeJSON(d *storage.DeviceCode) *deviceCodeJSON {
	return &deviceCodeJSON{
		DeviceCodeHash: d.DeviceCodeHash,
		UserCode:       d.UserCode,
		ClientID:       d.ClientID,
		Scope:          joinScopes(d.Scopes),
		Status:         string(d.Status),
		SubjectID:      d.SubjectID,
		LimitTo24Hours: d.LimitTo24Hours,
		Interval:       d.Interval,
		LastPolledAt:   toMillis(d.LastPolledAt),
		CreatedAt:      toMillis(d.CreatedAt),
		ExpiresAt:      toMillis(d.ExpiresAt),
	}
}

func fromDeviceCodeJSON(j *deviceCodeJSON) *storage.DeviceCode {
	return &storage.DeviceCode{
		DeviceCodeHash: j.DeviceCodeHash,
		UserCode:       j.UserCode,
		ClientID:       j.ClientID,
		Scopes:         splitScopes(j.Scope),
		Status:         storage.DeviceCodeStatus(j.Status),
		SubjectID:      j.SubjectID,
		LimitTo24Hours: j.LimitTo24Hours,
		Interval:       j.Interval,
		LastPolledAt:   fromMillis(j.LastPolledAt),
		CreatedAt:      fromMillis(j.CreatedAt),
		ExpiresAt:      fromMillis(j.ExpiresAt),
	}
}

type refreshTokenJSON struct {
	TokenHash            string `json:"token_hash"`
	FamilyID             string `json:"family_id"`
	Generation           int    `json:"generation"`
	SubjectID            string `json:"subject_id"`
	ClientID             string `json:"client_id"`
	GrantID              string `json:"grant_id"`
	Scope                string `json:"scope"`
	LimitTo24Hours       bool   `json:"limit_to_24_hours"`
	OIDCSessionID        string `json:"oidc_session_id"`
	IPAddress            string `json:"ip_address"`
	UserAgent            string `json:"user_agent"`
	AccessTokenID        string `json:"access_token_id"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"`
	IssuedAt             int64  `json:"issued_at"`
	ExpiresAt            int64  `json:"expires_at"`
	RotatedAt            int64  `json:"rotated_at"`
	ReplacedBy           string `json:"replaced_by"`
	RevokedAt            int64  `json:"revoked_at"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		TokenHash:            t.TokenHash,
		FamilyID:             t.FamilyID,
		Generation:           t.Generation,
		SubjectID:            t.SubjectID,
		ClientID:             t.ClientID,
		GrantID:              t.GrantID,
		Scope:                joinScopes(t.Scopes),
		LimitTo24Hours:       t.LimitTo24Hours,
		OIDCSessionID:        t.OIDCSessionID,
		IPAddress:            t.IPAddress,
		UserAgent:            t.UserAgent,
		AccessTokenID:        t.AccessTokenID,
		AccessTokenExpiresAt: toMillis(t.AccessTokenExpiresAt),
		IssuedAt:             toMillis(t.IssuedAt),
		ExpiresAt:            toMillis(t.ExpiresAt),
		RotatedAt:            toMillis(t.RotatedAt),
		ReplacedBy:           t.ReplacedBy,
		RevokedAt:            toMillis(t.RevokedAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash:            j.TokenHash,
		FamilyID:             j.FamilyID,
		Generation:           j.Generation,
		SubjectID:            j.SubjectID,
		ClientID:             j.ClientID,
		GrantID:              j.GrantID,
		Scopes:               splitScopes(j.Scope),
		LimitTo24Hours:       j.LimitTo24Hours,
		OIDCSessionID:        j.OIDCSessionID,
		IPAddress:            j.IPAddress,
		UserAgent:            j.UserAgent,
		AccessTokenID:        j.AccessTokenID,
		AccessTokenExpiresAt: fromMillis(j.AccessTokenExpiresAt),
		IssuedAt:             fromMillis(j.IssuedAt),
		ExpiresAt:            fromMillis(j.ExpiresAt),
		RotatedAt:            fromMillis(j.RotatedAt),
		ReplacedBy:           j.ReplacedBy,
		RevokedAt:            fromMillis(j.RevokedAt),
	}
}

// rotationJSON carries the successor fields into the rotation script.
type rotationJSON struct {
	TokenHash            string `json:"token_hash"`
	IPAddress            string `json:"ip_address"`
	UserAgent            string `json:"user_agent"`
	AccessTokenID        string `json:"access_token_id"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"`
	IssuedAt             int64  `json:"issued_at"`
	ExpiresAt            int64  `json:"expires_at"`
	Scope                string `json:"scope"`
	OverrideScope        bool   `json:"override_scope"`
}

type inviteJSON struct {
	ID             string `json:"id"`
	OwnerSubjectID string `json:"owner_subject_id"`
	TokenHash      string `json:"token_hash"`
	Scope          string `json:"scope"`
	Label          string `json:"label"`
	LimitTo24Hours bool   `json:"limit_to_24_hours"`
	MaxUses        int    `json:"max_uses"` // -1 = unlimited
	UseCount       int    `json:"use_count"`
	IsRevoked      bool   `json:"is_revoked"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

func toInviteJSON(inv *storage.Invite) *inviteJSON {
	maxUses := -1
	if inv.MaxUses != nil {
		maxUses = *inv.MaxUses
	}
	return &inviteJSON{
		ID:             inv.ID,
		OwnerSubjectID: inv.OwnerSubjectID,
		TokenHash:      inv.TokenHash,
		Scope:          joinScopes(inv.Scopes),
		Label:          inv.Label,
		LimitTo24Hours: inv.LimitTo24Hours,
		MaxUses:        maxUses,
		UseCount:       inv.UseCount,
		IsRevoked:      inv.IsRevoked,
		CreatedAt:      toMillis(inv.CreatedAt),
		ExpiresAt:      toMillis(inv.ExpiresAt),
	}
}

func fromInviteJSON(j *inviteJSON) *storage.Invite {
	inv := &storage.Invite{
		ID:             j.ID,
		OwnerSubjectID: j.OwnerSubjectID,
		TokenHash:      j.TokenHash,
		Scopes:         splitScopes(j.Scope),
		Label:          j.Label,
		LimitTo24Hours: j.LimitTo24Hours,
		UseCount:       j.UseCount,
		IsRevoked:      j.IsRevoked,
		CreatedAt:      fromMillis(j.CreatedAt),
		ExpiresAt:      fromMillis(j.ExpiresAt),
	}
	if j.MaxUses >= 0 {
		n := j.MaxUses
		inv.MaxUses = &n
	}
	return inv
}

type inviteUseJSON struct {
	FollowerSubjectID string `json:"follower_subject_id"`
	GrantID           string `json:"grant_id"`
	UsedAt            int64  `json:"used_at"`
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON and converts it.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	return decode(data, fromJSON)
}

func decode[J any, T any](data string, fromJSON func(*J) *T) (*T, error) {
	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func millisArg(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}
