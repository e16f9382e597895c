package oauth

import (
	"time"

	"github.com/nocturne/nocturne-auth/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414). The OIDC discovery document carries the same fields.
type AuthorizationServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint            string   `json:"device_authorization_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                  string   `json:"introspection_endpoint"`
	UserInfoEndpoint                       string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                                string   `json:"jwks_uri"`
	ScopesSupported                        []string `json:"scopes_supported"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	ResponseModesSupported                 []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	IntrospectionEndpointAuthMethods       []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported                  []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported       []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ClaimsSupported                        []string `json:"claims_supported,omitempty"`
	ScopeVersion                           string   `json:"nocturne_scope_version,omitempty"`
}

// GrantResponse is the JSON view of a grant on /grants endpoints.
type GrantResponse struct {
	ID                string     `json:"id"`
	Kind              string     `json:"kind"`
	SubjectID         string     `json:"subject_id"`
	ClientID          string     `json:"client_id,omitempty"`
	FollowerSubjectID string     `json:"follower_subject_id,omitempty"`
	InviteID          string     `json:"invite_id,omitempty"`
	Scopes            []string   `json:"scopes"`
	Label             string     `json:"label,omitempty"`
	LimitTo24Hours    bool       `json:"limit_to_24_hours"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

func newGrantResponse(g *storage.Grant) GrantResponse {
	resp := GrantResponse{
		ID:                g.ID,
		Kind:              string(g.Kind()),
		SubjectID:         g.SubjectID,
		ClientID:          g.ClientID,
		FollowerSubjectID: g.FollowerSubjectID,
		InviteID:          g.InviteID,
		Scopes:            g.Scopes,
		Label:             g.Label,
		LimitTo24Hours:    g.LimitTo24Hours,
		CreatedAt:         g.CreatedAt,
	}
	if !g.LastUsedAt.IsZero() {
		used := g.LastUsedAt
		resp.LastUsedAt = &used
	}
	return resp
}

func newGrantResponses(grants []*storage.Grant) []GrantResponse {
	out := make([]GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, newGrantResponse(g))
	}
	return out
}

// InviteResponse is the owner's view of an invite. The raw token is only
// ever returned by CreatedInviteResponse.
type InviteResponse struct {
	ID             string    `json:"id"`
	Scopes         []string  `json:"scopes"`
	Label          string    `json:"label,omitempty"`
	LimitTo24Hours bool      `json:"limit_to_24_hours"`
	MaxUses        *int      `json:"max_uses,omitempty"`
	UseCount       int       `json:"use_count"`
	IsRevoked      bool      `json:"is_revoked"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func newInviteResponse(inv *storage.Invite) InviteResponse {
	return InviteResponse{
		ID:             inv.ID,
		Scopes:         inv.Scopes,
		Label:          inv.Label,
		LimitTo24Hours: inv.LimitTo24Hours,
		MaxUses:        inv.MaxUses,
		UseCount:       inv.UseCount,
		IsRevoked:      inv.IsRevoked,
		CreatedAt:      inv.CreatedAt,
		ExpiresAt:      inv.ExpiresAt,
	}
}

// CreatedInviteResponse is returned once, when the invite is created.
type CreatedInviteResponse struct {
	InviteResponse
	Token string `json:"token"`
	URL   string `json:"url"`
}

// FollowerGrantRequest is the body of POST /grants/followers
type FollowerGrantRequest struct {
	FollowerSubjectID string   `json:"follower_subject_id"`
	Scopes            []string `json:"scopes"`
	Label             string   `json:"label"`
	LimitTo24Hours    bool     `json:"limit_to_24_hours"`
}

// GrantUpdateRequest is the body of PATCH /grants/{id}. Omitted fields are
// left unchanged.
type GrantUpdateRequest struct {
	Scopes         []string `json:"scopes,omitempty"`
	Label          *string  `json:"label,omitempty"`
	LimitTo24Hours *bool    `json:"limit_to_24_hours,omitempty"`
}

// InviteRequest is the body of POST /grants/invites
type InviteRequest struct {
	Scopes         []string `json:"scopes"`
	Label          string   `json:"label"`
	LimitTo24Hours bool     `json:"limit_to_24_hours"`
	MaxUses        *int     `json:"max_uses,omitempty"`
	// ExpiresInSeconds defaults to the server's invite TTL
	ExpiresInSeconds int64 `json:"expires_in,omitempty"`
}

// DeviceApproveRequest is the JSON body of POST /device-approve
type DeviceApproveRequest struct {
	UserCode       string `json:"user_code"`
	Approve        bool   `json:"approve"`
	LimitTo24Hours bool   `json:"limit_to_24_hours"`
}
