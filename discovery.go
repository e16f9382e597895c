package oauth

import (
	"net/http"

	"github.com/nocturne/nocturne-auth/server"
)

// Endpoint paths relative to the issuer
const (
	PathAuthorize        = "/authorize"
	PathToken            = "/token"
	PathDevice           = "/device"
	PathDeviceInfo       = "/device-info"
	PathDeviceApprove    = "/device-approve"
	PathRevoke           = "/revoke"
	PathIntrospect       = "/introspect"
	PathClientInfo       = "/client-info"
	PathUserInfo         = "/userinfo"
	PathGrants           = "/grants"
	PathOpenIDConfig     = "/.well-known/openid-configuration"
	PathAuthServerConfig = "/.well-known/oauth-authorization-server"
	PathJWKS             = "/.well-known/jwks.json"
)

// buildMetadata builds the RFC 8414 / OIDC discovery document
func (h *Handler) buildMetadata() AuthorizationServerMetadata {
	issuer := h.issuer()
	_, oidc := h.server.Signer().(server.IDTokenSigner)

	meta := AuthorizationServerMetadata{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + PathAuthorize,
		TokenEndpoint:               issuer + PathToken,
		DeviceAuthorizationEndpoint: issuer + PathDevice,
		RevocationEndpoint:          issuer + PathRevoke,
		IntrospectionEndpoint:       issuer + PathIntrospect,
		JWKSURI:                     issuer + PathJWKS,
		ScopesSupported:             h.server.Scopes().ValidRequestScopes(),
		ResponseTypesSupported:      []string{server.ResponseTypeCode},
		ResponseModesSupported:      []string{"query"},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeDeviceCode,
		},
		TokenEndpointAuthMethodsSupported:      []string{"none"},
		RevocationEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:          []string{server.PKCEMethodS256},
		SubjectTypesSupported:                  []string{"public"},
		ScopeVersion:                           h.server.Scopes().Version(),
	}
	if len(h.resourceServers) > 0 {
		meta.IntrospectionEndpointAuthMethods = []string{"client_secret_basic"}
	} else {
		meta.IntrospectionEndpointAuthMethods = []string{"none"}
	}
	if oidc {
		meta.UserInfoEndpoint = issuer + PathUserInfo
		meta.IDTokenSigningAlgValuesSupported = []string{"RS256"}
		meta.ClaimsSupported = []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "sid", "name", "email"}
	}
	return meta
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server
// Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	setPublicCache(w)
	h.writeJSON(w, http.StatusOK, h.buildMetadata())
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests.
// The document is the same as the RFC 8414 metadata.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

// ServeJWKS serves the signer's public keys. Signers that do not publish
// keys produce an empty set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set := server.JSONWebKeySet{Keys: []server.JSONWebKey{}}
	if provider, ok := h.server.Signer().(server.KeySetProvider); ok {
		set = provider.JWKS()
		if set.Keys == nil {
			set.Keys = []server.JSONWebKey{}
		}
	}
	setPublicCache(w)
	h.writeJSON(w, http.StatusOK, set)
}

// setPublicCache lets clients cache discovery documents for an hour
func setPublicCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Del("Pragma")
}
