package oauth

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nocturne/nocturne-auth/security"
)

// Router returns every endpoint of the authorization server on a gorilla/mux
// router. Mount it at the issuer's path.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(security.SecurityHeadersMiddleware(h.issuer()))

	preflight := make(map[string]bool)
	route := func(path, endpoint string, handler http.HandlerFunc, methods ...string) {
		r.HandleFunc(path, h.instrument(endpoint, handler)).Methods(methods...)
		if !preflight[path] {
			preflight[path] = true
			r.HandleFunc(path, h.ServePreflightRequest).Methods(http.MethodOptions)
		}
	}
	authed := h.requireAuthentication
	limited := h.rateLimited

	// OAuth 2.0 / OIDC protocol endpoints
	route(PathAuthorize, "authorize", h.ServeAuthorize, http.MethodGet)
	route(PathAuthorize, "consent", h.ServeConsent, http.MethodPost)
	route(PathToken, "token", limited(h.ServeToken), http.MethodPost)
	route(PathDevice, "device", limited(h.ServeDeviceAuthorization), http.MethodPost)
	route(PathDeviceInfo, "device_info", limited(authed(h.ServeDeviceInfo)), http.MethodGet)
	route(PathDeviceApprove, "device_approve", limited(authed(h.ServeDeviceApprove)), http.MethodPost)
	route(PathRevoke, "revoke", h.ServeRevocation, http.MethodPost)
	route(PathIntrospect, "introspect", h.ServeIntrospection, http.MethodPost)
	route(PathClientInfo, "client_info", h.ServeClientInfo, http.MethodGet)
	route(PathUserInfo, "userinfo", h.ServeUserInfo, http.MethodGet, http.MethodPost)

	// Grant management
	route(PathGrants, "grants_list", authed(h.ServeListGrants), http.MethodGet)
	route(PathGrants+"/following", "grants_following", authed(h.ServeListFollowing), http.MethodGet)
	route(PathGrants+"/followers", "grants_follower_create", authed(h.ServeCreateFollowerGrant), http.MethodPost)
	route(PathGrants+"/invites", "invites_list", authed(h.ServeListInvites), http.MethodGet)
	route(PathGrants+"/invites", "invites_create", authed(h.ServeCreateInvite), http.MethodPost)
	route(PathGrants+"/invites/{id}", "invites_revoke", authed(h.ServeRevokeInvite), http.MethodDelete)
	route(PathGrants+"/invites/{token}/info", "invites_info", limited(h.ServeInviteInfo), http.MethodGet)
	route(PathGrants+"/invites/{token}/accept", "invites_accept", limited(authed(h.ServeAcceptInvite)), http.MethodPost)
	route(PathGrants+"/{id}", "grants_update", authed(h.ServeUpdateGrant), http.MethodPatch)
	route(PathGrants+"/{id}", "grants_revoke", authed(h.ServeRevokeGrant), http.MethodDelete)

	// Discovery
	route(PathOpenIDConfig, "openid_configuration", h.ServeOpenIDConfiguration, http.MethodGet)
	route(PathAuthServerConfig, "authorization_server_metadata", h.ServeAuthorizationServerMetadata, http.MethodGet)
	route(PathJWKS, "jwks", h.ServeJWKS, http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeErrorResponse(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeErrorResponse(w, ErrorCodeNotFound, "Not found", http.StatusNotFound)
	})

	return r
}
