package oauth

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/nocturne/nocturne-auth/server"
)

// ServeToken handles POST /token for the authorization_code, refresh_token
// and device_code grants. Clients are public: client_id comes from the form
// or, for clients that insist on it, the Basic auth username.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID := r.PostFormValue("client_id")
	if authClientID, _ := h.parseBasicAuth(r); authClientID != "" {
		if clientID != "" && subtle.ConstantTimeCompare([]byte(clientID), []byte(authClientID)) != 1 {
			h.writeError(w, server.ErrInvalidRequest("client_id does not match the authenticated client"))
			return
		}
		clientID = authClientID
	}

	req := server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		RefreshToken: r.PostFormValue("refresh_token"),
		DeviceCode:   r.PostFormValue("device_code"),
		Scope:        r.PostFormValue("scope"),
		Meta:         h.requestMeta(r),
	}

	result, err := h.server.Token(r.Context(), req)
	if err != nil {
		oauthErr := server.AsError(err)
		// Device polling produces a steady stream of expected errors.
		if oauthErr.Code != ErrorCodeAuthorizationPending && oauthErr.Code != ErrorCodeSlowDown {
			h.logger.Info("Token request rejected",
				"grant_type", req.GrantType,
				"client_id", req.ClientID,
				"ip", req.Meta.IPAddress,
				"error", oauthErr.Code)
		}
		w.Header().Set("Cache-Control", "no-store")
		h.writeError(w, oauthErr)
		return
	}

	h.writeNoStoreJSON(w, result)
}

// ServeRevocation handles POST /revoke (RFC 7009). It answers 200 whether or
// not the token existed, was valid or belonged to the caller.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID := r.PostFormValue("client_id")
	if authClientID, _ := h.parseBasicAuth(r); authClientID != "" {
		clientID = authClientID
	}

	h.server.RevokeToken(r.Context(),
		r.PostFormValue("token"),
		r.PostFormValue("token_type_hint"),
		clientID,
		h.requestMeta(r))

	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, struct{}{})
}

// ServeIntrospection handles POST /introspect (RFC 7662). When resource
// server credentials are configured the caller must present one of them
// with Basic auth; the answer itself is always 200.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	if len(h.resourceServers) > 0 {
		if !h.authenticateResourceServer(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="introspection"`)
			h.writeErrorResponse(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return
		}
	}

	result := h.server.IntrospectToken(r.Context(), r.PostFormValue("token"))
	h.writeNoStoreJSON(w, result)
}

// authenticateResourceServer checks Basic credentials against the configured
// bcrypt hashes. Unknown IDs still cost one bcrypt comparison.
func (h *Handler) authenticateResourceServer(r *http.Request) bool {
	id, secret := h.parseBasicAuth(r)
	if id == "" {
		h.logger.Warn("Introspection rejected: missing client authentication", "ip", h.clientIP(r))
		h.server.Auditor.LogAuthFailure("", "", h.clientIP(r), "introspection_missing_auth")
		return false
	}

	hash, known := h.resourceServers[id]
	if !known {
		hash = h.dummyHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	if err != nil || !known {
		h.logger.Warn("Introspection rejected: bad credentials", "resource_server", id, "ip", h.clientIP(r))
		h.server.Auditor.LogAuthFailure("", id, h.clientIP(r), "introspection_auth_failed")
		return false
	}
	return true
}

// ServeUserInfo handles GET and POST /userinfo (OIDC Core Section 5.3).
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if token == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return
	}

	info, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, info)
}
