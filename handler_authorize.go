package oauth

import (
	"net/http"
	"strings"

	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/server"
)

// Consent decisions posted to /authorize
const (
	decisionApprove = "approve"
	decisionDeny    = "deny"
)

// consentRedirect is returned instead of a 302 when the consent page posts
// with Accept: application/json.
type consentRedirect struct {
	RedirectURL string `json:"redirect_url"`
}

// ServeAuthorize handles GET /authorize. Every outcome is a redirect except
// client and redirect URI problems, which are shown as JSON errors and never
// redirected.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := server.AuthorizeParams{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		OriginalURL:         h.issuer() + r.URL.RequestURI(),
		Meta:                h.requestMeta(r),
	}

	outcome, err := h.server.Authorize(r.Context(), params, h.optionalSubject(r))
	if err != nil {
		h.logger.Warn("Authorization request rejected",
			"client_id", util.SafeTruncate(params.ClientID, 64),
			"ip", params.Meta.IPAddress,
			"error", err)
		h.writeError(w, err)
		return
	}

	h.logger.Debug("Authorization request handled",
		"client_id", params.ClientID,
		"outcome", outcome.Kind)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
}

// ServeConsent handles POST /authorize, the consent page's decision.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	decision := r.PostFormValue("decision")
	if decision != decisionApprove && decision != decisionDeny {
		h.writeError(w, server.ErrInvalidRequest("decision must be approve or deny"))
		return
	}

	redirectURL, err := h.server.CompleteConsent(r.Context(), server.ConsentDecision{
		ConsentID:      r.PostFormValue("consent_id"),
		SubjectID:      h.optionalSubject(r),
		Approve:        decision == decisionApprove,
		LimitTo24Hours: parseFormBool(r.PostFormValue("limit_to_24_hours")),
		RedirectURI:    r.PostFormValue("redirect_uri"),
		Meta:           h.requestMeta(r),
	})
	if err != nil {
		h.logger.Warn("Consent rejected", "ip", h.clientIP(r), "error", err)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		h.writeJSON(w, http.StatusOK, consentRedirect{RedirectURL: redirectURL})
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeClientInfo handles GET /client-info for the consent page.
func (h *Handler) ServeClientInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.server.GetClientInfo(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}
