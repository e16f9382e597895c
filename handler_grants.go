package oauth

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nocturne/nocturne-auth/server"
)

// ServeListGrants handles GET /grants: the caller's grants to clients and
// followers.
func (h *Handler) ServeListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.server.ListGrants(r.Context(), SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newGrantResponses(grants))
}

// ServeListFollowing handles GET /grants/following: grants where the caller
// is the follower.
func (h *Handler) ServeListFollowing(w http.ResponseWriter, r *http.Request) {
	grants, err := h.server.ListFollowing(r.Context(), SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newGrantResponses(grants))
}

// ServeCreateFollowerGrant handles POST /grants/followers
func (h *Handler) ServeCreateFollowerGrant(w http.ResponseWriter, r *http.Request) {
	var req FollowerGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	grant, err := h.server.CreateFollowerGrant(r.Context(), SubjectFromContext(r.Context()), server.FollowerGrantParams{
		FollowerSubjectID: req.FollowerSubjectID,
		Scopes:            req.Scopes,
		Label:             req.Label,
		LimitTo24Hours:    req.LimitTo24Hours,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newGrantResponse(grant))
}

// ServeUpdateGrant handles PATCH /grants/{id}
func (h *Handler) ServeUpdateGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	grant, err := h.server.UpdateGrant(r.Context(), SubjectFromContext(r.Context()), mux.Vars(r)["id"], server.GrantUpdate{
		Scopes:         req.Scopes,
		Label:          req.Label,
		LimitTo24Hours: req.LimitTo24Hours,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newGrantResponse(grant))
}

// ServeRevokeGrant handles DELETE /grants/{id}. Tokens minted from the grant
// stop working immediately.
func (h *Handler) ServeRevokeGrant(w http.ResponseWriter, r *http.Request) {
	if err := h.server.RevokeGrant(r.Context(), SubjectFromContext(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeListInvites handles GET /grants/invites
func (h *Handler) ServeListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.server.ListInvites(r.Context(), SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]InviteResponse, 0, len(invites))
	for _, inv := range invites {
		out = append(out, newInviteResponse(inv))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ServeCreateInvite handles POST /grants/invites. The raw token is in this
// response only.
func (h *Handler) ServeCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.ExpiresInSeconds < 0 {
		h.writeError(w, server.ErrInvalidRequest("expires_in must be positive"))
		return
	}

	created, err := h.server.CreateInvite(r.Context(), SubjectFromContext(r.Context()), server.InviteParams{
		Scopes:         req.Scopes,
		Label:          req.Label,
		LimitTo24Hours: req.LimitTo24Hours,
		MaxUses:        req.MaxUses,
		ExpiresIn:      time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusCreated, CreatedInviteResponse{
		InviteResponse: newInviteResponse(created.Invite),
		Token:          created.Token,
		URL:            created.URL,
	})
}

// ServeRevokeInvite handles DELETE /grants/invites/{id}. Grants already
// minted from the invite survive.
func (h *Handler) ServeRevokeInvite(w http.ResponseWriter, r *http.Request) {
	if err := h.server.RevokeInvite(r.Context(), SubjectFromContext(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeInviteInfo handles GET /grants/invites/{token}/info. It is public so
// the landing page can render before sign-in.
func (h *Handler) ServeInviteInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.server.GetInviteInfo(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, info)
}

// ServeAcceptInvite handles POST /grants/invites/{token}/accept
func (h *Handler) ServeAcceptInvite(w http.ResponseWriter, r *http.Request) {
	grant, err := h.server.AcceptInvite(r.Context(), mux.Vars(r)["token"], SubjectFromContext(r.Context()))
	if err != nil {
		h.logger.Info("Invite acceptance rejected", "ip", h.clientIP(r), "error", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newGrantResponse(grant))
}
