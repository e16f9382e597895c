package oauth

import (
	"mime"
	"net/http"
	"strings"

	"github.com/nocturne/nocturne-auth/server"
)

// deviceDecision is the response of POST /device-approve
type deviceDecision struct {
	Status string `json:"status"`
}

// ServeDeviceAuthorization handles POST /device (RFC 8628 Section 3.1).
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientID := r.PostFormValue("client_id")
	auth, err := h.server.CreateDeviceCode(r.Context(), clientID, strings.Fields(r.PostFormValue("scope")), h.requestMeta(r))
	if err != nil {
		h.logger.Info("Device authorization rejected", "client_id", clientID, "ip", h.clientIP(r), "error", err)
		h.writeError(w, err)
		return
	}
	h.writeNoStoreJSON(w, auth)
}

// ServeDeviceInfo handles GET /device-info for the approval page. The
// caller must be signed in.
func (h *Handler) ServeDeviceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.server.GetDeviceCodeByUserCode(r.Context(), r.URL.Query().Get("user_code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// ServeDeviceApprove handles POST /device-approve with a form or JSON body.
func (h *Handler) ServeDeviceApprove(w http.ResponseWriter, r *http.Request) {
	req, err := parseDeviceApprove(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	subject := SubjectFromContext(r.Context())
	status := "denied"
	if req.Approve {
		status = "approved"
		err = h.server.ApproveDeviceCode(r.Context(), req.UserCode, subject, req.LimitTo24Hours)
	} else {
		err = h.server.DenyDeviceCode(r.Context(), req.UserCode, subject)
	}
	if err != nil {
		h.logger.Info("Device decision rejected", "ip", h.clientIP(r), "error", err)
		h.writeError(w, err)
		return
	}

	h.logger.Info("Device code resolved", "status", status)
	h.writeJSON(w, http.StatusOK, deviceDecision{Status: status})
}

func parseDeviceApprove(r *http.Request) (*DeviceApproveRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req DeviceApproveRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, server.ErrInvalidRequest("Failed to parse request")
	}
	return &DeviceApproveRequest{
		UserCode:       r.PostFormValue("user_code"),
		Approve:        parseFormBool(r.PostFormValue("approve")),
		LimitTo24Hours: parseFormBool(r.PostFormValue("limit_to_24_hours")),
	}, nil
}
