package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/nocturne/nocturne-auth/instrumentation"
	"github.com/nocturne/nocturne-auth/internal/util"
	"github.com/nocturne/nocturne-auth/scope"
	"github.com/nocturne/nocturne-auth/security"
	"github.com/nocturne/nocturne-auth/storage"
)

// userCodeAttempts bounds retries on user code collisions
const userCodeAttempts = 5

// Device poll outcomes recorded in metrics
const (
	devicePollPending   = "authorization_pending"
	devicePollSlowDown  = "slow_down"
	devicePollDenied    = "access_denied"
	devicePollExpired   = "expired_token"
	devicePollInvalid   = "invalid_grant"
	devicePollRedeemed  = "redeemed"
	deviceStatusExpired = "expired"
)

// DeviceAuthorization is the RFC 8628 device authorization response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceCodeInfo is shown on the approval page.
type DeviceCodeInfo struct {
	UserCode          string    `json:"user_code"`
	ClientID          string    `json:"client_id"`
	ClientDisplayName string    `json:"client_display_name"`
	IsKnownClient     bool      `json:"is_known_client"`
	Scopes            []string  `json:"scopes"`
	Status            string    `json:"status"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// CreateDeviceCode starts a device authorization for clientID.
func (s *Server) CreateDeviceCode(ctx context.Context, clientID string, requested []string, meta RequestMeta) (*DeviceAuthorization, error) {
	ctx, span := s.startSpan(ctx, "server.CreateDeviceCode")
	defer span.End()

	if _, err := s.FindOrCreateClient(ctx, clientID, meta); err != nil {
		return nil, err
	}
	scopes, err := s.normalizeRequestedScopes(requested)
	if err != nil {
		return nil, err
	}

	deviceCode := security.GenerateToken()
	now := s.now()
	record := &storage.DeviceCode{
		DeviceCodeHash: security.HashToken(deviceCode),
		ClientID:       clientID,
		Scopes:         scopes,
		Status:         storage.DeviceCodePending,
		Interval:       s.Config.DevicePollInterval,
		CreatedAt:      now,
		ExpiresAt:      now.Add(seconds(s.Config.DeviceCodeTTL)),
	}

	saved := false
	for attempt := 0; attempt < userCodeAttempts; attempt++ {
		record.UserCode, err = security.GenerateUserCode()
		if err != nil {
			return nil, s.serverError("Failed to generate user code", err)
		}
		err = s.store.SaveDeviceCode(ctx, record)
		if err == nil {
			saved = true
			break
		}
		if !errors.Is(err, storage.ErrUserCodeCollision) {
			instrumentation.RecordError(span, err)
			return nil, s.serverError("Failed to save device code", err, "client_id", clientID)
		}
		s.Logger.Debug("User code collision, retrying", "attempt", attempt+1)
	}
	if !saved {
		return nil, s.serverError("Exhausted user code attempts", err, "client_id", clientID)
	}

	userCode := security.FormatUserCode(record.UserCode)
	auth := &DeviceAuthorization{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: s.Config.DeviceVerificationURL,
		ExpiresIn:       s.Config.DeviceCodeTTL,
		Interval:        record.Interval,
	}
	if complete, err := appendQuery(s.Config.DeviceVerificationURL, url.Values{"user_code": {userCode}}); err == nil {
		auth.VerificationURIComplete = complete
	}

	s.Logger.Info("Created device code", "client_id", clientID, "scope", scope.Join(scopes))
	if m := s.metrics(); m != nil {
		m.RecordDeviceCodeCreated(ctx, clientID)
	}
	instrumentation.SetSpanSuccess(span)
	return auth, nil
}

// GetDeviceCodeByUserCode describes a device authorization for the approval
// page. User input is normalized (case, dashes, spaces).
func (s *Server) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCodeInfo, error) {
	code, err := s.lookupUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}

	info := &DeviceCodeInfo{
		UserCode:          security.FormatUserCode(code.UserCode),
		ClientID:          code.ClientID,
		ClientDisplayName: code.ClientID,
		Scopes:            code.Scopes,
		Status:            string(code.Status),
		ExpiresAt:         code.ExpiresAt,
	}
	if code.Status == storage.DeviceCodePending && !s.now().Before(code.ExpiresAt) {
		info.Status = deviceStatusExpired
	}
	if client, err := s.store.GetClient(ctx, code.ClientID); err == nil {
		info.ClientDisplayName = client.DisplayName
		info.IsKnownClient = client.IsKnown
	}
	return info, nil
}

func (s *Server) lookupUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	normalized := security.NormalizeUserCode(userCode)
	if len(normalized) != security.UserCodeLength {
		return nil, ErrNotFound("unknown user code")
	}
	code, err := s.store.GetDeviceCodeByUserCode(ctx, normalized)
	if errors.Is(err, storage.ErrDeviceCodeNotFound) {
		return nil, ErrNotFound("unknown user code")
	}
	if err != nil {
		return nil, s.serverError("Failed to load device code", err)
	}
	return code, nil
}

// ApproveDeviceCode approves a pending device code for subjectID. The
// client grant is written before the code turns approved, so a poll that
// observes the approval always finds the grant it redeems.
func (s *Server) ApproveDeviceCode(ctx context.Context, userCode, subjectID string, limitTo24Hours bool) error {
	if subjectID == "" {
		return ErrAccessDenied("authentication required")
	}
	pending, err := s.pendingDeviceCode(ctx, userCode)
	if err != nil {
		return err
	}

	if _, err := s.upsertClientGrant(ctx, pending.ClientID, subjectID, pending.Scopes, limitTo24Hours); err != nil {
		return s.serverError("Failed to record device grant", err, "client_id", pending.ClientID)
	}

	code, err := s.resolveDeviceCode(ctx, userCode, storage.DeviceCodeApproved, subjectID, limitTo24Hours)
	if err != nil {
		return err
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventDeviceCodeApproved,
		SubjectID: subjectID,
		ClientID:  code.ClientID,
		Details:   map[string]any{"scope": scope.Join(code.Scopes)},
	})
	if m := s.metrics(); m != nil {
		m.RecordDeviceCodeResolved(ctx, string(storage.DeviceCodeApproved))
	}
	return nil
}

// pendingDeviceCode loads a device code that can still be approved, with the
// same errors resolveDeviceCode reports.
func (s *Server) pendingDeviceCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	normalized := security.NormalizeUserCode(userCode)
	if len(normalized) != security.UserCodeLength {
		return nil, ErrInvalidGrant("unknown user code")
	}
	code, err := s.store.GetDeviceCodeByUserCode(ctx, normalized)
	switch {
	case errors.Is(err, storage.ErrDeviceCodeNotFound):
		return nil, ErrInvalidGrant("unknown user code")
	case err != nil:
		return nil, s.serverError("Failed to load device code", err)
	case code.Status != storage.DeviceCodePending:
		return nil, ErrInvalidGrant("device code is no longer pending")
	case !s.now().Before(code.ExpiresAt):
		return nil, ErrExpiredToken("device code has expired")
	}
	return code, nil
}

// DenyDeviceCode denies a pending device code.
func (s *Server) DenyDeviceCode(ctx context.Context, userCode, subjectID string) error {
	code, err := s.resolveDeviceCode(ctx, userCode, storage.DeviceCodeDenied, subjectID, false)
	if err != nil {
		return err
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventDeviceCodeDenied,
		SubjectID: subjectID,
		ClientID:  code.ClientID,
	})
	if m := s.metrics(); m != nil {
		m.RecordDeviceCodeResolved(ctx, string(storage.DeviceCodeDenied))
	}
	return nil
}

func (s *Server) resolveDeviceCode(ctx context.Context, userCode string, status storage.DeviceCodeStatus, subjectID string, limitTo24Hours bool) (*storage.DeviceCode, error) {
	if subjectID == "" {
		return nil, ErrAccessDenied("authentication required")
	}
	normalized := security.NormalizeUserCode(userCode)
	if len(normalized) != security.UserCodeLength {
		return nil, ErrInvalidGrant("unknown user code")
	}

	code, err := s.store.ResolveDeviceCode(ctx, normalized, status, subjectID, limitTo24Hours, s.now())
	switch {
	case err == nil:
		return code, nil
	case errors.Is(err, storage.ErrDeviceCodeNotFound):
		return nil, ErrInvalidGrant("unknown user code")
	case errors.Is(err, storage.ErrDeviceCodeNotPending):
		return nil, ErrInvalidGrant("device code is no longer pending")
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, ErrExpiredToken("device code has expired")
	default:
		return nil, s.serverError("Failed to resolve device code", err)
	}
}

// ExchangeDeviceCode handles one poll of the device client. Exactly one poll
// of an approved code receives tokens.
func (s *Server) ExchangeDeviceCode(ctx context.Context, deviceCode, clientID string, meta RequestMeta) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeDeviceCode")
	defer span.End()

	hash := security.HashToken(deviceCode)
	outcome := func(o string) {
		if m := s.metrics(); m != nil {
			m.RecordDevicePoll(ctx, o)
		}
	}
	reject := func(reason string) (*TokenResult, error) {
		s.Logger.Debug("Device code rejected",
			"reason", reason,
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(hash, tokenIDLogLength))
		outcome(devicePollInvalid)
		instrumentation.SetSpanError(span, reason)
		return nil, ErrInvalidGrant(invalidGrantDescription)
	}

	now := s.now()
	poll, err := s.store.PollDeviceCode(ctx, hash, clientID, now)
	if errors.Is(err, storage.ErrDeviceCodeNotFound) {
		return reject("unknown device code or client mismatch")
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.serverError("Failed to poll device code", err)
	}

	code := poll.Code
	if !poll.Redeemed {
		switch {
		case code.Status == storage.DeviceCodeConsumed:
			return reject("device code already redeemed")
		case !now.Before(code.ExpiresAt):
			outcome(devicePollExpired)
			return nil, ErrExpiredToken("The device code has expired")
		case code.Status == storage.DeviceCodeDenied:
			outcome(devicePollDenied)
			return nil, NewError(ErrorCodeAccessDenied, "The user denied the request", http.StatusBadRequest)
		case code.Status == storage.DeviceCodePending && poll.SlowDown:
			outcome(devicePollSlowDown)
			return nil, ErrSlowDown("Polling too frequently, increase the interval")
		case code.Status == storage.DeviceCodePending:
			outcome(devicePollPending)
			return nil, ErrAuthorizationPending("The user has not yet approved the request")
		default:
			return reject("device code in unexpected state " + string(code.Status))
		}
	}

	grant, err := s.store.FindClientGrant(ctx, code.ClientID, code.SubjectID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return reject("grant missing for approved device code")
	}
	if err != nil {
		return nil, s.serverError("Failed to load grant", err)
	}

	result, err := s.issueTokens(ctx, tokenIssue{
		grantType:      GrantTypeDeviceCode,
		subjectID:      code.SubjectID,
		clientID:       code.ClientID,
		grant:          grant,
		scopes:         code.Scopes,
		limitTo24Hours: grant.LimitTo24Hours,
		meta:           meta,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	outcome(devicePollRedeemed)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}
