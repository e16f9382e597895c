package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a token response is issued
	EventTokenIssued = "token_issued"

	// EventTokenRevoked is logged when tokens are revoked by the user, client or a grant revocation
	EventTokenRevoked = "token_revoked"

	// EventRefreshTokenReuseDetected is logged when an already rotated refresh token is presented
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventConsentDenied is logged when the user denies a consent request
	EventConsentDenied = "consent_denied"

	// EventDeviceCodeApproved is logged when a user approves a device code
	EventDeviceCodeApproved = "device_code_approved"

	// EventDeviceCodeDenied is logged when a user denies a device code
	EventDeviceCodeDenied = "device_code_denied"

	// Client events

	// EventClientRegistered is logged when an unseen client_id is registered ad hoc
	EventClientRegistered = "client_registered"

	// EventRedirectURIPinned is logged when an ad-hoc client pins its redirect URI
	EventRedirectURIPinned = "redirect_uri_pinned"

	// Grant events

	// EventGrantCreated is logged when a grant is created
	EventGrantCreated = "grant_created"

	// EventGrantUpdated is logged when a grant's scopes, label or window changes
	EventGrantUpdated = "grant_updated"

	// EventGrantRevoked is logged when a grant is deleted
	EventGrantRevoked = "grant_revoked"

	// EventInviteCreated is logged when an invite is created
	EventInviteCreated = "invite_created"

	// EventInviteAccepted is logged when an invite mints a follower grant
	EventInviteAccepted = "invite_accepted"

	// EventInviteRevoked is logged when an invite is revoked
	EventInviteRevoked = "invite_revoked"

	// Security violation events

	// EventAuthFailure is logged when authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect URI fails validation
	EventInvalidRedirect = "invalid_redirect"

	// EventInvalidGrant is logged when a code, device code or refresh token is rejected
	EventInvalidGrant = "invalid_grant"
)
