package storage

import "errors"

// Sentinel errors returned by every storage backend. Backends wrap them with
// context using fmt.Errorf("%w: ...") so callers match with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrGrantNotFound = errors.New("grant not found")

	ErrAuthorizationCodeNotFound    = errors.New("authorization code not found")
	ErrAuthorizationRequestNotFound = errors.New("authorization request not found")

	ErrDeviceCodeNotFound   = errors.New("device code not found")
	ErrDeviceCodeNotPending = errors.New("device code is not pending")
	ErrUserCodeCollision    = errors.New("user code already in use")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	// ErrRefreshTokenReused is returned when a token that was already rotated
	// is presented again.
	ErrRefreshTokenReused  = errors.New("refresh token already rotated")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")

	ErrTokenExpired = errors.New("token expired")

	ErrInviteNotFound        = errors.New("invite not found")
	ErrInviteRevoked         = errors.New("invite revoked")
	ErrInviteExpired         = errors.New("invite expired")
	ErrInviteExhausted       = errors.New("invite has no uses left")
	ErrInviteAlreadyAccepted = errors.New("invite already accepted by this subject")
)
