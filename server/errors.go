package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749, RFC 8628, RFC 7009)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeInsufficientScope       = "insufficient_scope"
)

// Error is a protocol error produced by the service layer. The HTTP adapter
// renders it as {"error", "error_description"} with Status.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new protocol error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsError extracts a protocol error from err. Anything else becomes a
// generic server_error so internals never reach the client.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError("internal server error")
}

// Common protocol errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates the client is unknown or failed authentication
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates a code, device code or refresh token was rejected
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the bearer token is missing, invalid, expired or revoked
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code"
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the user or server denied the request
	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrAuthorizationPending indicates the device code has not been resolved yet
	ErrAuthorizationPending = func(desc string) *Error {
		return NewError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	// ErrSlowDown indicates the device client polled faster than its interval
	ErrSlowDown = func(desc string) *Error {
		return NewError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	// ErrExpiredToken indicates the device code expired before it was approved
	ErrExpiredToken = func(desc string) *Error {
		return NewError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	}

	// ErrNotFound indicates an unknown (or foreign) grant or invite
	ErrNotFound = func(desc string) *Error {
		return NewError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrInsufficientScope indicates a valid token lacks a required scope
	ErrInsufficientScope = func(desc string) *Error {
		return NewError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrRateLimitExceeded indicates the caller is being throttled
	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// invalidGrantDescription is returned for every rejected code, device code
// or refresh token so the response never reveals which check failed.
const invalidGrantDescription = "The provided authorization grant is invalid, expired or revoked"
