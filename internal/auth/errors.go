package auth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

var (
	// ErrProviderUnsupported names a provider with no registered implementation.
	ErrProviderUnsupported = errors.New("auth: provider not supported")

	// ErrAuthorizationDenied reports an error returned to the callback by the provider.
	ErrAuthorizationDenied = errors.New("auth: authorization denied")

	// ErrMissingParameter reports a callback without its code or state.
	ErrMissingParameter = errors.New("auth: missing parameter")

	// ErrInvalidState reports a state token that failed verification.
	ErrInvalidState = errors.New("auth: invalid state")

	// ErrRefreshTokenRequired reports a code exchange that returned no refresh token.
	ErrRefreshTokenRequired = errors.New("auth: provider did not issue a refresh token")

	// ErrSessionNotFound reports an unknown session or one owned by another user.
	ErrSessionNotFound = errors.New("auth: session not found")

	// ErrSessionNotActive reports a revoked or expired session.
	ErrSessionNotActive = errors.New("auth: session is not active")

	// ErrRefreshTokenExpired reports a session whose provider refresh token has lapsed.
	ErrRefreshTokenExpired = errors.New("auth: refresh token expired, re-authentication required")

	// ErrUpstreamRefreshFailure reports a refresh that failed and revoked the session.
	ErrUpstreamRefreshFailure = errors.New("auth: upstream refresh failed")

	// ErrSessionConflict reports a conditional session write that lost to another writer.
	ErrSessionConflict = errors.New("auth: session was updated concurrently")

	// ErrAccountNotAllowed reports an email outside the configured allowlist.
	ErrAccountNotAllowed = errors.New("auth: account is not permitted to sign in")

	// ErrAccountDisabled reports a sign-in by a soft-deleted user.
	ErrAccountDisabled = errors.New("auth: account is disabled")

	// ErrUserNotFound reports a token whose user no longer exists.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrStore matches every StoreError.
	ErrStore = errors.New("auth: store failure")
)

// Errors raised by lower layers, re-exported so callers can branch on a
// single package.
var (
	ErrExchangeFailed        = provider.ErrExchangeFailed
	ErrProfileFetchFailed    = provider.ErrProfileFetchFailed
	ErrAuthenticationFailure = vault.ErrAuthenticationFailure
	ErrInvalidSignature      = token.ErrInvalidSignature
	ErrTokenExpired          = token.ErrTokenExpired
	ErrMalformedClaims       = token.ErrMalformedClaims
)

// AuthorizationDeniedError carries the reason the provider reported.
type AuthorizationDeniedError struct {
	Reason string
}

func (e *AuthorizationDeniedError) Error() string {
	return "authorization denied: " + e.Reason
}

func (e *AuthorizationDeniedError) Is(target error) bool { return target == ErrAuthorizationDenied }

// MissingParameterError names the absent callback parameter.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return "missing parameter: " + e.Name
}

func (e *MissingParameterError) Is(target error) bool { return target == ErrMissingParameter }

// UpstreamRefreshError wraps the failure that ended a session during refresh.
type UpstreamRefreshError struct {
	SessionID uuid.UUID
	Err       error
}

func (e *UpstreamRefreshError) Error() string {
	return fmt.Sprintf("refresh session %s: %v", e.SessionID, e.Err)
}

func (e *UpstreamRefreshError) Is(target error) bool { return target == ErrUpstreamRefreshFailure }

func (e *UpstreamRefreshError) Unwrap() error { return e.Err }

// StoreError wraps user and session store failures.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func (e *StoreError) Unwrap() error { return e.Err }

func storeError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
