// Package provider abstracts external identity providers behind a common
// OAuth2 authorization-code contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ID names a registered identity provider.
type ID string

// Google is the Google OAuth 2.0 provider.
const Google ID = "google"

// ParseID normalises a path segment into an ID.
func ParseID(value string) ID {
	return ID(strings.ToLower(strings.TrimSpace(value)))
}

func (id ID) String() string { return string(id) }

// TokenResponse holds the provider-issued credentials from a code exchange
// or refresh.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds, zero when the
	// provider did not report one.
	ExpiresIn int64
	Scope     string
	IDToken   string
	// Subject is the verified id_token subject, if an id_token was present.
	Subject string
}

// UserInfo is the provider's profile for the authenticated account.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// Provider is implemented by every identity provider.
type Provider interface {
	ID() ID
	AuthorizationURL(state string) string
	ExchangeCodeForToken(ctx context.Context, code string) (TokenResponse, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResponse, error)
	GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error)
	DefaultScopes() []string
	TokenEndpoint() string
	UserInfoEndpoint() string
}

// ScopeString returns the provider's default scopes joined by spaces.
func ScopeString(p Provider) string {
	return strings.Join(p.DefaultScopes(), " ")
}

var (
	// ErrExchangeFailed matches every ExchangeError.
	ErrExchangeFailed = errors.New("provider: token exchange failed")
	// ErrProfileFetchFailed matches every ProfileError.
	ErrProfileFetchFailed = errors.New("provider: profile fetch failed")
)

// ExchangeError reports a failed call to the token endpoint.
type ExchangeError struct {
	Provider ID
	Reason   string
	Status   int
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s token exchange failed (status %d): %s", e.Provider, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s token exchange failed: %s", e.Provider, e.Reason)
}

func (e *ExchangeError) Is(target error) bool { return target == ErrExchangeFailed }

func (e *ExchangeError) Unwrap() error { return e.Err }

// ProfileError reports a failed or incomplete user profile lookup.
type ProfileError struct {
	Provider ID
	Reason   string
	Status   int
	Err      error
}

func (e *ProfileError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s profile fetch failed (status %d): %s", e.Provider, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s profile fetch failed: %s", e.Provider, e.Reason)
}

func (e *ProfileError) Is(target error) bool { return target == ErrProfileFetchFailed }

func (e *ProfileError) Unwrap() error { return e.Err }
