package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Google endpoints.
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	GoogleIssuer      = "https://accounts.google.com"
	GoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 64 << 10
)

// GoogleConfig configures GoogleProvider. Endpoint fields default to the
// production Google endpoints.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient is used for all outbound calls. A client with a 10s timeout
	// is used when nil.
	HTTPClient *http.Client
	// Verifier checks id_tokens returned by the token endpoint. Verification
	// is skipped when nil.
	Verifier *oidc.IDTokenVerifier
}

// NewGoogleVerifier builds an id_token verifier backed by Google's JWKS.
func NewGoogleVerifier(ctx context.Context, clientID string, client *http.Client) *oidc.IDTokenVerifier {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	keySet := oidc.NewRemoteKeySet(ctx, GoogleJWKSURL)
	return oidc.NewVerifier(GoogleIssuer, keySet, &oidc.Config{ClientID: clientID})
}

// GoogleProvider implements Provider for Google OAuth 2.0.
type GoogleProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	client      *http.Client
	verifier    *oidc.IDTokenVerifier
}

var _ Provider = (*GoogleProvider)(nil)

// NewGoogle creates a GoogleProvider.
func NewGoogle(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("google: client id, client secret and redirect url are required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   valueOr(cfg.AuthURL, GoogleAuthURL),
			TokenURL:  valueOr(cfg.TokenURL, GoogleTokenURL),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{oidc.ScopeOpenID, "email", "profile"},
	}

	return &GoogleProvider{
		oauth:       config,
		userInfoURL: valueOr(cfg.UserInfoURL, GoogleUserInfoURL),
		client:      client,
		verifier:    cfg.Verifier,
	}, nil
}

// ID returns Google.
func (g *GoogleProvider) ID() ID { return Google }

// DefaultScopes returns the scopes requested at authorization.
func (g *GoogleProvider) DefaultScopes() []string {
	return append([]string(nil), g.oauth.Scopes...)
}

// TokenEndpoint returns the token endpoint URL.
func (g *GoogleProvider) TokenEndpoint() string { return g.oauth.Endpoint.TokenURL }

// UserInfoEndpoint returns the userinfo endpoint URL.
func (g *GoogleProvider) UserInfoEndpoint() string { return g.userInfoURL }

// AuthorizationURL builds the consent URL. Offline access and forced consent
// make Google issue a refresh token on every login.
func (g *GoogleProvider) AuthorizationURL(state string) string {
	return g.oauth.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCodeForToken trades an authorization code for tokens.
func (g *GoogleProvider) ExchangeCodeForToken(ctx context.Context, code string) (TokenResponse, error) {
	tok, err := g.oauth.Exchange(g.clientContext(ctx), code)
	if err != nil {
		return TokenResponse{}, g.exchangeError(err)
	}

	resp := tokenResponseFrom(tok)
	if resp.IDToken != "" && g.verifier != nil {
		idToken, err := g.verifier.Verify(ctx, resp.IDToken)
		if err != nil {
			return TokenResponse{}, &ExchangeError{Provider: Google, Reason: "invalid id_token", Err: err}
		}
		resp.Subject = idToken.Subject
	}
	return resp, nil
}

// RefreshAccessToken obtains a new access token. Google usually omits the
// refresh token on refresh, in which case the returned value echoes the
// token that was sent.
func (g *GoogleProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	src := g.oauth.TokenSource(g.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenResponse{}, g.exchangeError(err)
	}
	return tokenResponseFrom(tok), nil
}

// GetUserInfo fetches the profile for the access token's account.
func (g *GoogleProvider) GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	client := oauth2.NewClient(g.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return UserInfo{}, &ProfileError{Provider: Google, Reason: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return UserInfo{}, &ProfileError{Provider: Google, Reason: "request failed", Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
	if err != nil {
		return UserInfo{}, &ProfileError{Provider: Google, Reason: "read response", Status: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return UserInfo{}, &ProfileError{Provider: Google, Reason: errorReason(body, res.Status), Status: res.StatusCode}
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return UserInfo{}, &ProfileError{Provider: Google, Reason: "decode response", Status: res.StatusCode, Err: err}
	}
	if info.ID == "" || info.Email == "" {
		return UserInfo{}, &ProfileError{Provider: Google, Reason: "missing id or email", Status: res.StatusCode}
	}
	return info, nil
}

func (g *GoogleProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.client)
}

func (g *GoogleProvider) exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		reason := retrieveErr.ErrorDescription
		if reason == "" {
			reason = retrieveErr.ErrorCode
		}
		if reason == "" {
			reason = errorReason(retrieveErr.Body, "token endpoint error")
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &ExchangeError{Provider: Google, Reason: reason, Status: status, Err: err}
	}
	return &ExchangeError{Provider: Google, Reason: err.Error(), Err: err}
}

func tokenResponseFrom(tok *oauth2.Token) TokenResponse {
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    extraInt(tok.Extra("expires_in")),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp
}

func extraInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

// errorReason extracts a human readable reason from an OAuth or Google API
// error body.
func errorReason(body []byte, fallback string) string {
	var payload struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}
	if payload.ErrorDescription != "" {
		return payload.ErrorDescription
	}

	var code string
	if err := json.Unmarshal(payload.Error, &code); err == nil && code != "" {
		return code
	}
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
