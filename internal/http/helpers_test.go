package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"passage/internal/auth"
	"passage/internal/config"
	"passage/internal/platform/logging"
	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

type stubProvider struct {
	exchangeErr  error
	refreshToken string
}

func (p *stubProvider) ID() provider.ID { return provider.Google }

func (p *stubProvider) AuthorizationURL(state string) string {
	return "https://accounts.example.test/auth?state=" + url.QueryEscape(state)
}

func (p *stubProvider) ExchangeCodeForToken(ctx context.Context, code string) (provider.TokenResponse, error) {
	if p.exchangeErr != nil {
		return provider.TokenResponse{}, p.exchangeErr
	}
	return provider.TokenResponse{AccessToken: "provider-at", RefreshToken: "provider-rt", ExpiresIn: 3600}, nil
}

func (p *stubProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (provider.TokenResponse, error) {
	next := refreshToken
	if p.refreshToken != "" {
		next = p.refreshToken
	}
	return provider.TokenResponse{AccessToken: "provider-at-2", RefreshToken: next, ExpiresIn: 3600}, nil
}

func (p *stubProvider) GetUserInfo(ctx context.Context, accessToken string) (provider.UserInfo, error) {
	return provider.UserInfo{
		ID:         "g-42",
		Email:      "grace@example.com",
		Name:       "Grace Hopper",
		GivenName:  "Grace",
		FamilyName: "Hopper",
	}, nil
}

func (p *stubProvider) DefaultScopes() []string { return []string{"openid", "email", "profile"} }

func (p *stubProvider) TokenEndpoint() string { return "https://accounts.example.test/token" }

func (p *stubProvider) UserInfoEndpoint() string { return "https://accounts.example.test/userinfo" }

type testServer struct {
	handler  http.Handler
	provider *stubProvider
	service  *auth.Service
	tokens   *auth.TokenService
	issuer   *token.Issuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	stub := &stubProvider{}
	registry := provider.NewRegistry()
	if err := registry.Register(provider.Google, func() (provider.Provider, error) { return stub, nil }); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	registry.Freeze()

	v, err := vault.New(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	issuer, err := token.NewIssuer([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	repo := auth.NewInMemoryRepository()
	deps := auth.Deps{Providers: registry, Users: repo, Sessions: repo, Vault: v, Tokens: issuer}
	logger := logging.Discard()

	svc, err := auth.NewService(deps, auth.WithLogger(logger))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	tokens, err := auth.NewTokenService(deps, auth.WithLogger(logger))
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	cfg := config.Config{
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000"},
		ServiceName:    "passage",
	}
	return &testServer{
		handler:  NewRouter(cfg, svc, tokens, logger),
		provider: stub,
		service:  svc,
		tokens:   tokens,
		issuer:   issuer,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// signedState asks the router for a consent link and returns its state.
func (s *testServer) signedState(t *testing.T) string {
	t.Helper()
	rec := s.do(httptest.NewRequest(http.MethodGet, "/v1/auth/oauth/google", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	link, err := url.Parse(body["link"])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	state := link.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state in link %q", body["link"])
	}
	return state
}

// login completes a callback and returns the issued cookies by name.
func (s *testServer) login(t *testing.T) map[string]*http.Cookie {
	t.Helper()
	target := "/v1/auth/oauth/google/callback?code=abc&state=" + url.QueryEscape(s.signedState(t))
	rec := s.do(httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	return cookiesByName(rec)
}

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	cookies := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		cookies[c.Name] = c
	}
	return cookies
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
