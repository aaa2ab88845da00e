package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"passage/internal/platform/logging"
	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProvider is a scriptable provider.Provider.
type fakeProvider struct {
	exchange func(ctx context.Context, code string) (provider.TokenResponse, error)
	refresh  func(ctx context.Context, refreshToken string) (provider.TokenResponse, error)
	userInfo func(ctx context.Context, accessToken string) (provider.UserInfo, error)

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
}

func (f *fakeProvider) ID() provider.ID { return provider.Google }

func (f *fakeProvider) AuthorizationURL(state string) string {
	return "https://accounts.example.test/auth?state=" + state
}

func (f *fakeProvider) ExchangeCodeForToken(ctx context.Context, code string) (provider.TokenResponse, error) {
	f.exchangeCalls.Add(1)
	if f.exchange != nil {
		return f.exchange(ctx, code)
	}
	return provider.TokenResponse{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 3600}, nil
}

func (f *fakeProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (provider.TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.refresh != nil {
		return f.refresh(ctx, refreshToken)
	}
	return provider.TokenResponse{AccessToken: "at-2", RefreshToken: refreshToken, ExpiresIn: 3600}, nil
}

func (f *fakeProvider) GetUserInfo(ctx context.Context, accessToken string) (provider.UserInfo, error) {
	if f.userInfo != nil {
		return f.userInfo(ctx, accessToken)
	}
	return provider.UserInfo{
		ID:         "g-123",
		Email:      "Ada@Example.com",
		Name:       "Ada Lovelace",
		GivenName:  "Ada",
		FamilyName: "Lovelace",
		Picture:    "https://example.test/ada.png",
	}, nil
}

func (f *fakeProvider) DefaultScopes() []string { return []string{"openid", "email", "profile"} }

func (f *fakeProvider) TokenEndpoint() string { return "https://accounts.example.test/token" }

func (f *fakeProvider) UserInfoEndpoint() string { return "https://accounts.example.test/userinfo" }

type testEnv struct {
	clock    *fakeClock
	repo     contractRepository
	vault    *vault.Vault
	issuer   *token.Issuer
	registry *provider.Registry
	provider *fakeProvider
	service  *Service
	tokens   *TokenService
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	fake := &fakeProvider{}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.Google, func() (provider.Provider, error) { return fake, nil }))
	registry.Freeze()
	return newTestEnvWith(t, registry, NewInMemoryRepository(), fake, opts...)
}

func newTestEnvWith(t *testing.T, registry *provider.Registry, repo contractRepository, fake *fakeProvider, opts ...Option) *testEnv {
	t.Helper()

	clock := &fakeClock{now: testNow}
	v, err := vault.New(strings.Repeat("4f", 32))
	require.NoError(t, err)
	issuer, err := token.NewIssuer([]byte(strings.Repeat("s", 32)), token.WithNow(clock.Now))
	require.NoError(t, err)

	deps := Deps{Providers: registry, Users: repo, Sessions: repo, Vault: v, Tokens: issuer}
	opts = append([]Option{WithClock(clock.Now), WithLogger(logging.Discard())}, opts...)

	service, err := NewService(deps, opts...)
	require.NoError(t, err)
	tokens, err := NewTokenService(deps, opts...)
	require.NoError(t, err)

	return &testEnv{
		clock:    clock,
		repo:     repo,
		vault:    v,
		issuer:   issuer,
		registry: registry,
		provider: fake,
		service:  service,
		tokens:   tokens,
	}
}

// login runs a successful callback and returns its result.
func (e *testEnv) login(t *testing.T) *LoginResult {
	t.Helper()
	state, err := e.issuer.SignState("nonce")
	require.NoError(t, err)
	result, err := e.service.HandleCallback(context.Background(), CallbackParams{
		Provider:  provider.Google,
		Code:      "auth-code",
		State:     state,
		UserAgent: "test-agent",
		IPAddress: "203.0.113.9",
	})
	require.NoError(t, err)
	return result
}

func (e *testEnv) session(t *testing.T, result *LoginResult) *Session {
	t.Helper()
	s, err := e.repo.FindSessionByID(context.Background(), result.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (e *testEnv) memory(t *testing.T) *InMemoryRepository {
	t.Helper()
	mem, ok := e.repo.(*InMemoryRepository)
	require.True(t, ok, "counts need the in-memory repository")
	return mem
}

func (e *testEnv) sessionCount(t *testing.T) int {
	mem := e.memory(t)
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return len(mem.sessions)
}

func (e *testEnv) userCount(t *testing.T) int {
	mem := e.memory(t)
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return len(mem.users)
}
