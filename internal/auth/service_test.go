package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passage/internal/provider"
	"passage/internal/token"
)

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := NewService(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider registry is required")
}

func TestAuthorizationURL(t *testing.T) {
	env := newTestEnv(t)

	link, err := env.service.AuthorizationURL(context.Background(), provider.Google)
	require.NoError(t, err)

	parsed, err := url.Parse(link)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)

	nonce, err := env.issuer.VerifyState(state)
	require.NoError(t, err)
	assert.Len(t, nonce, 43, "32 random bytes, unpadded base64url")
}

func TestAuthorizationURLUnsupportedProvider(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.AuthorizationURL(context.Background(), provider.ID("github"))
	assert.ErrorIs(t, err, ErrProviderUnsupported)
}

func TestHandleCallbackRejectsBeforeExchange(t *testing.T) {
	env := newTestEnv(t)
	validState, err := env.issuer.SignState("nonce")
	require.NoError(t, err)

	tests := []struct {
		name   string
		params CallbackParams
		want   error
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unsupported provider",
			params: CallbackParams{Provider: "github", Code: "c", State: validState},
			want:   ErrProviderUnsupported,
		},
		{
			name:   "provider error uses description",
			params: CallbackParams{Provider: provider.Google, Error: "access_denied", ErrorDescription: "user declined"},
			want:   ErrAuthorizationDenied,
			check: func(t *testing.T, err error) {
				var denied *AuthorizationDeniedError
				require.ErrorAs(t, err, &denied)
				assert.Equal(t, "user declined", denied.Reason)
			},
		},
		{
			name:   "provider error without description",
			params: CallbackParams{Provider: provider.Google, Error: "access_denied"},
			want:   ErrAuthorizationDenied,
			check: func(t *testing.T, err error) {
				var denied *AuthorizationDeniedError
				require.ErrorAs(t, err, &denied)
				assert.Equal(t, "access_denied", denied.Reason)
			},
		},
		{
			name:   "missing code",
			params: CallbackParams{Provider: provider.Google, State: validState},
			want:   ErrMissingParameter,
			check: func(t *testing.T, err error) {
				var missing *MissingParameterError
				require.ErrorAs(t, err, &missing)
				assert.Equal(t, "code", missing.Name)
			},
		},
		{
			name:   "missing state",
			params: CallbackParams{Provider: provider.Google, Code: "c"},
			want:   ErrMissingParameter,
			check: func(t *testing.T, err error) {
				var missing *MissingParameterError
				require.ErrorAs(t, err, &missing)
				assert.Equal(t, "state", missing.Name)
			},
		},
		{
			name:   "tampered state",
			params: CallbackParams{Provider: provider.Google, Code: "c", State: validState + "x"},
			want:   ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.HandleCallback(context.Background(), tt.params)
			require.ErrorIs(t, err, tt.want)
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}

	assert.Zero(t, env.provider.exchangeCalls.Load())
	assert.Zero(t, env.userCount(t))
}

func TestHandleCallbackRejectsExpiredState(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.issuer.SignState("nonce")
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)

	_, err = env.service.HandleCallback(context.Background(), CallbackParams{Provider: provider.Google, Code: "c", State: state})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestHandleCallbackCreatesUserAndSession(t *testing.T) {
	env := newTestEnv(t)

	result := env.login(t)

	assert.Equal(t, "ada@example.com", result.User.Email)
	assert.Equal(t, "Ada", result.User.FirstName)
	assert.Equal(t, "Lovelace", result.User.LastName)
	assert.Equal(t, "g-123", result.User.ExternalAccountID)

	stored := env.session(t, result)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Equal(t, result.User.ID, stored.UserID)
	assert.Equal(t, provider.Google, stored.Provider)
	assert.Equal(t, "openid email profile", stored.Scope)
	assert.Equal(t, testNow.Add(time.Hour), stored.AccessTokenExpiresAt)
	assert.Equal(t, testNow.Add(90*24*time.Hour), stored.RefreshTokenExpiresAt)
	assert.Equal(t, testNow.Add(90*24*time.Hour), stored.ExpiresAt)
	assert.Equal(t, map[string]string{"user_agent": "test-agent", "ip": "203.0.113.9"}, stored.Metadata)
	assert.NotEqual(t, "at-1", stored.AccessToken.Data)

	access, err := env.vault.Open(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-1", access)
	refresh, err := env.vault.Open(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", refresh)

	claims, err := env.issuer.VerifyAccess(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID.String(), claims.UserID)
	assert.Equal(t, stored.ID.String(), claims.SessionID)
	assert.Equal(t, testNow.Add(token.AccessTTL), result.AccessTokenExpiresAt)
	assert.Equal(t, testNow.Add(token.RefreshTTL), result.RefreshTokenExpiresAt)
}

func TestHandleCallbackUsesProviderScopeAndLifetime(t *testing.T) {
	env := newTestEnv(t)
	env.provider.exchange = func(context.Context, string) (provider.TokenResponse, error) {
		return provider.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 1200, Scope: "openid email"}, nil
	}

	result := env.login(t)

	stored := env.session(t, result)
	assert.Equal(t, "openid email", stored.Scope)
	assert.Equal(t, testNow.Add(20*time.Minute), stored.AccessTokenExpiresAt)
}

func TestHandleCallbackIsIdempotentPerAccount(t *testing.T) {
	env := newTestEnv(t)

	first := env.login(t)
	env.provider.exchange = func(context.Context, string) (provider.TokenResponse, error) {
		return provider.TokenResponse{AccessToken: "at-b", RefreshToken: "rt-b"}, nil
	}
	second := env.login(t)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, 1, env.userCount(t))
	assert.Equal(t, 2, env.sessionCount(t))
}

func TestHandleCallbackRequiresRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	env.provider.exchange = func(context.Context, string) (provider.TokenResponse, error) {
		return provider.TokenResponse{AccessToken: "at-only", ExpiresIn: 3600}, nil
	}

	state, err := env.issuer.SignState("nonce")
	require.NoError(t, err)
	_, err = env.service.HandleCallback(context.Background(), CallbackParams{Provider: provider.Google, Code: "c", State: state})

	require.ErrorIs(t, err, ErrRefreshTokenRequired)
	assert.Zero(t, env.sessionCount(t))
	assert.Zero(t, env.userCount(t))
}

func TestHandleCallbackProviderFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeProvider)
		want  error
	}{
		{
			name: "exchange error",
			setup: func(f *fakeProvider) {
				f.exchange = func(context.Context, string) (provider.TokenResponse, error) {
					return provider.TokenResponse{}, &provider.ExchangeError{Provider: provider.Google, Reason: "invalid_grant", Status: 400}
				}
			},
			want: ErrExchangeFailed,
		},
		{
			name: "untyped exchange error",
			setup: func(f *fakeProvider) {
				f.exchange = func(context.Context, string) (provider.TokenResponse, error) {
					return provider.TokenResponse{}, errors.New("connection reset")
				}
			},
			want: ErrExchangeFailed,
		},
		{
			name: "profile error",
			setup: func(f *fakeProvider) {
				f.userInfo = func(context.Context, string) (provider.UserInfo, error) {
					return provider.UserInfo{}, errors.New("timeout")
				}
			},
			want: ErrProfileFetchFailed,
		},
		{
			name: "id token subject mismatch",
			setup: func(f *fakeProvider) {
				f.exchange = func(context.Context, string) (provider.TokenResponse, error) {
					return provider.TokenResponse{AccessToken: "at", RefreshToken: "rt", Subject: "someone-else"}, nil
				}
			},
			want: ErrProfileFetchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.provider)

			state, err := env.issuer.SignState("nonce")
			require.NoError(t, err)
			_, err = env.service.HandleCallback(context.Background(), CallbackParams{Provider: provider.Google, Code: "c", State: state})

			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, env.sessionCount(t))
		})
	}
}

func TestHandleCallbackAllowlist(t *testing.T) {
	env := newTestEnv(t, WithAllowlist(provider.NewAllowlist([]string{"allowed.test"}, nil)))

	state, err := env.issuer.SignState("nonce")
	require.NoError(t, err)
	_, err = env.service.HandleCallback(context.Background(), CallbackParams{Provider: provider.Google, Code: "c", State: state})

	require.ErrorIs(t, err, ErrAccountNotAllowed)
	assert.Zero(t, env.userCount(t))
}

func TestHandleCallbackRejectsDisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	first := env.login(t)
	require.NoError(t, env.repo.SoftDeleteUser(context.Background(), first.User.ID, testNow))

	state, err := env.issuer.SignState("nonce")
	require.NoError(t, err)
	_, err = env.service.HandleCallback(context.Background(), CallbackParams{Provider: provider.Google, Code: "c2", State: state})

	require.ErrorIs(t, err, ErrAccountDisabled)
	assert.Equal(t, 1, env.sessionCount(t))
}

func TestHandleCallbackWrapsStoreFailures(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	// A second account claiming the same email violates the unique index.
	env.provider.userInfo = func(context.Context, string) (provider.UserInfo, error) {
		return provider.UserInfo{ID: "g-999", Email: "ada@example.com", Name: "Impostor"}, nil
	}
	env.provider.exchange = func(context.Context, string) (provider.TokenResponse, error) {
		return provider.TokenResponse{AccessToken: "at-x", RefreshToken: "rt-x"}, nil
	}
	state, err := env.issuer.SignState("nonce")
	require.NoError(t, err)
	_, err = env.service.HandleCallback(context.Background(), CallbackParams{Provider: provider.Google, Code: "c", State: state})

	require.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, ErrConflict)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "upsert user", storeErr.Op)
}

func TestHandleCallbackWithGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
			assert.Equal(t, "code-xyz", r.PostForm.Get("code"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "ya29.google",
				"refresh_token": "1//google-refresh",
				"expires_in":    3599,
				"token_type":    "Bearer",
				"scope":         "openid https://www.googleapis.com/auth/userinfo.email",
			})
		case "/userinfo":
			assert.Equal(t, "Bearer ya29.google", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":             "1122334455",
				"email":          "grace@example.com",
				"verified_email": true,
				"name":           "Grace Brewster Hopper",
				"picture":        "https://example.test/grace.png",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.Google, func() (provider.Provider, error) {
		return provider.NewGoogle(provider.GoogleConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://localhost:8000/v1/auth/oauth/google/callback",
			TokenURL:     srv.URL + "/token",
			UserInfoURL:  srv.URL + "/userinfo",
			HTTPClient:   srv.Client(),
		})
	}))
	registry.Freeze()
	env := newTestEnvWith(t, registry, NewInMemoryRepository(), nil)

	link, err := env.service.AuthorizationURL(context.Background(), provider.Google)
	require.NoError(t, err)
	parsed, err := url.Parse(link)
	require.NoError(t, err)

	result, err := env.service.HandleCallback(context.Background(), CallbackParams{
		Provider: provider.Google,
		Code:     "code-xyz",
		State:    parsed.Query().Get("state"),
	})
	require.NoError(t, err)

	assert.Equal(t, "grace@example.com", result.User.Email)
	assert.Equal(t, "Grace", result.User.FirstName)
	assert.Equal(t, "Brewster Hopper", result.User.LastName)
	assert.Equal(t, "openid https://www.googleapis.com/auth/userinfo.email", result.Session.Scope)
	assert.Equal(t, testNow.Add(3599*time.Second), result.Session.AccessTokenExpiresAt)

	refresh, err := env.vault.Open(result.Session.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "1//google-refresh", refresh)
}
