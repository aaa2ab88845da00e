package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"passage/internal/platform/logging"
	"passage/internal/platform/telemetry"
	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

const (
	// SessionTTL is how long a session and its provider refresh credential
	// are honoured after they are issued.
	SessionTTL = token.RefreshTTL

	defaultAccessTokenLifetime = time.Hour
	stateBytes                 = 32
)

// CallbackParams are the query parameters a provider redirects back with,
// plus request details recorded on the session.
type CallbackParams struct {
	Provider         provider.ID
	Code             string
	State            string
	Error            string
	ErrorDescription string
	UserAgent        string
	IPAddress        string
}

// LoginResult is the outcome of a completed OAuth callback.
type LoginResult struct {
	User                  User
	Session               Session
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Service runs the OAuth authorization-code flow and opens sessions.
type Service struct {
	providers *provider.Registry
	users     UserStore
	sessions  SessionStore
	vault     *vault.Vault
	tokens    *token.Issuer
	opts      options
	logger    *slog.Logger
	security  *slog.Logger
}

// NewService creates a new auth Service.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	logger := o.logger.With("module", "auth")
	return &Service{
		providers: deps.Providers,
		users:     deps.Users,
		sessions:  deps.Sessions,
		vault:     deps.Vault,
		tokens:    deps.Tokens,
		opts:      o,
		logger:    logger,
		security:  logging.Security(o.logger),
	}, nil
}

// SupportedProviders lists the providers a login can start with.
func (s *Service) SupportedProviders() []provider.ID {
	return s.providers.List()
}

// AuthorizationURL returns the provider consent URL carrying a freshly signed
// state token.
func (s *Service) AuthorizationURL(ctx context.Context, id provider.ID) (string, error) {
	p, err := s.provider(id)
	if err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}
	signed, err := s.tokens.SignState(state)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}

	s.logger.DebugContext(ctx, "authorization url issued", "action", "authorize", "provider", id.String())
	return p.AuthorizationURL(signed), nil
}

// HandleCallback completes a login: it validates the redirect, exchanges the
// code, fetches the profile, upserts the user and opens a session.
func (s *Service) HandleCallback(ctx context.Context, params CallbackParams) (result *LoginResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "auth.HandleCallback",
		trace.WithAttributes(attribute.String("provider", params.Provider.String())))
	defer func() {
		endSpan(span, err)
		telemetry.RecordLogin(ctx, params.Provider.String(), loginFailureReason(err))
	}()

	p, err := s.provider(params.Provider)
	if err != nil {
		return nil, err
	}

	if params.Error != "" {
		reason := params.ErrorDescription
		if reason == "" {
			reason = params.Error
		}
		s.logger.InfoContext(ctx, "authorization denied", "action", "callback", "provider", p.ID().String(), "reason", reason)
		return nil, &AuthorizationDeniedError{Reason: reason}
	}
	if params.Code == "" {
		return nil, &MissingParameterError{Name: "code"}
	}
	if params.State == "" {
		return nil, &MissingParameterError{Name: "state"}
	}

	if _, err := s.tokens.VerifyState(params.State); err != nil {
		s.security.WarnContext(ctx, "oauth state rejected",
			"action", "callback",
			"provider", p.ID().String(),
			"reason", err.Error(),
			"ip", params.IPAddress,
		)
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	tokens, err := p.ExchangeCodeForToken(ctx, params.Code)
	if err != nil {
		return nil, asExchangeError(p.ID(), err)
	}
	if tokens.RefreshToken == "" {
		return nil, ErrRefreshTokenRequired
	}

	info, err := p.GetUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, asProfileError(p.ID(), err)
	}
	if tokens.Subject != "" && tokens.Subject != info.ID {
		return nil, &provider.ProfileError{Provider: p.ID(), Reason: "id_token subject does not match profile"}
	}

	email := strings.ToLower(strings.TrimSpace(info.Email))
	if s.opts.allowlist != nil && !s.opts.allowlist.Allows(email) {
		s.security.WarnContext(ctx, "account not on allowlist", "action", "callback", "provider", p.ID().String())
		return nil, ErrAccountNotAllowed
	}

	now := s.opts.now().UTC()
	firstName, lastName := deriveNames(info)
	user, err := s.upsertUser(ctx, User{
		Email:             email,
		FirstName:         firstName,
		LastName:          lastName,
		Avatar:            info.Picture,
		ExternalAccountID: info.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}
	if user.DeletedAt != nil {
		s.security.WarnContext(ctx, "disabled account attempted login", "action", "callback", "user_id", user.ID.String())
		return nil, ErrAccountDisabled
	}

	session, err := s.openSession(ctx, p, user, tokens, params, now)
	if err != nil {
		return nil, err
	}

	result, err = s.mintLogin(user, session)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "login succeeded",
		"audit", true,
		"action", "login",
		"provider", p.ID().String(),
		"user_id", user.ID.String(),
		"session_id", session.ID.String(),
	)
	return result, nil
}

func (s *Service) provider(id provider.ID) (provider.Provider, error) {
	p, err := s.providers.Get(id)
	if errors.Is(err, provider.ErrNotRegistered) {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnsupported, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) upsertUser(ctx context.Context, user User) (User, error) {
	storeCtx, cancel := s.opts.storeContext(ctx)
	defer cancel()

	saved, err := s.users.UpsertByExternalAccountID(storeCtx, user)
	if err != nil {
		return User{}, storeError("upsert user", err)
	}
	return saved, nil
}

func (s *Service) openSession(ctx context.Context, p provider.Provider, user User, tokens provider.TokenResponse, params CallbackParams, now time.Time) (Session, error) {
	access, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return Session{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.vault.Encrypt(tokens.RefreshToken)
	if err != nil {
		return Session{}, fmt.Errorf("encrypt refresh token: %w", err)
	}

	scope := tokens.Scope
	if scope == "" {
		scope = provider.ScopeString(p)
	}

	storeCtx, cancel := s.opts.storeContext(ctx)
	defer cancel()

	session, err := s.sessions.CreateSession(storeCtx, Session{
		UserID:                user.ID,
		Provider:              p.ID(),
		Status:                StatusActive,
		AccessToken:           access,
		AccessTokenExpiresAt:  now.Add(accessTokenLifetime(tokens.ExpiresIn)),
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: now.Add(SessionTTL),
		Scope:                 scope,
		ExternalAccountID:     user.ExternalAccountID,
		Metadata:              sessionMetadata(params),
		LastAccessedAt:        now,
		CreatedAt:             now,
		UpdatedAt:             now,
		ExpiresAt:             now.Add(SessionTTL),
	})
	if err != nil {
		return Session{}, storeError("create session", err)
	}
	return session, nil
}

func (s *Service) mintLogin(user User, session Session) (*LoginResult, error) {
	access, accessExp, err := s.tokens.SignAccess(user.ID.String(), session.ID.String())
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.SignRefresh(user.ID.String(), session.ID.String())
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &LoginResult{
		User:                  user,
		Session:               session,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

func sessionMetadata(params CallbackParams) map[string]string {
	metadata := map[string]string{}
	if params.UserAgent != "" {
		metadata["user_agent"] = truncateString(params.UserAgent, 512)
	}
	if params.IPAddress != "" {
		metadata["ip"] = truncateString(params.IPAddress, 45)
	}
	return metadata
}

func accessTokenLifetime(expiresIn int64) time.Duration {
	if expiresIn <= 0 {
		return defaultAccessTokenLifetime
	}
	return time.Duration(expiresIn) * time.Second
}

func randomState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func asExchangeError(id provider.ID, err error) error {
	if errors.Is(err, provider.ErrExchangeFailed) {
		return err
	}
	return &provider.ExchangeError{Provider: id, Reason: err.Error(), Err: err}
}

func asProfileError(id provider.ID, err error) error {
	if errors.Is(err, provider.ErrProfileFetchFailed) {
		return err
	}
	return &provider.ProfileError{Provider: id, Reason: err.Error(), Err: err}
}

func loginFailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderUnsupported):
		return "unsupported_provider"
	case errors.Is(err, ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, ErrMissingParameter):
		return "missing_parameter"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrExchangeFailed):
		return "exchange_failed"
	case errors.Is(err, ErrRefreshTokenRequired):
		return "refresh_token_required"
	case errors.Is(err, ErrProfileFetchFailed):
		return "profile_failed"
	case errors.Is(err, ErrAccountNotAllowed):
		return "not_allowed"
	case errors.Is(err, ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, ErrStore):
		return "store"
	default:
		return "internal"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func parseUUID(value string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
