package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"passage/internal/platform/telemetry"
	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

// RenewalBuffer is how far ahead of expiry a provider access token is
// treated as expired.
const RenewalBuffer = 5 * time.Minute

// RefreshResult carries the application tokens minted by a refresh.
// RefreshToken is empty unless the provider rotated its refresh token.
type RefreshResult struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt *time.Time
}

type refreshOutcome struct {
	result        RefreshResult
	providerToken string
}

// TokenService keeps provider credentials fresh and validates application
// tokens against their sessions.
type TokenService struct {
	providers *provider.Registry
	users     UserStore
	sessions  SessionStore
	vault     *vault.Vault
	tokens    *token.Issuer
	opts      options
	logger    *slog.Logger
	inflight  singleflight.Group
}

// NewTokenService creates a new TokenService.
func NewTokenService(deps Deps, opts ...Option) (*TokenService, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return &TokenService{
		providers: deps.Providers,
		users:     deps.Users,
		sessions:  deps.Sessions,
		vault:     deps.Vault,
		tokens:    deps.Tokens,
		opts:      o,
		logger:    o.logger.With("module", "token"),
	}, nil
}

// IsAccessTokenExpired reports whether the provider access token expires
// within RenewalBuffer.
func (t *TokenService) IsAccessTokenExpired(session Session) bool {
	return !session.AccessTokenExpiresAt.After(t.opts.now().Add(RenewalBuffer))
}

// IsRefreshTokenExpired reports whether the provider refresh token has passed
// its expiry.
func (t *TokenService) IsRefreshTokenExpired(session Session) bool {
	return !session.RefreshTokenExpiresAt.After(t.opts.now())
}

// GetValidAccessToken returns a usable provider access token for the session,
// refreshing it first when it is about to expire.
func (t *TokenService) GetValidAccessToken(ctx context.Context, sessionID uuid.UUID) (string, error) {
	session, err := t.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != StatusActive {
		return "", ErrSessionNotActive
	}

	if !t.IsAccessTokenExpired(*session) {
		plain, err := t.vault.Open(session.AccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return plain, nil
	}

	outcome, err := t.refreshShared(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return outcome.providerToken, nil
}

// RefreshAccessToken refreshes the provider grant behind a session and mints
// a new application access token. Concurrent calls for one session share a
// single upstream refresh, which runs to completion even if the caller goes
// away.
func (t *TokenService) RefreshAccessToken(ctx context.Context, sessionID uuid.UUID) (*RefreshResult, error) {
	outcome, err := t.refreshShared(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := outcome.result
	return &result, nil
}

// RefreshFromToken verifies an application refresh JWT and refreshes the
// session it names.
func (t *TokenService) RefreshFromToken(ctx context.Context, raw string) (*RefreshResult, error) {
	claims, err := t.tokens.VerifyRefresh(raw)
	if err != nil {
		return nil, err
	}
	sessionID, ok := parseUUID(claims.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session id", ErrInvalidSignature)
	}
	return t.RefreshAccessToken(ctx, sessionID)
}

func (t *TokenService) refreshShared(ctx context.Context, sessionID uuid.UUID) (*refreshOutcome, error) {
	detached := context.WithoutCancel(ctx)
	v, err, _ := t.inflight.Do(sessionID.String(), func() (any, error) {
		return t.refresh(detached, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*refreshOutcome), nil
}

func (t *TokenService) refresh(ctx context.Context, sessionID uuid.UUID) (outcome *refreshOutcome, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "auth.RefreshAccessToken",
		trace.WithAttributes(attribute.String("session_id", sessionID.String())))
	defer func() { endSpan(span, err) }()

	session, err := t.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, ErrSessionNotActive
	}
	if t.IsRefreshTokenExpired(*session) {
		return nil, t.expire(ctx, session, "refresh_token_expired", ErrRefreshTokenExpired)
	}

	started := t.opts.now()
	outcome, err = t.rotate(ctx, session)
	telemetry.RecordRefresh(ctx, session.Provider.String(), err == nil, float64(t.opts.now().Sub(started).Milliseconds()))
	if err == nil {
		t.logger.InfoContext(ctx, "session refreshed",
			"audit", true,
			"action", "refresh",
			"provider", session.Provider.String(),
			"session_id", session.ID.String(),
			"rotated", outcome.result.RefreshToken != "",
		)
		return outcome, nil
	}

	if errors.Is(err, ErrSessionConflict) || errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	t.logger.WarnContext(ctx, "refresh failed, revoking session",
		"action", "refresh",
		"provider", session.Provider.String(),
		"session_id", session.ID.String(),
		"error", err,
	)
	if revokeErr := t.transition(ctx, session, StatusRevoked, "refresh_failure"); errors.Is(revokeErr, ErrSessionConflict) {
		return nil, revokeErr
	}
	return nil, &UpstreamRefreshError{SessionID: session.ID, Err: err}
}

func (t *TokenService) rotate(ctx context.Context, session *Session) (*refreshOutcome, error) {
	currentRefresh, err := t.vault.Open(session.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	p, err := t.providers.Get(session.Provider)
	if err != nil {
		if errors.Is(err, provider.ErrNotRegistered) {
			return nil, fmt.Errorf("%w: %w", ErrProviderUnsupported, err)
		}
		return nil, err
	}

	issued, err := p.RefreshAccessToken(ctx, currentRefresh)
	if err != nil {
		return nil, asExchangeError(p.ID(), err)
	}

	access, err := t.vault.Encrypt(issued.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	now := t.opts.now().UTC()
	accessExpiresAt := now.Add(accessTokenLifetime(issued.ExpiresIn))
	patch := SessionPatch{
		AccessToken:          &access,
		AccessTokenExpiresAt: &accessExpiresAt,
		LastAccessedAt:       &now,
		UpdatedAt:            now,
		ExpectedVersion:      session.Version,
	}

	rotated := issued.RefreshToken != "" && issued.RefreshToken != currentRefresh
	if rotated {
		refresh, err := t.vault.Encrypt(issued.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshExpiresAt := now.Add(SessionTTL)
		patch.RefreshToken = &refresh
		patch.RefreshTokenExpiresAt = &refreshExpiresAt
	}
	if issued.Scope != "" {
		patch.Scope = &issued.Scope
	}

	updated, err := t.updateSession(ctx, session.ID, patch)
	if err != nil {
		return nil, err
	}

	userID, sessionID := updated.UserID.String(), updated.ID.String()
	appAccess, appAccessExp, err := t.tokens.SignAccess(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	outcome := &refreshOutcome{
		providerToken: issued.AccessToken,
		result: RefreshResult{
			AccessToken:          appAccess,
			AccessTokenExpiresAt: appAccessExp,
		},
	}
	if rotated {
		appRefresh, appRefreshExp, err := t.tokens.SignRefresh(userID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("sign refresh token: %w", err)
		}
		outcome.result.RefreshToken = appRefresh
		outcome.result.RefreshTokenExpiresAt = &appRefreshExp
	}
	return outcome, nil
}

// Revoke ends a session. Sessions that are already revoked or expired are
// left unchanged.
func (t *TokenService) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	session, err := t.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != StatusActive {
		return nil
	}
	return t.transition(ctx, session, StatusRevoked, "logout")
}

// Authenticate resolves an application access JWT to its user and active
// session, recording the access.
func (t *TokenService) Authenticate(ctx context.Context, raw string) (*User, *Session, error) {
	claims, err := t.tokens.VerifyAccess(raw)
	if err != nil {
		return nil, nil, err
	}
	userID, okUser := parseUUID(claims.UserID)
	sessionID, okSession := parseUUID(claims.SessionID)
	if !okUser || !okSession {
		return nil, nil, fmt.Errorf("%w: subject", ErrInvalidSignature)
	}

	session, err := t.loadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.UserID != userID {
		return nil, nil, ErrSessionNotFound
	}
	if session.Status != StatusActive {
		return nil, nil, ErrSessionNotActive
	}
	now := t.opts.now().UTC()
	if !session.ExpiresAt.After(now) {
		return nil, nil, t.expire(ctx, session, "session_expired", ErrSessionNotActive)
	}

	storeCtx, cancel := t.opts.storeContext(ctx)
	user, err := t.users.FindByID(storeCtx, userID, FindOptions{})
	cancel()
	if err != nil {
		return nil, nil, storeError("find user", err)
	}
	if user == nil {
		return nil, nil, ErrUserNotFound
	}

	if updated, err := t.updateSession(ctx, session.ID, SessionPatch{LastAccessedAt: &now, UpdatedAt: now}); err != nil {
		t.logger.WarnContext(ctx, "record session access", "session_id", session.ID.String(), "error", err)
	} else {
		session = updated
	}
	return user, session, nil
}

func (t *TokenService) loadSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	storeCtx, cancel := t.opts.storeContext(ctx)
	defer cancel()

	session, err := t.sessions.FindSessionByID(storeCtx, id)
	if err != nil {
		return nil, storeError("find session", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (t *TokenService) updateSession(ctx context.Context, id uuid.UUID, patch SessionPatch) (*Session, error) {
	storeCtx, cancel := t.opts.storeContext(ctx)
	defer cancel()

	updated, err := t.sessions.UpdateSessionByID(storeCtx, id, patch)
	if errors.Is(err, ErrVersionConflict) {
		return nil, ErrSessionConflict
	}
	if err != nil {
		return nil, storeError("update session", err)
	}
	if updated == nil {
		return nil, ErrSessionNotFound
	}
	return updated, nil
}

// expire marks a session expired and returns cause. A failed write is joined
// onto cause unless another writer already moved the session.
func (t *TokenService) expire(ctx context.Context, session *Session, reason string, cause error) error {
	if err := t.transition(ctx, session, StatusExpired, reason); err != nil && !errors.Is(err, ErrSessionConflict) {
		return errors.Join(cause, err)
	}
	return cause
}

// transition moves an active session to a terminal status. The write is
// conditional on the version that was read.
func (t *TokenService) transition(ctx context.Context, session *Session, status Status, cause string) error {
	now := t.opts.now().UTC()
	patch := SessionPatch{
		Status:          &status,
		UpdatedAt:       now,
		ExpectedVersion: session.Version,
	}
	if status == StatusRevoked {
		patch.RevokedAt = &now
	}

	if _, err := t.updateSession(ctx, session.ID, patch); err != nil {
		t.logger.ErrorContext(ctx, "session transition failed",
			"action", string(status),
			"session_id", session.ID.String(),
			"error", err,
		)
		return err
	}

	switch status {
	case StatusRevoked:
		telemetry.RecordRevoked(ctx, session.Provider.String(), cause)
	case StatusExpired:
		telemetry.RecordExpired(ctx, session.Provider.String())
	}
	t.logger.InfoContext(ctx, "session ended",
		"audit", true,
		"action", string(status),
		"cause", cause,
		"provider", session.Provider.String(),
		"session_id", session.ID.String(),
	)
	return nil
}
