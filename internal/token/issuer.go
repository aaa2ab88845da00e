// Package token signs and verifies the application's HS256 JWTs: CSRF state
// tokens and session-bound access and refresh tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Policy lifetimes for the three token uses.
const (
	StateTTL   = 10 * time.Minute
	AccessTTL  = time.Hour
	RefreshTTL = 90 * 24 * time.Hour
)

const minSecretLength = 32

var (
	// ErrInvalidSignature covers bad signatures, unexpected algorithms and
	// malformed tokens.
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrTokenExpired reports a well-signed token past its expiry.
	ErrTokenExpired = errors.New("token: expired")
	// ErrMalformedClaims reports a verified token missing required claims.
	ErrMalformedClaims = errors.New("token: malformed claims")
	// ErrWeakSecret reports a signing secret shorter than 32 bytes.
	ErrWeakSecret = errors.New("token: secret must be at least 32 bytes")
)

// StateClaims carry the random CSRF value round-tripped through the provider.
type StateClaims struct {
	State string `json:"state"`
	jwt.RegisteredClaims
}

// Use distinguishes access tokens from refresh tokens.
type Use string

const (
	UseAccess  Use = "access"
	UseRefresh Use = "refresh"
)

// SessionClaims bind an application token to a user and session.
type SessionClaims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Use       Use    `json:"typ"`
	jwt.RegisteredClaims
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithNow overrides the clock used for issuing and validating tokens.
func WithNow(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// Issuer signs and verifies tokens with a single shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer for the given secret.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	i := &Issuer{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// SignState mints a state token valid for StateTTL.
func (i *Issuer) SignState(state string) (string, error) {
	now := i.now()
	claims := StateClaims{
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(StateTTL)),
		},
	}
	return i.sign(claims)
}

// VerifyState returns the state value carried by a valid state token.
func (i *Issuer) VerifyState(raw string) (string, error) {
	var claims StateClaims
	if err := i.parse(raw, &claims); err != nil {
		return "", err
	}
	if claims.State == "" {
		return "", ErrMalformedClaims
	}
	return claims.State, nil
}

// SignAccess mints an access token valid for AccessTTL.
func (i *Issuer) SignAccess(userID, sessionID string) (string, time.Time, error) {
	return i.signSession(UseAccess, userID, sessionID, AccessTTL)
}

// SignRefresh mints a refresh token valid for RefreshTTL.
func (i *Issuer) SignRefresh(userID, sessionID string) (string, time.Time, error) {
	return i.signSession(UseRefresh, userID, sessionID, RefreshTTL)
}

// VerifyAccess validates an access token and returns its claims. Refresh
// tokens are rejected with ErrInvalidSignature.
func (i *Issuer) VerifyAccess(raw string) (SessionClaims, error) {
	return i.verifySession(raw, UseAccess)
}

// VerifyRefresh validates a refresh token and returns its claims. Access
// tokens are rejected with ErrInvalidSignature.
func (i *Issuer) VerifyRefresh(raw string) (SessionClaims, error) {
	return i.verifySession(raw, UseRefresh)
}

func (i *Issuer) signSession(use Use, userID, sessionID string, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(ttl)
	claims := SessionClaims{
		UserID:    userID,
		SessionID: sessionID,
		Use:       use,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := i.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (i *Issuer) verifySession(raw string, use Use) (SessionClaims, error) {
	var claims SessionClaims
	if err := i.parse(raw, &claims); err != nil {
		return SessionClaims{}, err
	}
	if claims.Use != use {
		return SessionClaims{}, fmt.Errorf("%w: %q token used as %s token", ErrInvalidSignature, claims.Use, use)
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return SessionClaims{}, ErrMalformedClaims
	}
	return claims, nil
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims, i.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func (i *Issuer) key(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return i.secret, nil
}
