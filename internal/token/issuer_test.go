package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestIssuer(t *testing.T, clock *fakeClock) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(testSecret, WithNow(clock.Now))
	require.NoError(t, err)
	return issuer
}

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewIssuer([]byte("short"))
	require.ErrorIs(t, err, ErrWeakSecret)
}

func TestStateTokenLifetime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, clock)

	signed, err := issuer.SignState("random-state")
	require.NoError(t, err)

	clock.now = clock.now.Add(9 * time.Minute)
	state, err := issuer.VerifyState(signed)
	require.NoError(t, err)
	assert.Equal(t, "random-state", state)

	clock.now = clock.now.Add(2 * time.Minute)
	_, err = issuer.VerifyState(signed)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyStateRequiresStateClaim(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	signed, err := issuer.SignState("")
	require.NoError(t, err)

	_, err = issuer.VerifyState(signed)
	require.ErrorIs(t, err, ErrMalformedClaims)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, clock)

	signed, expiresAt, err := issuer.SignAccess("user-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(time.Hour), expiresAt)

	claims, err := issuer.VerifyAccess(signed)
	require.NoError(t, err)
	assert.Equal(t, UseAccess, claims.Use)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "session-1", claims.SessionID)

	clock.now = clock.now.Add(AccessTTL + time.Second)
	_, err = issuer.VerifyAccess(signed)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestSessionTokenUseIsEnforced(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, clock)

	access, _, err := issuer.SignAccess("user-1", "session-1")
	require.NoError(t, err)
	refresh, expiresAt, err := issuer.SignRefresh("user-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(RefreshTTL), expiresAt)

	claims, err := issuer.VerifyRefresh(refresh)
	require.NoError(t, err)
	assert.Equal(t, UseRefresh, claims.Use)

	_, err = issuer.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrInvalidSignature, "refresh token used for access")
	_, err = issuer.VerifyRefresh(access)
	assert.ErrorIs(t, err, ErrInvalidSignature, "access token used for refresh")

	untyped, err := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:    "user-1",
		SessionID: "session-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(untyped)
	assert.ErrorIs(t, err, ErrInvalidSignature, "token without a use claim")
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	claims := SessionClaims{
		UserID:    "user-1",
		SessionID: "session-1",
		Use:       UseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(hs512)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(none)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	other, err := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), WithNow(clock.Now))
	require.NoError(t, err)
	signed, _, err := other.SignAccess("user-1", "session-1")
	require.NoError(t, err)

	_, err = issuer.VerifyAccess(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = issuer.VerifyAccess("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRequiresExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{UserID: "u", SessionID: "s", Use: UseAccess}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = issuer.VerifyAccess(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
