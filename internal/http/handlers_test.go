package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"passage/internal/auth"
	"passage/internal/platform/logging"
	"passage/internal/provider"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:12345":   "192.0.2.1",
		"192.0.2.1":         "192.0.2.1",
		"[2001:db8::1]:443": "2001:db8::1",
	}

	for remote, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote

		if got := clientIPFromRequest(req); got != want {
			t.Fatalf("RemoteAddr %q: expected %s, got %s", remote, want, got)
		}
	}
}

func TestWriteAuthErrorStatuses(t *testing.T) {
	sessionID := uuid.New()
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: %q", auth.ErrProviderUnsupported, "x"), http.StatusBadRequest},
		{&auth.AuthorizationDeniedError{Reason: "access_denied"}, http.StatusBadRequest},
		{&auth.MissingParameterError{Name: "code"}, http.StatusBadRequest},
		{fmt.Errorf("%w: %w", auth.ErrInvalidState, auth.ErrTokenExpired), http.StatusBadRequest},
		{auth.ErrAccountNotAllowed, http.StatusForbidden},
		{auth.ErrAccountDisabled, http.StatusForbidden},
		{auth.ErrInvalidSignature, http.StatusForbidden},
		{auth.ErrTokenExpired, http.StatusForbidden},
		{auth.ErrMalformedClaims, http.StatusForbidden},
		{&provider.ExchangeError{Provider: provider.Google, Reason: "boom"}, http.StatusBadGateway},
		{&provider.ProfileError{Provider: provider.Google, Reason: "boom"}, http.StatusBadGateway},
		{auth.ErrRefreshTokenRequired, http.StatusBadGateway},
		{&auth.UpstreamRefreshError{SessionID: sessionID, Err: &provider.ExchangeError{Provider: provider.Google, Reason: "invalid_grant"}}, http.StatusBadGateway},
		{auth.ErrSessionNotFound, http.StatusNotFound},
		{auth.ErrSessionNotActive, http.StatusUnauthorized},
		{auth.ErrRefreshTokenExpired, http.StatusUnauthorized},
		{auth.ErrSessionConflict, http.StatusConflict},
		{&auth.StoreError{Op: "create session", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{errors.New("surprise"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()

			writeAuthError(rec, logging.Discard(), tt.err, nil)

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}
			if got := rec.Header().Get("Content-Type"); got != "application/json" {
				t.Fatalf("expected json content type, got %q", got)
			}
		})
	}
}

func TestWriteAuthErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()

	writeAuthError(rec, logging.Discard(), errors.New("pq: password authentication failed"), nil)

	var body map[string]string
	decodeBody(t, rec, &body)
	if body["message"] != "unexpected error" {
		t.Fatalf("expected generic message, got %q", body["message"])
	}
}
