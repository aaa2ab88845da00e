package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"passage/internal/auth"
	"passage/internal/provider"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// clientIPFromRequest reads the host part of RemoteAddr. chi's RealIP
// middleware has already applied X-Forwarded-For and X-Real-IP by then.
func clientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// writeAuthError maps auth failures to a status code and a client-safe
// message. Anything unrecognised is logged and reported as a 500.
func writeAuthError(w http.ResponseWriter, logger *slog.Logger, err error, supported []provider.ID) {
	switch {
	case errors.Is(err, auth.ErrProviderUnsupported):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message":            "unsupported provider",
			"supportedProviders": providerNames(supported),
		})
	case errors.Is(err, auth.ErrAuthorizationDenied):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrMissingParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid or expired state")
	case errors.Is(err, auth.ErrAccountNotAllowed):
		writeError(w, http.StatusForbidden, "account is not permitted to sign in")
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "account is disabled")
	case errors.Is(err, auth.ErrInvalidSignature), errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrMalformedClaims):
		writeError(w, http.StatusForbidden, "invalid or expired token")
	case errors.Is(err, auth.ErrUpstreamRefreshFailure):
		logger.Warn("upstream refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "session ended by provider, sign in again")
	case errors.Is(err, auth.ErrExchangeFailed):
		logger.Warn("provider code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to exchange authorization code")
	case errors.Is(err, auth.ErrProfileFetchFailed):
		logger.Warn("provider profile fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch user profile")
	case errors.Is(err, auth.ErrRefreshTokenRequired):
		writeError(w, http.StatusBadGateway, "provider did not issue a refresh token")
	case errors.Is(err, auth.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, auth.ErrSessionNotActive):
		writeError(w, http.StatusUnauthorized, "session is not active")
	case errors.Is(err, auth.ErrRefreshTokenExpired):
		writeError(w, http.StatusUnauthorized, "refresh token expired, sign in again")
	case errors.Is(err, auth.ErrSessionConflict):
		writeError(w, http.StatusConflict, "session was updated concurrently, retry")
	default:
		logger.Error("auth request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected error")
	}
}

func providerNames(ids []provider.ID) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.String())
	}
	return names
}
