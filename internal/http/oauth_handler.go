package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"passage/internal/auth"
	"passage/internal/provider"
	"passage/internal/token"
)

const (
	accessTokenCookieName  = "accessToken"
	refreshTokenCookieName = "refreshToken"
)

type loginPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
}

type sessionResponse struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Status         string    `json:"status"`
	Scope          string    `json:"scope"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// OAuthHandler serves the login, refresh and logout endpoints.
type OAuthHandler struct {
	service      *auth.Service
	tokens       *auth.TokenService
	logger       *slog.Logger
	secureCookie bool
}

// NewOAuthHandler creates a new OAuthHandler.
func NewOAuthHandler(service *auth.Service, tokens *auth.TokenService, env string, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		service:      service,
		tokens:       tokens,
		logger:       logger,
		secureCookie: !strings.EqualFold(env, "development"),
	}
}

// Authorize handles GET /v1/auth/oauth/{provider} and returns the provider
// consent link.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	id := provider.ParseID(chi.URLParam(r, "provider"))
	link, err := h.service.AuthorizationURL(r.Context(), id)
	if err != nil {
		writeAuthError(w, h.logger, err, h.service.SupportedProviders())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"link": link})
}

// Callback handles GET /v1/auth/oauth/{provider}/callback.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := h.service.HandleCallback(r.Context(), auth.CallbackParams{
		Provider:         provider.ParseID(chi.URLParam(r, "provider")),
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
		UserAgent:        r.UserAgent(),
		IPAddress:        clientIPFromRequest(r),
	})
	if err != nil {
		writeAuthError(w, h.logger, err, h.service.SupportedProviders())
		return
	}

	h.setCookie(w, accessTokenCookieName, result.AccessToken, token.AccessTTL)
	h.setCookie(w, refreshTokenCookieName, result.RefreshToken, token.RefreshTTL)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "login successful",
		"payload": loginPayload{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
		},
	})
}

// Refresh handles POST /v1/auth/oauth/refresh using the refresh token cookie.
func (h *OAuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	result, err := h.tokens.RefreshFromToken(r.Context(), cookie.Value)
	if err != nil {
		writeAuthError(w, h.logger, err, nil)
		return
	}

	h.setCookie(w, accessTokenCookieName, result.AccessToken, token.AccessTTL)
	response := map[string]any{
		"message":     "access token refreshed",
		"accessToken": result.AccessToken,
	}
	if result.RefreshToken != "" {
		h.setCookie(w, refreshTokenCookieName, result.RefreshToken, token.RefreshTTL)
		response["refreshToken"] = result.RefreshToken
	}
	writeJSON(w, http.StatusOK, response)
}

// Logout handles POST /v1/auth/logout. It revokes the caller's session and
// clears both token cookies.
func (h *OAuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		unauthorized(w)
		return
	}

	if err := h.tokens.Revoke(r.Context(), session.ID); err != nil {
		writeAuthError(w, h.logger, err, nil)
		return
	}

	h.clearCookie(w, accessTokenCookieName)
	h.clearCookie(w, refreshTokenCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /v1/auth/me.
func (h *OAuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	session := SessionFromContext(r.Context())
	if user == nil || session == nil {
		unauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user": userResponse{
			ID:        user.ID.String(),
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Avatar:    user.Avatar,
		},
		"session": sessionResponse{
			ID:             session.ID.String(),
			Provider:       session.Provider.String(),
			Status:         string(session.Status),
			Scope:          session.Scope,
			CreatedAt:      session.CreatedAt,
			LastAccessedAt: session.LastAccessedAt,
			ExpiresAt:      session.ExpiresAt,
		},
	})
}

func (h *OAuthHandler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (h *OAuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
