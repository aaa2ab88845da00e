package http

import (
	"log/slog"
	"net/http"
	"time"

	"filippo.io/csrf"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"passage/internal/auth"
	"passage/internal/config"
)

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, svc *auth.Service, tokens *auth.TokenService, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(newSlogMiddleware(logger))
	r.Use(rejectCrossOrigin(newCrossOriginProtection(cfg.AllowedOrigins, logger)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})

	oauth := NewOAuthHandler(svc, tokens, cfg.Environment, logger)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Route("/oauth", func(r chi.Router) {
			r.Post("/refresh", oauth.Refresh)
			r.Get("/{provider}", oauth.Authorize)
			r.Get("/{provider}/callback", oauth.Callback)
		})

		r.Group(func(r chi.Router) {
			r.Use(newAuthMiddleware(tokens, logger))
			r.Post("/logout", oauth.Logout)
			r.Get("/me", oauth.Me)
		})
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	if cfg.OTelEnabled {
		return otelhttp.NewHandler(r, cfg.ServiceName)
	}
	return r
}

// newCrossOriginProtection rejects unsafe cross-origin browser requests
// unless they come from one of the configured origins.
func newCrossOriginProtection(origins []string, logger *slog.Logger) *csrf.Protection {
	protection := csrf.New()
	for _, origin := range origins {
		if origin == "*" {
			continue
		}
		if err := protection.AddTrustedOrigin(origin); err != nil {
			logger.Warn("ignoring invalid trusted origin", "origin", origin, "error", err)
		}
	}
	return protection
}

// rejectCrossOrigin answers requests that fail the protection check with a
// JSON 403.
func rejectCrossOrigin(protection *csrf.Protection) func(http.Handler) http.Handler {
	deny := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusForbidden, "cross-origin request rejected")
	})
	return func(next http.Handler) http.Handler {
		return protection.HandlerWithFailHandler(next, deny)
	}
}
