package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/common-nighthawk/go-figure"

	"passage/internal/auth"
	"passage/internal/config"
	transporthttp "passage/internal/http"
	"passage/internal/platform/database"
	"passage/internal/platform/logging"
	"passage/internal/platform/migrate"
	"passage/internal/platform/telemetry"
	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the HTTP API. Configuration is read from the environment.
type ServeCmd struct {
	NoBanner bool `help:"Skip the startup banner." env:"PASSAGE_NO_BANNER"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	if !c.NoBanner {
		figure.NewFigure("passage", "", true).Print()
		fmt.Println()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting passage", "version", globals.Version, "environment", cfg.Environment, "store", cfg.DataStore)

	if cfg.OTelEnabled {
		shutdown, err := telemetry.Init(ctx, cfg.ServiceName, globals.Version, logger)
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown telemetry", "error", err)
				}
			}()
		}
	}

	repo, cleanup, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("initialize vault: %w", err)
	}
	issuer, err := token.NewIssuer([]byte(cfg.JWTSecret))
	if err != nil {
		return fmt.Errorf("initialize token issuer: %w", err)
	}

	deps := auth.Deps{Providers: registry, Users: repo, Sessions: repo, Vault: v, Tokens: issuer}
	opts := []auth.Option{
		auth.WithLogger(logger),
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithAllowlist(provider.NewAllowlist(cfg.AllowedDomains, cfg.AllowedEmails)),
	}
	svc, err := auth.NewService(deps, opts...)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(deps, opts...)
	if err != nil {
		return err
	}

	srv := configureHTTPServer(cfg.HTTPAddress(), transporthttp.NewRouter(cfg, svc, tokens, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("passage API listening", "addr", srv.Addr, "providers", svc.SupportedProviders())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func buildRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.Repository, func(), error) {
	if cfg.UseInMemoryStore() {
		logger.Warn("using in-memory repository; sessions are lost on restart")
		return auth.NewInMemoryRepository(), nil, nil
	}

	switch cfg.DataStore {
	case config.StorePostgres:
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Apply(ctx, db, migrate.Postgres, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("connected to postgres")
		return auth.NewSQLRepository(db), func() { _ = db.Close() }, nil
	case config.StoreSQLite:
		db, err := database.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Apply(ctx, db, migrate.SQLite, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("opened sqlite database", "path", cfg.SQLitePath)
		return auth.NewSQLRepository(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported data store %q", cfg.DataStore)
	}
}

func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	defer registry.Freeze()

	if !cfg.GoogleConfigured() {
		logger.Warn("google oauth is not configured; no login providers are available")
		return registry, nil
	}

	client := &http.Client{Timeout: cfg.ProviderTimeout}
	verifier := provider.NewGoogleVerifier(ctx, cfg.GoogleClientID, client)
	factory := func() (provider.Provider, error) {
		google, err := provider.NewGoogle(provider.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   client,
			Verifier:     verifier,
		})
		if err != nil {
			return nil, err
		}
		return google, nil
	}
	if _, err := factory(); err != nil {
		return nil, fmt.Errorf("configure google provider: %w", err)
	}
	if err := registry.Register(provider.Google, factory); err != nil {
		return nil, fmt.Errorf("register google provider: %w", err)
	}
	return registry, nil
}
