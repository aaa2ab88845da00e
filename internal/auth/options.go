package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"passage/internal/provider"
	"passage/internal/token"
	"passage/internal/vault"
)

const defaultStoreTimeout = 5 * time.Second

// Deps are the collaborators shared by Service and TokenService.
type Deps struct {
	Providers *provider.Registry
	Users     UserStore
	Sessions  SessionStore
	Vault     *vault.Vault
	Tokens    *token.Issuer
}

func (d Deps) validate() error {
	switch {
	case d.Providers == nil:
		return errors.New("auth: provider registry is required")
	case d.Users == nil:
		return errors.New("auth: user store is required")
	case d.Sessions == nil:
		return errors.New("auth: session store is required")
	case d.Vault == nil:
		return errors.New("auth: vault is required")
	case d.Tokens == nil:
		return errors.New("auth: token issuer is required")
	}
	return nil
}

// Option tunes Service and TokenService.
type Option func(*options)

type options struct {
	now          func() time.Time
	logger       *slog.Logger
	allowlist    *provider.Allowlist
	storeTimeout time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		now:          time.Now,
		logger:       slog.Default(),
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAllowlist restricts which accounts may sign in.
func WithAllowlist(list *provider.Allowlist) Option {
	return func(o *options) {
		o.allowlist = list
	}
}

// WithStoreTimeout bounds every user and session store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

func (o options) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.storeTimeout)
}
