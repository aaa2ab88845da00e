package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"passage/internal/vault"
)

var (
	// ErrConflict is returned by stores when a unique constraint rejects a write.
	ErrConflict = errors.New("auth: unique constraint violated")
	// ErrVersionConflict is returned when SessionPatch.ExpectedVersion no
	// longer matches the stored session.
	ErrVersionConflict = errors.New("auth: session version conflict")
)

// FindOptions tunes user lookups.
type FindOptions struct {
	IncludeDeleted bool
}

// UserStore persists users.
type UserStore interface {
	// UpsertByExternalAccountID inserts the user or updates the existing
	// record with the same ExternalAccountID in a single atomic operation.
	UpsertByExternalAccountID(ctx context.Context, user User) (User, error)
	FindByEmail(ctx context.Context, email string, opts FindOptions) (*User, error)
	FindByExternalAccountID(ctx context.Context, externalAccountID string, opts FindOptions) (*User, error)
	FindByID(ctx context.Context, id uuid.UUID, opts FindOptions) (*User, error)
}

// SessionPatch describes a partial session update. Nil fields are left
// untouched. Encrypted tokens are replaced as whole triples.
type SessionPatch struct {
	Status                *Status
	AccessToken           *vault.Sealed
	AccessTokenExpiresAt  *time.Time
	RefreshToken          *vault.Sealed
	RefreshTokenExpiresAt *time.Time
	Scope                 *string
	LastAccessedAt        *time.Time
	RevokedAt             *time.Time
	UpdatedAt             time.Time
	// ExpectedVersion, when non-zero, makes the update conditional on the
	// stored version.
	ExpectedVersion int64
}

func (p SessionPatch) bumpsVersion() bool {
	return p.Status != nil || p.AccessToken != nil || p.RefreshToken != nil
}

// SessionStore persists sessions.
type SessionStore interface {
	// CreateSession stores a new session and returns it with its assigned ID.
	CreateSession(ctx context.Context, session Session) (Session, error)
	FindSessionByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// UpdateSessionByID applies patch and returns the updated session, or nil
	// when no session has that ID.
	UpdateSessionByID(ctx context.Context, id uuid.UUID, patch SessionPatch) (*Session, error)
}

// Repository is implemented by backends that store both users and sessions.
type Repository interface {
	UserStore
	SessionStore
}
