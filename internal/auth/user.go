package auth

import (
	"time"

	"github.com/google/uuid"

	"passage/internal/provider"
	"passage/internal/vault"
)

// User represents a person identified by a provider account.
type User struct {
	ID                uuid.UUID
	Email             string
	FirstName         string
	LastName          string
	Avatar            string
	ExternalAccountID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Session binds a user to a provider grant. Provider tokens are only ever
// held encrypted.
type Session struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Provider              provider.ID
	Status                Status
	AccessToken           vault.Sealed
	AccessTokenExpiresAt  time.Time
	RefreshToken          vault.Sealed
	RefreshTokenExpiresAt time.Time
	Scope                 string
	ExternalAccountID     string
	Metadata              map[string]string
	LastAccessedAt        time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ExpiresAt             time.Time
	RevokedAt             *time.Time
	DeletedAt             *time.Time
	// Version increases whenever credentials or status change.
	Version int64
}

// Active reports whether the session may be used at now.
func (s Session) Active(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}
