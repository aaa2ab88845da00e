package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository stores users and sessions in process memory, for local
// development and tests. It enforces the same unique constraints as the SQL
// schema.
type InMemoryRepository struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]User
	sessions map[uuid.UUID]Session
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		users:    make(map[uuid.UUID]User),
		sessions: make(map[uuid.UUID]Session),
	}
}

// UpsertByExternalAccountID inserts or updates a user keyed by provider account.
func (r *InMemoryRepository) UpsertByExternalAccountID(_ context.Context, user User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *User
	for id, u := range r.users {
		if u.ExternalAccountID == user.ExternalAccountID {
			found := r.users[id]
			existing = &found
			break
		}
	}

	for _, u := range r.users {
		if u.Email == user.Email && (existing == nil || u.ID != existing.ID) {
			return User{}, ErrConflict
		}
	}

	if existing == nil {
		if user.ID == uuid.Nil {
			user.ID = uuid.New()
		}
		user.DeletedAt = nil
		r.users[user.ID] = user
		return user, nil
	}

	existing.Email = user.Email
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	existing.Avatar = user.Avatar
	existing.UpdatedAt = user.UpdatedAt
	r.users[existing.ID] = *existing
	return *existing, nil
}

// FindByEmail returns the user with email, or nil.
func (r *InMemoryRepository) FindByEmail(_ context.Context, email string, opts FindOptions) (*User, error) {
	return r.findUser(func(u User) bool { return u.Email == email }, opts), nil
}

// FindByExternalAccountID returns the user linked to a provider account, or nil.
func (r *InMemoryRepository) FindByExternalAccountID(_ context.Context, externalAccountID string, opts FindOptions) (*User, error) {
	return r.findUser(func(u User) bool { return u.ExternalAccountID == externalAccountID }, opts), nil
}

// FindByID returns the user with id, or nil.
func (r *InMemoryRepository) FindByID(_ context.Context, id uuid.UUID, opts FindOptions) (*User, error) {
	return r.findUser(func(u User) bool { return u.ID == id }, opts), nil
}

func (r *InMemoryRepository) findUser(match func(User) bool, opts FindOptions) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if !match(u) {
			continue
		}
		if u.DeletedAt != nil && !opts.IncludeDeleted {
			return nil
		}
		found := u
		return &found
	}
	return nil
}

// SoftDeleteUser stamps DeletedAt on a user.
func (r *InMemoryRepository) SoftDeleteUser(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.DeletedAt = &at
	r.users[id] = u
	return nil
}

// CreateSession stores a new session.
func (r *InMemoryRepository) CreateSession(_ context.Context, session Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.RefreshToken.Data == session.RefreshToken.Data {
			return Session{}, ErrConflict
		}
	}

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.Version = 1
	session.Metadata = copyMetadata(session.Metadata)
	r.sessions[session.ID] = session
	return cloneSession(session), nil
}

// FindSessionByID returns the session with id, or nil.
func (r *InMemoryRepository) FindSessionByID(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	found := cloneSession(s)
	return &found, nil
}

// UpdateSessionByID applies a patch to a stored session.
func (r *InMemoryRepository) UpdateSessionByID(_ context.Context, id uuid.UUID, patch SessionPatch) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != s.Version {
		return nil, ErrVersionConflict
	}
	if patch.RefreshToken != nil {
		for otherID, other := range r.sessions {
			if otherID != id && other.RefreshToken.Data == patch.RefreshToken.Data {
				return nil, ErrConflict
			}
		}
	}

	applyPatch(&s, patch)
	r.sessions[id] = s
	updated := cloneSession(s)
	return &updated, nil
}

func applyPatch(s *Session, patch SessionPatch) {
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.AccessToken != nil {
		s.AccessToken = *patch.AccessToken
	}
	if patch.AccessTokenExpiresAt != nil {
		s.AccessTokenExpiresAt = *patch.AccessTokenExpiresAt
	}
	if patch.RefreshToken != nil {
		s.RefreshToken = *patch.RefreshToken
	}
	if patch.RefreshTokenExpiresAt != nil {
		s.RefreshTokenExpiresAt = *patch.RefreshTokenExpiresAt
	}
	if patch.Scope != nil {
		s.Scope = *patch.Scope
	}
	if patch.LastAccessedAt != nil {
		s.LastAccessedAt = *patch.LastAccessedAt
	}
	if patch.RevokedAt != nil {
		revokedAt := *patch.RevokedAt
		s.RevokedAt = &revokedAt
	}
	s.UpdatedAt = patch.UpdatedAt
	if patch.bumpsVersion() {
		s.Version++
	}
}

func cloneSession(s Session) Session {
	s.Metadata = copyMetadata(s.Metadata)
	return s
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
