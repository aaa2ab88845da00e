package auth

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"passage/internal/platform/database"
	"passage/internal/provider"
	"passage/internal/vault"
)

// SQLRepository implements Repository on postgres or sqlite through sqlx.
// Queries use '?' placeholders and are rebound for the connected driver.
type SQLRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a new SQLRepository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const userColumns = `id, email, first_name, last_name, avatar, provider_account_id, created_at, updated_at, deleted_at`

const sessionColumns = `id, user_id, provider, status,
	provider_access_token, provider_access_token_iv, provider_access_token_tag, provider_access_token_expires_at,
	provider_refresh_token, provider_refresh_token_iv, provider_refresh_token_tag, provider_refresh_token_expires_at,
	provider_scope, provider_account_id, metadata, last_accessed_at, created_at, updated_at, expires_at,
	revoked_at, deleted_at, version`

// UpsertByExternalAccountID inserts the user or updates the profile fields of
// the user already linked to the provider account.
func (r *SQLRepository) UpsertByExternalAccountID(ctx context.Context, user User) (User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	query := `
		INSERT INTO users (id, email, first_name, last_name, avatar, provider_account_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_account_id) DO UPDATE SET
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			avatar = excluded.avatar,
			updated_at = excluded.updated_at
		RETURNING ` + userColumns

	var row userRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(query),
		user.ID,
		user.Email,
		user.FirstName,
		user.LastName,
		user.Avatar,
		user.ExternalAccountID,
		sqlTime(user.CreatedAt),
		sqlTime(user.UpdatedAt),
	)
	if err != nil {
		return User{}, mapWriteError(err)
	}
	return *row.toUser(), nil
}

// FindByEmail looks up a user by email address.
func (r *SQLRepository) FindByEmail(ctx context.Context, email string, opts FindOptions) (*User, error) {
	return r.findUser(ctx, "email = ?", email, opts)
}

// FindByExternalAccountID looks up a user by provider account ID.
func (r *SQLRepository) FindByExternalAccountID(ctx context.Context, externalAccountID string, opts FindOptions) (*User, error) {
	return r.findUser(ctx, "provider_account_id = ?", externalAccountID, opts)
}

// FindByID looks up a user by ID.
func (r *SQLRepository) FindByID(ctx context.Context, id uuid.UUID, opts FindOptions) (*User, error) {
	return r.findUser(ctx, "id = ?", id, opts)
}

func (r *SQLRepository) findUser(ctx context.Context, where string, arg any, opts FindOptions) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	var row userRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toUser(), nil
}

// SoftDeleteUser stamps deleted_at on a user.
func (r *SQLRepository) SoftDeleteUser(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET deleted_at = ?, updated_at = ? WHERE id = ?`),
		sqlTime(at), sqlTime(at), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateSession inserts a new session with a store-assigned ID.
func (r *SQLRepository) CreateSession(ctx context.Context, session Session) (Session, error) {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return Session{}, err
	}

	query := `
		INSERT INTO sessions (
			id, user_id, provider, status,
			provider_access_token, provider_access_token_iv, provider_access_token_tag, provider_access_token_expires_at,
			provider_refresh_token, provider_refresh_token_iv, provider_refresh_token_tag, provider_refresh_token_expires_at,
			provider_scope, provider_account_id, metadata, last_accessed_at, created_at, updated_at, expires_at, version
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		RETURNING ` + sessionColumns

	var row sessionRow
	err = r.db.GetContext(ctx, &row, r.db.Rebind(query),
		session.ID,
		session.UserID,
		string(session.Provider),
		string(session.Status),
		session.AccessToken.Data,
		session.AccessToken.IV,
		session.AccessToken.Tag,
		sqlTime(session.AccessTokenExpiresAt),
		session.RefreshToken.Data,
		session.RefreshToken.IV,
		session.RefreshToken.Tag,
		sqlTime(session.RefreshTokenExpiresAt),
		session.Scope,
		session.ExternalAccountID,
		metadata,
		sqlTime(session.LastAccessedAt),
		sqlTime(session.CreatedAt),
		sqlTime(session.UpdatedAt),
		sqlTime(session.ExpiresAt),
	)
	if err != nil {
		return Session{}, mapWriteError(err)
	}
	return row.toSession()
}

// FindSessionByID looks up a session by ID.
func (r *SQLRepository) FindSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	var row sessionRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	session, err := row.toSession()
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSessionByID applies patch in a single UPDATE ... RETURNING statement.
func (r *SQLRepository) UpdateSessionByID(ctx context.Context, id uuid.UUID, patch SessionPatch) (*Session, error) {
	sets := []string{"updated_at = ?"}
	args := []any{sqlTime(patch.UpdatedAt)}
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.AccessToken != nil {
		set("provider_access_token", patch.AccessToken.Data)
		set("provider_access_token_iv", patch.AccessToken.IV)
		set("provider_access_token_tag", patch.AccessToken.Tag)
	}
	if patch.AccessTokenExpiresAt != nil {
		set("provider_access_token_expires_at", sqlTime(*patch.AccessTokenExpiresAt))
	}
	if patch.RefreshToken != nil {
		set("provider_refresh_token", patch.RefreshToken.Data)
		set("provider_refresh_token_iv", patch.RefreshToken.IV)
		set("provider_refresh_token_tag", patch.RefreshToken.Tag)
	}
	if patch.RefreshTokenExpiresAt != nil {
		set("provider_refresh_token_expires_at", sqlTime(*patch.RefreshTokenExpiresAt))
	}
	if patch.Scope != nil {
		set("provider_scope", *patch.Scope)
	}
	if patch.LastAccessedAt != nil {
		set("last_accessed_at", sqlTime(*patch.LastAccessedAt))
	}
	if patch.RevokedAt != nil {
		set("revoked_at", sqlTime(*patch.RevokedAt))
	}
	if patch.bumpsVersion() {
		sets = append(sets, "version = version + 1")
	}

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if patch.ExpectedVersion != 0 {
		query += ` AND version = ?`
		args = append(args, patch.ExpectedVersion)
	}
	query += ` RETURNING ` + sessionColumns

	var row sessionRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, mapWriteError(err)
		}
		exists, existsErr := r.sessionExists(ctx, id)
		if existsErr != nil {
			return nil, existsErr
		}
		if exists {
			return nil, ErrVersionConflict
		}
		return nil, nil
	}

	session, err := row.toSession()
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SQLRepository) sessionExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(1) FROM sessions WHERE id = ?`), id)
	return n > 0, err
}

func mapWriteError(err error) error {
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// userRow is the database representation of a user.
type userRow struct {
	ID                uuid.UUID `db:"id"`
	Email             string    `db:"email"`
	FirstName         string    `db:"first_name"`
	LastName          string    `db:"last_name"`
	Avatar            string    `db:"avatar"`
	ExternalAccountID string    `db:"provider_account_id"`
	CreatedAt         dbTime    `db:"created_at"`
	UpdatedAt         dbTime    `db:"updated_at"`
	DeletedAt         dbTime    `db:"deleted_at"`
}

func (r userRow) toUser() *User {
	return &User{
		ID:                r.ID,
		Email:             r.Email,
		FirstName:         r.FirstName,
		LastName:          r.LastName,
		Avatar:            r.Avatar,
		ExternalAccountID: r.ExternalAccountID,
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
		DeletedAt:         r.DeletedAt.ptr(),
	}
}

// sessionRow is the database representation of a session.
type sessionRow struct {
	ID                    uuid.UUID `db:"id"`
	UserID                uuid.UUID `db:"user_id"`
	Provider              string    `db:"provider"`
	Status                string    `db:"status"`
	AccessToken           string    `db:"provider_access_token"`
	AccessTokenIV         string    `db:"provider_access_token_iv"`
	AccessTokenTag        string    `db:"provider_access_token_tag"`
	AccessTokenExpiresAt  dbTime    `db:"provider_access_token_expires_at"`
	RefreshToken          string    `db:"provider_refresh_token"`
	RefreshTokenIV        string    `db:"provider_refresh_token_iv"`
	RefreshTokenTag       string    `db:"provider_refresh_token_tag"`
	RefreshTokenExpiresAt dbTime    `db:"provider_refresh_token_expires_at"`
	Scope                 string    `db:"provider_scope"`
	ExternalAccountID     string    `db:"provider_account_id"`
	Metadata              []byte    `db:"metadata"`
	LastAccessedAt        dbTime    `db:"last_accessed_at"`
	CreatedAt             dbTime    `db:"created_at"`
	UpdatedAt             dbTime    `db:"updated_at"`
	ExpiresAt             dbTime    `db:"expires_at"`
	RevokedAt             dbTime    `db:"revoked_at"`
	DeletedAt             dbTime    `db:"deleted_at"`
	Version               int64     `db:"version"`
}

func (r sessionRow) toSession() (Session, error) {
	metadata := map[string]string{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &metadata); err != nil {
			return Session{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}

	return Session{
		ID:                    r.ID,
		UserID:                r.UserID,
		Provider:              provider.ID(r.Provider),
		Status:                Status(r.Status),
		AccessToken:           vault.Sealed{Data: r.AccessToken, IV: r.AccessTokenIV, Tag: r.AccessTokenTag},
		AccessTokenExpiresAt:  r.AccessTokenExpiresAt.Time,
		RefreshToken:          vault.Sealed{Data: r.RefreshToken, IV: r.RefreshTokenIV, Tag: r.RefreshTokenTag},
		RefreshTokenExpiresAt: r.RefreshTokenExpiresAt.Time,
		Scope:                 r.Scope,
		ExternalAccountID:     r.ExternalAccountID,
		Metadata:              metadata,
		LastAccessedAt:        r.LastAccessedAt.Time,
		CreatedAt:             r.CreatedAt.Time,
		UpdatedAt:             r.UpdatedAt.Time,
		ExpiresAt:             r.ExpiresAt.Time,
		RevokedAt:             r.RevokedAt.ptr(),
		DeletedAt:             r.DeletedAt.ptr(),
		Version:               r.Version,
	}, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode session metadata: %w", err)
	}
	return string(data), nil
}

// dbTime scans timestamps from either driver. lib/pq yields time.Time while
// sqlite may hand back text, depending on the declared column type.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var dbTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func sqlTime(t time.Time) dbTime {
	return dbTime{Time: t, Valid: true}
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = dbTime{}
		return nil
	case time.Time:
		*t = dbTime{Time: v.UTC(), Valid: true}
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		*t = dbTime{Time: time.Unix(v, 0).UTC(), Valid: true}
		return nil
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
}

func (t *dbTime) parse(value string) error {
	for _, layout := range dbTimeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			*t = dbTime{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("scan time: unrecognised format %q", value)
}

func (t dbTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time.UTC(), nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
