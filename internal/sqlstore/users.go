package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sxmxc/opstoolbox/internal/apperr"
)

// User is an admin-facing account record.
type User struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	ExternalID  string
	Provider    string
	Disabled    bool
	Roles       []string
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserBackend owns the users/roles/user_roles tables. It implements
// auth.CredentialLookup (local password login) and auth.RoleLookup
// (re-deriving roles at refresh time), plus the CRUD the admin surface
// needs.
type UserBackend struct {
	db *DB
}

func NewUserBackend(db *DB) *UserBackend {
	return &UserBackend{db: db}
}

// LookupPasswordHash implements auth.CredentialLookup.
func (b *UserBackend) LookupPasswordHash(ctx context.Context, username string) (string, string, bool, error) {
	var row struct {
		ID           string `db:"id"`
		PasswordHash string `db:"password_hash"`
	}
	err := b.db.GetContext(ctx, &row, `
		SELECT id, coalesce(password_hash, '') AS password_hash
		FROM users WHERE username = $1 AND NOT disabled
	`, username)
	if err != nil {
		if isNoRows(err) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("sqlstore: lookup password hash for %s: %w", username, err)
	}
	if row.PasswordHash == "" {
		return "", "", false, nil
	}
	return row.ID, row.PasswordHash, true, nil
}

// RolesForUser implements auth.RoleLookup.
func (b *UserBackend) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	var roles []string
	err := b.db.SelectContext(ctx, &roles, `
		SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: roles for user %s: %w", userID, err)
	}
	return roles, nil
}

// MarkLogin records LastLoginAt=now for userID; wired as the local
// provider's mark_login callback.
func (b *UserBackend) MarkLogin(ctx context.Context, userID string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE users SET last_login_at = now(), updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("sqlstore: mark login for %s: %w", userID, err)
	}
	return nil
}

// UpsertFromProvider finds or creates a user row for an external identity
// (OIDC/LDAP), keyed by (provider_name, external_id), refreshing profile
// fields on every login. It returns the internal user ID.
func (b *UserBackend) UpsertFromProvider(ctx context.Context, provider, externalID, username, email, displayName string) (string, error) {
	var existingID string
	err := b.db.GetContext(ctx, &existingID, `
		SELECT id FROM users WHERE provider_name = $1 AND external_id = $2
	`, provider, externalID)
	switch {
	case err == nil:
		_, updErr := b.db.ExecContext(ctx, `
			UPDATE users SET username = $1, email = $2, display_name = $3, last_login_at = now(), updated_at = now()
			WHERE id = $4
		`, username, toNullString(email), toNullString(displayName), existingID)
		if updErr != nil {
			return "", fmt.Errorf("sqlstore: refresh provider user %s: %w", existingID, updErr)
		}
		return existingID, nil
	case isNoRows(err):
		id := uuid.NewString()
		_, insErr := b.db.ExecContext(ctx, `
			INSERT INTO users (id, username, email, display_name, external_id, provider_name, last_login_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now(), now())
		`, id, username, toNullString(email), toNullString(displayName), externalID, provider)
		if insErr != nil {
			return "", fmt.Errorf("sqlstore: create provider user %s: %w", username, insErr)
		}
		return id, nil
	default:
		return "", fmt.Errorf("sqlstore: lookup provider user: %w", err)
	}
}

// CreateLocal creates a new local-login user with an already-hashed
// password, rejecting a duplicate username.
func (b *UserBackend) CreateLocal(ctx context.Context, username, passwordHash, email, displayName string) (*User, error) {
	var dupe int
	if err := b.db.GetContext(ctx, &dupe, `SELECT count(*) FROM users WHERE username = $1`, username); err != nil {
		return nil, fmt.Errorf("sqlstore: check duplicate username: %w", err)
	}
	if dupe > 0 {
		return nil, apperr.Conflict(fmt.Sprintf("user %q already exists", username))
	}

	now := time.Now().UTC()
	u := &User{ID: uuid.NewString(), Username: username, Email: email, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, display_name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, toNullString(u.Email), toNullString(u.DisplayName), passwordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: create local user %s: %w", username, err)
	}
	return u, nil
}

// Get returns one user with roles populated, or nil if absent.
func (b *UserBackend) Get(ctx context.Context, id string) (*User, error) {
	var row struct {
		ID          string         `db:"id"`
		Username    string         `db:"username"`
		Email       sql.NullString `db:"email"`
		DisplayName sql.NullString `db:"display_name"`
		ExternalID  sql.NullString `db:"external_id"`
		Provider    sql.NullString `db:"provider_name"`
		Disabled    bool           `db:"disabled"`
		LastLoginAt sql.NullTime   `db:"last_login_at"`
		CreatedAt   time.Time      `db:"created_at"`
		UpdatedAt   time.Time      `db:"updated_at"`
	}
	err := b.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: get user %s: %w", id, err)
	}
	roles, err := b.RolesForUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:          row.ID,
		Username:    row.Username,
		Email:       fromNullString(row.Email),
		DisplayName: fromNullString(row.DisplayName),
		ExternalID:  fromNullString(row.ExternalID),
		Provider:    fromNullString(row.Provider),
		Disabled:    row.Disabled,
		Roles:       roles,
		LastLoginAt: fromNullTime(row.LastLoginAt),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// List returns every user with roles populated, ordered by username.
func (b *UserBackend) List(ctx context.Context) ([]*User, error) {
	var ids []string
	if err := b.db.SelectContext(ctx, &ids, `SELECT id FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("sqlstore: list users: %w", err)
	}
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			out = append(out, u)
		}
	}
	return out, nil
}

// SetRoles replaces userID's role assignments with roleNames, creating any
// role rows that don't exist yet.
func (b *UserBackend) SetRoles(ctx context.Context, userID string, roleNames []string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin set roles: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("sqlstore: clear roles for %s: %w", userID, err)
	}

	for _, name := range roleNames {
		var roleID string
		err := tx.GetContext(ctx, &roleID, `SELECT id FROM roles WHERE name = $1`, name)
		if isNoRows(err) {
			roleID = uuid.NewString()
			if _, insErr := tx.ExecContext(ctx, `INSERT INTO roles (id, name) VALUES ($1, $2)`, roleID, name); insErr != nil {
				return fmt.Errorf("sqlstore: create role %s: %w", name, insErr)
			}
		} else if err != nil {
			return fmt.Errorf("sqlstore: lookup role %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, userID, roleID); err != nil {
			return fmt.Errorf("sqlstore: assign role %s to %s: %w", name, userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit set roles: %w", err)
	}
	return nil
}

func (b *UserBackend) SetDisabled(ctx context.Context, userID string, disabled bool) error {
	res, err := b.db.ExecContext(ctx, `UPDATE users SET disabled = $1, updated_at = now() WHERE id = $2`, disabled, userID)
	if err != nil {
		return fmt.Errorf("sqlstore: set disabled for %s: %w", userID, err)
	}
	return requireRowsAffected(res, "user", userID)
}
