package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sxmxc/opstoolbox/internal/auth"
)

// SessionBackend implements auth.SessionStore against auth_sessions.
type SessionBackend struct {
	db *DB
}

func NewSessionBackend(db *DB) *SessionBackend {
	return &SessionBackend{db: db}
}

type sessionRow struct {
	ID               string       `db:"id"`
	UserID           string       `db:"user_id"`
	RefreshTokenHash string       `db:"refresh_token_hash"`
	ExpiresAt        time.Time    `db:"expires_at"`
	ClientInfo       sql.NullString `db:"client_info"`
	RevokedAt        sql.NullTime `db:"revoked_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (r sessionRow) toSession() *auth.Session {
	return &auth.Session{
		ID:               r.ID,
		UserID:           r.UserID,
		RefreshTokenHash: r.RefreshTokenHash,
		ExpiresAt:        r.ExpiresAt,
		ClientInfo:       fromNullString(r.ClientInfo),
		RevokedAt:        fromNullTime(r.RevokedAt),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// UpsertByHash extends an existing row for the same user, replaces a
// stale row owned by a different user, or inserts a fresh one -- matching
// the upsert-by-hash contract auth.SessionStore documents.
func (b *SessionBackend) UpsertByHash(ctx context.Context, userID, hash string, expiresAt time.Time, clientInfo string) (*auth.Session, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin upsert session: %w", err)
	}
	defer tx.Rollback()

	var existing sessionRow
	err = tx.GetContext(ctx, &existing, `SELECT * FROM auth_sessions WHERE refresh_token_hash = $1`, hash)
	switch {
	case err == nil:
		if existing.UserID == userID {
			now := time.Now().UTC()
			_, err = tx.ExecContext(ctx, `UPDATE auth_sessions SET expires_at = $1, updated_at = $2 WHERE id = $3`, expiresAt, now, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("sqlstore: extend session: %w", err)
			}
			existing.ExpiresAt = expiresAt
			existing.UpdatedAt = now
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("sqlstore: commit session extend: %w", err)
			}
			return existing.toSession(), nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = $1`, existing.ID); err != nil {
			return nil, fmt.Errorf("sqlstore: delete stale session: %w", err)
		}
	case isNoRows(err):
		// no existing row, fall through to insert
	default:
		return nil, fmt.Errorf("sqlstore: lookup session by hash: %w", err)
	}

	now := time.Now().UTC()
	sess := &auth.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		RefreshTokenHash: hash,
		ExpiresAt:        expiresAt,
		ClientInfo:       clientInfo,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, refresh_token_hash, expires_at, client_info, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, sess.RefreshTokenHash, sess.ExpiresAt, toNullString(sess.ClientInfo), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit session insert: %w", err)
	}
	return sess, nil
}

func (b *SessionBackend) GetByHash(ctx context.Context, hash string) (*auth.Session, error) {
	var row sessionRow
	err := b.db.GetContext(ctx, &row, `SELECT * FROM auth_sessions WHERE refresh_token_hash = $1`, hash)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: get session by hash: %w", err)
	}
	return row.toSession(), nil
}

func (b *SessionBackend) Rotate(ctx context.Context, sessionID, newHash string, newExpiresAt time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE auth_sessions SET refresh_token_hash = $1, expires_at = $2, updated_at = now() WHERE id = $3
	`, newHash, newExpiresAt, sessionID)
	if err != nil {
		return fmt.Errorf("sqlstore: rotate session %s: %w", sessionID, err)
	}
	return requireRowsAffected(res, "session", sessionID)
}

func (b *SessionBackend) Revoke(ctx context.Context, sessionID string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE auth_sessions SET revoked_at = now(), updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("sqlstore: revoke session %s: %w", sessionID, err)
	}
	return requireRowsAffected(res, "session", sessionID)
}

func requireRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlstore: %s %s not found", kind, id)
	}
	return nil
}
