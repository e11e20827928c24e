package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the persisted AuthSession record The raw
// refresh token is never stored, only its SHA-256.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	ExpiresAt        time.Time
	ClientInfo       string
	RevokedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s *Session) Revoked() bool { return s.RevokedAt != nil }
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// SessionStore is the durable home for AuthSession rows
type SessionStore interface {
	// UpsertByHash persists a refresh token hash for userID. If a row
	// already exists for hash and belongs to the same user, its expiry is
	// extended; if it belongs to a different user, the stale row is deleted
	// and a fresh one created -- upsert-by-hash rule.
	UpsertByHash(ctx context.Context, userID, hash string, expiresAt time.Time, clientInfo string) (*Session, error)
	GetByHash(ctx context.Context, hash string) (*Session, error)
	// Rotate replaces sessionID's stored hash and expiry, used by the
	// refresh flow.
	Rotate(ctx context.Context, sessionID, newHash string, newExpiresAt time.Time) error
	Revoke(ctx context.Context, sessionID string) error
}

// MemorySessionStore is an in-process SessionStore for tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byHash   map[string]string // hash -> id
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{byID: make(map[string]*Session), byHash: make(map[string]string)}
}

func (m *MemorySessionStore) UpsertByHash(_ context.Context, userID, hash string, expiresAt time.Time, clientInfo string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := m.byHash[hash]; ok {
		existing := m.byID[id]
		if existing.UserID == userID {
			existing.ExpiresAt = expiresAt
			existing.UpdatedAt = now
			return existing, nil
		}
		delete(m.byID, id)
		delete(m.byHash, hash)
	}

	sess := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		RefreshTokenHash: hash,
		ExpiresAt:        expiresAt,
		ClientInfo:       clientInfo,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.byID[sess.ID] = sess
	m.byHash[hash] = sess.ID
	return sess, nil
}

func (m *MemorySessionStore) GetByHash(_ context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, nil
	}
	return m.byID[id], nil
}

func (m *MemorySessionStore) Rotate(_ context.Context, sessionID, newHash string, newExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("auth: session %s not found", sessionID)
	}
	delete(m.byHash, sess.RefreshTokenHash)
	sess.RefreshTokenHash = newHash
	sess.ExpiresAt = newExpiresAt
	sess.UpdatedAt = time.Now().UTC()
	m.byHash[newHash] = sessionID
	return nil
}

func (m *MemorySessionStore) Revoke(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("auth: session %s not found", sessionID)
	}
	now := time.Now().UTC()
	sess.RevokedAt = &now
	return nil
}
