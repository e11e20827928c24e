package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertByHashExtendsExistingSessionForSameUser(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	first, err := store.UpsertByHash(ctx, "user-1", "hash-a", time.Now().Add(time.Hour), "ua=a")
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	second, err := store.UpsertByHash(ctx, "user-1", "hash-a", later, "ua=a")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same user + same hash should extend, not replace")
	require.WithinDuration(t, later, second.ExpiresAt, time.Second)
}

func TestUpsertByHashReplacesSessionOwnedByDifferentUser(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	first, err := store.UpsertByHash(ctx, "user-1", "hash-a", time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	second, err := store.UpsertByHash(ctx, "user-2", "hash-a", time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	byHash, err := store.GetByHash(ctx, "hash-a")
	require.NoError(t, err)
	require.Equal(t, "user-2", byHash.UserID)
}

func TestRotateReplacesHashAndExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	sess, err := store.UpsertByHash(ctx, "user-1", "hash-a", time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	newExpiry := time.Now().Add(48 * time.Hour)
	require.NoError(t, store.Rotate(ctx, sess.ID, "hash-b", newExpiry))

	require.Nil(t, mustLookup(t, store, "hash-a"))
	rotated := mustLookup(t, store, "hash-b")
	require.NotNil(t, rotated)
	require.Equal(t, sess.ID, rotated.ID)
	require.WithinDuration(t, newExpiry, rotated.ExpiresAt, time.Second)
}

func TestRevokeSetsRevokedAt(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	sess, err := store.UpsertByHash(ctx, "user-1", "hash-a", time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, sess.ID))

	reloaded := mustLookup(t, store, "hash-a")
	require.NotNil(t, reloaded)
	require.True(t, reloaded.Revoked())
}

func mustLookup(t *testing.T, store *MemorySessionStore, hash string) *Session {
	t.Helper()
	sess, err := store.GetByHash(context.Background(), hash)
	require.NoError(t, err)
	return sess
}
