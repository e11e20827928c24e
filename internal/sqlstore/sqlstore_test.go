package sqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/auth"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

// openTestDB connects to SQLSTORE_TEST_DATABASE_URL. These tests exercise
// real SQL against a throwaway database and are skipped in environments
// that don't set one.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("SQLSTORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SQLSTORE_TEST_DATABASE_URL not set, skipping sqlstore integration tests")
	}
	db, err := Open(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestToolkitBackendCRUD(t *testing.T) {
	db := openTestDB(t)
	backend := NewToolkitBackend(db)
	ctx := context.Background()

	rec := &toolkit.Record{Slug: "network-tools", Name: "Network Tools", Category: "networking", Origin: toolkit.OriginBuiltin}
	require.NoError(t, backend.Upsert(ctx, rec))

	got, err := backend.Get(ctx, "network-tools")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Network Tools", got.Name)

	removed, err := backend.IsRemoved(ctx, "network-tools")
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, backend.MarkRemoved(ctx, "network-tools"))
	removed, err = backend.IsRemoved(ctx, "network-tools")
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, backend.ClearRemoval(ctx, "network-tools"))
	removed, err = backend.IsRemoved(ctx, "network-tools")
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, backend.Delete(ctx, "network-tools"))
	got, err = backend.Get(ctx, "network-tools")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSessionBackendUpsertRotateRevoke(t *testing.T) {
	db := openTestDB(t)
	backend := NewSessionBackend(db)
	ctx := context.Background()

	userID := uuid.NewString()
	sess, err := backend.UpsertByHash(ctx, userID, "hash-a", time.Now().Add(time.Hour), "ua")
	require.NoError(t, err)
	require.Equal(t, userID, sess.UserID)

	same, err := backend.UpsertByHash(ctx, userID, "hash-a", time.Now().Add(2*time.Hour), "ua")
	require.NoError(t, err)
	require.Equal(t, sess.ID, same.ID)

	require.NoError(t, backend.Rotate(ctx, sess.ID, "hash-b", time.Now().Add(3*time.Hour)))
	byHash, err := backend.GetByHash(ctx, "hash-b")
	require.NoError(t, err)
	require.NotNil(t, byHash)

	require.NoError(t, backend.Revoke(ctx, sess.ID))
	byHash, err = backend.GetByHash(ctx, "hash-b")
	require.NoError(t, err)
	require.True(t, byHash.Revoked())
}

func TestAuditBackendInsertListPurge(t *testing.T) {
	db := openTestDB(t)
	backend := NewAuditBackend(db)
	ctx := context.Background()

	old := &auth.Record{ID: uuid.NewString(), Name: "auth.login.success", Severity: auth.SeverityInfo, CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &auth.Record{ID: uuid.NewString(), Name: "auth.login.success", Severity: auth.SeverityInfo, CreatedAt: time.Now()}
	require.NoError(t, backend.Insert(ctx, old))
	require.NoError(t, backend.Insert(ctx, recent))

	recs, total, err := backend.List(ctx, 10, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 2)
	require.NotEmpty(t, recs)

	purged, err := backend.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, int64(1))
}

func TestUserBackendLocalLoginAndRoles(t *testing.T) {
	db := openTestDB(t)
	users := NewUserBackend(db)
	ctx := context.Background()

	u, err := users.CreateLocal(ctx, "alice", "$2a$10$examplehash", "alice@example.com", "Alice")
	require.NoError(t, err)

	_, err = users.CreateLocal(ctx, "alice", "other", "", "")
	require.Error(t, err)

	require.NoError(t, users.SetRoles(ctx, u.ID, []string{"operator", "admin"}))
	roles, err := users.RolesForUser(ctx, u.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"admin", "operator"}, roles)

	require.NoError(t, users.MarkLogin(ctx, u.ID))
	fetched, err := users.Get(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.LastLoginAt)
}

func TestSettingsBackendCatalogURLOverride(t *testing.T) {
	db := openTestDB(t)
	settings := NewSettingsBackend(db)
	ctx := context.Background()

	url, err := settings.CatalogURL(ctx)
	require.NoError(t, err)
	require.Equal(t, "", url)

	require.NoError(t, settings.Set(ctx, settingsKeyCatalogURL, "https://catalog.example.com/index.json"))
	url, err = settings.CatalogURL(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://catalog.example.com/index.json", url)
}
