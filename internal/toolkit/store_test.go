package toolkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

func newStore(t *testing.T) Store {
	t.Helper()
	return New(NewMemorySQLBackend(), kv.NewMemoryStore(), "opstoolbox", logger.Discard)
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	rec := &Record{Slug: "zabbix", Name: "Zabbix", BasePath: "/zabbix", Origin: OriginBundled}
	require.NoError(t, store.Create(ctx, rec))

	err := store.Create(ctx, &Record{Slug: "zabbix", Name: "Zabbix Again", BasePath: "/zabbix", Origin: OriginBundled})
	require.Error(t, err)
}

func TestCreateRejectsInvalidSlug(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	err := store.Create(ctx, &Record{Slug: "Has Spaces", Name: "x", BasePath: "/x"})
	require.Error(t, err)
}

func TestDeleteForbidsBuiltin(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, &Record{Slug: "core", Name: "Core", BasePath: "/core", Origin: OriginBuiltin}))
	err := store.Delete(ctx, "core")
	require.Error(t, err)
}

func TestDeleteTombstonesBundledOrigin(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, &Record{Slug: "zabbix", Name: "Zabbix", BasePath: "/zabbix", Origin: OriginBundled}))
	require.NoError(t, store.Delete(ctx, "zabbix"))

	removed, err := store.IsRemoved(ctx, "zabbix")
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, store.ClearRemoval(ctx, "zabbix"))
	removed, err = store.IsRemoved(ctx, "zabbix")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestGetRebuildsKVMirrorFromSQLOnMiss(t *testing.T) {
	ctx := context.Background()
	sql := NewMemorySQLBackend()
	kvStore := kv.NewMemoryStore()
	store := New(sql, kvStore, "opstoolbox", logger.Discard)

	require.NoError(t, sql.Upsert(ctx, &Record{Slug: "regex", Name: "Regex", BasePath: "/regex"}))

	rec, err := store.Get(ctx, "regex")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "Regex", rec.Name)

	raw, ok, err := kvStore.HGet(ctx, "opstoolbox:toolkits", "regex")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, raw, "Regex")
}

func TestListSortsByCategoryThenName(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Create(ctx, &Record{Slug: "b", Name: "Banana", Category: "fruit", BasePath: "/b"}))
	require.NoError(t, store.Create(ctx, &Record{Slug: "a", Name: "apple", Category: "fruit", BasePath: "/a"}))
	require.NoError(t, store.Create(ctx, &Record{Slug: "c", Name: "Carrot", Category: "veg", BasePath: "/c"}))

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "a", recs[0].Slug)
	require.Equal(t, "b", recs[1].Slug)
	require.Equal(t, "c", recs[2].Slug)
}
