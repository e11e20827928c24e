package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb),
	}
}

func TestHashRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.HSet(ctx, "jobs", "job-1", `{"status":"queued"}`))

			v, ok, err := store.HGet(ctx, "jobs", "job-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `{"status":"queued"}`, v)

			all, err := store.HGetAll(ctx, "jobs")
			require.NoError(t, err)
			require.Equal(t, map[string]string{"job-1": `{"status":"queued"}`}, all)

			require.NoError(t, store.HDel(ctx, "jobs", "job-1"))
			_, ok, err = store.HGet(ctx, "jobs", "job-1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestCASHashFieldAppliesOnlyWhenRequested(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.HSet(ctx, "templates", "t1", "10"))

			applied, err := store.CASHashField(ctx, "templates", "t1", func(current string, exists bool) (string, bool, error) {
				require.True(t, exists)
				require.Equal(t, "10", current)
				return "20", true, nil
			})
			require.NoError(t, err)
			require.True(t, applied)

			v, _, _ := store.HGet(ctx, "templates", "t1")
			require.Equal(t, "20", v)

			applied, err = store.CASHashField(ctx, "templates", "t1", func(current string, exists bool) (string, bool, error) {
				return "", false, nil
			})
			require.NoError(t, err)
			require.False(t, applied)

			v, _, _ = store.HGet(ctx, "templates", "t1")
			require.Equal(t, "20", v, "value should be unchanged when update declines to apply")
		})
	}
}

func TestIncrSetsTTLOnlyOnCreation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := store.Incr(ctx, "attempts:alice", 300*time.Millisecond)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			ttl, err := store.TTL(ctx, "attempts:alice")
			require.NoError(t, err)
			require.Greater(t, ttl, time.Duration(0))

			n, err = store.Incr(ctx, "attempts:alice", 0)
			require.NoError(t, err)
			require.Equal(t, int64(2), n)
		})
	}
}
