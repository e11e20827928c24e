package jobstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

func newStore(t *testing.T) Store {
	t.Helper()
	return New(kv.NewMemoryStore(), "opstoolbox", logger.Discard)
}

func TestCreateAssignsDefaults(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", json.RawMessage(`{"rows":[]}`))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, "zabbix.bulk_add_hosts", job.Type)
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, 0, job.Progress)
	require.Empty(t, job.Logs)
	require.False(t, job.CreatedAt.IsZero())
	require.Equal(t, job.CreatedAt, job.UpdatedAt)
}

func TestGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	job, err := store.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestAppendLogIsOrderedAndPersisted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	require.NoError(t, store.AppendLog(ctx, job, "first"))
	require.NoError(t, store.AppendLog(ctx, job, "second"))

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Logs, 2)
	require.Equal(t, "first", reloaded.Logs[0].Message)
	require.Equal(t, "second", reloaded.Logs[1].Message)
}

func TestTerminalStatusIsImmutableToFurtherTransitions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	job.Status = StatusSucceeded
	job.Result = json.RawMessage(`{"created":1}`)
	require.NoError(t, store.Save(ctx, job, true))

	require.NoError(t, store.MarkCancelling(ctx, job, "too late"))
	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, reloaded.Status, "terminal jobs must not transition further")
}

func TestMarkCancelledPreservesProgress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	job.Progress = 42
	require.NoError(t, store.Save(ctx, job, true))

	require.NoError(t, store.MarkCancelled(ctx, job, "cancelled mid-flight"))
	require.Equal(t, 42, job.Progress)

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 42, reloaded.Progress)
	require.Equal(t, StatusCancelled, reloaded.Status)
}

func TestListFiltersAreANDCombinedAndSortedDescending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	j1, _ := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	time.Sleep(time.Millisecond)
	j2, _ := store.Create(ctx, "zabbix", "delete_host", nil)
	time.Sleep(time.Millisecond)
	j3, _ := store.Create(ctx, "regex", "bulk_add_hosts", nil)

	j2.Status = StatusFailed
	require.NoError(t, store.Save(ctx, j2, true))

	jobs, total, err := store.List(ctx, Filters{Toolkits: []string{"ZABBIX"}}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	// descending by created_at: j2 created after j1
	require.Equal(t, j2.ID, jobs[0].ID)
	require.Equal(t, j1.ID, jobs[1].ID)

	jobs, total, err = store.List(ctx, Filters{Toolkits: []string{"zabbix"}, Statuses: []string{"failed"}}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, j2.ID, jobs[0].ID)

	_ = j3
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	page1, total, err := store.List(ctx, Filters{}, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page1, 2)

	page2, total, err := store.List(ctx, Filters{}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page2, 2)

	page3, _, err := store.List(ctx, Filters{}, 2, 4)
	require.NoError(t, err)
	require.Len(t, page3, 1)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	ok, err := store.Delete(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Delete(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
