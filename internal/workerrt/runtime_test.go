package workerrt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

func newRuntime(t *testing.T) (*Runtime, jobstore.Store) {
	t.Helper()
	store := jobstore.New(kv.NewMemoryStore(), "opstoolbox", logger.Discard)
	return New(store, logger.Discard), store
}

func TestRunJobDefaultsToSucceededWhenHandlerLeavesStatusUnset(t *testing.T) {
	ctx := context.Background()
	rt, store := newRuntime(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	rt.Register(job.Type, func(ctx context.Context, j *jobstore.Job) error {
		return nil
	})

	require.NoError(t, rt.RunJob(ctx, job.ID))

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusSucceeded, reloaded.Status)
	require.Equal(t, 100, reloaded.Progress)
}

func TestRunJobMarksFailedOnHandlerError(t *testing.T) {
	ctx := context.Background()
	rt, store := newRuntime(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	rt.Register(job.Type, func(ctx context.Context, j *jobstore.Job) error {
		return errors.New("boom")
	})

	require.NoError(t, rt.RunJob(ctx, job.ID))

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, reloaded.Status)
	require.Equal(t, "boom", reloaded.Error)
}

func TestRunJobAcknowledgesCancellationBeforeExecution(t *testing.T) {
	ctx := context.Background()
	rt, store := newRuntime(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	job.Status = jobstore.StatusCancelling
	require.NoError(t, store.Save(ctx, job, true))

	var invoked bool
	rt.Register(job.Type, func(ctx context.Context, j *jobstore.Job) error {
		invoked = true
		return nil
	})

	require.NoError(t, rt.RunJob(ctx, job.ID))
	require.False(t, invoked, "handler must not run once cancelling")

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelled, reloaded.Status)
}

func TestRunJobHonorsHandlerSelfCancellation(t *testing.T) {
	ctx := context.Background()
	rt, store := newRuntime(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	rt.Register(job.Type, func(ctx context.Context, j *jobstore.Job) error {
		current, err := store.Get(ctx, j.ID)
		require.NoError(t, err)
		current.Status = jobstore.StatusCancelling
		require.NoError(t, store.Save(ctx, current, true))
		return store.MarkCancelled(ctx, current, "handler observed cancellation")
	})

	require.NoError(t, rt.RunJob(ctx, job.ID))

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelled, reloaded.Status, "must not be overwritten back to succeeded")
}

func TestRunJobFailsWhenNoHandlerAndNoLoader(t *testing.T) {
	ctx := context.Background()
	rt, store := newRuntime(t)

	job, err := store.Create(ctx, "unknown", "op", nil)
	require.NoError(t, err)

	require.NoError(t, rt.RunJob(ctx, job.ID))

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, reloaded.Status)
	require.Contains(t, reloaded.Error, "No handler registered for job type unknown.op")
}

type fakeLoader struct {
	loaded []string
	onLoad func(slug string)
}

func (f *fakeLoader) EnsureWorkerLoaded(ctx context.Context, slug string) error {
	f.loaded = append(f.loaded, slug)
	if f.onLoad != nil {
		f.onLoad(slug)
	}
	return nil
}

func TestRunJobLazilyLoadsMissingHandlerOnce(t *testing.T) {
	ctx := context.Background()
	rt, store := newRuntime(t)

	job, err := store.Create(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	loader := &fakeLoader{}
	loader.onLoad = func(slug string) {
		rt.Register(job.Type, func(ctx context.Context, j *jobstore.Job) error { return nil })
	}
	rt.WithLoader(loader)

	require.NoError(t, rt.RunJob(ctx, job.ID))
	require.Equal(t, []string{"zabbix"}, loader.loaded)

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusSucceeded, reloaded.Status)
}

func TestRunJobNoopForMissingJob(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)
	require.NoError(t, rt.RunJob(ctx, "does-not-exist"))
}
