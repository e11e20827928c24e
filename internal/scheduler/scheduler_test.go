package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/taskbus"
)

func newHarness(t *testing.T) (*Scheduler, *TemplateStore, jobstore.Store, *taskbus.MemoryBus) {
	t.Helper()
	store := kv.NewMemoryStore()
	templates := NewTemplateStore(store, "opstoolbox")
	jobs := jobstore.New(store, "opstoolbox", logger.Discard)
	bus := taskbus.NewMemoryBus()
	return New(templates, jobs, bus, logger.Discard), templates, jobs, bus
}

func TestPassADispatchesDueTemplateAndAdvancesNextRun(t *testing.T) {
	ctx := context.Background()
	sched, templates, jobs, bus := newHarness(t)

	now := time.Now().UTC()
	require.NoError(t, templates.Save(ctx, &ProbeTemplate{
		ID: "tmpl-1", Name: "homepage", URL: "https://example.com",
		Method: "GET", IntervalSeconds: 60, NextRunAt: &now,
	}))

	require.NoError(t, sched.PassA(ctx))

	sent := bus.Sent()
	require.Len(t, sent, 1)

	reloaded, err := templates.Get(ctx, "tmpl-1")
	require.NoError(t, err)
	require.True(t, reloaded.NextRunAt.After(now))

	allJobs, total, err := jobs.List(ctx, jobstore.Filters{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, ProbeToolkit, allJobs[0].Toolkit)
	require.Equal(t, RunProbeOperation, allJobs[0].Operation)
}

func TestPassASkipsTemplateWithActiveJob(t *testing.T) {
	ctx := context.Background()
	sched, templates, jobs, bus := newHarness(t)

	now := time.Now().UTC()
	require.NoError(t, templates.Save(ctx, &ProbeTemplate{
		ID: "tmpl-1", IntervalSeconds: 60, NextRunAt: &now,
	}))

	_, err := jobs.Create(ctx, ProbeToolkit, RunProbeOperation, []byte(`{"template_id":"tmpl-1","sample_size":5}`))
	require.NoError(t, err)

	require.NoError(t, sched.PassA(ctx))
	require.Empty(t, bus.Sent(), "must not dispatch a second run while one is active")
}

func TestPassASkipsTemplateNotYetDue(t *testing.T) {
	ctx := context.Background()
	sched, templates, _, bus := newHarness(t)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, templates.Save(ctx, &ProbeTemplate{ID: "tmpl-1", IntervalSeconds: 60, NextRunAt: &future}))

	require.NoError(t, sched.PassA(ctx))
	require.Empty(t, bus.Sent())
}

func TestPassBResubmitsStaleQueuedJobs(t *testing.T) {
	ctx := context.Background()
	sched, _, jobs, bus := newHarness(t)
	sched.WithStaleGrace(0) // any queued job counts as stale immediately

	job, err := jobs.Create(ctx, ProbeToolkit, RunProbeOperation, []byte(`{"template_id":"tmpl-1","sample_size":5}`))
	require.NoError(t, err)

	require.NoError(t, sched.PassB(ctx))

	sent := bus.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, []string{job.ID}, sent[0].Args)

	reloaded, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.CeleryTaskID)
	require.Len(t, reloaded.Logs, 1)
}

func TestPassBDoesNotResubmitFreshQueuedJobs(t *testing.T) {
	ctx := context.Background()
	sched, _, jobs, bus := newHarness(t)

	_, err := jobs.Create(ctx, ProbeToolkit, RunProbeOperation, []byte(`{"template_id":"tmpl-1","sample_size":5}`))
	require.NoError(t, err)

	require.NoError(t, sched.PassB(ctx))
	require.Empty(t, bus.Sent())
}

func TestBootstrapSetsNextRunAtWhenMissing(t *testing.T) {
	ctx := context.Background()
	sched, templates, _, _ := newHarness(t)

	require.NoError(t, templates.Save(ctx, &ProbeTemplate{ID: "tmpl-1", IntervalSeconds: 60}))

	sched.bootstrap(ctx)

	reloaded, err := templates.Get(ctx, "tmpl-1")
	require.NoError(t, err)
	require.NotNil(t, reloaded.NextRunAt)
}

func TestReserveFailsWhenTemplateNotDue(t *testing.T) {
	ctx := context.Background()
	_, templates, _, _ := newHarness(t)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, templates.Save(ctx, &ProbeTemplate{ID: "tmpl-1", IntervalSeconds: 60, NextRunAt: &future}))

	_, ok, err := templates.Reserve(ctx, "tmpl-1", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)
}
