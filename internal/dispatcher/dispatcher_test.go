package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/taskbus"
)

func newDispatcher(t *testing.T) (*Dispatcher, jobstore.Store, *taskbus.MemoryBus) {
	t.Helper()
	store := jobstore.New(kv.NewMemoryStore(), "opstoolbox", logger.Discard)
	bus := taskbus.NewMemoryBus()
	return New(store, bus, logger.Discard), store, bus
}

func TestEnqueueSendsTaskAndAttachesBrokerID(t *testing.T) {
	ctx := context.Background()
	d, store, bus := newDispatcher(t)

	job, err := d.Enqueue(ctx, "zabbix", "bulk_add_hosts", json.RawMessage(`{"rows":[]}`))
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusQueued, job.Status)
	require.NotEmpty(t, job.CeleryTaskID)

	sent := bus.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, taskbus.RunJobTask, sent[0].Task)
	require.Equal(t, []string{job.ID}, sent[0].Args)
	require.Equal(t, sent[0].TaskID, job.CeleryTaskID)

	reloaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.CeleryTaskID, reloaded.CeleryTaskID)
}

func TestEnqueueMarksJobFailedWhenBrokerSendFails(t *testing.T) {
	ctx := context.Background()
	d, store, bus := newDispatcher(t)
	bus.SendErr = context.DeadlineExceeded

	job, err := d.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.Error(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobstore.StatusFailed, job.Status)
	require.NotEmpty(t, job.Error)

	reloaded, getErr := store.Get(ctx, job.ID)
	require.NoError(t, getErr)
	require.Equal(t, jobstore.StatusFailed, reloaded.Status)
}

func TestGetStatusReturnsNilForMissingJob(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDispatcher(t)

	job, err := d.GetStatus(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestCancelQueuedJobIsImmediatelyCancelled(t *testing.T) {
	ctx := context.Background()
	d, _, bus := newDispatcher(t)

	job, err := d.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	cancelled, err := d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelled, cancelled.Status)
	require.True(t, bus.IsRevoked(job.CeleryTaskID))

	var sawCancelled bool
	for _, entry := range cancelled.Logs {
		if entry.Message == "Job cancelled before execution" {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled)
}

func TestCancelRunningJobSignalsWorkerWithoutMarkingCancelled(t *testing.T) {
	ctx := context.Background()
	d, store, bus := newDispatcher(t)

	job, err := d.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)

	job.Status = jobstore.StatusRunning
	require.NoError(t, store.Save(ctx, job, true))

	cancelled, err := d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelling, cancelled.Status)
	require.True(t, bus.IsRevoked(job.CeleryTaskID))

	var sawSignal bool
	for _, entry := range cancelled.Logs {
		if entry.Message == "Cancellation signal sent to worker" {
			sawSignal = true
		}
	}
	require.True(t, sawSignal)
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newDispatcher(t)

	job, err := d.Enqueue(ctx, "zabbix", "bulk_add_hosts", nil)
	require.NoError(t, err)
	job.Status = jobstore.StatusSucceeded
	require.NoError(t, store.Save(ctx, job, true))

	unchanged, err := d.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusSucceeded, unchanged.Status)
}

func TestCancelMissingJobReturnsNil(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDispatcher(t)

	job, err := d.Cancel(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, job)
}
