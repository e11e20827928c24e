// Package dispatcher implements the API-side half of job execution:
// enqueueing jobs into the job store and onto the task bus, reporting
// status, and driving the cooperative cancellation protocol.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/taskbus"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opstoolbox",
		Subsystem: "dispatcher",
		Name:      "jobs_enqueued_total",
		Help:      "Count of jobs enqueued by toolkit.",
	}, []string{"toolkit"})
	jobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opstoolbox",
		Subsystem: "dispatcher",
		Name:      "jobs_cancelled_total",
		Help:      "Count of jobs cancelled via the dispatcher.",
	})
	brokerSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opstoolbox",
		Subsystem: "dispatcher",
		Name:      "broker_send_failures_total",
		Help:      "Count of failed broker sends during enqueue.",
	})
)

// DefaultQueue is the broker queue new jobs are sent to when the caller
// doesn't specify one.
const DefaultQueue = "default"

type Dispatcher struct {
	store jobstore.Store
	bus   taskbus.Bus
	log   logger.Logger
	queue string
}

func New(store jobstore.Store, bus taskbus.Bus, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard
	}
	return &Dispatcher{store: store, bus: bus, log: log, queue: DefaultQueue}
}

// WithQueue returns a Dispatcher that sends to a different broker queue.
func (d *Dispatcher) WithQueue(queue string) *Dispatcher {
	clone := *d
	clone.queue = queue
	return &clone
}

// Enqueue creates the job record, sends the run task to the broker, and
// attaches the resulting task ID. If the broker send fails the job is
// marked failed immediately rather than left orphaned in queued.
func (d *Dispatcher) Enqueue(ctx context.Context, toolkit, operation string, payload json.RawMessage) (*jobstore.Job, error) {
	job, err := d.store.Create(ctx, toolkit, operation, payload)
	if err != nil {
		return nil, apperr.Internal("failed to create job", err)
	}

	taskID, err := d.bus.Send(ctx, taskbus.RunJobTask, []string{job.ID}, d.queue)
	if err != nil {
		brokerSendFailures.Inc()
		job.Status = jobstore.StatusFailed
		job.Error = fmt.Sprintf("broker send failed: %v", err)
		job.Logs = append(job.Logs, jobstore.LogEntry{Message: "Failed to dispatch to broker"})
		if saveErr := d.store.Save(ctx, job, true); saveErr != nil {
			d.log.Error("dispatcher: failed to persist broker-send failure for job %s: %v", job.ID, saveErr)
		}
		return job, apperr.Upstream("broker unavailable", err)
	}

	if err := d.store.AttachBrokerTask(ctx, job, taskID); err != nil {
		return nil, apperr.Internal("failed to attach broker task", err)
	}

	jobsEnqueued.WithLabelValues(toolkit).Inc()
	return job, nil
}

// GetStatus fetches a job by ID. A nil, nil result means not found.
func (d *Dispatcher) GetStatus(ctx context.Context, id string) (*jobstore.Job, error) {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Internal("failed to load job", err)
	}
	return job, nil
}

// Cancel drives the cooperative cancellation protocol
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*jobstore.Job, error) {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Internal("failed to load job", err)
	}
	if job == nil {
		return nil, nil
	}
	if job.Status.Terminal() {
		return job, nil
	}

	wasQueued := job.Status == jobstore.StatusQueued

	if err := d.store.MarkCancelling(ctx, job, "Cancellation requested"); err != nil {
		return nil, apperr.Internal("failed to mark cancelling", err)
	}

	if job.CeleryTaskID != "" {
		if err := d.bus.Revoke(ctx, job.CeleryTaskID, true); err != nil {
			d.log.Warn("dispatcher: revoke request for task %s failed: %v", job.CeleryTaskID, err)
		}
	}

	if wasQueued {
		if err := d.store.MarkCancelled(ctx, job, "Job cancelled before execution"); err != nil {
			return nil, apperr.Internal("failed to mark cancelled", err)
		}
		jobsCancelled.Inc()
		return job, nil
	}

	if err := d.store.AppendLog(ctx, job, "Cancellation signal sent to worker"); err != nil {
		return nil, apperr.Internal("failed to append log", err)
	}
	jobsCancelled.Inc()
	return job, nil
}
