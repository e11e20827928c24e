// Package taskbus abstracts the Celery-compatible broker integration:
// any AMQP/Redis/NATS backend that can Send a named task, Revoke it, and
// answer a worker Ping satisfies Bus. The dispatcher and scheduler depend
// only on this interface, never on a concrete broker client.
package taskbus

import (
	"context"
	"time"
)

// Bus is the TaskBus contract
type Bus interface {
	// Send enqueues a task by name with the given args on queue, returning
	// the broker's opaque task identifier.
	Send(ctx context.Context, task string, args []string, queue string) (taskID string, err error)
	// Revoke asks the broker to drop (and optionally terminate) a task.
	// Revocation is advisory: the broker may have already
	// started or finished the task.
	Revoke(ctx context.Context, taskID string, terminate bool) error
	// Ping reports the names of workers that responded within timeout.
	Ping(ctx context.Context, timeout time.Duration) ([]string, error)
}

// RunJobTask is the task name the dispatcher sends for every enqueued job,
// matching the Celery task `worker.tasks.run_job`
const RunJobTask = "worker.tasks.run_job"
