// Package workerrt implements the worker-side half of job execution: a
// handler registry keyed by job type, a RunJob entry point driving the
// single job state machine, and the lazy-toolkit-load hook that lets a
// handler appear after a bundle is activated without restarting the
// worker process.
package workerrt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Handler executes one job. Implementations are expected to periodically
// re-read the job via the store and, if its status has moved to
// cancelling, call MarkCancelled and return -- this is the cooperative
// cancellation contract
type Handler func(ctx context.Context, job *jobstore.Job) error

// Loader resolves a toolkit's worker-side handlers on demand. It is
// satisfied by internal/toolkit.Loader; workerrt only depends on this
// narrow interface to avoid importing the toolkit package directly.
type Loader interface {
	EnsureWorkerLoaded(ctx context.Context, slug string) error
}

// Runtime owns the handler registry and drives RunJob.
type Runtime struct {
	store jobstore.Store
	log   logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	loader Loader
}

func New(store jobstore.Store, log logger.Logger) *Runtime {
	if log == nil {
		log = logger.Discard
	}
	return &Runtime{store: store, log: log, handlers: make(map[string]Handler)}
}

// WithLoader attaches the toolkit loader used for lazy handler resolution.
func (r *Runtime) WithLoader(loader Loader) *Runtime {
	r.loader = loader
	return r
}

// Register installs (or replaces) the handler for jobType, e.g.
// "zabbix.bulk_add_hosts".
func (r *Runtime) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Runtime) lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// slugOf returns the toolkit slug component of a "{toolkit}.{operation}"
// job type.
func slugOf(jobType string) string {
	slug, _, _ := strings.Cut(jobType, ".")
	return slug
}

// RunJob is the worker entry point invoked for every popped broker task. It
// drives the job through load, cancellation check, running transition,
// handler dispatch, and terminal-state fallback.
func (r *Runtime) RunJob(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("workerrt: load job %s: %w", jobID, err)
	}
	if job == nil {
		return nil
	}

	switch job.Status {
	case jobstore.StatusCancelling:
		return r.store.MarkCancelled(ctx, job, "Cancellation acknowledged before execution")
	case jobstore.StatusCancelled:
		return nil
	}

	job.Status = jobstore.StatusRunning
	job.Progress = 0
	if err := r.store.Save(ctx, job, true); err != nil {
		return fmt.Errorf("workerrt: mark running: %w", err)
	}
	if err := r.store.AppendLog(ctx, job, "Job execution started"); err != nil {
		return fmt.Errorf("workerrt: append start log: %w", err)
	}

	handler, ok := r.lookup(job.Type)
	if !ok && r.loader != nil {
		if loadErr := r.loader.EnsureWorkerLoaded(ctx, slugOf(job.Type)); loadErr != nil {
			r.log.Warn("workerrt: lazy load of toolkit %s failed: %v", slugOf(job.Type), loadErr)
		}
		handler, ok = r.lookup(job.Type)
	}
	if !ok {
		return r.fail(ctx, job, fmt.Sprintf("No handler registered for job type %s", job.Type))
	}

	if err := handler(ctx, job); err != nil {
		return r.fail(ctx, job, err.Error())
	}

	// Re-read before deciding the default terminal status: the handler or a
	// concurrent cancellation may have already moved it to a terminal state.
	final, err := r.store.Get(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("workerrt: reload after handler: %w", err)
	}
	if final == nil {
		return nil
	}
	if !final.Status.Terminal() {
		final.Status = jobstore.StatusSucceeded
		final.Progress = 100
		if err := r.store.Save(ctx, final, true); err != nil {
			return fmt.Errorf("workerrt: save default-succeeded: %w", err)
		}
	}
	return nil
}

func (r *Runtime) fail(ctx context.Context, job *jobstore.Job, msg string) error {
	// Re-read first: a concurrent cancel may have finalized the record while
	// the handler was failing, and terminal state is immutable.
	if current, err := r.store.Get(ctx, job.ID); err == nil && current != nil {
		if current.Status.Terminal() {
			return nil
		}
		job = current
	}
	job.Status = jobstore.StatusFailed
	job.Error = msg
	job.Logs = append(job.Logs, jobstore.LogEntry{Timestamp: time.Now().UTC(), Message: "Error: " + msg})
	if err := r.store.Save(ctx, job, true); err != nil {
		return fmt.Errorf("workerrt: save failure: %w", err)
	}
	return nil
}
