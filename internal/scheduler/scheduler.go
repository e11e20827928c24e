package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/taskbus"
)

const (
	// ProbeToolkit and RunProbeOperation identify the job type the
	// scheduler dispatches
	ProbeToolkit      = "latency-sleuth"
	RunProbeOperation = "run_probe"

	// DefaultQueue is the broker queue scheduled probes are sent to.
	DefaultQueue = "default"

	// DefaultStaleJobGrace matches the STALE_JOB_GRACE_SECONDS default of
	// 120 seconds.
	DefaultStaleJobGrace = 120 * time.Second

	// DefaultSampleSize is used for `payload.sample_size` when the caller
	// hasn't configured a different value.
	DefaultSampleSize = 5

	reserveRetries = 5
)

type probePayload struct {
	TemplateID string `json:"template_id"`
	SampleSize int    `json:"sample_size"`
}

// Scheduler runs the two-pass probe dispatch loop
type Scheduler struct {
	templates *TemplateStore
	jobs      jobstore.Store
	bus       taskbus.Bus
	log       logger.Logger

	queue       string
	sampleSize  int
	staleGrace  time.Duration

	mu      sync.Mutex
	running bool
}

func New(templates *TemplateStore, jobs jobstore.Store, bus taskbus.Bus, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard
	}
	return &Scheduler{
		templates:  templates,
		jobs:       jobs,
		bus:        bus,
		log:        log,
		queue:      DefaultQueue,
		sampleSize: DefaultSampleSize,
		staleGrace: DefaultStaleJobGrace,
	}
}

func (s *Scheduler) WithQueue(queue string) *Scheduler      { s.queue = queue; return s }
func (s *Scheduler) WithSampleSize(n int) *Scheduler        { s.sampleSize = n; return s }
func (s *Scheduler) WithStaleGrace(d time.Duration) *Scheduler { s.staleGrace = d; return s }

// Start launches the scheduler loop once per process, guarded by a mutex
// and a running flag A second Start call is a no-op.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.bootstrap(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// bootstrap sets next_run_at=now for any template lacking one.
func (s *Scheduler) bootstrap(ctx context.Context) {
	templates, err := s.templates.List(ctx)
	if err != nil {
		s.log.Error("scheduler: bootstrap list templates: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, t := range templates {
		if t.NextRunAt != nil {
			continue
		}
		t.NextRunAt = &now
		if err := s.templates.Save(ctx, t); err != nil {
			s.log.Warn("scheduler: bootstrap save template %s: %v", t.ID, err)
		}
	}
}

// RunOnce runs Pass A then Pass B once, logging (not returning) errors so a
// single bad template or job can't starve the rest.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if err := s.PassA(ctx); err != nil {
		s.log.Error("scheduler: pass A: %v", err)
	}
	if err := s.PassB(ctx); err != nil {
		s.log.Error("scheduler: pass B: %v", err)
	}
}

// PassA dispatches due templates
func (s *Scheduler) PassA(ctx context.Context) error {
	now := time.Now().UTC()
	templates, err := s.templates.List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: pass A list templates: %w", err)
	}

	for _, tmpl := range templates {
		if !tmpl.due(now) {
			continue
		}

		active, err := s.hasNonTerminalJob(ctx, tmpl.ID)
		if err != nil {
			s.log.Error("scheduler: checking active jobs for template %s: %v", tmpl.ID, err)
			continue
		}
		if active {
			continue
		}

		reserved, ok, err := s.reserveWithRetry(ctx, tmpl.ID, now)
		if err != nil {
			s.log.Error("scheduler: reserve template %s: %v", tmpl.ID, err)
			continue
		}
		if !ok {
			continue
		}

		if err := s.dispatchProbe(ctx, reserved); err != nil {
			s.log.Error("scheduler: dispatch probe for template %s: %v", tmpl.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) reserveWithRetry(ctx context.Context, id string, now time.Time) (*ProbeTemplate, bool, error) {
	for attempt := 0; attempt < reserveRetries; attempt++ {
		reserved, ok, err := s.templates.Reserve(ctx, id, now)
		if err == nil {
			return reserved, ok, nil
		}
		if errors.Is(err, kv.ErrConflict) {
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("exhausted retries reserving template %s", id)
}

func (s *Scheduler) hasNonTerminalJob(ctx context.Context, templateID string) (bool, error) {
	jobs, _, err := s.jobs.List(ctx, jobstore.Filters{Toolkits: []string{ProbeToolkit}}, 0, 0)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		var p probePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			continue
		}
		if p.TemplateID == templateID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) dispatchProbe(ctx context.Context, tmpl *ProbeTemplate) error {
	payload, err := json.Marshal(probePayload{TemplateID: tmpl.ID, SampleSize: s.sampleSize})
	if err != nil {
		return fmt.Errorf("encode probe payload: %w", err)
	}

	job, err := s.jobs.Create(ctx, ProbeToolkit, RunProbeOperation, payload)
	if err != nil {
		return fmt.Errorf("create probe job: %w", err)
	}

	if err := s.jobs.AppendLog(ctx, job, "Scheduled run enqueued"); err != nil {
		s.log.Warn("scheduler: append scheduled-run log for job %s: %v", job.ID, err)
	}

	taskID, err := s.bus.Send(ctx, taskbus.RunJobTask, []string{job.ID}, s.queue)
	if err != nil {
		job.Status = jobstore.StatusFailed
		job.Error = fmt.Sprintf("broker send failed: %v", err)
		if saveErr := s.jobs.Save(ctx, job, true); saveErr != nil {
			s.log.Error("scheduler: persist broker-send failure for job %s: %v", job.ID, saveErr)
		}
		return fmt.Errorf("send probe task: %w", err)
	}
	return s.jobs.AttachBrokerTask(ctx, job, taskID)
}

// PassB resubmits stale queued probe jobs to the broker
func (s *Scheduler) PassB(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.staleGrace)
	jobs, _, err := s.jobs.List(ctx, jobstore.Filters{
		Toolkits: []string{ProbeToolkit},
		Statuses: []string{string(jobstore.StatusQueued)},
	}, 0, 0)
	if err != nil {
		return fmt.Errorf("scheduler: pass B list stale jobs: %w", err)
	}

	for _, job := range jobs {
		if job.CreatedAt.After(cutoff) {
			continue
		}

		taskID, err := s.bus.Send(ctx, taskbus.RunJobTask, []string{job.ID}, s.queue)
		if err != nil {
			s.log.Error("scheduler: resubmit job %s failed: %v", job.ID, err)
			continue
		}
		if err := s.jobs.AttachBrokerTask(ctx, job, taskID); err != nil {
			s.log.Error("scheduler: attach resubmitted task for job %s failed: %v", job.ID, err)
			continue
		}
		if err := s.jobs.AppendLog(ctx, job, fmt.Sprintf("Resubmitted queued probe to worker task %s", taskID)); err != nil {
			s.log.Warn("scheduler: append resubmit log for job %s: %v", job.ID, err)
		}
	}
	return nil
}
