// Package latencysleuth is the only compiled-in toolkit this core ships:
// the periodic HTTP-latency probe exemplar that internal/scheduler
// dispatches jobs against. It satisfies the job type
// "latency-sleuth.run_probe" the scheduler sends, exercising the worker
// runtime's handler contract end to end rather than leaving the
// scheduler's own jobs permanently unhandled.
package latencysleuth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/scheduler"
)

// Slug and Operation match scheduler.ProbeToolkit / scheduler.RunProbeOperation.
const (
	Slug      = scheduler.ProbeToolkit
	Operation = scheduler.RunProbeOperation
)

type payload struct {
	TemplateID string `json:"template_id"`
	SampleSize int    `json:"sample_size"`
}

// Sample is one HTTP round trip against the template's URL.
type Sample struct {
	DurationMillis int64 `json:"duration_ms"`
	StatusCode     int   `json:"status_code,omitempty"`
	OK             bool  `json:"ok"`
	Error          string `json:"error,omitempty"`
}

// Result is the job's terminal result payload.
type Result struct {
	TemplateID   string   `json:"template_id"`
	URL          string   `json:"url"`
	SLAMillis    int      `json:"sla_ms"`
	Samples      []Sample `json:"samples"`
	AvgMillis    int64    `json:"avg_ms"`
	MaxMillis    int64    `json:"max_ms"`
	SLABreaches  int      `json:"sla_breaches"`
	SLAViolated  bool     `json:"sla_violated"`
}

// Handler runs probe jobs against templates held in a scheduler.TemplateStore,
// sampling the target URL sample_size times and comparing observed latency
// against the template's sla_ms.
type Handler struct {
	templates *scheduler.TemplateStore
	jobs      jobstore.Store
	client    *http.Client
	log       logger.Logger
}

// NewHandler builds a probe handler. client defaults to a 10s-timeout
// http.Client when nil.
func NewHandler(templates *scheduler.TemplateStore, jobs jobstore.Store, client *http.Client, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Handler{templates: templates, jobs: jobs, client: client, log: log}
}

// Run implements workerrt.Handler for "latency-sleuth.run_probe". It is
// cooperative: between samples it re-reads the job and returns early (via
// MarkCancelled) if the dispatcher has requested cancellation.
func (h *Handler) Run(ctx context.Context, job *jobstore.Job) error {
	var p payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("latencysleuth: decode payload: %w", err)
	}
	if p.SampleSize <= 0 {
		p.SampleSize = scheduler.DefaultSampleSize
	}

	tmpl, err := h.templates.Get(ctx, p.TemplateID)
	if err != nil {
		return fmt.Errorf("latencysleuth: load template %s: %w", p.TemplateID, err)
	}
	if tmpl == nil {
		return fmt.Errorf("latencysleuth: template %s not found", p.TemplateID)
	}

	method := tmpl.Method
	if method == "" {
		method = http.MethodGet
	}

	result := Result{TemplateID: tmpl.ID, URL: tmpl.URL, SLAMillis: tmpl.SLAMillis}
	var total int64

	for i := 0; i < p.SampleSize; i++ {
		current, err := h.jobs.Get(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("latencysleuth: re-read job: %w", err)
		}
		if current != nil && current.Status == jobstore.StatusCancelling {
			return h.jobs.MarkCancelled(ctx, current, "Cancellation acknowledged mid-probe")
		}

		sample := h.sample(ctx, method, tmpl.URL)
		result.Samples = append(result.Samples, sample)
		total += sample.DurationMillis
		if sample.DurationMillis > result.MaxMillis {
			result.MaxMillis = sample.DurationMillis
		}
		if tmpl.SLAMillis > 0 && sample.DurationMillis > int64(tmpl.SLAMillis) {
			result.SLABreaches++
		}

		job.Progress = ((i + 1) * 100) / p.SampleSize
		if err := h.jobs.AppendLog(ctx, job, fmt.Sprintf("Sample %d/%d: %dms (ok=%v)", i+1, p.SampleSize, sample.DurationMillis, sample.OK)); err != nil {
			return fmt.Errorf("latencysleuth: append log: %w", err)
		}
	}

	if len(result.Samples) > 0 {
		result.AvgMillis = total / int64(len(result.Samples))
	}
	result.SLAViolated = result.SLABreaches > 0

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("latencysleuth: encode result: %w", err)
	}
	job.Result = raw
	if err := h.jobs.Save(ctx, job, true); err != nil {
		return fmt.Errorf("latencysleuth: save result: %w", err)
	}
	return nil
}

func (h *Handler) sample(ctx context.Context, method, url string) Sample {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Sample{DurationMillis: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	resp, err := h.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Sample{DurationMillis: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()
	return Sample{
		DurationMillis: elapsed,
		StatusCode:     resp.StatusCode,
		OK:             resp.StatusCode < 500,
	}
}
