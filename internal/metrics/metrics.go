// Package metrics is the dual prometheus+statsd collector: prometheus
// counters/histograms are scraped in-process (the same promauto pattern
// internal/dispatcher already uses for its own counters), and Scope
// Count/Timing events go to a Datadog dogstatsd sink when one is
// configured.
package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

const defaultDogStatsdPort = 8125

// CollectorConfig controls the statsd side of the dual sink. Prometheus
// registration is always active; Datadog is opt-in.
type CollectorConfig struct {
	Datadog     bool
	DatadogHost string
	Namespace   string
}

// Collector owns the prometheus registry's job/toolkit-facing gauges plus
// an optional statsd client that receives Scope Count/Timing calls; the
// prometheus metrics are not sent to statsd.
type Collector struct {
	config CollectorConfig
	log    logger.Logger
	client *statsd.Client

	jobsActive     *prometheus.GaugeVec
	toolkitsActive prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func NewCollector(log logger.Logger, cfg CollectorConfig) *Collector {
	if log == nil {
		log = logger.Discard
	}
	return &Collector{
		config: cfg,
		log:    log,
		jobsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opstoolbox",
			Name:      "jobs_active",
			Help:      "Jobs currently in a non-terminal state, by toolkit.",
		}, []string{"toolkit"}),
		toolkitsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "opstoolbox",
			Name:      "toolkits_enabled",
			Help:      "Count of toolkits currently enabled.",
		}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opstoolbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opstoolbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

var portSuffixRegexp = regexp.MustCompile(`:\d+$`)

// Start dials the statsd client when Datadog is enabled. A no-op (and
// nil error) when it isn't -- every Scope method guards on a nil client.
func (c *Collector) Start() error {
	if !c.config.Datadog {
		return nil
	}
	host := c.config.DatadogHost
	if !portSuffixRegexp.MatchString(host) {
		host = fmt.Sprintf("%s:%d", host, defaultDogStatsdPort)
	}
	c.log.Info("metrics: starting datadog collection to %s", host)

	namespace := c.config.Namespace
	if namespace == "" {
		namespace = "opstoolbox."
	}
	client, err := statsd.New(host, statsd.WithNamespace(namespace))
	if err != nil {
		return fmt.Errorf("metrics: dial statsd: %w", err)
	}
	c.client = client
	return nil
}

func (c *Collector) Stop() error {
	if c.client == nil {
		return nil
	}
	c.log.Info("metrics: stopping collection")
	return c.client.Close()
}

// ObserveHTTP records one request's prometheus counters and histogram.
func (c *Collector) ObserveHTTP(route, statusClass string, dur time.Duration) {
	c.httpRequests.WithLabelValues(route, statusClass).Inc()
	c.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (c *Collector) SetJobsActive(toolkit string, n float64) { c.jobsActive.WithLabelValues(toolkit).Set(n) }
func (c *Collector) SetToolkitsEnabled(n float64)             { c.toolkitsActive.Set(n) }

// Scope carries a base tag set for ad-hoc statsd events (toolkit
// activation, job lifecycle) that don't warrant a dedicated prometheus
// metric.
func (c *Collector) Scope(tags Tags) *Scope {
	return &Scope{tags: tags, c: c}
}

type Scope struct {
	tags Tags
	c    *Collector
}

func (s *Scope) With(tags Tags) *Scope {
	return &Scope{tags: s.mergeTags(tags), c: s.c}
}

func (s *Scope) Count(name string, value int64, tags ...Tags) {
	if s.c.client == nil {
		return
	}
	merged := s.mergeTags(tags...).StringSlice()
	s.c.log.Debug("metrics: count %s=%d %v", name, value, merged)
	if err := s.c.client.Count(name, value, merged, 1); err != nil {
		s.c.log.Error("metrics: count failed: %v", err)
	}
}

func (s *Scope) Timing(name string, value time.Duration, tags ...Tags) {
	if s.c.client == nil {
		return
	}
	merged := s.mergeTags(tags...).StringSlice()
	s.c.log.Debug("metrics: timing %s=%v %v", name, value, merged)
	if err := s.c.client.Timing(name, value, merged, 1); err != nil {
		s.c.log.Error("metrics: timing failed: %v", err)
	}
}

func (s *Scope) mergeTags(tagsSlice ...Tags) Tags {
	merged := Tags{}
	for k, v := range s.tags {
		merged[formatName(k)] = formatName(v)
	}
	for _, tags := range tagsSlice {
		for k, v := range tags {
			merged[formatName(k)] = formatName(v)
		}
	}
	return merged
}

type Tags map[string]string

func (tags Tags) StringSlice() []string {
	var out []string
	for k, v := range tags {
		if k != "" && v != "" {
			out = append(out, formatName(k)+":"+formatName(v))
		}
	}
	sort.Strings(out)
	return out
}

var nameRegex = regexp.MustCompile(`[^\._a-zA-Z0-9]+`)

func formatName(name string) string {
	return nameRegex.ReplaceAllString(name, "_")
}
