// Package health implements the health aggregator: three
// component checks (DB connectivity, broker worker ping, optional
// frontend GET), summarized worst-wins into an overall status and cached
// with a periodic refresh.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Status is one component (or overall) health rank, ordered worst-wins as
// healthy < unknown < degraded < down.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusUnknown  Status = "unknown"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

var rank = map[Status]int{
	StatusHealthy:  0,
	StatusUnknown:  1,
	StatusDegraded: 2,
	StatusDown:     3,
}

// worse returns whichever of a, b ranks worse.
func worse(a, b Status) Status {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

const (
	brokerPingTimeout   = 2 * time.Second
	frontendGetTimeout  = 2500 * time.Millisecond
	refreshInterval     = 60 * time.Second
)

// Checker is one named health probe. Checkers are expected to apply their
// own timeout internally (ctx carries no deadline guarantee beyond what
// the caller of Refresh sets).
type Checker interface {
	Name() string
	Check(ctx context.Context) Status
}

// Summary is the cached aggregate report.
type Summary struct {
	Overall    Status            `json:"overall"`
	Components map[string]Status `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Sweeper is notified on every periodic refresh tick, used to drive the
// audit log's retention sweep off the same cadence instead of only on
// audit writes.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Aggregator runs Checkers, caches the worst-wins Summary, and refreshes
// it on a ticker.
type Aggregator struct {
	checkers []Checker
	sweeper  Sweeper
	log      logger.Logger

	mu      sync.RWMutex
	cached  Summary
	started bool
}

func NewAggregator(log logger.Logger, checkers ...Checker) *Aggregator {
	if log == nil {
		log = logger.Discard
	}
	return &Aggregator{
		checkers: checkers,
		log:      log,
		cached:   Summary{Overall: StatusUnknown, Components: map[string]Status{}},
	}
}

// WithSweeper attaches a Sweeper invoked after every periodic refresh.
func (a *Aggregator) WithSweeper(s Sweeper) *Aggregator {
	a.sweeper = s
	return a
}

// Refresh runs every checker and replaces the cached summary.
func (a *Aggregator) Refresh(ctx context.Context) Summary {
	components := make(map[string]Status, len(a.checkers))
	overall := StatusHealthy
	for _, c := range a.checkers {
		status := c.Check(ctx)
		components[c.Name()] = status
		overall = worse(overall, status)
	}

	summary := Summary{Overall: overall, Components: components, CheckedAt: time.Now().UTC()}

	a.mu.Lock()
	a.cached = summary
	a.mu.Unlock()

	return summary
}

// Get returns the cached summary, or forces a synchronous Refresh first
// when forceRefresh is set (the `force_refresh` query param).
func (a *Aggregator) Get(ctx context.Context, forceRefresh bool) Summary {
	if forceRefresh {
		return a.Refresh(ctx)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cached
}

// Start runs an initial Refresh then ticks every 60s until ctx is done.
// Calling Start more than once is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	a.Refresh(ctx)
	if a.sweeper != nil {
		a.sweeper.Sweep(ctx)
	}

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Refresh(ctx)
				if a.sweeper != nil {
					a.sweeper.Sweep(ctx)
				}
			}
		}
	}()
}

// DBPinger is the narrow interface a SQL connection pool satisfies
// (`*sqlx.DB`/`*pgxpool.Pool` both expose PingContext-shaped methods).
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// DBChecker reports StatusDown when the database doesn't answer a ping.
type DBChecker struct {
	db  DBPinger
	log logger.Logger
}

func NewDBChecker(db DBPinger, log logger.Logger) *DBChecker {
	if log == nil {
		log = logger.Discard
	}
	return &DBChecker{db: db, log: log}
}

func (c *DBChecker) Name() string { return "database" }

func (c *DBChecker) Check(ctx context.Context) Status {
	if err := c.db.PingContext(ctx); err != nil {
		c.log.Warn("health: database ping failed: %v", err)
		return StatusDown
	}
	return StatusHealthy
}

// BrokerPinger is the subset of taskbus.Bus the broker check needs.
type BrokerPinger interface {
	Ping(ctx context.Context, timeout time.Duration) ([]string, error)
}

// BrokerChecker reports StatusDown on a ping error and StatusDegraded
// when the ping succeeds but no workers answered.
type BrokerChecker struct {
	bus BrokerPinger
	log logger.Logger
}

func NewBrokerChecker(bus BrokerPinger, log logger.Logger) *BrokerChecker {
	if log == nil {
		log = logger.Discard
	}
	return &BrokerChecker{bus: bus, log: log}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(ctx context.Context) Status {
	workers, err := c.bus.Ping(ctx, brokerPingTimeout)
	if err != nil {
		c.log.Warn("health: broker ping failed: %v", err)
		return StatusDown
	}
	if len(workers) == 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// FrontendChecker is an optional check that performs a GET against the
// configured frontend base URL; an empty URL skips the GET and reports
// StatusUnknown, which Refresh folds into the worst-wins overall like any
// other status (ranked above healthy).
type FrontendChecker struct {
	url    string
	client *http.Client
	log    logger.Logger
}

func NewFrontendChecker(url string, log logger.Logger) *FrontendChecker {
	if log == nil {
		log = logger.Discard
	}
	return &FrontendChecker{url: url, client: &http.Client{Timeout: frontendGetTimeout}, log: log}
}

func (c *FrontendChecker) Name() string { return "frontend" }

func (c *FrontendChecker) Check(ctx context.Context) Status {
	if c.url == "" {
		return StatusUnknown
	}
	reqCtx, cancel := context.WithTimeout(ctx, frontendGetTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		c.log.Warn("health: build frontend request: %v", err)
		return StatusDown
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("health: frontend check failed: %v", err)
		return StatusDown
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return StatusDown
	}
	if resp.StatusCode >= 400 {
		return StatusDegraded
	}
	return StatusHealthy
}
