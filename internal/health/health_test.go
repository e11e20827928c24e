package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

type fakeChecker struct {
	name   string
	status Status
}

func (c fakeChecker) Name() string                      { return c.name }
func (c fakeChecker) Check(_ context.Context) Status     { return c.status }

func TestRefreshPicksWorstWinsOverall(t *testing.T) {
	agg := NewAggregator(logger.Discard,
		fakeChecker{"database", StatusHealthy},
		fakeChecker{"broker", StatusDegraded},
		fakeChecker{"frontend", StatusUnknown},
	)

	summary := agg.Refresh(context.Background())
	require.Equal(t, StatusDegraded, summary.Overall)
	require.Equal(t, StatusHealthy, summary.Components["database"])
	require.Equal(t, StatusDegraded, summary.Components["broker"])
}

func TestRefreshRanksDownAsWorstOfAll(t *testing.T) {
	agg := NewAggregator(logger.Discard,
		fakeChecker{"database", StatusDown},
		fakeChecker{"broker", StatusDegraded},
	)
	summary := agg.Refresh(context.Background())
	require.Equal(t, StatusDown, summary.Overall)
}

func TestGetReturnsCachedSummaryWithoutForceRefresh(t *testing.T) {
	agg := NewAggregator(logger.Discard, fakeChecker{"database", StatusHealthy})

	first := agg.Get(context.Background(), true)
	require.Equal(t, StatusHealthy, first.Overall)

	cached := agg.Get(context.Background(), false)
	require.Equal(t, first.CheckedAt, cached.CheckedAt)
}

type fakeSweeper struct{ calls int }

func (s *fakeSweeper) Sweep(_ context.Context) { s.calls++ }

func TestStartTriggersSweeperAlongsideRefresh(t *testing.T) {
	agg := NewAggregator(logger.Discard, fakeChecker{"database", StatusHealthy})
	sweeper := &fakeSweeper{}
	agg.WithSweeper(sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	go agg.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	require.GreaterOrEqual(t, sweeper.calls, 1)
}

func TestDBCheckerReportsDownOnPingError(t *testing.T) {
	checker := NewDBChecker(failingPinger{}, logger.Discard)
	require.Equal(t, StatusDown, checker.Check(context.Background()))
}

type failingPinger struct{}

func (failingPinger) PingContext(_ context.Context) error { return context.DeadlineExceeded }

type okPinger struct{}

func (okPinger) PingContext(_ context.Context) error { return nil }

func TestDBCheckerReportsHealthyOnSuccess(t *testing.T) {
	checker := NewDBChecker(okPinger{}, logger.Discard)
	require.Equal(t, StatusHealthy, checker.Check(context.Background()))
}

type fakeBroker struct {
	workers []string
	err     error
}

func (b fakeBroker) Ping(_ context.Context, _ time.Duration) ([]string, error) {
	return b.workers, b.err
}

func TestBrokerCheckerDegradedWhenNoWorkers(t *testing.T) {
	checker := NewBrokerChecker(fakeBroker{workers: nil}, logger.Discard)
	require.Equal(t, StatusDegraded, checker.Check(context.Background()))
}

func TestBrokerCheckerHealthyWhenWorkersPresent(t *testing.T) {
	checker := NewBrokerChecker(fakeBroker{workers: []string{"worker-1"}}, logger.Discard)
	require.Equal(t, StatusHealthy, checker.Check(context.Background()))
}

func TestFrontendCheckerUnknownWhenURLUnset(t *testing.T) {
	checker := NewFrontendChecker("", logger.Discard)
	require.Equal(t, StatusUnknown, checker.Check(context.Background()))
}

func TestFrontendCheckerHealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewFrontendChecker(srv.URL, logger.Discard)
	require.Equal(t, StatusHealthy, checker.Check(context.Background()))
}

func TestFrontendCheckerDownOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	checker := NewFrontendChecker(srv.URL, logger.Discard)
	require.Equal(t, StatusDown, checker.Check(context.Background()))
}
