package toolkit

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/workerrt"
)

func newLoader(t *testing.T) *Loader {
	t.Helper()
	store := jobstore.New(kv.NewMemoryStore(), "opstoolbox", logger.Discard)
	rt := workerrt.New(store, logger.Discard)
	return NewLoader(rt, logger.Discard)
}

func TestActivateInstallsBackendAndWorkerSides(t *testing.T) {
	loader := newLoader(t)

	var workerRegistered bool
	loader.RegisterFactory("zabbix", Factory{
		Backend: func() (http.Handler, error) {
			return http.NotFoundHandler(), nil
		},
		Worker: func(rt *workerrt.Runtime) error {
			rt.Register("zabbix.bulk_add_hosts", func(ctx context.Context, j *jobstore.Job) error { return nil })
			workerRegistered = true
			return nil
		},
	})

	require.NoError(t, loader.Activate(context.Background(), "zabbix"))
	require.True(t, workerRegistered)
	require.True(t, loader.IsLoaded("zabbix"))

	_, ok := loader.BackendHandler("zabbix")
	require.True(t, ok)
}

func TestActivateIsIdempotent(t *testing.T) {
	loader := newLoader(t)

	calls := 0
	loader.RegisterFactory("zabbix", Factory{
		Backend: func() (http.Handler, error) {
			calls++
			return http.NotFoundHandler(), nil
		},
	})

	require.NoError(t, loader.Activate(context.Background(), "zabbix"))
	require.NoError(t, loader.Activate(context.Background(), "zabbix"))
	require.Equal(t, 1, calls)
}

func TestActivateUnknownSlugErrors(t *testing.T) {
	loader := newLoader(t)
	err := loader.Activate(context.Background(), "missing")
	require.Error(t, err)
}

func TestActivatePropagatesBackendFailure(t *testing.T) {
	loader := newLoader(t)
	loader.RegisterFactory("broken", Factory{
		Backend: func() (http.Handler, error) { return nil, errors.New("boom") },
	})
	err := loader.Activate(context.Background(), "broken")
	require.Error(t, err)
	require.False(t, loader.IsLoaded("broken"))
}

func TestDeactivateClearsLoadedAndHandler(t *testing.T) {
	loader := newLoader(t)
	loader.RegisterFactory("zabbix", Factory{
		Backend: func() (http.Handler, error) { return http.NotFoundHandler(), nil },
	})
	require.NoError(t, loader.Activate(context.Background(), "zabbix"))
	loader.Deactivate("zabbix")

	require.False(t, loader.IsLoaded("zabbix"))
	_, ok := loader.BackendHandler("zabbix")
	require.False(t, ok)
}

func TestEnsureWorkerLoadedDelegatesToActivate(t *testing.T) {
	loader := newLoader(t)
	loader.RegisterFactory("zabbix", Factory{})
	require.NoError(t, loader.EnsureWorkerLoaded(context.Background(), "zabbix"))
	require.True(t, loader.IsLoaded("zabbix"))
}
