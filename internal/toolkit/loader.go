package toolkit

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/workerrt"
)

// BackendFactory builds the HTTP handler a toolkit mounts at its base path.
type BackendFactory func() (http.Handler, error)

// WorkerFactory registers a toolkit's job handlers against the worker
// runtime.
type WorkerFactory func(runtime *workerrt.Runtime) error

// Factory bundles the backend and worker sides a slug can provide; either
// may be nil for a toolkit that only has one side.
type Factory struct {
	Backend BackendFactory
	Worker  WorkerFactory
}

// Loader stands in for the original's dynamic module import.
// Go has no equivalent of replacing an arbitrary importable module at
// runtime from a directory on disk, so activation here resolves a slug
// against a registry of compiled-in factories instead: RegisterFactory is
// called once per shipped toolkit at process init, and Activate/Deactivate
// track which slugs are currently "loaded" the way the original's
// loaded_slugs set does.
type Loader struct {
	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]bool
	handlers  map[string]http.Handler

	runtime *workerrt.Runtime
	log     logger.Logger
}

func NewLoader(runtime *workerrt.Runtime, log logger.Logger) *Loader {
	if log == nil {
		log = logger.Discard
	}
	return &Loader{
		factories: make(map[string]Factory),
		loaded:    make(map[string]bool),
		handlers:  make(map[string]http.Handler),
		runtime:   runtime,
		log:       log,
	}
}

// RegisterFactory installs the compiled-in factory for slug.
func (l *Loader) RegisterFactory(slug string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[slug] = f
}

// Activate loads slug's backend/worker sides if not already loaded.
// Idempotent: a no-op if the slug is already loaded.
func (l *Loader) Activate(ctx context.Context, slug string) error {
	l.mu.Lock()
	if l.loaded[slug] {
		l.mu.Unlock()
		return nil
	}
	factory, ok := l.factories[slug]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("toolkit: no compiled-in factory registered for slug %q", slug)
	}

	if factory.Backend != nil {
		handler, err := factory.Backend()
		if err != nil {
			return fmt.Errorf("toolkit: backend activation for %s failed: %w", slug, err)
		}
		l.mu.Lock()
		l.handlers[slug] = handler
		l.mu.Unlock()
	}

	if factory.Worker != nil && l.runtime != nil {
		if err := factory.Worker(l.runtime); err != nil {
			return fmt.Errorf("toolkit: worker activation for %s failed: %w", slug, err)
		}
	}

	l.mu.Lock()
	l.loaded[slug] = true
	l.mu.Unlock()
	return nil
}

// EnsureWorkerLoaded satisfies workerrt.Loader for the worker runtime's lazy
// handler-resolution hook.
func (l *Loader) EnsureWorkerLoaded(ctx context.Context, slug string) error {
	return l.Activate(ctx, slug)
}

// Deactivate clears the loaded flag and any mounted backend handler for
// slug, invoked when a toolkit is deleted or disabled.
func (l *Loader) Deactivate(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loaded, slug)
	delete(l.handlers, slug)
}

// BackendHandler returns the mounted handler for an activated toolkit, if
// any.
func (l *Loader) BackendHandler(slug string) (http.Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[slug]
	return h, ok
}

// IsLoaded reports whether slug is currently activated.
func (l *Loader) IsLoaded(slug string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded[slug]
}
