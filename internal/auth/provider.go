// Package auth implements the authentication and session core: pluggable
// login providers (local/OIDC/LDAP), JWT access+refresh token issuance and
// rotation, Redis-backed login throttling, and an append-only audit log
// with retention.
package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BeginResult is what a provider's Begin returns: either a same-page form
// the caller should render, or a URL to redirect the browser to.
type BeginResult struct {
	Type string `json:"type"` // "form" or "redirect"
	URL  string `json:"url,omitempty"`
}

// Result is the identity a provider resolves after a successful login,
//
type Result struct {
	ExternalID   string
	Username     string
	Email        string
	DisplayName  string
	ProviderName string
	Attributes   map[string]any
	Roles        []string
}

// CompleteRequest carries whatever a provider needs from the inbound HTTP
// request to finish a login: form credentials for local/LDAP, or the query
// string for an OIDC callback.
type CompleteRequest struct {
	Username string
	Password string
	Query    map[string]string
}

// Provider is the pluggable login contract
type Provider interface {
	Name() string
	Type() string
	Begin(ctx context.Context, req CompleteRequest) (BeginResult, error)
	Complete(ctx context.Context, req CompleteRequest) (Result, error)
}

// Registry holds the enabled providers keyed by each provider's Name().
// BuildRegistry fills it from config and DB definitions, choosing the
// implementation by type.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs or replaces a provider under its own Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// List returns registered providers sorted by name.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ErrProviderNotFound is returned when a name has no registered provider.
type ErrProviderNotFound struct{ Name string }

func (e ErrProviderNotFound) Error() string {
	return fmt.Sprintf("auth: no provider registered with name %q", e.Name)
}
