// Package httpapi implements the HTTP edge: the chi router
// mounting every external route, role-gated by auth.Claims extracted from
// an access token, with errors translated uniformly through apperr and
// every request observed by internal/metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/auth"
	"github.com/sxmxc/opstoolbox/internal/catalog"
	"github.com/sxmxc/opstoolbox/internal/config"
	"github.com/sxmxc/opstoolbox/internal/dispatcher"
	"github.com/sxmxc/opstoolbox/internal/health"
	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/metrics"
	"github.com/sxmxc/opstoolbox/internal/sqlstore"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

const (
	accessTokenCookie  = "access_token"
	refreshTokenCookie = "refresh_token"
)

var (
	authErrMissingToken = apperr.New(apperr.KindAuth, "missing bearer token")
	authErrForbidden    = apperr.New(apperr.KindForbidden, "caller lacks a required role")
)

// Deps carries every collaborator the HTTP edge calls into, assembled by
// cmd/server.
type Deps struct {
	Log        logger.Logger
	Config     *config.Config
	Dispatcher *dispatcher.Dispatcher
	Jobs       jobstore.Store
	Toolkits   toolkit.Store
	Ingester   *toolkit.Ingester
	Loader     *toolkit.Loader
	Catalog    *catalog.Client
	Installer  *catalog.Installer
	Registry   *auth.Registry
	Tokens     *auth.TokenService
	Audit      *auth.Service
	Users      *sqlstore.UserBackend
	Settings   *sqlstore.SettingsBackend
	Health     *health.Aggregator
	Metrics    *metrics.Collector
}

// Server owns the chi router and every dependency a handler needs.
type Server struct {
	log        logger.Logger
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	jobs       jobstore.Store
	toolkits   toolkit.Store
	ingester   *toolkit.Ingester
	loader     *toolkit.Loader
	catalog    *catalog.Client
	installer  *catalog.Installer
	registry   *auth.Registry
	tokens     *auth.TokenService
	audit      *auth.Service
	users      *sqlstore.UserBackend
	settings   *sqlstore.SettingsBackend
	health     *health.Aggregator
	metrics    *metrics.Collector
}

func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.Discard
	}
	return &Server{
		log:        log,
		cfg:        deps.Config,
		dispatcher: deps.Dispatcher,
		jobs:       deps.Jobs,
		toolkits:   deps.Toolkits,
		ingester:   deps.Ingester,
		loader:     deps.Loader,
		catalog:    deps.Catalog,
		installer:  deps.Installer,
		registry:   deps.Registry,
		tokens:     deps.Tokens,
		audit:      deps.Audit,
		users:      deps.Users,
		settings:   deps.Settings,
		health:     deps.Health,
		metrics:    deps.Metrics,
	}
}

// Handler builds the complete chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		loggerMiddleware(s.log),
		middleware.Recoverer,
		s.headersMiddleware,
		s.metricsMiddleware,
	)

	r.Get("/health", s.healthSummary)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/dashboard", func(r chi.Router) {
		r.With(s.requireRole(roleToolkitUser)).Get("/", s.dashboard)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Use(s.requireRole(roleToolkitUser))
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
	})

	r.Route("/toolkits", func(r chi.Router) {
		r.With(s.requireRole(roleToolkitUser)).Get("/", s.listToolkits)
		r.With(s.requireRole(roleSuperuser)).Post("/", s.createToolkit)
		r.With(s.requireRole(roleToolkitCurator)).Put("/{slug}", s.updateToolkit)
		r.With(s.requireRole(roleSuperuser)).Delete("/{slug}", s.deleteToolkit)
		r.With(s.requireRole(roleSuperuser)).Post("/install", s.installToolkitUpload)
		r.With(s.requireRole(roleSuperuser)).Post("/community/install", s.installToolkitCommunity)
		r.With(s.requireRole(roleToolkitCurator)).Get("/community", s.browseCatalog)
		r.With(s.requireRole(roleToolkitCurator)).Get("/community/updates", s.listUpdates)
		r.With(s.requireRole(roleToolkitUser)).Post("/{slug}/jobs", s.createToolkitJob)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login/{provider}", s.login)
		r.Get("/providers", s.listProviders)
		r.Get("/providers/{name}/begin", s.beginLogin)
		r.Get("/providers/{name}/callback", s.oidcCallback)
		r.Post("/refresh", s.refresh)
		r.Post("/logout", s.logout)
		r.With(s.requireRole()).Get("/me", s.me)
	})

	r.Route("/admin/security", func(r chi.Router) {
		r.Use(s.requireRole(roleSystemAdmin))
		r.Get("/settings", s.getSecuritySettings)
		r.Put("/settings", s.putSecuritySettings)
		r.Get("/audit-logs", s.listAuditLogs)
	})

	r.NotFound(s.toolkitBackendFallback)

	return r
}

// metricsMiddleware observes request count/latency by route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		statusClass := statusClassOf(ww.Status())
		s.metrics.ObserveHTTP(route, statusClass, time.Since(start))
	})
}

func statusClassOf(status int) string {
	switch {
	case status == 0:
		return "2xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
