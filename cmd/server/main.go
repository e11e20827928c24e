// Command server runs the HTTP API process: the job store, toolkit
// registry, auth core, catalog service, and health aggregator wired
// together behind the chi router in internal/httpapi.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sxmxc/opstoolbox/internal/auth"
	"github.com/sxmxc/opstoolbox/internal/catalog"
	"github.com/sxmxc/opstoolbox/internal/config"
	"github.com/sxmxc/opstoolbox/internal/dispatcher"
	"github.com/sxmxc/opstoolbox/internal/health"
	"github.com/sxmxc/opstoolbox/internal/httpapi"
	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/latencysleuth"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/metrics"
	"github.com/sxmxc/opstoolbox/internal/scheduler"
	"github.com/sxmxc/opstoolbox/internal/secretref"
	"github.com/sxmxc/opstoolbox/internal/sqlstore"
	"github.com/sxmxc/opstoolbox/internal/taskbus"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
	"github.com/sxmxc/opstoolbox/internal/workerrt"
)

const defaultCatalogURL = "https://opstoolbox-catalog.github.io/catalog.json"

func main() {
	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stdout), os.Exit)

	if err := run(log); err != nil {
		log.Error("server: %v", err)
		os.Exit(1)
	}
}

func run(log logger.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, kvStore, err := connectRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := sqlstore.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus := taskbus.NewRedisBus(rdb, cfg.RedisPrefix, log)

	jobs := jobstore.New(kvStore, cfg.RedisPrefix, log)
	disp := dispatcher.New(jobs, bus, log)

	toolkitBackend := sqlstore.NewToolkitBackend(db)
	toolkits := toolkit.New(toolkitBackend, kvStore, cfg.RedisPrefix, log)

	runtime := workerrt.New(jobs, log)
	loader := toolkit.NewLoader(runtime, log)
	runtime.WithLoader(loader)
	registerBuiltinFactories(loader, kvStore, jobs, cfg, log)
	if err := seedBuiltinToolkits(ctx, toolkits, loader, log); err != nil {
		return fmt.Errorf("seed builtin toolkits: %w", err)
	}

	ingester := toolkit.NewIngester(toolkits, cfg.ToolkitStorageDir, cfg.ToolkitUploadMaxBytes,
		cfg.ToolkitBundleMaxFileBytes, cfg.ToolkitBundleMaxBytes, loader, log)

	settings := sqlstore.NewSettingsBackend(db)
	catalogClient := catalog.NewClient(defaultCatalogURL, settings, log)
	installer := catalog.NewInstaller(catalogClient, ingester, cfg.ToolkitBundleMaxBytes, log)

	users := sqlstore.NewUserBackend(db)
	sessions := sqlstore.NewSessionBackend(db)
	auditBackend := sqlstore.NewAuditBackend(db)
	auditSvc := auth.NewService(auditBackend, cfg.AuditLogRetentionDays, log)

	tokenCfg, err := buildTokenConfig(cfg)
	if err != nil {
		return fmt.Errorf("build token config: %w", err)
	}
	tokens := auth.NewTokenService(tokenCfg, sessions, auditSvc, log)

	registry, err := buildAuthRegistry(ctx, db, kvStore, users, auditSvc, cfg, log)
	if err != nil {
		return fmt.Errorf("build auth provider registry: %w", err)
	}

	metricsCollector := metrics.NewCollector(log, metrics.CollectorConfig{Namespace: "opstoolbox"})
	if err := metricsCollector.Start(); err != nil {
		log.Warn("server: metrics collector start: %v", err)
	}
	defer metricsCollector.Stop()

	aggregator := health.NewAggregator(log,
		health.NewDBChecker(db, log),
		health.NewBrokerChecker(bus, log),
		health.NewFrontendChecker(cfg.FrontendBaseURL, log),
	).WithSweeper(auditSvc)
	aggregator.Start(ctx)

	srv := httpapi.NewServer(httpapi.Deps{
		Log:        log,
		Config:     cfg,
		Dispatcher: disp,
		Jobs:       jobs,
		Toolkits:   toolkits,
		Ingester:   ingester,
		Loader:     loader,
		Catalog:    catalogClient,
		Installer:  installer,
		Registry:   registry,
		Tokens:     tokens,
		Audit:      auditSvc,
		Users:      users,
		Settings:   settings,
		Health:     aggregator,
		Metrics:    metricsCollector,
	})

	httpServer := &http.Server{
		Addr:              getenvDefault("HTTP_ADDR", ":8080"),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server: listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Notice("server: shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func connectRedis(cfg *config.Config) (*redis.Client, kv.Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	return rdb, kv.NewRedisStore(rdb), nil
}

// registerBuiltinFactories installs the only compiled-in toolkit this core
// ships -- the latency-sleuth probe exemplar internal/scheduler dispatches
// jobs against.
func registerBuiltinFactories(loader *toolkit.Loader, kvStore kv.Store, jobs jobstore.Store, cfg *config.Config, log logger.Logger) {
	templates := scheduler.NewTemplateStore(kvStore, cfg.RedisPrefix)
	probe := latencysleuth.NewHandler(templates, jobs, nil, log)
	jobType := latencysleuth.Slug + "." + latencysleuth.Operation
	loader.RegisterFactory(latencysleuth.Slug, toolkit.Factory{
		Worker: func(rt *workerrt.Runtime) error {
			rt.Register(jobType, probe.Run)
			return nil
		},
	})
}

// seedBuiltinToolkits ensures the latency-sleuth toolkit record exists so
// it's visible to GET /toolkits/ and activated on first boot, the way a
// real deployment seeds its builtin bundles -- an origin=builtin record
// never needs an upload to reach the installed state.
func seedBuiltinToolkits(ctx context.Context, toolkits toolkit.Store, loader *toolkit.Loader, log logger.Logger) error {
	existing, err := toolkits.Get(ctx, latencysleuth.Slug)
	if err != nil {
		return err
	}
	if existing == nil {
		rec := &toolkit.Record{
			Slug:        latencysleuth.Slug,
			Name:        "Latency Sleuth",
			Description: "Periodic HTTP latency probes against operator-defined templates.",
			BasePath:    "/toolkits/" + latencysleuth.Slug,
			Enabled:     true,
			Category:    "monitoring",
			Origin:      toolkit.OriginBuiltin,
			Version:     "1.0.0",
		}
		if err := toolkits.Create(ctx, rec); err != nil {
			return err
		}
		existing = rec
	}
	if existing.Enabled {
		if err := loader.Activate(ctx, latencysleuth.Slug); err != nil {
			log.Warn("server: activate latency-sleuth: %v", err)
		}
	}
	return nil
}

func buildAuthRegistry(ctx context.Context, db *sqlstore.DB, kvStore kv.Store, users *sqlstore.UserBackend, auditSvc *auth.Service, cfg *config.Config, log logger.Logger) (*auth.Registry, error) {
	defs, err := auth.LoadProviderDefs(cfg.AuthProvidersJSON, cfg.AuthProvidersFile)
	if err != nil {
		return nil, err
	}
	// Merge in any provider configs stored in auth_provider_configs
	// alongside the env-supplied definitions.
	providerConfigs := sqlstore.NewProviderConfigBackend(db)
	stored, err := providerConfigs.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range stored {
		defs = append(defs, auth.ProviderDef{Name: row.Name, Type: row.Type, Enabled: row.Enabled, Config: row.Config})
	}

	var secrets secretref.Store = secretref.Unconfigured{}
	if cfg.VaultAddr != "" {
		log.Warn("server: VAULT_ADDR configured but no Vault client is wired in this build; secret references will fail to resolve")
	}

	throttle := auth.ThrottleConfig{MaxAttempts: 5, WindowSeconds: 300, LockoutSeconds: 900}

	registry, skipped, err := auth.BuildRegistry(ctx, defs, auth.BootstrapDeps{
		KV:          kvStore,
		KeyPrefix:   cfg.RedisPrefix,
		Secrets:     secrets,
		Credentials: users,
		Throttle:    throttle,
		Audit:       auditSvc,
		OnLocalLogin: func(ctx context.Context, userID string) error {
			return users.MarkLogin(ctx, userID)
		},
		StateSecret: stateSecret(cfg),
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	for _, name := range skipped {
		log.Warn("server: provider %s not registered, see prior warning", name)
	}
	return registry, nil
}

func stateSecret(cfg *config.Config) []byte {
	if cfg.AuthStateSecret != "" {
		return []byte(cfg.AuthStateSecret)
	}
	return []byte(cfg.AuthJWTSecret)
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
