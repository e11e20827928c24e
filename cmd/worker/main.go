// Command worker runs the worker process: it pops run_job tasks off the
// task bus, drives them through internal/workerrt, and owns the scheduler
// loop that dispatches periodic latency-sleuth probes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sxmxc/opstoolbox/internal/config"
	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/latencysleuth"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/scheduler"
	"github.com/sxmxc/opstoolbox/internal/sqlstore"
	"github.com/sxmxc/opstoolbox/internal/taskbus"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
	"github.com/sxmxc/opstoolbox/internal/workerrt"
)

const (
	defaultQueue         = scheduler.DefaultQueue
	defaultPopTimeout    = 5 * time.Second
	defaultSchedulerTick = 30 * time.Second
	heartbeatInterval    = 10 * time.Second
)

func main() {
	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stdout), os.Exit)

	if err := run(log); err != nil {
		log.Error("worker: %v", err)
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

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	kvStore := kv.NewRedisStore(rdb)

	db, err := sqlstore.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus := taskbus.NewRedisBus(rdb, cfg.RedisPrefix, log)
	jobs := jobstore.New(kvStore, cfg.RedisPrefix, log)

	runtime := workerrt.New(jobs, log)
	loader := toolkit.NewLoader(runtime, log)
	runtime.WithLoader(loader)
	templates := scheduler.NewTemplateStore(kvStore, cfg.RedisPrefix)
	registerBuiltinFactories(loader, templates, jobs, log)

	toolkitBackend := sqlstore.NewToolkitBackend(db)
	toolkits := toolkit.New(toolkitBackend, kvStore, cfg.RedisPrefix, log)
	if err := activateEnabledToolkits(ctx, toolkits, loader, log); err != nil {
		return fmt.Errorf("activate enabled toolkits: %w", err)
	}

	sched := scheduler.New(templates, jobs, bus, log)
	sched.Start(ctx, schedulerInterval())

	queue := getenvDefault("WORKER_QUEUE", defaultQueue)
	concurrency := workerConcurrency()
	log.Info("worker: starting %d pollers on queue %q", concurrency, queue)

	go heartbeat(ctx, bus, log)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			poll(ctx, id, bus, runtime, queue, log)
		}(i)
	}

	<-ctx.Done()
	log.Notice("worker: shutting down, waiting for in-flight jobs")
	wg.Wait()
	return nil
}

// poll runs one BRPOP loop against queue, driving every popped task
// through runtime.RunJob. A handler error is logged, not fatal: the job
// itself already carries the failure via workerrt.Runtime.fail.
func poll(ctx context.Context, id int, bus *taskbus.RedisBus, runtime *workerrt.Runtime, queue string, log logger.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := bus.Pop(ctx, queue, defaultPopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker[%d]: pop: %v", id, err)
			continue
		}
		if env == nil {
			continue
		}
		if env.Task != taskbus.RunJobTask || len(env.Args) == 0 {
			log.Warn("worker[%d]: unrecognized task %q, dropping", id, env.Task)
			continue
		}
		if revoked, err := bus.IsRevoked(ctx, env.TaskID); err == nil && revoked {
			log.Info("worker[%d]: task %s revoked before pickup, skipping", id, env.TaskID)
			continue
		}

		jobID := env.Args[0]
		if err := runtime.RunJob(ctx, jobID); err != nil {
			log.Error("worker[%d]: run job %s: %v", id, jobID, err)
		}
	}
}

// heartbeat keeps this worker visible to the broker ping the health
// aggregator and dispatcher rely on.
func heartbeat(ctx context.Context, bus *taskbus.RedisBus, log logger.Logger) {
	name, _ := os.Hostname()
	if name == "" {
		name = "worker"
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := bus.Heartbeat(ctx, name, 3*heartbeatInterval); err != nil && ctx.Err() == nil {
			log.Warn("worker: heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// registerBuiltinFactories installs the only compiled-in toolkit this core
// ships, the same latency-sleuth probe handler cmd/server registers so a
// bundle activated from either process behaves identically.
func registerBuiltinFactories(loader *toolkit.Loader, templates *scheduler.TemplateStore, jobs jobstore.Store, log logger.Logger) {
	probe := latencysleuth.NewHandler(templates, jobs, nil, log)
	jobType := latencysleuth.Slug + "." + latencysleuth.Operation
	loader.RegisterFactory(latencysleuth.Slug, toolkit.Factory{
		Worker: func(rt *workerrt.Runtime) error {
			rt.Register(jobType, probe.Run)
			return nil
		},
	})
}

// activateEnabledToolkits loads the worker-side handler for every toolkit
// record already marked enabled, so a worker restarted after bundles were
// installed doesn't wait for EnsureWorkerLoaded's lazy path on the first
// job of each type.
func activateEnabledToolkits(ctx context.Context, toolkits toolkit.Store, loader *toolkit.Loader, log logger.Logger) error {
	records, err := toolkits.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		if err := loader.Activate(ctx, rec.Slug); err != nil {
			log.Warn("worker: activate %s: %v", rec.Slug, err)
		}
	}
	return nil
}

func schedulerInterval() time.Duration {
	if v := os.Getenv("SCHEDULER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultSchedulerTick
}

func workerConcurrency() int {
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
