// Package main is the entry point for the dataplane server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dataplane/internal/breaker"
	"dataplane/internal/cache"
	"dataplane/internal/config"
	"dataplane/internal/controller"
	"dataplane/internal/controller/handlers"
	"dataplane/internal/datasource"
	"dataplane/internal/httpsource"
	"dataplane/internal/logger"
	"dataplane/internal/observability"
	"dataplane/internal/optimizer"
	"dataplane/internal/source"
	"dataplane/internal/store/postgres"
	"dataplane/internal/worker"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: dataplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg := logger.NewWithLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres is optional: it backs the warehouse source, the batch
	// optimizer and, when selected, the shared cache.
	var store *postgres.Store
	if cfg.DatabaseURL != "" {
		store, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logg.Error("failed to connect to DB", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if *migrateFlag {
			logg.Info("running database migrations")
			if err := postgres.Migrate(store.DB()); err != nil {
				logg.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logg.Info("migrations completed")
		}
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "dataplane", cfg.OTELEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		logg.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("dataplane")
	if err != nil {
		logg.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		TrialTimeout:     cfg.Breaker.TrialTimeout,
	}, logg, source.All()...)
	if err := breakers.RegisterMetrics(otel.Meter("dataplane")); err != nil {
		logg.Warn("failed to register breaker metrics", "error", err)
	}

	executors, ttls, limits := buildSources(cfg, store, logg)

	cacheStore, purger := buildCache(cfg, store)
	janitor := worker.NewJanitor(purger, worker.JanitorConfig{
		Interval: cfg.CachePurgeInterval,
		Logger:   logg,
	})
	go janitor.Run(ctx)

	cfg.Flags().Watch(logg)

	manager := datasource.New(datasource.Options{
		Executors:    executors,
		Breakers:     breakers,
		Cache:        cacheStore,
		Flags:        cfg.Flags(),
		TTLs:         ttls,
		Limits:       limits,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logg,
	})

	var (
		batch handlers.BatchRunner
		db    handlers.Pinger
	)
	if store != nil {
		batch = optimizer.New(store, optimizer.Config{
			MaxBatchSize: cfg.Optimizer.MaxBatchSize,
			Concurrency:  cfg.Optimizer.Concurrency,
			Logger:       logg,
		})
		db = store
	}

	h := handlers.New(manager, batch, db, logg)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, metricsHandler, controller.Options{
		APIKeyHash: cfg.APIKeyHash,
		RateLimit:  cfg.HTTPRateLimit,
		RateBurst:  cfg.HTTPRateBurst,
		Logger:     logg,
	})

	logg.Info("dataplane starting", "addr", addr, "sources", len(executors), "cache", cfg.CacheBackend)
	if err := srv.Run(ctx); err != nil {
		logg.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-janitor.Done()
	logg.Info("server exited properly")
}

// buildSources wires an executor for every source that has somewhere to go.
func buildSources(cfg *config.Config, store *postgres.Store, logg *slog.Logger) (map[source.Source]datasource.Executor, map[source.Source]time.Duration, map[source.Source]datasource.RateLimit) {
	executors := make(map[source.Source]datasource.Executor)
	ttls := make(map[source.Source]time.Duration)
	limits := make(map[source.Source]datasource.RateLimit)

	for _, src := range source.All() {
		sc := cfg.Sources[src]
		switch {
		case sc.BaseURL != "":
			client := httpsource.New(sc.BaseURL, sc.Token)
			client.MaxBodyBytes = sc.MaxBodyBytes
			executors[src] = client
		case src == source.Warehouse && store != nil:
			executors[src] = datasource.ExecutorFunc(store.Fetch)
		default:
			logg.Debug("source not configured", "source", src)
			continue
		}
		ttls[src] = sc.TTL
		limits[src] = datasource.RateLimit{PerSecond: sc.RateLimit, Burst: sc.Burst}
	}
	return executors, ttls, limits
}

func buildCache(cfg *config.Config, store *postgres.Store) (cache.Store, worker.Purger) {
	if cfg.CacheBackend == config.CachePostgres && store != nil {
		return store, store
	}
	mem := cache.NewMemory(clock.WallClock)
	return mem, worker.PurgeFunc(func(context.Context) (int64, error) {
		return int64(mem.Purge()), nil
	})
}
