package main

import (
	"context"
	"log"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/configs"
	"github.com/hilthontt/metrelay/internal/infrastructure/health"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/metrics"
	"github.com/hilthontt/metrelay/internal/infrastructure/pool"
	"github.com/hilthontt/metrelay/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/metrelay/internal/infrastructure/tracing"
	"github.com/hilthontt/metrelay/internal/persistence/assignments"
	"github.com/hilthontt/metrelay/internal/presentation/api"
	"github.com/hilthontt/metrelay/internal/presentation/tcp"
	"github.com/hilthontt/metrelay/internal/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const serviceName = "metrelay"

func main() {
	tracerCfg := tracing.NewDefaultConfig(serviceName)
	sh, err := tracing.InitTracer(tracerCfg)
	if err != nil {
		log.Fatalf("Failed to initialize the tracer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sh(ctx)

	logger := logging.NewLogger(logging.NewDefaultConfig())

	cfg, err := configs.Load(configs.DetermineConfigPath())
	if err != nil {
		log.Fatal(err)
	}
	if len(cfg.Backends) == 0 {
		log.Fatal("no backends configured")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	backends := make([]*domain.Backend, len(cfg.Backends))
	for i, bc := range cfg.Backends {
		backends[i] = domain.NewBackend(bc.Host, bc.TCPPort)
	}

	store := assignments.NewStore(cfg.Rebalance.AssignmentsPath, logger)

	res, err := resolver.New(backends, store, resolver.Config{
		FullDelay:     cfg.Rebalance.FullDelay,
		BalanceDelay:  cfg.Rebalance.BalanceDelay,
		BalancePeriod: cfg.Rebalance.BalancePeriod,
		BalanceWindow: cfg.Rebalance.BalanceWindow,
		PersistDelay:  cfg.Rebalance.PersistDelay,
		PersistPeriod: cfg.Rebalance.PersistPeriod,
	}, logger, m)
	if err != nil {
		log.Fatal(err)
	}
	res.Start(ctx)

	checker := health.NewChecker(backends, health.Options{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
		Metrics:  m,
		Logger:   logger,
	})
	checker.CheckAll()
	go checker.Start(ctx)

	connPool := pool.New(pool.Options{
		DialTimeout:    cfg.Pool.DialTimeout,
		IdlePerBackend: cfg.Pool.IdlePerBackend,
		Metrics:        m,
		Logger:         logger,
	})
	defer connPool.Close()

	handler := tcp.NewHandler(res, connPool, tcp.HandlerOptions{
		Metrics: m,
		Logger:  logger,
	})
	server := tcp.NewServer(cfg.Listener, handler, logger)

	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			logger.Fatal(logging.Relay, logging.Startup, "listener failed",
				map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
	}()

	logger.Info(logging.General, logging.Startup, "Started",
		map[logging.ExtraKey]any{logging.Count: len(backends)})

	rl := ratelimiter.NewFixedWindow(cfg.Admin.RateLimit, cfg.Admin.RateLimitWindow)
	defer rl.Close()

	app := api.NewApplication(cfg.Admin, res, backends, registry, rl, logger)
	if err := app.Run(app.Mount()); err != nil {
		logger.Error(logging.General, logging.Shutdown, "admin server failed",
			map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
	}

	// Flush the last snapshot so a restart resumes with today's pins.
	if err := res.Persist(); err != nil {
		logger.Error(logging.IO, logging.Persistence, "final persist failed",
			map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
	}
}
