// Package app assembles the service from configuration. The HTTP server and the
// operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yourorg/integrations-api/adapters"
	"github.com/yourorg/integrations-api/internal/cache"
	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/env"
	"github.com/yourorg/integrations-api/internal/events"
	"github.com/yourorg/integrations-api/internal/executor"
	"github.com/yourorg/integrations-api/internal/manager"
	"github.com/yourorg/integrations-api/internal/normalize"
	"github.com/yourorg/integrations-api/internal/redisx"
	"github.com/yourorg/integrations-api/internal/registry"
	"github.com/yourorg/integrations-api/internal/snapshots"
	"github.com/yourorg/integrations-api/internal/store"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

type App struct {
	Config  env.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	Store     *store.Store   // nil without DATABASE_URL
	Redis     *redisx.Client // nil without REDIS_ADDR
	Publisher events.Publisher
	Registry  *registry.Registry
	Cache     cache.Cache
	Manager   *manager.Manager

	amqp    *events.AMQP
	queue   *snapshots.Queue
	closers []func() error
}

// New connects every configured backend, loads the registry and builds the manager.
// On error everything opened so far is closed.
func New(ctx context.Context, cfg env.Config, logger *slog.Logger) (a *App, err error) {
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = telemetry.NewMetrics(reg)

	var sealer *credentials.Sealer
	if cfg.CredentialsKey != "" {
		if sealer, err = credentials.NewSealer([]byte(cfg.CredentialsKey)); err != nil {
			return a, err
		}
	}
	var vault credentials.Vault = credentials.NewMemoryVault()
	var persister registry.Persister
	if cfg.DatabaseURL != "" {
		if a.Store, err = store.Open(ctx, cfg.DatabaseURL, logger); err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.Store.Close)
		if err = a.Store.Migrate(ctx); err != nil {
			return a, err
		}
		vault, persister = a.Store, a.Store
		a.queue = snapshots.New(a.Store, 1024, 2, logger, a.Metrics)
	}
	creds := credentials.NewStore(vault, sealer, logger)

	if cfg.RabbitMQURL != "" {
		if a.amqp, err = events.DialAMQP(ctx, cfg.RabbitMQURL, logger); err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.amqp.Close)
		a.Publisher = a.amqp
	} else {
		a.Publisher = events.NewInMemory(256)
	}

	a.Registry = registry.New(creds, registry.Options{Persister: persister, Publisher: a.Publisher, Logger: logger})
	if err = a.Registry.Load(ctx); err != nil {
		return a, err
	}

	if cfg.RedisAddr != "" {
		a.Redis = redisx.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, a.Redis.Close)
		if err = a.Redis.Ping(ctx); err != nil {
			logger.Warn("redis unavailable; result cache will fetch through", "addr", cfg.RedisAddr, "err", err)
		}
		a.Cache = cache.NewRedis(a.Redis, cfg.CacheTTL, a.Metrics, logger)
	} else {
		a.Cache = cache.NewMemory(cfg.CacheTTL, a.Metrics)
	}

	exec := executor.New(executor.Options{
		BreakerThreshold: uint32(cfg.BreakerThreshold),
		BreakerCooldown:  cfg.BreakerCooldown,
		Logger:           logger,
		Metrics:          a.Metrics,
	})
	norm, err := normalize.New(logger, a.Metrics)
	if err != nil {
		return a, err
	}
	opts := manager.Options{
		Adapters:   adapters.DefaultTable(logger),
		Executor:   exec,
		Normalizer: norm,
		Cache:      a.Cache,
		CacheTTL:   cfg.CacheTTL,
		MaxWorkers: cfg.SearchMaxWorkers,
		Budget:     cfg.SearchBudget,
		Logger:     logger,
		Metrics:    a.Metrics,
	}
	if a.queue != nil {
		opts.Snapshots = a.queue
	}
	if a.Manager, err = manager.New(a.Registry, creds, opts); err != nil {
		return a, fmt.Errorf("manager: %w", err)
	}
	return a, nil
}

// Start runs the background consumers until ctx ends.
func (a *App) Start(ctx context.Context) {
	inv := &events.Invalidator{Pub: a.Publisher, Cache: a.Cache, Logger: a.Logger}
	go inv.Run(ctx)
	if a.amqp != nil {
		go func() {
			if err := a.amqp.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("event listener stopped", "err", err)
			}
		}()
	}
}

// Close drains the snapshot queue and releases backends in reverse order.
func (a *App) Close() error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	if a.Manager != nil {
		errs = append(errs, a.Manager.Close())
	} else if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
