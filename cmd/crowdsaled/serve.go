package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/config"
	"github.com/tempus-labs/tempus-crowdsale/internal/application/command"
	"github.com/tempus-labs/tempus-crowdsale/internal/application/eventhandler"
	"github.com/tempus-labs/tempus-crowdsale/internal/application/query"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/token"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/messaging"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/metrics"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/persistence/postgres"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/persistence/redis"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/scheduler"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/tempus-labs/tempus-crowdsale/internal/interface/http"
	"github.com/tempus-labs/tempus-crowdsale/internal/interface/http/handlers"
	"github.com/tempus-labs/tempus-crowdsale/pkg/circuitbreaker"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
	"github.com/tempus-labs/tempus-crowdsale/pkg/retry"
)

// eventBus is what both bus implementations offer.
type eventBus interface {
	shared.EventPublisher
	shared.EventSubscriber
	Close() error
}

// engine is the command side of one crowdsale deployment.
type engine struct {
	source  command.Source
	current *crowdsale.Crowdsale
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crowdsale HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logger.New(cfg.Observability.LogLevel, logger.Format(cfg.Observability.LogFormat), cfg.App.Name)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("starting Tempus crowdsale",
		zap.String("env", string(cfg.App.Environment)),
		zap.String("version", cfg.App.Version),
		zap.String("storage", string(cfg.Crowdsale.Storage)),
		zap.String("event_bus", string(cfg.Crowdsale.EventBus)),
	)

	health := handlers.NewCompositeHealthChecker(cfg.App.Version)

	// ─────────────────────────────────────────────────────────────────────────
	// Metrics
	// ─────────────────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Redis (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if !cfg.Redis.Disabled {
		cache, err = connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			if cfg.Crowdsale.EventBus == config.EventBusRedis {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			log.Warn("redis unavailable, status caching disabled", zap.Error(err))
		} else {
			defer func() { _ = cache.Close() }()
			health.AddCheck("redis", handlers.NewPingCheck(cache))
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Event bus
	// ─────────────────────────────────────────────────────────────────────────
	bus, err := newEventBus(cfg, cache, collector, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	var (
		statusCache  query.StatusCache
		invalidation eventhandler.StatusInvalidator
	)
	if cache != nil {
		breaker := circuitbreaker.CacheBreaker("status-cache", redis.IsCacheFailure, func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
		sc := redis.NewStatusCache(cache, cfg.Redis.StatusTTL, redis.WithBreaker(breaker))
		statusCache, invalidation = sc, sc
	}
	if err := eventhandler.Register(bus, invalidation, log, collector.HandleEvent); err != nil {
		return fmt.Errorf("failed to register event handlers: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Crowdsale engine
	// ─────────────────────────────────────────────────────────────────────────
	var eng *engine
	switch cfg.Crowdsale.Storage {
	case config.StoragePostgres:
		conn, err := connectPostgres(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database connection")
			conn.Close()
		}()
		health.AddCheck("postgres", handlers.NewPingCheck(conn))

		if cfg.Database.AutoMigrate {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("migrations completed", zap.Int("applied", applied))
		}

		eng, err = newPostgresEngine(ctx, cfg, conn)
		if err != nil {
			return err
		}
	default:
		eng, err = newMemoryEngine(cfg)
		if err != nil {
			return err
		}
	}
	collector.SetCurrentRound(eng.current.CurrentRoundID())
	log.Info("crowdsale ready",
		logger.CrowdsaleID(eng.current.ID()),
		logger.RoundID(eng.current.CurrentRoundID()),
		zap.String("tokens_cap", shared.FormatAmount(eng.current.GlobalTokensCap())),
	)

	statusHandler := query.NewGetStatusHandler(eng.source, statusCache, log)

	// ─────────────────────────────────────────────────────────────────────────
	// Background jobs
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{Logger: log})
	if cfg.Crowdsale.Storage == config.StoragePostgres && cfg.Crowdsale.RefreshInterval > 0 {
		job := jobs.NewRefreshCrowdsaleJob(eng.source, collector.SetCurrentRound)
		if err := sched.Register(job, scheduler.Every(cfg.Crowdsale.RefreshInterval)); err != nil {
			return err
		}
	}
	if statusCache != nil && cfg.Crowdsale.StatusWarmInterval > 0 {
		if err := sched.Register(jobs.NewWarmStatusJob(statusHandler), scheduler.Every(cfg.Crowdsale.StatusWarmInterval)); err != nil {
			return err
		}
	}
	if len(sched.ListJobs()) > 0 {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// HTTP server
	// ─────────────────────────────────────────────────────────────────────────
	deps := httpserver.Dependencies{
		ContributeHandler: command.NewContributeHandler(eng.source, bus, log, command.ContributeHandlerConfig{
			Observer: collector,
		}),
		BeneficiariesHandler:  command.NewManageBeneficiariesHandler(eng.source, bus, collector, log),
		AdministratorsHandler: command.NewManageAdministratorsHandler(eng.source, bus, collector, log),
		GetStatusHandler:      statusHandler,
		GetRoundHandler:       query.NewGetRoundHandler(eng.source),
		Logger:                log,
		HealthChecker:         health,
	}
	if cfg.Observability.MetricsEnabled {
		deps.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}
	if len(cfg.HTTP.AdminKeyHashes) > 0 {
		auth, err := handlers.NewAPIKeyAuth("X-API-Key", cfg.HTTP.AdminKeyHashes)
		if err != nil {
			return fmt.Errorf("invalid admin key hashes: %w", err)
		}
		deps.AdminAuth = auth
	} else {
		log.Warn("administrative routes are not protected by an API key")
	}

	httpConfig := httpserver.DefaultConfig()
	httpConfig.Host = cfg.HTTP.Host
	httpConfig.Port = cfg.HTTP.Port
	httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	httpConfig.IdleTimeout = cfg.HTTP.IdleTimeout
	httpConfig.EnableCORS = cfg.HTTP.EnableCORS
	httpConfig.AllowedOrigins = cfg.HTTP.AllowedOrigins
	httpConfig.RateLimitPerMinute = cfg.HTTP.RateLimit
	httpConfig.MetricsPath = cfg.Observability.MetricsPath
	httpConfig.Version = cfg.App.Version

	server := httpserver.NewServer(httpConfig, deps)
	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok && err != nil {
			log.Error("http server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown", zap.Duration("timeout", cfg.App.ShutdownTimeout))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", zap.Error(err))
		return err
	}
	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

func newMemoryEngine(cfg *config.Config) (*engine, error) {
	ledger, err := token.NewCappedLedger(cfg.Token.DomainConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create token ledger: %w", err)
	}
	if err := ledger.AddMinter(cfg.Token.Owner, cfg.Crowdsale.Minter); err != nil {
		return nil, fmt.Errorf("failed to grant minting rights: %w", err)
	}

	cs, err := crowdsale.New(cfg.Crowdsale.DomainConfig(), ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to create crowdsale: %w", err)
	}
	return &engine{source: command.NewStaticSource(cs), current: cs}, nil
}

func newPostgresEngine(ctx context.Context, cfg *config.Config, conn *postgres.Connection) (*engine, error) {
	ledger, err := postgres.NewTokenLedger(ctx, conn, cfg.Token.DomainConfig())
	if err != nil {
		return nil, err
	}
	isMinter, err := ledger.IsMinter(ctx, cfg.Crowdsale.Minter)
	if err != nil {
		return nil, err
	}
	if !isMinter {
		if err := ledger.AddMinter(ctx, cfg.Token.Owner, cfg.Crowdsale.Minter); err != nil {
			return nil, fmt.Errorf("failed to grant minting rights: %w", err)
		}
	}

	repo := postgres.NewCrowdsaleRepository(conn)
	source := command.NewRepositorySource(repo, cfg.Crowdsale.ID, ledger, crowdsale.WithTransactor(conn))
	if _, err := source.Bootstrap(ctx, cfg.Crowdsale.DomainConfig()); err != nil {
		return nil, err
	}
	cs, err := source.Current(ctx)
	if err != nil {
		return nil, err
	}
	return &engine{source: source, current: cs}, nil
}

func newEventBus(cfg *config.Config, cache *redis.Cache, observer messaging.HandlerObserver, log *zap.Logger) (eventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = log
	local.Observer = observer

	if cfg.Crowdsale.EventBus != config.EventBusRedis {
		return messaging.NewInMemoryEventBus(local), nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         redis.NewPubSubClient(cache.Client()),
		ChannelName:    redis.EventsChannel(cfg.Redis.ChannelPrefix),
		LocalBusConfig: local,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis event bus: %w", err)
	}
	return bus, nil
}

func connectPostgres(ctx context.Context, db config.DatabaseConfig, log *zap.Logger) (*postgres.Connection, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.URL = db.URL
	pgConfig.MaxConns = int32(db.MaxOpenConns)
	pgConfig.MinConns = int32(db.MaxIdleConns)
	pgConfig.MaxConnLifetime = db.ConnMaxLifetime
	pgConfig.MaxConnIdleTime = db.ConnMaxIdleTime

	log.Info("connecting to database")
	var conn *postgres.Connection
	err := startupRetrier(log, "postgres").Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = postgres.NewConnection(ctx, pgConfig)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")
	return conn, nil
}

func connectRedis(ctx context.Context, rc config.RedisConfig, log *zap.Logger) (*redis.Cache, error) {
	redisConfig := redis.DefaultConfig()
	redisConfig.URL = rc.URL
	redisConfig.Host = rc.Host
	redisConfig.Port = rc.Port
	redisConfig.Password = rc.Password
	redisConfig.DB = rc.DB
	redisConfig.PoolSize = rc.PoolSize
	redisConfig.MinIdleConns = rc.MinIdleConns
	redisConfig.DialTimeout = rc.DialTimeout
	redisConfig.ReadTimeout = rc.ReadTimeout
	redisConfig.WriteTimeout = rc.WriteTimeout

	log.Info("connecting to redis")
	var cache *redis.Cache
	err := startupRetrier(log, "redis").Do(ctx, func(context.Context) error {
		var err error
		cache, err = redis.NewCache(redisConfig)
		return err
	})
	return cache, err
}

func startupRetrier(log *zap.Logger, service string) *retry.Retrier {
	return retry.StartupRetrier(func(attempt int, err error, delay time.Duration) {
		log.Warn("dependency not ready, retrying",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
}
