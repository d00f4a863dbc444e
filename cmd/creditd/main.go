package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/creditd/pkg/api"
	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/config"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/storage/memory"
	"github.com/platinummonkey/creditd/pkg/storage/postgres"
	"github.com/platinummonkey/creditd/pkg/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const statsInterval = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "creditd")
	observability.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("creditd exited with error")
		os.Exit(1)
	}
}

// backend holds the storage-side dependencies chosen by configuration
type backend struct {
	store   storage.Store
	sql     *postgres.Store
	redis   *storage.RedisClient
	tracker reservations.Tracker
	limiter middleware.Limiter
}

func openBackend(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Storage.Type {
	case "memory":
		logger.Warn("Using in-memory storage; balances are lost on restart")
		b.store = memory.NewStore()
	case "postgres", "sqlite":
		sqlStore, err := postgres.NewStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		b.store = sqlStore
		b.sql = sqlStore
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}

	limitCfg := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.RateLimit.BurstSize,
	}

	if cfg.Storage.RedisURL != "" {
		client, err := storage.NewRedisClient(cfg.Storage)
		if err != nil {
			b.store.Close()
			return nil, err
		}
		b.redis = client
		b.tracker = reservations.NewRedisTracker(client.Client(), cfg.Ledger.ReservationPrefix)
		if cfg.RateLimit.Enabled {
			b.limiter = middleware.NewDistributedRateLimiter(client.Client(), limitCfg, "")
		}
		logger.Info("Tracking reservations in Redis")
	} else {
		if cfg.Storage.Type != "memory" {
			logger.Warn("No Redis configured; outstanding reservations are kept in process memory")
		}
		b.tracker = reservations.NewMemoryTracker()
		if cfg.RateLimit.Enabled {
			limiter := middleware.NewRateLimiter(limitCfg)
			limiter.StartCleanup(ctx)
			b.limiter = limiter
		}
	}

	return b, nil
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		observability.ShutdownOTel(context.Background(), providers, logger)
		return fmt.Errorf("failed to open storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	l := ledger.New(b.store, b.tracker,
		ledger.WithReservationTTL(cfg.Ledger.ReservationTimeout),
		ledger.WithLogger(logger.WithField("component", "ledger")),
		ledger.WithMetrics(metrics),
	)

	processor, err := billing.NewProcessor(billing.ProcessorConfig{
		Store:         b.store,
		Ledger:        l,
		Machine:       billing.NewMachine(catalog, nil),
		Verifier:      billing.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.WebhookTolerance),
		SeenCacheSize: cfg.Billing.SeenCacheSize,
		SeenCacheTTL:  cfg.Billing.SeenCacheTTL,
		Logger:        logger.WithField("component", "webhook"),
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	service := billing.NewService(b.store, l, billing.ServiceConfig{
		SignupCredits:  cfg.Ledger.SignupCredits,
		DailyLimit:     cfg.Ledger.DefaultDailyLimit,
		FreeTierPeriod: cfg.Ledger.FreeTierPeriod,
	}, nil)

	controller := usage.NewController(b.store, l, logger.WithField("component", "usage"), metrics)

	apiServer, err := api.NewServer(api.Config{
		Processor: processor,
		Service:   service,
		Usage:     controller,
		Catalog:   catalog,
		Limiter:   b.limiter,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	var handler http.Handler = apiServer
	if cfg.Observability.OTelEnabled {
		handler = observability.InstrumentHandler(apiServer, "creditd")
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	checker := observability.NewHealthChecker(version)
	checker.AddCheck("store", true, b.store.HealthCheck)
	if b.sql != nil {
		checker.AddCheck("database", true, observability.DatabaseCheck(b.sql.DB()))
	}
	if b.redis != nil {
		// reservations live in Redis, so admission cannot work without it
		checker.AddCheck("redis", true, observability.RedisCheck(b.redis.Client()))
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.AddServer("api", httpServer)
	shutdown.AddServer("health", healthServer)
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("store", func(ctx context.Context) error {
		return b.store.Close()
	})
	if b.redis != nil {
		shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
			return b.redis.Close()
		})
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("Starting creditd API server")
		return serve(httpServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		return serve(healthServer)
	})

	if cfg.Ledger.SweepEnabled {
		sweeper := usage.NewSweeper(controller, usage.SweeperConfig{
			BatchSize:   cfg.Ledger.SweepBatchSize,
			Workers:     cfg.Ledger.SweepWorkers,
			TaskTimeout: 10 * time.Second,
		})
		g.Go(func() error {
			logger.WithField("interval", cfg.Ledger.SweepInterval.String()).Info("Starting reservation sweeper")
			sweeper.Run(ctx, cfg.Ledger.SweepInterval)
			return nil
		})
	}

	if b.sql != nil {
		b.sql.MonitorReplicas(ctx, 30*time.Second)
	}

	g.Go(func() error {
		recordPoolStats(ctx, b, metrics)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", server.Addr, err)
	}
	return nil
}

// recordPoolStats copies connection pool statistics into the gauges until
// ctx is cancelled
func recordPoolStats(ctx context.Context, b *backend, metrics *observability.Metrics) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.sql != nil {
				metrics.RecordDBStats(b.sql.DB().Stats())
			}
			if b.redis != nil {
				metrics.RecordRedisStats(b.redis.PoolStats())
			}
		}
	}
}
