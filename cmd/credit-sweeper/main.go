package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/creditd/pkg/config"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/storage/postgres"
	"github.com/platinummonkey/creditd/pkg/usage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for the reservation sweep (default: CREDITD_SWEEP_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Sweep expired reservations once and exit")
	logLevel = flag.String("log-level", getEnv("CREDITD_LOG_LEVEL", "info"), "Log level")
)

// The sweeper reclaims credit held by reservations whose callers never
// settled them. It runs against the same database and Redis tracker as
// creditd, so any number of API replicas can share one sweeper.
func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Storage.Type == "memory" {
		logger.Fatal("The sweeper needs shared storage; CREDITD_STORAGE_TYPE=memory only works in-process")
	}
	if cfg.Storage.RedisURL == "" {
		logger.Fatal("The sweeper needs the Redis reservation tracker; set CREDITD_REDIS_URL")
	}

	store, err := postgres.NewStore(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// ledger and controller log through the structured logger used by creditd
	componentLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "credit-sweeper")

	tracker := reservations.NewRedisTracker(redisClient.Client(), cfg.Ledger.ReservationPrefix)
	l := ledger.New(store, tracker,
		ledger.WithReservationTTL(cfg.Ledger.ReservationTimeout),
		ledger.WithLogger(componentLogger.WithField("component", "ledger")),
	)
	controller := usage.NewController(store, l, componentLogger.WithField("component", "usage"), nil)
	sweeper := usage.NewSweeper(controller, usage.SweeperConfig{
		BatchSize:   cfg.Ledger.SweepBatchSize,
		Workers:     cfg.Ledger.SweepWorkers,
		TaskTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *runOnce {
		result, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Fatalf("Sweep failed: %v", err)
		}
		logger.WithFields(logrus.Fields{
			"expired":  result.Expired,
			"refunded": result.Refunded,
			"failed":   result.Failed,
		}).Info("Sweep completed")
		return
	}

	spec := *schedule
	if spec == "" {
		spec = cfg.Ledger.SweepSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err = c.AddFunc(spec, func() {
		runSweep(ctx, sweeper, logger)
	})
	if err != nil {
		logger.Fatalf("Failed to schedule sweep %q: %v", spec, err)
	}

	c.Start()
	logger.Infof("Credit sweeper started with schedule %s", spec)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, stopping sweeper...")

	cancel()
	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Sweeper stopped")
}

func runSweep(ctx context.Context, sweeper *usage.Sweeper, logger *logrus.Logger) {
	start := time.Now()
	result, err := sweeper.Sweep(ctx)
	if err != nil {
		logger.Errorf("Sweep failed: %v", err)
		return
	}
	if result.Expired == 0 {
		logger.Debug("No expired reservations")
		return
	}
	logger.Infof("Swept %d expired reservations (%d refunded, %d failed) in %v",
		result.Expired, result.Refunded, result.Failed, time.Since(start))
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
