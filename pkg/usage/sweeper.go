package usage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
)

const (
	DefaultSweepBatchSize = 500
	DefaultSweepWorkers   = 8
	DefaultSweepInterval  = time.Minute
)

// SweepResult summarizes one sweep
type SweepResult struct {
	Expired  int
	Refunded int
	Failed   int
	Duration time.Duration
}

// Sweeper refunds reservations that were never settled. It is safe to run
// on several replicas at once: every refund goes through the same
// single-winner claim as Settle.
type Sweeper struct {
	controller *Controller
	ledger     *ledger.Ledger
	batchSize  int
	workers    int
	timeout    time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// SweeperConfig configures a Sweeper
type SweeperConfig struct {
	BatchSize int
	Workers   int
	// TaskTimeout bounds a single refund; zero means no timeout
	TaskTimeout time.Duration
}

// NewSweeper creates a sweeper settling through controller
func NewSweeper(controller *Controller, cfg SweeperConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultSweepWorkers
	}
	return &Sweeper{
		controller: controller,
		ledger:     controller.ledger,
		batchSize:  cfg.BatchSize,
		workers:    cfg.Workers,
		timeout:    cfg.TaskTimeout,
		logger:     controller.logger,
		metrics:    controller.metrics,
	}
}

// Sweep refunds one batch of expired reservations as failures
func (s *Sweeper) Sweep(ctx context.Context) (result SweepResult, err error) {
	ctx, span := observability.StartSpan(ctx, "usage.Sweep")
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	expired, err := s.ledger.Expired(ctx, s.batchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var refunded atomic.Int64
	errs := async.Batch(ctx, expired, s.workers, "sweep reservations", s.timeout,
		func(ctx context.Context, r ledger.Reservation) error {
			settled, err := s.controller.Settle(ctx, &r, Failure)
			if err != nil {
				return err
			}
			if settled {
				refunded.Add(1)
			}
			return nil
		})

	result = SweepResult{
		Expired:  len(expired),
		Refunded: int(refunded.Load()),
		Failed:   len(errs),
		Duration: time.Since(start),
	}
	s.metrics.RecordSweep(result.Refunded, result.Failed, result.Duration)

	if result.Expired > 0 {
		log := s.logger.WithFields(map[string]interface{}{
			"expired":     result.Expired,
			"refunded":    result.Refunded,
			"failed":      result.Failed,
			"duration_ms": result.Duration.Milliseconds(),
		})
		if result.Failed > 0 {
			log.WithError(errs[0]).Warn("sweep finished with failures")
		} else {
			log.Info("sweep finished")
		}
	}
	return result, nil
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer observability.RecoverPanic(s.logger, "reservation sweep")
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.WithError(err).Error("sweep failed")
	}
}
