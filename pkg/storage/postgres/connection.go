package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/observability"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultProbeInterval  = 30 * time.Second
	probeTimeout          = 5 * time.Second
)

// replicaPool is one read replica. Unreachable replicas stay in the set and
// are taken back into rotation once a probe succeeds again.
type replicaPool struct {
	name    string
	db      *sql.DB
	healthy atomic.Bool
}

// ConnectionManager owns the primary pool, which serves every ledger write,
// and the replica pools that serve account snapshots for display reads.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*replicaPool
	next     atomic.Uint32
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	Driver      string
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	Logger      *observability.Logger
}

// NewConnectionManager opens the primary, which must be reachable, and every
// replica. A replica that does not answer yet starts out of rotation.
func NewConnectionManager(config ConnectionConfig) (*ConnectionManager, error) {
	if config.Driver == "" {
		config.Driver = string(DialectPostgres)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultConnectTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	cm := &ConnectionManager{
		config: config,
		logger: logger.WithField("component", "connection_manager"),
	}

	primary, err := cm.open(config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary: %w", err)
	}
	if err := cm.ping(primary); err != nil {
		primary.Close()
		return nil, fmt.Errorf("primary unreachable: %w", err)
	}
	cm.primary = primary

	replicaConns := max(config.MaxConns/2, 2)
	for i, url := range config.ReplicaURLs {
		db, err := cm.open(url, replicaConns)
		if err != nil {
			cm.logger.WithError(err).WithField("replica", i).Warn("Skipping misconfigured replica")
			continue
		}
		r := &replicaPool{name: fmt.Sprintf("replica-%d", i), db: db}
		if err := cm.ping(db); err != nil {
			cm.logger.WithError(err).WithField("replica", r.name).Warn("Replica unreachable; reads use the primary until it recovers")
		} else {
			r.healthy.Store(true)
		}
		cm.replicas = append(cm.replicas, r)
	}

	cm.logger.WithFields(map[string]interface{}{
		"replicas": len(cm.replicas),
		"healthy":  cm.healthyReplicas(),
	}).Info("Connection manager initialized")
	return cm, nil
}

func (cm *ConnectionManager) open(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(cm.config.Driver, url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)
	return db, nil
}

func (cm *ConnectionManager) ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// Primary returns the primary database connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns the next healthy replica in round-robin order, or the
// primary when none is healthy.
func (cm *ConnectionManager) Replica() *sql.DB {
	n := uint32(len(cm.replicas))
	if n == 0 {
		return cm.primary
	}
	start := cm.next.Add(1)
	for i := uint32(0); i < n; i++ {
		if r := cm.replicas[(start+i)%n]; r.healthy.Load() {
			return r.db
		}
	}
	return cm.primary
}

func (cm *ConnectionManager) healthyReplicas() int {
	healthy := 0
	for _, r := range cm.replicas {
		if r.healthy.Load() {
			healthy++
		}
	}
	return healthy
}

// ProbeReplicas pings every replica, moving it in or out of rotation, and
// returns how many are healthy.
func (cm *ConnectionManager) ProbeReplicas(ctx context.Context) int {
	healthy := 0
	for _, r := range cm.replicas {
		err := r.db.PingContext(ctx)
		was := r.healthy.Swap(err == nil)
		switch {
		case err == nil && !was:
			cm.logger.WithField("replica", r.name).Info("Replica recovered")
		case err != nil && was:
			cm.logger.WithField("replica", r.name).WithError(err).Warn("Replica taken out of rotation")
		}
		if err == nil {
			healthy++
		}
	}
	return healthy
}

// HealthCheck pings the primary and probes the replicas. Losing every
// replica is reported as degraded, since reads fall back to the primary.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	if len(cm.replicas) > 0 && cm.ProbeReplicas(ctx) == 0 {
		return fmt.Errorf("all %d replicas unhealthy: %w", len(cm.replicas), observability.ErrDegraded)
	}
	return nil
}

// StartHealthCheckRoutine probes the replicas every interval until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if len(cm.replicas) == 0 {
		return
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	async.SafeGo(ctx, 0, "replica health check", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
				cm.ProbeReplicas(probeCtx)
				cancel()
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// Close closes the primary and every replica
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	for _, r := range cm.replicas {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}
