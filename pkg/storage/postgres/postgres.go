package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// Store implements storage.Store on PostgreSQL or SQLite
type Store struct {
	*accountQueries

	db      *sql.DB
	conns   *ConnectionManager
	dialect Dialect
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the database selected by config.Type and applies the schema
func NewStore(config storage.Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(config.PostgresTimeout))
	defer cancel()

	switch config.Type {
	case "postgres":
		conns, err := NewConnectionManager(ConnectionConfig{
			Driver:      string(DialectPostgres),
			PrimaryURL:  config.PostgresURL,
			ReplicaURLs: config.PostgresReplicaURLs,
			MaxConns:    config.PostgresMaxConns,
			MinConns:    config.PostgresMinConns,
			Timeout:     timeoutOrDefault(config.PostgresTimeout),
			MaxLifetime: 1 * time.Hour,
			MaxIdleTime: 10 * time.Minute,
			Logger:      observability.GetLogger(ctx),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := Migrate(ctx, conns.Primary(), DialectPostgres); err != nil {
			conns.Close()
			return nil, err
		}
		s := NewStoreFromDB(conns.Primary(), DialectPostgres)
		s.conns = conns
		return s, nil

	case "sqlite":
		db, err := sql.Open(string(DialectSQLite), config.SQLitePath+"?_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// single writer
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping sqlite: %w", err)
		}
		if err := Migrate(ctx, db, DialectSQLite); err != nil {
			db.Close()
			return nil, err
		}
		return NewStoreFromDB(db, DialectSQLite), nil
	}

	return nil, fmt.Errorf("unsupported storage type for sql store: %q", config.Type)
}

// NewStoreFromDB wraps an open database. The schema must already exist.
func NewStoreFromDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		accountQueries: &accountQueries{q: db, dialect: dialect, now: time.Now},
		db:             db,
		dialect:        dialect,
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// DB returns the primary database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetAccountSnapshot reads an account from a read replica when one is
// configured. The result may lag the primary.
func (s *Store) GetAccountSnapshot(ctx context.Context, id string) (*accounts.Account, error) {
	if s.conns == nil {
		return s.GetAccount(ctx, id)
	}
	replica := &accountQueries{q: s.conns.Replica(), dialect: s.dialect, now: s.now}
	return replica.GetAccount(ctx, id)
}

// ApplyEvent inserts the processed event row and runs fn in the same
// transaction. The insert is the dedup boundary: a concurrent delivery of the
// same event id blocks on the primary key until this transaction finishes.
func (s *Store) ApplyEvent(ctx context.Context, evt accounts.ProcessedEvent, fn storage.EventFunc) error {
	if evt.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if evt.AppliedAt.IsZero() {
		evt.AppliedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.rebind(`
		INSERT INTO processed_events (event_id, event_type, account_id, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`)
	result, err := tx.ExecContext(ctx, query, evt.EventID, evt.EventType, evt.AccountID, evt.AppliedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrEventExists
	}

	if err := fn(ctx, &accountQueries{q: tx, dialect: s.dialect, now: s.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// ListEvents reads the account's billing history from a replica when one is
// configured. It may lag the primary.
func (s *Store) ListEvents(ctx context.Context, accountID string, limit int) ([]accounts.ProcessedEvent, error) {
	db := s.db
	if s.conns != nil {
		db = s.conns.Replica()
	}

	query := `SELECT event_id, event_type, account_id, applied_at FROM processed_events
		WHERE account_id = $1
		ORDER BY applied_at DESC, event_id DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []accounts.ProcessedEvent
	for rows.Next() {
		var evt accounts.ProcessedEvent
		if err := rows.Scan(&evt.EventID, &evt.EventType, &evt.AccountID, &evt.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.AppliedAt = evt.AppliedAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// HealthCheck pings the primary and, when configured, the replicas
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.conns != nil {
		return s.conns.HealthCheck(ctx)
	}
	return s.db.PingContext(ctx)
}

// Close closes all database connections
func (s *Store) Close() error {
	if s.conns != nil {
		return s.conns.Close()
	}
	return s.db.Close()
}

// MonitorReplicas drops unreachable read replicas every interval until ctx
// is cancelled. It is a no-op without replicas.
func (s *Store) MonitorReplicas(ctx context.Context, interval time.Duration) {
	if s.conns == nil {
		return
	}
	s.conns.StartHealthCheckRoutine(ctx, interval)
}
