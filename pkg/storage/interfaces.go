package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
)

var (
	// ErrAccountNotFound is returned when no account exists for the given id
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned by CreateAccount on an id collision
	ErrAccountExists = errors.New("account already exists")
	// ErrEventExists is returned by ApplyEvent when the event id was already recorded
	ErrEventExists = errors.New("event already processed")
	// ErrVersionConflict is returned by UpdateSubscription when the stored
	// subscription version no longer matches the expected one
	ErrVersionConflict = errors.New("subscription version conflict")
)

// AccountReader reads account records
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*accounts.Account, error)
	FindAccountByCustomerRef(ctx context.Context, customerRef string) (*accounts.Account, error)
}

// AccountWriter holds every write the engine performs on an account. Each
// method is a single conditional write evaluated by the backend; none of
// them require the caller to hold a lock.
type AccountWriter interface {
	CreateAccount(ctx context.Context, account *accounts.Account) error

	// AdjustCredits adds delta to the credit balance iff the result stays
	// non-negative. applied is false when the guard rejected the write.
	AdjustCredits(ctx context.Context, id string, delta int64) (balance int64, applied bool, err error)

	// UpdateSubscription replaces the subscription fields iff the stored
	// subscription version equals expectedVersion, bumping the version.
	UpdateSubscription(ctx context.Context, id string, expectedVersion int64, sub accounts.Subscription) error

	// ClaimDailyUsage takes one slot of the daily usage window starting at
	// windowStart. A stored window older than windowStart is reset first.
	// limit <= 0 means unlimited. claimed is false when the window is full.
	ClaimDailyUsage(ctx context.Context, id string, windowStart time.Time, limit int) (count int, claimed bool, err error)

	// ReleaseDailyUsage gives back a slot claimed in windowStart. A no-op
	// once the window has rolled over.
	ReleaseDailyUsage(ctx context.Context, id string, windowStart time.Time) error

	IncrementTotalGenerated(ctx context.Context, id string, delta int64) error
	SetDisabled(ctx context.Context, id string, disabled bool) error
}

// AccountStore is the account persistence contract
type AccountStore interface {
	AccountReader
	AccountWriter
}

// EventFunc applies the business effects of one billing event. Writes must go
// through tx so they commit or roll back together with the event record.
type EventFunc func(ctx context.Context, tx AccountStore) error

// Store is the Ledger Store: account persistence plus exactly-once event
// application.
type Store interface {
	AccountStore

	// ApplyEvent records evt and runs fn atomically. If evt.EventID is
	// already recorded it returns ErrEventExists without calling fn. If fn
	// fails nothing is recorded and none of fn's writes persist.
	ApplyEvent(ctx context.Context, evt accounts.ProcessedEvent, fn EventFunc) error

	// ListEvents returns up to limit events applied to accountID, newest
	// first. limit <= 0 returns them all.
	ListEvents(ctx context.Context, accountID string, limit int) ([]accounts.ProcessedEvent, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres", "sqlite"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// SQLite config
	SQLitePath string

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		SQLitePath:       "/tmp/creditd.db",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
	}
}
