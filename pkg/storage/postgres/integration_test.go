//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/storage/storagetest"
)

// setupPostgresContainer starts a PostgreSQL container and returns its DSN
func setupPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("creditd_test"),
		postgres.WithUsername("creditd"),
		postgres.WithPassword("creditd_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(cleanupCtx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresStore_Suite(t *testing.T) {
	dsn := setupPostgresContainer(t)

	storagetest.RunStoreSuite(t, func(t *testing.T) storage.Store {
		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, Migrate(ctx, db, DialectPostgres))
		_, err = db.ExecContext(ctx, `TRUNCATE accounts, processed_events`)
		require.NoError(t, err)

		return NewStoreFromDB(db, DialectPostgres)
	})
}

func TestPostgresStore_NewStore(t *testing.T) {
	dsn := setupPostgresContainer(t)

	cfg := storage.DefaultConfig()
	cfg.Type = "postgres"
	cfg.PostgresURL = dsn
	cfg.PostgresReplicaURLs = []string{dsn}

	s, err := NewStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.HealthCheck(ctx))
	require.NoError(t, s.CreateAccount(ctx, storagetest.NewAccount("acct_replica", 7)))

	snap, err := s.GetAccountSnapshot(ctx, "acct_replica")
	require.NoError(t, err)
	require.Equal(t, int64(7), snap.CreditBalance)
}
