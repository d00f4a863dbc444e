// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	CREDITD_HOST="0.0.0.0"
//	CREDITD_PORT="8080"
//	CREDITD_HEALTH_PORT="9090"
//	CREDITD_READ_TIMEOUT="15s"
//	CREDITD_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	CREDITD_STORAGE_TYPE="postgres"  # memory, postgres, sqlite
//	CREDITD_POSTGRES_URL="postgres://localhost/creditd"
//	CREDITD_POSTGRES_REPLICA_URLS="postgres://replica-1/creditd,postgres://replica-2/creditd"
//	CREDITD_POSTGRES_MAX_CONNS="20"
//	CREDITD_SQLITE_PATH="/var/lib/creditd/ledger.db"
//	CREDITD_REDIS_URL="redis://localhost:6379"
//
// Billing settings:
//
//	CREDITD_STRIPE_WEBHOOK_SECRET="whsec_..."
//	CREDITD_WEBHOOK_TOLERANCE="5m"
//	CREDITD_PLANS_FILE="/etc/creditd/plans.yaml"
//
// Ledger settings:
//
//	CREDITD_SIGNUP_CREDITS="100"
//	CREDITD_DEFAULT_DAILY_LIMIT="100"
//	CREDITD_RESERVATION_TIMEOUT="5m"
//	CREDITD_SWEEP_INTERVAL="1m"
//	CREDITD_SWEEP_SCHEDULE="@every 1m"  # credit-sweeper only
//
// Observability settings:
//
//	CREDITD_LOG_LEVEL="info"  # debug, info, warn, error
//	CREDITD_METRICS_ENABLED="true"
//	CREDITD_OTEL_ENABLED="true"
//	CREDITD_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	catalog, err := cfg.Catalog()
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/billing: Plan catalog and webhook verification
//   - pkg/observability: Uses observability configuration
package config
