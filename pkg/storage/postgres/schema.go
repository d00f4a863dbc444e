package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Dialect selects the SQL flavour spoken to the database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders into the dialect's numbered form
func (d Dialect) rebind(query string) string {
	if d == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

func (d Dialect) timestampType() string {
	if d == DialectSQLite {
		return "TIMESTAMP"
	}
	return "TIMESTAMPTZ"
}

// schemaStatements returns the DDL for the ledger tables
func (d Dialect) schemaStatements() []string {
	ts := d.timestampType()
	return []string{
		strings.ReplaceAll(`CREATE TABLE IF NOT EXISTS accounts (
			id                       TEXT PRIMARY KEY,
			credit_balance           BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
			tier                     TEXT NOT NULL DEFAULT 'free',
			subscription_active      BOOLEAN NOT NULL DEFAULT FALSE,
			valid_until              {{ts}} NOT NULL,
			external_customer_ref    TEXT,
			subscription_version     BIGINT NOT NULL DEFAULT 1,
			daily_usage_count        INTEGER NOT NULL DEFAULT 0,
			daily_usage_window_start {{ts}} NOT NULL,
			daily_limit              INTEGER NOT NULL DEFAULT 0,
			total_generated          BIGINT NOT NULL DEFAULT 0,
			disabled                 BOOLEAN NOT NULL DEFAULT FALSE,
			created_at               {{ts}} NOT NULL,
			updated_at               {{ts}} NOT NULL
		)`, "{{ts}}", ts),
		`CREATE INDEX IF NOT EXISTS idx_accounts_customer_ref ON accounts (external_customer_ref)`,
		strings.ReplaceAll(`CREATE TABLE IF NOT EXISTS processed_events (
			event_id   TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			account_id TEXT NOT NULL,
			applied_at {{ts}} NOT NULL
		)`, "{{ts}}", ts),
		`CREATE INDEX IF NOT EXISTS idx_processed_events_account ON processed_events (account_id, applied_at)`,
	}
}

// Migrate creates the ledger tables if they do not exist
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range dialect.schemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
