package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/storage"
)

const accountColumns = `id, credit_balance, tier, subscription_active, valid_until,
	external_customer_ref, subscription_version, daily_usage_count,
	daily_usage_window_start, daily_limit, total_generated, disabled,
	created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// accountQueries implements storage.AccountStore on top of a querier. Every
// write is one conditional statement.
type accountQueries struct {
	q       querier
	dialect Dialect
	now     func() time.Time
}

var _ storage.AccountStore = (*accountQueries)(nil)

func (a *accountQueries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return a.q.ExecContext(ctx, a.dialect.rebind(query), args...)
}

func (a *accountQueries) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return a.q.QueryRowContext(ctx, a.dialect.rebind(query), args...)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*accounts.Account, error) {
	var (
		acct        accounts.Account
		tier        string
		customerRef sql.NullString
	)
	err := row.Scan(
		&acct.ID,
		&acct.CreditBalance,
		&tier,
		&acct.Subscription.Active,
		&acct.Subscription.ValidUntil,
		&customerRef,
		&acct.SubscriptionVersion,
		&acct.DailyUsageCount,
		&acct.DailyUsageWindowStart,
		&acct.DailyLimit,
		&acct.TotalGenerated,
		&acct.Disabled,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	acct.Subscription.Tier = accounts.Tier(tier)
	acct.Subscription.ExternalCustomerRef = customerRef.String
	acct.Subscription.ValidUntil = acct.Subscription.ValidUntil.UTC()
	acct.DailyUsageWindowStart = acct.DailyUsageWindowStart.UTC()
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint violation from either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (a *accountQueries) GetAccount(ctx context.Context, id string) (*accounts.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acct, err := scanAccount(a.queryRow(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (a *accountQueries) FindAccountByCustomerRef(ctx context.Context, customerRef string) (*accounts.Account, error) {
	if customerRef == "" {
		return nil, fmt.Errorf("customer %q: %w", customerRef, storage.ErrAccountNotFound)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE external_customer_ref = $1
		ORDER BY created_at
		LIMIT 1`

	acct, err := scanAccount(a.queryRow(ctx, query, customerRef))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer %q: %w", customerRef, storage.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by customer: %w", err)
	}
	return acct, nil
}

func (a *accountQueries) CreateAccount(ctx context.Context, account *accounts.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account id is required")
	}

	now := a.now().UTC()
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, $10, $11, $12, $12)
	`
	_, err := a.exec(ctx, query,
		account.ID,
		account.CreditBalance,
		string(account.Subscription.Tier),
		account.Subscription.Active,
		account.Subscription.ValidUntil.UTC(),
		nullString(account.Subscription.ExternalCustomerRef),
		account.DailyUsageCount,
		account.DailyUsageWindowStart.UTC(),
		account.DailyLimit,
		account.TotalGenerated,
		account.Disabled,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", account.ID, storage.ErrAccountExists)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	account.SubscriptionVersion = 1
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (a *accountQueries) AdjustCredits(ctx context.Context, id string, delta int64) (int64, bool, error) {
	query := `
		UPDATE accounts
		SET credit_balance = credit_balance + $2, updated_at = $3
		WHERE id = $1 AND credit_balance + $2 >= 0
		RETURNING credit_balance
	`
	var balance int64
	err := a.queryRow(ctx, query, id, delta, a.now().UTC()).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("failed to adjust credits: %w", err)
	}

	// guard rejected the write, or the account does not exist
	err = a.queryRow(ctx, `SELECT credit_balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("%s: %w", id, storage.ErrAccountNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, false, nil
}

func (a *accountQueries) UpdateSubscription(ctx context.Context, id string, expectedVersion int64, sub accounts.Subscription) error {
	query := `
		UPDATE accounts
		SET tier = $3,
			subscription_active = $4,
			valid_until = $5,
			external_customer_ref = $6,
			subscription_version = subscription_version + 1,
			updated_at = $7
		WHERE id = $1 AND subscription_version = $2
	`
	result, err := a.exec(ctx, query,
		id,
		expectedVersion,
		string(sub.Tier),
		sub.Active,
		sub.ValidUntil.UTC(),
		nullString(sub.ExternalCustomerRef),
		a.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if err := a.requireAccount(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", id, storage.ErrVersionConflict)
}

func (a *accountQueries) ClaimDailyUsage(ctx context.Context, id string, windowStart time.Time, limit int) (int, bool, error) {
	query := `
		UPDATE accounts
		SET daily_usage_count = CASE WHEN daily_usage_window_start < $2 THEN 1 ELSE daily_usage_count + 1 END,
			daily_usage_window_start = CASE WHEN daily_usage_window_start < $2 THEN $2 ELSE daily_usage_window_start END,
			updated_at = $4
		WHERE id = $1
			AND (daily_usage_window_start < $2 OR $3 <= 0 OR daily_usage_count < $3)
		RETURNING daily_usage_count
	`
	windowStart = windowStart.UTC()

	var count int
	err := a.queryRow(ctx, query, id, windowStart, limit, a.now().UTC()).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("failed to claim daily usage: %w", err)
	}

	err = a.queryRow(ctx, `SELECT daily_usage_count FROM accounts WHERE id = $1`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("%s: %w", id, storage.ErrAccountNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return count, false, nil
}

func (a *accountQueries) ReleaseDailyUsage(ctx context.Context, id string, windowStart time.Time) error {
	query := `
		UPDATE accounts
		SET daily_usage_count = daily_usage_count - 1, updated_at = $3
		WHERE id = $1 AND daily_usage_window_start = $2 AND daily_usage_count > 0
	`
	result, err := a.exec(ctx, query, id, windowStart.UTC(), a.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to release daily usage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return a.requireAccount(ctx, id)
	}
	return nil
}

func (a *accountQueries) IncrementTotalGenerated(ctx context.Context, id string, delta int64) error {
	query := `UPDATE accounts SET total_generated = total_generated + $2, updated_at = $3 WHERE id = $1`
	return a.execOne(ctx, id, "increment total generated", query, id, delta, a.now().UTC())
}

func (a *accountQueries) SetDisabled(ctx context.Context, id string, disabled bool) error {
	query := `UPDATE accounts SET disabled = $2, updated_at = $3 WHERE id = $1`
	return a.execOne(ctx, id, "set disabled", query, id, disabled, a.now().UTC())
}

// execOne runs an update that must touch exactly the account row
func (a *accountQueries) execOne(ctx context.Context, id, op, query string, args ...interface{}) error {
	result, err := a.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", id, storage.ErrAccountNotFound)
	}
	return nil
}

func (a *accountQueries) requireAccount(ctx context.Context, id string) error {
	var one int
	err := a.queryRow(ctx, `SELECT 1 FROM accounts WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", id, storage.ErrAccountNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	return nil
}
