// Package usage gates metered actions behind the daily limit and the credit
// balance, and settles each admission once the action's outcome is known.
//
// Admit claims a slot in the account's daily usage window and reserves one
// credit. The caller runs the metered action and then calls Settle exactly
// once: Success commits the credit, Failure refunds it and gives the slot
// back. Reservations never settled are refunded by the Sweeper after the
// ledger's reservation timeout.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// CreditsPerAction is the price of one metered action
const CreditsPerAction = 1

// Outcome is the result of the metered action
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// ParseOutcome parses "success" or "failure"
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "success":
		return Success, nil
	case "failure":
		return Failure, nil
	}
	return Failure, fmt.Errorf("unknown outcome %q", s)
}

var (
	// ErrAccountDisabled is returned when admitting a deactivated account
	ErrAccountDisabled = errors.New("account is disabled")
	// ErrReservationNotFound is returned when settling an unknown or
	// already settled reservation by id
	ErrReservationNotFound = errors.New("reservation not found")
)

// RateLimitError is returned when the daily usage window is full
type RateLimitError struct {
	AccountID  string
	Limit      int
	Count      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("daily limit of %d reached for account %s", e.Limit, e.AccountID)
}

// IsRateLimited reports whether err is a RateLimitError
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Controller is the Usage Admission Controller
type Controller struct {
	store   storage.AccountStore
	ledger  *ledger.Ledger
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewController creates an admission controller
func NewController(store storage.AccountStore, l *ledger.Ledger, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Controller{
		store:   store,
		ledger:  l,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Admit reserves one credit for a metered action. It fails with a
// *RateLimitError when the daily window is full and with
// ledger.ErrInsufficientCredit when the balance is empty; neither changes
// the balance.
func (c *Controller) Admit(ctx context.Context, accountID string) (*ledger.Reservation, error) {
	ctx, span := observability.StartSpan(ctx, "usage.Admit", observability.AttrAccountID.String(accountID))
	r, outcome, err := c.admit(ctx, accountID)
	c.metrics.RecordAdmission(outcome)

	var failed error
	if outcome == "error" {
		failed = err
	}
	if r != nil {
		span.SetAttributes(observability.AttrReservationID.String(r.ID))
	}
	observability.EndSpanWithOutcome(span, outcome, failed)
	return r, err
}

func (c *Controller) admit(ctx context.Context, accountID string) (*ledger.Reservation, string, error) {
	acct, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, "not_found", err
		}
		return nil, "error", fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	if acct.Disabled {
		return nil, "disabled", fmt.Errorf("account %s: %w", accountID, ErrAccountDisabled)
	}

	now := c.now().UTC()
	window := accounts.WindowStart(now)

	count, claimed, err := c.store.ClaimDailyUsage(ctx, accountID, window, acct.DailyLimit)
	if err != nil {
		return nil, "error", fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	if !claimed {
		return nil, "rate_limited", &RateLimitError{
			AccountID:  accountID,
			Limit:      acct.DailyLimit,
			Count:      count,
			RetryAfter: accounts.NextWindow(now).Sub(now),
		}
	}

	r, err := c.ledger.Reserve(ctx, accountID, CreditsPerAction, ledger.InUsageWindow(window))
	if err != nil {
		c.releaseSlot(ctx, accountID, window)
		if ledger.IsInsufficientCredit(err) {
			return nil, "insufficient_credit", err
		}
		return nil, "error", err
	}
	return r, "admitted", nil
}

// Settle records the outcome of an admitted action. settled is false when
// the reservation was already settled or swept, in which case nothing
// changes.
func (c *Controller) Settle(ctx context.Context, r *ledger.Reservation, outcome Outcome) (bool, error) {
	log := c.logger.ForReservation(r.ID, r.AccountID).WithField("outcome", outcome.String())

	switch outcome {
	case Success:
		_, settled, err := c.ledger.Commit(ctx, r.ID)
		if err != nil {
			c.metrics.RecordSettlement("error")
			return false, err
		}
		if !settled {
			c.metrics.RecordSettlement("noop")
			return false, nil
		}
		if err := c.store.IncrementTotalGenerated(ctx, r.AccountID, 1); err != nil {
			log.WithError(err).Warn("failed to count committed action")
		}
		c.metrics.RecordSettlement("committed")
		return true, nil

	default:
		claimed, settled, err := c.ledger.Refund(ctx, r.ID)
		if err != nil {
			c.metrics.RecordSettlement("error")
			log.WithError(err).Error("refund failed")
			return false, err
		}
		if !settled {
			c.metrics.RecordSettlement("noop")
			return false, nil
		}
		if !claimed.UsageWindow.IsZero() {
			c.releaseSlot(ctx, claimed.AccountID, claimed.UsageWindow)
		}
		c.metrics.RecordSettlement("refunded")
		return true, nil
	}
}

// SettleByID settles a reservation owned by accountID
func (c *Controller) SettleByID(ctx context.Context, accountID, reservationID string, outcome Outcome) (bool, error) {
	r, err := c.ledger.Reservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, reservations.ErrNotFound) {
			return false, fmt.Errorf("%s: %w", reservationID, ErrReservationNotFound)
		}
		return false, err
	}
	if r.AccountID != accountID {
		return false, fmt.Errorf("%s: %w", reservationID, ErrReservationNotFound)
	}
	return c.Settle(ctx, r, outcome)
}

func (c *Controller) releaseSlot(ctx context.Context, accountID string, window time.Time) {
	if err := c.store.ReleaseDailyUsage(ctx, accountID, window); err != nil {
		c.logger.ForAccount(accountID).WithField("window", window.Format(time.RFC3339)).WithError(err).Warn("failed to release daily usage slot")
	}
}
