// Package ledger is the Credit Ledger: the only component that changes an
// account's credit balance.
//
// Every balance change is a single conditional write evaluated by the store.
// Reserve decrements iff the balance covers the amount, Grant and Refund add
// unconditionally. The ledger holds no locks and caches nothing, so any
// number of replicas can serve the same accounts.
//
// Commit and Refund settle a reservation through the tracker's single-winner
// claim, which makes both idempotent and mutually exclusive: a reservation
// credited back once is never credited back again, and a committed
// reservation is never refunded.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// DefaultReservationTTL bounds how long a reservation may stay unsettled
// before the sweep refunds it
const DefaultReservationTTL = 5 * time.Minute

// cleanupTimeout bounds the writes that must still land after the caller's
// context is gone: undoing a decrement and crediting back a claimed
// reservation.
const cleanupTimeout = 10 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// Reservation is a credit amount withheld from an account
type Reservation = reservations.Reservation

// Option configures a Ledger
type Option func(*Ledger)

// WithReservationTTL sets how long reservations stay outstanding
func WithReservationTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Ledger performs balance operations against an AccountStore
type Ledger struct {
	store   storage.AccountStore
	tracker reservations.Tracker
	ttl     time.Duration
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a ledger over store, tracking reservations in tracker
func New(store storage.AccountStore, tracker reservations.Tracker, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		tracker: tracker,
		ttl:     DefaultReservationTTL,
		now:     time.Now,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Within returns a ledger that writes through tx. The State Machine uses it
// so grants commit together with the event record.
func (l *Ledger) Within(tx storage.AccountStore) *Ledger {
	c := *l
	c.store = tx
	return &c
}

// ReservationTTL returns the configured reservation timeout
func (l *Ledger) ReservationTTL() time.Duration {
	return l.ttl
}

// ReserveOption annotates a reservation
type ReserveOption func(*Reservation)

// InUsageWindow records the daily usage window the reservation was admitted in
func InUsageWindow(window time.Time) ReserveOption {
	return func(r *Reservation) { r.UsageWindow = window }
}

// Reserve withholds amount credits from the account. It fails with
// ErrInsufficientCredit when the balance does not cover amount; two
// concurrent reserves can never both take the last unit.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount int64, opts ...ReserveOption) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, applied, err := l.store.AdjustCredits(ctx, accountID, -amount)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			l.metrics.RecordLedger("reserve", "not_found")
			return nil, err
		}
		l.metrics.RecordLedger("reserve", "error")
		return nil, unavailable("reserve", err)
	}
	if !applied {
		l.metrics.RecordLedger("reserve", "insufficient")
		return nil, fmt.Errorf("account %s has %d, needs %d: %w", accountID, balance, amount, ErrInsufficientCredit)
	}

	now := l.now().UTC()
	r := Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	for _, opt := range opts {
		opt(&r)
	}

	if err := l.tracker.Track(ctx, r); err != nil {
		// Untracked reservations could never be swept, so undo the decrement.
		undoCtx, cancel := detached(ctx)
		defer cancel()
		if _, _, undoErr := l.store.AdjustCredits(undoCtx, accountID, amount); undoErr != nil {
			l.logger.ForAccount(accountID).WithField("amount", amount).WithError(undoErr).Error("failed to return credits of untracked reservation")
		}
		l.metrics.RecordLedger("reserve", "error")
		return nil, unavailable("track reservation", err)
	}

	l.metrics.RecordLedger("reserve", "ok")
	return &r, nil
}

// Commit finalizes a reservation. The balance is not touched; the decrement
// happened at reserve time. settled is false when the reservation was
// already committed, refunded or swept.
func (l *Ledger) Commit(ctx context.Context, reservationID string) (r *Reservation, settled bool, err error) {
	r, ok, err := l.claim(ctx, "commit", reservationID)
	if err != nil || !ok {
		return nil, false, err
	}
	l.metrics.RecordLedger("commit", "ok")
	return r, true, nil
}

// Refund returns a reservation's credits to the account. settled is false
// when the reservation was already committed, refunded or swept, in which
// case nothing is credited.
//
// Once claimed, the credit-back and any requeue run detached from ctx: the
// claim has removed the reservation, so abandoning them would withhold the
// credits for good.
func (l *Ledger) Refund(ctx context.Context, reservationID string) (r *Reservation, settled bool, err error) {
	r, ok, err := l.claim(ctx, "refund", reservationID)
	if err != nil || !ok {
		return nil, false, err
	}

	writeCtx, cancel := detached(ctx)
	defer cancel()
	if _, _, err := l.store.AdjustCredits(writeCtx, r.AccountID, r.Amount); err != nil {
		l.metrics.RecordLedger("refund", "error")
		l.requeue(writeCtx, *r, err)
		return r, false, unavailable("refund", err)
	}

	l.metrics.RecordLedger("refund", "ok")
	return r, true, nil
}

// claim takes reservationID out of the tracker. A record claimed but
// unreadable is logged with its raw contents; nobody else can settle it.
func (l *Ledger) claim(ctx context.Context, op, reservationID string) (*Reservation, bool, error) {
	r, ok, err := l.tracker.Claim(ctx, reservationID)
	if err != nil {
		l.metrics.RecordLedger(op, "error")
		var corrupt *reservations.CorruptRecordError
		if ok && errors.As(err, &corrupt) {
			l.logger.WithFields(map[string]interface{}{
				observability.FieldReservationID: reservationID,
				"operation":                      op,
				"record":                         corrupt.Record,
			}).WithError(err).Error("claimed reservation is unreadable; settle it by hand")
		}
		return nil, false, unavailable(op, err)
	}
	if !ok {
		l.metrics.RecordLedger(op, "noop")
		return nil, false, nil
	}
	return r, true, nil
}

// requeue puts a claimed reservation whose refund failed back into the
// tracker, due immediately, so the next sweep retries it.
func (l *Ledger) requeue(ctx context.Context, r Reservation, cause error) {
	log := l.logger.ForReservation(r.ID, r.AccountID).WithField("amount", r.Amount).WithError(cause)

	r.ExpiresAt = l.now().UTC()
	if err := l.tracker.Track(ctx, r); err != nil {
		log.WithField("requeue_error", err.Error()).Error("refund failed and reservation could not be requeued; credits are withheld")
		return
	}
	log.Error("refund failed; reservation requeued for the next sweep")
}

// Reservation returns an outstanding reservation. Settled or unknown ids
// fail with reservations.ErrNotFound.
func (l *Ledger) Reservation(ctx context.Context, reservationID string) (*Reservation, error) {
	r, err := l.tracker.Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, reservations.ErrNotFound) {
			return nil, err
		}
		return nil, unavailable("lookup reservation", err)
	}
	return r, nil
}

// Expired lists up to limit reservations whose deadline has passed
func (l *Ledger) Expired(ctx context.Context, limit int) ([]Reservation, error) {
	expired, err := l.tracker.Expired(ctx, l.now().UTC(), limit)
	if err != nil {
		return nil, unavailable("list expired reservations", err)
	}
	return expired, nil
}

// Grant adds amount credits to the account unconditionally
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	balance, _, err := l.store.AdjustCredits(ctx, accountID, amount)
	if err != nil {
		l.metrics.RecordLedger("grant", "error")
		if errors.Is(err, storage.ErrAccountNotFound) {
			return 0, err
		}
		return 0, unavailable("grant", err)
	}

	l.metrics.RecordLedger("grant", "ok")
	l.metrics.RecordGrant(amount)
	return balance, nil
}

// snapshotReader is implemented by stores that can serve reads from a replica
type snapshotReader interface {
	GetAccountSnapshot(ctx context.Context, id string) (*accounts.Account, error)
}

// Balance returns the current balance. The value is a snapshot for display;
// it is never a basis for a later decrement.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var (
		account *accounts.Account
		err     error
	)
	if snap, ok := l.store.(snapshotReader); ok {
		account, err = snap.GetAccountSnapshot(ctx, accountID)
	} else {
		account, err = l.store.GetAccount(ctx, accountID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return 0, err
		}
		return 0, unavailable("balance", err)
	}
	return account.CreditBalance, nil
}
