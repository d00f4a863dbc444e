// Package reservations tracks outstanding credit reservations between
// admission and settlement.
//
// A reservation is settled by whoever claims it first: Claim removes the
// record atomically and reports whether the caller won. Commit, refund and
// the timeout sweep all go through Claim, so a reservation is settled at most
// once no matter how those paths race.
package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get for unknown or already settled reservations
var ErrNotFound = errors.New("reservation not found")

// CorruptRecordError is returned by Claim, with ok set, when the claimed
// record cannot be decoded. Record holds the raw stored value.
type CorruptRecordError struct {
	ID     string
	Record string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("reservation %s: unreadable record: %v", e.ID, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// Reservation is one credit amount withheld from an account pending the
// outcome of an external action
type Reservation struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`

	// UsageWindow is the daily usage window the admission claimed a slot in
	UsageWindow time.Time `json:"usage_window,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the reservation deadline has passed at now
func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Tracker stores outstanding reservations
type Tracker interface {
	// Track records an outstanding reservation, replacing any record with
	// the same id.
	Track(ctx context.Context, r Reservation) error

	// Claim atomically removes the reservation. ok is false when it was
	// never tracked or another caller already claimed it.
	Claim(ctx context.Context, id string) (r *Reservation, ok bool, err error)

	// Get returns an outstanding reservation without claiming it
	Get(ctx context.Context, id string) (*Reservation, error)

	// Expired lists up to limit outstanding reservations whose deadline is
	// at or before now, earliest first
	Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
