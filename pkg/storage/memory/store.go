// Package memory provides an in-process Ledger Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// Store implements storage.Store in memory. Each method runs under a single
// mutex, which gives every write the same atomicity the SQL backend gets from
// its conditional statements.
type Store struct {
	mu     sync.Mutex
	base   *view
	events map[string]accounts.ProcessedEvent
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		base: &view{
			accounts: make(map[string]*accounts.Account),
			now:      time.Now,
		},
		events: make(map[string]accounts.ProcessedEvent),
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) GetAccount(ctx context.Context, id string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.GetAccount(ctx, id)
}

func (s *Store) FindAccountByCustomerRef(ctx context.Context, customerRef string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.FindAccountByCustomerRef(ctx, customerRef)
}

func (s *Store) CreateAccount(ctx context.Context, account *accounts.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.CreateAccount(ctx, account)
}

func (s *Store) AdjustCredits(ctx context.Context, id string, delta int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.AdjustCredits(ctx, id, delta)
}

func (s *Store) UpdateSubscription(ctx context.Context, id string, expectedVersion int64, sub accounts.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.UpdateSubscription(ctx, id, expectedVersion, sub)
}

func (s *Store) ClaimDailyUsage(ctx context.Context, id string, windowStart time.Time, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.ClaimDailyUsage(ctx, id, windowStart, limit)
}

func (s *Store) ReleaseDailyUsage(ctx context.Context, id string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.ReleaseDailyUsage(ctx, id, windowStart)
}

func (s *Store) IncrementTotalGenerated(ctx context.Context, id string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.IncrementTotalGenerated(ctx, id, delta)
}

func (s *Store) SetDisabled(ctx context.Context, id string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.SetDisabled(ctx, id, disabled)
}

// ApplyEvent runs fn against a transactional view of the store. Writes made
// through the view are undone if fn fails.
func (s *Store) ApplyEvent(ctx context.Context, evt accounts.ProcessedEvent, fn storage.EventFunc) error {
	if evt.EventID == "" {
		return fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[evt.EventID]; ok {
		return storage.ErrEventExists
	}

	tx := &view{
		accounts: s.base.accounts,
		now:      s.base.now,
		undo:     make(map[string]*accounts.Account),
		created:  make(map[string]bool),
	}

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}

	if evt.AppliedAt.IsZero() {
		evt.AppliedAt = s.base.now().UTC()
	}
	s.events[evt.EventID] = evt
	return nil
}

func (s *Store) ListEvents(ctx context.Context, accountID string, limit int) ([]accounts.ProcessedEvent, error) {
	s.mu.Lock()
	var events []accounts.ProcessedEvent
	for _, evt := range s.events {
		if evt.AccountID == accountID {
			events = append(events, evt)
		}
	}
	s.mu.Unlock()

	sort.Slice(events, func(i, j int) bool {
		if !events[i].AppliedAt.Equal(events[j].AppliedAt) {
			return events[i].AppliedAt.After(events[j].AppliedAt)
		}
		return events[i].EventID > events[j].EventID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Event returns the recorded event, for tests and debugging
func (s *Store) Event(eventID string) (accounts.ProcessedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	return evt, ok
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// view applies writes to the account map without locking. The owning Store
// holds the mutex. A view with a non-nil undo map is transactional.
type view struct {
	accounts map[string]*accounts.Account
	now      func() time.Time

	undo    map[string]*accounts.Account
	created map[string]bool
}

func (v *view) lookup(id string) (*accounts.Account, error) {
	acct, ok := v.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrAccountNotFound)
	}
	return acct, nil
}

// touch snapshots the account before its first write inside a transaction
func (v *view) touch(acct *accounts.Account) {
	if v.undo != nil && !v.created[acct.ID] {
		if _, ok := v.undo[acct.ID]; !ok {
			v.undo[acct.ID] = acct.Clone()
		}
	}
	acct.UpdatedAt = v.now().UTC()
}

func (v *view) rollback() {
	for id, snapshot := range v.undo {
		*v.accounts[id] = *snapshot
	}
	for id := range v.created {
		delete(v.accounts, id)
	}
}

func (v *view) GetAccount(ctx context.Context, id string) (*accounts.Account, error) {
	acct, err := v.lookup(id)
	if err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

func (v *view) FindAccountByCustomerRef(ctx context.Context, customerRef string) (*accounts.Account, error) {
	if customerRef != "" {
		for _, acct := range v.accounts {
			if acct.Subscription.ExternalCustomerRef == customerRef {
				return acct.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("customer %q: %w", customerRef, storage.ErrAccountNotFound)
}

func (v *view) CreateAccount(ctx context.Context, account *accounts.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if _, ok := v.accounts[account.ID]; ok {
		return fmt.Errorf("%s: %w", account.ID, storage.ErrAccountExists)
	}

	now := v.now().UTC()
	acct := account.Clone()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.SubscriptionVersion = 1
	v.accounts[acct.ID] = acct
	if v.created != nil {
		v.created[acct.ID] = true
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	account.SubscriptionVersion = 1
	return nil
}

func (v *view) AdjustCredits(ctx context.Context, id string, delta int64) (int64, bool, error) {
	acct, err := v.lookup(id)
	if err != nil {
		return 0, false, err
	}
	if acct.CreditBalance+delta < 0 {
		return acct.CreditBalance, false, nil
	}
	v.touch(acct)
	acct.CreditBalance += delta
	return acct.CreditBalance, true, nil
}

func (v *view) UpdateSubscription(ctx context.Context, id string, expectedVersion int64, sub accounts.Subscription) error {
	acct, err := v.lookup(id)
	if err != nil {
		return err
	}
	if acct.SubscriptionVersion != expectedVersion {
		return fmt.Errorf("%s: %w", id, storage.ErrVersionConflict)
	}
	v.touch(acct)
	sub.ValidUntil = sub.ValidUntil.UTC()
	acct.Subscription = sub
	acct.SubscriptionVersion++
	return nil
}

func (v *view) ClaimDailyUsage(ctx context.Context, id string, windowStart time.Time, limit int) (int, bool, error) {
	acct, err := v.lookup(id)
	if err != nil {
		return 0, false, err
	}
	windowStart = windowStart.UTC()

	count := acct.DailyUsageCount
	start := acct.DailyUsageWindowStart
	if start.Before(windowStart) {
		count = 0
		start = windowStart
	}
	if limit > 0 && count >= limit {
		return count, false, nil
	}

	v.touch(acct)
	acct.DailyUsageCount = count + 1
	acct.DailyUsageWindowStart = start
	return acct.DailyUsageCount, true, nil
}

func (v *view) ReleaseDailyUsage(ctx context.Context, id string, windowStart time.Time) error {
	acct, err := v.lookup(id)
	if err != nil {
		return err
	}
	if !acct.DailyUsageWindowStart.Equal(windowStart) || acct.DailyUsageCount == 0 {
		return nil
	}
	v.touch(acct)
	acct.DailyUsageCount--
	return nil
}

func (v *view) IncrementTotalGenerated(ctx context.Context, id string, delta int64) error {
	acct, err := v.lookup(id)
	if err != nil {
		return err
	}
	v.touch(acct)
	acct.TotalGenerated += delta
	return nil
}

func (v *view) SetDisabled(ctx context.Context, id string, disabled bool) error {
	acct, err := v.lookup(id)
	if err != nil {
		return err
	}
	v.touch(acct)
	acct.Disabled = disabled
	return nil
}
