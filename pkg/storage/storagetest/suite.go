// Package storagetest holds the behavioural test suite every storage.Store
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// NewAccount returns a free-tier account with the given balance
func NewAccount(id string, balance int64) *accounts.Account {
	return &accounts.Account{
		ID:            id,
		CreditBalance: balance,
		Subscription: accounts.Subscription{
			Tier:       accounts.TierFree,
			Active:     true,
			ValidUntil: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		DailyLimit: 100,
	}
}

// RunStoreSuite runs the full conformance suite against stores built by newStore
func RunStoreSuite(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"AdjustCreditsGuard", testAdjustCreditsGuard},
		{"ConcurrentDecrements", testConcurrentDecrements},
		{"UpdateSubscriptionCAS", testUpdateSubscriptionCAS},
		{"FindByCustomerRef", testFindByCustomerRef},
		{"DailyUsageWindow", testDailyUsageWindow},
		{"CountersAndFlags", testCountersAndFlags},
		{"ApplyEvent", testApplyEvent},
		{"ApplyEventRollback", testApplyEventRollback},
		{"ApplyEventConcurrentDuplicates", testApplyEventConcurrentDuplicates},
		{"ListEvents", testListEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()

	acct := NewAccount("acct_1", 100)
	require.NoError(t, s.CreateAccount(ctx, acct))

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", got.ID)
	assert.Equal(t, int64(100), got.CreditBalance)
	assert.Equal(t, accounts.TierFree, got.Subscription.Tier)
	assert.True(t, got.Subscription.Active)
	assert.True(t, got.Subscription.ValidUntil.Equal(acct.Subscription.ValidUntil))
	assert.Equal(t, 100, got.DailyLimit)
	assert.False(t, got.Disabled)
	assert.False(t, got.CreatedAt.IsZero())

	err = s.CreateAccount(ctx, NewAccount("acct_1", 5))
	assert.True(t, errors.Is(err, storage.ErrAccountExists))

	got, err = s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.CreditBalance, "failed create must not overwrite")

	_, err = s.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))
}

func testAdjustCreditsGuard(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 1)))

	balance, applied, err := s.AdjustCredits(ctx, "acct_1", -1)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(0), balance)

	balance, applied, err = s.AdjustCredits(ctx, "acct_1", -1)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(0), balance)

	balance, applied, err = s.AdjustCredits(ctx, "acct_1", 100)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(100), balance)

	_, _, err = s.AdjustCredits(ctx, "missing", 1)
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))
}

func testConcurrentDecrements(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const balance, workers = 5, 20
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", balance)))

	var wins, errs int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.AdjustCredits(ctx, "acct_1", -1)
			if err != nil {
				atomic.AddInt64(&errs, 1)
				return
			}
			if applied {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), errs)
	assert.Equal(t, int64(balance), wins)

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CreditBalance)
}

func testUpdateSubscriptionCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 0)))

	acct, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)

	until := time.Date(2031, 6, 1, 12, 0, 0, 0, time.UTC)
	sub := accounts.Subscription{
		Tier:                accounts.TierBasic,
		Active:              true,
		ValidUntil:          until,
		ExternalCustomerRef: "cus_123",
	}
	require.NoError(t, s.UpdateSubscription(ctx, "acct_1", acct.SubscriptionVersion, sub))

	err = s.UpdateSubscription(ctx, "acct_1", acct.SubscriptionVersion, accounts.Subscription{Tier: accounts.TierFree})
	assert.True(t, errors.Is(err, storage.ErrVersionConflict))

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, accounts.TierBasic, got.Subscription.Tier)
	assert.True(t, got.Subscription.Active)
	assert.True(t, got.Subscription.ValidUntil.Equal(until))
	assert.Equal(t, "cus_123", got.Subscription.ExternalCustomerRef)
	assert.Equal(t, acct.SubscriptionVersion+1, got.SubscriptionVersion)

	err = s.UpdateSubscription(ctx, "missing", 1, sub)
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))
}

func testFindByCustomerRef(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acct := NewAccount("acct_1", 0)
	acct.Subscription.ExternalCustomerRef = "cus_abc"
	require.NoError(t, s.CreateAccount(ctx, acct))
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_2", 0)))

	got, err := s.FindAccountByCustomerRef(ctx, "cus_abc")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", got.ID)

	_, err = s.FindAccountByCustomerRef(ctx, "cus_other")
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))

	_, err = s.FindAccountByCustomerRef(ctx, "")
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))
}

func testDailyUsageWindow(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 0)))

	day1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	count, claimed, err := s.ClaimDailyUsage(ctx, "acct_1", day1, 2)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, count)

	count, claimed, err = s.ClaimDailyUsage(ctx, "acct_1", day1, 2)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 2, count)

	_, claimed, err = s.ClaimDailyUsage(ctx, "acct_1", day1, 2)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ReleaseDailyUsage(ctx, "acct_1", day1))
	count, claimed, err = s.ClaimDailyUsage(ctx, "acct_1", day1, 2)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 2, count)

	// new day resets the window
	count, claimed, err = s.ClaimDailyUsage(ctx, "acct_1", day2, 2)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, count)

	// releasing against the old window is a no-op
	require.NoError(t, s.ReleaseDailyUsage(ctx, "acct_1", day1))
	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.DailyUsageCount)
	assert.True(t, got.DailyUsageWindowStart.Equal(day2))

	// unlimited
	for i := 0; i < 5; i++ {
		_, claimed, err = s.ClaimDailyUsage(ctx, "acct_1", day2, 0)
		require.NoError(t, err)
		assert.True(t, claimed)
	}

	_, _, err = s.ClaimDailyUsage(ctx, "missing", day1, 2)
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))
}

func testCountersAndFlags(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 0)))

	require.NoError(t, s.IncrementTotalGenerated(ctx, "acct_1", 1))
	require.NoError(t, s.IncrementTotalGenerated(ctx, "acct_1", 2))
	require.NoError(t, s.SetDisabled(ctx, "acct_1", true))

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalGenerated)
	assert.True(t, got.Disabled)

	assert.True(t, errors.Is(s.SetDisabled(ctx, "missing", true), storage.ErrAccountNotFound))
	assert.True(t, errors.Is(s.IncrementTotalGenerated(ctx, "missing", 1), storage.ErrAccountNotFound))
}

func testApplyEvent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 0)))

	evt := accounts.ProcessedEvent{EventID: "evt_1", EventType: "checkout.session.completed", AccountID: "acct_1"}
	grant := func(ctx context.Context, tx storage.AccountStore) error {
		_, _, err := tx.AdjustCredits(ctx, "acct_1", 100)
		return err
	}

	require.NoError(t, s.ApplyEvent(ctx, evt, grant))
	assert.Equal(t, []string{"evt_1"}, EventIDs(t, s, "acct_1"))

	called := false
	err := s.ApplyEvent(ctx, evt, func(ctx context.Context, tx storage.AccountStore) error {
		called = true
		return grant(ctx, tx)
	})
	assert.True(t, errors.Is(err, storage.ErrEventExists))
	assert.False(t, called)

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.CreditBalance)
	assert.Equal(t, []string{"evt_1"}, EventIDs(t, s, "acct_1"))
}

func testApplyEventRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 10)))

	acct, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)

	boom := errors.New("boom")
	evt := accounts.ProcessedEvent{EventID: "evt_fail", EventType: "invoice.payment_succeeded", AccountID: "acct_1"}
	err = s.ApplyEvent(ctx, evt, func(ctx context.Context, tx storage.AccountStore) error {
		if _, _, err := tx.AdjustCredits(ctx, "acct_1", 500); err != nil {
			return err
		}
		sub := acct.Subscription
		sub.Tier = accounts.TierPremium
		if err := tx.UpdateSubscription(ctx, "acct_1", acct.SubscriptionVersion, sub); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, NewAccount("acct_side", 1)); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	assert.Empty(t, EventIDs(t, s, "acct_1"), "failed event must not be recorded")

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.CreditBalance)
	assert.Equal(t, accounts.TierFree, got.Subscription.Tier)
	assert.Equal(t, acct.SubscriptionVersion, got.SubscriptionVersion)

	_, err = s.GetAccount(ctx, "acct_side")
	assert.True(t, errors.Is(err, storage.ErrAccountNotFound))

	// a corrected retry still applies
	err = s.ApplyEvent(ctx, evt, func(ctx context.Context, tx storage.AccountStore) error {
		_, _, err := tx.AdjustCredits(ctx, "acct_1", 500)
		return err
	})
	require.NoError(t, err)

	got, err = s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(510), got.CreditBalance)
}

func testApplyEventConcurrentDuplicates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 0)))

	const deliveries = 8
	var applied, duplicates, failures int64
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evt := accounts.ProcessedEvent{EventID: "evt_dup", EventType: "checkout.session.completed", AccountID: "acct_1"}
			err := s.ApplyEvent(ctx, evt, func(ctx context.Context, tx storage.AccountStore) error {
				_, _, err := tx.AdjustCredits(ctx, "acct_1", 100)
				return err
			})
			switch {
			case err == nil:
				atomic.AddInt64(&applied, 1)
			case errors.Is(err, storage.ErrEventExists):
				atomic.AddInt64(&duplicates, 1)
			default:
				atomic.AddInt64(&failures, 1)
				t.Logf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), failures)
	assert.Equal(t, int64(1), applied)
	assert.Equal(t, int64(deliveries-1), duplicates)

	got, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.CreditBalance)
}

// EventIDs lists the ids of every event recorded for accountID, newest first
func EventIDs(t *testing.T, s storage.Store, accountID string) []string {
	t.Helper()
	events, err := s.ListEvents(context.Background(), accountID, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		ids = append(ids, evt.EventID)
	}
	return ids
}

func testListEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_1", 0)))
	require.NoError(t, s.CreateAccount(ctx, NewAccount("acct_2", 0)))

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	noop := func(ctx context.Context, tx storage.AccountStore) error { return nil }
	for i, id := range []string{"evt_a", "evt_b", "evt_c"} {
		evt := accounts.ProcessedEvent{
			EventID:   id,
			EventType: "invoice.payment_succeeded",
			AccountID: "acct_1",
			AppliedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.ApplyEvent(ctx, evt, noop))
	}
	require.NoError(t, s.ApplyEvent(ctx, accounts.ProcessedEvent{
		EventID:   "evt_other",
		EventType: "checkout.session.completed",
		AccountID: "acct_2",
		AppliedAt: base,
	}, noop))

	events, err := s.ListEvents(ctx, "acct_1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt_c", events[0].EventID)
	assert.Equal(t, "invoice.payment_succeeded", events[0].EventType)
	assert.Equal(t, "acct_1", events[0].AccountID)
	assert.True(t, base.Add(2*time.Hour).Equal(events[0].AppliedAt))

	limited, err := s.ListEvents(ctx, "acct_1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "evt_c", limited[0].EventID)
	assert.Equal(t, "evt_b", limited[1].EventID)

	none, err := s.ListEvents(ctx, "acct_missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
