package ledger

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/storage/memory"
	"github.com/platinummonkey/creditd/pkg/storage/storagetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// flakyStore fails credit adjustments while failing is set
type flakyStore struct {
	storage.AccountStore
	failing atomic.Bool
}

func (s *flakyStore) AdjustCredits(ctx context.Context, id string, delta int64) (int64, bool, error) {
	if s.failing.Load() {
		return 0, false, errors.New("connection reset by peer")
	}
	return s.AccountStore.AdjustCredits(ctx, id, delta)
}

// brokenTracker refuses to track reservations
type brokenTracker struct {
	reservations.Tracker
}

func (brokenTracker) Track(ctx context.Context, r reservations.Reservation) error {
	return errors.New("redis: connection pool timeout")
}

// contextStore fails like database/sql once ctx is done. onCredit runs
// before every positive adjustment and may fail it.
type contextStore struct {
	storage.AccountStore
	onCredit func() error
}

func (s *contextStore) AdjustCredits(ctx context.Context, id string, delta int64) (int64, bool, error) {
	if delta > 0 && s.onCredit != nil {
		if err := s.onCredit(); err != nil {
			return 0, false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return s.AccountStore.AdjustCredits(ctx, id, delta)
}

// contextTracker honours ctx on Track and runs hooks around Track and Claim
type contextTracker struct {
	reservations.Tracker
	onTrack func()
	onClaim func()
}

func (t *contextTracker) Track(ctx context.Context, r reservations.Reservation) error {
	if t.onTrack != nil {
		t.onTrack()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.Tracker.Track(ctx, r)
}

func (t *contextTracker) Claim(ctx context.Context, id string) (*reservations.Reservation, bool, error) {
	r, ok, err := t.Tracker.Claim(ctx, id)
	if t.onClaim != nil {
		t.onClaim()
	}
	return r, ok, err
}

// corruptTracker claims records it cannot decode
type corruptTracker struct {
	reservations.Tracker
}

func (corruptTracker) Claim(ctx context.Context, id string) (*reservations.Reservation, bool, error) {
	return nil, true, &reservations.CorruptRecordError{ID: id, Record: "{truncated", Err: errors.New("unexpected end of JSON input")}
}

func setupLedger(t *testing.T, balance int64) (*Ledger, *memory.Store, *reservations.MemoryTracker) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(context.Background(), storagetest.NewAccount("acct-1", balance)))
	tracker := reservations.NewMemoryTracker()
	return New(store, tracker, WithClock(clock)), store, tracker
}

func balanceOf(t *testing.T, store storage.AccountReader, id string) int64 {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.CreditBalance
}

func TestReserve_LastUnitRace(t *testing.T) {
	l, store, _ := setupLedger(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Reserve(ctx, "acct-1", 1)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case IsInsufficientCredit(err):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(0), balanceOf(t, store, "acct-1"))
}

func TestReserve_NeverOverdraws(t *testing.T) {
	const balance, workers = 5, 20
	l, store, tracker := setupLedger(t, balance)
	ctx := context.Background()

	var succeeded int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "acct-1", 1); err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				assert.True(t, IsInsufficientCredit(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(balance), succeeded)
	assert.Equal(t, int64(0), balanceOf(t, store, "acct-1"))
	assert.Equal(t, balance, tracker.Len())
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("records reservation", func(t *testing.T) {
		l, store, tracker := setupLedger(t, 5)
		window := accounts.WindowStart(fixedNow)

		r, err := l.Reserve(ctx, "acct-1", 2, InUsageWindow(window))
		require.NoError(t, err)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, "acct-1", r.AccountID)
		assert.Equal(t, int64(2), r.Amount)
		assert.Equal(t, window, r.UsageWindow)
		assert.Equal(t, fixedNow, r.CreatedAt)
		assert.Equal(t, fixedNow.Add(DefaultReservationTTL), r.ExpiresAt)
		assert.Equal(t, int64(3), balanceOf(t, store, "acct-1"))

		tracked, err := tracker.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.AccountID, tracked.AccountID)
	})

	t.Run("invalid amount", func(t *testing.T) {
		l, _, _ := setupLedger(t, 5)
		_, err := l.Reserve(ctx, "acct-1", 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown account", func(t *testing.T) {
		l, _, _ := setupLedger(t, 5)
		_, err := l.Reserve(ctx, "missing", 1)
		assert.ErrorIs(t, err, storage.ErrAccountNotFound)
		assert.False(t, IsUnavailable(err))
	})

	t.Run("store failure leaves balance", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.CreateAccount(ctx, storagetest.NewAccount("acct-1", 5)))
		flaky := &flakyStore{AccountStore: store}
		flaky.failing.Store(true)

		l := New(flaky, reservations.NewMemoryTracker())
		_, err := l.Reserve(ctx, "acct-1", 1)
		assert.True(t, IsUnavailable(err))
		assert.False(t, IsInsufficientCredit(err))
		assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))
	})

	t.Run("tracker failure returns credits", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.CreateAccount(ctx, storagetest.NewAccount("acct-1", 5)))

		l := New(store, brokenTracker{})
		_, err := l.Reserve(ctx, "acct-1", 1)
		assert.True(t, IsUnavailable(err))
		assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))
	})

	t.Run("custom ttl", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.CreateAccount(ctx, storagetest.NewAccount("acct-1", 5)))

		l := New(store, reservations.NewMemoryTracker(), WithClock(clock), WithReservationTTL(30*time.Second))
		r, err := l.Reserve(ctx, "acct-1", 1)
		require.NoError(t, err)
		assert.Equal(t, fixedNow.Add(30*time.Second), r.ExpiresAt)
		assert.Equal(t, 30*time.Second, l.ReservationTTL())
	})
}

func TestRefund_RestoresBalance(t *testing.T) {
	l, store, _ := setupLedger(t, 5)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balanceOf(t, store, "acct-1"))

	refunded, settled, err := l.Refund(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, r.ID, refunded.ID)
	assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))

	_, settled, err = l.Refund(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, settled, "second refund must not credit again")
	assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))

	_, settled, err = l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, settled)
}

func TestCommit_Idempotent(t *testing.T) {
	l, store, _ := setupLedger(t, 5)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acct-1", 1)
	require.NoError(t, err)

	_, settled, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, settled)

	_, settled, err = l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	_, settled, err = l.Refund(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, settled, "committed reservation is never refunded")
	assert.Equal(t, int64(4), balanceOf(t, store, "acct-1"))
}

func TestSettle_ConcurrentCommitAndRefund(t *testing.T) {
	l, store, _ := setupLedger(t, 5)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acct-1", 1)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var settled bool
			var err error
			if i%2 == 0 {
				_, settled, err = l.Commit(ctx, r.ID)
			} else {
				_, settled, err = l.Refund(ctx, r.ID)
			}
			assert.NoError(t, err)
			if settled {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	final := balanceOf(t, store, "acct-1")
	assert.True(t, final == 4 || final == 5, "balance %d", final)
}

func TestRefund_StoreFailureRequeues(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(ctx, storagetest.NewAccount("acct-1", 5)))
	flaky := &flakyStore{AccountStore: store}
	tracker := reservations.NewMemoryTracker()
	l := New(flaky, tracker, WithClock(clock))

	r, err := l.Reserve(ctx, "acct-1", 1)
	require.NoError(t, err)

	flaky.failing.Store(true)
	_, settled, err := l.Refund(ctx, r.ID)
	assert.True(t, IsUnavailable(err))
	assert.False(t, settled)

	requeued, err := tracker.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, requeued.Expired(fixedNow), "requeued reservation is due immediately")

	flaky.failing.Store(false)
	_, settled, err = l.Refund(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))
}

func TestReserve_CancelledWhileTracking(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(context.Background(), storagetest.NewAccount("acct-1", 5)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker := &contextTracker{Tracker: reservations.NewMemoryTracker(), onTrack: cancel}
	l := New(&contextStore{AccountStore: store}, tracker)

	_, err := l.Reserve(ctx, "acct-1", 1)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"), "decrement must be undone after the caller is gone")
}

func TestRefund_CallerCancelledAfterClaim(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(context.Background(), storagetest.NewAccount("acct-1", 5)))
	tracker := &contextTracker{Tracker: reservations.NewMemoryTracker()}
	l := New(&contextStore{AccountStore: store}, tracker, WithClock(clock))

	r, err := l.Reserve(context.Background(), "acct-1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.onClaim = cancel

	_, settled, err := l.Refund(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))
}

func TestRefund_DeadlineDuringCreditRequeues(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(context.Background(), storagetest.NewAccount("acct-1", 5)))
	cs := &contextStore{AccountStore: store}
	tracker := &contextTracker{Tracker: reservations.NewMemoryTracker()}
	l := New(cs, tracker, WithClock(clock))

	r, err := l.Reserve(context.Background(), "acct-1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs.onCredit = func() error {
		cancel()
		return context.DeadlineExceeded
	}

	_, settled, err := l.Refund(ctx, r.ID)
	assert.True(t, IsUnavailable(err))
	assert.False(t, settled)

	expired, err := l.Expired(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, expired, 1, "the sweep must still find the reservation")
	assert.Equal(t, r.ID, expired[0].ID)

	cs.onCredit = nil
	_, settled, err = l.Refund(context.Background(), r.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, int64(5), balanceOf(t, store, "acct-1"))
}

func TestClaim_UnreadableRecordLogged(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	l := New(memory.NewStore(), corruptTracker{},
		WithLogger(observability.NewLogger(observability.InfoLevel, &buf)),
		WithMetrics(metrics))

	_, settled, err := l.Refund(context.Background(), "res-9")
	assert.True(t, IsUnavailable(err))
	assert.False(t, settled)

	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"reservation_id":"res-9"`)
	assert.Contains(t, out, `"record":"{truncated"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LedgerOperationsTotal.WithLabelValues("refund", "error")))
}

func TestGrant(t *testing.T) {
	l, store, _ := setupLedger(t, 5)
	ctx := context.Background()

	balance, err := l.Grant(ctx, "acct-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(105), balance)

	_, err = l.Grant(ctx, "acct-1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Grant(ctx, "missing", 1)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	assert.Equal(t, int64(105), balanceOf(t, store, "acct-1"))
}

func TestGrant_ComposesWithReservations(t *testing.T) {
	l, store, _ := setupLedger(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Grant(ctx, "acct-1", 100)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, "acct-1", 1)
			if !assert.NoError(t, err) {
				return
			}
			_, _, err = l.Refund(ctx, r.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1010), balanceOf(t, store, "acct-1"))
}

func TestBalance(t *testing.T) {
	l, _, _ := setupLedger(t, 7)
	ctx := context.Background()

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)

	_, err = l.Balance(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

type snapshotStore struct {
	storage.AccountStore
	snapshots int
}

func (s *snapshotStore) GetAccountSnapshot(ctx context.Context, id string) (*accounts.Account, error) {
	s.snapshots++
	return s.AccountStore.GetAccount(ctx, id)
}

func TestBalance_PrefersSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(ctx, storagetest.NewAccount("acct-1", 3)))
	snap := &snapshotStore{AccountStore: store}

	l := New(snap, reservations.NewMemoryTracker())
	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
	assert.Equal(t, 1, snap.snapshots)
}

func TestWithin_WritesThroughTransaction(t *testing.T) {
	l, store, _ := setupLedger(t, 0)
	ctx := context.Background()

	evt := accounts.ProcessedEvent{EventID: "evt_1", EventType: "test", AccountID: "acct-1"}
	err := store.ApplyEvent(ctx, evt, func(ctx context.Context, tx storage.AccountStore) error {
		if _, err := l.Within(tx).Grant(ctx, "acct-1", 50); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), balanceOf(t, store, "acct-1"), "grant rolled back with the event")
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(ctx, storagetest.NewAccount("acct-1", 1)))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := New(store, reservations.NewMemoryTracker(), WithMetrics(metrics))

	_, err := l.Reserve(ctx, "acct-1", 1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "acct-1", 1)
	require.Error(t, err)
	_, err = l.Grant(ctx, "acct-1", 10)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerOperationsTotal.WithLabelValues("reserve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerOperationsTotal.WithLabelValues("reserve", "insufficient")))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.CreditsGrantedTotal))
}
