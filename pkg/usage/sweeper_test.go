package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_RefundsExpiredReservations(t *testing.T) {
	f := setup(t, 10, 5)
	ctx := context.Background()
	sweeper := NewSweeper(f.controller, SweeperConfig{BatchSize: 10, Workers: 2})

	var admitted []*ledger.Reservation
	for i := 0; i < 3; i++ {
		r, err := f.controller.Admit(ctx, "acct-1")
		require.NoError(t, err)
		admitted = append(admitted, r)
	}
	_, err := f.controller.Settle(ctx, admitted[0], Success)
	require.NoError(t, err)

	// nothing is due before the timeout
	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired)
	assert.Equal(t, int64(7), f.account(t).CreditBalance)

	f.clock.Advance(ledger.DefaultReservationTTL)
	result, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Expired)
	assert.Equal(t, 2, result.Refunded)
	assert.Equal(t, 0, result.Failed)

	acct := f.account(t)
	assert.Equal(t, int64(9), acct.CreditBalance)
	assert.Equal(t, 1, acct.DailyUsageCount)
	assert.Equal(t, 0, f.tracker.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.ReservationsSwept))

	// a late outcome report for a swept reservation changes nothing
	settled, err := f.controller.Settle(ctx, admitted[1], Success)
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, int64(9), f.account(t).CreditBalance)
}

func TestSweep_BatchSize(t *testing.T) {
	f := setup(t, 10, 10)
	ctx := context.Background()
	sweeper := NewSweeper(f.controller, SweeperConfig{BatchSize: 2, Workers: 1})

	for i := 0; i < 5; i++ {
		_, err := f.controller.Admit(ctx, "acct-1")
		require.NoError(t, err)
	}
	f.clock.Advance(time.Hour)

	var total int
	for i := 0; i < 3; i++ {
		result, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.Refunded, 2)
		total += result.Refunded
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, int64(10), f.account(t).CreditBalance)
}

func TestSweep_ConcurrentSweepersRefundOnce(t *testing.T) {
	f := setup(t, 20, 20)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.controller.Admit(ctx, "acct-1")
		require.NoError(t, err)
	}
	f.clock.Advance(time.Hour)

	a := NewSweeper(f.controller, SweeperConfig{Workers: 4})
	b := NewSweeper(f.controller, SweeperConfig{Workers: 4})

	results := make(chan SweepResult, 2)
	for _, s := range []*Sweeper{a, b} {
		go func(s *Sweeper) {
			r, err := s.Sweep(ctx)
			assert.NoError(t, err)
			results <- r
		}(s)
	}
	first, second := <-results, <-results

	assert.Equal(t, 10, first.Refunded+second.Refunded)
	assert.Equal(t, int64(20), f.account(t).CreditBalance)
}

func TestSweep_RedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := setup(t, 5, 5)
	tracker := reservations.NewRedisTracker(client, "")
	l := ledger.New(f.store, tracker, ledger.WithClock(f.clock.Now))
	c := NewController(f.store, l, nil, nil)
	c.now = f.clock.Now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Admit(ctx, "acct-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), f.account(t).CreditBalance)

	f.clock.Advance(ledger.DefaultReservationTTL + time.Second)
	result, err := NewSweeper(c, SweeperConfig{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Refunded)
	assert.Equal(t, int64(5), f.account(t).CreditBalance)

	n, err := tracker.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := setup(t, 5, 5)
	sweeper := NewSweeper(f.controller, SweeperConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
