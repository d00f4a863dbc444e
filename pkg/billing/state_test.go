package billing

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/reservations"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/storage/memory"
	"github.com/platinummonkey/creditd/pkg/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func TestStateOf(t *testing.T) {
	tests := []struct {
		name string
		sub  accounts.Subscription
		want State
	}{
		{"free", accounts.Subscription{Tier: accounts.TierFree, Active: true, ValidUntil: testNow.Add(day)}, State{Kind: StateFree, Tier: accounts.TierFree}},
		{"empty tier is free", accounts.Subscription{}, State{Kind: StateFree, Tier: accounts.TierFree}},
		{"active", accounts.Subscription{Tier: accounts.TierBasic, Active: true, ValidUntil: testNow.Add(day)}, State{Kind: StateActive, Tier: accounts.TierBasic}},
		{"expired", accounts.Subscription{Tier: accounts.TierPremium, Active: true, ValidUntil: testNow}, State{Kind: StateExpired, Tier: accounts.TierPremium}},
		{"cancelled", accounts.Subscription{Tier: accounts.TierFamily, Active: false, ValidUntil: testNow.Add(day)}, State{Kind: StateCancelled, Tier: accounts.TierFamily}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateOf(tt.sub, testNow))
		})
	}

	assert.Equal(t, "active(basic)", State{Kind: StateActive, Tier: accounts.TierBasic}.String())
	assert.Equal(t, "cancelled", State{Kind: StateCancelled, Tier: accounts.TierBasic}.String())
}

type machineFixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	machine *Machine
}

func newMachineFixture(t *testing.T, acct *accounts.Account) *machineFixture {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(context.Background(), acct))
	return &machineFixture{
		store:   store,
		ledger:  ledger.New(store, reservations.NewMemoryTracker()),
		machine: NewMachine(DefaultCatalog(), func() time.Time { return testNow }),
	}
}

func (f *machineFixture) apply(t *testing.T, evt Event) (*Transition, error) {
	t.Helper()
	var transition *Transition
	record := accounts.ProcessedEvent{EventID: evt.Meta().ID, EventType: evt.Meta().Type, AccountID: "acct-1"}
	err := f.store.ApplyEvent(context.Background(), record, func(ctx context.Context, tx storage.AccountStore) error {
		var err error
		transition, err = f.machine.Apply(ctx, tx, f.ledger.Within(tx), "acct-1", evt)
		return err
	})
	return transition, err
}

func (f *machineFixture) account(t *testing.T) *accounts.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	return acct
}

func paidAccount(tier accounts.Tier, validUntil time.Time, customer string) *accounts.Account {
	acct := storagetest.NewAccount("acct-1", 0)
	acct.Subscription = accounts.Subscription{
		Tier:                tier,
		Active:              true,
		ValidUntil:          validUntil,
		ExternalCustomerRef: customer,
	}
	return acct
}

func meta(id, typ, customer string) EventMeta {
	return EventMeta{ID: id, Type: typ, Customer: customer}
}

func TestMachine_Checkout(t *testing.T) {
	f := newMachineFixture(t, storagetest.NewAccount("acct-1", 10))

	transition, err := f.apply(t, &CheckoutCompleted{
		EventMeta: meta("evt_1", EventCheckoutCompleted, "cus_9"),
		PlanID:    "monthly",
	})
	require.NoError(t, err)
	assert.Equal(t, StateFree, transition.From.Kind)
	assert.Equal(t, State{Kind: StateActive, Tier: accounts.TierBasic}, transition.To)
	assert.Equal(t, int64(100), transition.Granted)

	acct := f.account(t)
	assert.Equal(t, int64(110), acct.CreditBalance)
	assert.Equal(t, accounts.TierBasic, acct.Subscription.Tier)
	assert.True(t, acct.Subscription.Active)
	assert.Equal(t, testNow.Add(30*day), acct.Subscription.ValidUntil)
	assert.Equal(t, "cus_9", acct.Subscription.ExternalCustomerRef)
}

func TestMachine_CheckoutKeepsLongerValidity(t *testing.T) {
	far := testNow.Add(300 * day)
	f := newMachineFixture(t, paidAccount(accounts.TierPremium, far, "cus_1"))

	_, err := f.apply(t, &CheckoutCompleted{
		EventMeta: meta("evt_1", EventCheckoutCompleted, "cus_2"),
		PlanID:    "monthly",
		Credits:   42,
	})
	require.NoError(t, err)

	acct := f.account(t)
	assert.Equal(t, far, acct.Subscription.ValidUntil)
	assert.Equal(t, accounts.TierBasic, acct.Subscription.Tier)
	assert.Equal(t, "cus_1", acct.Subscription.ExternalCustomerRef, "customer reference is captured once")
	assert.Equal(t, int64(42), acct.CreditBalance)
}

func TestMachine_CheckoutUnknownPlan(t *testing.T) {
	f := newMachineFixture(t, storagetest.NewAccount("acct-1", 0))

	_, err := f.apply(t, &CheckoutCompleted{
		EventMeta: meta("evt_1", EventCheckoutCompleted, ""),
		PlanID:    "lifetime",
	})
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, has := f.store.Event("evt_1")
	assert.False(t, has)
}

func TestMachine_RenewalExtendsRemainingPeriod(t *testing.T) {
	f := newMachineFixture(t, paidAccount(accounts.TierBasic, testNow.Add(10*day), "cus_9"))

	transition, err := f.apply(t, &InvoicePaymentSucceeded{
		EventMeta:     meta("evt_2", EventInvoicePaymentSucceeded, "cus_9"),
		PlanID:        "monthly",
		BillingReason: BillingReasonSubscriptionCycle,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), transition.Granted)

	acct := f.account(t)
	assert.Equal(t, testNow.Add(40*day), acct.Subscription.ValidUntil)
	assert.Equal(t, int64(100), acct.CreditBalance)
}

func TestMachine_RenewalAfterExpiry(t *testing.T) {
	f := newMachineFixture(t, paidAccount(accounts.TierBasic, testNow.Add(-5*day), "cus_9"))

	transition, err := f.apply(t, &InvoicePaymentSucceeded{
		EventMeta:     meta("evt_2", EventInvoicePaymentSucceeded, "cus_9"),
		BillingReason: BillingReasonSubscriptionCycle,
	})
	require.NoError(t, err)
	assert.Equal(t, StateExpired, transition.From.Kind)
	assert.Equal(t, StateActive, transition.To.Kind)

	acct := f.account(t)
	assert.Equal(t, testNow.Add(30*day), acct.Subscription.ValidUntil, "plan falls back to the current tier")
}

func TestMachine_RenewalReactivatesCancelled(t *testing.T) {
	acct := paidAccount(accounts.TierPremium, testNow.Add(day), "cus_9")
	acct.Subscription.Active = false
	f := newMachineFixture(t, acct)

	_, err := f.apply(t, &InvoicePaymentSucceeded{
		EventMeta:     meta("evt_2", EventInvoicePaymentSucceeded, "cus_9"),
		PlanID:        "yearly",
		BillingReason: BillingReasonSubscriptionCycle,
	})
	require.NoError(t, err)

	got := f.account(t)
	assert.True(t, got.Subscription.Active)
	assert.Equal(t, testNow.Add(366*day), got.Subscription.ValidUntil)
	assert.Equal(t, int64(500), got.CreditBalance)
}

func TestMachine_RenewalNeverShortens(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		offset := time.Duration(rng.Intn(800)-400) * day
		validUntil := testNow.Add(offset)
		f := newMachineFixture(t, paidAccount(accounts.TierFamily, validUntil, ""))

		_, err := f.apply(t, &InvoicePaymentSucceeded{
			EventMeta:     meta("evt_renew", EventInvoicePaymentSucceeded, ""),
			BillingReason: BillingReasonSubscriptionCycle,
		})
		require.NoError(t, err)

		got := f.account(t).Subscription.ValidUntil
		assert.False(t, got.Before(validUntil), "offset %v: %v < %v", offset, got, validUntil)
		assert.True(t, got.After(testNow))
	}
}

func TestMachine_InvoiceGuard(t *testing.T) {
	t.Run("free account", func(t *testing.T) {
		f := newMachineFixture(t, storagetest.NewAccount("acct-1", 0))
		_, err := f.apply(t, &InvoicePaymentSucceeded{
			EventMeta:     meta("evt_2", EventInvoicePaymentSucceeded, "cus_9"),
			PlanID:        "monthly",
			BillingReason: BillingReasonSubscriptionCycle,
		})
		assert.ErrorIs(t, err, ErrPreconditionFailed)
		assert.Equal(t, int64(0), f.account(t).CreditBalance)
	})

	t.Run("different customer", func(t *testing.T) {
		f := newMachineFixture(t, paidAccount(accounts.TierBasic, testNow.Add(day), "cus_1"))
		_, err := f.apply(t, &InvoicePaymentSucceeded{
			EventMeta:     meta("evt_2", EventInvoicePaymentSucceeded, "cus_2"),
			BillingReason: BillingReasonSubscriptionCycle,
		})
		assert.ErrorIs(t, err, ErrPreconditionFailed)
		assert.Equal(t, testNow.Add(day), f.account(t).Subscription.ValidUntil)
	})
}

func TestMachine_FirstInvoiceIsRecordedOnly(t *testing.T) {
	f := newMachineFixture(t, paidAccount(accounts.TierBasic, testNow.Add(30*day), "cus_9"))

	transition, err := f.apply(t, &InvoicePaymentSucceeded{
		EventMeta:     meta("evt_2", EventInvoicePaymentSucceeded, "cus_9"),
		PlanID:        "monthly",
		BillingReason: BillingReasonSubscriptionCreate,
	})
	require.NoError(t, err)
	assert.True(t, transition.Recorded)
	assert.Zero(t, transition.Granted)

	acct := f.account(t)
	assert.Equal(t, testNow.Add(30*day), acct.Subscription.ValidUntil)
	assert.Equal(t, int64(0), acct.CreditBalance)

	_, has := f.store.Event("evt_2")
	assert.True(t, has)
}

func TestMachine_Cancel(t *testing.T) {
	validUntil := testNow.Add(20 * day)
	f := newMachineFixture(t, paidAccount(accounts.TierPremium, validUntil, "cus_9"))

	transition, err := f.apply(t, &SubscriptionCancelled{EventMeta: meta("evt_3", EventSubscriptionDeleted, "cus_9")})
	require.NoError(t, err)
	assert.Equal(t, State{Kind: StateCancelled, Tier: accounts.TierPremium}, transition.To)

	acct := f.account(t)
	assert.False(t, acct.Subscription.Active)
	assert.Equal(t, accounts.TierPremium, acct.Subscription.Tier, "tier is kept for history")
	assert.Equal(t, validUntil, acct.Subscription.ValidUntil)

	version := acct.SubscriptionVersion
	_, err = f.apply(t, &SubscriptionCancelled{EventMeta: meta("evt_4", EventSubscriptionDeleted, "cus_9")})
	require.NoError(t, err)
	assert.Equal(t, version, f.account(t).SubscriptionVersion, "cancelling twice writes nothing")
}

func TestMachine_OneTimePurchase(t *testing.T) {
	f := newMachineFixture(t, paidAccount(accounts.TierBasic, testNow.Add(day), "cus_9"))

	transition, err := f.apply(t, &OneTimeCreditsPurchased{
		EventMeta: meta("evt_5", EventCheckoutCompleted, "cus_9"),
		Amount:    25,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), transition.Granted)
	assert.Equal(t, transition.From, transition.To)

	acct := f.account(t)
	assert.Equal(t, int64(25), acct.CreditBalance)
	assert.Equal(t, testNow.Add(day), acct.Subscription.ValidUntil)
}

func TestMachine_UnknownEvent(t *testing.T) {
	f := newMachineFixture(t, storagetest.NewAccount("acct-1", 0))
	_, err := f.apply(t, &UnknownEvent{EventMeta: meta("evt_6", "charge.refunded", "")})
	assert.Error(t, err)
}

// conflictingStore reports a version conflict on the first n subscription writes
type conflictingStore struct {
	storage.AccountStore
	conflicts int
}

func (s *conflictingStore) UpdateSubscription(ctx context.Context, id string, expectedVersion int64, sub accounts.Subscription) error {
	if s.conflicts > 0 {
		s.conflicts--
		// a concurrent writer extended the subscription first
		acct, err := s.AccountStore.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		bumped := acct.Subscription
		bumped.ValidUntil = bumped.ValidUntil.Add(day)
		if err := s.AccountStore.UpdateSubscription(ctx, id, acct.SubscriptionVersion, bumped); err != nil {
			return err
		}
		return storage.ErrVersionConflict
	}
	return s.AccountStore.UpdateSubscription(ctx, id, expectedVersion, sub)
}

func TestMachine_RetriesVersionConflicts(t *testing.T) {
	f := newMachineFixture(t, paidAccount(accounts.TierBasic, testNow.Add(10*day), ""))
	tx := &conflictingStore{AccountStore: f.store, conflicts: 2}

	_, err := f.machine.Apply(context.Background(), tx, f.ledger.Within(tx), "acct-1", &InvoicePaymentSucceeded{
		EventMeta:     meta("evt_7", EventInvoicePaymentSucceeded, ""),
		BillingReason: BillingReasonSubscriptionCycle,
	})
	require.NoError(t, err)

	// two concurrent extensions of one day each, then ours of 30 days
	assert.Equal(t, testNow.Add(42*day), f.account(t).Subscription.ValidUntil)

	tx.conflicts = DefaultMaxCASRetries
	_, err = f.machine.Apply(context.Background(), tx, f.ledger.Within(tx), "acct-1", &SubscriptionCancelled{
		EventMeta: meta("evt_8", EventSubscriptionDeleted, ""),
	})
	assert.True(t, errors.Is(err, storage.ErrVersionConflict))
}
