package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// StateKind is the subscription state derived from the stored fields
type StateKind string

const (
	StateFree      StateKind = "free"
	StateActive    StateKind = "active"
	StateExpired   StateKind = "expired"
	StateCancelled StateKind = "cancelled"
)

// State is Free, ActiveTier(Tier), Expired or Cancelled
type State struct {
	Kind StateKind     `json:"kind"`
	Tier accounts.Tier `json:"tier"`
}

func (s State) String() string {
	if s.Kind == StateActive {
		return fmt.Sprintf("active(%s)", s.Tier)
	}
	return string(s.Kind)
}

// StateOf derives the subscription state at now
func StateOf(sub accounts.Subscription, now time.Time) State {
	switch {
	case !sub.Tier.Paid():
		return State{Kind: StateFree, Tier: accounts.TierFree}
	case !sub.Active:
		return State{Kind: StateCancelled, Tier: sub.Tier}
	case !sub.ValidUntil.After(now):
		return State{Kind: StateExpired, Tier: sub.Tier}
	default:
		return State{Kind: StateActive, Tier: sub.Tier}
	}
}

var (
	// ErrPreconditionFailed is returned when an event's guard does not hold.
	// The event is not recorded so a later redelivery can apply it.
	ErrPreconditionFailed = errors.New("event precondition failed")

	// ErrUnknownPlan is returned for a plan id missing from the catalog
	ErrUnknownPlan = errors.New("unknown plan")
)

// DefaultMaxCASRetries bounds compare-and-swap retries on the subscription
const DefaultMaxCASRetries = 8

// Transition describes one applied event
type Transition struct {
	From    State
	To      State
	Granted int64
	// Recorded is true for events acknowledged without any effect
	Recorded bool
}

// Machine applies billing events to an account's subscription and balance.
// Subscription writes are compare-and-swap on the subscription version and
// never shorten validUntil; credit grants are additive.
type Machine struct {
	catalog    *Catalog
	now        func() time.Time
	maxRetries int
}

// NewMachine creates a state machine over catalog
func NewMachine(catalog *Catalog, now func() time.Time) *Machine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{catalog: catalog, now: now, maxRetries: DefaultMaxCASRetries}
}

// Catalog returns the plan table
func (m *Machine) Catalog() *Catalog {
	return m.catalog
}

// Apply runs the transition for evt against accountID. tx and credits must
// share the transaction the event is recorded in.
func (m *Machine) Apply(ctx context.Context, tx storage.AccountStore, credits *ledger.Ledger, accountID string, evt Event) (*Transition, error) {
	switch e := evt.(type) {
	case *CheckoutCompleted:
		return m.applyCheckout(ctx, tx, credits, accountID, e)
	case *InvoicePaymentSucceeded:
		return m.applyInvoice(ctx, tx, credits, accountID, e)
	case *SubscriptionCancelled:
		return m.applyCancel(ctx, tx, accountID)
	case *OneTimeCreditsPurchased:
		return m.applyOneTime(ctx, tx, credits, accountID, e)
	default:
		return nil, fmt.Errorf("no transition for event type %s", evt.Meta().Type)
	}
}

// updateSubscription re-reads the account and retries mutate until the
// compare-and-swap succeeds. mutate returns false to leave the account as is.
func (m *Machine) updateSubscription(ctx context.Context, tx storage.AccountStore, accountID string,
	mutate func(acct *accounts.Account, now time.Time) (accounts.Subscription, bool, error)) (from, to State, err error) {

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return State{}, State{}, err
		}

		now := m.now().UTC()
		from = StateOf(acct.Subscription, now)

		sub, changed, err := mutate(acct, now)
		if err != nil {
			return from, from, err
		}
		if !changed {
			return from, from, nil
		}

		err = tx.UpdateSubscription(ctx, accountID, acct.SubscriptionVersion, sub)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return from, from, err
		}
		return from, StateOf(sub, now), nil
	}
	return from, from, fmt.Errorf("account %s: %w after %d attempts", accountID, storage.ErrVersionConflict, m.maxRetries)
}

func (m *Machine) applyCheckout(ctx context.Context, tx storage.AccountStore, credits *ledger.Ledger, accountID string, e *CheckoutCompleted) (*Transition, error) {
	plan, ok := m.catalog.PlanByID(e.PlanID)
	if !ok {
		return nil, fmt.Errorf("checkout %s: %w %q", e.SessionID, ErrUnknownPlan, e.PlanID)
	}

	from, to, err := m.updateSubscription(ctx, tx, accountID, func(acct *accounts.Account, now time.Time) (accounts.Subscription, bool, error) {
		sub := acct.Subscription
		validUntil := plan.Extend(now)
		if sub.Tier.Paid() {
			// a paid period already bought is never cut short
			validUntil = later(sub.ValidUntil, validUntil)
		}
		sub.Tier = plan.Tier
		sub.Active = true
		sub.ValidUntil = validUntil
		if sub.ExternalCustomerRef == "" {
			sub.ExternalCustomerRef = e.Customer
		}
		return sub, true, nil
	})
	if err != nil {
		return nil, err
	}

	grant := plan.Credits
	if e.Credits > 0 {
		grant = e.Credits
	}
	if err := m.grant(ctx, credits, accountID, grant); err != nil {
		return nil, err
	}
	return &Transition{From: from, To: to, Granted: grant}, nil
}

func (m *Machine) applyInvoice(ctx context.Context, tx storage.AccountStore, credits *ledger.Ledger, accountID string, e *InvoicePaymentSucceeded) (*Transition, error) {
	if !e.Renewal() {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		state := StateOf(acct.Subscription, m.now().UTC())
		return &Transition{From: state, To: state, Recorded: true}, nil
	}

	var plan Plan
	from, to, err := m.updateSubscription(ctx, tx, accountID, func(acct *accounts.Account, now time.Time) (accounts.Subscription, bool, error) {
		sub := acct.Subscription
		if !sub.Tier.Paid() {
			return sub, false, fmt.Errorf("account %s has no paid subscription to renew: %w", accountID, ErrPreconditionFailed)
		}
		if e.Customer != "" && sub.ExternalCustomerRef != "" && e.Customer != sub.ExternalCustomerRef {
			return sub, false, fmt.Errorf("invoice customer %s does not own account %s: %w", e.Customer, accountID, ErrPreconditionFailed)
		}

		var ok bool
		if e.PlanID != "" {
			plan, ok = m.catalog.PlanByID(e.PlanID)
			if !ok {
				return sub, false, fmt.Errorf("invoice %s: %w %q", e.InvoiceID, ErrUnknownPlan, e.PlanID)
			}
		} else if plan, ok = m.catalog.PlanForTier(sub.Tier); !ok {
			return sub, false, fmt.Errorf("invoice %s: no plan for tier %s: %w", e.InvoiceID, sub.Tier, ErrUnknownPlan)
		}

		base := now
		if sub.ValidUntil.After(now) {
			base = sub.ValidUntil
		}
		sub.Tier = plan.Tier
		sub.Active = true
		sub.ValidUntil = plan.Extend(base)
		if sub.ExternalCustomerRef == "" {
			sub.ExternalCustomerRef = e.Customer
		}
		return sub, true, nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.grant(ctx, credits, accountID, plan.Credits); err != nil {
		return nil, err
	}
	return &Transition{From: from, To: to, Granted: plan.Credits}, nil
}

func (m *Machine) applyCancel(ctx context.Context, tx storage.AccountStore, accountID string) (*Transition, error) {
	from, to, err := m.updateSubscription(ctx, tx, accountID, func(acct *accounts.Account, now time.Time) (accounts.Subscription, bool, error) {
		sub := acct.Subscription
		if !sub.Active {
			return sub, false, nil
		}
		sub.Active = false
		return sub, true, nil
	})
	if err != nil {
		return nil, err
	}
	return &Transition{From: from, To: to}, nil
}

func (m *Machine) applyOneTime(ctx context.Context, tx storage.AccountStore, credits *ledger.Ledger, accountID string, e *OneTimeCreditsPurchased) (*Transition, error) {
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	state := StateOf(acct.Subscription, m.now().UTC())

	if err := m.grant(ctx, credits, accountID, e.Amount); err != nil {
		return nil, err
	}
	return &Transition{From: state, To: state, Granted: e.Amount}, nil
}

func (m *Machine) grant(ctx context.Context, credits *ledger.Ledger, accountID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if _, err := credits.Grant(ctx, accountID, amount); err != nil {
		return fmt.Errorf("failed to grant %d credits: %w", amount, err)
	}
	return nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
