package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// Account defaults applied at signup
const (
	DefaultSignupCredits  = 100
	DefaultDailyLimit     = 100
	DefaultFreeTierPeriod = 180 * 24 * time.Hour
)

// History page sizes
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// SubscriptionStatus is the read-only subscription view for display layers
type SubscriptionStatus struct {
	AccountID           string        `json:"account_id"`
	State               State         `json:"state"`
	Tier                accounts.Tier `json:"tier"`
	Active              bool          `json:"active"`
	Expired             bool          `json:"expired"`
	ValidUntil          time.Time     `json:"valid_until"`
	ExternalCustomerRef string        `json:"external_customer_ref,omitempty"`
}

// CreditsView is the credits query result
type CreditsView struct {
	Credits int64         `json:"credits"`
	Tier    accounts.Tier `json:"tier"`
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	SignupCredits  int64
	DailyLimit     int
	FreeTierPeriod time.Duration
}

// DefaultServiceConfig returns the signup defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SignupCredits:  DefaultSignupCredits,
		DailyLimit:     DefaultDailyLimit,
		FreeTierPeriod: DefaultFreeTierPeriod,
	}
}

// Service opens and deactivates accounts and answers read-only queries
type Service struct {
	store  storage.Store
	ledger *ledger.Ledger
	config ServiceConfig
	now    func() time.Time
}

// NewService creates an account service
func NewService(store storage.Store, l *ledger.Ledger, cfg ServiceConfig, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, ledger: l, config: cfg, now: now}
}

// OpenAccount creates an account on the free tier with the signup grant.
// It fails with storage.ErrAccountExists for a known id.
func (s *Service) OpenAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	now := s.now().UTC()
	acct := &accounts.Account{
		ID:            accountID,
		CreditBalance: s.config.SignupCredits,
		Subscription: accounts.Subscription{
			Tier:       accounts.TierFree,
			Active:     true,
			ValidUntil: now.Add(s.config.FreeTierPeriod),
		},
		DailyLimit:            s.config.DailyLimit,
		DailyUsageWindowStart: accounts.WindowStart(now),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// DeactivateAccount disables an account. Disabled accounts keep their
// records but are refused admission.
func (s *Service) DeactivateAccount(ctx context.Context, accountID string) error {
	return s.store.SetDisabled(ctx, accountID, true)
}

// SubscriptionStatus returns the account's subscription view
func (s *Service) SubscriptionStatus(ctx context.Context, accountID string) (*SubscriptionStatus, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	sub := acct.Subscription
	state := StateOf(sub, s.now().UTC())
	return &SubscriptionStatus{
		AccountID:           acct.ID,
		State:               state,
		Tier:                sub.Tier,
		Active:              sub.Active,
		Expired:             state.Kind == StateExpired,
		ValidUntil:          sub.ValidUntil,
		ExternalCustomerRef: sub.ExternalCustomerRef,
	}, nil
}

// Credits returns the balance and tier
func (s *Service) Credits(ctx context.Context, accountID string) (*CreditsView, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &CreditsView{Credits: acct.CreditBalance, Tier: acct.Subscription.Tier}, nil
}

// Balance returns the credit balance snapshot
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

// History returns the billing events applied to the account, newest first.
// limit <= 0 means DefaultHistoryLimit and is capped at MaxHistoryLimit.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]accounts.ProcessedEvent, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	events, err := s.store.ListEvents(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []accounts.ProcessedEvent{}
	}
	return events, nil
}
