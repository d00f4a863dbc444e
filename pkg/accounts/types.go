// Package accounts defines the account record shared by the ledger, the
// subscription state machine and the storage backends.
package accounts

import (
	"fmt"
	"strings"
	"time"
)

// Tier represents a subscription plan tier
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierFamily  Tier = "family"
)

// Valid reports whether t is one of the known tiers
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierFamily:
		return true
	}
	return false
}

// Paid reports whether t is a paid tier
func (t Tier) Paid() bool {
	return t.Valid() && t != TierFree
}

// ParseTier parses a tier name, case-insensitively
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier: %q", s)
	}
	return t, nil
}

// Subscription is embedded in Account
type Subscription struct {
	Tier                Tier      `json:"tier"`
	Active              bool      `json:"active"`
	ValidUntil          time.Time `json:"valid_until"`
	ExternalCustomerRef string    `json:"external_customer_ref,omitempty"`
}

// Account is the per-user billing record: subscription, credit balance and
// daily usage window.
type Account struct {
	ID            string       `json:"id"`
	CreditBalance int64        `json:"credit_balance"`
	Subscription  Subscription `json:"subscription"`

	DailyUsageCount       int       `json:"daily_usage_count"`
	DailyUsageWindowStart time.Time `json:"daily_usage_window_start"`
	// DailyLimit <= 0 means unlimited
	DailyLimit int `json:"daily_limit"`

	TotalGenerated int64 `json:"total_generated"`
	Disabled       bool  `json:"disabled"`

	// SubscriptionVersion is bumped on every subscription write and is the
	// compare-and-swap token for UpdateSubscription.
	SubscriptionVersion int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the account
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// ProcessedEvent marks a billing event as applied. One per provider event id.
type ProcessedEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	AccountID string    `json:"account_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// WindowStart returns the start of the UTC day containing t. Daily usage
// windows are keyed by this value.
func WindowStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextWindow returns the start of the day after the window containing t
func NextWindow(t time.Time) time.Time {
	return WindowStart(t).AddDate(0, 0, 1)
}
