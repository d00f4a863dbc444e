package billing

import (
	"fmt"
	"os"
	"time"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"gopkg.in/yaml.v3"
)

// Plan maps a billing-provider plan id to a tier, the credits granted per
// billing period and the period length
type Plan struct {
	ID         string        `yaml:"id" json:"id"`
	Tier       accounts.Tier `yaml:"tier" json:"tier"`
	Credits    int64         `yaml:"credits" json:"credits"`
	PeriodDays int           `yaml:"period_days" json:"period_days"`
}

// Extend returns from advanced by one billing period
func (p Plan) Extend(from time.Time) time.Time {
	return from.AddDate(0, 0, p.PeriodDays)
}

// Catalog is the static plan table
type Catalog struct {
	byID   map[string]Plan
	byTier map[accounts.Tier]Plan
}

// DefaultPlans returns the built-in plan table
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "monthly", Tier: accounts.TierBasic, Credits: 100, PeriodDays: 30},
		{ID: "yearly", Tier: accounts.TierPremium, Credits: 500, PeriodDays: 365},
		{ID: "family", Tier: accounts.TierFamily, Credits: 1000, PeriodDays: 365},
	}
}

// DefaultCatalog returns a catalog of DefaultPlans
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans())
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates plans and indexes them by id and tier. Every paid
// tier may appear at most once.
func NewCatalog(plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	c := &Catalog{
		byID:   make(map[string]Plan, len(plans)),
		byTier: make(map[accounts.Tier]Plan, len(plans)),
	}
	for _, p := range plans {
		switch {
		case p.ID == "":
			return nil, fmt.Errorf("plan id is required")
		case !p.Tier.Paid():
			return nil, fmt.Errorf("plan %s: tier %q is not a paid tier", p.ID, p.Tier)
		case p.Credits < 0:
			return nil, fmt.Errorf("plan %s: credits must not be negative", p.ID)
		case p.PeriodDays <= 0:
			return nil, fmt.Errorf("plan %s: period_days must be positive", p.ID)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %s", p.ID)
		}
		if _, dup := c.byTier[p.Tier]; dup {
			return nil, fmt.Errorf("tier %s is mapped by more than one plan", p.Tier)
		}
		c.byID[p.ID] = p
		c.byTier[p.Tier] = p
	}
	return c, nil
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadCatalogFile reads a YAML plan table:
//
//	plans:
//	  - id: monthly
//	    tier: basic
//	    credits: 100
//	    period_days: 30
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	return NewCatalog(f.Plans)
}

// PlanByID looks up a plan by the billing provider's plan id
func (c *Catalog) PlanByID(id string) (Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// PlanForTier returns the plan backing a paid tier
func (c *Catalog) PlanForTier(tier accounts.Tier) (Plan, bool) {
	p, ok := c.byTier[tier]
	return p, ok
}

// Plans returns all plans
func (c *Catalog) Plans() []Plan {
	plans := make([]Plan, 0, len(c.byID))
	for _, p := range c.byID {
		plans = append(plans, p)
	}
	return plans
}
