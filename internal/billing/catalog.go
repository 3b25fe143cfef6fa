// Package billing holds the subscription domain logic of the API: the plan
// catalog, reconciliation against Stripe, the plan-change state machine and
// hosted portal configuration.
package billing

import (
	"fmt"

	"billingsync/internal/config"
	"billingsync/internal/types"
)

// PlanID identifies a plan independently of any provider price.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanStandard   PlanID = "standard"
	PlanPremium    PlanID = "premium"
	PlanEnterprise PlanID = "enterprise"
)

// FreePriceRef is the pseudo price reference of the free tier. It never
// reaches Stripe; selecting it means "end the paid subscription".
const FreePriceRef = "free"

// Price is one billable variant of a plan.
type Price struct {
	Ref         string             `json:"price_id"`
	Cycle       types.BillingCycle `json:"cycle"`
	AmountCents int64              `json:"amount_cents"`
	Currency    string             `json:"currency"`
}

// Plan is a static catalog entry.
type Plan struct {
	ID                PlanID                       `json:"id"`
	Name              string                       `json:"name"`
	Description       string                       `json:"description"`
	Limits            []string                     `json:"limits"`
	Features          []string                     `json:"features"`
	Recommended       bool                         `json:"recommended,omitempty"`
	Free              bool                         `json:"free,omitempty"`
	ShowUpgradeButton bool                         `json:"show_upgrade_button"`
	Prices            map[types.BillingCycle]Price `json:"prices"`
}

// PriceInfo pairs a price with the plan it belongs to.
type PriceInfo struct {
	Plan  Plan
	Price Price
}

// ChangeKind is the outcome of comparing the current price with a target.
type ChangeKind string

const (
	ChangeNone               ChangeKind = "no_change"
	ChangeImmediateUpgrade   ChangeKind = "immediate_upgrade"
	ChangeScheduledPlan      ChangeKind = "scheduled_plan_change"
	ChangeScheduledCycle     ChangeKind = "scheduled_cycle_change"
	ChangeScheduledDowngrade ChangeKind = "scheduled_downgrade"
)

// Scheduled reports whether the change takes effect at period end.
func (k ChangeKind) Scheduled() bool {
	return k == ChangeScheduledPlan || k == ChangeScheduledCycle || k == ChangeScheduledDowngrade
}

// PendingType maps a scheduled kind onto the pending change it produces.
func (k ChangeKind) PendingType() types.PendingChangeType {
	switch k {
	case ChangeScheduledCycle:
		return types.PendingChangeCycleChange
	case ChangeScheduledDowngrade:
		return types.PendingChangeDowngrade
	case ChangeScheduledPlan:
		return types.PendingChangePlanChange
	default:
		return ""
	}
}

// Catalog is the single source of truth for price -> plan/tier mapping.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	plans []Plan
	byRef map[string]PriceInfo
}

// NewCatalog builds the catalog from the configured Stripe price IDs.
func NewCatalog(prices config.PriceConfig, currency string) *Catalog {
	price := func(ref string, cycle types.BillingCycle, cents int64) Price {
		return Price{Ref: ref, Cycle: cycle, AmountCents: cents, Currency: currency}
	}

	plans := []Plan{
		{
			ID:          PlanFree,
			Name:        "Free",
			Description: "Get started with the essentials.",
			Limits:      []string{"1 project", "Community support"},
			Features:    []string{"Core features"},
			Free:        true,
			Prices:      map[types.BillingCycle]Price{},
		},
		{
			ID:                PlanStandard,
			Name:              "Standard",
			Description:       "For individuals who need more room.",
			Limits:            []string{"10 projects", "Email support"},
			Features:          []string{"Everything in Free", "Export", "Priority queue"},
			ShowUpgradeButton: true,
			Prices: map[types.BillingCycle]Price{
				types.CycleMonthly: price(prices.StandardMonthly, types.CycleMonthly, 999),
				types.CycleYearly:  price(prices.StandardYearly, types.CycleYearly, 9900),
			},
		},
		{
			ID:                PlanPremium,
			Name:              "Premium",
			Description:       "For professionals and small teams.",
			Limits:            []string{"Unlimited projects", "Priority support"},
			Features:          []string{"Everything in Standard", "Team sharing", "Advanced analytics"},
			Recommended:       true,
			ShowUpgradeButton: true,
			Prices: map[types.BillingCycle]Price{
				types.CycleMonthly: price(prices.PremiumMonthly, types.CycleMonthly, 1999),
				types.CycleYearly:  price(prices.PremiumYearly, types.CycleYearly, 19900),
			},
		},
		{
			ID:                PlanEnterprise,
			Name:              "Enterprise",
			Description:       "For organizations with advanced needs.",
			Limits:            []string{"Unlimited everything", "Dedicated support"},
			Features:          []string{"Everything in Premium", "SSO", "Audit log"},
			ShowUpgradeButton: true,
			Prices: map[types.BillingCycle]Price{
				types.CycleMonthly: price(prices.EnterpriseMonthly, types.CycleMonthly, 4999),
				types.CycleYearly:  price(prices.EnterpriseYearly, types.CycleYearly, 49900),
			},
		},
	}

	return index(plans, currency)
}

// NewCatalogFromPlans rebuilds a catalog from plans served by the API, so a
// client classifies changes with the server's price IDs. Exactly one plan
// must be free.
func NewCatalogFromPlans(plans []Plan) (*Catalog, error) {
	free := -1
	currency := ""
	for i, p := range plans {
		if p.Free {
			if free >= 0 {
				return nil, fmt.Errorf("billing: more than one free plan in catalog")
			}
			free = i
		}
		for _, pr := range p.Prices {
			if currency == "" {
				currency = pr.Currency
			}
		}
	}
	if free < 0 {
		return nil, fmt.Errorf("billing: catalog has no free plan")
	}

	ordered := make([]Plan, 0, len(plans))
	ordered = append(ordered, plans[free])
	ordered = append(ordered, plans[:free]...)
	ordered = append(ordered, plans[free+1:]...)
	return index(ordered, currency), nil
}

// index builds the price lookup. plans[0] must be the free plan.
func index(plans []Plan, currency string) *Catalog {
	byRef := make(map[string]PriceInfo, 8)
	for _, p := range plans {
		for _, pr := range p.Prices {
			byRef[pr.Ref] = PriceInfo{Plan: p, Price: pr}
		}
	}
	free := plans[0]
	byRef[FreePriceRef] = PriceInfo{Plan: free, Price: Price{Ref: FreePriceRef, Currency: currency}}

	return &Catalog{plans: plans, byRef: byRef}
}

// Plans returns the catalog in display order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Plan returns the plan with the given id.
func (c *Catalog) Plan(id PlanID) (Plan, bool) {
	for _, p := range c.plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// FreePlan returns the free tier.
func (c *Catalog) FreePlan() Plan {
	return c.plans[0]
}

// ResolvePrice looks up a price reference.
func (c *Catalog) ResolvePrice(ref string) (PriceInfo, bool) {
	info, ok := c.byRef[ref]
	return info, ok
}

// PriceFor returns the price reference for a plan and cycle. The free plan
// resolves to FreePriceRef for any cycle.
func (c *Catalog) PriceFor(id PlanID, cycle types.BillingCycle) (string, bool) {
	p, ok := c.Plan(id)
	if !ok {
		return "", false
	}
	if p.Free {
		return FreePriceRef, true
	}
	pr, ok := p.Prices[cycle]
	if !ok {
		return "", false
	}
	return pr.Ref, true
}

// TierName returns the display tier for a price reference, or "" when the
// reference is not in the catalog.
func (c *Catalog) TierName(ref string) string {
	if info, ok := c.byRef[ref]; ok {
		return info.Plan.Name
	}
	return ""
}

// ClassifyChange compares two price references by plan, cycle and amount.
// Provider IDs are never inspected beyond the catalog lookup.
//
//   - same reference: no change
//   - target is the free tier: scheduled downgrade
//   - different cycle: always scheduled
//   - same cycle, higher amount, not forced to period end: immediate upgrade
//   - otherwise: scheduled plan change
func (c *Catalog) ClassifyChange(currentRef, targetRef string, scheduleAtPeriodEnd bool) (ChangeKind, error) {
	target, ok := c.byRef[targetRef]
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownPlan,
			fmt.Sprintf("unknown price %q", targetRef), nil, map[string]any{"price_id": targetRef})
	}
	if currentRef == targetRef {
		return ChangeNone, nil
	}
	current, ok := c.byRef[currentRef]
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownPlan,
			"current subscription is on a price that is no longer offered", nil,
			map[string]any{"current_price_id": currentRef})
	}

	if target.Plan.Free {
		if current.Plan.Free {
			return ChangeNone, nil
		}
		return ChangeScheduledDowngrade, nil
	}
	if current.Price.Cycle != target.Price.Cycle {
		return ChangeScheduledCycle, nil
	}
	if target.Price.AmountCents > current.Price.AmountCents && !scheduleAtPeriodEnd {
		return ChangeImmediateUpgrade, nil
	}
	return ChangeScheduledPlan, nil
}
