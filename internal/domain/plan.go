// Package domain contains core business types and interfaces.
//
// This file defines the plan catalog: the static mapping from plan identifier
// to its caps. Plans are defined at deploy time and never mutated at runtime.
package domain

import (
	"fmt"
	"sort"
)

// PlanID identifies a plan in the catalog.
type PlanID string

const (
	PlanFree PlanID = "free"
	PlanPro  PlanID = "pro"
)

// Plan holds the caps applied to a user's usage counter.
type Plan struct {
	ID PlanID

	// MonthlyActionLimit is nil for unlimited plans.
	MonthlyActionLimit *int

	// DailyPostCap is always finite. Unlimited plans still carry a fair-use ceiling.
	DailyPostCap int
}

// Unlimited reports whether the plan has no monthly action limit.
func (p Plan) Unlimited() bool {
	return p.MonthlyActionLimit == nil
}

// Limit returns a pointer to n, for building plans with a monthly limit.
func Limit(n int) *int {
	return &n
}

// PlanCatalog is an immutable lookup from plan id to plan.
type PlanCatalog struct {
	plans map[PlanID]Plan
}

// NewPlanCatalog builds and validates a catalog. Both tiers must resolve to a
// plan, otherwise the deployment is misconfigured and must not start.
func NewPlanCatalog(plans ...Plan) (*PlanCatalog, error) {
	c := &PlanCatalog{plans: make(map[PlanID]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.ID)
		}
		if p.DailyPostCap <= 0 {
			return nil, fmt.Errorf("plan %q: daily post cap must be positive, got %d", p.ID, p.DailyPostCap)
		}
		if p.MonthlyActionLimit != nil && *p.MonthlyActionLimit < 0 {
			return nil, fmt.Errorf("plan %q: monthly action limit must not be negative, got %d", p.ID, *p.MonthlyActionLimit)
		}
		c.plans[p.ID] = p
	}
	for _, tier := range []SubscriptionTier{SubscriptionTierFree, SubscriptionTierPro} {
		if _, ok := c.plans[tier.PlanID()]; !ok {
			return nil, fmt.Errorf("no plan configured for tier %q", tier)
		}
	}
	return c, nil
}

// Plan returns the plan for id. An unknown id is a configuration bug; the
// catalog is validated at startup so callers only hit this with bad input.
func (c *PlanCatalog) Plan(id PlanID) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// ForTier returns the plan backing a subscription tier.
func (c *PlanCatalog) ForTier(tier SubscriptionTier) (Plan, bool) {
	return c.Plan(tier.PlanID())
}

// IDs returns the catalog's plan ids in sorted order.
func (c *PlanCatalog) IDs() []PlanID {
	ids := make([]PlanID, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
