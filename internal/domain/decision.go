package domain

import "github.com/google/uuid"

// Outcome is the answer to an entitlement request.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeBlocked  Outcome = "blocked"
)

// Reasons attached to non-allowed decisions.
const (
	ReasonMonthlyLimitReached = "monthly limit reached"
	ReasonDailyCapReached     = "daily posting cap reached"
	ReasonUserNotFound        = "user not found"
	ReasonUnknownPlan         = "unknown plan"
)

// Cap names which limit a decision refers to.
type Cap string

const (
	CapMonthlyActions Cap = "monthly_actions"
	CapDailyPosts     Cap = "daily_posts"
)

// Decision is the structured, user-displayable result of Decide. Policy
// rejections and deferrals are values, never errors. Limit is set whenever
// Cap is, including a configured limit of zero.
type Decision struct {
	Outcome     Outcome    `json:"outcome"`
	Reason      string     `json:"reason,omitempty"`
	Cap         Cap        `json:"cap,omitempty"`
	Limit       *int       `json:"limit,omitempty"`
	UpgradeHint PlanID     `json:"upgrade_hint,omitempty"`
	Plan        PlanID     `json:"plan,omitempty"`
	QueueItemID *uuid.UUID `json:"queue_item_id,omitempty"`
}

// Allowed reports whether the action may proceed now or later.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed || d.Outcome == OutcomeDeferred
}

// Allow returns an allowed decision.
func Allow(plan PlanID) Decision {
	return Decision{Outcome: OutcomeAllowed, Plan: plan}
}

// Defer returns a deferred decision for a queued post.
func Defer(plan PlanID, dailyCap int, itemID uuid.UUID) Decision {
	return Decision{
		Outcome:     OutcomeDeferred,
		Reason:      ReasonDailyCapReached,
		Cap:         CapDailyPosts,
		Limit:       Limit(dailyCap),
		Plan:        plan,
		QueueItemID: &itemID,
	}
}

// Block returns a blocked decision.
func Block(reason string) Decision {
	return Decision{Outcome: OutcomeBlocked, Reason: reason}
}

// BlockMonthly returns the monthly-limit rejection with an upgrade path.
func BlockMonthly(plan PlanID, limit int, upgrade PlanID) Decision {
	return Decision{
		Outcome:     OutcomeBlocked,
		Reason:      ReasonMonthlyLimitReached,
		Cap:         CapMonthlyActions,
		Limit:       Limit(limit),
		Plan:        plan,
		UpgradeHint: upgrade,
	}
}
