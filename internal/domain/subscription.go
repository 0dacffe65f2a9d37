// Package domain contains core business types and interfaces.
//
// This file defines the subscription state machine: billing-processor
// lifecycle states, the tier each state grants, and the subscription fields
// stored on a user's profile.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the possible states of a user's subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusNone       SubscriptionStatus = "none"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
)

// ParseSubscriptionStatus maps a processor status string onto the state
// machine. Unknown statuses report ok=false.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch SubscriptionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case SubscriptionStatusNone:
		return SubscriptionStatusNone, true
	case SubscriptionStatusIncomplete, "incomplete_expired":
		return SubscriptionStatusIncomplete, true
	case SubscriptionStatusTrialing:
		return SubscriptionStatusTrialing, true
	case SubscriptionStatusActive:
		return SubscriptionStatusActive, true
	case SubscriptionStatusPastDue:
		return SubscriptionStatusPastDue, true
	case SubscriptionStatusCanceled:
		return SubscriptionStatusCanceled, true
	case SubscriptionStatusUnpaid:
		return SubscriptionStatusUnpaid, true
	default:
		return "", false
	}
}

// SubscriptionTier represents the pricing tier of a subscription.
type SubscriptionTier string

const (
	SubscriptionTierFree SubscriptionTier = "free"
	SubscriptionTierPro  SubscriptionTier = "pro"
)

// PlanID returns the catalog entry for the tier.
func (t SubscriptionTier) PlanID() PlanID {
	if t == SubscriptionTierPro {
		return PlanPro
	}
	return PlanFree
}

// TierPolicy derives a tier from a subscription status.
type TierPolicy struct {
	// TrialGrantsPaidTier treats trialing subscriptions as paid.
	TrialGrantsPaidTier bool
}

// TierFor returns the tier granted by status. Past-due keeps the paid tier
// while the processor retries payment; only canceled or unpaid downgrade.
func (p TierPolicy) TierFor(status SubscriptionStatus) SubscriptionTier {
	switch status {
	case SubscriptionStatusActive, SubscriptionStatusPastDue:
		return SubscriptionTierPro
	case SubscriptionStatusTrialing:
		if p.TrialGrantsPaidTier {
			return SubscriptionTierPro
		}
		return SubscriptionTierFree
	default:
		return SubscriptionTierFree
	}
}

// SubscriptionRecord is the subset of a user's profile the entitlement
// engine reads. Only the reconciler writes it.
type SubscriptionRecord struct {
	UserID                 uuid.UUID
	Tier                   SubscriptionTier
	Status                 SubscriptionStatus
	SubscribedUntil        *time.Time
	ExternalSubscriptionID string
	BillingCustomerID      string
	LastEventAt            *time.Time
}

// SubscriptionUpdate is a fenced status/period change for one user.
type SubscriptionUpdate struct {
	UserID         uuid.UUID
	SubscriptionID string
	Status         SubscriptionStatus
	Tier           SubscriptionTier

	// PeriodEnd is nil when the event carried no period; the stored value is kept.
	PeriodEnd *time.Time

	// OccurredAt orders events that share a period end. Nil disables the tie break.
	OccurredAt *time.Time
}

// SubscriptionCancellation downgrades a user, fenced on the subscription id.
type SubscriptionCancellation struct {
	UserID         uuid.UUID
	SubscriptionID string
	OccurredAt     *time.Time
}

// ProcessedEvent is the idempotency record for one billing event.
type ProcessedEvent struct {
	EventID     string
	Type        string
	Payload     []byte
	Processed   bool
	CreatedAt   time.Time
	ProcessedAt *time.Time
}
