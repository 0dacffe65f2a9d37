package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Billing event types handled by the reconciler.
const (
	EventTypeCheckoutCompleted   = "checkout.session.completed"
	EventTypeSubscriptionCreated = "customer.subscription.created"
	EventTypeSubscriptionUpdated = "customer.subscription.updated"
	EventTypeSubscriptionDeleted = "customer.subscription.deleted"
)

// BillingEvent is a closed union of the billing events the reconciler knows.
// Anything else decodes to UnhandledEvent so new types surface instead of
// being dropped silently.
type BillingEvent interface {
	EventID() string
	EventType() string
	Header() EventHeader
	Validate() error
	billingEvent()
}

// EventHeader carries the fields every billing event has.
type EventHeader struct {
	ID         string
	Type       string
	OccurredAt time.Time // zero when unknown
	Payload    []byte    // raw body, stored with the idempotency record
}

func (h EventHeader) EventID() string     { return h.ID }
func (h EventHeader) EventType() string   { return h.Type }
func (h EventHeader) Header() EventHeader { return h }

func (h EventHeader) validate(op string) error {
	if strings.TrimSpace(h.ID) == "" {
		return Invalid(op, "event id is required")
	}
	if strings.TrimSpace(h.Type) == "" {
		return Invalid(op, "event type is required")
	}
	return nil
}

// OccurredAtPtr returns OccurredAt, or nil when unknown.
func (h EventHeader) OccurredAtPtr() *time.Time {
	if h.OccurredAt.IsZero() {
		return nil
	}
	t := h.OccurredAt.UTC()
	return &t
}

// SubscriptionChanged covers subscription created/updated events.
type SubscriptionChanged struct {
	EventHeader
	CustomerID     string
	SubscriptionID string
	Status         SubscriptionStatus
	PeriodEnd      time.Time // zero when absent
	UserHint       uuid.NullUUID
}

func (SubscriptionChanged) billingEvent() {}

func (e SubscriptionChanged) Validate() error {
	const op = "billing_event.validate"
	if err := e.validate(op); err != nil {
		return err
	}
	if e.CustomerID == "" {
		return Invalid(op, "customer id is required")
	}
	if e.SubscriptionID == "" {
		return Invalid(op, "subscription id is required")
	}
	if _, ok := ParseSubscriptionStatus(string(e.Status)); !ok {
		return Invalid(op, fmt.Sprintf("unknown subscription status %q", e.Status))
	}
	if e.Status == SubscriptionStatusActive && e.PeriodEnd.IsZero() {
		return Invalid(op, "active subscription requires a period end")
	}
	return nil
}

// PeriodEndPtr returns PeriodEnd, or nil when the event carried none.
func (e SubscriptionChanged) PeriodEndPtr() *time.Time {
	if e.PeriodEnd.IsZero() {
		return nil
	}
	t := e.PeriodEnd.UTC()
	return &t
}

// SubscriptionDeleted is a cancellation of one specific subscription id.
type SubscriptionDeleted struct {
	EventHeader
	CustomerID     string
	SubscriptionID string
}

func (SubscriptionDeleted) billingEvent() {}

func (e SubscriptionDeleted) Validate() error {
	const op = "billing_event.validate"
	if err := e.validate(op); err != nil {
		return err
	}
	if e.CustomerID == "" {
		return Invalid(op, "customer id is required")
	}
	if e.SubscriptionID == "" {
		return Invalid(op, "subscription id is required")
	}
	return nil
}

// CheckoutCompleted links a billing customer to the user who started checkout.
type CheckoutCompleted struct {
	EventHeader
	CustomerID     string
	SubscriptionID string
	UserHint       uuid.NullUUID // client_reference_id
}

func (CheckoutCompleted) billingEvent() {}

func (e CheckoutCompleted) Validate() error {
	const op = "billing_event.validate"
	if err := e.validate(op); err != nil {
		return err
	}
	if e.CustomerID == "" {
		return Invalid(op, "customer id is required")
	}
	return nil
}

// UnhandledEvent is any event type outside the union.
type UnhandledEvent struct {
	EventHeader
}

func (UnhandledEvent) billingEvent() {}

func (e UnhandledEvent) Validate() error {
	return e.validate("billing_event.validate")
}
