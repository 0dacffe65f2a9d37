// Package billing verifies Stripe webhook deliveries and decodes them into
// the closed set of billing events the reconciler understands.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// metadataUserID is the subscription/checkout metadata key carrying our user id.
const metadataUserID = "user_id"

// ErrNotConfigured is returned by Verify when no signing secret is set.
var ErrNotConfigured = errors.New("billing: webhook signing secret not configured")

// Verifier authenticates webhook deliveries.
type Verifier interface {
	// Verify checks the Stripe-Signature header against payload and returns the event.
	Verify(payload []byte, signature string) (stripe.Event, error)
}

// stripeVerifier is the concrete implementation of Verifier.
type stripeVerifier struct {
	webhookSecret string
	tolerance     time.Duration
}

// NewVerifier creates a Verifier for the given webhook signing secret (whsec_...).
func NewVerifier(webhookSecret string) Verifier {
	return &stripeVerifier{
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
	}
}

func (v *stripeVerifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	if v.webhookSecret == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	// The API version pinned on the account can drift from the library's;
	// only the fields decoded below matter.
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

// ParseEvent decodes a verified Stripe event. Types outside the union decode
// to domain.UnhandledEvent. A payload that cannot be decoded is an EINVALID
// error; field-level checks are left to the event's Validate.
func ParseEvent(event stripe.Event, payload []byte) (domain.BillingEvent, error) {
	const op = "billing.parse_event"

	header := domain.EventHeader{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.Created > 0 {
		header.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	switch header.Type {
	case domain.EventTypeSubscriptionCreated, domain.EventTypeSubscriptionUpdated:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "malformed subscription payload")
		}
		ev := domain.SubscriptionChanged{
			EventHeader:    header,
			CustomerID:     customerID(sub.Customer),
			SubscriptionID: sub.ID,
			Status:         subscriptionStatus(sub.Status),
			UserHint:       userHint(sub.Metadata),
		}
		if sub.CurrentPeriodEnd > 0 {
			ev.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		}
		return ev, nil

	case domain.EventTypeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "malformed subscription payload")
		}
		return domain.SubscriptionDeleted{
			EventHeader:    header,
			CustomerID:     customerID(sub.Customer),
			SubscriptionID: sub.ID,
		}, nil

	case domain.EventTypeCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := decodeObject(event, &sess); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "malformed checkout session payload")
		}
		ev := domain.CheckoutCompleted{
			EventHeader: header,
			CustomerID:  customerID(sess.Customer),
			UserHint:    parseUserID(sess.ClientReferenceID),
		}
		if !ev.UserHint.Valid {
			ev.UserHint = userHint(sess.Metadata)
		}
		if sess.Subscription != nil {
			ev.SubscriptionID = sess.Subscription.ID
		}
		return ev, nil

	default:
		return domain.UnhandledEvent{EventHeader: header}, nil
	}
}

func decodeObject(event stripe.Event, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return errors.New("event has no data object")
	}
	return json.Unmarshal(event.Data.Raw, v)
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// subscriptionStatus maps Stripe's status onto the state machine. Unknown
// values pass through unchanged so validation reports them.
func subscriptionStatus(s stripe.SubscriptionStatus) domain.SubscriptionStatus {
	if status, ok := domain.ParseSubscriptionStatus(string(s)); ok {
		return status
	}
	return domain.SubscriptionStatus(s)
}

func userHint(metadata map[string]string) uuid.NullUUID {
	return parseUserID(metadata[metadataUserID])
}

func parseUserID(s string) uuid.NullUUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}
