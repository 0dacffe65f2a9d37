// Package service contains the business logic layer.
//
// This file implements the subscription state reconciler, which applies
// billing-processor events to user profiles.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/metrics"
	"github.com/DukeRupert/replyflow/internal/repository"
	"github.com/google/uuid"
)

// ReconcileOutcome says what reconciling an event did.
type ReconcileOutcome string

const (
	ReconcileApplied   ReconcileOutcome = "applied"
	ReconcileDuplicate ReconcileOutcome = "duplicate"

	// ReconcileStale means newer state was already stored.
	ReconcileStale ReconcileOutcome = "stale"

	// ReconcileFenced means a cancellation named a subscription the user no longer has.
	ReconcileFenced ReconcileOutcome = "fenced"

	ReconcileNoop         ReconcileOutcome = "noop"
	ReconcileUserNotFound ReconcileOutcome = "user_not_found"
	ReconcileUnhandled    ReconcileOutcome = "unhandled"
	ReconcileInvalid      ReconcileOutcome = "invalid"
	ReconcileError        ReconcileOutcome = "error"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Reconciler applies billing events to subscription state. Callers must
// verify the event's authenticity first.
type Reconciler interface {
	// Reconcile processes one event. Redelivery of the same event is safe.
	// Errors with code EINTERNAL should be retried; EINVALID and
	// EUNHANDLED are terminal.
	Reconcile(ctx context.Context, ev domain.BillingEvent) (ReconcileOutcome, error)
}

// =============================================================================
// Implementation
// =============================================================================

type reconciler struct {
	store  repository.Store
	policy domain.TierPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store repository.Store, policy domain.TierPolicy, logger *slog.Logger) Reconciler {
	return &reconciler{
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

func (r *reconciler) Reconcile(ctx context.Context, ev domain.BillingEvent) (ReconcileOutcome, error) {
	outcome, err := r.reconcile(ctx, ev)
	metrics.BillingEvent(ev.EventType(), string(outcome))
	return outcome, err
}

func (r *reconciler) reconcile(ctx context.Context, ev domain.BillingEvent) (ReconcileOutcome, error) {
	const op = "reconciler.reconcile"

	if err := ev.Validate(); err != nil {
		r.logger.Error("malformed billing event", "event_id", ev.EventID(), "type", ev.EventType(), "error", err)
		return ReconcileInvalid, err
	}

	header := ev.Header()
	log := r.logger.With("event_id", header.ID, "type", header.Type)

	// Idempotency gate. A duplicate that never finished processing is
	// resumed; the fenced writes below make the rerun safe.
	err := r.store.InsertEvent(ctx, domain.ProcessedEvent{
		EventID:   header.ID,
		Type:      header.Type,
		Payload:   header.Payload,
		CreatedAt: r.now(),
	})
	switch {
	case errors.Is(err, repository.ErrDuplicateEvent):
		rec, gerr := r.store.GetEvent(ctx, header.ID)
		if gerr != nil {
			return ReconcileError, domain.Internal(gerr, op, "failed to load processed event")
		}
		if rec.Processed {
			log.Debug("duplicate billing event")
			return ReconcileDuplicate, nil
		}
		log.Info("resuming unfinished billing event")
	case err != nil:
		return ReconcileError, domain.Internal(err, op, "failed to record billing event")
	}

	outcome, err := r.apply(ctx, log, ev)
	if err != nil {
		return ReconcileError, err
	}

	if err := r.store.MarkEventProcessed(ctx, header.ID, r.now()); err != nil {
		return ReconcileError, domain.Internal(err, op, "failed to mark billing event processed")
	}

	if outcome == ReconcileUnhandled {
		return outcome, domain.Errorf(domain.EUNHANDLED, op, "unhandled billing event type %q", header.Type)
	}
	return outcome, nil
}

func (r *reconciler) apply(ctx context.Context, log *slog.Logger, ev domain.BillingEvent) (ReconcileOutcome, error) {
	switch e := ev.(type) {
	case domain.SubscriptionChanged:
		return r.applyChanged(ctx, log, e)
	case domain.SubscriptionDeleted:
		return r.applyDeleted(ctx, log, e)
	case domain.CheckoutCompleted:
		return r.applyCheckout(ctx, log, e)
	case domain.UnhandledEvent:
		log.Warn("unhandled billing event type")
		return ReconcileUnhandled, nil
	default:
		log.Warn("unhandled billing event variant")
		return ReconcileUnhandled, nil
	}
}

func (r *reconciler) applyChanged(ctx context.Context, log *slog.Logger, e domain.SubscriptionChanged) (ReconcileOutcome, error) {
	const op = "reconciler.apply_changed"

	userID, found, err := r.resolveUser(ctx, log, e.CustomerID, e.UserHint)
	if err != nil {
		return ReconcileError, err
	}
	if !found {
		return ReconcileUserNotFound, nil
	}

	status, _ := domain.ParseSubscriptionStatus(string(e.Status))
	tier := r.policy.TierFor(status)

	applied, err := r.store.ApplySubscriptionUpdate(ctx, domain.SubscriptionUpdate{
		UserID:         userID,
		SubscriptionID: e.SubscriptionID,
		Status:         status,
		Tier:           tier,
		PeriodEnd:      e.PeriodEndPtr(),
		OccurredAt:     e.OccurredAtPtr(),
	})
	if err != nil {
		return ReconcileError, domain.Internal(err, op, "failed to apply subscription update")
	}
	if !applied {
		log.Debug("stale subscription event discarded",
			"user_id", userID,
			"subscription_id", e.SubscriptionID,
			"status", status,
		)
		return ReconcileStale, nil
	}

	log.Info("subscription updated",
		"user_id", userID,
		"subscription_id", e.SubscriptionID,
		"status", status,
		"tier", tier,
	)
	return ReconcileApplied, nil
}

func (r *reconciler) applyDeleted(ctx context.Context, log *slog.Logger, e domain.SubscriptionDeleted) (ReconcileOutcome, error) {
	const op = "reconciler.apply_deleted"

	userID, found, err := r.resolveUser(ctx, log, e.CustomerID, uuid.NullUUID{})
	if err != nil {
		return ReconcileError, err
	}
	if !found {
		return ReconcileUserNotFound, nil
	}

	applied, err := r.store.ApplyCancellation(ctx, domain.SubscriptionCancellation{
		UserID:         userID,
		SubscriptionID: e.SubscriptionID,
		OccurredAt:     e.OccurredAtPtr(),
	})
	if err != nil {
		return ReconcileError, domain.Internal(err, op, "failed to apply cancellation")
	}
	if !applied {
		// A deletion that beats the subscription's first created event is
		// fenced too, and the later created event then grants the paid tier.
		// That needs an operator, so it is logged louder than a routine fence.
		if rec, err := r.store.GetSubscription(ctx, userID); err == nil && rec.ExternalSubscriptionID == "" {
			log.Warn("cancellation arrived before any subscription was recorded",
				"user_id", userID,
				"subscription_id", e.SubscriptionID,
			)
			return ReconcileFenced, nil
		}
		log.Debug("cancellation for non-current subscription ignored",
			"user_id", userID,
			"subscription_id", e.SubscriptionID,
		)
		return ReconcileFenced, nil
	}

	log.Info("subscription canceled", "user_id", userID, "subscription_id", e.SubscriptionID)
	return ReconcileApplied, nil
}

func (r *reconciler) applyCheckout(ctx context.Context, log *slog.Logger, e domain.CheckoutCompleted) (ReconcileOutcome, error) {
	const op = "reconciler.apply_checkout"

	if _, err := r.store.GetSubscriptionByCustomer(ctx, e.CustomerID); err == nil {
		return ReconcileNoop, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return ReconcileError, domain.Internal(err, op, "failed to look up billing customer")
	}

	if !e.UserHint.Valid {
		log.Warn("checkout without client reference", "customer_id", e.CustomerID)
		return ReconcileUserNotFound, nil
	}

	userID, found, err := r.linkHint(ctx, log, op, e.UserHint.UUID, e.CustomerID)
	if err != nil {
		return ReconcileError, err
	}
	if !found {
		return ReconcileUserNotFound, nil
	}

	log.Info("billing customer linked", "user_id", userID, "customer_id", e.CustomerID)
	return ReconcileApplied, nil
}

// resolveUser finds the profile owning customerID. An unknown customer
// falls back to the user id carried in the event metadata, which is then
// linked. A missing user is logged here and reported as found=false.
func (r *reconciler) resolveUser(ctx context.Context, log *slog.Logger, customerID string, hint uuid.NullUUID) (uuid.UUID, bool, error) {
	const op = "reconciler.resolve_user"

	rec, err := r.store.GetSubscriptionByCustomer(ctx, customerID)
	if err == nil {
		return rec.UserID, true, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return uuid.Nil, false, domain.Internal(err, op, "failed to look up billing customer")
	}

	if !hint.Valid {
		log.Warn("no user for billing customer, dropping event", "customer_id", customerID)
		return uuid.Nil, false, nil
	}
	return r.linkHint(ctx, log, op, hint.UUID, customerID)
}

func (r *reconciler) linkHint(ctx context.Context, log *slog.Logger, op string, userID uuid.UUID, customerID string) (uuid.UUID, bool, error) {
	if _, err := r.store.GetSubscription(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("referenced user not found, dropping event", "user_id", userID, "customer_id", customerID)
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, domain.Internal(err, op, "failed to load referenced user")
	}

	linked, err := r.store.LinkBillingCustomer(ctx, userID, customerID)
	if err != nil {
		return uuid.Nil, false, domain.Internal(err, op, "failed to link billing customer")
	}
	if !linked {
		log.Warn("referenced user is linked to a different billing customer, dropping event",
			"user_id", userID,
			"customer_id", customerID,
		)
		return uuid.Nil, false, nil
	}
	return userID, true, nil
}
