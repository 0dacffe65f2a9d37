// Package repository persists the entitlement engine's state.
//
// Every counter mutation is a single conditional UPDATE evaluated by the
// database. There is deliberately no "get counter, then save counter" pair in
// the contract: callers cannot reintroduce a check-then-act race.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicateEvent is returned by InsertEvent when the event id was
	// already recorded. It is the reconciler's idempotency gate.
	ErrDuplicateEvent = errors.New("repository: duplicate event")
)

// CounterStore owns lazy creation, rollover and atomic consumption of usage counters.
type CounterStore interface {
	// EnsureCounter creates the user's counter if absent, applies rollover
	// for now, records planID and returns the current state.
	EnsureCounter(ctx context.Context, userID uuid.UUID, planID domain.PlanID, now time.Time) (domain.UsageCounter, error)

	// ConsumeMonthly increments the monthly action counter if, after
	// rollover, its value is strictly below limit. Reports whether it did.
	ConsumeMonthly(ctx context.Context, userID uuid.UUID, limit int, now time.Time) (bool, error)

	// ConsumeDaily increments the daily post counter if, after rollover,
	// its value is strictly below dailyCap. Reports whether it did.
	ConsumeDaily(ctx context.Context, userID uuid.UUID, dailyCap int, now time.Time) (bool, error)

	// GetCounter returns the stored counter without rolling it over.
	GetCounter(ctx context.Context, userID uuid.UUID) (domain.UsageCounter, error)

	// SweepRollover rolls over every stale counter and returns how many changed.
	SweepRollover(ctx context.Context, now time.Time) (int64, error)
}

// QueueStore holds deferred posts.
type QueueStore interface {
	// EnqueueOverflow inserts a pending item and bumps the user's queued
	// count in one transaction.
	EnqueueOverflow(ctx context.Context, item domain.OverflowQueueItem) error

	// ListPending returns pending items oldest first, optionally for one user.
	ListPending(ctx context.Context, userID *uuid.UUID, limit int) ([]domain.OverflowQueueItem, error)

	// ClaimPending leases up to limit pending items whose lease expired.
	// Claimed items stay pending; the lease keeps other workers off them.
	ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OverflowQueueItem, error)

	// RecordAttempt counts a failed attempt and holds the item until retryAt.
	RecordAttempt(ctx context.Context, itemID uuid.UUID, message string, retryAt time.Time) error

	// Release holds a pending item until the given time without counting
	// an attempt.
	Release(ctx context.Context, itemID uuid.UUID, until time.Time) error

	// MarkPosted moves a pending item to posted. Already terminal items are left alone.
	MarkPosted(ctx context.Context, itemID uuid.UUID) error

	// MarkFailed moves a pending item to failed, adding attemptIncrement to its attempts.
	MarkFailed(ctx context.Context, itemID uuid.UUID, attemptIncrement int, message string) error
}

// ProfileStore reads and writes the subscription fields of user profiles.
type ProfileStore interface {
	// CreateProfile inserts a free-tier profile. Existing profiles are left alone.
	CreateProfile(ctx context.Context, userID uuid.UUID) error

	GetSubscription(ctx context.Context, userID uuid.UUID) (domain.SubscriptionRecord, error)
	GetSubscriptionByCustomer(ctx context.Context, customerID string) (domain.SubscriptionRecord, error)

	// LinkBillingCustomer sets the profile's customer id if it has none.
	// Reports whether the link was written.
	LinkBillingCustomer(ctx context.Context, userID uuid.UUID, customerID string) (bool, error)

	// ApplySubscriptionUpdate writes upd unless the stored state is newer
	// (later period end, or same period end with a later event) or the
	// subscription id was already canceled. Reports whether it was applied.
	ApplySubscriptionUpdate(ctx context.Context, upd domain.SubscriptionUpdate) (bool, error)

	// ApplyCancellation downgrades the user only while c.SubscriptionID is
	// still the profile's current subscription. Reports whether it was applied.
	ApplyCancellation(ctx context.Context, c domain.SubscriptionCancellation) (bool, error)
}

// EventStore records processed billing events.
type EventStore interface {
	// InsertEvent records a new event. Returns ErrDuplicateEvent if the id exists.
	InsertEvent(ctx context.Context, ev domain.ProcessedEvent) error
	GetEvent(ctx context.Context, eventID string) (domain.ProcessedEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
}

// Store is the full persistence contract of the entitlement engine.
type Store interface {
	CounterStore
	QueueStore
	ProfileStore
	EventStore

	Ping(ctx context.Context) error
	Close() error
}

// periods returns the UTC day and month starts for now.
func periods(now time.Time) (day, month time.Time) {
	return domain.DayStart(now), domain.MonthStart(now)
}
