package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(store repository.Store, policy domain.TierPolicy) *reconciler {
	r := NewReconciler(store, policy, testLogger()).(*reconciler)
	r.now = func() time.Time { return testNow }
	return r
}

// linkedUser creates a profile already linked to a billing customer.
func linkedUser(t *testing.T, store repository.Store) (uuid.UUID, string) {
	t.Helper()
	user := createUser(t, store)
	customer := "cus_" + user.String()[:8]
	linked, err := store.LinkBillingCustomer(context.Background(), user, customer)
	require.NoError(t, err)
	require.True(t, linked)
	return user, customer
}

func header(eventType string, occurred time.Time) domain.EventHeader {
	return domain.EventHeader{
		ID:         "evt_" + uuid.NewString(),
		Type:       eventType,
		OccurredAt: occurred,
		Payload:    []byte(`{"object":"event"}`),
	}
}

func changed(customer, sub string, status domain.SubscriptionStatus, periodEnd, occurred time.Time) domain.SubscriptionChanged {
	return domain.SubscriptionChanged{
		EventHeader:    header(domain.EventTypeSubscriptionUpdated, occurred),
		CustomerID:     customer,
		SubscriptionID: sub,
		Status:         status,
		PeriodEnd:      periodEnd,
	}
}

func deleted(customer, sub string, occurred time.Time) domain.SubscriptionDeleted {
	return domain.SubscriptionDeleted{
		EventHeader:    header(domain.EventTypeSubscriptionDeleted, occurred),
		CustomerID:     customer,
		SubscriptionID: sub,
	}
}

func subscription(t *testing.T, store repository.Store, user uuid.UUID) domain.SubscriptionRecord {
	t.Helper()
	rec, err := store.GetSubscription(context.Background(), user)
	require.NoError(t, err)
	return rec
}

var (
	periodT1 = time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	periodT2 = time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
)

// =============================================================================
// Idempotency Gate Tests
// =============================================================================

func TestReconcile_DuplicateDeliveryAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	ev := changed(customer, "sub_1", domain.SubscriptionStatusActive, periodT1, testNow)

	outcome, err := r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)

	outcome, err = r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
	assert.Equal(t, domain.SubscriptionStatusActive, rec.Status)

	processed, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, processed.Processed)
}

func TestReconcile_ResumesUnprocessedDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	ev := changed(customer, "sub_1", domain.SubscriptionStatusActive, periodT1, testNow)

	// A previous attempt recorded the event and then died.
	require.NoError(t, store.InsertEvent(ctx, domain.ProcessedEvent{EventID: ev.ID, Type: ev.Type, CreatedAt: testNow}))

	outcome, err := r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)
	assert.Equal(t, domain.SubscriptionTierPro, subscription(t, store, user).Tier)
}

// failingMarkStore fails MarkEventProcessed once.
type failingMarkStore struct {
	repository.Store
	failed bool
}

func (s *failingMarkStore) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	if !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.Store.MarkEventProcessed(ctx, eventID, at)
}

func TestReconcile_MarkFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	store := &failingMarkStore{Store: base}
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, base)

	ev := changed(customer, "sub_1", domain.SubscriptionStatusActive, periodT1, testNow)

	_, err := r.Reconcile(ctx, ev)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	// Redelivery reruns the fenced update and completes.
	outcome, err := r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)
	assert.Equal(t, domain.SubscriptionTierPro, subscription(t, base, user).Tier)

	outcome, err = r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, outcome)
}

// =============================================================================
// Fencing Tests
// =============================================================================

func TestReconcile_OutOfOrderEventIsStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	outcome, err := r.Reconcile(ctx, changed(customer, "sub_1", domain.SubscriptionStatusActive, periodT2, testNow.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, ReconcileApplied, outcome)

	outcome, err = r.Reconcile(ctx, changed(customer, "sub_1", domain.SubscriptionStatusUnpaid, periodT1, testNow))
	require.NoError(t, err)
	assert.Equal(t, ReconcileStale, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, domain.SubscriptionStatusActive, rec.Status)
	assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
	require.NotNil(t, rec.SubscribedUntil)
	assert.True(t, rec.SubscribedUntil.Equal(periodT2))
}

func TestReconcile_CancellationOfOldSubscriptionIsFenced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	_, err := r.Reconcile(ctx, changed(customer, "sub_new", domain.SubscriptionStatusActive, periodT2, testNow))
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, deleted(customer, "sub_old", testNow.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, ReconcileFenced, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
	assert.Equal(t, domain.SubscriptionStatusActive, rec.Status)
	assert.Equal(t, "sub_new", rec.ExternalSubscriptionID)
}

func TestReconcile_LateCanceledUpdateForReplacedSubscription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	_, err := r.Reconcile(ctx, changed(customer, "sub_old", domain.SubscriptionStatusActive, periodT2, testNow))
	require.NoError(t, err)
	outcome, err := r.Reconcile(ctx, deleted(customer, "sub_old", testNow.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, ReconcileApplied, outcome)

	outcome, err = r.Reconcile(ctx, changed(customer, "sub_new", domain.SubscriptionStatusActive, periodT1, testNow.Add(2*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, ReconcileApplied, outcome)

	// The processor reports the old cancellation again as an update, delivered late.
	outcome, err = r.Reconcile(ctx, changed(customer, "sub_old", domain.SubscriptionStatusCanceled, periodT2, testNow.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, ReconcileStale, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
	assert.Equal(t, domain.SubscriptionStatusActive, rec.Status)
	assert.Equal(t, "sub_new", rec.ExternalSubscriptionID)
}

func TestReconcile_DeletionBeforeFirstSubscriptionIsFenced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	outcome, err := r.Reconcile(ctx, deleted(customer, "sub_1", testNow))
	require.NoError(t, err)
	assert.Equal(t, ReconcileFenced, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, domain.SubscriptionTierFree, rec.Tier)
	assert.Empty(t, rec.ExternalSubscriptionID)
}

func TestReconcile_CancellationOfCurrentSubscription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user, customer := linkedUser(t, store)

	_, err := r.Reconcile(ctx, changed(customer, "sub_1", domain.SubscriptionStatusActive, periodT1, testNow))
	require.NoError(t, err)

	outcome, err := r.Reconcile(ctx, deleted(customer, "sub_1", testNow.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, domain.SubscriptionStatusCanceled, rec.Status)
	assert.Equal(t, domain.SubscriptionTierFree, rec.Tier)
	assert.Nil(t, rec.SubscribedUntil)

	// A late update for the canceled subscription cannot restore it.
	outcome, err = r.Reconcile(ctx, changed(customer, "sub_1", domain.SubscriptionStatusActive, periodT2, testNow.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, ReconcileStale, outcome)
	assert.Equal(t, domain.SubscriptionTierFree, subscription(t, store, user).Tier)
}

// =============================================================================
// State Machine Tests
// =============================================================================

func TestReconcile_GracePeriod(t *testing.T) {
	testCases := []struct {
		name     string
		from     domain.SubscriptionStatus
		to       domain.SubscriptionStatus
		wantTier domain.SubscriptionTier
	}{
		{"active to past_due keeps pro", domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue, domain.SubscriptionTierPro},
		{"past_due to unpaid downgrades", domain.SubscriptionStatusPastDue, domain.SubscriptionStatusUnpaid, domain.SubscriptionTierFree},
		{"past_due to canceled downgrades", domain.SubscriptionStatusPastDue, domain.SubscriptionStatusCanceled, domain.SubscriptionTierFree},
		{"past_due back to active", domain.SubscriptionStatusPastDue, domain.SubscriptionStatusActive, domain.SubscriptionTierPro},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			r := newTestReconciler(store, domain.TierPolicy{})
			user, customer := linkedUser(t, store)

			_, err := r.Reconcile(ctx, changed(customer, "sub_1", tc.from, periodT1, testNow))
			require.NoError(t, err)

			// Same period, later event: the tie break orders them.
			outcome, err := r.Reconcile(ctx, changed(customer, "sub_1", tc.to, periodT1, testNow.Add(time.Minute)))
			require.NoError(t, err)
			assert.Equal(t, ReconcileApplied, outcome)

			rec := subscription(t, store, user)
			assert.Equal(t, tc.to, rec.Status)
			assert.Equal(t, tc.wantTier, rec.Tier)
		})
	}
}

func TestReconcile_TrialPolicy(t *testing.T) {
	testCases := []struct {
		name     string
		policy   domain.TierPolicy
		wantTier domain.SubscriptionTier
	}{
		{"trial is free by default", domain.TierPolicy{}, domain.SubscriptionTierFree},
		{"trial grants paid tier when enabled", domain.TierPolicy{TrialGrantsPaidTier: true}, domain.SubscriptionTierPro},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			r := newTestReconciler(store, tc.policy)
			user, customer := linkedUser(t, store)

			_, err := r.Reconcile(context.Background(), changed(customer, "sub_1", domain.SubscriptionStatusTrialing, periodT1, testNow))
			require.NoError(t, err)
			assert.Equal(t, tc.wantTier, subscription(t, store, user).Tier)
		})
	}
}

// =============================================================================
// User Resolution Tests
// =============================================================================

func TestReconcile_UnknownCustomerIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})

	ev := changed("cus_unknown", "sub_1", domain.SubscriptionStatusActive, periodT1, testNow)
	outcome, err := r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileUserNotFound, outcome)

	// Dropped events are not retried.
	outcome, err = r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, outcome)
}

func TestReconcile_MetadataUserHintLinksCustomer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user := createUser(t, store)

	ev := changed("cus_fresh", "sub_1", domain.SubscriptionStatusActive, periodT1, testNow)
	ev.UserHint = uuid.NullUUID{UUID: user, Valid: true}

	outcome, err := r.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)

	rec := subscription(t, store, user)
	assert.Equal(t, "cus_fresh", rec.BillingCustomerID)
	assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
}

func TestReconcile_CheckoutLinksCustomer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})
	user := createUser(t, store)

	checkout := domain.CheckoutCompleted{
		EventHeader:    header(domain.EventTypeCheckoutCompleted, testNow),
		CustomerID:     "cus_checkout",
		SubscriptionID: "sub_1",
		UserHint:       uuid.NullUUID{UUID: user, Valid: true},
	}
	outcome, err := r.Reconcile(ctx, checkout)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)
	assert.Equal(t, "cus_checkout", subscription(t, store, user).BillingCustomerID)

	// The subscription event that follows resolves through the link.
	outcome, err = r.Reconcile(ctx, changed("cus_checkout", "sub_1", domain.SubscriptionStatusActive, periodT1, testNow))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, outcome)
	assert.Equal(t, domain.SubscriptionTierPro, subscription(t, store, user).Tier)

	// A second checkout for an already linked customer changes nothing.
	again := checkout
	again.EventHeader = header(domain.EventTypeCheckoutCompleted, testNow)
	outcome, err = r.Reconcile(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, ReconcileNoop, outcome)
}

func TestReconcile_CheckoutForUnknownUser(t *testing.T) {
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})

	checkout := domain.CheckoutCompleted{
		EventHeader: header(domain.EventTypeCheckoutCompleted, testNow),
		CustomerID:  "cus_checkout",
		UserHint:    uuid.NullUUID{UUID: uuid.New(), Valid: true},
	}
	outcome, err := r.Reconcile(context.Background(), checkout)
	require.NoError(t, err)
	assert.Equal(t, ReconcileUserNotFound, outcome)
}

// =============================================================================
// Terminal Failure Tests
// =============================================================================

func TestReconcile_UnhandledEventType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})

	ev := domain.UnhandledEvent{EventHeader: header("invoice.paid", testNow)}
	outcome, err := r.Reconcile(ctx, ev)
	require.Error(t, err)
	assert.Equal(t, ReconcileUnhandled, outcome)
	assert.Equal(t, domain.EUNHANDLED, domain.ErrorCode(err))
	assert.False(t, domain.IsRetryable(err))

	rec, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, rec.Processed)
}

func TestReconcile_MalformedEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestReconciler(store, domain.TierPolicy{})

	ev := changed("", "sub_1", domain.SubscriptionStatusActive, periodT1, testNow)
	outcome, err := r.Reconcile(ctx, ev)
	require.Error(t, err)
	assert.Equal(t, ReconcileInvalid, outcome)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = store.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound, "malformed events never reach the gate")
}
