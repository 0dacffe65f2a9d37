package repository

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/replyflow/internal"
	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "replyflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, internal.RunMigrations(db))
	_, err = db.Exec(`TRUNCATE processed_events, overflow_queue_items, usage_counters, user_profiles CASCADE`)
	require.NoError(t, err)
	s := NewPostgres(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, newPostgresStore)
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("concurrent consume", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("overflow queue", func(t *testing.T) { testOverflowQueue(t, newStore(t)) })
	t.Run("claim leases", func(t *testing.T) { testClaimLeases(t, newStore(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("subscription fencing", func(t *testing.T) { testSubscriptionFencing(t, newStore(t)) })
}

func newUser(t *testing.T, s Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.CreateProfile(context.Background(), id))
	return id
}

func newUserWithCounter(t *testing.T, s Store) uuid.UUID {
	t.Helper()
	id := newUser(t, s)
	_, err := s.EnsureCounter(context.Background(), id, domain.PlanFree, testNow)
	require.NoError(t, err)
	return id
}

func testCounters(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("ensure creates a fresh counter", func(t *testing.T) {
		user := newUser(t, s)
		c, err := s.EnsureCounter(ctx, user, domain.PlanFree, testNow)
		require.NoError(t, err)
		assert.Equal(t, user, c.UserID)
		assert.Equal(t, domain.PlanFree, c.PlanID)
		assert.Zero(t, c.ActionsUsedThisMonth)
		assert.Zero(t, c.PostsToday)
		assert.Zero(t, c.QueuedCount)
		assert.True(t, c.MonthStart.Equal(domain.MonthStart(testNow)))
		assert.True(t, c.DayStart.Equal(domain.DayStart(testNow)))
	})

	t.Run("ensure without profile", func(t *testing.T) {
		_, err := s.EnsureCounter(ctx, uuid.New(), domain.PlanFree, testNow)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ensure records plan changes", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		c, err := s.EnsureCounter(ctx, user, domain.PlanPro, testNow)
		require.NoError(t, err)
		assert.Equal(t, domain.PlanPro, c.PlanID)
	})

	t.Run("monthly consume stops at limit", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		for i := 0; i < 3; i++ {
			ok, err := s.ConsumeMonthly(ctx, user, 3, testNow)
			require.NoError(t, err)
			assert.True(t, ok, "consume %d", i+1)
		}
		ok, err := s.ConsumeMonthly(ctx, user, 3, testNow)
		require.NoError(t, err)
		assert.False(t, ok)

		c, err := s.GetCounter(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 3, c.ActionsUsedThisMonth)
	})

	t.Run("daily consume stops at cap", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		for i := 0; i < 2; i++ {
			ok, err := s.ConsumeDaily(ctx, user, 2, testNow)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := s.ConsumeDaily(ctx, user, 2, testNow)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("consume without counter", func(t *testing.T) {
		_, err := s.ConsumeMonthly(ctx, uuid.New(), 3, testNow)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.ConsumeDaily(ctx, uuid.New(), 3, testNow)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("consume rolls over a stale month", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		for i := 0; i < 3; i++ {
			_, err := s.ConsumeMonthly(ctx, user, 3, testNow)
			require.NoError(t, err)
		}

		nextMonth := time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
		ok, err := s.ConsumeMonthly(ctx, user, 3, nextMonth)
		require.NoError(t, err)
		assert.True(t, ok)

		c, err := s.GetCounter(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 1, c.ActionsUsedThisMonth)
		assert.True(t, c.MonthStart.Equal(domain.MonthStart(nextMonth)))
		assert.True(t, c.DayStart.Equal(domain.DayStart(nextMonth)))
	})

	t.Run("daily reset leaves monthly count", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		_, err := s.ConsumeMonthly(ctx, user, 10, testNow)
		require.NoError(t, err)
		_, err = s.ConsumeDaily(ctx, user, 1, testNow)
		require.NoError(t, err)

		tomorrow := testNow.Add(24 * time.Hour)
		c, err := s.EnsureCounter(ctx, user, domain.PlanFree, tomorrow)
		require.NoError(t, err)
		assert.Zero(t, c.PostsToday)
		assert.Equal(t, 1, c.ActionsUsedThisMonth)
		assert.True(t, c.DayStart.Equal(domain.DayStart(tomorrow)))
	})

	t.Run("rollover never rewinds", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		later := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
		_, err := s.ConsumeMonthly(ctx, user, 10, later)
		require.NoError(t, err)

		c, err := s.EnsureCounter(ctx, user, domain.PlanFree, testNow)
		require.NoError(t, err)
		assert.Equal(t, 1, c.ActionsUsedThisMonth)
		assert.True(t, c.MonthStart.Equal(domain.MonthStart(later)))
		assert.True(t, c.DayStart.Equal(domain.DayStart(later)))

		// A lagging consumer counts against the newer period.
		ok, err := s.ConsumeMonthly(ctx, user, 10, testNow)
		require.NoError(t, err)
		assert.True(t, ok)
		c, err = s.GetCounter(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 2, c.ActionsUsedThisMonth)
	})

	t.Run("sweep rolls over stale counters", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		_, err := s.ConsumeDaily(ctx, user, 5, testNow)
		require.NoError(t, err)

		tomorrow := testNow.Add(24 * time.Hour)
		n, err := s.SweepRollover(ctx, tomorrow)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		c, err := s.GetCounter(ctx, user)
		require.NoError(t, err)
		assert.Zero(t, c.PostsToday)

		n, err = s.SweepRollover(ctx, tomorrow)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func testConcurrentConsume(t *testing.T, s Store) {
	ctx := context.Background()
	user := newUserWithCounter(t, s)

	const (
		limit   = 10
		callers = 40
	)
	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeMonthly(ctx, user, limit, testNow)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
	c, err := s.GetCounter(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, limit, c.ActionsUsedThisMonth)
}

func enqueue(t *testing.T, s Store, user uuid.UUID, at time.Time) domain.OverflowQueueItem {
	t.Helper()
	item := domain.NewOverflowQueueItem(user, domain.PostPayload{
		TargetCommentID: "comment-" + uuid.NewString(),
		VideoID:         "video-1",
		Text:            "Thanks for watching!",
	}, at)
	require.NoError(t, s.EnqueueOverflow(context.Background(), item))
	return item
}

func queued(t *testing.T, s Store, user uuid.UUID) int {
	t.Helper()
	c, err := s.GetCounter(context.Background(), user)
	require.NoError(t, err)
	return c.QueuedCount
}

func testOverflowQueue(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("enqueue bumps queued count", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		item := enqueue(t, s, user, testNow)
		enqueue(t, s, user, testNow.Add(time.Second))
		assert.Equal(t, 2, queued(t, s, user))

		pending, err := s.ListPending(ctx, &user, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, item.ID, pending[0].ID)
		assert.Equal(t, domain.OverflowStatusPending, pending[0].Status)
		assert.Equal(t, item.PayloadText, pending[0].PayloadText)
	})

	t.Run("enqueue without counter", func(t *testing.T) {
		user := newUser(t, s)
		item := domain.NewOverflowQueueItem(user, domain.PostPayload{TargetCommentID: "c", VideoID: "v", Text: "t"}, testNow)
		err := s.EnqueueOverflow(ctx, item)
		assert.ErrorIs(t, err, ErrNotFound)

		pending, err := s.ListPending(ctx, &user, 10)
		require.NoError(t, err)
		assert.Empty(t, pending, "item insert must roll back with the counter update")
	})

	t.Run("mark posted releases the slot once", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		item := enqueue(t, s, user, testNow)

		require.NoError(t, s.MarkPosted(ctx, item.ID))
		assert.Zero(t, queued(t, s, user))

		require.NoError(t, s.MarkPosted(ctx, item.ID))
		require.NoError(t, s.MarkFailed(ctx, item.ID, 1, "late"))
		assert.Zero(t, queued(t, s, user))

		pending, err := s.ListPending(ctx, &user, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("mark failed records the attempt", func(t *testing.T) {
		user := newUserWithCounter(t, s)
		item := enqueue(t, s, user, testNow)
		enqueue(t, s, user, testNow.Add(time.Second))

		require.NoError(t, s.MarkFailed(ctx, item.ID, 1, "comment deleted"))
		assert.Equal(t, 1, queued(t, s, user))
	})

	t.Run("unknown item", func(t *testing.T) {
		assert.ErrorIs(t, s.MarkPosted(ctx, uuid.New()), ErrNotFound)
		assert.ErrorIs(t, s.MarkFailed(ctx, uuid.New(), 1, "x"), ErrNotFound)
		assert.ErrorIs(t, s.RecordAttempt(ctx, uuid.New(), "x", testNow), ErrNotFound)
	})

	t.Run("list pending filters by user", func(t *testing.T) {
		alice := newUserWithCounter(t, s)
		bob := newUserWithCounter(t, s)
		enqueue(t, s, alice, testNow)
		enqueue(t, s, bob, testNow.Add(time.Second))
		enqueue(t, s, alice, testNow.Add(2*time.Second))

		items, err := s.ListPending(ctx, &alice, 10)
		require.NoError(t, err)
		require.Len(t, items, 2)
		for _, it := range items {
			assert.Equal(t, alice, it.UserID)
		}
		assert.False(t, items[1].CreatedAt.Before(items[0].CreatedAt))

		limited, err := s.ListPending(ctx, nil, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func testClaimLeases(t *testing.T, s Store) {
	ctx := context.Background()
	user := newUserWithCounter(t, s)
	first := enqueue(t, s, user, testNow)
	second := enqueue(t, s, user, testNow.Add(time.Second))
	third := enqueue(t, s, user, testNow.Add(2*time.Second))

	lease := time.Minute
	claimed, err := s.ClaimPending(ctx, 2, testNow, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)

	claimed, err = s.ClaimPending(ctx, 2, testNow, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, third.ID, claimed[0].ID)

	claimed, err = s.ClaimPending(ctx, 10, testNow.Add(30*time.Second), lease)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// A failed attempt holds the item until its retry time.
	retryAt := testNow.Add(10 * time.Minute)
	require.NoError(t, s.RecordAttempt(ctx, first.ID, "upstream 503", retryAt))
	require.NoError(t, s.MarkPosted(ctx, second.ID))

	claimed, err = s.ClaimPending(ctx, 10, testNow.Add(2*time.Minute), lease)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, third.ID, claimed[0].ID)

	claimed, err = s.ClaimPending(ctx, 10, retryAt, lease)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, third.ID, claimed[1].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "upstream 503", claimed[0].LastError)
	assert.Equal(t, domain.OverflowStatusPending, claimed[0].Status)

	// Release holds an item without counting an attempt.
	tomorrow := retryAt.Add(24 * time.Hour)
	require.NoError(t, s.Release(ctx, third.ID, tomorrow))
	claimed, err = s.ClaimPending(ctx, 10, tomorrow.Add(-time.Second), lease)
	require.NoError(t, err)
	for _, it := range claimed {
		assert.NotEqual(t, third.ID, it.ID)
	}
	claimed, err = s.ClaimPending(ctx, 10, tomorrow, lease)
	require.NoError(t, err)
	var released *domain.OverflowQueueItem
	for i := range claimed {
		if claimed[i].ID == third.ID {
			released = &claimed[i]
		}
	}
	require.NotNil(t, released)
	assert.Zero(t, released.Attempts)

	assert.ErrorIs(t, s.Release(ctx, uuid.New(), tomorrow), ErrNotFound)
	assert.NoError(t, s.Release(ctx, second.ID, tomorrow), "terminal items are left alone")
}

func testEvents(t *testing.T, s Store) {
	ctx := context.Background()
	ev := domain.ProcessedEvent{
		EventID:   "evt_" + uuid.NewString(),
		Type:      domain.EventTypeSubscriptionUpdated,
		Payload:   []byte(`{"id":"evt_1"}`),
		CreatedAt: testNow,
	}

	require.NoError(t, s.InsertEvent(ctx, ev))
	assert.ErrorIs(t, s.InsertEvent(ctx, ev), ErrDuplicateEvent)

	got, err := s.GetEvent(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, got.Type)
	assert.False(t, got.Processed)
	assert.Nil(t, got.ProcessedAt)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))

	require.NoError(t, s.MarkEventProcessed(ctx, ev.EventID, testNow.Add(time.Second)))
	got, err = s.GetEvent(ctx, ev.EventID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(testNow.Add(time.Second)))

	_, err = s.GetEvent(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkEventProcessed(ctx, "evt_missing", testNow), ErrNotFound)

	empty := domain.ProcessedEvent{EventID: "evt_" + uuid.NewString(), Type: "ping", CreatedAt: testNow}
	require.NoError(t, s.InsertEvent(ctx, empty))
	got, err = s.GetEvent(ctx, empty.EventID)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}

func testProfiles(t *testing.T, s Store) {
	ctx := context.Background()

	user := newUser(t, s)
	require.NoError(t, s.CreateProfile(ctx, user))

	rec, err := s.GetSubscription(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionTierFree, rec.Tier)
	assert.Equal(t, domain.SubscriptionStatusNone, rec.Status)
	assert.Nil(t, rec.SubscribedUntil)
	assert.Empty(t, rec.BillingCustomerID)

	_, err = s.GetSubscription(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	customer := "cus_" + uuid.NewString()
	linked, err := s.LinkBillingCustomer(ctx, user, customer)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = s.LinkBillingCustomer(ctx, user, "cus_other")
	require.NoError(t, err)
	assert.False(t, linked, "an existing link is never overwritten")

	other := newUser(t, s)
	linked, err = s.LinkBillingCustomer(ctx, other, customer)
	require.NoError(t, err)
	assert.False(t, linked, "a customer belongs to one profile")

	rec, err = s.GetSubscriptionByCustomer(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, user, rec.UserID)

	_, err = s.GetSubscriptionByCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func ts(t time.Time) *time.Time { return &t }

func testSubscriptionFencing(t *testing.T, s Store) {
	ctx := context.Background()
	t1 := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)

	update := func(user uuid.UUID, sub string, status domain.SubscriptionStatus, periodEnd, occurred *time.Time) domain.SubscriptionUpdate {
		return domain.SubscriptionUpdate{
			UserID:         user,
			SubscriptionID: sub,
			Status:         status,
			Tier:           domain.TierPolicy{}.TierFor(status),
			PeriodEnd:      periodEnd,
			OccurredAt:     occurred,
		}
	}

	t.Run("older period end is fenced", func(t *testing.T) {
		user := newUser(t, s)
		applied, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusActive, &t2, ts(testNow.Add(time.Hour))))
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusPastDue, &t1, ts(testNow)))
		require.NoError(t, err)
		assert.False(t, applied)

		rec, err := s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusActive, rec.Status)
		assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
		require.NotNil(t, rec.SubscribedUntil)
		assert.True(t, rec.SubscribedUntil.Equal(t2))
		assert.Equal(t, "sub_1", rec.ExternalSubscriptionID)
	})

	t.Run("same period end ordered by event time", func(t *testing.T) {
		user := newUser(t, s)
		applied, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusPastDue, &t1, ts(testNow.Add(time.Hour))))
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusActive, &t1, ts(testNow)))
		require.NoError(t, err)
		assert.False(t, applied, "earlier event within the same period is stale")

		applied, err = s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusUnpaid, &t1, ts(testNow.Add(2*time.Hour))))
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err := s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusUnpaid, rec.Status)
		assert.Equal(t, domain.SubscriptionTierFree, rec.Tier)
	})

	t.Run("missing period keeps stored period", func(t *testing.T) {
		user := newUser(t, s)
		_, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusActive, &t2, ts(testNow)))
		require.NoError(t, err)

		applied, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusPastDue, nil, ts(testNow.Add(time.Hour))))
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err := s.GetSubscription(ctx, user)
		require.NoError(t, err)
		require.NotNil(t, rec.SubscribedUntil)
		assert.True(t, rec.SubscribedUntil.Equal(t2))
		assert.Equal(t, domain.SubscriptionStatusPastDue, rec.Status)
	})

	t.Run("cancellation of a replaced subscription is ignored", func(t *testing.T) {
		user := newUser(t, s)
		_, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_new", domain.SubscriptionStatusActive, &t2, ts(testNow)))
		require.NoError(t, err)

		applied, err := s.ApplyCancellation(ctx, domain.SubscriptionCancellation{UserID: user, SubscriptionID: "sub_old", OccurredAt: ts(testNow.Add(time.Hour))})
		require.NoError(t, err)
		assert.False(t, applied)

		rec, err := s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
		assert.Equal(t, "sub_new", rec.ExternalSubscriptionID)
	})

	t.Run("canceled status for a replaced subscription is ignored", func(t *testing.T) {
		user := newUser(t, s)
		_, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_new", domain.SubscriptionStatusActive, &t1, ts(testNow.Add(time.Hour))))
		require.NoError(t, err)

		// Later period end and no event-time tie: only the id check can fence it.
		applied, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_old", domain.SubscriptionStatusCanceled, &t2, ts(testNow)))
		require.NoError(t, err)
		assert.False(t, applied)

		rec, err := s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusActive, rec.Status)
		assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
		assert.Equal(t, "sub_new", rec.ExternalSubscriptionID)

		// The current subscription can still be canceled by status.
		applied, err = s.ApplySubscriptionUpdate(ctx, update(user, "sub_new", domain.SubscriptionStatusCanceled, &t1, ts(testNow.Add(2*time.Hour))))
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err = s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusCanceled, rec.Status)
		assert.Equal(t, domain.SubscriptionTierFree, rec.Tier)
	})

	t.Run("canceled subscription stays canceled", func(t *testing.T) {
		user := newUser(t, s)
		_, err := s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusActive, &t1, ts(testNow)))
		require.NoError(t, err)

		applied, err := s.ApplyCancellation(ctx, domain.SubscriptionCancellation{UserID: user, SubscriptionID: "sub_1", OccurredAt: ts(testNow.Add(time.Hour))})
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err := s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusCanceled, rec.Status)
		assert.Equal(t, domain.SubscriptionTierFree, rec.Tier)
		assert.Nil(t, rec.SubscribedUntil)

		// A late update for the canceled id cannot resurrect it.
		applied, err = s.ApplySubscriptionUpdate(ctx, update(user, "sub_1", domain.SubscriptionStatusActive, &t2, ts(testNow.Add(2*time.Hour))))
		require.NoError(t, err)
		assert.False(t, applied)

		// A new subscription can.
		applied, err = s.ApplySubscriptionUpdate(ctx, update(user, "sub_2", domain.SubscriptionStatusActive, &t2, ts(testNow.Add(3*time.Hour))))
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err = s.GetSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionTierPro, rec.Tier)
		assert.Equal(t, "sub_2", rec.ExternalSubscriptionID)
	})

	t.Run("unknown user", func(t *testing.T) {
		applied, err := s.ApplySubscriptionUpdate(ctx, update(uuid.New(), "sub_1", domain.SubscriptionStatusActive, &t1, nil))
		require.NoError(t, err)
		assert.False(t, applied)
	})
}
