package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the Store backed by PostgreSQL through the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open pgx database handle. Migrations are applied separately.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// =============================================================================
// Usage counters
// =============================================================================

const counterColumns = `user_id, plan_id, actions_used_this_month, month_start, posts_today, day_start, queued_count`

func scanCounter(row interface{ Scan(...any) error }) (domain.UsageCounter, error) {
	var c domain.UsageCounter
	var planID string
	err := row.Scan(&c.UserID, &planID, &c.ActionsUsedThisMonth, &c.MonthStart, &c.PostsToday, &c.DayStart, &c.QueuedCount)
	if err != nil {
		return domain.UsageCounter{}, err
	}
	c.PlanID = domain.PlanID(planID)
	c.MonthStart = domain.MonthStart(c.MonthStart)
	c.DayStart = domain.DayStart(c.DayStart)
	return c, nil
}

func (p *Postgres) EnsureCounter(ctx context.Context, userID uuid.UUID, planID domain.PlanID, now time.Time) (domain.UsageCounter, error) {
	day, month := periods(now)

	const insertQ = `
		INSERT INTO usage_counters (user_id, plan_id, month_start, day_start)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, insertQ, userID, string(planID), month, day); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return domain.UsageCounter{}, ErrNotFound
		}
		return domain.UsageCounter{}, fmt.Errorf("creating usage counter for user %s: %w", userID, err)
	}

	const rolloverQ = `
		UPDATE usage_counters
		SET posts_today = CASE WHEN day_start < $2::date THEN 0 ELSE posts_today END,
		    day_start = GREATEST(day_start, $2::date),
		    actions_used_this_month = CASE WHEN month_start < $3::date THEN 0 ELSE actions_used_this_month END,
		    month_start = GREATEST(month_start, $3::date),
		    plan_id = $4,
		    updated_at = NOW()
		WHERE user_id = $1
		RETURNING ` + counterColumns
	c, err := scanCounter(p.db.QueryRowContext(ctx, rolloverQ, userID, day, month, string(planID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UsageCounter{}, ErrNotFound
		}
		return domain.UsageCounter{}, fmt.Errorf("rolling over usage counter for user %s: %w", userID, err)
	}
	return c, nil
}

func (p *Postgres) ConsumeMonthly(ctx context.Context, userID uuid.UUID, limit int, now time.Time) (bool, error) {
	day, month := periods(now)

	// The bound is checked against the post-rollover value inside the
	// UPDATE itself; concurrent callers serialize on the row lock and the
	// WHERE clause is re-evaluated against the committed value.
	const q = `
		UPDATE usage_counters
		SET actions_used_this_month = CASE WHEN month_start < $3::date THEN 1 ELSE actions_used_this_month + 1 END,
		    month_start = GREATEST(month_start, $3::date),
		    posts_today = CASE WHEN day_start < $2::date THEN 0 ELSE posts_today END,
		    day_start = GREATEST(day_start, $2::date),
		    updated_at = NOW()
		WHERE user_id = $1
		  AND (CASE WHEN month_start < $3::date THEN 0 ELSE actions_used_this_month END) < $4
	`
	res, err := p.db.ExecContext(ctx, q, userID, day, month, limit)
	if err != nil {
		return false, fmt.Errorf("consuming monthly action for user %s: %w", userID, err)
	}
	return p.consumed(ctx, res, userID)
}

func (p *Postgres) ConsumeDaily(ctx context.Context, userID uuid.UUID, dailyCap int, now time.Time) (bool, error) {
	day, month := periods(now)

	const q = `
		UPDATE usage_counters
		SET posts_today = CASE WHEN day_start < $2::date THEN 1 ELSE posts_today + 1 END,
		    day_start = GREATEST(day_start, $2::date),
		    actions_used_this_month = CASE WHEN month_start < $3::date THEN 0 ELSE actions_used_this_month END,
		    month_start = GREATEST(month_start, $3::date),
		    updated_at = NOW()
		WHERE user_id = $1
		  AND (CASE WHEN day_start < $2::date THEN 0 ELSE posts_today END) < $4
	`
	res, err := p.db.ExecContext(ctx, q, userID, day, month, dailyCap)
	if err != nil {
		return false, fmt.Errorf("consuming daily post for user %s: %w", userID, err)
	}
	return p.consumed(ctx, res, userID)
}

// consumed turns a conditional update result into a consume verdict,
// separating "at cap" from "no counter".
func (p *Postgres) consumed(ctx context.Context, res sql.Result, userID uuid.UUID) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading consume result for user %s: %w", userID, err)
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM usage_counters WHERE user_id = $1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking usage counter for user %s: %w", userID, err)
	}
	return false, nil
}

func (p *Postgres) GetCounter(ctx context.Context, userID uuid.UUID) (domain.UsageCounter, error) {
	q := `SELECT ` + counterColumns + ` FROM usage_counters WHERE user_id = $1`
	c, err := scanCounter(p.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageCounter{}, ErrNotFound
	}
	if err != nil {
		return domain.UsageCounter{}, fmt.Errorf("fetching usage counter for user %s: %w", userID, err)
	}
	return c, nil
}

func (p *Postgres) SweepRollover(ctx context.Context, now time.Time) (int64, error) {
	day, month := periods(now)

	const q = `
		UPDATE usage_counters
		SET posts_today = CASE WHEN day_start < $1::date THEN 0 ELSE posts_today END,
		    day_start = GREATEST(day_start, $1::date),
		    actions_used_this_month = CASE WHEN month_start < $2::date THEN 0 ELSE actions_used_this_month END,
		    month_start = GREATEST(month_start, $2::date),
		    updated_at = NOW()
		WHERE day_start < $1::date OR month_start < $2::date
	`
	res, err := p.db.ExecContext(ctx, q, day, month)
	if err != nil {
		return 0, fmt.Errorf("sweeping usage counters: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// Overflow queue
// =============================================================================

const itemColumns = `id, user_id, target_comment_id, payload_text, video_id, status, attempts, COALESCE(last_error, ''), created_at`

func scanItem(row interface{ Scan(...any) error }) (domain.OverflowQueueItem, error) {
	var it domain.OverflowQueueItem
	var status string
	err := row.Scan(&it.ID, &it.UserID, &it.TargetCommentID, &it.PayloadText, &it.VideoID, &status, &it.Attempts, &it.LastError, &it.CreatedAt)
	if err != nil {
		return domain.OverflowQueueItem{}, err
	}
	it.Status = domain.OverflowStatus(status)
	it.CreatedAt = it.CreatedAt.UTC()
	return it, nil
}

func collectItems(rows *sql.Rows) ([]domain.OverflowQueueItem, error) {
	defer rows.Close()
	var items []domain.OverflowQueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (p *Postgres) EnqueueOverflow(ctx context.Context, item domain.OverflowQueueItem) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for enqueue: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const insertQ = `
		INSERT INTO overflow_queue_items (id, user_id, target_comment_id, payload_text, video_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)
	`
	if _, err := tx.ExecContext(ctx, insertQ, item.ID, item.UserID, item.TargetCommentID, item.PayloadText, item.VideoID, item.CreatedAt); err != nil {
		return fmt.Errorf("inserting overflow item for user %s: %w", item.UserID, err)
	}

	const bumpQ = `UPDATE usage_counters SET queued_count = queued_count + 1, updated_at = NOW() WHERE user_id = $1`
	res, err := tx.ExecContext(ctx, bumpQ, item.UserID)
	if err != nil {
		return fmt.Errorf("incrementing queued count for user %s: %w", item.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing overflow item for user %s: %w", item.UserID, err)
	}
	return nil
}

func (p *Postgres) ListPending(ctx context.Context, userID *uuid.UUID, limit int) ([]domain.OverflowQueueItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID != nil {
		q := `SELECT ` + itemColumns + ` FROM overflow_queue_items
		      WHERE user_id = $1 AND status = 'pending' ORDER BY created_at, id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, *userID, limit)
	} else {
		q := `SELECT ` + itemColumns + ` FROM overflow_queue_items
		      WHERE status = 'pending' ORDER BY created_at, id LIMIT $1`
		rows, err = p.db.QueryContext(ctx, q, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing pending overflow items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning pending overflow items: %w", err)
	}
	return items, nil
}

func (p *Postgres) ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OverflowQueueItem, error) {
	const q = `
		UPDATE overflow_queue_items
		SET locked_until = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM overflow_queue_items
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns
	rows, err := p.db.QueryContext(ctx, q, now.UTC(), now.UTC().Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming overflow items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning claimed overflow items: %w", err)
	}
	return items, nil
}

func (p *Postgres) RecordAttempt(ctx context.Context, itemID uuid.UUID, message string, retryAt time.Time) error {
	const q = `
		UPDATE overflow_queue_items
		SET attempts = attempts + 1, last_error = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	res, err := p.db.ExecContext(ctx, q, itemID, message, retryAt.UTC())
	if err != nil {
		return fmt.Errorf("recording attempt for overflow item %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.itemExists(ctx, p.db, itemID)
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context, itemID uuid.UUID, until time.Time) error {
	const q = `
		UPDATE overflow_queue_items
		SET locked_until = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	res, err := p.db.ExecContext(ctx, q, itemID, until.UTC())
	if err != nil {
		return fmt.Errorf("releasing overflow item %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.itemExists(ctx, p.db, itemID)
	}
	return nil
}

func (p *Postgres) MarkPosted(ctx context.Context, itemID uuid.UUID) error {
	const q = `
		UPDATE overflow_queue_items
		SET status = 'posted', locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING user_id
	`
	return p.finishItem(ctx, itemID, q, itemID)
}

func (p *Postgres) MarkFailed(ctx context.Context, itemID uuid.UUID, attemptIncrement int, message string) error {
	const q = `
		UPDATE overflow_queue_items
		SET status = 'failed', attempts = attempts + $2, last_error = $3, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING user_id
	`
	return p.finishItem(ctx, itemID, q, itemID, attemptIncrement, message)
}

// finishItem moves an item out of pending and releases its slot in the
// user's queued count within one transaction.
func (p *Postgres) finishItem(ctx context.Context, itemID uuid.UUID, q string, args ...any) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for overflow item %s: %w", itemID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var userID uuid.UUID
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p.itemExists(ctx, tx, itemID)
		}
		return fmt.Errorf("updating overflow item %s: %w", itemID, err)
	}

	const releaseQ = `
		UPDATE usage_counters SET queued_count = queued_count - 1, updated_at = NOW()
		WHERE user_id = $1 AND queued_count > 0
	`
	if _, err := tx.ExecContext(ctx, releaseQ, userID); err != nil {
		return fmt.Errorf("decrementing queued count for user %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing overflow item %s: %w", itemID, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// itemExists returns nil for an item that exists but is no longer pending.
func (p *Postgres) itemExists(ctx context.Context, q queryer, itemID uuid.UUID) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM overflow_queue_items WHERE id = $1`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking overflow item %s: %w", itemID, err)
	}
	return nil
}

// =============================================================================
// Profiles
// =============================================================================

const profileColumns = `id, tier, subscription_status, subscribed_until, external_subscription_id, billing_customer_id, last_event_at`

func scanProfile(row interface{ Scan(...any) error }) (domain.SubscriptionRecord, error) {
	var (
		rec               domain.SubscriptionRecord
		tier, status      string
		until, lastEvent  sql.NullTime
		subID, customerID sql.NullString
	)
	if err := row.Scan(&rec.UserID, &tier, &status, &until, &subID, &customerID, &lastEvent); err != nil {
		return domain.SubscriptionRecord{}, err
	}
	rec.Tier = domain.SubscriptionTier(tier)
	rec.Status = domain.SubscriptionStatus(status)
	rec.SubscribedUntil = utcTime(until)
	rec.LastEventAt = utcTime(lastEvent)
	rec.ExternalSubscriptionID = subID.String
	rec.BillingCustomerID = customerID.String
	return rec, nil
}

func utcTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (p *Postgres) CreateProfile(ctx context.Context, userID uuid.UUID) error {
	const q = `INSERT INTO user_profiles (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, q, userID); err != nil {
		return fmt.Errorf("creating profile %s: %w", userID, err)
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, userID uuid.UUID) (domain.SubscriptionRecord, error) {
	q := `SELECT ` + profileColumns + ` FROM user_profiles WHERE id = $1`
	rec, err := scanProfile(p.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubscriptionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("fetching subscription for user %s: %w", userID, err)
	}
	return rec, nil
}

func (p *Postgres) GetSubscriptionByCustomer(ctx context.Context, customerID string) (domain.SubscriptionRecord, error) {
	q := `SELECT ` + profileColumns + ` FROM user_profiles WHERE billing_customer_id = $1`
	rec, err := scanProfile(p.db.QueryRowContext(ctx, q, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubscriptionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("fetching subscription for customer %s: %w", customerID, err)
	}
	return rec, nil
}

func (p *Postgres) LinkBillingCustomer(ctx context.Context, userID uuid.UUID, customerID string) (bool, error) {
	const q = `
		UPDATE user_profiles SET billing_customer_id = $2, updated_at = NOW()
		WHERE id = $1 AND billing_customer_id IS NULL
	`
	res, err := p.db.ExecContext(ctx, q, userID, customerID)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("linking customer %s to user %s: %w", customerID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading link result for user %s: %w", userID, err)
	}
	return n == 1, nil
}

func (p *Postgres) ApplySubscriptionUpdate(ctx context.Context, upd domain.SubscriptionUpdate) (bool, error) {
	// Fences, in order: a later stored period end wins; with equal (or
	// missing) period ends a later stored event wins; a canceled
	// subscription id never comes back; a canceled status only lands on the
	// subscription currently stored, so a replaced one cannot downgrade.
	const q = `
		UPDATE user_profiles
		SET subscription_status = $2,
		    tier = $3,
		    subscribed_until = COALESCE($4::timestamptz, subscribed_until),
		    external_subscription_id = $5,
		    last_event_at = COALESCE($6::timestamptz, last_event_at),
		    updated_at = NOW()
		WHERE id = $1
		  AND NOT (subscribed_until IS NOT NULL AND $4::timestamptz IS NOT NULL AND subscribed_until > $4::timestamptz)
		  AND NOT (last_event_at IS NOT NULL AND $6::timestamptz IS NOT NULL AND last_event_at > $6::timestamptz
		           AND ($4::timestamptz IS NULL OR subscribed_until = $4::timestamptz))
		  AND NOT (subscription_status = 'canceled' AND external_subscription_id IS NOT NULL AND external_subscription_id = $5)
		  AND NOT ($2 = 'canceled' AND COALESCE(external_subscription_id, '') <> '' AND external_subscription_id <> $5)
	`
	res, err := p.db.ExecContext(ctx, q, upd.UserID, string(upd.Status), string(upd.Tier),
		nullTime(upd.PeriodEnd), upd.SubscriptionID, nullTime(upd.OccurredAt))
	if err != nil {
		return false, fmt.Errorf("applying subscription update for user %s: %w", upd.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading subscription update result for user %s: %w", upd.UserID, err)
	}
	return n == 1, nil
}

func (p *Postgres) ApplyCancellation(ctx context.Context, c domain.SubscriptionCancellation) (bool, error) {
	const q = `
		UPDATE user_profiles
		SET subscription_status = 'canceled',
		    tier = 'free',
		    subscribed_until = NULL,
		    last_event_at = COALESCE($3::timestamptz, last_event_at),
		    updated_at = NOW()
		WHERE id = $1 AND external_subscription_id = $2
	`
	res, err := p.db.ExecContext(ctx, q, c.UserID, c.SubscriptionID, nullTime(c.OccurredAt))
	if err != nil {
		return false, fmt.Errorf("applying cancellation for user %s: %w", c.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading cancellation result for user %s: %w", c.UserID, err)
	}
	return n == 1, nil
}

// =============================================================================
// Processed events
// =============================================================================

func (p *Postgres) InsertEvent(ctx context.Context, ev domain.ProcessedEvent) error {
	const q = `
		INSERT INTO processed_events (event_id, type, payload, processed, created_at)
		VALUES ($1, $2, $3, FALSE, $4)
	`
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	if _, err := p.db.ExecContext(ctx, q, ev.EventID, ev.Type, payload, ev.CreatedAt.UTC()); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("inserting processed event %s: %w", ev.EventID, err)
	}
	return nil
}

func (p *Postgres) GetEvent(ctx context.Context, eventID string) (domain.ProcessedEvent, error) {
	const q = `
		SELECT event_id, type, COALESCE(payload::text, ''), processed, created_at, processed_at
		FROM processed_events WHERE event_id = $1
	`
	var (
		ev          domain.ProcessedEvent
		payload     string
		processedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, q, eventID).Scan(&ev.EventID, &ev.Type, &payload, &ev.Processed, &ev.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedEvent{}, ErrNotFound
	}
	if err != nil {
		return domain.ProcessedEvent{}, fmt.Errorf("fetching processed event %s: %w", eventID, err)
	}
	if payload != "" {
		ev.Payload = []byte(payload)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.ProcessedAt = utcTime(processedAt)
	return ev, nil
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	const q = `UPDATE processed_events SET processed = TRUE, processed_at = $2 WHERE event_id = $1`
	res, err := p.db.ExecContext(ctx, q, eventID, at.UTC())
	if err != nil {
		return fmt.Errorf("marking event %s processed: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)
