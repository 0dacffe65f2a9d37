package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteDate = "2006-01-02"

// sqliteNow is the current unix time in seconds, evaluated by SQLite.
const sqliteNow = `CAST(strftime('%s', 'now') AS INTEGER)`

// SQLite is the single-file Store used for local development and tests.
// Dates are stored as YYYY-MM-DD text and instants as unix seconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers, which makes every conditional
	// UPDATE trivially atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_profiles (
		id                       TEXT PRIMARY KEY,
		tier                     TEXT NOT NULL DEFAULT 'free',
		subscription_status      TEXT NOT NULL DEFAULT 'none',
		subscribed_until         INTEGER,
		external_subscription_id TEXT,
		billing_customer_id      TEXT UNIQUE,
		last_event_at            INTEGER,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_counters (
		user_id                 TEXT PRIMARY KEY REFERENCES user_profiles(id) ON DELETE CASCADE,
		plan_id                 TEXT NOT NULL,
		actions_used_this_month INTEGER NOT NULL DEFAULT 0 CHECK (actions_used_this_month >= 0),
		month_start             TEXT NOT NULL,
		posts_today             INTEGER NOT NULL DEFAULT 0 CHECK (posts_today >= 0),
		day_start               TEXT NOT NULL,
		queued_count            INTEGER NOT NULL DEFAULT 0 CHECK (queued_count >= 0),
		updated_at              INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS overflow_queue_items (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
		target_comment_id TEXT NOT NULL,
		payload_text      TEXT NOT NULL,
		video_id          TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		attempts          INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		locked_until      INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_overflow_user_status ON overflow_queue_items(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_overflow_status_created ON overflow_queue_items(status, created_at);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		payload      TEXT,
		processed    INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		processed_at INTEGER
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func sqliteDates(now time.Time) (day, month string) {
	d, m := periods(now)
	return d.Format(sqliteDate), m.Format(sqliteDate)
}

func fromUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// =============================================================================
// Usage counters
// =============================================================================

func scanSQLiteCounter(row interface{ Scan(...any) error }) (domain.UsageCounter, error) {
	var (
		c          domain.UsageCounter
		planID     string
		month, day string
	)
	if err := row.Scan(&c.UserID, &planID, &c.ActionsUsedThisMonth, &month, &c.PostsToday, &day, &c.QueuedCount); err != nil {
		return domain.UsageCounter{}, err
	}
	var err error
	if c.MonthStart, err = time.Parse(sqliteDate, month); err != nil {
		return domain.UsageCounter{}, fmt.Errorf("parsing month_start %q: %w", month, err)
	}
	if c.DayStart, err = time.Parse(sqliteDate, day); err != nil {
		return domain.UsageCounter{}, fmt.Errorf("parsing day_start %q: %w", day, err)
	}
	c.PlanID = domain.PlanID(planID)
	return c, nil
}

func (s *SQLite) EnsureCounter(ctx context.Context, userID uuid.UUID, planID domain.PlanID, now time.Time) (domain.UsageCounter, error) {
	day, month := sqliteDates(now)

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM user_profiles WHERE id = ?1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageCounter{}, ErrNotFound
	}
	if err != nil {
		return domain.UsageCounter{}, fmt.Errorf("checking profile %s: %w", userID, err)
	}

	insertQ := `
		INSERT INTO usage_counters (user_id, plan_id, month_start, day_start, updated_at)
		VALUES (?1, ?2, ?3, ?4, ` + sqliteNow + `)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insertQ, userID, string(planID), month, day); err != nil {
		return domain.UsageCounter{}, fmt.Errorf("creating usage counter for user %s: %w", userID, err)
	}

	rolloverQ := `
		UPDATE usage_counters
		SET posts_today = CASE WHEN day_start < ?2 THEN 0 ELSE posts_today END,
		    day_start = MAX(day_start, ?2),
		    actions_used_this_month = CASE WHEN month_start < ?3 THEN 0 ELSE actions_used_this_month END,
		    month_start = MAX(month_start, ?3),
		    plan_id = ?4,
		    updated_at = ` + sqliteNow + `
		WHERE user_id = ?1
		RETURNING ` + counterColumns
	c, err := scanSQLiteCounter(s.db.QueryRowContext(ctx, rolloverQ, userID, day, month, string(planID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UsageCounter{}, ErrNotFound
		}
		return domain.UsageCounter{}, fmt.Errorf("rolling over usage counter for user %s: %w", userID, err)
	}
	return c, nil
}

func (s *SQLite) ConsumeMonthly(ctx context.Context, userID uuid.UUID, limit int, now time.Time) (bool, error) {
	day, month := sqliteDates(now)

	q := `
		UPDATE usage_counters
		SET actions_used_this_month = CASE WHEN month_start < ?3 THEN 1 ELSE actions_used_this_month + 1 END,
		    month_start = MAX(month_start, ?3),
		    posts_today = CASE WHEN day_start < ?2 THEN 0 ELSE posts_today END,
		    day_start = MAX(day_start, ?2),
		    updated_at = ` + sqliteNow + `
		WHERE user_id = ?1
		  AND (CASE WHEN month_start < ?3 THEN 0 ELSE actions_used_this_month END) < ?4
	`
	res, err := s.db.ExecContext(ctx, q, userID, day, month, limit)
	if err != nil {
		return false, fmt.Errorf("consuming monthly action for user %s: %w", userID, err)
	}
	return s.consumed(ctx, res, userID)
}

func (s *SQLite) ConsumeDaily(ctx context.Context, userID uuid.UUID, dailyCap int, now time.Time) (bool, error) {
	day, month := sqliteDates(now)

	q := `
		UPDATE usage_counters
		SET posts_today = CASE WHEN day_start < ?2 THEN 1 ELSE posts_today + 1 END,
		    day_start = MAX(day_start, ?2),
		    actions_used_this_month = CASE WHEN month_start < ?3 THEN 0 ELSE actions_used_this_month END,
		    month_start = MAX(month_start, ?3),
		    updated_at = ` + sqliteNow + `
		WHERE user_id = ?1
		  AND (CASE WHEN day_start < ?2 THEN 0 ELSE posts_today END) < ?4
	`
	res, err := s.db.ExecContext(ctx, q, userID, day, month, dailyCap)
	if err != nil {
		return false, fmt.Errorf("consuming daily post for user %s: %w", userID, err)
	}
	return s.consumed(ctx, res, userID)
}

func (s *SQLite) consumed(ctx context.Context, res sql.Result, userID uuid.UUID) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading consume result for user %s: %w", userID, err)
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM usage_counters WHERE user_id = ?1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking usage counter for user %s: %w", userID, err)
	}
	return false, nil
}

func (s *SQLite) GetCounter(ctx context.Context, userID uuid.UUID) (domain.UsageCounter, error) {
	q := `SELECT ` + counterColumns + ` FROM usage_counters WHERE user_id = ?1`
	c, err := scanSQLiteCounter(s.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageCounter{}, ErrNotFound
	}
	if err != nil {
		return domain.UsageCounter{}, fmt.Errorf("fetching usage counter for user %s: %w", userID, err)
	}
	return c, nil
}

func (s *SQLite) SweepRollover(ctx context.Context, now time.Time) (int64, error) {
	day, month := sqliteDates(now)

	q := `
		UPDATE usage_counters
		SET posts_today = CASE WHEN day_start < ?1 THEN 0 ELSE posts_today END,
		    day_start = MAX(day_start, ?1),
		    actions_used_this_month = CASE WHEN month_start < ?2 THEN 0 ELSE actions_used_this_month END,
		    month_start = MAX(month_start, ?2),
		    updated_at = ` + sqliteNow + `
		WHERE day_start < ?1 OR month_start < ?2
	`
	res, err := s.db.ExecContext(ctx, q, day, month)
	if err != nil {
		return 0, fmt.Errorf("sweeping usage counters: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// Overflow queue
// =============================================================================

func scanSQLiteItem(row interface{ Scan(...any) error }) (domain.OverflowQueueItem, error) {
	var (
		it        domain.OverflowQueueItem
		status    string
		createdAt int64
	)
	err := row.Scan(&it.ID, &it.UserID, &it.TargetCommentID, &it.PayloadText, &it.VideoID, &status, &it.Attempts, &it.LastError, &createdAt)
	if err != nil {
		return domain.OverflowQueueItem{}, err
	}
	it.Status = domain.OverflowStatus(status)
	it.CreatedAt = time.Unix(createdAt, 0).UTC()
	return it, nil
}

func collectSQLiteItems(rows *sql.Rows) ([]domain.OverflowQueueItem, error) {
	defer rows.Close()
	var items []domain.OverflowQueueItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLite) EnqueueOverflow(ctx context.Context, item domain.OverflowQueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for enqueue: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const insertQ = `
		INSERT INTO overflow_queue_items (id, user_id, target_comment_id, payload_text, video_id, status, attempts, created_at, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, 'pending', 0, ?6, ?6)
	`
	createdAt := item.CreatedAt.Unix()
	if _, err := tx.ExecContext(ctx, insertQ, item.ID, item.UserID, item.TargetCommentID, item.PayloadText, item.VideoID, createdAt); err != nil {
		return fmt.Errorf("inserting overflow item for user %s: %w", item.UserID, err)
	}

	bumpQ := `UPDATE usage_counters SET queued_count = queued_count + 1, updated_at = ` + sqliteNow + ` WHERE user_id = ?1`
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

func (s *SQLite) ListPending(ctx context.Context, userID *uuid.UUID, limit int) ([]domain.OverflowQueueItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if userID != nil {
		q := `SELECT ` + itemColumns + ` FROM overflow_queue_items
		      WHERE user_id = ?1 AND status = 'pending' ORDER BY created_at, rowid LIMIT ?2`
		rows, err = s.db.QueryContext(ctx, q, *userID, limit)
	} else {
		q := `SELECT ` + itemColumns + ` FROM overflow_queue_items
		      WHERE status = 'pending' ORDER BY created_at, rowid LIMIT ?1`
		rows, err = s.db.QueryContext(ctx, q, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing pending overflow items: %w", err)
	}
	items, err := collectSQLiteItems(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning pending overflow items: %w", err)
	}
	return items, nil
}

func (s *SQLite) ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OverflowQueueItem, error) {
	q := `
		UPDATE overflow_queue_items
		SET locked_until = ?2, updated_at = ` + sqliteNow + `
		WHERE id IN (
			SELECT id FROM overflow_queue_items
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until <= ?1)
			ORDER BY created_at, rowid
			LIMIT ?3
		)
		RETURNING ` + itemColumns
	rows, err := s.db.QueryContext(ctx, q, now.Unix(), now.Add(lease).Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming overflow items: %w", err)
	}
	items, err := collectSQLiteItems(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning claimed overflow items: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *SQLite) RecordAttempt(ctx context.Context, itemID uuid.UUID, message string, retryAt time.Time) error {
	q := `
		UPDATE overflow_queue_items
		SET attempts = attempts + 1, last_error = ?2, locked_until = ?3, updated_at = ` + sqliteNow + `
		WHERE id = ?1 AND status = 'pending'
	`
	res, err := s.db.ExecContext(ctx, q, itemID, message, retryAt.Unix())
	if err != nil {
		return fmt.Errorf("recording attempt for overflow item %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sqliteItemExists(ctx, s.db, itemID)
	}
	return nil
}

func (s *SQLite) Release(ctx context.Context, itemID uuid.UUID, until time.Time) error {
	q := `
		UPDATE overflow_queue_items
		SET locked_until = ?2, updated_at = ` + sqliteNow + `
		WHERE id = ?1 AND status = 'pending'
	`
	res, err := s.db.ExecContext(ctx, q, itemID, until.Unix())
	if err != nil {
		return fmt.Errorf("releasing overflow item %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sqliteItemExists(ctx, s.db, itemID)
	}
	return nil
}

func (s *SQLite) MarkPosted(ctx context.Context, itemID uuid.UUID) error {
	q := `
		UPDATE overflow_queue_items
		SET status = 'posted', locked_until = NULL, updated_at = ` + sqliteNow + `
		WHERE id = ?1 AND status = 'pending'
		RETURNING user_id
	`
	return s.finishItem(ctx, itemID, q, itemID)
}

func (s *SQLite) MarkFailed(ctx context.Context, itemID uuid.UUID, attemptIncrement int, message string) error {
	q := `
		UPDATE overflow_queue_items
		SET status = 'failed', attempts = attempts + ?2, last_error = ?3, locked_until = NULL, updated_at = ` + sqliteNow + `
		WHERE id = ?1 AND status = 'pending'
		RETURNING user_id
	`
	return s.finishItem(ctx, itemID, q, itemID, attemptIncrement, message)
}

func (s *SQLite) finishItem(ctx context.Context, itemID uuid.UUID, q string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for overflow item %s: %w", itemID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var userID uuid.UUID
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The only connection belongs to tx until it ends.
			return sqliteItemExists(ctx, tx, itemID)
		}
		return fmt.Errorf("updating overflow item %s: %w", itemID, err)
	}

	releaseQ := `
		UPDATE usage_counters SET queued_count = queued_count - 1, updated_at = ` + sqliteNow + `
		WHERE user_id = ?1 AND queued_count > 0
	`
	if _, err := tx.ExecContext(ctx, releaseQ, userID); err != nil {
		return fmt.Errorf("decrementing queued count for user %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing overflow item %s: %w", itemID, err)
	}
	return nil
}

func sqliteItemExists(ctx context.Context, q queryer, itemID uuid.UUID) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM overflow_queue_items WHERE id = ?1`, itemID).Scan(&one)
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

func scanSQLiteProfile(row interface{ Scan(...any) error }) (domain.SubscriptionRecord, error) {
	var (
		rec               domain.SubscriptionRecord
		tier, status      string
		until, lastEvent  sql.NullInt64
		subID, customerID sql.NullString
	)
	if err := row.Scan(&rec.UserID, &tier, &status, &until, &subID, &customerID, &lastEvent); err != nil {
		return domain.SubscriptionRecord{}, err
	}
	rec.Tier = domain.SubscriptionTier(tier)
	rec.Status = domain.SubscriptionStatus(status)
	rec.SubscribedUntil = fromUnix(until)
	rec.LastEventAt = fromUnix(lastEvent)
	rec.ExternalSubscriptionID = subID.String
	rec.BillingCustomerID = customerID.String
	return rec, nil
}

func (s *SQLite) CreateProfile(ctx context.Context, userID uuid.UUID) error {
	q := `
		INSERT INTO user_profiles (id, created_at, updated_at)
		VALUES (?1, ` + sqliteNow + `, ` + sqliteNow + `)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, q, userID); err != nil {
		return fmt.Errorf("creating profile %s: %w", userID, err)
	}
	return nil
}

func (s *SQLite) GetSubscription(ctx context.Context, userID uuid.UUID) (domain.SubscriptionRecord, error) {
	q := `SELECT ` + profileColumns + ` FROM user_profiles WHERE id = ?1`
	rec, err := scanSQLiteProfile(s.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubscriptionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("fetching subscription for user %s: %w", userID, err)
	}
	return rec, nil
}

func (s *SQLite) GetSubscriptionByCustomer(ctx context.Context, customerID string) (domain.SubscriptionRecord, error) {
	q := `SELECT ` + profileColumns + ` FROM user_profiles WHERE billing_customer_id = ?1`
	rec, err := scanSQLiteProfile(s.db.QueryRowContext(ctx, q, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubscriptionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("fetching subscription for customer %s: %w", customerID, err)
	}
	return rec, nil
}

func (s *SQLite) LinkBillingCustomer(ctx context.Context, userID uuid.UUID, customerID string) (bool, error) {
	q := `
		UPDATE user_profiles SET billing_customer_id = ?2, updated_at = ` + sqliteNow + `
		WHERE id = ?1 AND billing_customer_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM user_profiles WHERE billing_customer_id = ?2)
	`
	res, err := s.db.ExecContext(ctx, q, userID, customerID)
	if err != nil {
		return false, fmt.Errorf("linking customer %s to user %s: %w", customerID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading link result for user %s: %w", userID, err)
	}
	return n == 1, nil
}

func (s *SQLite) ApplySubscriptionUpdate(ctx context.Context, upd domain.SubscriptionUpdate) (bool, error) {
	q := `
		UPDATE user_profiles
		SET subscription_status = ?2,
		    tier = ?3,
		    subscribed_until = COALESCE(?4, subscribed_until),
		    external_subscription_id = ?5,
		    last_event_at = COALESCE(?6, last_event_at),
		    updated_at = ` + sqliteNow + `
		WHERE id = ?1
		  AND NOT (subscribed_until IS NOT NULL AND ?4 IS NOT NULL AND subscribed_until > ?4)
		  AND NOT (last_event_at IS NOT NULL AND ?6 IS NOT NULL AND last_event_at > ?6
		           AND (?4 IS NULL OR subscribed_until = ?4))
		  AND NOT (subscription_status = 'canceled' AND external_subscription_id IS NOT NULL AND external_subscription_id = ?5)
		  AND NOT (?2 = 'canceled' AND COALESCE(external_subscription_id, '') <> '' AND external_subscription_id <> ?5)
	`
	res, err := s.db.ExecContext(ctx, q, upd.UserID, string(upd.Status), string(upd.Tier),
		toUnix(upd.PeriodEnd), upd.SubscriptionID, toUnix(upd.OccurredAt))
	if err != nil {
		return false, fmt.Errorf("applying subscription update for user %s: %w", upd.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading subscription update result for user %s: %w", upd.UserID, err)
	}
	return n == 1, nil
}

func (s *SQLite) ApplyCancellation(ctx context.Context, c domain.SubscriptionCancellation) (bool, error) {
	q := `
		UPDATE user_profiles
		SET subscription_status = 'canceled',
		    tier = 'free',
		    subscribed_until = NULL,
		    last_event_at = COALESCE(?3, last_event_at),
		    updated_at = ` + sqliteNow + `
		WHERE id = ?1 AND external_subscription_id = ?2
	`
	res, err := s.db.ExecContext(ctx, q, c.UserID, c.SubscriptionID, toUnix(c.OccurredAt))
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

func (s *SQLite) InsertEvent(ctx context.Context, ev domain.ProcessedEvent) error {
	const q = `
		INSERT INTO processed_events (event_id, type, payload, processed, created_at)
		VALUES (?1, ?2, ?3, 0, ?4)
		ON CONFLICT (event_id) DO NOTHING
	`
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, q, ev.EventID, ev.Type, payload, ev.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting processed event %s: %w", ev.EventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (s *SQLite) GetEvent(ctx context.Context, eventID string) (domain.ProcessedEvent, error) {
	const q = `
		SELECT event_id, type, COALESCE(payload, ''), processed, created_at, processed_at
		FROM processed_events WHERE event_id = ?1
	`
	var (
		ev          domain.ProcessedEvent
		payload     string
		createdAt   int64
		processedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q, eventID).Scan(&ev.EventID, &ev.Type, &payload, &ev.Processed, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedEvent{}, ErrNotFound
	}
	if err != nil {
		return domain.ProcessedEvent{}, fmt.Errorf("fetching processed event %s: %w", eventID, err)
	}
	if payload != "" {
		ev.Payload = []byte(payload)
	}
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	ev.ProcessedAt = fromUnix(processedAt)
	return ev, nil
}

func (s *SQLite) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	const q = `UPDATE processed_events SET processed = 1, processed_at = ?2 WHERE event_id = ?1`
	res, err := s.db.ExecContext(ctx, q, eventID, at.Unix())
	if err != nil {
		return fmt.Errorf("marking event %s processed: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
