// Package worker drains the overflow queue: posts that were entitled under the
// monthly limit but deferred because the user's daily post cap was spent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/metrics"
	"github.com/DukeRupert/replyflow/internal/repository"
	"github.com/google/uuid"
)

// Store is the slice of the repository the worker needs.
type Store interface {
	ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OverflowQueueItem, error)
	RecordAttempt(ctx context.Context, itemID uuid.UUID, message string, retryAt time.Time) error
	Release(ctx context.Context, itemID uuid.UUID, until time.Time) error
	MarkPosted(ctx context.Context, itemID uuid.UUID) error
	MarkFailed(ctx context.Context, itemID uuid.UUID, attemptIncrement int, message string) error
	GetSubscription(ctx context.Context, userID uuid.UUID) (domain.SubscriptionRecord, error)
	ConsumeDaily(ctx context.Context, userID uuid.UUID, dailyCap int, now time.Time) (bool, error)
}

// Worker claims pending overflow items and posts them within each user's
// daily post cap.
type Worker struct {
	store   Store
	catalog *domain.PlanCatalog
	poster  Poster
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	// Synchronization
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(store Store, catalog *domain.PlanCatalog, poster Poster, config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if poster == nil {
		return nil, errors.New("poster is required")
	}

	return &Worker{
		store:   store,
		catalog: catalog,
		poster:  poster,
		config:  config,
		logger:  logger.With("component", "overflow_worker"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the configured number of polling goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}

	w.logger.Info("worker started",
		"concurrency", w.config.Concurrency,
		"poster", w.poster.Name(),
		"poll_interval", w.config.PollInterval,
	)
}

// Stop signals all goroutines to stop and waits up to ShutdownTimeout for
// in-flight posts. Items still leased when it returns are picked up again
// once their lease expires.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("worker shutdown timeout exceeded, some posts may still be running")
	}
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				logger.Error("failed to drain overflow queue", "error", err)
			}
		}
	}
}

// RunOnce claims one batch and processes it, returning how many items it
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.store.ClaimPending(ctx, w.config.BatchSize, w.now(), w.config.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, item)
	}
	return len(items), nil
}

// process takes one claimed item to its next state. Errors are logged, not
// returned: an item left as is becomes claimable again when its lease ends.
func (w *Worker) process(ctx context.Context, item domain.OverflowQueueItem) {
	log := w.logger.With("item_id", item.ID, "user_id", item.UserID, "attempt", item.Attempts+1)

	sub, err := w.store.GetSubscription(ctx, item.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		w.fail(ctx, log, item, 0, "user not found")
		return
	}
	if err != nil {
		log.Error("failed to load subscription", "error", err)
		return
	}

	plan, ok := w.catalog.ForTier(sub.Tier)
	if !ok {
		log.Error("no plan configured for tier", "tier", sub.Tier)
		return
	}

	// Deferred posts spend the same daily allowance as direct ones.
	now := w.now()
	allowed, err := w.store.ConsumeDaily(ctx, item.UserID, plan.DailyPostCap, now)
	if err != nil {
		log.Error("failed to consume daily post allowance", "error", err)
		return
	}
	if !allowed {
		until := domain.DayStart(now).AddDate(0, 0, 1)
		if err := w.store.Release(ctx, item.ID, until); err != nil {
			log.Error("failed to hold item until tomorrow", "error", err)
			return
		}
		log.Debug("daily post cap reached, holding item", "until", until)
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, w.config.PostTimeout)
	start := time.Now()
	err = w.poster.Post(postCtx, item)
	cancel()

	if err == nil {
		if err := w.store.MarkPosted(ctx, item.ID); err != nil {
			log.Error("posted but failed to mark item posted", "error", err)
			return
		}
		metrics.OverflowPosted(time.Since(start))
		log.Info("deferred post published", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	if IsPermanent(err) || item.Attempts+1 >= w.config.MaxAttempts {
		w.fail(ctx, log, item, 1, err.Error())
		return
	}

	retryAt := w.now().Add(w.config.backoff(item.Attempts))
	if rerr := w.store.RecordAttempt(ctx, item.ID, err.Error(), retryAt); rerr != nil {
		log.Error("failed to record attempt", "error", rerr, "post_error", err)
		return
	}
	metrics.OverflowRetried()
	log.Warn("deferred post failed, will retry", "error", err, "retry_at", retryAt)
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, item domain.OverflowQueueItem, attemptIncrement int, reason string) {
	if err := w.store.MarkFailed(ctx, item.ID, attemptIncrement, reason); err != nil {
		log.Error("failed to mark item failed", "error", err, "reason", reason)
		return
	}
	metrics.OverflowFailed()
	log.Warn("deferred post given up", "reason", reason)
}
