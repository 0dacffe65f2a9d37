// Package service contains the business logic layer.
//
// This file implements the entitlement decision service: whether a user may
// perform a metered action now, later, or not at all.
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

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// =============================================================================
// Interface Definition
// =============================================================================

// DecideParams describes one metered action request.
type DecideParams struct {
	UserID uuid.UUID
	Action domain.ActionKind

	// PostNow signals the action also publishes externally and must pass
	// the daily post cap. Post is required when it is set.
	PostNow bool
	Post    *domain.PostPayload

	// Now is the caller's clock. Zero means the service clock.
	Now time.Time
}

// EntitlementService decides metered actions and exposes the overflow
// queue contract to the drain worker.
type EntitlementService interface {
	// Decide checks and consumes the user's allowance for one action.
	// Policy outcomes are returned as a Decision; errors are reserved for
	// invalid input and infrastructure failures.
	Decide(ctx context.Context, params DecideParams) (domain.Decision, error)

	// GetUsageSnapshot returns the user's current usage against their plan.
	GetUsageSnapshot(ctx context.Context, userID uuid.UUID) (*domain.UsageSnapshot, error)

	// ListPending returns pending overflow items oldest first.
	ListPending(ctx context.Context, userID *uuid.UUID, limit int) ([]domain.OverflowQueueItem, error)

	// MarkPosted records a deferred post as published.
	MarkPosted(ctx context.Context, itemID uuid.UUID) error

	// MarkFailed gives up on a deferred post.
	MarkFailed(ctx context.Context, itemID uuid.UUID, attemptIncrement int, message string) error
}

// =============================================================================
// Implementation
// =============================================================================

type entitlementService struct {
	store   repository.Store
	catalog *domain.PlanCatalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewEntitlementService creates a new EntitlementService.
func NewEntitlementService(store repository.Store, catalog *domain.PlanCatalog, logger *slog.Logger) EntitlementService {
	return &entitlementService{
		store:   store,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// Decide implements the decision algorithm. The monthly check always runs
// before the daily check so a deferred item is never left behind for an
// action that ends up blocked.
func (s *entitlementService) Decide(ctx context.Context, params DecideParams) (domain.Decision, error) {
	const op = "entitlement.decide"

	if err := validateDecideParams(params); err != nil {
		return domain.Decision{}, err
	}

	start := time.Now()
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}

	decision, err := s.decide(ctx, op, params, now)
	if err != nil {
		return domain.Decision{}, err
	}

	metrics.Decision(string(params.Action), string(decision.Plan), string(decision.Outcome), time.Since(start))
	return decision, nil
}

func (s *entitlementService) decide(ctx context.Context, op string, params DecideParams, now time.Time) (domain.Decision, error) {
	userID := params.UserID

	plan, blocked, err := s.resolvePlan(ctx, op, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	if blocked != "" {
		return s.block(userID, blocked), nil
	}

	if _, err := s.store.EnsureCounter(ctx, userID, plan.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.block(userID, domain.ReasonUserNotFound), nil
		}
		return domain.Decision{}, domain.Internal(err, op, "failed to load usage counter")
	}

	if params.Action.ConsumesMonthly() && !plan.Unlimited() {
		limit := *plan.MonthlyActionLimit
		ok, err := s.store.ConsumeMonthly(ctx, userID, limit, now)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return s.block(userID, domain.ReasonUserNotFound), nil
			}
			return domain.Decision{}, domain.Internal(err, op, "failed to consume monthly allowance")
		}
		if !ok {
			s.logger.Info("monthly limit reached",
				"user_id", userID,
				"plan", plan.ID,
				"limit", limit,
			)
			return domain.BlockMonthly(plan.ID, limit, upgradeFor(plan.ID)), nil
		}
	}

	if !params.PostNow {
		return domain.Allow(plan.ID), nil
	}

	ok, err := s.store.ConsumeDaily(ctx, userID, plan.DailyPostCap, now)
	if err != nil {
		return domain.Decision{}, domain.Internal(err, op, "failed to consume daily post cap")
	}
	if ok {
		return domain.Allow(plan.ID), nil
	}

	item := domain.NewOverflowQueueItem(userID, *params.Post, now)
	if err := s.store.EnqueueOverflow(ctx, item); err != nil {
		return domain.Decision{}, domain.Internal(err, op, "failed to enqueue deferred post")
	}
	metrics.OverflowEnqueued.Inc()

	s.logger.Info("daily post cap reached, post deferred",
		"user_id", userID,
		"plan", plan.ID,
		"daily_cap", plan.DailyPostCap,
		"item_id", item.ID,
	)
	return domain.Defer(plan.ID, plan.DailyPostCap, item.ID), nil
}

// resolvePlan returns the user's plan, or the reason the user is blocked outright.
func (s *entitlementService) resolvePlan(ctx context.Context, op string, userID uuid.UUID) (domain.Plan, string, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Plan{}, domain.ReasonUserNotFound, nil
		}
		return domain.Plan{}, "", domain.Internal(err, op, "failed to load subscription")
	}

	plan, ok := s.catalog.ForTier(sub.Tier)
	if !ok {
		s.logger.Error("no plan for subscription tier", "user_id", userID, "tier", sub.Tier)
		return domain.Plan{}, domain.ReasonUnknownPlan, nil
	}
	return plan, "", nil
}

func (s *entitlementService) block(userID uuid.UUID, reason string) domain.Decision {
	s.logger.Info("action blocked", "user_id", userID, "reason", reason)
	return domain.Block(reason)
}

// upgradeFor names the plan a blocked user can move to, if any.
func upgradeFor(id domain.PlanID) domain.PlanID {
	if id == domain.PlanPro {
		return ""
	}
	return domain.PlanPro
}

func validateDecideParams(params DecideParams) error {
	const op = "entitlement.decide"

	if params.UserID == uuid.Nil {
		return domain.Invalid(op, "user id is required")
	}
	if !params.Action.Valid() {
		return domain.Errorf(domain.EINVALID, op, "unknown action %q", params.Action)
	}
	if params.PostNow && params.Post == nil {
		return domain.Invalid(op, "post payload is required when posting now")
	}
	return nil
}

// GetUsageSnapshot returns the user's current usage. The stored counter is
// rolled over in memory only, so a user idle since last month sees a fresh
// counter and the read never writes.
func (s *entitlementService) GetUsageSnapshot(ctx context.Context, userID uuid.UUID) (*domain.UsageSnapshot, error) {
	const op = "entitlement.get_usage_snapshot"

	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFound(op, "user", userID.String())
		}
		return nil, domain.Internal(err, op, "failed to load subscription")
	}

	plan, ok := s.catalog.ForTier(sub.Tier)
	if !ok {
		return nil, domain.Errorf(domain.EINTERNAL, op, "no plan configured for tier %q", sub.Tier)
	}

	now := s.now()
	counter, err := s.store.GetCounter(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		counter = domain.NewUsageCounter(userID, plan.ID, now)
	case err != nil:
		return nil, domain.Internal(err, op, "failed to load usage counter")
	default:
		counter.Rollover(now)
	}

	snapshot := domain.NewUsageSnapshot(counter, plan)
	return &snapshot, nil
}

func (s *entitlementService) ListPending(ctx context.Context, userID *uuid.UUID, limit int) ([]domain.OverflowQueueItem, error) {
	const op = "entitlement.list_pending"

	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	items, err := s.store.ListPending(ctx, userID, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list pending items")
	}
	if items == nil {
		items = []domain.OverflowQueueItem{}
	}
	return items, nil
}

func (s *entitlementService) MarkPosted(ctx context.Context, itemID uuid.UUID) error {
	const op = "entitlement.mark_posted"

	if err := s.store.MarkPosted(ctx, itemID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFound(op, "overflow item", itemID.String())
		}
		return domain.Internal(err, op, "failed to mark item posted")
	}
	metrics.OverflowItemsTotal.WithLabelValues(string(domain.OverflowStatusPosted)).Inc()
	return nil
}

func (s *entitlementService) MarkFailed(ctx context.Context, itemID uuid.UUID, attemptIncrement int, message string) error {
	const op = "entitlement.mark_failed"

	if attemptIncrement < 0 {
		return domain.Invalid(op, "attempt increment must not be negative")
	}

	if err := s.store.MarkFailed(ctx, itemID, attemptIncrement, message); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFound(op, "overflow item", itemID.String())
		}
		return domain.Internal(err, op, "failed to mark item failed")
	}
	metrics.OverflowFailed()
	return nil
}
