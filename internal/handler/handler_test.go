package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/service"
	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Fakes
// =============================================================================

type fakeEntitlements struct {
	mu sync.Mutex

	decision domain.Decision
	snapshot *domain.UsageSnapshot
	items    []domain.OverflowQueueItem
	err      error

	decideParams []service.DecideParams
	listUser     *uuid.UUID
	listLimit    int
	posted       []uuid.UUID
	failed       []uuid.UUID
	failedInc    int
	failedMsg    string
}

func (f *fakeEntitlements) Decide(_ context.Context, params service.DecideParams) (domain.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decideParams = append(f.decideParams, params)
	return f.decision, f.err
}

func (f *fakeEntitlements) GetUsageSnapshot(_ context.Context, _ uuid.UUID) (*domain.UsageSnapshot, error) {
	return f.snapshot, f.err
}

func (f *fakeEntitlements) ListPending(_ context.Context, userID *uuid.UUID, limit int) ([]domain.OverflowQueueItem, error) {
	f.listUser, f.listLimit = userID, limit
	return f.items, f.err
}

func (f *fakeEntitlements) MarkPosted(_ context.Context, itemID uuid.UUID) error {
	f.posted = append(f.posted, itemID)
	return f.err
}

func (f *fakeEntitlements) MarkFailed(_ context.Context, itemID uuid.UUID, attemptIncrement int, message string) error {
	f.failed = append(f.failed, itemID)
	f.failedInc, f.failedMsg = attemptIncrement, message
	return f.err
}

type fakeReconciler struct {
	outcome service.ReconcileOutcome
	err     error
	events  []domain.BillingEvent
}

func (f *fakeReconciler) Reconcile(_ context.Context, ev domain.BillingEvent) (service.ReconcileOutcome, error) {
	f.events = append(f.events, ev)
	return f.outcome, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }
