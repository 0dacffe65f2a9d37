package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	s, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "replyflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCatalog(t *testing.T, freeMonthly, freeDaily, proDaily int) *domain.PlanCatalog {
	t.Helper()
	c, err := domain.NewPlanCatalog(
		domain.Plan{ID: domain.PlanFree, MonthlyActionLimit: domain.Limit(freeMonthly), DailyPostCap: freeDaily},
		domain.Plan{ID: domain.PlanPro, DailyPostCap: proDaily},
	)
	require.NoError(t, err)
	return c
}

func createUser(t *testing.T, store repository.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, store.CreateProfile(context.Background(), id))
	return id
}

func makePro(t *testing.T, store repository.Store, userID uuid.UUID) {
	t.Helper()
	periodEnd := testNow.AddDate(0, 1, 0)
	applied, err := store.ApplySubscriptionUpdate(context.Background(), domain.SubscriptionUpdate{
		UserID:         userID,
		SubscriptionID: "sub_" + userID.String(),
		Status:         domain.SubscriptionStatusActive,
		Tier:           domain.SubscriptionTierPro,
		PeriodEnd:      &periodEnd,
	})
	require.NoError(t, err)
	require.True(t, applied)
}
