// Package service contains the business logic layer.
//
// This file implements the scheduled usage sweep. Rollover is applied lazily
// on every counter access, so the sweep only keeps idle counters fresh for
// reporting; nothing depends on it running on time.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/replyflow/internal/metrics"
	"github.com/DukeRupert/replyflow/internal/repository"
	"github.com/robfig/cron/v3"
)

// UsageSweeper rolls over stale usage counters on a cron schedule.
type UsageSweeper struct {
	store   repository.CounterStore
	logger  *slog.Logger
	cron    *cron.Cron
	timeout time.Duration
	now     func() time.Time
}

// NewUsageSweeper schedules the sweep. The schedule is a standard five-field
// cron spec evaluated in UTC, matching the calendar used for rollover.
func NewUsageSweeper(store repository.CounterStore, schedule string, logger *slog.Logger) (*UsageSweeper, error) {
	s := &UsageSweeper{
		store:   store,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		timeout: 10 * time.Minute,
		now:     time.Now,
	}

	if _, err := s.cron.AddFunc(schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid usage sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *UsageSweeper) Start() {
	s.cron.Start()
	s.logger.Info("usage sweeper started")
}

// Stop halts the schedule and returns a context that is done once any
// running sweep has finished.
func (s *UsageSweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *UsageSweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("usage sweep failed", "error", err)
	}
}

// Sweep rolls over every stale counter once and returns how many changed.
func (s *UsageSweeper) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()

	n, err := s.store.SweepRollover(ctx, s.now())
	if err != nil {
		return 0, err
	}

	metrics.CountersSwept.Add(float64(n))
	s.logger.Info("usage sweep completed",
		"counters", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}
