// Package domain contains core business types and interfaces.
//
// This file defines the per-user usage counter and its calendar rollover rules.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies a metered action.
type ActionKind string

const (
	// ActionGenerate produces a reply and consumes the monthly allowance.
	ActionGenerate ActionKind = "generate"
	// ActionPost publishes an already generated reply. It only touches the daily post cap.
	ActionPost ActionKind = "post"
)

// Valid reports whether the action kind is known.
func (a ActionKind) Valid() bool {
	return a == ActionGenerate || a == ActionPost
}

// ConsumesMonthly reports whether the action counts against the monthly allowance.
func (a ActionKind) ConsumesMonthly() bool {
	return a == ActionGenerate
}

// UsageCounter tracks a user's consumption within the current day and month.
//
// MonthStart is always the first day of a month and DayStart a calendar day,
// both as UTC midnight. Counters are only mutated through rollover and the
// store's atomic consume operations.
type UsageCounter struct {
	UserID               uuid.UUID
	PlanID               PlanID
	ActionsUsedThisMonth int
	MonthStart           time.Time
	PostsToday           int
	DayStart             time.Time
	QueuedCount          int
}

// DayStart returns the UTC calendar day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of the UTC calendar month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NewUsageCounter returns a fresh counter for the period containing now.
func NewUsageCounter(userID uuid.UUID, planID PlanID, now time.Time) UsageCounter {
	return UsageCounter{
		UserID:     userID,
		PlanID:     planID,
		MonthStart: MonthStart(now),
		DayStart:   DayStart(now),
	}
}

// Rollover resets whichever periods are stale relative to now and reports
// whether anything changed. The day and month resets are independent.
//
// Periods only move forward: a caller whose clock is behind the stored period
// leaves the counter untouched. Applying Rollover twice with the same now is a no-op.
func (c *UsageCounter) Rollover(now time.Time) bool {
	changed := false

	if today := DayStart(now); c.DayStart.Before(today) {
		c.PostsToday = 0
		c.DayStart = today
		changed = true
	}
	if month := MonthStart(now); c.MonthStart.Before(month) {
		c.ActionsUsedThisMonth = 0
		c.MonthStart = month
		changed = true
	}

	return changed
}

// NextDailyReset is the instant the daily post counter rolls over.
func (c UsageCounter) NextDailyReset() time.Time {
	return c.DayStart.AddDate(0, 0, 1)
}

// NextMonthlyReset is the instant the monthly action counter rolls over.
func (c UsageCounter) NextMonthlyReset() time.Time {
	return c.MonthStart.AddDate(0, 1, 0)
}

// UsageSnapshot is the user-facing view of a counter against its plan.
type UsageSnapshot struct {
	UserID           uuid.UUID `json:"user_id"`
	Plan             PlanID    `json:"plan"`
	MonthlyUsed      int       `json:"monthly_used"`
	MonthlyLimit     *int      `json:"monthly_limit"` // nil when unlimited
	DailyPosted      int       `json:"daily_posted"`
	DailyCap         int       `json:"daily_cap"`
	Queued           int       `json:"queued"`
	NextMonthlyReset time.Time `json:"next_monthly_reset"`
	NextDailyReset   time.Time `json:"next_daily_reset"`
}

// NewUsageSnapshot combines a current counter with the plan that applies to it.
func NewUsageSnapshot(c UsageCounter, plan Plan) UsageSnapshot {
	return UsageSnapshot{
		UserID:           c.UserID,
		Plan:             plan.ID,
		MonthlyUsed:      c.ActionsUsedThisMonth,
		MonthlyLimit:     plan.MonthlyActionLimit,
		DailyPosted:      c.PostsToday,
		DailyCap:         plan.DailyPostCap,
		Queued:           c.QueuedCount,
		NextMonthlyReset: c.NextMonthlyReset(),
		NextDailyReset:   c.NextDailyReset(),
	}
}
