// Package spendlimit enforces pack-purchase spending limits: a cap on a
// single draw request and a rolling weekly cap per user. Weeks start on
// Monday UTC; the per-account running total resets lazily when the week
// rolls over.
package spendlimit

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerDrawLimitExceeded is returned when a single draw request costs
	// more than the per-draw maximum.
	ErrPerDrawLimitExceeded = errors.New("spendlimit: per-draw spend limit exceeded")

	// ErrWeeklyLimitExceeded is returned when a draw would push the user's
	// weekly pack spend beyond the weekly maximum.
	ErrWeeklyLimitExceeded = errors.New("spendlimit: weekly spend limit exceeded")
)

// Limiter enforces per-draw and weekly point-spend limits. A zero limit
// disables the corresponding check.
type Limiter struct {
	// MaxPerDraw is the maximum cost of one draw request.
	MaxPerDraw decimal.Decimal

	// MaxPerWeek is the maximum aggregate pack spend in one Monday-based
	// week.
	MaxPerWeek decimal.Decimal
}

// NewLimiter creates a limiter with the given per-draw and weekly caps.
func NewLimiter(maxPerDraw, maxPerWeek decimal.Decimal) *Limiter {
	return &Limiter{MaxPerDraw: maxPerDraw, MaxPerWeek: maxPerWeek}
}

// Check validates a draw costing total points for a user who has already
// spent weekSpent this week.
func (l *Limiter) Check(total, weekSpent decimal.Decimal) error {
	if l.MaxPerDraw.IsPositive() && total.GreaterThan(l.MaxPerDraw) {
		return ErrPerDrawLimitExceeded
	}
	if l.MaxPerWeek.IsPositive() && weekSpent.Add(total).GreaterThan(l.MaxPerWeek) {
		return ErrWeeklyLimitExceeded
	}
	return nil
}

// WeekStart returns the Monday of now's week in UTC, formatted YYYY-MM-DD.
// Accounts store this key alongside the running weekly spend so a stale
// total from a previous week is discarded instead of carried over.
func WeekStart(now time.Time) string {
	now = now.UTC()
	offset := (int(now.Weekday()) + 6) % 7
	monday := now.AddDate(0, 0, -offset)
	return monday.Format("2006-01-02")
}
