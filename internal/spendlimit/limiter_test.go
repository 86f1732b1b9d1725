package spendlimit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/spendlimit"
)

func d(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

func TestCheck_WithinLimits(t *testing.T) {
	l := spendlimit.NewLimiter(d(500), d(2000))

	if err := l.Check(d(500), d(1500)); err != nil {
		t.Errorf("Check at exactly both limits = %v, want nil", err)
	}
	if err := l.Check(d(100), decimal.Zero); err != nil {
		t.Errorf("Check well under limits = %v, want nil", err)
	}
}

func TestCheck_PerDrawExceeded(t *testing.T) {
	l := spendlimit.NewLimiter(d(500), d(2000))

	err := l.Check(d(501), decimal.Zero)
	if !errors.Is(err, spendlimit.ErrPerDrawLimitExceeded) {
		t.Errorf("Check = %v, want ErrPerDrawLimitExceeded", err)
	}
}

func TestCheck_WeeklyExceeded(t *testing.T) {
	l := spendlimit.NewLimiter(d(500), d(2000))

	err := l.Check(d(500), d(1501))
	if !errors.Is(err, spendlimit.ErrWeeklyLimitExceeded) {
		t.Errorf("Check = %v, want ErrWeeklyLimitExceeded", err)
	}
}

func TestCheck_ZeroLimitDisables(t *testing.T) {
	l := spendlimit.NewLimiter(decimal.Zero, decimal.Zero)

	if err := l.Check(d(1000000), d(1000000)); err != nil {
		t.Errorf("Check with disabled limits = %v, want nil", err)
	}
}

func TestWeekStart(t *testing.T) {
	tests := []struct {
		now  string
		want string
	}{
		{"2026-08-24T00:00:00Z", "2026-08-24"}, // Monday
		{"2026-08-26T15:04:05Z", "2026-08-24"}, // Wednesday
		{"2026-08-30T23:59:59Z", "2026-08-24"}, // Sunday
		{"2026-08-31T00:00:00Z", "2026-08-31"}, // next Monday
	}

	for _, tt := range tests {
		now, err := time.Parse(time.RFC3339, tt.now)
		if err != nil {
			t.Fatalf("bad test time %q: %v", tt.now, err)
		}
		if got := spendlimit.WeekStart(now); got != tt.want {
			t.Errorf("WeekStart(%s) = %s, want %s", tt.now, got, tt.want)
		}
	}
}
