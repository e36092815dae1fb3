// Package scheduler fires quota period resets at UTC day and month
// boundaries. The ledger owns no timers; this is the only clock-driven
// caller of OnPeriodElapsed.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/quota"
)

// Ledger is the reset surface the scheduler drives.
type Ledger interface {
	OnPeriodElapsed(period quota.Period)
}

type Scheduler struct {
	ledger Ledger
	now    func() time.Time
}

func New(ledger Ledger) *Scheduler {
	return &Scheduler{ledger: ledger, now: time.Now}
}

// Run blocks until the context is canceled, firing the daily reset at
// every UTC midnight and the monthly reset at the first midnight of
// each month. Resets are idempotent on the ledger side, so a missed or
// doubled tick cannot corrupt the counters.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.now().UTC()
		next := nextMidnight(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.ledger.OnPeriodElapsed(quota.PeriodDaily)
		if next.Day() == 1 {
			s.ledger.OnPeriodElapsed(quota.PeriodMonthly)
		}

		slog.Info("quota reset fired", "boundary", next.Format(time.RFC3339), "monthly", next.Day() == 1)
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
