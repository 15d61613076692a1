package sweeps

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-appointments/internal/noshow"
	"github.com/wolfman30/clinic-appointments/internal/refunds"
)

// Job names as they appear in logs and metrics.
const (
	JobNoShow          = "noshow_sweep"
	JobRefundDeadlines = "refund_deadlines"
	JobRefundReminders = "refund_reminders"
)

// NoShowJob wraps a no-show sweep.
func NoShowJob(s *noshow.Sweep, interval time.Duration) Job {
	return Job{
		Name:     JobNoShow,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.Run(ctx)
			return err
		},
	}
}

// RefundDeadlineJob wraps the overdue/approaching refund report.
func RefundDeadlineJob(s *refunds.DeadlineScheduler, interval time.Duration) Job {
	return Job{
		Name:     JobRefundDeadlines,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.Run(ctx)
			return err
		},
	}
}

// RefundReminderJob sends pickup reminders that have come due.
func RefundReminderJob(s *refunds.DeadlineScheduler, interval time.Duration) Job {
	return Job{
		Name:     JobRefundReminders,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.SendDueReminders(ctx)
			return err
		},
	}
}
