package refunds

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-appointments/internal/clock"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

const approachingWindow = 48 * time.Hour

// DeadlineItem is one request flagged by the deadline sweep.
type DeadlineItem struct {
	RequestID     uuid.UUID
	PatientID     string
	Status        Status
	DeadlineAt    time.Time
	DaysOverdue   int
	DaysRemaining int
}

// DeadlineReport summarises one deadline sweep.
type DeadlineReport struct {
	Checked     int
	Overdue     []DeadlineItem
	Approaching []DeadlineItem
}

// DeadlineScheduler scans open refund requests for pickup deadlines that have
// passed or are close, and sends due pickup reminders.
type DeadlineScheduler struct {
	requests  *Store
	lifecycle *Lifecycle
	settings  SettingsSource
	metrics   *metrics.EconomyMetrics
	clock     clock.Clock
	loc       *time.Location
	logger    *logging.Logger
}

// NewDeadlineScheduler creates the scheduler. lifecycle is used for
// reminders and may be nil when reminders are disabled.
func NewDeadlineScheduler(db DB, lifecycle *Lifecycle, logger *logging.Logger) *DeadlineScheduler {
	if logger == nil {
		logger = logging.Default()
	}
	s := &DeadlineScheduler{
		requests:  NewStore(db),
		lifecycle: lifecycle,
		settings:  StaticSettings(DefaultSetting()),
		clock:     clock.Real{},
		loc:       time.UTC,
		logger:    logger.Component("refund_deadlines"),
	}
	if lifecycle != nil {
		s.settings = lifecycle.settings
	}
	return s
}

// WithClock overrides the time source.
func (s *DeadlineScheduler) WithClock(c clock.Clock) *DeadlineScheduler {
	s.clock = clock.OrReal(c)
	return s
}

// WithLocation sets the clinic location used for civil-day arithmetic.
func (s *DeadlineScheduler) WithLocation(loc *time.Location) *DeadlineScheduler {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithMetrics attaches metrics.
func (s *DeadlineScheduler) WithMetrics(m *metrics.EconomyMetrics) *DeadlineScheduler {
	s.metrics = m
	return s
}

// WithSettings sets the policy source.
func (s *DeadlineScheduler) WithSettings(src SettingsSource) *DeadlineScheduler {
	if src != nil {
		s.settings = src
	}
	return s
}

// Run classifies pending and approved requests as overdue or approaching.
// It only logs; patients are not contacted.
func (s *DeadlineScheduler) Run(ctx context.Context) (DeadlineReport, error) {
	ctx, span := tracer.Start(ctx, "refunds.deadline_sweep")
	defer span.End()

	reqs, err := s.requests.ListOpenWithDeadline(ctx)
	if err != nil {
		span.RecordError(err)
		return DeadlineReport{}, err
	}

	now := s.clock.Now()
	report := DeadlineReport{Checked: len(reqs)}
	for _, r := range reqs {
		if r.DeadlineAt == nil {
			continue
		}
		deadline := *r.DeadlineAt
		item := DeadlineItem{RequestID: r.ID, PatientID: r.PatientID, Status: r.Status, DeadlineAt: deadline}
		switch {
		case now.After(deadline):
			item.DaysOverdue = civilDays(deadline, now, s.loc)
			report.Overdue = append(report.Overdue, item)
			s.logger.Warn("refund pickup overdue",
				"refund_request_id", r.ID, "patient_id", r.PatientID,
				"status", r.Status, "days_overdue", item.DaysOverdue)
		case !deadline.After(now.Add(approachingWindow)):
			item.DaysRemaining = civilDays(now, deadline, s.loc)
			report.Approaching = append(report.Approaching, item)
			s.logger.Info("refund pickup deadline approaching",
				"refund_request_id", r.ID, "patient_id", r.PatientID,
				"status", r.Status, "days_remaining", item.DaysRemaining)
		}
	}

	s.metrics.SetRefundDeadlines(len(report.Overdue), len(report.Approaching))
	s.logger.Info("refund deadline sweep finished",
		"checked", report.Checked, "overdue", len(report.Overdue), "approaching", len(report.Approaching))
	return report, nil
}

// SendDueReminders sends the pickup reminder for every notified, approved
// request whose deadline is within the configured reminder window. It
// returns how many reminders went out.
func (s *DeadlineScheduler) SendDueReminders(ctx context.Context) (int, error) {
	if s.lifecycle == nil {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "refunds.pickup_reminders")
	defer span.End()

	setting, err := s.settings.Get(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	due, err := s.requests.ListDueReminders(ctx, s.clock.Now(), setting.ReminderDays)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	sent := 0
	for _, r := range due {
		ok, err := s.lifecycle.SendPickupReminder(ctx, r.ID)
		if err != nil {
			s.logger.Error("pickup reminder failed", "refund_request_id", r.ID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	if len(due) > 0 {
		s.logger.Info("pickup reminders sent", "due", len(due), "sent", sent)
	}
	return sent, nil
}

// civilDays counts calendar days from a's date to b's date in loc.
func civilDays(a, b time.Time, loc *time.Location) int {
	a, b = a.In(loc), b.In(loc)
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
