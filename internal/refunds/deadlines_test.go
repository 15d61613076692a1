package refunds

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-appointments/internal/clock"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
)

func TestDeadlineScheduler_ClassifiesOverdueAndApproaching(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	loc := manila(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	yesterday := time.Date(2026, 3, 9, 17, 0, 0, 0, loc)
	tomorrow := time.Date(2026, 3, 11, 17, 0, 0, 0, loc)
	nextWeek := time.Date(2026, 3, 17, 17, 0, 0, 0, loc)

	overdue := sampleRequest(StatusApproved)
	overdue.DeadlineAt = &yesterday
	approaching := sampleRequest(StatusPending)
	approaching.DeadlineAt = &tomorrow
	later := sampleRequest(StatusApproved)
	later.DeadlineAt = &nextWeek

	mock.ExpectQuery(`WHERE status IN \('pending', 'approved'\) AND deadline_at IS NOT NULL`).
		WithArgs().
		WillReturnRows(requestRows(overdue, approaching, later))

	m := metrics.NewEconomyMetrics(prometheus.NewRegistry())
	sched := NewDeadlineScheduler(mock, nil, nil).
		WithClock(clock.NewMock(now)).
		WithLocation(loc).
		WithMetrics(m)

	report, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Overdue, 1)
	assert.Equal(t, overdue.ID, report.Overdue[0].RequestID)
	assert.Equal(t, 1, report.Overdue[0].DaysOverdue)
	require.Len(t, report.Approaching, 1)
	assert.Equal(t, approaching.ID, report.Approaching[0].RequestID)
	assert.Equal(t, 1, report.Approaching[0].DaysRemaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlineScheduler_OverdueCountsCivilDays(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	loc := manila(t)
	// Deadline late yesterday, now just after midnight: still one civil day.
	deadline := time.Date(2026, 3, 9, 23, 30, 0, 0, loc)
	now := time.Date(2026, 3, 10, 0, 15, 0, 0, loc)
	req := sampleRequest(StatusApproved)
	req.DeadlineAt = &deadline

	mock.ExpectQuery(`FROM refund_requests`).WithArgs().WillReturnRows(requestRows(req))

	report, err := NewDeadlineScheduler(mock, nil, nil).
		WithClock(clock.NewMock(now)).
		WithLocation(loc).
		Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Overdue, 1)
	assert.Equal(t, 1, report.Overdue[0].DaysOverdue)
}

func TestDeadlineScheduler_SendDueReminders(t *testing.T) {
	f := newLifecycleFixture(t)
	now := f.clock.Now()
	notifiedAt := now.Add(-96 * time.Hour)
	deadline := now.Add(24 * time.Hour)

	due := sampleRequest(StatusApproved)
	due.DeadlineAt = &deadline
	due.PickupNotifiedAt = &notifiedAt

	f.mock.ExpectQuery("pickup_reminder_sent_at IS NULL").
		WithArgs(now, 2).
		WillReturnRows(requestRows(due))
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(due.ID).WillReturnRows(requestRows(due))
	f.mock.ExpectExec("SET pickup_reminder_sent_at").
		WithArgs(due.ID, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sched := NewDeadlineScheduler(f.mock, f.life, nil).WithClock(f.clock)
	sent, err := sched.SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, f.notifier.sent, 1)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeadlineScheduler_RemindersDisabledWithoutLifecycle(t *testing.T) {
	sent, err := NewDeadlineScheduler(nil, nil, nil).SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestSettingsStoreDefaultsWhenMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM refund_settings").WithArgs().
		WillReturnRows(pgxmock.NewRows([]string{"cancellation_deadline_hours", "monthly_cancellation_limit", "create_zero_refund_request", "reminder_days", "pickup_business_days"}))
	mock.ExpectQuery("FROM refund_settings").WithArgs().
		WillReturnRows(pgxmock.NewRows([]string{"cancellation_deadline_hours", "monthly_cancellation_limit", "create_zero_refund_request", "reminder_days", "pickup_business_days"}).
			AddRow(48, 3, true, 0, 5))

	store := NewSettingsStore(mock)
	got, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSetting(), got)

	got, err = store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Setting{CancellationDeadlineHours: 48, MonthlyCancellationLimit: 3, CreateZeroRefundRequest: true, ReminderDays: 2, PickupBusinessDays: 5}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCivilDays(t *testing.T) {
	loc := time.UTC
	a := time.Date(2026, 3, 1, 23, 0, 0, 0, loc)
	b := time.Date(2026, 3, 4, 1, 0, 0, 0, loc)
	assert.Equal(t, 3, civilDays(a, b, loc))
	assert.Equal(t, 0, civilDays(a, a.Add(30*time.Minute), loc))
}
