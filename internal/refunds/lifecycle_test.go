package refunds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-appointments/internal/audit"
	"github.com/wolfman30/clinic-appointments/internal/calendar"
	"github.com/wolfman30/clinic-appointments/internal/clock"
	"github.com/wolfman30/clinic-appointments/internal/notify"
)

var requestColumns = []string{
	"id", "patient_id", "appointment_id", "payment_id", "original_amount", "cancellation_fee",
	"refund_amount", "reason", "status", "requested_at", "deadline_at", "approved_at", "approved_by",
	"rejected_at", "rejected_by", "processed_at", "processed_by", "completed_at", "pickup_notified_at",
	"pickup_reminder_sent_at", "deadline_extended_at", "deadline_extended_by",
	"extension_reason", "extension_count", "admin_notes",
}

func requestRows(reqs ...Request) *pgxmock.Rows {
	rows := pgxmock.NewRows(requestColumns)
	for _, r := range reqs {
		rows.AddRow(
			r.ID, r.PatientID, r.AppointmentID, r.PaymentID, r.OriginalAmount, r.CancellationFee,
			r.RefundAmount, nullIfEmpty(r.Reason), string(r.Status), r.RequestedAt, r.DeadlineAt, r.ApprovedAt, nullIfEmpty(r.ApprovedBy),
			r.RejectedAt, nullIfEmpty(r.RejectedBy), r.ProcessedAt, nullIfEmpty(r.ProcessedBy), r.CompletedAt, r.PickupNotifiedAt,
			r.PickupReminderSentAt, r.DeadlineExtendedAt, nullIfEmpty(r.DeadlineExtendedBy),
			nullIfEmpty(r.ExtensionReason), r.ExtensionCount, nullIfEmpty(r.AdminNotes),
		)
	}
	return rows
}

type sentNotification struct {
	to      notify.Recipient
	kind    notify.Kind
	payload notify.Payload
}

type mockNotifier struct {
	sent []sentNotification
	err  error
}

func (m *mockNotifier) Send(_ context.Context, to notify.Recipient, kind notify.Kind, payload notify.Payload) error {
	m.sent = append(m.sent, sentNotification{to: to, kind: kind, payload: payload})
	return m.err
}

type mockRecorder struct {
	entries []audit.Entry
	err     error
}

func (m *mockRecorder) Record(_ context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return m.err
}

type lifecycleFixture struct {
	mock     pgxmock.PgxPoolIface
	life     *Lifecycle
	notifier *mockNotifier
	recorder *mockRecorder
	clock    *clock.Mock
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	f := &lifecycleFixture{
		mock:     mock,
		notifier: &mockNotifier{},
		recorder: &mockRecorder{},
		clock:    clock.NewMock(time.Date(2026, 3, 6, 2, 0, 0, 0, time.UTC)),
	}
	cal := calendar.DefaultSchedule("test", "Asia/Manila")
	f.life = NewLifecycle(mock, cal, f.notifier, f.recorder, nil).WithClock(f.clock)
	return f
}

func sampleRequest(status Status) Request {
	apptID, payID := uuid.New(), uuid.New()
	return Request{
		ID:              uuid.New(),
		PatientID:       "pat-1",
		AppointmentID:   &apptID,
		PaymentID:       &payID,
		OriginalAmount:  decimal.NewFromInt(1000),
		CancellationFee: decimal.NewFromInt(200),
		RefundAmount:    decimal.NewFromInt(800),
		Reason:          "patient_request",
		Status:          status,
		RequestedAt:     time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC),
	}
}

func TestLifecycle_Approve(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusPending)
	now := f.clock.Now()

	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET status = 'approved'").
		WithArgs(req.ID, now, "admin-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := f.life.Approve(context.Background(), req.ID, "admin-1", "ok to refund")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "admin-1", got.ApprovedBy)
	assert.Equal(t, "ok to refund", got.AdminNotes)
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, audit.CategoryRefundRequest, f.recorder.entries[0].Category)
	assert.Equal(t, "approved", f.recorder.entries[0].Action)
	assert.Equal(t, audit.ActorAdmin, f.recorder.entries[0].ActorRole)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_ApproveRequiresPending(t *testing.T) {
	for _, status := range []Status{StatusApproved, StatusRejected, StatusProcessed, StatusCompleted} {
		f := newLifecycleFixture(t)
		req := sampleRequest(status)
		f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))

		_, err := f.life.Approve(context.Background(), req.ID, "admin-1", "")
		assert.ErrorIs(t, err, ErrInvalidTransition, status)
		assert.Empty(t, f.recorder.entries)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	}
}

func TestLifecycle_ApproveLosesRace(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusPending)
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET status = 'approved'").
		WithArgs(req.ID, pgxmock.AnyArg(), "admin-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := f.life.Approve(context.Background(), req.ID, "admin-1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.recorder.entries)
}

func TestLifecycle_RejectNotFound(t *testing.T) {
	f := newLifecycleFixture(t)
	id := uuid.New()
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := f.life.Reject(context.Background(), id, "admin-1", "duplicate")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycle_Reject(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusPending)
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET status = 'rejected'").
		WithArgs(req.ID, pgxmock.AnyArg(), "admin-2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := f.life.Reject(context.Background(), req.ID, "admin-2", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "admin-2", got.RejectedBy)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_ProcessMarksPaymentAndAppointment(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusApproved)
	now := f.clock.Now()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1 FOR UPDATE`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET status = 'processed'").
		WithArgs(req.ID, now, "admin-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE payments SET status = 'refunded'").
		WithArgs(*req.PaymentID, now, "admin-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE appointments SET payment_status").
		WithArgs(*req.AppointmentID, "refunded", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectCommit()

	got, err := f.life.Process(context.Background(), req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.Equal(t, "admin-1", got.ProcessedBy)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notify.KindRefundReceipt, f.notifier.sent[0].kind)
	assert.Equal(t, notify.Patient("pat-1"), f.notifier.sent[0].to)
	assert.Equal(t, "800.00", f.notifier.sent[0].payload.String("refund_amount"))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_ProcessRollsBackWhenPaymentNotPaid(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusApproved)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FOR UPDATE`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET status = 'processed'").
		WithArgs(req.ID, pgxmock.AnyArg(), "admin-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE payments SET status = 'refunded'").
		WithArgs(*req.PaymentID, pgxmock.AnyArg(), "admin-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	f.mock.ExpectRollback()

	_, err := f.life.Process(context.Background(), req.ID, "admin-1")
	require.Error(t, err)
	assert.Empty(t, f.notifier.sent)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_ProcessRequiresApproved(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusPending)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FOR UPDATE`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectRollback()

	_, err := f.life.Process(context.Background(), req.ID, "admin-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_NotifyReadyForPickupOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusApproved)
	now := f.clock.Now()

	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET pickup_notified_at").
		WithArgs(req.ID, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	notified := req
	notified.PickupNotifiedAt = &now
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(notified))

	sent, err := f.life.NotifyReadyForPickup(context.Background(), req.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = f.life.NotifyReadyForPickup(context.Background(), req.ID, "admin-1")
	require.NoError(t, err)
	assert.False(t, sent)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notify.KindRefundReadyForPickup, f.notifier.sent[0].kind)
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, "pickup_notified", f.recorder.entries[0].Action)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_NotifyReadyForPickupConcurrentWinner(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusProcessed)

	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET pickup_notified_at").
		WithArgs(req.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	sent, err := f.life.NotifyReadyForPickup(context.Background(), req.ID, "admin-1")
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, f.notifier.sent)
	assert.Empty(t, f.recorder.entries)
}

func TestLifecycle_NotifyFailureIsSwallowed(t *testing.T) {
	f := newLifecycleFixture(t)
	f.notifier.err = errors.New("queue down")
	f.recorder.err = errors.New("audit down")
	req := sampleRequest(StatusApproved)

	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET pickup_notified_at").
		WithArgs(req.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sent, err := f.life.NotifyReadyForPickup(context.Background(), req.ID, "")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, audit.ActorSystem, f.recorder.entries[0].ActorRole)
}

func TestLifecycle_SendPickupReminder(t *testing.T) {
	f := newLifecycleFixture(t)
	notifiedAt := f.clock.Now().Add(-72 * time.Hour)
	req := sampleRequest(StatusApproved)

	// Not yet notified.
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	_, err := f.life.SendPickupReminder(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrNotNotified)

	req.PickupNotifiedAt = &notifiedAt
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET pickup_reminder_sent_at").
		WithArgs(req.ID, f.clock.Now()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	sent, err := f.life.SendPickupReminder(context.Background(), req.ID)
	require.NoError(t, err)
	assert.True(t, sent)

	reminded := req
	remindedAt := f.clock.Now()
	reminded.PickupReminderSentAt = &remindedAt
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(reminded))
	sent, err = f.life.SendPickupReminder(context.Background(), req.ID)
	require.NoError(t, err)
	assert.False(t, sent)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notify.KindRefundPickupReminder, f.notifier.sent[0].kind)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_ExtendDeadlineRearmsReminder(t *testing.T) {
	f := newLifecycleFixture(t)
	manilaLoc := manila(t)
	// Friday 2026-03-06 17:00 Manila.
	current := time.Date(2026, 3, 6, 17, 0, 0, 0, manilaLoc)
	remindedAt := f.clock.Now()
	req := sampleRequest(StatusApproved)
	req.DeadlineAt = &current
	req.PickupNotifiedAt = &remindedAt
	req.PickupReminderSentAt = &remindedAt

	// Two business days after Friday, skipping Sunday: Monday 2026-03-09.
	want := time.Date(2026, 3, 9, 17, 0, 0, 0, manilaLoc)
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET deadline_at = \\$2").
		WithArgs(req.ID, pgxmock.AnyArg(), f.clock.Now(), "admin-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := f.life.ExtendDeadline(context.Background(), req.ID, "admin-1", 2, "patient travelling")
	require.NoError(t, err)
	require.NotNil(t, got.DeadlineAt)
	assert.True(t, want.Equal(*got.DeadlineAt))
	assert.Nil(t, got.PickupReminderSentAt)
	assert.Equal(t, 1, got.ExtensionCount)
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, "deadline_extended", f.recorder.entries[0].Action)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycle_ExtendDeadlineClosedRequest(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusRejected)
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))

	_, err := f.life.ExtendDeadline(context.Background(), req.ID, "admin-1", 3, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLifecycle_Complete(t *testing.T) {
	f := newLifecycleFixture(t)
	req := sampleRequest(StatusProcessed)
	f.mock.ExpectQuery(`FROM refund_requests WHERE id = \$1`).WithArgs(req.ID).WillReturnRows(requestRows(req))
	f.mock.ExpectExec("SET status = 'completed'").
		WithArgs(req.ID, f.clock.Now()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := f.life.Complete(context.Background(), req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestComputeDeadlineSkipsClosedDays(t *testing.T) {
	f := newLifecycleFixture(t)
	loc := manila(t)
	// Friday 2026-03-06 10:00 Manila; Sundays closed, so 7 business days
	// land on Saturday 2026-03-14.
	from := time.Date(2026, 3, 6, 10, 0, 0, 0, loc)

	deadline, err := f.life.ComputeDeadline(context.Background(), from)
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 3, 14, 17, 0, 0, 0, loc).Equal(deadline), deadline)
}

func TestPickupDeadlineNeverOpen(t *testing.T) {
	closed := &calendar.Schedule{ClinicID: "x", Timezone: "UTC"}
	_, err := PickupDeadline(context.Background(), closed, time.Now(), 7)
	assert.ErrorIs(t, err, ErrNoBusinessDays)
}
