package appointments

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
)

var appointmentColumns = []string{
	"id", "patient_id", "service_id", "name", "appointment_date", "time_slot",
	"status", "payment_status", "payment_method", "cancellation_reason",
	"canceled_at", "notes", "cancellation_fee", "host", "updated_at",
}

func manila(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	return loc
}

func TestStore_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	loc := manila(t)

	id := uuid.New()
	ip := "203.0.113.7"
	mock.ExpectQuery("SELECT a.id, a.patient_id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(appointmentColumns).AddRow(
			id, "pat-1", "svc-1", "Facial", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "09:00-09:30",
			"approved", "paid", "maya", nil,
			nil, nil, decimal.NullDecimal{Decimal: decimal.NewFromInt(150), Valid: true}, &ip, time.Now(),
		))

	appt, err := NewStore(mock, loc).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, loc), appt.Date)
	assert.True(t, appt.TimeSlot.Valid())
	assert.Equal(t, StatusApproved, appt.Status)
	assert.True(t, appt.IsPaid())
	assert.Nil(t, appt.CancellationReason)
	require.NotNil(t, appt.ServiceCancellationFee)
	assert.True(t, appt.ServiceCancellationFee.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "203.0.113.7", appt.BookedFromIP)

	start, err := appt.StartsAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, loc), start)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT a.id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = NewStore(mock, nil).Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetForUpdateLocksRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	reason := "patient_request"
	canceled := time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)
	notes := "schedule conflict"
	mock.ExpectQuery(`WHERE a.id = \$1 FOR UPDATE OF a`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(appointmentColumns).AddRow(
			id, "pat-1", "svc-1", "Facial", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "9:00 AM - 9:30 AM",
			"cancelled", "unpaid", "cash", &reason,
			&canceled, &notes, decimal.NullDecimal{}, nil, time.Now(),
		))

	appt, err := NewStore(mock, time.UTC).GetForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ReasonPatientRequest, appt.Reason())
	assert.Equal(t, "schedule conflict", appt.Notes)
	assert.Nil(t, appt.ServiceCancellationFee)
	assert.True(t, appt.Status.Terminal())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListApprovedOn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	loc := manila(t)

	rows := pgxmock.NewRows(appointmentColumns).
		AddRow(uuid.New(), "pat-1", "svc-1", "Facial", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "09:00-09:30",
			"approved", "unpaid", "cash", nil, nil, nil, decimal.NullDecimal{}, nil, time.Now()).
		AddRow(uuid.New(), "pat-2", "svc-2", "Peel", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "sometime",
			"approved", "paid", "maya", nil, nil, nil, decimal.NullDecimal{}, nil, time.Now())
	mock.ExpectQuery("WHERE a.status = 'approved' AND a.appointment_date").
		WithArgs("2026-03-09").
		WillReturnRows(rows)

	// 2026-03-08 18:00 UTC is 2026-03-09 02:00 in Manila.
	list, err := NewStore(mock, loc).ListApprovedOn(context.Background(), time.Date(2026, 3, 8, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].TimeSlot.Valid())
	assert.False(t, list[1].TimeSlot.Valid())
	_, err = list[1].StartsAt()
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveCancellation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)
	reason := ReasonClinicCancellation
	appt := &Appointment{
		ID:                 uuid.New(),
		Status:             StatusCancelled,
		PaymentStatus:      PaymentUnpaid,
		CancellationReason: &reason,
		CanceledAt:         &now,
		Notes:              "doctor unavailable",
		UpdatedAt:          now,
	}
	reasonText := "clinic_cancellation"
	notes := "doctor unavailable"
	mock.ExpectExec("UPDATE appointments").
		WithArgs(appt.ID, "cancelled", &now, &reasonText, &notes, "unpaid", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewStore(mock, time.UTC).SaveCancellation(context.Background(), appt))

	mock.ExpectExec("UPDATE appointments").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = NewStore(mock, time.UTC).SaveCancellation(context.Background(), appt)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkNoShowIsConditional(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now()
	mock.ExpectExec("UPDATE appointments SET status = 'no_show'").
		WithArgs(id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointments SET status = 'no_show'").
		WithArgs(id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock, time.UTC)
	marked, err := store.MarkNoShow(context.Background(), id, now)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = store.MarkNoShow(context.Background(), id, now)
	require.NoError(t, err)
	assert.False(t, marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountCancellationsAndVisits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").WithArgs("pat-1", since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("pat-1", "svc-1", "2026-03-09").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE appointments SET payment_status").
		WithArgs(pgxmock.AnyArg(), "refunded", pgxmock.AnyArg()).
		WillReturnError(errors.New("conn reset"))

	store := NewStore(mock, time.UTC)
	n, err := store.CountCancellationsSince(context.Background(), "pat-1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	visited, err := store.HasVisit(context.Background(), "pat-1", "svc-1", time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, visited)

	err = store.SetPaymentStatus(context.Background(), uuid.New(), PaymentRefunded, time.Now())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancellationReason(t *testing.T) {
	assert.True(t, ReasonClinicCancellation.WaivesFee())
	assert.True(t, ReasonMedicalContraindication.WaivesFee())
	assert.False(t, ReasonPatientRequest.WaivesFee())
	assert.True(t, ReasonOther.Valid())
	assert.False(t, CancellationReason("whim").Valid())
}
