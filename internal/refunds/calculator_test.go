package refunds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-appointments/internal/appointments"
	"github.com/wolfman30/clinic-appointments/internal/payments"
	"github.com/wolfman30/clinic-appointments/internal/timeslot"
)

func manila(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	return loc
}

func paidMayaAppointment(t *testing.T, reason appointments.CancellationReason) (*appointments.Appointment, *payments.Payment) {
	t.Helper()
	loc := manila(t)
	appt := &appointments.Appointment{
		Date:          time.Date(2026, 3, 10, 0, 0, 0, 0, loc),
		RawTimeSlot:   "10:00-11:00",
		TimeSlot:      timeslot.MustParse("10:00-11:00"),
		Status:        appointments.StatusApproved,
		PaymentStatus: appointments.PaymentPaid,
		PaymentMethod: appointments.PaymentMethodMaya,
	}
	if reason != "" {
		appt.CancellationReason = &reason
	}
	pay := &payments.Payment{AmountDue: decimal.NewFromInt(1000), AmountPaid: decimal.NewFromInt(1000), Status: payments.StatusPaid}
	return appt, pay
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2))
}

func TestCalculate_LateCancellationChargesDefaultRate(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	in := NewFeeInput(appt, pay)
	now := in.StartsAt.Add(-2 * time.Hour)

	q := Calculate(in, DefaultSetting(), now)

	assertMoney(t, "1000.00", q.OriginalAmount)
	assertMoney(t, "200.00", q.CancellationFee)
	assertMoney(t, "800.00", q.RefundAmount)
	assert.False(t, q.Waived)
}

func TestCalculate_EarlyCancellationIsFree(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	in := NewFeeInput(appt, pay)
	now := in.StartsAt.Add(-30 * time.Hour)

	q := Calculate(in, DefaultSetting(), now)

	assertMoney(t, "0.00", q.CancellationFee)
	assertMoney(t, "1000.00", q.RefundAmount)
}

func TestCalculate_ClinicCausedCancellationWaivesFee(t *testing.T) {
	for _, reason := range []appointments.CancellationReason{
		appointments.ReasonClinicCancellation,
		appointments.ReasonMedicalContraindication,
	} {
		appt, pay := paidMayaAppointment(t, reason)
		in := NewFeeInput(appt, pay)
		for _, offset := range []time.Duration{-72 * time.Hour, -2 * time.Hour, 0, 3 * time.Hour} {
			q := Calculate(in, DefaultSetting(), in.StartsAt.Add(offset))
			assert.True(t, q.CancellationFee.IsZero(), "reason %s offset %s", reason, offset)
			assertMoney(t, "1000.00", q.RefundAmount)
			assert.True(t, q.Waived)
		}
	}
}

func TestCalculate_DeadlineBoundary(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	in := NewFeeInput(appt, pay)
	deadline := in.StartsAt.Add(-24 * time.Hour)

	before := Calculate(in, DefaultSetting(), deadline.Add(-time.Second))
	assert.True(t, before.CancellationFee.IsZero())

	at := Calculate(in, DefaultSetting(), deadline)
	assertMoney(t, "200.00", at.CancellationFee)

	after := Calculate(in, DefaultSetting(), deadline.Add(time.Second))
	assertMoney(t, "200.00", after.CancellationFee)
	assert.Equal(t, deadline, after.Deadline)
}

func TestCalculate_ServiceFeeOverridesRate(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonAdminCancellation)
	fee := decimal.RequireFromString("350.5")
	appt.ServiceCancellationFee = &fee
	in := NewFeeInput(appt, pay)

	q := Calculate(in, DefaultSetting(), in.StartsAt.Add(-time.Hour))
	assertMoney(t, "350.50", q.CancellationFee)
	assertMoney(t, "649.50", q.RefundAmount)
}

func TestCalculate_RefundNeverNegative(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	fee := decimal.NewFromInt(5000)
	appt.ServiceCancellationFee = &fee
	in := NewFeeInput(appt, pay)

	q := Calculate(in, DefaultSetting(), in.StartsAt)
	assertMoney(t, "1000.00", q.CancellationFee)
	assertMoney(t, "0.00", q.RefundAmount)
	assert.False(t, q.RefundAmount.IsNegative())
	assert.True(t, q.RefundAmount.Equal(decimal.Max(decimal.Zero, q.OriginalAmount.Sub(q.CancellationFee))))
}

func TestCalculate_FallsBackToAmountDue(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	pay.AmountPaid = decimal.Zero
	pay.AmountDue = decimal.RequireFromString("999.99")
	in := NewFeeInput(appt, pay)

	q := Calculate(in, DefaultSetting(), in.StartsAt)
	assertMoney(t, "999.99", q.OriginalAmount)
	assertMoney(t, "200.00", q.CancellationFee)
	assertMoney(t, "799.99", q.RefundAmount)
}

func TestCalculate_UnparseableSlotUsesMidnight(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	appt.RawTimeSlot = "morning"
	appt.TimeSlot = timeslot.Slot{}
	in := NewFeeInput(appt, pay)
	assert.Equal(t, appt.Date, in.StartsAt)

	// 23 hours before midnight is already inside the 24h window.
	q := Calculate(in, DefaultSetting(), appt.Date.Add(-23*time.Hour))
	assertMoney(t, "200.00", q.CancellationFee)
}

func TestCalculate_ZeroDeadlineHours(t *testing.T) {
	appt, pay := paidMayaAppointment(t, appointments.ReasonPatientRequest)
	in := NewFeeInput(appt, pay)
	setting := DefaultSetting()
	setting.CancellationDeadlineHours = 0

	assert.True(t, Calculate(in, setting, in.StartsAt.Add(-time.Minute)).CancellationFee.IsZero())
	assertMoney(t, "200.00", Calculate(in, setting, in.StartsAt).CancellationFee)
}
