package refunds

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-appointments/internal/appointments"
	"github.com/wolfman30/clinic-appointments/internal/payments"
)

var defaultFeeRate = decimal.New(20, -2)

// FeeInput is everything the fee policy looks at.
type FeeInput struct {
	AmountPaid decimal.Decimal
	AmountDue  decimal.Decimal
	// StartsAt is the appointment start. When the slot could not be parsed
	// callers pass midnight of the appointment date.
	StartsAt time.Time
	Reason   appointments.CancellationReason
	// ServiceFee is the flat cancellation fee configured on the service.
	ServiceFee *decimal.Decimal
}

// NewFeeInput derives the fee input from an appointment and its settling
// payment.
func NewFeeInput(appt *appointments.Appointment, pay *payments.Payment) FeeInput {
	in := FeeInput{
		Reason:     appt.Reason(),
		ServiceFee: appt.ServiceCancellationFee,
	}
	if pay != nil {
		in.AmountPaid = pay.AmountPaid
		in.AmountDue = pay.AmountDue
	}
	start, err := appt.StartsAt()
	if err != nil {
		start = appt.Date
	}
	in.StartsAt = start
	return in
}

// Quote is the fee calculation result. Amounts are rounded to 2dp.
type Quote struct {
	OriginalAmount  decimal.Decimal
	CancellationFee decimal.Decimal
	RefundAmount    decimal.Decimal
	Deadline        time.Time
	Waived          bool
}

// Calculate applies the cancellation fee policy. It is pure.
func Calculate(in FeeInput, setting Setting, now time.Time) Quote {
	original := in.AmountDue
	if in.AmountPaid.IsPositive() {
		original = in.AmountPaid
	}
	original = original.Round(2)

	deadline := in.StartsAt.Add(-time.Duration(setting.CancellationDeadlineHours) * time.Hour)
	q := Quote{OriginalAmount: original, CancellationFee: decimal.Zero, Deadline: deadline}

	switch {
	case in.Reason.WaivesFee():
		q.Waived = true
	case !now.Before(deadline):
		if in.ServiceFee != nil {
			q.CancellationFee = *in.ServiceFee
		} else {
			q.CancellationFee = original.Mul(defaultFeeRate)
		}
	}

	q.CancellationFee = q.CancellationFee.Round(2)
	if q.CancellationFee.IsNegative() {
		q.CancellationFee = decimal.Zero
	}
	if q.CancellationFee.GreaterThan(original) {
		q.CancellationFee = original
	}
	q.RefundAmount = decimal.Max(decimal.Zero, original.Sub(q.CancellationFee)).Round(2)
	return q
}
