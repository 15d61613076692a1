// Package payments tracks the settlement records attached to appointments.
// Gateway integration is handled elsewhere; this package only moves payment
// rows between states.
package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the payment state.
type Status string

const (
	StatusUnpaid          Status = "unpaid"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
	StatusRefunded        Status = "refunded"
)

// Payment is one settlement attempt for an appointment.
type Payment struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	AmountDue     decimal.Decimal
	AmountPaid    decimal.Decimal
	Method        string
	Status        Status
	PaidAt        *time.Time
	CancelledAt   *time.Time
	RefundedAt    *time.Time
	RefundedBy    string
}

// SettledAmount is what the patient actually handed over, falling back to the
// amount due when the paid amount was never recorded.
func (p *Payment) SettledAmount() decimal.Decimal {
	if p.AmountPaid.IsPositive() {
		return p.AmountPaid
	}
	return p.AmountDue
}
