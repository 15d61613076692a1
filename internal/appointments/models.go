// Package appointments holds the appointment record and its persistence.
package appointments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-appointments/internal/timeslot"
)

// Status is the appointment lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// PaymentStatus mirrors the settlement state on the appointment row.
type PaymentStatus string

const (
	PaymentUnpaid          PaymentStatus = "unpaid"
	PaymentAwaitingPayment PaymentStatus = "awaiting_payment"
	PaymentPaid            PaymentStatus = "paid"
	PaymentRefunded        PaymentStatus = "refunded"
)

// PaymentMethodMaya is the asynchronous gateway method; it is the only method
// with a refund and payment-link lifecycle. Cash and HMO settle out of band.
const PaymentMethodMaya = "maya"

// CancellationReason classifies why an appointment was cancelled.
type CancellationReason string

const (
	ReasonPatientRequest          CancellationReason = "patient_request"
	ReasonAdminCancellation       CancellationReason = "admin_cancellation"
	ReasonHealthSafetyConcern     CancellationReason = "health_safety_concern"
	ReasonClinicCancellation      CancellationReason = "clinic_cancellation"
	ReasonMedicalContraindication CancellationReason = "medical_contraindication"
	ReasonOther                   CancellationReason = "other"
)

// Valid reports whether r is a known reason.
func (r CancellationReason) Valid() bool {
	switch r {
	case ReasonPatientRequest, ReasonAdminCancellation, ReasonHealthSafetyConcern,
		ReasonClinicCancellation, ReasonMedicalContraindication, ReasonOther:
		return true
	}
	return false
}

// WaivesFee reports whether the clinic absorbs the cancellation, i.e. the
// patient is always fully refunded.
func (r CancellationReason) WaivesFee() bool {
	return r == ReasonClinicCancellation || r == ReasonMedicalContraindication
}

// Appointment is a booked clinic visit.
type Appointment struct {
	ID          uuid.UUID
	PatientID   string
	ServiceID   string
	ServiceName string
	// Date is midnight of the appointment day in the clinic location.
	Date time.Time
	// RawTimeSlot is the slot text as stored; TimeSlot is its parsed form and
	// is invalid when the text could not be parsed.
	RawTimeSlot   string
	TimeSlot      timeslot.Slot
	Status        Status
	PaymentStatus PaymentStatus
	PaymentMethod string

	CancellationReason *CancellationReason
	CanceledAt         *time.Time
	Notes              string

	// ServiceCancellationFee is the flat fee configured on the service, if any.
	ServiceCancellationFee *decimal.Decimal
	BookedFromIP           string
	UpdatedAt              time.Time
}

// StartsAt combines the date with the slot start. Only the start needs to
// parse; a broken end does not make the appointment unusable.
func (a *Appointment) StartsAt() (time.Time, error) {
	if a.TimeSlot.Valid() {
		return a.TimeSlot.StartOn(a.Date), nil
	}
	start, err := timeslot.ParseStart(a.RawTimeSlot)
	if err != nil {
		return time.Time{}, err
	}
	return timeslot.Slot{Start: start}.StartOn(a.Date), nil
}

// IsPaid reports whether the appointment is fully settled.
func (a *Appointment) IsPaid() bool {
	return a.PaymentStatus == PaymentPaid
}

// Reason returns the cancellation reason or "" when unset.
func (a *Appointment) Reason() CancellationReason {
	if a.CancellationReason == nil {
		return ""
	}
	return *a.CancellationReason
}
