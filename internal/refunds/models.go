// Package refunds owns cancellation fee policy and the refund request state
// machine, including the pickup deadline sub-lifecycle.
package refunds

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the refund request state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusProcessed Status = "processed"
	StatusCompleted Status = "completed"
)

// Open reports whether the request still has a live pickup deadline.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusApproved || s == StatusProcessed
}

// Setting is the clinic-wide refund policy.
type Setting struct {
	CancellationDeadlineHours int
	// MonthlyCancellationLimit caps patient-initiated cancellations per
	// calendar month. Zero means unlimited.
	MonthlyCancellationLimit int
	CreateZeroRefundRequest  bool
	ReminderDays             int
	PickupBusinessDays       int
}

// DefaultSetting is used when no settings row exists.
func DefaultSetting() Setting {
	return Setting{
		CancellationDeadlineHours: 24,
		ReminderDays:              2,
		PickupBusinessDays:        7,
	}
}

func (s Setting) withDefaults() Setting {
	d := DefaultSetting()
	if s.CancellationDeadlineHours < 0 {
		s.CancellationDeadlineHours = d.CancellationDeadlineHours
	}
	if s.ReminderDays <= 0 {
		s.ReminderDays = d.ReminderDays
	}
	if s.PickupBusinessDays <= 0 {
		s.PickupBusinessDays = d.PickupBusinessDays
	}
	return s
}

// Request is a tracked claim for money owed back to a patient.
type Request struct {
	ID            uuid.UUID
	PatientID     string
	AppointmentID *uuid.UUID
	PaymentID     *uuid.UUID

	OriginalAmount  decimal.Decimal
	CancellationFee decimal.Decimal
	RefundAmount    decimal.Decimal
	Reason          string
	Status          Status

	RequestedAt time.Time
	DeadlineAt  *time.Time
	ApprovedAt  *time.Time
	ApprovedBy  string
	RejectedAt  *time.Time
	RejectedBy  string
	ProcessedAt *time.Time
	ProcessedBy string
	CompletedAt *time.Time

	PickupNotifiedAt     *time.Time
	PickupReminderSentAt *time.Time

	DeadlineExtendedAt *time.Time
	DeadlineExtendedBy string
	ExtensionReason    string
	ExtensionCount     int

	AdminNotes string
}

// NewRequest builds a pending request from a fee quote.
func NewRequest(patientID string, appointmentID, paymentID *uuid.UUID, q Quote, reason string, now time.Time, deadline *time.Time) *Request {
	return &Request{
		ID:              uuid.New(),
		PatientID:       patientID,
		AppointmentID:   appointmentID,
		PaymentID:       paymentID,
		OriginalAmount:  q.OriginalAmount,
		CancellationFee: q.CancellationFee,
		RefundAmount:    q.RefundAmount,
		Reason:          reason,
		Status:          StatusPending,
		RequestedAt:     now,
		DeadlineAt:      deadline,
	}
}

func (r *Request) payload() map[string]any {
	p := map[string]any{
		"refund_request_id": r.ID.String(),
		"refund_amount":     r.RefundAmount.StringFixed(2),
		"original_amount":   r.OriginalAmount.StringFixed(2),
		"cancellation_fee":  r.CancellationFee.StringFixed(2),
		"status":            string(r.Status),
	}
	if r.AppointmentID != nil {
		p["appointment_id"] = r.AppointmentID.String()
	}
	if r.DeadlineAt != nil {
		p["deadline_at"] = r.DeadlineAt.Format("Jan 2, 2006 3:04 PM")
	}
	if r.ProcessedAt != nil {
		p["processed_at"] = r.ProcessedAt.Format("Jan 2, 2006")
	}
	return p
}
