// Package notify carries patient and staff notifications out of the
// transactional core. Callers publish onto a queue; a worker consumes the
// queue and delivers by email, SMS and in-app inbox.
package notify

import (
	"context"
	"time"
)

// Audience selects who a notification is for.
type Audience string

const (
	AudiencePatient Audience = "patient"
	AudienceAdmin   Audience = "admin"
)

// Recipient identifies the target of a notification.
type Recipient struct {
	Audience  Audience `json:"audience"`
	PatientID string   `json:"patient_id,omitempty"`
}

// Patient addresses a single patient.
func Patient(patientID string) Recipient {
	return Recipient{Audience: AudiencePatient, PatientID: patientID}
}

// Admins addresses clinic staff.
func Admins() Recipient {
	return Recipient{Audience: AudienceAdmin}
}

// Kind names the notification template.
type Kind string

const (
	KindAppointmentStatusChanged Kind = "appointment_status_changed"
	KindNoShow                   Kind = "appointment_no_show"
	KindNoShowWarning            Kind = "no_show_warning"
	KindAccountBlocked           Kind = "account_blocked"
	KindAccountUnblocked         Kind = "account_unblocked"
	KindAdminRiskAlert           Kind = "admin_risk_alert"
	KindRefundReceipt            Kind = "refund_receipt"
	KindRefundReadyForPickup     Kind = "refund_ready_for_pickup"
	KindRefundPickupReminder     Kind = "refund_pickup_reminder"
)

// Payload is the template data for a notification. Values must be JSON
// encodable.
type Payload map[string]any

// String returns payload[key] as a string, or "" when absent.
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return stringify(v)
	}
}

// Message is the unit placed on the notification queue.
type Message struct {
	ID        string    `json:"id"`
	Recipient Recipient `json:"recipient"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier sends a notification. Callers treat errors as non-fatal.
type Notifier interface {
	Send(ctx context.Context, to Recipient, kind Kind, payload Payload) error
}
