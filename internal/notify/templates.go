package notify

import (
	"fmt"
	"strings"
)

// Content is a rendered notification.
type Content struct {
	Subject string
	Body    string
	// SMS is empty for kinds that are never texted.
	SMS string
}

// Render builds the subject and bodies for a message. Risk and block
// notifications carry their wording in payload["message"] so the text stored
// on the patient record matches what was sent.
func Render(msg Message, clinicName string) Content {
	p := msg.Payload
	if clinicName == "" {
		clinicName = "the clinic"
	}
	name := p.String("patient_name")
	if name == "" {
		name = "there"
	}
	service := p.String("service_name")
	if service == "" {
		service = "your appointment"
	}
	when := strings.TrimSpace(p.String("date") + " " + p.String("time_slot"))

	switch msg.Kind {
	case KindAppointmentStatusChanged:
		status := p.String("status")
		body := fmt.Sprintf("Hi %s, your %s booking at %s on %s is now %s.", name, service, clinicName, when, status)
		if reason := p.String("cancellation_reason"); reason != "" {
			body += fmt.Sprintf(" Reason: %s.", humanize(reason))
		}
		if p.String("refund_request_id") != "" {
			body += fmt.Sprintf(" A refund of PHP %s has been filed and is pending review.", p.String("refund_amount"))
		}
		return Content{Subject: fmt.Sprintf("Your appointment is %s", status), Body: body}

	case KindNoShow:
		body := fmt.Sprintf("Hi %s, we missed you for %s on %s. Your appointment has been marked as a no-show. Please contact %s to rebook.", name, service, when, clinicName)
		return Content{Subject: "Missed appointment", Body: body, SMS: body}

	case KindNoShowWarning:
		body := p.String("message")
		return Content{Subject: "Missed appointment warning", Body: body, SMS: body}

	case KindAccountBlocked:
		body := p.String("message")
		return Content{Subject: "Your booking access has been suspended", Body: body, SMS: body}

	case KindAccountUnblocked:
		body := fmt.Sprintf("Hi %s, your booking access at %s has been restored.", name, clinicName)
		return Content{Subject: "Your booking access has been restored", Body: body, SMS: body}

	case KindAdminRiskAlert:
		body := fmt.Sprintf("Patient %s has %s no-shows (status: %s, warnings sent: %s). Last missed: %s on %s.",
			p.String("patient_id"), p.String("no_show_count"), p.String("block_status"),
			p.String("warning_count"), service, when)
		return Content{Subject: fmt.Sprintf("No-show alert: patient %s", p.String("patient_id")), Body: body}

	case KindRefundReceipt:
		body := fmt.Sprintf("Hi %s, your refund of PHP %s (original PHP %s, cancellation fee PHP %s) was processed on %s. Reference: %s.",
			name, p.String("refund_amount"), p.String("original_amount"), p.String("cancellation_fee"),
			p.String("processed_at"), p.String("refund_request_id"))
		return Content{Subject: "Refund receipt", Body: body}

	case KindRefundReadyForPickup:
		body := fmt.Sprintf("Hi %s, your refund of PHP %s is ready for pickup at %s. Please claim it by %s.",
			name, p.String("refund_amount"), clinicName, p.String("deadline_at"))
		return Content{Subject: "Your refund is ready for pickup", Body: body, SMS: body}

	case KindRefundPickupReminder:
		body := fmt.Sprintf("Reminder: your refund of PHP %s is waiting at %s. The pickup deadline is %s.",
			p.String("refund_amount"), clinicName, p.String("deadline_at"))
		return Content{Subject: "Refund pickup reminder", Body: body, SMS: body}

	default:
		body := p.String("message")
		if body == "" {
			body = fmt.Sprintf("You have a new notification from %s.", clinicName)
		}
		return Content{Subject: humanize(string(msg.Kind)), Body: body}
	}
}

func humanize(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func stringify(v any) string {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	}
	return fmt.Sprint(v)
}
