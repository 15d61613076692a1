// Package cancellation is the transactional entry point for cancelling an
// appointment. One call updates the appointment, files a refund request or
// voids open payment links, and then publishes and audits the change.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-appointments/internal/appointments"
	"github.com/wolfman30/clinic-appointments/internal/audit"
	"github.com/wolfman30/clinic-appointments/internal/calendar"
	"github.com/wolfman30/clinic-appointments/internal/clock"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/internal/payments"
	"github.com/wolfman30/clinic-appointments/internal/refunds"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.cancellation")

// Request describes who is cancelling and why.
type Request struct {
	// Reason is free text stored as the appointment notes.
	Reason          string
	RequestedReason *appointments.CancellationReason
	DefaultReason   *appointments.CancellationReason
	ActorRole       string
	ActorID         string
	Notify          bool
}

// Result is the outcome of a cancellation.
type Result struct {
	Appointment          *appointments.Appointment
	RefundRequestCreated bool
	RefundRequest        *refunds.Request
	Quote                *refunds.Quote
	CancelledPayments    []uuid.UUID
}

// Orchestrator cancels appointments.
type Orchestrator struct {
	pool     refunds.Pool
	settings refunds.SettingsSource
	calendar calendar.Calendar
	notifier notify.Notifier
	audit    audit.Recorder
	metrics  *metrics.EconomyMetrics
	clock    clock.Clock
	loc      *time.Location
	logger   *logging.Logger
}

// NewOrchestrator wires the orchestrator. Refund settings are read from the
// refund_settings table unless WithSettings overrides them.
func NewOrchestrator(pool refunds.Pool, cal calendar.Calendar, notifier notify.Notifier, recorder audit.Recorder, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = audit.Discard{}
	}
	return &Orchestrator{
		pool:     pool,
		settings: refunds.NewSettingsStore(pool),
		calendar: cal,
		notifier: notifier,
		audit:    recorder,
		clock:    clock.Real{},
		loc:      time.UTC,
		logger:   logger.Component("cancellation"),
	}
}

// WithSettings overrides the refund policy source.
func (o *Orchestrator) WithSettings(src refunds.SettingsSource) *Orchestrator {
	if src != nil {
		o.settings = src
	}
	return o
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	o.clock = clock.OrReal(c)
	return o
}

// WithLocation sets the clinic location.
func (o *Orchestrator) WithLocation(loc *time.Location) *Orchestrator {
	if loc != nil {
		o.loc = loc
	}
	return o
}

// WithMetrics attaches metrics.
func (o *Orchestrator) WithMetrics(m *metrics.EconomyMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// Cancel cancels the appointment. Every database change happens in one
// transaction; notification and audit failures are logged only.
func (o *Orchestrator) Cancel(ctx context.Context, appointmentID uuid.UUID, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "cancellation.cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.appointment_id", appointmentID.String()),
		attribute.String("clinic.actor_role", req.ActorRole),
	)

	setting, err := o.settings.Get(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cancellation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	apptStore := appointments.NewStore(tx, o.loc)
	appt, err := apptStore.GetForUpdate(ctx, appointmentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if appt.Status.Terminal() {
		return nil, fmt.Errorf("cancellation: appointment is %s: %w", appt.Status, ErrNotCancellable)
	}

	now := o.clock.Now()
	if req.ActorRole == audit.ActorPatient && setting.MonthlyCancellationLimit > 0 {
		local := now.In(o.loc)
		monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, o.loc)
		used, err := apptStore.CountCancellationsSince(ctx, appt.PatientID, monthStart)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if used >= setting.MonthlyCancellationLimit {
			return nil, fmt.Errorf("cancellation: %d of %d used: %w", used, setting.MonthlyCancellationLimit, ErrMonthlyLimitReached)
		}
	}

	wasPaid := appt.IsPaid()
	reason := resolveReason(req)
	appt.Status = appointments.StatusCancelled
	appt.CanceledAt = &now
	appt.CancellationReason = &reason
	if req.Reason != "" {
		appt.Notes = req.Reason
	}
	if !wasPaid {
		appt.PaymentStatus = appointments.PaymentUnpaid
	}
	appt.UpdatedAt = now
	if err := apptStore.SaveCancellation(ctx, appt); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &Result{Appointment: appt}
	if appt.PaymentMethod == appointments.PaymentMethodMaya {
		payStore := payments.NewStore(tx)
		if wasPaid {
			if err := o.fileRefund(ctx, tx, payStore, appt, req, setting, now, result); err != nil {
				span.RecordError(err)
				return nil, err
			}
		} else {
			ids, err := payStore.CancelOpen(ctx, appt.ID, appointments.PaymentMethodMaya, now)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			result.CancelledPayments = ids
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cancellation: commit: %w", err)
	}
	span.SetAttributes(attribute.Bool("clinic.refund_created", result.RefundRequestCreated))

	o.metrics.ObserveCancellation(actorRole(req.ActorRole), result.RefundRequestCreated)
	if req.Notify {
		o.publish(ctx, result)
	}
	o.record(ctx, req, result)
	o.logger.Info("appointment cancelled",
		"appointment_id", appt.ID, "patient_id", appt.PatientID,
		"reason", reason, "actor_role", actorRole(req.ActorRole),
		"refund_created", result.RefundRequestCreated, "payments_cancelled", len(result.CancelledPayments))
	return result, nil
}

func (o *Orchestrator) fileRefund(ctx context.Context, tx refunds.DB, payStore *payments.Store, appt *appointments.Appointment, req Request, setting refunds.Setting, now time.Time, result *Result) error {
	pay, err := payStore.FindPaidForUpdate(ctx, appt.ID, appointments.PaymentMethodMaya)
	if errors.Is(err, payments.ErrNotFound) {
		o.logger.Warn("paid appointment has no paid maya payment, skipping refund", "appointment_id", appt.ID)
		return nil
	}
	if err != nil {
		return err
	}

	quote := refunds.Calculate(refunds.NewFeeInput(appt, pay), setting, now)
	result.Quote = &quote
	if !quote.RefundAmount.IsPositive() && !setting.CreateZeroRefundRequest {
		return nil
	}

	var deadline *time.Time
	if d, err := refunds.PickupDeadline(ctx, o.calendar, now, setting.PickupBusinessDays); err != nil {
		o.logger.Warn("could not compute pickup deadline", "appointment_id", appt.ID, "error", err)
	} else {
		deadline = &d
	}

	text := req.Reason
	if text == "" {
		text = string(appt.Reason())
	}
	apptID, payID := appt.ID, pay.ID
	rr := refunds.NewRequest(appt.PatientID, &apptID, &payID, quote, text, now, deadline)
	if err := refunds.NewStore(tx).Create(ctx, rr); err != nil {
		return err
	}
	result.RefundRequest = rr
	result.RefundRequestCreated = true
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, result *Result) {
	if o.notifier == nil {
		return
	}
	appt := result.Appointment
	payload := notify.Payload{
		"appointment_id":      appt.ID.String(),
		"status":              string(appt.Status),
		"cancellation_reason": string(appt.Reason()),
		"service_name":        appt.ServiceName,
		"date":                appt.Date.Format("Jan 2, 2006"),
		"time_slot":           appt.RawTimeSlot,
	}
	if rr := result.RefundRequest; rr != nil {
		payload["refund_request_id"] = rr.ID.String()
		payload["refund_amount"] = rr.RefundAmount.StringFixed(2)
	}
	if err := o.notifier.Send(ctx, notify.Patient(appt.PatientID), notify.KindAppointmentStatusChanged, payload); err != nil {
		o.logger.Error("cancellation notification failed", "appointment_id", appt.ID, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, req Request, result *Result) {
	appt := result.Appointment
	role := actorRole(req.ActorRole)
	details := map[string]any{
		"appointment_id":      appt.ID.String(),
		"patient_id":          appt.PatientID,
		"service_id":          appt.ServiceID,
		"cancellation_reason": string(appt.Reason()),
		"payment_method":      appt.PaymentMethod,
	}
	if rr := result.RefundRequest; rr != nil {
		details["refund_request_id"] = rr.ID.String()
		details["refund_amount"] = rr.RefundAmount.StringFixed(2)
		details["cancellation_fee"] = rr.CancellationFee.StringFixed(2)
	}
	if len(result.CancelledPayments) > 0 {
		ids := make([]string, len(result.CancelledPayments))
		for i, id := range result.CancelledPayments {
			ids[i] = id.String()
		}
		details["cancelled_payments"] = ids
	}
	err := o.audit.Record(ctx, audit.Entry{
		Category:  audit.CategoryAppointment,
		Action:    "cancelled",
		SubjectID: appt.ID.String(),
		Message:   fmt.Sprintf("Appointment cancelled by %s", role),
		Context:   details,
		ActorRole: role,
		ActorID:   req.ActorID,
	})
	if err != nil {
		o.logger.Error("cancellation audit failed", "appointment_id", appt.ID, "error", err)
	}
}

func resolveReason(req Request) appointments.CancellationReason {
	if req.RequestedReason != nil && req.RequestedReason.Valid() {
		return *req.RequestedReason
	}
	if req.DefaultReason != nil && req.DefaultReason.Valid() {
		return *req.DefaultReason
	}
	return appointments.ReasonOther
}

func actorRole(role string) string {
	switch role {
	case audit.ActorAdmin, audit.ActorPatient:
		return role
	default:
		return audit.ActorSystem
	}
}
