package refunds

import (
	"context"
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
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.refunds")

// Lifecycle drives refund requests through approval, processing and the
// pickup notification steps.
type Lifecycle struct {
	pool     Pool
	requests *Store
	settings SettingsSource
	calendar calendar.Calendar
	notifier notify.Notifier
	audit    audit.Recorder
	metrics  *metrics.EconomyMetrics
	clock    clock.Clock
	logger   *logging.Logger
}

// NewLifecycle wires the refund state machine.
func NewLifecycle(pool Pool, cal calendar.Calendar, notifier notify.Notifier, recorder audit.Recorder, logger *logging.Logger) *Lifecycle {
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = audit.Discard{}
	}
	return &Lifecycle{
		pool:     pool,
		requests: NewStore(pool),
		settings: StaticSettings(DefaultSetting()),
		calendar: cal,
		notifier: notifier,
		audit:    recorder,
		clock:    clock.Real{},
		logger:   logger.Component("refund_lifecycle"),
	}
}

// WithSettings sets the policy source.
func (l *Lifecycle) WithSettings(src SettingsSource) *Lifecycle {
	if src != nil {
		l.settings = src
	}
	return l
}

// WithClock overrides the time source.
func (l *Lifecycle) WithClock(c clock.Clock) *Lifecycle {
	l.clock = clock.OrReal(c)
	return l
}

// WithMetrics attaches metrics.
func (l *Lifecycle) WithMetrics(m *metrics.EconomyMetrics) *Lifecycle {
	l.metrics = m
	return l
}

// Approve accepts a pending request.
func (l *Lifecycle) Approve(ctx context.Context, id uuid.UUID, adminID, notes string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "refunds.approve")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.refund_request_id", id.String()))

	req, err := l.requests.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("refunds: approve %s request: %w", req.Status, ErrInvalidTransition)
	}
	now := l.clock.Now()
	ok, err := l.requests.Approve(ctx, id, adminID, notes, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refunds: approve %s: %w", id, ErrInvalidTransition)
	}
	req.Status = StatusApproved
	req.ApprovedAt = &now
	req.ApprovedBy = adminID
	if notes != "" {
		req.AdminNotes = notes
	}

	l.record(ctx, req, "approved", "Refund request approved", adminID, map[string]any{"notes": notes})
	l.metrics.ObserveRefundTransition(string(StatusApproved))
	return req, nil
}

// Reject declines a pending request.
func (l *Lifecycle) Reject(ctx context.Context, id uuid.UUID, adminID, notes string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "refunds.reject")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.refund_request_id", id.String()))

	req, err := l.requests.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("refunds: reject %s request: %w", req.Status, ErrInvalidTransition)
	}
	now := l.clock.Now()
	ok, err := l.requests.Reject(ctx, id, adminID, notes, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refunds: reject %s: %w", id, ErrInvalidTransition)
	}
	req.Status = StatusRejected
	req.RejectedAt = &now
	req.RejectedBy = adminID
	if notes != "" {
		req.AdminNotes = notes
	}

	l.record(ctx, req, "rejected", "Refund request rejected", adminID, map[string]any{"notes": notes})
	l.metrics.ObserveRefundTransition(string(StatusRejected))
	return req, nil
}

// Process pays out an approved request. The request, its payment and the
// appointment's payment status change in one transaction.
func (l *Lifecycle) Process(ctx context.Context, id uuid.UUID, adminID string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "refunds.process")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.refund_request_id", id.String()))

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refunds: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	store := NewStore(tx)
	req, err := store.GetForUpdate(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("refunds: process %s request: %w", req.Status, ErrInvalidTransition)
	}

	now := l.clock.Now()
	ok, err := store.MarkProcessed(ctx, id, adminID, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refunds: process %s: %w", id, ErrInvalidTransition)
	}
	if req.PaymentID != nil {
		if err := payments.NewStore(tx).MarkRefunded(ctx, *req.PaymentID, adminID, now); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	if req.AppointmentID != nil {
		if err := appointments.NewStore(tx, nil).SetPaymentStatus(ctx, *req.AppointmentID, appointments.PaymentRefunded, now); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refunds: commit: %w", err)
	}

	req.Status = StatusProcessed
	req.ProcessedAt = &now
	req.ProcessedBy = adminID

	l.record(ctx, req, "processed", "Refund processed", adminID, nil)
	l.send(ctx, req, notify.KindRefundReceipt)
	l.metrics.ObserveRefundTransition(string(StatusProcessed))
	return req, nil
}

// Complete closes a processed request once the patient collected the money.
func (l *Lifecycle) Complete(ctx context.Context, id uuid.UUID, adminID string) (*Request, error) {
	req, err := l.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusProcessed {
		return nil, fmt.Errorf("refunds: complete %s request: %w", req.Status, ErrInvalidTransition)
	}
	now := l.clock.Now()
	ok, err := l.requests.MarkCompleted(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refunds: complete %s: %w", id, ErrInvalidTransition)
	}
	req.Status = StatusCompleted
	req.CompletedAt = &now

	l.record(ctx, req, "completed", "Refund collected by patient", adminID, nil)
	l.metrics.ObserveRefundTransition(string(StatusCompleted))
	return req, nil
}

// NotifyReadyForPickup tells the patient the refund can be collected. It
// reports false without side effects when the patient was already told.
func (l *Lifecycle) NotifyReadyForPickup(ctx context.Context, id uuid.UUID, actorID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "refunds.notify_ready_for_pickup")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.refund_request_id", id.String()))

	req, err := l.requests.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if req.Status != StatusApproved && req.Status != StatusProcessed {
		return false, fmt.Errorf("refunds: notify pickup for %s request: %w", req.Status, ErrInvalidTransition)
	}
	if req.PickupNotifiedAt != nil {
		return false, nil
	}
	now := l.clock.Now()
	ok, err := l.requests.MarkPickupNotified(ctx, id, now)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	req.PickupNotifiedAt = &now

	l.record(ctx, req, "pickup_notified", "Patient notified refund is ready for pickup", actorID, nil)
	l.send(ctx, req, notify.KindRefundReadyForPickup)
	l.metrics.ObserveRefundTransition("pickup_notified")
	return true, nil
}

// SendPickupReminder sends the single reminder allowed per deadline.
func (l *Lifecycle) SendPickupReminder(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracer.Start(ctx, "refunds.send_pickup_reminder")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.refund_request_id", id.String()))

	req, err := l.requests.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if req.Status != StatusApproved && req.Status != StatusProcessed {
		return false, fmt.Errorf("refunds: remind %s request: %w", req.Status, ErrInvalidTransition)
	}
	if req.PickupNotifiedAt == nil {
		return false, fmt.Errorf("refunds: remind %s: %w", id, ErrNotNotified)
	}
	if req.PickupReminderSentAt != nil {
		return false, nil
	}
	now := l.clock.Now()
	ok, err := l.requests.MarkReminderSent(ctx, id, now)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	req.PickupReminderSentAt = &now

	l.record(ctx, req, "pickup_reminder_sent", "Pickup reminder sent", "", nil)
	l.send(ctx, req, notify.KindRefundPickupReminder)
	l.metrics.ObserveRefundTransition("pickup_reminder")
	return true, nil
}

// ExtendDeadline pushes the pickup deadline out by businessDays counted from
// the later of now and the current deadline. A zero or negative count uses
// the configured pickup window. The reminder is re-armed.
func (l *Lifecycle) ExtendDeadline(ctx context.Context, id uuid.UUID, adminID string, businessDays int, reason string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "refunds.extend_deadline")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.refund_request_id", id.String()))

	req, err := l.requests.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !req.Status.Open() {
		return nil, fmt.Errorf("refunds: extend %s request: %w", req.Status, ErrInvalidTransition)
	}
	if businessDays <= 0 {
		setting, err := l.settings.Get(ctx)
		if err != nil {
			return nil, err
		}
		businessDays = setting.PickupBusinessDays
	}

	now := l.clock.Now()
	base := now
	if req.DeadlineAt != nil && req.DeadlineAt.After(now) {
		base = *req.DeadlineAt
	}
	deadline, err := PickupDeadline(ctx, l.calendar, base, businessDays)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	previous := req.DeadlineAt
	ok, err := l.requests.ExtendDeadline(ctx, id, Extension{DeadlineAt: deadline, AdminID: adminID, Reason: reason, At: now})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refunds: extend %s: %w", id, ErrInvalidTransition)
	}
	req.DeadlineAt = &deadline
	req.DeadlineExtendedAt = &now
	req.DeadlineExtendedBy = adminID
	req.ExtensionReason = reason
	req.ExtensionCount++
	req.PickupReminderSentAt = nil

	details := map[string]any{"new_deadline": deadline.Format(time.RFC3339), "business_days": businessDays, "reason": reason}
	if previous != nil {
		details["previous_deadline"] = previous.Format(time.RFC3339)
	}
	l.record(ctx, req, "deadline_extended", "Pickup deadline extended", adminID, details)
	l.metrics.ObserveRefundTransition("deadline_extended")
	return req, nil
}

// ComputeDeadline returns the pickup deadline for a request made at from.
func (l *Lifecycle) ComputeDeadline(ctx context.Context, from time.Time) (time.Time, error) {
	setting, err := l.settings.Get(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return PickupDeadline(ctx, l.calendar, from, setting.PickupBusinessDays)
}

// PickupDeadline is the closing time of the n-th business day after from.
// Closed days are skipped.
func PickupDeadline(ctx context.Context, cal calendar.Calendar, from time.Time, n int) (time.Time, error) {
	day, err := calendar.AddBusinessDays(ctx, cal, from, n)
	if err != nil {
		return time.Time{}, fmt.Errorf("refunds: pickup deadline: %w", err)
	}
	if !day.Closes.IsZero() {
		return day.Closes, nil
	}
	return day.Date.AddDate(0, 0, 1).Add(-time.Second), nil
}

func (l *Lifecycle) record(ctx context.Context, req *Request, action, message, actorID string, details map[string]any) {
	entryCtx := map[string]any{
		"patient_id":    req.PatientID,
		"refund_amount": req.RefundAmount.StringFixed(2),
		"status":        string(req.Status),
	}
	if req.AppointmentID != nil {
		entryCtx["appointment_id"] = req.AppointmentID.String()
	}
	for k, v := range details {
		entryCtx[k] = v
	}
	role := audit.ActorAdmin
	if actorID == "" {
		role = audit.ActorSystem
	}
	err := l.audit.Record(ctx, audit.Entry{
		Category:  audit.CategoryRefundRequest,
		Action:    action,
		SubjectID: req.ID.String(),
		Message:   message,
		Context:   entryCtx,
		ActorRole: role,
		ActorID:   actorID,
	})
	if err != nil {
		l.logger.Error("refund audit failed", "refund_request_id", req.ID, "action", action, "error", err)
	}
}

func (l *Lifecycle) send(ctx context.Context, req *Request, kind notify.Kind) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Send(ctx, notify.Patient(req.PatientID), kind, notify.Payload(req.payload())); err != nil {
		l.logger.Error("refund notification failed", "refund_request_id", req.ID, "kind", kind, "error", err)
	}
}
