// Package noshow marks approved appointments whose patient never arrived.
package noshow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-appointments/internal/appointments"
	"github.com/wolfman30/clinic-appointments/internal/audit"
	"github.com/wolfman30/clinic-appointments/internal/calendar"
	"github.com/wolfman30/clinic-appointments/internal/clock"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/internal/risk"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.noshow")

// DefaultGracePeriod is how long after the slot start a patient may still
// arrive.
const DefaultGracePeriod = time.Hour

// AppointmentStore is the subset of appointments.Store the sweep needs.
type AppointmentStore interface {
	ListApprovedOn(ctx context.Context, date time.Time) ([]appointments.Appointment, error)
	HasVisit(ctx context.Context, patientID, serviceID string, date time.Time) (bool, error)
}

// Marker moves an appointment to no_show and counts it against the patient
// atomically. risk.Tracker implements it.
type Marker interface {
	MarkNoShow(ctx context.Context, appt *appointments.Appointment, now time.Time) (risk.Outcome, bool, error)
}

// Summary counts what one sweep did.
type Summary struct {
	Scanned      int
	Marked       int
	Attended     int
	NotDue       int
	Skipped      int
	Failed       int
	RiskErrors   int
	ClinicClosed bool
}

// Sweep finds today's overdue approved appointments and marks them no-show.
type Sweep struct {
	appointments AppointmentStore
	calendar     calendar.Calendar
	marker       Marker
	notifier     notify.Notifier
	audit        audit.Recorder
	metrics      *metrics.EconomyMetrics
	clock        clock.Clock
	grace        time.Duration
	logger       *logging.Logger
}

// NewSweep wires a sweep. notifier may be nil.
func NewSweep(appts AppointmentStore, cal calendar.Calendar, marker Marker, notifier notify.Notifier, recorder audit.Recorder, logger *logging.Logger) *Sweep {
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = audit.Discard{}
	}
	return &Sweep{
		appointments: appts,
		calendar:     cal,
		marker:       marker,
		notifier:     notifier,
		audit:        recorder,
		clock:        clock.Real{},
		grace:        DefaultGracePeriod,
		logger:       logger.Component("noshow_sweep"),
	}
}

// WithClock overrides the time source.
func (s *Sweep) WithClock(c clock.Clock) *Sweep {
	s.clock = clock.OrReal(c)
	return s
}

// WithGracePeriod overrides the arrival grace period.
func (s *Sweep) WithGracePeriod(d time.Duration) *Sweep {
	if d > 0 {
		s.grace = d
	}
	return s
}

// WithMetrics attaches metrics.
func (s *Sweep) WithMetrics(m *metrics.EconomyMetrics) *Sweep {
	s.metrics = m
	return s
}

// Run performs one sweep over today's appointments. Per-appointment failures
// are counted and logged; only failures to resolve the day or list the
// appointments are returned.
func (s *Sweep) Run(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "noshow.sweep")
	defer span.End()

	var sum Summary
	now := s.clock.Now()
	day, err := s.calendar.Resolve(ctx, now)
	if err != nil {
		span.RecordError(err)
		return sum, fmt.Errorf("noshow: resolve today: %w", err)
	}
	if !day.IsOpen {
		sum.ClinicClosed = true
		s.logger.Debug("clinic closed today, nothing to sweep", "date", day.Date.Format(time.DateOnly))
		return sum, nil
	}

	list, err := s.appointments.ListApprovedOn(ctx, day.Date)
	if err != nil {
		span.RecordError(err)
		return sum, fmt.Errorf("noshow: list approved: %w", err)
	}

	for i := range list {
		if ctx.Err() != nil {
			break
		}
		appt := &list[i]
		sum.Scanned++
		s.check(ctx, appt, day, now, &sum)
	}

	span.SetAttributes(
		attribute.Int("clinic.scanned", sum.Scanned),
		attribute.Int("clinic.marked", sum.Marked),
		attribute.Int("clinic.failed", sum.Failed),
	)
	s.metrics.ObserveNoShowOutcome("marked", sum.Marked)
	s.metrics.ObserveNoShowOutcome("attended", sum.Attended)
	s.metrics.ObserveNoShowOutcome("skipped_unparseable", sum.Skipped)
	s.metrics.ObserveNoShowOutcome("failed", sum.Failed)
	if sum.Scanned > 0 {
		s.logger.Info("no-show sweep finished",
			"date", day.Date.Format(time.DateOnly), "scanned", sum.Scanned, "marked", sum.Marked,
			"attended", sum.Attended, "not_due", sum.NotDue, "skipped", sum.Skipped,
			"failed", sum.Failed, "risk_errors", sum.RiskErrors)
	}
	return sum, nil
}

func (s *Sweep) check(ctx context.Context, appt *appointments.Appointment, day calendar.Day, now time.Time, sum *Summary) {
	start, err := appt.StartsAt()
	if err != nil {
		sum.Skipped++
		s.logger.Warn("skipping appointment with unparseable time slot",
			"appointment_id", appt.ID, "time_slot", appt.RawTimeSlot, "error", err)
		return
	}

	attended, err := s.appointments.HasVisit(ctx, appt.PatientID, appt.ServiceID, appt.Date)
	if err != nil {
		sum.Failed++
		s.logger.Error("visit lookup failed", "appointment_id", appt.ID, "error", err)
		return
	}
	if attended {
		sum.Attended++
		return
	}

	if !s.due(start, day, now) {
		sum.NotDue++
		return
	}

	_, marked, err := s.marker.MarkNoShow(ctx, appt, now)
	switch {
	case err != nil && !marked:
		// Rolled back: still approved, the next sweep retries it.
		sum.Failed++
		s.logger.Error("mark no-show failed", "appointment_id", appt.ID, "patient_id", appt.PatientID, "error", err)
		return
	case !marked:
		// Someone else moved it out of approved first.
		return
	case err != nil:
		sum.RiskErrors++
		s.logger.Error("risk policy failed", "appointment_id", appt.ID, "patient_id", appt.PatientID, "error", err)
	}
	sum.Marked++

	s.record(ctx, appt, start)
	s.send(ctx, appt)
}

// due reports whether the grace period has passed, or the clinic has closed
// after the appointment was supposed to start.
func (s *Sweep) due(start time.Time, day calendar.Day, now time.Time) bool {
	if now.After(start.Add(s.grace)) {
		return true
	}
	return !day.Closes.IsZero() && !now.Before(day.Closes) && now.After(start)
}

func (s *Sweep) record(ctx context.Context, appt *appointments.Appointment, start time.Time) {
	err := s.audit.Record(ctx, audit.Entry{
		Category:  audit.CategoryAppointment,
		Action:    "no_show",
		SubjectID: appt.ID.String(),
		Message:   "Appointment marked as no-show",
		Context: map[string]any{
			"patient_id": appt.PatientID,
			"service_id": appt.ServiceID,
			"date":       appt.Date.Format(time.DateOnly),
			"time_slot":  appt.RawTimeSlot,
			"starts_at":  start.Format(time.RFC3339),
		},
		ActorRole: audit.ActorSystem,
	})
	if err != nil {
		s.logger.Error("no-show audit failed", "appointment_id", appt.ID, "error", err)
	}
}

func (s *Sweep) send(ctx context.Context, appt *appointments.Appointment) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notify.Patient(appt.PatientID), notify.KindNoShow, notify.Payload{
		"appointment_id": appt.ID.String(),
		"service_name":   appt.ServiceName,
		"date":           appt.Date.Format("Jan 2, 2006"),
		"time_slot":      appt.RawTimeSlot,
	})
	if err != nil {
		s.logger.Error("no-show notification failed", "appointment_id", appt.ID, "error", err)
	}
}
