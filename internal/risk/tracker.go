package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-appointments/internal/appointments"
	"github.com/wolfman30/clinic-appointments/internal/audit"
	"github.com/wolfman30/clinic-appointments/internal/clock"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.risk")

// Outcome reports what HandleNoShow or MarkNoShow did.
type Outcome struct {
	Record       *Record
	Warned       bool
	Blocked      bool
	AdminAlerted bool
}

// Tracker applies the no-show policy to patient risk records.
type Tracker struct {
	pool     Pool
	store    *Store
	index    IPIndex
	policy   Policy
	notifier notify.Notifier
	audit    audit.Recorder
	metrics  *metrics.EconomyMetrics
	clock    clock.Clock
	logger   *logging.Logger
}

// NewTracker creates a tracker. A nil index falls back to querying Postgres.
func NewTracker(pool Pool, index IPIndex, policy Policy, notifier notify.Notifier, recorder audit.Recorder, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	store := NewStore(pool)
	if index == nil {
		index = NewStoreIPIndex(store)
	}
	if recorder == nil {
		recorder = audit.Discard{}
	}
	if policy.BlockType == "" {
		policy.BlockType = BlockAccount
	}
	return &Tracker{
		pool:     pool,
		store:    store,
		index:    index,
		policy:   policy,
		notifier: notifier,
		audit:    recorder,
		clock:    clock.Real{},
		logger:   logger.Component("risk_tracker"),
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(c clock.Clock) *Tracker {
	t.clock = clock.OrReal(c)
	return t
}

// WithMetrics attaches metrics.
func (t *Tracker) WithMetrics(m *metrics.EconomyMetrics) *Tracker {
	t.metrics = m
	return t
}

// Policy returns the active thresholds.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// HandleNoShow counts a no-show against the patient and applies warnings,
// blocks and staff alerts. Appointments not in no_show status are ignored.
func (t *Tracker) HandleNoShow(ctx context.Context, appt *appointments.Appointment) (Outcome, error) {
	if appt == nil || appt.Status != appointments.StatusNoShow {
		return Outcome{}, nil
	}
	ctx, span := tracer.Start(ctx, "risk.handle_no_show")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.patient_id", appt.PatientID),
		attribute.String("clinic.appointment_id", appt.ID.String()),
	)

	now := t.clock.Now()
	rec, err := t.store.IncrementNoShow(ctx, appt.PatientID, now)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	out, err := t.apply(ctx, appt, rec, now)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// MarkNoShow moves an approved appointment to no_show and counts it against
// the patient in one transaction, then applies the policy. marked is false
// when the appointment had already left approved or the transaction failed;
// either way nothing was counted and the appointment is unchanged. A policy
// error after commit is returned with marked set.
func (t *Tracker) MarkNoShow(ctx context.Context, appt *appointments.Appointment, now time.Time) (out Outcome, marked bool, err error) {
	if appt == nil {
		return Outcome{}, false, nil
	}
	ctx, span := tracer.Start(ctx, "risk.mark_no_show")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.patient_id", appt.PatientID),
		attribute.String("clinic.appointment_id", appt.ID.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
	}()

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("risk: begin no-show: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := appointments.NewStore(tx, nil).MarkNoShow(ctx, appt.ID, now)
	if err != nil || !ok {
		return Outcome{}, false, err
	}
	rec, err := NewStore(tx).IncrementNoShow(ctx, appt.PatientID, now)
	if err != nil {
		return Outcome{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, false, fmt.Errorf("risk: commit no-show: %w", err)
	}
	appt.Status = appointments.StatusNoShow
	appt.UpdatedAt = now

	out, err = t.apply(ctx, appt, rec, now)
	return out, true, err
}

// apply runs the warning, block and alert rules against a freshly counted
// record.
func (t *Tracker) apply(ctx context.Context, appt *appointments.Appointment, rec *Record, now time.Time) (Outcome, error) {
	out := Outcome{Record: rec}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("clinic.no_show_count", rec.NoShowCount))

	if t.policy.ShouldReceiveWarning(rec) {
		if err := t.warn(ctx, rec, now); err != nil {
			return out, err
		}
		out.Warned = true
	}

	if t.policy.ShouldBeBlocked(rec) {
		blocked, err := t.block(ctx, rec, appt.BookedFromIP, now)
		if err != nil {
			return out, err
		}
		out.Blocked = blocked
	}

	if t.policy.ShouldAlertAdmin(rec) {
		t.send(ctx, notify.Admins(), notify.KindAdminRiskAlert, notify.Payload{
			"patient_id":    rec.PatientID,
			"no_show_count": rec.NoShowCount,
			"warning_count": rec.WarningCount,
			"block_status":  string(rec.BlockStatus),
			"block_type":    string(rec.BlockType),
			"service_name":  appt.ServiceName,
			"date":          appt.Date.Format(time.DateOnly),
			"time_slot":     appt.RawTimeSlot,
		})
		t.metrics.ObserveRiskTransition("admin_alert")
		out.AdminAlerted = true
	}

	t.logger.Info("no-show recorded",
		"patient_id", rec.PatientID, "appointment_id", appt.ID,
		"no_show_count", rec.NoShowCount, "warned", out.Warned, "blocked", out.Blocked)
	return out, nil
}

func (t *Tracker) warn(ctx context.Context, rec *Record, now time.Time) error {
	message := warningMessage(rec.NoShowCount, t.policy.BlockAtCount)
	count, err := t.store.SaveWarning(ctx, rec.PatientID, message, now)
	if err != nil {
		return err
	}
	rec.WarningCount = count
	rec.LastWarningSentAt = &now
	rec.LastWarningMessage = message
	rec.BlockStatus = StatusWarning

	t.send(ctx, notify.Patient(rec.PatientID), notify.KindNoShowWarning, notify.Payload{
		"message":       message,
		"no_show_count": rec.NoShowCount,
	})
	t.record(ctx, rec, "warning_sent", message, audit.ActorSystem, "", nil)
	t.metrics.ObserveRiskTransition("warning")
	return nil
}

func (t *Tracker) block(ctx context.Context, rec *Record, ip string, now time.Time) (bool, error) {
	blockType := t.policy.BlockType
	if blockType.NeedsIP() && ip == "" {
		t.logger.Warn("no booking ip for ip block, blocking account instead", "patient_id", rec.PatientID)
		blockType = BlockAccount
	}
	if !blockType.NeedsIP() {
		ip = ""
	}
	reason := fmt.Sprintf("Automatically blocked after %d no-shows", rec.NoShowCount)
	applied, err := t.store.Block(ctx, rec.PatientID, Block{Type: blockType, IP: ip, Reason: reason, At: now})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	rec.BlockStatus = StatusBlocked
	rec.BlockedAt = &now
	rec.BlockReason = reason
	rec.BlockType = blockType
	rec.BlockedIP = ip

	if ip != "" {
		if err := t.index.Add(ctx, ip, rec.PatientID); err != nil {
			t.logger.Error("failed to index blocked ip", "patient_id", rec.PatientID, "error", err)
		}
	}

	message := blockMessage(blockType, rec.NoShowCount)
	t.send(ctx, notify.Patient(rec.PatientID), notify.KindAccountBlocked, notify.Payload{
		"message":       message,
		"block_type":    string(blockType),
		"no_show_count": rec.NoShowCount,
	})
	t.record(ctx, rec, "blocked", reason, audit.ActorSystem, "", map[string]any{"block_type": string(blockType), "blocked_ip": ip})
	t.metrics.ObserveRiskTransition("blocked")
	return true, nil
}

// IsBlocked reports whether a booking by patientID from ip must be refused.
// The patient's own block applies, and so does any other patient's block on
// the same IP.
func (t *Tracker) IsBlocked(ctx context.Context, patientID, ip string) (bool, error) {
	rec, err := t.store.Find(ctx, patientID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, err
	case rec.Blocks(ip):
		return true, nil
	}
	if ip == "" {
		return false, nil
	}
	holders, err := t.index.BlockedBy(ctx, ip)
	if err != nil {
		return false, err
	}
	return len(holders) > 0, nil
}

// Get returns the patient's record, creating it when missing.
func (t *Tracker) Get(ctx context.Context, patientID string) (*Record, error) {
	return t.store.Get(ctx, patientID, t.clock.Now())
}

// Unblock lifts a block, resets the no-show count and removes the patient
// from the IP index. Unblocking a patient that is not blocked is a no-op.
func (t *Tracker) Unblock(ctx context.Context, patientID, actorID, reason string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "risk.unblock")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.patient_id", patientID))

	now := t.clock.Now()
	rec, err := t.store.Get(ctx, patientID, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !rec.IsBlocked() {
		return rec, nil
	}
	ok, err := t.store.Unblock(ctx, patientID, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return t.store.Find(ctx, patientID)
	}

	previousIP, previousType := rec.BlockedIP, rec.BlockType
	if previousIP != "" {
		if err := t.index.Remove(ctx, previousIP, patientID); err != nil {
			t.logger.Error("failed to remove blocked ip from index", "patient_id", patientID, "error", err)
		}
	}
	rec.BlockStatus = StatusActive
	rec.BlockedAt = nil
	rec.BlockReason = ""
	rec.BlockType = ""
	rec.BlockedIP = ""
	rec.NoShowCount = 0

	t.send(ctx, notify.Patient(patientID), notify.KindAccountUnblocked, nil)
	t.record(ctx, rec, "unblocked", "Booking access restored", audit.ActorAdmin, actorID, map[string]any{
		"reason":        reason,
		"previous_type": string(previousType),
		"previous_ip":   previousIP,
	})
	t.metrics.ObserveRiskTransition("unblocked")
	return rec, nil
}

// RebuildIPIndex reloads the IP index from Postgres. It returns the number of
// IPs indexed; indexes backed by the store itself need no rebuild.
func (t *Tracker) RebuildIPIndex(ctx context.Context) (int, error) {
	rebuilder, ok := t.index.(interface {
		Rebuild(ctx context.Context, entries map[string][]string) error
	})
	if !ok {
		return 0, nil
	}
	entries, err := t.store.BlockedIPs(ctx)
	if err != nil {
		return 0, err
	}
	if err := rebuilder.Rebuild(ctx, entries); err != nil {
		return 0, err
	}
	t.logger.Info("blocked ip index rebuilt", "ips", len(entries))
	return len(entries), nil
}

func (t *Tracker) send(ctx context.Context, to notify.Recipient, kind notify.Kind, payload notify.Payload) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Send(ctx, to, kind, payload); err != nil {
		t.logger.Error("risk notification failed", "patient_id", to.PatientID, "kind", kind, "error", err)
	}
}

func (t *Tracker) record(ctx context.Context, rec *Record, action, message, role, actorID string, extra map[string]any) {
	details := map[string]any{
		"no_show_count": rec.NoShowCount,
		"warning_count": rec.WarningCount,
		"block_status":  string(rec.BlockStatus),
	}
	for k, v := range extra {
		details[k] = v
	}
	err := t.audit.Record(ctx, audit.Entry{
		Category:  audit.CategoryPatientRisk,
		Action:    action,
		SubjectID: rec.PatientID,
		Message:   message,
		Context:   details,
		ActorRole: role,
		ActorID:   actorID,
	})
	if err != nil {
		t.logger.Error("risk audit failed", "patient_id", rec.PatientID, "action", action, "error", err)
	}
}

func warningMessage(count, blockAt int) string {
	if blockAt > count {
		remaining := blockAt - count
		return fmt.Sprintf("You have missed %d appointments. After %d more missed appointment(s) your booking access will be suspended. Please cancel ahead if you cannot make it.", count, remaining)
	}
	return fmt.Sprintf("You have missed %d appointments. Please cancel ahead if you cannot make it.", count)
}

func blockMessage(t BlockType, count int) string {
	switch t {
	case BlockIP:
		return fmt.Sprintf("Online bookings from your network have been suspended after %d missed appointments. Please call the clinic to book or to appeal.", count)
	case BlockBoth:
		return fmt.Sprintf("Your account and bookings from your network have been suspended after %d missed appointments. Please visit the clinic front desk to restore access.", count)
	default:
		return fmt.Sprintf("Your account has been suspended from booking after %d missed appointments. Please contact the clinic to restore access.", count)
	}
}
