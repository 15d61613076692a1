package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-appointments/internal/timeslot"
)

// DB abstracts the pgx query interface so both a pool and a transaction work.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectAppointment = `
	SELECT a.id, a.patient_id, a.service_id, s.name, a.appointment_date, a.time_slot,
	       a.status, a.payment_status, a.payment_method, a.cancellation_reason,
	       a.canceled_at, a.notes, s.cancellation_fee, host(a.booked_from_ip), a.updated_at
	FROM appointments a
	JOIN services s ON s.id = a.service_id`

// Store reads and writes appointments.
type Store struct {
	db  DB
	loc *time.Location
}

// NewStore creates an appointment store. loc is the clinic location used to
// interpret appointment dates.
func NewStore(db DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, loc: loc}
}

// Get loads an appointment.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, selectAppointment+` WHERE a.id = $1`, id)
	appt, err := s.scan(row)
	if err != nil {
		return nil, fmt.Errorf("appointments: get %s: %w", id, err)
	}
	return appt, nil
}

// GetForUpdate loads and row-locks an appointment. Must run inside a
// transaction.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, selectAppointment+` WHERE a.id = $1 FOR UPDATE OF a`, id)
	appt, err := s.scan(row)
	if err != nil {
		return nil, fmt.Errorf("appointments: lock %s: %w", id, err)
	}
	return appt, nil
}

// ListApprovedOn returns approved appointments scheduled on the given civil
// date.
func (s *Store) ListApprovedOn(ctx context.Context, date time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, selectAppointment+`
		WHERE a.status = 'approved' AND a.appointment_date = $1
		ORDER BY a.time_slot ASC`, date.In(s.loc).Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("appointments: list approved: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: list approved: %w", err)
		}
		out = append(out, *appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: list approved: %w", err)
	}
	return out, nil
}

// SaveCancellation persists the cancellation fields set on appt.
func (s *Store) SaveCancellation(ctx context.Context, appt *Appointment) error {
	var reason *string
	if appt.CancellationReason != nil {
		r := string(*appt.CancellationReason)
		reason = &r
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments
		SET status = $2, canceled_at = $3, cancellation_reason = $4, notes = $5,
		    payment_status = $6, updated_at = $7
		WHERE id = $1`,
		appt.ID, string(appt.Status), appt.CanceledAt, reason, nullIfEmpty(appt.Notes),
		string(appt.PaymentStatus), appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("appointments: save cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointments: save cancellation %s: %w", appt.ID, ErrNotFound)
	}
	return nil
}

// MarkNoShow moves an approved appointment to no_show. It reports false when
// the row was no longer approved, so concurrent sweeps mark each appointment
// at most once.
func (s *Store) MarkNoShow(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET status = 'no_show', updated_at = $2
		WHERE id = $1 AND status = 'approved'`, id, now)
	if err != nil {
		return false, fmt.Errorf("appointments: mark no-show: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPaymentStatus updates the denormalised payment status.
func (s *Store) SetPaymentStatus(ctx context.Context, id uuid.UUID, status PaymentStatus, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE appointments SET payment_status = $2, updated_at = $3
		WHERE id = $1`, id, string(status), now)
	if err != nil {
		return fmt.Errorf("appointments: set payment status: %w", err)
	}
	return nil
}

// CountCancellationsSince counts the patient's cancellations at or after since.
func (s *Store) CountCancellationsSince(ctx context.Context, patientID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE patient_id = $1 AND status = 'cancelled' AND canceled_at >= $2`,
		patientID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("appointments: count cancellations: %w", err)
	}
	return n, nil
}

// HasVisit reports whether a visit was recorded for the patient, service and
// date, i.e. the patient attended.
func (s *Store) HasVisit(ctx context.Context, patientID, serviceID string, date time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM visits
			WHERE patient_id = $1 AND service_id = $2 AND visit_date = $3
		)`, patientID, serviceID, date.In(s.loc).Format(time.DateOnly)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("appointments: visit lookup: %w", err)
	}
	return exists, nil
}

func (s *Store) scan(row pgx.Row) (*Appointment, error) {
	var (
		a         Appointment
		date      time.Time
		status    string
		payStatus string
		reason    *string
		notes     *string
		fee       decimal.NullDecimal
		ip        *string
	)
	err := row.Scan(
		&a.ID, &a.PatientID, &a.ServiceID, &a.ServiceName, &date, &a.RawTimeSlot,
		&status, &payStatus, &a.PaymentMethod, &reason,
		&a.CanceledAt, &notes, &fee, &ip, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, s.loc)
	a.Status = Status(status)
	a.PaymentStatus = PaymentStatus(payStatus)
	if reason != nil {
		r := CancellationReason(*reason)
		a.CancellationReason = &r
	}
	if notes != nil {
		a.Notes = *notes
	}
	if fee.Valid {
		f := fee.Decimal
		a.ServiceCancellationFee = &f
	}
	if ip != nil {
		a.BookedFromIP = *ip
	}
	if slot, err := timeslot.Parse(a.RawTimeSlot); err == nil {
		a.TimeSlot = slot
	}
	return &a, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
