package refunds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface so both a pool and a transaction work.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a DB that can also open transactions.
type Pool interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

const selectRequest = `
	SELECT id, patient_id, appointment_id, payment_id, original_amount, cancellation_fee,
	       refund_amount, reason, status, requested_at, deadline_at, approved_at, approved_by,
	       rejected_at, rejected_by, processed_at, processed_by, completed_at, pickup_notified_at,
	       pickup_reminder_sent_at, deadline_extended_at, deadline_extended_by,
	       extension_reason, extension_count, admin_notes
	FROM refund_requests`

// Store persists refund requests. Every status write carries the expected
// source status in its WHERE clause and reports whether it applied.
type Store struct {
	db DB
}

// NewStore creates a refund request store over a pool or a transaction.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Create inserts a new request.
func (s *Store) Create(ctx context.Context, r *Request) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refund_requests (
			id, patient_id, appointment_id, payment_id, original_amount, cancellation_fee,
			refund_amount, reason, status, requested_at, deadline_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PatientID, r.AppointmentID, r.PaymentID, r.OriginalAmount, r.CancellationFee,
		r.RefundAmount, nullIfEmpty(r.Reason), string(r.Status), r.RequestedAt, r.DeadlineAt,
	)
	if err != nil {
		return fmt.Errorf("refunds: create: %w", err)
	}
	return nil
}

// Get loads a request.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	r, err := scanRequest(s.db.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("refunds: get %s: %w", id, err)
	}
	return r, nil
}

// GetForUpdate loads and row-locks a request.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error) {
	r, err := scanRequest(s.db.QueryRow(ctx, selectRequest+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("refunds: lock %s: %w", id, err)
	}
	return r, nil
}

// Approve moves a pending request to approved.
func (s *Store) Approve(ctx context.Context, id uuid.UUID, adminID, notes string, now time.Time) (bool, error) {
	return s.exec(ctx, "approve", `
		UPDATE refund_requests
		SET status = 'approved', approved_at = $2, approved_by = $3,
		    admin_notes = COALESCE($4, admin_notes), updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now, adminID, nullIfEmpty(notes))
}

// Reject moves a pending request to rejected.
func (s *Store) Reject(ctx context.Context, id uuid.UUID, adminID, notes string, now time.Time) (bool, error) {
	return s.exec(ctx, "reject", `
		UPDATE refund_requests
		SET status = 'rejected', rejected_at = $2, rejected_by = $3,
		    admin_notes = COALESCE($4, admin_notes), updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now, adminID, nullIfEmpty(notes))
}

// MarkProcessed moves an approved request to processed.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, adminID string, now time.Time) (bool, error) {
	return s.exec(ctx, "process", `
		UPDATE refund_requests
		SET status = 'processed', processed_at = $2, processed_by = $3, updated_at = $2
		WHERE id = $1 AND status = 'approved'`, id, now, adminID)
}

// MarkCompleted moves a processed request to completed.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return s.exec(ctx, "complete", `
		UPDATE refund_requests
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processed'`, id, now)
}

// MarkPickupNotified stamps pickup_notified_at once.
func (s *Store) MarkPickupNotified(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return s.exec(ctx, "mark pickup notified", `
		UPDATE refund_requests
		SET pickup_notified_at = $2, updated_at = $2
		WHERE id = $1 AND pickup_notified_at IS NULL
		  AND status IN ('approved', 'processed')`, id, now)
}

// MarkReminderSent stamps pickup_reminder_sent_at once per deadline.
func (s *Store) MarkReminderSent(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return s.exec(ctx, "mark reminder sent", `
		UPDATE refund_requests
		SET pickup_reminder_sent_at = $2, updated_at = $2
		WHERE id = $1 AND pickup_notified_at IS NOT NULL
		  AND pickup_reminder_sent_at IS NULL`, id, now)
}

// Extension describes a deadline change.
type Extension struct {
	DeadlineAt time.Time
	AdminID    string
	Reason     string
	At         time.Time
}

// ExtendDeadline moves the deadline of an open request and re-arms the
// reminder.
func (s *Store) ExtendDeadline(ctx context.Context, id uuid.UUID, ext Extension) (bool, error) {
	return s.exec(ctx, "extend deadline", `
		UPDATE refund_requests
		SET deadline_at = $2, deadline_extended_at = $3, deadline_extended_by = $4,
		    extension_reason = $5, extension_count = extension_count + 1,
		    pickup_reminder_sent_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'approved', 'processed')`,
		id, ext.DeadlineAt, ext.At, ext.AdminID, nullIfEmpty(ext.Reason))
}

// ListOpenWithDeadline returns pending and approved requests that carry a
// pickup deadline.
func (s *Store) ListOpenWithDeadline(ctx context.Context) ([]Request, error) {
	return s.list(ctx, "list open", selectRequest+`
		WHERE status IN ('pending', 'approved') AND deadline_at IS NOT NULL
		ORDER BY deadline_at ASC`)
}

// ListDueReminders returns approved, notified, not yet reminded requests whose
// deadline is within reminderDays of now.
func (s *Store) ListDueReminders(ctx context.Context, now time.Time, reminderDays int) ([]Request, error) {
	return s.list(ctx, "list due reminders", selectRequest+`
		WHERE status = 'approved'
		  AND deadline_at IS NOT NULL
		  AND pickup_notified_at IS NOT NULL
		  AND pickup_reminder_sent_at IS NULL
		  AND deadline_at - make_interval(days => $2) <= $1
		ORDER BY deadline_at ASC`, now, reminderDays)
}

func (s *Store) exec(ctx context.Context, op, sql string, args ...any) (bool, error) {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("refunds: %s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) list(ctx context.Context, op, sql string, args ...any) ([]Request, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("refunds: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("refunds: %s: %w", op, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refunds: %s: %w", op, err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r           Request
		status      string
		reason      *string
		approvedBy  *string
		rejectedBy  *string
		processedBy *string
		extendedBy  *string
		extWhy      *string
		notes       *string
	)
	err := row.Scan(
		&r.ID, &r.PatientID, &r.AppointmentID, &r.PaymentID, &r.OriginalAmount, &r.CancellationFee,
		&r.RefundAmount, &reason, &status, &r.RequestedAt, &r.DeadlineAt, &r.ApprovedAt, &approvedBy,
		&r.RejectedAt, &rejectedBy, &r.ProcessedAt, &processedBy, &r.CompletedAt, &r.PickupNotifiedAt,
		&r.PickupReminderSentAt, &r.DeadlineExtendedAt, &extendedBy,
		&extWhy, &r.ExtensionCount, &notes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Reason = deref(reason)
	r.ApprovedBy = deref(approvedBy)
	r.RejectedBy = deref(rejectedBy)
	r.ProcessedBy = deref(processedBy)
	r.DeadlineExtendedBy = deref(extendedBy)
	r.ExtensionReason = deref(extWhy)
	r.AdminNotes = deref(notes)
	return &r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
