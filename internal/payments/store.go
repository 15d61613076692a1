package payments

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

const selectPayment = `
	SELECT id, appointment_id, amount_due, amount_paid, method, status,
	       paid_at, cancelled_at, refunded_at, refunded_by
	FROM payments`

// Store persists payment state transitions. Every transition is guarded by a
// status predicate in SQL so a paid payment can never become cancelled.
type Store struct {
	db DB
}

// NewStore creates a payment store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Get loads a payment by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, selectPayment+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("payments: get %s: %w", id, err)
	}
	return p, nil
}

// FindPaidForUpdate returns the most recent paid payment of the given method
// for the appointment and locks it.
func (s *Store) FindPaidForUpdate(ctx context.Context, appointmentID uuid.UUID, method string) (*Payment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, selectPayment+`
		WHERE appointment_id = $1 AND method = $2 AND status = 'paid'
		ORDER BY paid_at DESC NULLS LAST
		LIMIT 1
		FOR UPDATE`, appointmentID, method))
	if err != nil {
		return nil, fmt.Errorf("payments: find paid: %w", err)
	}
	return p, nil
}

// CancelOpen cancels every unpaid or awaiting payment of the given method for
// the appointment and returns the IDs it cancelled.
func (s *Store) CancelOpen(ctx context.Context, appointmentID uuid.UUID, method string, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE payments
		SET status = 'cancelled', cancelled_at = $3, updated_at = $3
		WHERE appointment_id = $1 AND method = $2 AND status IN ('unpaid', 'awaiting_payment')
		RETURNING id`, appointmentID, method, now)
	if err != nil {
		return nil, fmt.Errorf("payments: cancel open: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("payments: cancel open: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payments: cancel open: %w", err)
	}
	return ids, nil
}

// MarkRefunded moves a paid payment to refunded.
func (s *Store) MarkRefunded(ctx context.Context, id uuid.UUID, refundedBy string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payments
		SET status = 'refunded', refunded_at = $2, refunded_by = $3, updated_at = $2
		WHERE id = $1 AND status = 'paid'`, id, now, refundedBy)
	if err != nil {
		return fmt.Errorf("payments: mark refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payments: mark refunded %s: %w", id, ErrNotRefundable)
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p          Payment
		status     string
		refundedBy *string
	)
	err := row.Scan(&p.ID, &p.AppointmentID, &p.AmountDue, &p.AmountPaid, &p.Method, &status,
		&p.PaidAt, &p.CancelledAt, &p.RefundedAt, &refundedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if refundedBy != nil {
		p.RefundedBy = *refundedBy
	}
	return &p, nil
}
