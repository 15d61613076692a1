package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Contact is how a patient is reached.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// ErrContactNotFound is returned when the patient has no contact row.
var ErrContactNotFound = errors.New("notify: contact not found")

// Directory resolves patient contact details.
type Directory interface {
	Lookup(ctx context.Context, patientID string) (Contact, error)
}

// Inbox stores in-app notifications.
type Inbox interface {
	Save(ctx context.Context, msg Message, content Content) error
}

// PGDirectory reads contacts from the patients table.
type PGDirectory struct {
	db DB
}

// NewPGDirectory creates a Postgres-backed directory.
func NewPGDirectory(db DB) *PGDirectory {
	return &PGDirectory{db: db}
}

// Lookup returns the patient's contact details.
func (d *PGDirectory) Lookup(ctx context.Context, patientID string) (Contact, error) {
	var c Contact
	var email, phone *string
	err := d.db.QueryRow(ctx, `
		SELECT full_name, email, phone
		FROM patients
		WHERE id = $1`, patientID).Scan(&c.Name, &email, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrContactNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("notify: lookup contact: %w", err)
	}
	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	return c, nil
}

// PGInbox writes in-app notifications. The message ID is the primary key so
// a redelivered queue message does not create a duplicate row.
type PGInbox struct {
	db DB
}

// NewPGInbox creates a Postgres-backed inbox.
func NewPGInbox(db DB) *PGInbox {
	return &PGInbox{db: db}
}

// Save inserts the notification.
func (i *PGInbox) Save(ctx context.Context, msg Message, content Content) error {
	var patientID *string
	if msg.Recipient.PatientID != "" {
		patientID = &msg.Recipient.PatientID
	}
	_, err := i.db.Exec(ctx, `
		INSERT INTO notifications (id, audience, patient_id, kind, title, body, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, string(msg.Recipient.Audience), patientID, string(msg.Kind),
		content.Subject, content.Body, msg.Payload, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notify: save in-app notification: %w", err)
	}
	return nil
}

// DeliveryLog remembers which channels already carried a message, so a
// redelivered queue message retries only the channels that failed.
type DeliveryLog interface {
	Delivered(ctx context.Context, messageID, channel string) (bool, error)
	MarkDelivered(ctx context.Context, messageID, channel string) error
}

// PGDeliveryLog keeps the ledger in notification_deliveries.
type PGDeliveryLog struct {
	db DB
}

// NewPGDeliveryLog creates a Postgres-backed delivery ledger.
func NewPGDeliveryLog(db DB) *PGDeliveryLog {
	return &PGDeliveryLog{db: db}
}

// Delivered reports whether channel already succeeded for the message.
func (l *PGDeliveryLog) Delivered(ctx context.Context, messageID, channel string) (bool, error) {
	var done bool
	err := l.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_deliveries
			WHERE message_id = $1 AND channel = $2
		)`, messageID, channel).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("notify: check delivery: %w", err)
	}
	return done, nil
}

// MarkDelivered records a successful send. Recording twice is harmless.
func (l *PGDeliveryLog) MarkDelivered(ctx context.Context, messageID, channel string) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO notification_deliveries (message_id, channel, delivered_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id, channel) DO NOTHING`, messageID, channel)
	if err != nil {
		return fmt.Errorf("notify: record delivery: %w", err)
	}
	return nil
}

// MemoryDeliveryLog is a process-local ledger for the in-memory queue.
type MemoryDeliveryLog struct {
	mu   sync.Mutex
	done map[string]struct{}
}

// NewMemoryDeliveryLog creates an empty ledger.
func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{done: map[string]struct{}{}}
}

// Delivered implements DeliveryLog.
func (l *MemoryDeliveryLog) Delivered(_ context.Context, messageID, channel string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[messageID+"|"+channel]
	return ok, nil
}

// MarkDelivered implements DeliveryLog.
func (l *MemoryDeliveryLog) MarkDelivered(_ context.Context, messageID, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[messageID+"|"+channel] = struct{}{}
	return nil
}
