// Package audit is the append-only event sink every state transition in the
// appointment economy writes to.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category groups audit entries by the entity they describe.
type Category string

const (
	CategoryAppointment   Category = "appointment"
	CategoryRefundRequest Category = "refund_request"
	CategoryPatientRisk   Category = "patient_risk"
)

// Actor roles recorded with each entry.
const (
	ActorAdmin   = "admin"
	ActorPatient = "patient"
	ActorSystem  = "system"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	SubjectID string         `json:"subject_id"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Discard drops every entry. Used when no audit database is configured.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(context.Context, Entry) error { return nil }

// Service writes audit entries to Postgres through database/sql.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a new audit service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Record inserts an entry.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	var details []byte
	if len(entry.Context) > 0 {
		raw, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("audit: marshal context: %w", err)
		}
		details = raw
	}

	query := `
		INSERT INTO audit_log (
			id, category, action, subject_id, message,
			context, actor_role, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Category),
		entry.Action,
		entry.SubjectID,
		entry.Message,
		details,
		nullString(entry.ActorRole),
		nullString(entry.ActorID),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record entry: %w", err)
	}
	return nil
}

// Filter narrows Query results.
type Filter struct {
	Category  Category
	SubjectID string
	Action    string
	Since     time.Time
	Limit     int
}

// Query returns entries newest first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT id, category, action, subject_id, message,
		       context, actor_role, actor_id, created_at
		FROM audit_log
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, string(filter.Category))
		argIdx++
	}
	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filter.SubjectID)
		argIdx++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, filter.Action)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var category string
		var details []byte
		var role, actor sql.NullString
		if err := rows.Scan(&e.ID, &category, &e.Action, &e.SubjectID, &e.Message,
			&details, &role, &actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan entry: %w", err)
		}
		e.Category = Category(category)
		e.ActorRole = role.String
		e.ActorID = actor.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Context); err != nil {
				return nil, fmt.Errorf("audit: decode context: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
