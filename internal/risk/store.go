package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface so both a pool and a transaction work.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a DB that can open transactions.
type Pool interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

const recordColumns = `patient_id, no_show_count, last_no_show_at, warning_count,
	last_warning_sent_at, last_warning_message, block_status, blocked_at,
	block_reason, block_type, blocked_ip`

// Store persists risk records in patient_managers.
type Store struct {
	db DB
}

// NewStore creates a risk store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// IncrementNoShow atomically creates-or-increments the patient's no-show
// count and returns the updated record.
func (s *Store) IncrementNoShow(ctx context.Context, patientID string, now time.Time) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO patient_managers (patient_id, no_show_count, last_no_show_at, block_status, created_at, updated_at)
		VALUES ($1, 1, $2, 'active', $2, $2)
		ON CONFLICT (patient_id) DO UPDATE
		SET no_show_count = patient_managers.no_show_count + 1,
		    last_no_show_at = EXCLUDED.last_no_show_at,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns, patientID, now)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("risk: increment no-show: %w", err)
	}
	return rec, nil
}

// Get returns the patient's record, creating an empty one first if needed.
func (s *Store) Get(ctx context.Context, patientID string, now time.Time) (*Record, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO patient_managers (patient_id, no_show_count, warning_count, block_status, created_at, updated_at)
		VALUES ($1, 0, 0, 'active', $2, $2)
		ON CONFLICT (patient_id) DO NOTHING`, patientID, now)
	if err != nil {
		return nil, fmt.Errorf("risk: ensure record: %w", err)
	}
	return s.Find(ctx, patientID)
}

// Find returns the patient's record without creating one.
func (s *Store) Find(ctx context.Context, patientID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM patient_managers WHERE patient_id = $1`, patientID))
	if err != nil {
		return nil, fmt.Errorf("risk: find %s: %w", patientID, err)
	}
	return rec, nil
}

// SaveWarning stamps a warning on a record that is not blocked and returns
// the new warning count.
func (s *Store) SaveWarning(ctx context.Context, patientID, message string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		UPDATE patient_managers
		SET warning_count = warning_count + 1, last_warning_sent_at = $2,
		    last_warning_message = $3, block_status = 'warning', updated_at = $2
		WHERE patient_id = $1 AND block_status <> 'blocked'
		RETURNING warning_count`, patientID, now, message).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("risk: save warning: %w", err)
	}
	return count, nil
}

// Block describes a block being applied.
type Block struct {
	Type   BlockType
	IP     string
	Reason string
	At     time.Time
}

// Block moves a record to blocked. It reports false when already blocked.
func (s *Store) Block(ctx context.Context, patientID string, b Block) (bool, error) {
	var ip *string
	if b.IP != "" {
		ip = &b.IP
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE patient_managers
		SET block_status = 'blocked', blocked_at = $2, block_reason = $3,
		    block_type = $4, blocked_ip = $5, updated_at = $2
		WHERE patient_id = $1 AND block_status <> 'blocked'`,
		patientID, b.At, b.Reason, string(b.Type), ip)
	if err != nil {
		return false, fmt.Errorf("risk: block: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unblock clears the block and resets the no-show count so the patient starts
// over. It reports false when the record was not blocked.
func (s *Store) Unblock(ctx context.Context, patientID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE patient_managers
		SET block_status = 'active', blocked_at = NULL, block_reason = NULL,
		    block_type = NULL, blocked_ip = NULL, no_show_count = 0, updated_at = $2
		WHERE patient_id = $1 AND block_status = 'blocked'`, patientID, now)
	if err != nil {
		return false, fmt.Errorf("risk: unblock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BlockedIPs returns every IP under an ip or both block, mapped to the
// patients holding it.
func (s *Store) BlockedIPs(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT blocked_ip, patient_id FROM patient_managers
		WHERE block_status = 'blocked' AND block_type IN ('ip', 'both') AND blocked_ip IS NOT NULL
		ORDER BY blocked_ip`)
	if err != nil {
		return nil, fmt.Errorf("risk: blocked ips: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var ip, patientID string
		if err := rows.Scan(&ip, &patientID); err != nil {
			return nil, fmt.Errorf("risk: blocked ips: %w", err)
		}
		out[ip] = append(out[ip], patientID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk: blocked ips: %w", err)
	}
	return out, nil
}

// PatientsBlockingIP lists patients whose ip or both block covers ip.
func (s *Store) PatientsBlockingIP(ctx context.Context, ip string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT patient_id FROM patient_managers
		WHERE block_status = 'blocked' AND block_type IN ('ip', 'both') AND blocked_ip = $1`, ip)
	if err != nil {
		return nil, fmt.Errorf("risk: patients blocking ip: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("risk: patients blocking ip: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r           Record
		status      string
		message     *string
		blockReason *string
		blockType   *string
		blockedIP   *string
	)
	err := row.Scan(&r.PatientID, &r.NoShowCount, &r.LastNoShowAt, &r.WarningCount,
		&r.LastWarningSentAt, &message, &status, &r.BlockedAt,
		&blockReason, &blockType, &blockedIP)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.BlockStatus = BlockStatus(status)
	if message != nil {
		r.LastWarningMessage = *message
	}
	if blockReason != nil {
		r.BlockReason = *blockReason
	}
	if blockType != nil {
		r.BlockType = BlockType(*blockType)
	}
	if blockedIP != nil {
		r.BlockedIP = *blockedIP
	}
	return &r, nil
}
