package refunds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SettingsSource supplies the active refund policy.
type SettingsSource interface {
	Get(ctx context.Context) (Setting, error)
}

// StaticSettings serves a fixed policy.
type StaticSettings Setting

// Get implements SettingsSource.
func (s StaticSettings) Get(context.Context) (Setting, error) {
	return Setting(s).withDefaults(), nil
}

// SettingsStore reads the singleton refund_settings row.
type SettingsStore struct {
	db DB
}

// NewSettingsStore creates a settings store.
func NewSettingsStore(db DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the configured policy, or DefaultSetting when none is stored.
func (s *SettingsStore) Get(ctx context.Context) (Setting, error) {
	var set Setting
	err := s.db.QueryRow(ctx, `
		SELECT cancellation_deadline_hours, monthly_cancellation_limit,
		       create_zero_refund_request, reminder_days, pickup_business_days
		FROM refund_settings
		ORDER BY id
		LIMIT 1`).Scan(
		&set.CancellationDeadlineHours, &set.MonthlyCancellationLimit,
		&set.CreateZeroRefundRequest, &set.ReminderDays, &set.PickupBusinessDays,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSetting(), nil
	}
	if err != nil {
		return Setting{}, fmt.Errorf("refunds: load settings: %w", err)
	}
	return set.withDefaults(), nil
}
