package refunds

import (
	"errors"

	"github.com/wolfman30/clinic-appointments/internal/calendar"
)

var (
	// ErrNotFound is returned when a refund request does not exist.
	ErrNotFound = errors.New("refunds: request not found")
	// ErrInvalidTransition is returned when the request is not in a state that
	// allows the requested change.
	ErrInvalidTransition = errors.New("refunds: invalid status transition")
	// ErrNotNotified is returned when a reminder is requested before the
	// patient was told the refund is ready.
	ErrNotNotified = errors.New("refunds: pickup notification not sent")
	// ErrNoBusinessDays is returned when no pickup deadline can be computed.
	ErrNoBusinessDays = calendar.ErrNoBusinessDays
)
