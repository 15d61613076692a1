package cancellation

import "errors"

var (
	// ErrNotCancellable is returned for appointments already cancelled,
	// completed or marked no-show.
	ErrNotCancellable = errors.New("cancellation: appointment cannot be cancelled")
	// ErrMonthlyLimitReached is returned when a patient has used up their
	// cancellations for the calendar month.
	ErrMonthlyLimitReached = errors.New("cancellation: monthly cancellation limit reached")
)
