package payments

import "errors"

var (
	// ErrNotFound is returned when no matching payment exists.
	ErrNotFound = errors.New("payments: not found")
	// ErrNotRefundable is returned when refunding a payment that is not paid.
	ErrNotRefundable = errors.New("payments: payment is not in paid state")
)
