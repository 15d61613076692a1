package risk

import "errors"

// ErrNotFound is returned when a patient has no risk record yet.
var ErrNotFound = errors.New("risk: record not found")
