package quota

import "errors"

var (
	// ErrUnknownWorker is returned for a uid that has no quota. Callers deny admission.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnavailable wraps transient counter store failures.
	ErrUnavailable = errors.New("quota counter unavailable")
	// ErrInvalidAmount is returned for a non-positive increment.
	ErrInvalidAmount = errors.New("increment amount must be positive")
)
