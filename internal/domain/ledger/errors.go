package ledger

import "errors"

var (
	// ErrUnavailable wraps repository failures. The caller retries on the next tick.
	ErrUnavailable    = errors.New("ledger unavailable")
	ErrInvalidDecay   = errors.New("decay factor must be in (0,1)")
	ErrInvalidBounds  = errors.New("credit bounds must satisfy 0 < min <= max")
	ErrLengthMismatch = errors.New("scores and uids differ in length")
)
