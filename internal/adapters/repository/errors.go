package repository

import "errors"

// Sentinel kinds for repository errors.
var (
	ErrNotFound      = errors.New("worker not found")
	ErrInvalidLimit  = errors.New("invalid limit")
	ErrInvalidRecord = errors.New("invalid worker record")
)
