package workload

import "errors"

var (
	ErrQueueFull = errors.New("workload queue full")
	ErrNoModel   = errors.New("payload has no model")
)
