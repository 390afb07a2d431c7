// Package quota implements the per-worker admission counter: a budget of
// credit per time window that is consumed atomically by dispatch.
package quota

import (
	"context"
	"math"

	"github.com/okian/creditgate/internal/domain/model"
)

// Counter is an atomic per-worker quota counter.
//
// Increment is the only linearizable operation. Remaining and Usage may be
// stale by the time the caller uses them.
type Counter interface {
	// SetQuota sets the ceiling for uid and registers it. It never resets
	// the amount consumed in the current window.
	SetQuota(ctx context.Context, uid int, quota int64) error

	// Increment charges amount to uid and reports whether the post-increment
	// total is still within quota. With WithIgnoreThreshold the charge is
	// skipped entirely once consumed/quota has reached the threshold.
	Increment(ctx context.Context, uid int, amount int64, opts ...IncrementOption) (bool, error)

	// Remaining returns max(0, quota-consumed) for each uid; unknown uids map to 0.
	Remaining(ctx context.Context, uids []int) (map[int]int64, error)

	// UIDs lists every uid with a quota.
	UIDs(ctx context.Context) ([]int, error)

	// Retain drops every uid not in keep.
	Retain(ctx context.Context, keep []int) error

	// Usage snapshots the current window of every uid.
	Usage(ctx context.Context) ([]model.QuotaUsage, error)
}

// IncrementOptions holds the optional arguments of Increment.
type IncrementOptions struct {
	Threshold    float64
	HasThreshold bool
}

// IncrementOption configures a single Increment call.
type IncrementOption func(*IncrementOptions)

// WithIgnoreThreshold rejects the increment without charging when the
// worker has already consumed at least t of its quota.
func WithIgnoreThreshold(t float64) IncrementOption {
	return func(o *IncrementOptions) {
		o.Threshold = t
		o.HasThreshold = true
	}
}

// ApplyIncrementOptions folds opts into an IncrementOptions value.
func ApplyIncrementOptions(opts ...IncrementOption) IncrementOptions {
	var o IncrementOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Saturated reports whether consumed/quota has reached the threshold.
// A quota of zero or less is always saturated.
func (o IncrementOptions) Saturated(consumed, quota int64) bool {
	if !o.HasThreshold {
		return false
	}
	if quota <= 0 {
		return true
	}
	return float64(consumed)/float64(quota) >= o.Threshold
}

// RemainingOf returns max(0, quota-consumed).
func RemainingOf(consumed, quota int64) int64 {
	if consumed >= quota {
		return 0
	}
	return quota - consumed
}

// QuotaFor derives a window quota from a credit and a rate limit fraction.
func QuotaFor(credit int64, fraction float64) int64 {
	if credit <= 0 || fraction <= 0 {
		return 0
	}
	return int64(math.Floor(float64(credit) * fraction))
}
