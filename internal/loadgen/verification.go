package loadgen

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/okian/creditgate/pkg/logger"
)

// VerifyWeights checks that weights line up with uids, stay in [0,1] and
// sum to one unless nothing has been scored yet.
func VerifyWeights(w WeightsResponse) (float64, error) {
	if len(w.Weights) != len(w.UIDs) {
		return 0, fmt.Errorf("weights (%d) and uids (%d) differ in length", len(w.Weights), len(w.UIDs))
	}
	if !slices.IsSorted(w.UIDs) {
		return 0, fmt.Errorf("uids are not in ascending order")
	}
	var total float64
	for i, v := range w.Weights {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return 0, fmt.Errorf("uid %d has weight %v outside [0,1]", w.UIDs[i], v)
		}
		total += v
	}
	if total != 0 && math.Abs(total-1) > weightTolerance {
		return total, fmt.Errorf("weights sum to %.9f", total)
	}
	return total, nil
}

// VerifyUsage checks no worker consumed more than its quota and returns the
// total consumed.
func VerifyUsage(q QuotaResponse) (int64, error) {
	var consumed int64
	for _, u := range q.Usage {
		if u.Consumed < 0 || (u.Quota > 0 && u.Consumed > u.Quota) {
			return 0, fmt.Errorf("uid %d consumed %d of %d", u.UID, u.Consumed, u.Quota)
		}
		consumed += u.Consumed
	}
	return consumed, nil
}

// verifyResults pulls weights, quota and workers and checks them.
func verifyResults(ctx context.Context, client *HTTPClient, stats *Stats) error {
	log := logger.Get()

	var weights WeightsResponse
	if err := client.GetJSON(ctx, "/api/weights", &weights); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	total, err := VerifyWeights(weights)
	if err != nil {
		return err
	}
	stats.WeightTotal = total

	var quota QuotaResponse
	if err := client.GetJSON(ctx, "/api/quota", &quota); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	consumed, err := VerifyUsage(quota)
	if err != nil {
		return err
	}
	stats.Consumed = consumed
	stats.Workers = len(weights.UIDs)

	if stats.Accepted > 0 && consumed == 0 {
		log.Warn(ctx, "accepted submissions but no quota was consumed; is a directory configured?")
	}
	log.Info(ctx, "results verified",
		logger.Int("workers", stats.Workers),
		logger.Int64("consumed", consumed),
		logger.Float64("weightTotal", total))
	return nil
}
