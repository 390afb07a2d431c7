package service

import (
	"context"

	"github.com/okian/creditgate/internal/domain/model"
)

// Directory answers membership, stake and address questions about workers.
type Directory interface {
	ListEligibleUIDs(ctx context.Context) ([]int, error)
	Stakes(ctx context.Context, uids []int) (map[int]float64, error)
	ResolveEndpoints(ctx context.Context, uids []int) (map[int]string, error)
	RateLimitFraction(ctx context.Context) (float64, error)
}

// EndpointResolver is the part of Directory the scheduler needs.
type EndpointResolver interface {
	ResolveEndpoints(ctx context.Context, uids []int) (map[int]string, error)
}

// CreditProbe asks workers for their advertised credit; failures report 0.
type CreditProbe interface {
	ProbeCredits(ctx context.Context, endpoints map[int]string) map[int]int64
}

// Dispatcher sends one payload to a batch of workers concurrently.
type Dispatcher interface {
	Dispatch(ctx context.Context, uids []int, endpoints map[int]string, payload model.Payload, profile model.ModelProfile) ([]model.DispatchResult, error)
}

// Workload yields the next payload for a profile, organic before synthetic.
type Workload interface {
	Next(ctx context.Context, profile model.ModelProfile) (model.Payload, bool, error)
	PushOrganic(ctx context.Context, p model.Payload) error
}

// Reporter publishes the ledger snapshot after a sync.
type Reporter interface {
	Report(ctx context.Context, workers []model.Worker) error
}

// Admission charges quota for a batch.
type Admission interface {
	Consume(ctx context.Context, threshold float64, k int, taskCredit int64) ([]int, error)
}

// JobSink accepts dispatched batches for scoring. It returns false when full.
type JobSink interface {
	Enqueue(ctx context.Context, job model.ScoreJob) bool
}

// SyntheticStore is the workload side the refill loop tops up.
type SyntheticStore interface {
	PushSynthetic(ctx context.Context, p model.Payload) error
	Pending(ctx context.Context, name string) (organic, synthetic int, err error)
}
