package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/reputation"
	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// Defaults.
const (
	DefaultTimePenalty = 0.2
)

// Stepper folds scores into reputation.
type Stepper interface {
	Step(ctx context.Context, scores []float64, uids []int) error
}

// Outcome reports what happened to each uid of a job.
type Outcome struct {
	Invalid  []int
	Filtered []int
	Scored   []int
	Scores   []float64
}

// Pipeline scores dispatched batches.
type Pipeline struct {
	oracle      Oracle
	stepper     Stepper
	tally       reputation.Tally
	maxPerEpoch int
	timePenalty float64
	log         logger.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithMaxScoresPerEpoch caps how often a uid is scored per unweighted epoch.
func WithMaxScoresPerEpoch(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPerEpoch = n
		}
	}
}

// WithTimePenalty sets the weight of elapsed/timeout subtracted from a score.
func WithTimePenalty(w float64) PipelineOption {
	return func(p *Pipeline) {
		if w >= 0 {
			p.timePenalty = w
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(oracle Oracle, stepper Stepper, tally reputation.Tally, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		oracle:      oracle,
		stepper:     stepper,
		tally:       tally,
		maxPerEpoch: reputation.DefaultMaxScoresPerEpoch,
		timePenalty: DefaultTimePenalty,
		log:         logger.Get().Named("scoring"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process scores one job.
//
// Invalid results are stepped with 0 right away. Valid results from uids
// already scored maxPerEpoch times are dropped. The rest go to the oracle;
// if it fails, they are dropped too and ErrOracle is returned.
func (p *Pipeline) Process(ctx context.Context, job model.ScoreJob) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.RecordScoringLatency(float64(time.Since(start).Milliseconds())) }()

	byUID := make(map[int]model.DispatchResult, len(job.Results))
	for _, r := range job.Results {
		byUID[r.UID] = r
	}

	var out Outcome
	var valid []model.DispatchResult
	for _, uid := range job.UIDs {
		r, ok := byUID[uid]
		if !ok || !r.Valid() {
			out.Invalid = append(out.Invalid, uid)
			continue
		}
		valid = append(valid, r)
	}

	if len(out.Invalid) > 0 {
		if err := p.stepper.Step(ctx, make([]float64, len(out.Invalid)), out.Invalid); err != nil {
			p.log.Warn(ctx, "zero step failed", logger.String("batch", job.BatchID), logger.Error(err))
		}
	}

	valid = p.filterFrequent(ctx, job.BatchID, valid, &out)
	if len(valid) == 0 {
		return out, nil
	}

	completions := make([]string, len(valid))
	for i, r := range valid {
		completions[i] = r.Content
	}
	raw, err := p.oracle.Score(ctx, completions, job.Request)
	if err != nil {
		metrics.RecordScoringError()
		return out, fmt.Errorf("%w: batch %s: %w", ErrOracle, job.BatchID, err)
	}
	if len(raw) != len(valid) {
		metrics.RecordScoringError()
		return out, fmt.Errorf("%w: %w: got %d for %d completions", ErrOracle, ErrScoreCount, len(raw), len(valid))
	}

	out.Scored = make([]int, len(valid))
	out.Scores = make([]float64, len(valid))
	for i, r := range valid {
		out.Scored[i] = r.UID
		out.Scores[i] = Penalize(raw[i], r.Elapsed, job.Profile.Timeout, p.timePenalty)
	}

	if err := p.stepper.Step(ctx, out.Scores, out.Scored); err != nil {
		return out, fmt.Errorf("step batch %s: %w", job.BatchID, err)
	}
	if p.tally != nil {
		if err := p.tally.Increment(ctx, out.Scored); err != nil {
			p.log.Warn(ctx, "tally increment failed", logger.String("batch", job.BatchID), logger.Error(err))
		}
	}
	p.log.Debug(ctx, "batch scored",
		logger.String("batch", job.BatchID),
		logger.Ints("uids", out.Scored),
		logger.Floats("scores", out.Scores),
	)
	return out, nil
}

func (p *Pipeline) filterFrequent(ctx context.Context, batchID string, valid []model.DispatchResult, out *Outcome) []model.DispatchResult {
	if p.tally == nil || len(valid) == 0 {
		return valid
	}
	counts, err := p.tally.Counts(ctx)
	if err != nil {
		p.log.Warn(ctx, "tally read failed, not filtering", logger.String("batch", batchID), logger.Error(err))
		return valid
	}
	kept := valid[:0]
	for _, r := range valid {
		if counts[r.UID] >= p.maxPerEpoch {
			out.Filtered = append(out.Filtered, r.UID)
			continue
		}
		kept = append(kept, r)
	}
	if len(out.Filtered) > 0 {
		metrics.RecordFrequencyFiltered(len(out.Filtered))
	}
	return kept
}

// Penalize clamps raw to [0,1] and subtracts weight*elapsed/timeout,
// never going below 0. A non-positive timeout disables the penalty.
func Penalize(raw float64, elapsed, timeout time.Duration, weight float64) float64 {
	s := clamp01(raw)
	if timeout > 0 {
		s -= weight * elapsed.Seconds() / timeout.Seconds()
	}
	return math.Max(0, s)
}
