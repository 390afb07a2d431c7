// Package selection picks which workers receive the next batch of work.
package selection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/quota"
	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// Defaults.
const (
	DefaultTopPerformerMinScore = 0.05
	DefaultTopThreshold         = 1.0
)

// Scorer exposes the ranked view of the ledger.
type Scorer interface {
	TopScored(ctx context.Context, n int, minScore float64) ([]model.Worker, error)
}

// Selector draws workers in proportion to their remaining quota and
// charges them through the counter.
type Selector struct {
	counter  quota.Counter
	scorer   Scorer
	minScore float64
	log      logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand injects the random source, for tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Selector) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// WithTopPerformerMinScore sets the score floor for the top performer shortlist.
func WithTopPerformerMinScore(v float64) Option {
	return func(s *Selector) { s.minScore = v }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a Selector. scorer may be nil when ConsumeTopPerformers is unused.
func New(counter quota.Counter, scorer Scorer, opts ...Option) *Selector {
	s := &Selector{
		counter:  counter,
		scorer:   scorer,
		minScore: DefaultTopPerformerMinScore,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("selector")
	}
	return s
}

// Consume draws up to k distinct workers, each with probability proportional
// to its remaining quota, and charges taskCredit to each with the given
// threshold. Only workers whose charge was accepted are returned, so the
// result may be shorter than k or empty.
func (s *Selector) Consume(ctx context.Context, threshold float64, k int, taskCredit int64) ([]int, error) {
	if k <= 0 {
		return nil, nil
	}
	uids, err := s.counter.UIDs(ctx)
	if err != nil {
		metrics.RecordCounterFailure()
		return nil, fmt.Errorf("list workers: %w", err)
	}
	start := time.Now()
	remaining, err := s.counter.Remaining(ctx, uids)
	metrics.RecordCounterLatency(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.RecordCounterFailure()
		return nil, fmt.Errorf("read remaining: %w", err)
	}

	candidates := make([]int, 0, len(uids))
	weights := make([]float64, 0, len(uids))
	for _, uid := range uids {
		if r := remaining[uid]; r > 0 {
			candidates = append(candidates, uid)
			weights = append(weights, float64(r))
		}
	}

	picked := s.sample(candidates, weights, k)
	admitted := make([]int, 0, len(picked))
	for _, uid := range picked {
		if s.charge(ctx, uid, taskCredit, threshold) {
			admitted = append(admitted, uid)
		}
	}
	metrics.RecordSelection("consume", len(admitted))
	return admitted, nil
}

// ConsumeTopPerformers shortlists the n best scored workers above the score
// floor, re-ranks them by remaining quota times score, and returns the first
// one whose charge is accepted. The result has at most one uid.
func (s *Selector) ConsumeTopPerformers(ctx context.Context, n int, taskCredit int64, threshold float64) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	if s.scorer == nil {
		return nil, ErrNoScorer
	}
	top, err := s.scorer.TopScored(ctx, n, s.minScore)
	if err != nil {
		return nil, fmt.Errorf("read top performers: %w", err)
	}
	if len(top) == 0 {
		metrics.RecordSelection("top", 0)
		return nil, nil
	}

	uids := make([]int, len(top))
	for i, w := range top {
		uids[i] = w.UID
	}
	remaining, err := s.counter.Remaining(ctx, uids)
	if err != nil {
		metrics.RecordCounterFailure()
		return nil, fmt.Errorf("read remaining: %w", err)
	}

	slices.SortStableFunc(top, func(a, b model.Worker) int {
		pa := float64(remaining[a.UID]) * a.AccumulatedScore
		pb := float64(remaining[b.UID]) * b.AccumulatedScore
		if c := cmp.Compare(pb, pa); c != 0 {
			return c
		}
		if c := cmp.Compare(b.AccumulatedScore, a.AccumulatedScore); c != 0 {
			return c
		}
		return a.UID - b.UID
	})

	for _, w := range top {
		if s.charge(ctx, w.UID, taskCredit, threshold) {
			metrics.RecordSelection("top", 1)
			return []int{w.UID}, nil
		}
	}
	metrics.RecordSelection("top", 0)
	return nil, nil
}

// charge treats any counter error as a denial.
func (s *Selector) charge(ctx context.Context, uid int, cost int64, threshold float64) bool {
	ok, err := s.counter.Increment(ctx, uid, cost, quota.WithIgnoreThreshold(threshold))
	switch {
	case err != nil:
		metrics.RecordAdmission("error")
		if errors.Is(err, quota.ErrUnavailable) {
			metrics.RecordCounterFailure()
		}
		s.log.Warn(ctx, "increment failed, denying", logger.UID(uid), logger.Error(err))
		return false
	case ok:
		metrics.RecordAdmission("accepted")
		return true
	default:
		metrics.RecordAdmission("rejected")
		s.log.Debug(ctx, "admission rejected", logger.UID(uid), logger.String("cost", strconv.FormatInt(cost, 10)))
		return false
	}
}

// sample draws min(k, len(uids)) distinct uids without replacement with
// probability proportional to weight, using Efraimidis-Spirakis keys
// u^(1/w): the k largest keys win.
func (s *Selector) sample(uids []int, weights []float64, k int) []int {
	if len(uids) <= k {
		out := slices.Clone(uids)
		s.shuffle(out)
		return out
	}

	type keyed struct {
		uid int
		key float64
	}
	keys := make([]keyed, len(uids))
	s.rngMu.Lock()
	for i, uid := range uids {
		u := s.rng.Float64()
		for u == 0 {
			u = s.rng.Float64()
		}
		// log(u)/w preserves the order of u^(1/w) without underflow
		keys[i] = keyed{uid: uid, key: math.Log(u) / weights[i]}
	}
	s.rngMu.Unlock()

	slices.SortFunc(keys, func(a, b keyed) int { return cmp.Compare(b.key, a.key) })
	out := make([]int, k)
	for i := range out {
		out[i] = keys[i].uid
	}
	return out
}

func (s *Selector) shuffle(uids []int) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng.Shuffle(len(uids), func(i, j int) { uids[i], uids[j] = uids[j], uids[i] })
}
