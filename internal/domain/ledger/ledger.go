// Package ledger keeps each worker's credit and exponentially smoothed
// reputation score, and derives the normalized weight vector from them.
package ledger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/metrics"
)

// Defaults.
const (
	DefaultMinCredit int64   = 48
	DefaultMaxCredit int64   = 256
	DefaultDecay     float64 = 0.9
)

// Ledger is the credit and reputation book.
//
// Read-modify-write sequences are serialized in process, so a credit sync
// and a score step never overwrite each other's field.
type Ledger struct {
	repo      Repository
	minCredit int64
	maxCredit int64
	decay     float64
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCreditBounds sets the [min, max] credit range.
func WithCreditBounds(minCredit, maxCredit int64) Option {
	return func(l *Ledger) {
		l.minCredit = minCredit
		l.maxCredit = maxCredit
	}
}

// WithDecay sets the EMA decay factor.
func WithDecay(decay float64) Option {
	return func(l *Ledger) { l.decay = decay }
}

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a Ledger over repo.
func New(repo Repository, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		repo:      repo,
		minCredit: DefaultMinCredit,
		maxCredit: DefaultMaxCredit,
		decay:     DefaultDecay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.decay <= 0 || l.decay >= 1 || math.IsNaN(l.decay) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecay, l.decay)
	}
	if l.minCredit <= 0 || l.maxCredit < l.minCredit {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidBounds, l.minCredit, l.maxCredit)
	}
	return l, nil
}

// MinCredit returns the lower credit bound.
func (l *Ledger) MinCredit() int64 { return l.minCredit }

// MaxCredit returns the upper credit bound.
func (l *Ledger) MaxCredit() int64 { return l.maxCredit }

// Get returns records for uids, creating defaults for absent ones.
// With no uids it returns every record.
func (l *Ledger) Get(ctx context.Context, uids ...int) (map[int]model.Worker, error) {
	start := time.Now()
	out, err := l.get(ctx, uids)
	observe("get", start, err)
	return out, err
}

func (l *Ledger) get(ctx context.Context, uids []int) (map[int]model.Worker, error) {
	if len(uids) == 0 {
		all, err := l.repo.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: all: %w", ErrUnavailable, err)
		}
		out := make(map[int]model.Worker, len(all))
		for _, w := range all {
			out[w.UID] = w
		}
		return out, nil
	}

	found, err := l.repo.Get(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrUnavailable, err)
	}
	for _, uid := range uids {
		if _, ok := found[uid]; ok {
			continue
		}
		w := model.NewWorker(uid, l.minCredit, l.minCredit, l.maxCredit)
		w.UpdatedAt = l.now().UTC()
		stored, err := l.repo.Create(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("%w: create %d: %w", ErrUnavailable, uid, err)
		}
		found[uid] = stored
	}
	return found, nil
}

// SetCredit records a probed credit. Below MinCredit the worker is marked
// unreachable with credit 0; above MaxCredit it is clamped to MaxCredit.
func (l *Ledger) SetCredit(ctx context.Context, uid int, raw int64) (model.Worker, error) {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.get(ctx, []int{uid})
	if err != nil {
		observe("set_credit", start, err)
		return model.Worker{}, err
	}
	w := ws[uid]
	switch {
	case raw < l.minCredit:
		w.Credit = 0
		metrics.RecordCreditHardZero()
	case raw > l.maxCredit:
		w.Credit = l.maxCredit
	default:
		w.Credit = raw
	}
	w.UpdatedAt = l.now().UTC()
	if err := l.repo.Upsert(ctx, w); err != nil {
		err = fmt.Errorf("%w: upsert %d: %w", ErrUnavailable, uid, err)
		observe("set_credit", start, err)
		return model.Worker{}, err
	}
	observe("set_credit", start, nil)
	return w, nil
}

// SetStake records a worker's stake as reported by the directory.
func (l *Ledger) SetStake(ctx context.Context, uid int, stake float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.get(ctx, []int{uid})
	if err != nil {
		return err
	}
	w := ws[uid]
	w.Stake = stake
	if err := l.repo.Upsert(ctx, w); err != nil {
		return fmt.Errorf("%w: upsert %d: %w", ErrUnavailable, uid, err)
	}
	return nil
}

// ApplyScore folds one raw score into a worker's accumulated score.
func (l *Ledger) ApplyScore(ctx context.Context, uid int, raw, creditScaleCap float64) error {
	return l.ApplyScores(ctx, []float64{raw}, []int{uid}, creditScaleCap)
}

// ApplyScores folds raw scores into accumulated scores:
//
//	scale = min(credit/MaxCredit, cap)
//	acc   = max(0, acc*decay + raw*scale*(1-decay))
//
// Non-finite scores count as 0. A uid listed twice is folded twice.
func (l *Ledger) ApplyScores(ctx context.Context, scores []float64, uids []int, creditScaleCap float64) error {
	if len(scores) != len(uids) {
		return fmt.Errorf("%w: %d scores, %d uids", ErrLengthMismatch, len(scores), len(uids))
	}
	if len(uids) == 0 {
		return nil
	}
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, err := l.get(ctx, uids)
	if err != nil {
		observe("apply_scores", start, err)
		return err
	}
	now := l.now().UTC()
	for i, uid := range uids {
		w := ws[uid]
		w.AccumulatedScore = l.fold(w, scores[i], creditScaleCap)
		w.UpdatedAt = now
		ws[uid] = w
	}

	touched := make([]model.Worker, 0, len(ws))
	for _, uid := range uniq(uids) {
		touched = append(touched, ws[uid])
	}
	if err := l.repo.Upsert(ctx, touched...); err != nil {
		err = fmt.Errorf("%w: upsert scores: %w", ErrUnavailable, err)
		observe("apply_scores", start, err)
		return err
	}
	observe("apply_scores", start, nil)
	return nil
}

func (l *Ledger) fold(w model.Worker, raw, creditScaleCap float64) float64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		raw = 0
	}
	scale := math.Min(float64(w.Credit)/float64(l.maxCredit), creditScaleCap)
	acc := w.AccumulatedScore*l.decay + raw*scale*(1-l.decay)
	return math.Max(0, acc)
}

// Weights returns uids in ascending order with their accumulated scores
// normalized to sum to 1. When every score is 0 the weights are all 0.
func (l *Ledger) Weights(ctx context.Context) ([]int, []float64, error) {
	start := time.Now()
	all, err := l.repo.All(ctx)
	if err != nil {
		err = fmt.Errorf("%w: all: %w", ErrUnavailable, err)
		observe("weights", start, err)
		return nil, nil, err
	}
	slices.SortFunc(all, func(a, b model.Worker) int { return a.UID - b.UID })

	uids := make([]int, len(all))
	weights := make([]float64, len(all))
	var total float64
	for i, w := range all {
		uids[i] = w.UID
		total += w.AccumulatedScore
	}
	if total > 0 {
		for i, w := range all {
			weights[i] = w.AccumulatedScore / total
		}
	}
	metrics.UpdateLedgerWorkers(len(all))
	observe("weights", start, nil)
	return uids, weights, nil
}

// TopScored returns up to n workers with score > minScore, best first and
// ties broken by lower uid.
func (l *Ledger) TopScored(ctx context.Context, n int, minScore float64) ([]model.Worker, error) {
	if n <= 0 {
		return nil, nil
	}
	if ranked, ok := l.repo.(Ranked); ok {
		top, err := ranked.TopN(ctx, n, minScore)
		if err != nil {
			return nil, fmt.Errorf("%w: top: %w", ErrUnavailable, err)
		}
		return top, nil
	}

	all, err := l.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: all: %w", ErrUnavailable, err)
	}
	out := all[:0]
	for _, w := range all {
		if w.AccumulatedScore > minScore {
			out = append(out, w)
		}
	}
	SortByScore(out)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Standings returns every record in uid order with its 1-based score rank.
func (l *Ledger) Standings(ctx context.Context) ([]model.Standing, error) {
	all, err := l.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: all: %w", ErrUnavailable, err)
	}
	out := make([]model.Standing, len(all))
	if ranker, ok := l.repo.(Ranker); ok {
		for i, w := range all {
			rank, err := ranker.Rank(ctx, w.UID)
			if err != nil {
				return nil, fmt.Errorf("%w: rank %d: %w", ErrUnavailable, w.UID, err)
			}
			out[i] = model.Standing{Worker: w, Rank: rank + 1}
		}
		return out, nil
	}

	byScore := slices.Clone(all)
	SortByScore(byScore)
	ranks := make(map[int]int, len(byScore))
	for i, w := range byScore {
		ranks[w.UID] = i + 1
	}
	for i, w := range all {
		out[i] = model.Standing{Worker: w, Rank: ranks[w.UID]}
	}
	return out, nil
}

// Size returns the number of stored records.
func (l *Ledger) Size(ctx context.Context) (int, error) {
	if counted, ok := l.repo.(Counted); ok {
		return counted.Count(ctx), nil
	}
	all, err := l.repo.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: all: %w", ErrUnavailable, err)
	}
	return len(all), nil
}

// SortByScore orders workers by score descending, then uid ascending.
func SortByScore(ws []model.Worker) {
	slices.SortFunc(ws, func(a, b model.Worker) int {
		switch {
		case a.AccumulatedScore > b.AccumulatedScore:
			return -1
		case a.AccumulatedScore < b.AccumulatedScore:
			return 1
		}
		return a.UID - b.UID
	})
}

func uniq(uids []int) []int {
	seen := make(map[int]struct{}, len(uids))
	out := make([]int, 0, len(uids))
	for _, uid := range uids {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		metrics.RecordErrorByComponent("ledger", op)
	}
	metrics.RecordLedgerOp(op, outcome, float64(time.Since(start).Microseconds())/1000)
}
