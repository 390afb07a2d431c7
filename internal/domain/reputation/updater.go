// Package reputation turns per-batch scores into ledger updates and
// periodically submits the resulting weight vector.
package reputation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// DefaultTempo is the minimum spacing between successful submissions.
const DefaultTempo = 360 * time.Second

// Ledger is the part of the credit ledger the updater drives.
type Ledger interface {
	ApplyScores(ctx context.Context, scores []float64, uids []int, creditScaleCap float64) error
	Weights(ctx context.Context) ([]int, []float64, error)
}

// Consensus accepts a weight vector for the network.
type Consensus interface {
	SubmitWeights(ctx context.Context, uids []int, weights []float64) (bool, string, error)
}

// EmitResult describes one emission attempt.
type EmitResult struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Message string `json:"message"`
}

// Updater applies scores and emits weights.
type Updater struct {
	ledger    Ledger
	consensus Consensus
	tally     Tally
	tempo     time.Duration
	scaleCap  float64
	now       func() time.Time
	log       logger.Logger

	mu       sync.Mutex
	lastEmit time.Time
}

// Option configures an Updater.
type Option func(*Updater)

// WithTempo sets the minimum time between successful submissions.
func WithTempo(d time.Duration) Option {
	return func(u *Updater) { u.tempo = d }
}

// WithCreditScaleCap caps the credit-derived multiplier in the EMA.
func WithCreditScaleCap(c float64) Option {
	return func(u *Updater) { u.scaleCap = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) {
		if now != nil {
			u.now = now
		}
	}
}

// WithTally attaches the epoch tally reset on successful emission.
func WithTally(t Tally) Option {
	return func(u *Updater) { u.tally = t }
}

// New creates an Updater.
func New(l Ledger, c Consensus, opts ...Option) *Updater {
	u := &Updater{
		ledger:    l,
		consensus: c,
		tempo:     DefaultTempo,
		scaleCap:  1.0,
		now:       time.Now,
		log:       logger.Get().Named("reputation"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Step folds one batch of scores into the ledger.
func (u *Updater) Step(ctx context.Context, scores []float64, uids []int) error {
	if len(scores) != len(uids) {
		return fmt.Errorf("%w: %d scores, %d uids", ErrLengthMismatch, len(scores), len(uids))
	}
	if err := u.ledger.ApplyScores(ctx, scores, uids, u.scaleCap); err != nil {
		return fmt.Errorf("apply scores: %w", err)
	}
	for _, s := range scores {
		metrics.RecordScore(s)
	}
	return nil
}

// Emit submits the normalized weights unless the last successful
// submission is younger than the tempo.
func (u *Updater) Emit(ctx context.Context) (EmitResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	if !u.lastEmit.IsZero() && now.Sub(u.lastEmit) < u.tempo {
		metrics.RecordEmission("skipped")
		return EmitResult{Skipped: true, Message: fmt.Sprintf("last emission %s ago", now.Sub(u.lastEmit).Round(time.Second))}, nil
	}
	if u.consensus == nil {
		return EmitResult{Message: ErrNoConsensus.Error()}, ErrNoConsensus
	}

	uids, weights, err := u.ledger.Weights(ctx)
	if err != nil {
		metrics.RecordEmission("error")
		return EmitResult{Message: err.Error()}, fmt.Errorf("read weights: %w", err)
	}

	ok, msg, err := u.consensus.SubmitWeights(ctx, uids, weights)
	if err != nil {
		metrics.RecordEmission("error")
		return EmitResult{Message: err.Error()}, fmt.Errorf("submit weights: %w", err)
	}
	if !ok {
		metrics.RecordEmission("rejected")
		u.log.Warn(ctx, "weights rejected", logger.String("message", msg))
		return EmitResult{Message: msg}, nil
	}

	u.lastEmit = now
	if u.tally != nil {
		if err := u.tally.Reset(ctx); err != nil {
			u.log.Warn(ctx, "tally reset failed", logger.Error(err))
		}
	}
	metrics.RecordEmission("success")
	u.log.Info(ctx, "weights emitted", logger.Int("workers", len(uids)), logger.String("message", msg))
	return EmitResult{Success: true, Message: msg}, nil
}

// LastEmit returns the time of the last successful submission.
func (u *Updater) LastEmit() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastEmit
}
