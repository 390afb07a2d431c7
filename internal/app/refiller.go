package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/creditgate/internal/adapters/workload"
	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// Refiller keeps every model's synthetic lane at a target depth so the
// scheduler has work when no organic payload is queued.
type Refiller struct {
	profiles model.Profiles
	store    SyntheticStore
	synth    *workload.Synthesizer

	target   int
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	log      logger.Logger
}

// RefillerOption configures a Refiller.
type RefillerOption func(*Refiller)

// WithRefillTarget sets the synthetic lane depth to maintain.
func WithRefillTarget(n int) RefillerOption {
	return func(r *Refiller) {
		if n > 0 {
			r.target = n
		}
	}
}

// WithRefillInterval sets the tick.
func WithRefillInterval(d time.Duration) RefillerOption {
	return func(r *Refiller) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRefiller creates a Refiller.
func NewRefiller(profiles model.Profiles, store SyntheticStore, synth *workload.Synthesizer, opts ...RefillerOption) *Refiller {
	r := &Refiller{
		profiles: profiles,
		store:    store,
		synth:    synth,
		target:   64,
		interval: 500 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.Get().Named("refiller"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refills every interval until ctx is done or Stop is called.
func (r *Refiller) Run(ctx context.Context) {
	defer close(r.done)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
			if _, err := r.Refill(ctx); err != nil {
				r.log.Warn(ctx, "refill failed", logger.Error(err))
			}
		}
	}
}

// Stop ends Run after the current pass.
func (r *Refiller) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// Done is closed when Run returns.
func (r *Refiller) Done() <-chan struct{} { return r.done }

// Refill tops up each model's synthetic lane and returns how many payloads
// were pushed. A full lane ends that model's pass without an error.
func (r *Refiller) Refill(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, profile := range r.profiles.All() {
		_, synthetic, err := r.store.Pending(ctx, profile.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", profile.Name, err))
			continue
		}
		pushed := 0
		for i := synthetic; i < r.target; i++ {
			err := r.store.PushSynthetic(ctx, r.synth.Generate(profile))
			if errors.Is(err, workload.ErrQueueFull) {
				break
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", profile.Name, err))
				break
			}
			pushed++
		}
		if pushed > 0 {
			metrics.RecordSyntheticRefill(profile.Name, pushed)
			r.log.Debug(ctx, "synthetic lane refilled",
				logger.String("model", profile.Name),
				logger.Int("pushed", pushed),
			)
		}
		total += pushed
	}
	return total, errors.Join(errs...)
}
