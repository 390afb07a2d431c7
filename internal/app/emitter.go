package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/creditgate/internal/domain/reputation"
	"github.com/okian/creditgate/pkg/logger"
)

// WeightEmitter submits the ledger weights to consensus.
type WeightEmitter interface {
	Emit(ctx context.Context) (reputation.EmitResult, error)
}

// Emitter periodically logs tally statistics and emits weights.
type Emitter struct {
	updater  WeightEmitter
	tally    reputation.Tally
	interval time.Duration

	emitting atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	log      logger.Logger
}

// NewEmitter creates an Emitter. tally may be nil.
func NewEmitter(updater WeightEmitter, tally reputation.Tally, interval time.Duration) *Emitter {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Emitter{
		updater:  updater,
		tally:    tally,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.Get().Named("emitter"),
	}
}

// Emitting reports whether a tick is in progress.
func (e *Emitter) Emitting() bool { return e.emitting.Load() }

// Run ticks every interval until ctx is cancelled or Stop is called.
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Stop ends Run after the current tick.
func (e *Emitter) Stop() { e.stopOnce.Do(func() { close(e.stop) }) }

// Done is closed when Run returns.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Tick runs one emission attempt.
func (e *Emitter) Tick(ctx context.Context) reputation.EmitResult {
	e.emitting.Store(true)
	defer e.emitting.Store(false)

	if e.tally != nil {
		counts, err := e.tally.Counts(ctx)
		if err != nil {
			e.log.Warn(ctx, "tally unavailable", logger.Error(err))
		} else {
			st := reputation.Summarize(counts)
			e.log.Info(ctx, "scoring tally",
				logger.Int("workers", st.Workers),
				logger.Float64("mean", st.Mean),
				logger.Float64("stddev", st.StdDev),
			)
		}
	}

	res, err := e.updater.Emit(ctx)
	switch {
	case err != nil:
		e.log.Error(ctx, "emission failed", logger.Error(err))
	case res.Skipped:
		e.log.Debug(ctx, "emission skipped", logger.String("reason", res.Message))
	}
	return res
}
