package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// Phase is the scheduler's position within an epoch.
type Phase int32

// Epoch phases, in order.
const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseAwaiting
	PhaseScoring
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatching:
		return "dispatching"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseScoring:
		return "scoring"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Batch outcomes as recorded in metrics and EpochReport.
const (
	batchDispatched = "dispatched"
	batchNoWorkers  = "no_workers"
	batchNoWorkload = "no_workload"
	batchFailed     = "failed"
	batchDropped    = "dropped"
)

// EpochReport summarizes one epoch.
type EpochReport struct {
	Launched int
	Outcomes map[string]int
	Duration time.Duration
}

// Scheduler launches batches of dispatches and hands the results to scoring.
type Scheduler struct {
	profiles   model.Profiles
	admission  Admission
	workload   Workload
	resolver   EndpointResolver
	dispatcher Dispatcher
	sink       JobSink

	threshold  float64
	batchSize  int
	concurrent int
	epochDelay time.Duration
	limiter    *rate.Limiter
	rng        *rand.Rand
	newID      func() string

	phase    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	log      logger.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBatching sets the admission threshold, batch size and batches per epoch.
func WithBatching(threshold float64, size, concurrent int) SchedulerOption {
	return func(s *Scheduler) {
		s.threshold = threshold
		if size > 0 {
			s.batchSize = size
		}
		if concurrent > 0 {
			s.concurrent = concurrent
		}
	}
}

// WithDelays sets the pause between batch launches and after each epoch.
func WithDelays(batchDelay, epochDelay time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if batchDelay > 0 {
			s.limiter = rate.NewLimiter(rate.Every(batchDelay), 1)
		} else {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
		}
		if epochDelay >= 0 {
			s.epochDelay = epochDelay
		}
	}
}

// WithSchedulerRand fixes the profile sampling source.
func WithSchedulerRand(rng *rand.Rand) SchedulerOption {
	return func(s *Scheduler) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	profiles model.Profiles,
	admission Admission,
	workload Workload,
	resolver EndpointResolver,
	dispatcher Dispatcher,
	sink JobSink,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		profiles:   profiles,
		admission:  admission,
		workload:   workload,
		resolver:   resolver,
		dispatcher: dispatcher,
		sink:       sink,
		threshold:  0.2,
		batchSize:  4,
		concurrent: 1,
		epochDelay: 4 * time.Second,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		newID:      uuid.NewString,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        logger.Get().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase reports the current epoch phase.
func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Scheduler) setPhase(p Phase) {
	s.phase.Store(int32(p))
	metrics.UpdateSchedulerPhase(int(p))
}

// Run executes epochs until ctx is cancelled or Stop is called. A running
// epoch always completes; ctx bounds how long that may take.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		rep := s.RunEpoch(ctx)
		s.log.Info(ctx, "epoch finished",
			logger.Int("launched", rep.Launched),
			logger.Int("dispatched", rep.Outcomes[batchDispatched]),
			logger.Duration("took", rep.Duration),
		)

		t := time.NewTimer(s.epochDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Stop prevents new epochs from starting.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// RunEpoch launches the configured number of batches, waits for their
// dispatches and hands every completed batch to the scoring sink.
func (s *Scheduler) RunEpoch(ctx context.Context) EpochReport {
	start := time.Now()
	rep := EpochReport{Outcomes: make(map[string]int)}

	s.setPhase(PhaseDispatching)
	type result struct {
		job     model.ScoreJob
		outcome string
	}
	results := make(chan result, s.concurrent)
	var wg sync.WaitGroup
	for range s.concurrent {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		profile := s.profiles.Sample(s.rng)
		rep.Launched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, outcome := s.runBatch(ctx, profile)
			results <- result{job: job, outcome: outcome}
		}()
	}

	s.setPhase(PhaseAwaiting)
	wg.Wait()
	close(results)

	s.setPhase(PhaseScoring)
	for r := range results {
		outcome := r.outcome
		if outcome == batchDispatched && !s.sink.Enqueue(ctx, r.job) {
			outcome = batchDropped
			s.log.Warn(ctx, "scoring queue full, batch dropped", logger.String("batch", r.job.BatchID))
		}
		rep.Outcomes[outcome]++
		metrics.RecordBatch(outcome)
	}

	s.setPhase(PhaseIdle)
	rep.Duration = time.Since(start)
	metrics.RecordEpoch(rep.Duration)
	return rep
}

func (s *Scheduler) runBatch(ctx context.Context, profile model.ModelProfile) (job model.ScoreJob, outcome string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("scheduler", "panic")
			s.log.Error(ctx, "batch panicked", logger.String("model", profile.Name), logger.Any("panic", r))
			job, outcome = model.ScoreJob{}, batchFailed
		}
	}()

	uids, err := s.admission.Consume(ctx, s.threshold, s.batchSize, profile.CreditCost)
	if err != nil {
		s.log.Error(ctx, "admission failed", logger.String("model", profile.Name), logger.Error(err))
		return model.ScoreJob{}, batchFailed
	}
	if len(uids) == 0 {
		s.log.Debug(ctx, "no workers available", logger.String("model", profile.Name))
		return model.ScoreJob{}, batchNoWorkers
	}

	payload, ok, err := s.workload.Next(ctx, profile)
	if err != nil {
		s.log.Error(ctx, "workload failed", logger.String("model", profile.Name), logger.Error(err))
		return model.ScoreJob{}, batchFailed
	}
	if !ok {
		s.log.Debug(ctx, "no workload", logger.String("model", profile.Name))
		return model.ScoreJob{}, batchNoWorkload
	}

	endpoints, err := s.resolver.ResolveEndpoints(ctx, uids)
	if err != nil {
		s.log.Error(ctx, "endpoint resolution failed", logger.Ints("uids", uids), logger.Error(err))
		return model.ScoreJob{}, batchFailed
	}

	results, err := s.dispatcher.Dispatch(ctx, uids, endpoints, payload, profile)
	if err != nil {
		s.log.Error(ctx, "dispatch failed", logger.String("model", profile.Name), logger.Error(err))
		return model.ScoreJob{}, batchFailed
	}

	return model.ScoreJob{
		BatchID: s.newID(),
		Profile: profile,
		Request: payload,
		UIDs:    uids,
		Results: results,
	}, batchDispatched
}
