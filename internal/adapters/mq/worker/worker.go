// Package worker runs queued jobs on a fixed pool of goroutines.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// Handler processes one job.
type Handler[T any] func(ctx context.Context, job T) error

// Queue defines how workers receive jobs.
type Queue[T any] interface {
	Dequeue(ctx context.Context) <-chan T
}

// Worker processes jobs from a queue until the queue closes or it is stopped.
type Worker[T any] struct {
	queue   Queue[T]
	handler Handler[T]
	name    string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewWorker creates a new worker with configuration options.
func NewWorker[T any](q Queue[T], handler Handler[T], opts ...Option) *Worker[T] {
	cfg := config{name: "worker"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.Get().Named("worker")
	}
	return &Worker[T]{
		queue:    q,
		handler:  handler,
		name:     cfg.name,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.logger,
	}
}

// Run starts the worker loop. A panicking handler is recovered and logged.
func (w *Worker[T]) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker[T]) process(ctx context.Context, job T) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("worker", "panic")
			w.logger.Error(ctx, "job panicked", logger.String("worker", w.name), logger.Any("panic", r))
		}
	}()
	if err := w.handler(ctx, job); err != nil {
		metrics.RecordErrorByComponent("worker", "job_error")
		w.logger.Warn(ctx, "job failed", logger.String("worker", w.name), logger.Error(err))
	}
}

// Stop asks the worker to exit after its current job.
func (w *Worker[T]) Stop() {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
}

// Done is closed when Run returns.
func (w *Worker[T]) Done() <-chan struct{} { return w.done }

// Pool manages multiple workers.
type Pool[T any] struct {
	workers []*Worker[T]
	queue   Queue[T]
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers. workerCount < 1 uses NumCPU.
func NewPool[T any](workerCount int, q Queue[T], handler Handler[T], opts ...Option) *Pool[T] {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool[T]{
		workers: make([]*Worker[T], workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range workerCount {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewWorker(q, handler, wopts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool[T]) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for the workers to drain it. Workers
// still busy when ctx expires are told to stop after their current job.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut++
			w.Stop()
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerCount(0)
	if timedOut > 0 {
		return fmt.Errorf("%d workers still busy: %w", timedOut, shutdownCtx.Err())
	}
	return nil
}
