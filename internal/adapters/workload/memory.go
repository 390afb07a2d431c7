// Package workload supplies payloads to the epoch scheduler: user submitted
// (organic) payloads first, generated (synthetic) ones otherwise. The
// synthetic lanes are kept filled by the service's refill loop.
package workload

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/creditgate/internal/adapters/mq/queue"
	"github.com/okian/creditgate/internal/domain/model"
)

const defaultQueueSize = 10_000

type lanes struct {
	organic   *queue.InMemoryQueue[model.Payload]
	synthetic *queue.InMemoryQueue[model.Payload]
}

// MemorySource keeps bounded per-model queues in process.
type MemorySource struct {
	size int

	mu     sync.Mutex
	models map[string]*lanes
}

// Option configures a MemorySource.
type Option func(*MemorySource)

// WithQueueSize bounds each per-model queue.
func WithQueueSize(n int) Option {
	return func(m *MemorySource) {
		if n > 0 {
			m.size = n
		}
	}
}

// NewMemorySource creates a MemorySource.
func NewMemorySource(opts ...Option) *MemorySource {
	m := &MemorySource{size: defaultQueueSize, models: make(map[string]*lanes)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemorySource) lanesFor(name string) *lanes {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.models[name]
	if !ok {
		l = &lanes{
			organic:   queue.NewInMemoryQueue[model.Payload](queue.WithCapacity(m.size)),
			synthetic: queue.NewInMemoryQueue[model.Payload](queue.WithCapacity(m.size)),
		}
		m.models[name] = l
	}
	return l
}

// Next returns the next payload for profile without blocking.
func (m *MemorySource) Next(_ context.Context, profile model.ModelProfile) (model.Payload, bool, error) {
	l := m.lanesFor(profile.Name)
	if p, ok := l.organic.TryDequeue(); ok {
		return p, true, nil
	}
	if p, ok := l.synthetic.TryDequeue(); ok {
		return p, true, nil
	}
	return model.Payload{}, false, nil
}

// PushOrganic queues a user submitted payload ahead of synthetic work.
func (m *MemorySource) PushOrganic(ctx context.Context, p model.Payload) error {
	p.Organic = true
	return m.push(ctx, p, func(l *lanes) *queue.InMemoryQueue[model.Payload] { return l.organic })
}

// PushSynthetic queues a generated payload.
func (m *MemorySource) PushSynthetic(ctx context.Context, p model.Payload) error {
	p.Organic = false
	return m.push(ctx, p, func(l *lanes) *queue.InMemoryQueue[model.Payload] { return l.synthetic })
}

func (m *MemorySource) push(ctx context.Context, p model.Payload, pick func(*lanes) *queue.InMemoryQueue[model.Payload]) error {
	if p.Model == "" {
		return ErrNoModel
	}
	if !pick(m.lanesFor(p.Model)).Enqueue(ctx, p) {
		return fmt.Errorf("%w: %s", ErrQueueFull, p.Model)
	}
	return nil
}

// Pending returns the queued organic and synthetic counts for a model.
func (m *MemorySource) Pending(_ context.Context, name string) (organic, synthetic int, err error) {
	l := m.lanesFor(name)
	return l.organic.Len(), l.synthetic.Len(), nil
}
