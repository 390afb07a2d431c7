package quota

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
)

const defaultInterval = 60 * time.Second

// window is one quota period. expiresAt stays 0 until the first increment.
type window struct {
	consumed  atomic.Int64
	expiresAt atomic.Int64 // unix nanos
}

func (w *window) expired(now int64) bool {
	exp := w.expiresAt.Load()
	return exp != 0 && now >= exp
}

type slot struct {
	quota atomic.Int64
	cur   atomic.Pointer[window]
}

// current returns the live window, rolling an expired one over.
func (s *slot) current(now int64) *window {
	for {
		w := s.cur.Load()
		if w != nil && !w.expired(now) {
			return w
		}
		fresh := &window{}
		if s.cur.CompareAndSwap(w, fresh) {
			return fresh
		}
	}
}

// InMemoryCounter is a lock-free Counter for a single process.
// The slot map is guarded by a RWMutex; counting itself is atomic.
type InMemoryCounter struct {
	mu       sync.RWMutex
	slots    map[int]*slot
	interval time.Duration
	now      func() time.Time
}

// Option configures an InMemoryCounter.
type Option func(*InMemoryCounter)

// WithInterval sets the window length.
func WithInterval(d time.Duration) Option {
	return func(c *InMemoryCounter) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *InMemoryCounter) {
		if now != nil {
			c.now = now
		}
	}
}

// NewInMemoryCounter creates an empty counter.
func NewInMemoryCounter(opts ...Option) *InMemoryCounter {
	c := &InMemoryCounter{
		slots:    make(map[int]*slot),
		interval: defaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *InMemoryCounter) lookup(uid int) *slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots[uid]
}

func (c *InMemoryCounter) SetQuota(_ context.Context, uid int, quota int64) error {
	if s := c.lookup(uid); s != nil {
		s.quota.Store(quota)
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[uid]
	if !ok {
		s = &slot{}
		c.slots[uid] = s
	}
	s.quota.Store(quota)
	return nil
}

func (c *InMemoryCounter) Increment(_ context.Context, uid int, amount int64, opts ...IncrementOption) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	s := c.lookup(uid)
	if s == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownWorker, uid)
	}

	now := c.now().UnixNano()
	w := s.current(now)
	quota := s.quota.Load()

	if ApplyIncrementOptions(opts...).Saturated(w.consumed.Load(), quota) {
		return false, nil
	}

	post := w.consumed.Add(amount)
	if post == amount {
		w.expiresAt.Store(now + int64(c.interval))
	}
	return post <= quota, nil
}

func (c *InMemoryCounter) Remaining(_ context.Context, uids []int) (map[int]int64, error) {
	now := c.now().UnixNano()
	out := make(map[int]int64, len(uids))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, uid := range uids {
		s, ok := c.slots[uid]
		if !ok {
			out[uid] = 0
			continue
		}
		out[uid] = RemainingOf(consumedAt(s, now), s.quota.Load())
	}
	return out, nil
}

func consumedAt(s *slot, now int64) int64 {
	w := s.cur.Load()
	if w == nil || w.expired(now) {
		return 0
	}
	return w.consumed.Load()
}

func (c *InMemoryCounter) UIDs(_ context.Context) ([]int, error) {
	c.mu.RLock()
	uids := make([]int, 0, len(c.slots))
	for uid := range c.slots {
		uids = append(uids, uid)
	}
	c.mu.RUnlock()
	slices.Sort(uids)
	return uids, nil
}

func (c *InMemoryCounter) Retain(_ context.Context, keep []int) error {
	set := make(map[int]struct{}, len(keep))
	for _, uid := range keep {
		set[uid] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid := range c.slots {
		if _, ok := set[uid]; !ok {
			delete(c.slots, uid)
		}
	}
	return nil
}

func (c *InMemoryCounter) Usage(_ context.Context) ([]model.QuotaUsage, error) {
	now := c.now().UnixNano()
	c.mu.RLock()
	out := make([]model.QuotaUsage, 0, len(c.slots))
	for uid, s := range c.slots {
		out = append(out, model.NewQuotaUsage(uid, consumedAt(s, now), s.quota.Load()))
	}
	c.mu.RUnlock()
	SortUsage(out)
	return out, nil
}

// SortUsage orders by usage percentage descending, then uid.
func SortUsage(u []model.QuotaUsage) {
	slices.SortFunc(u, func(a, b model.QuotaUsage) int {
		switch {
		case a.Percent > b.Percent:
			return -1
		case a.Percent < b.Percent:
			return 1
		}
		return a.UID - b.UID
	})
}

var _ Counter = (*InMemoryCounter)(nil)
