// Package dedupe tracks organic payload IDs so a resubmitted request is queued at most once.
package dedupe

import (
	"context"
	"sync"
)

const defaultMaxSize = 50_000

// Deduper records seen payload IDs.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a submission that failed to enqueue can be retried.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// inMemoryDeduper remembers at most maxSize IDs and forgets the oldest first.
// maxSize <= 0 means unbounded.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]uint64 // id -> insertion sequence
	order   []string          // ring of ids in insertion order (bounded mode)
	seqs    []uint64
	head    int
	count   int
	next    uint64
	maxSize int
}

// NewInMemoryDeduper creates a new in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]uint64)
	if d.maxSize > 0 {
		d.order = make([]string, d.maxSize)
		d.seqs = make([]uint64, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.next++
	d.seen[id] = d.next
	if d.maxSize <= 0 {
		return false
	}

	if d.count == d.maxSize {
		d.evictOldest()
	}
	tail := (d.head + d.count) % d.maxSize
	d.order[tail] = id
	d.seqs[tail] = d.next
	d.count++
	return false
}

// evictOldest pops ring slots until one still owns its map entry.
// Slots left behind by Unrecord are skipped. Caller holds d.mu.
func (d *inMemoryDeduper) evictOldest() {
	for d.count > 0 {
		id, seq := d.order[d.head], d.seqs[d.head]
		d.order[d.head] = ""
		d.head = (d.head + 1) % d.maxSize
		d.count--
		if cur, ok := d.seen[id]; ok && cur == seq {
			delete(d.seen, id)
			return
		}
	}
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

// Size returns the number of remembered IDs.
func (d *inMemoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen))
}
