package reputation

import (
	"context"
	"math"
	"sync"
	"time"
)

// Defaults for the epoch tally.
const (
	DefaultMaxScoresPerEpoch = 4
	DefaultTallyTTL          = 360 * time.Second
)

// Tally counts scorings per uid within the current unweighted epoch.
type Tally interface {
	// Counts returns the live count of every uid with one.
	Counts(ctx context.Context) (map[int]int, error)
	// Increment adds one to each uid; the entry expires ttl after it is created.
	Increment(ctx context.Context, uids []int) error
	// Reset clears every entry.
	Reset(ctx context.Context) error
}

type tallyEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryTally is an in-process Tally with per-entry expiry.
type MemoryTally struct {
	mu      sync.Mutex
	entries map[int]tallyEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryTally creates a MemoryTally. ttl <= 0 uses DefaultTallyTTL.
func NewMemoryTally(ttl time.Duration, now func() time.Time) *MemoryTally {
	if ttl <= 0 {
		ttl = DefaultTallyTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryTally{entries: make(map[int]tallyEntry), ttl: ttl, now: now}
}

func (m *MemoryTally) Counts(_ context.Context) (map[int]int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int, len(m.entries))
	for uid, e := range m.entries {
		if now.Before(e.expiresAt) {
			out[uid] = e.count
		} else {
			delete(m.entries, uid)
		}
	}
	return out, nil
}

func (m *MemoryTally) Increment(_ context.Context, uids []int) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		e, ok := m.entries[uid]
		if !ok || !now.Before(e.expiresAt) {
			e = tallyEntry{}
		}
		e.count++
		e.expiresAt = now.Add(m.ttl)
		m.entries[uid] = e
	}
	return nil
}

func (m *MemoryTally) Reset(_ context.Context) error {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return nil
}

// Stats summarises a tally: number of uids, mean and population stddev of counts.
type Stats struct {
	Workers int     `json:"workers"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
}

// Summarize computes Stats over counts.
func Summarize(counts map[int]int) Stats {
	if len(counts) == 0 {
		return Stats{}
	}
	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean := sum / float64(len(counts))
	var sq float64
	for _, c := range counts {
		d := float64(c) - mean
		sq += d * d
	}
	return Stats{Workers: len(counts), Mean: mean, StdDev: math.Sqrt(sq / float64(len(counts)))}
}
