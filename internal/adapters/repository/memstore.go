// Package repository holds the ledger's storage backends.
package repository

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

// MemStore keeps worker records in process with a treap score index.
type MemStore struct {
	mu   sync.RWMutex
	root *node
	byID map[int]model.Worker
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[int]model.Worker)}
}

func (s *MemStore) Get(_ context.Context, uids []int) (map[int]model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]model.Worker, len(uids))
	for _, uid := range uids {
		if w, ok := s.byID[uid]; ok {
			out[uid] = w
		}
	}
	return out, nil
}

func (s *MemStore) Create(_ context.Context, w model.Worker) (model.Worker, error) {
	if err := validate(w); err != nil {
		return model.Worker{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[w.UID]; ok {
		return existing, nil
	}
	s.put(w)
	metrics.UpdateLedgerWorkers(len(s.byID))
	return w, nil
}

func (s *MemStore) Upsert(_ context.Context, ws ...model.Worker) error {
	start := time.Now()
	for _, w := range ws {
		if err := validate(w); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for _, w := range ws {
		s.put(w)
	}
	n := len(s.byID)
	s.mu.Unlock()

	metrics.UpdateLedgerWorkers(n)
	metrics.RecordLedgerOp("store_upsert", "ok", float64(time.Since(start).Microseconds())/1000)
	return nil
}

// put replaces the record and its index entry. Caller holds s.mu.
func (s *MemStore) put(w model.Worker) {
	if old, ok := s.byID[w.UID]; ok {
		s.root = remove(s.root, old.UID, old.AccumulatedScore)
	}
	s.byID[w.UID] = w
	s.root = insert(s.root, w.UID, w.AccumulatedScore)
}

func (s *MemStore) All(_ context.Context) ([]model.Worker, error) {
	s.mu.RLock()
	out := make([]model.Worker, 0, len(s.byID))
	for _, w := range s.byID {
		out = append(out, w)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Worker) int { return a.UID - b.UID })
	return out, nil
}

// TopN returns up to n workers with score > minScore, best first.
func (s *MemStore) TopN(_ context.Context, n int, minScore float64) ([]model.Worker, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]int, 0, n)
	collectTop(s.root, n, minScore, &uids)
	out := make([]model.Worker, len(uids))
	for i, uid := range uids {
		out[i] = s.byID[uid]
	}
	return out, nil
}

// Rank returns the zero-based score rank of uid.
func (s *MemStore) Rank(_ context.Context, uid int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byID[uid]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, uid)
	}
	return rankOf(s.root, w.UID, w.AccumulatedScore), nil
}

// Count returns the number of records.
func (s *MemStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func validate(w model.Worker) error {
	if math.IsNaN(w.AccumulatedScore) || math.IsInf(w.AccumulatedScore, 0) {
		return fmt.Errorf("%w: uid %d score %v", ErrInvalidRecord, w.UID, w.AccumulatedScore)
	}
	return nil
}
