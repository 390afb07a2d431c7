package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

// Workload pops payloads from per-model Redis lists, organic first.
// Synthetic lists are topped up by the refill loop.
type Workload struct {
	rdb  redis.UniversalClient
	keys keyspace
}

// NewWorkload creates a Workload.
func NewWorkload(rdb redis.UniversalClient, prefix string) *Workload {
	return &Workload{rdb: rdb, keys: newKeyspace(prefix)}
}

func (w *Workload) organicKey(m string) string   { return w.keys.key("organic", m) }
func (w *Workload) syntheticKey(m string) string { return w.keys.key("synthetic", m) }

// Next pops the next payload for profile without blocking.
func (w *Workload) Next(ctx context.Context, profile model.ModelProfile) (model.Payload, bool, error) {
	for _, key := range []string{w.organicKey(profile.Name), w.syntheticKey(profile.Name)} {
		raw, err := w.rdb.LPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return model.Payload{}, false, fmt.Errorf("pop %s: %w", key, err)
		}
		var p model.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return model.Payload{}, false, fmt.Errorf("decode %s: %w", key, err)
		}
		if p.Model == "" {
			p.Model = profile.Name
		}
		return p, true, nil
	}
	return model.Payload{}, false, nil
}

// PushOrganic appends a user submitted payload.
func (w *Workload) PushOrganic(ctx context.Context, p model.Payload) error {
	p.Organic = true
	return w.push(ctx, w.organicKey(p.Model), p)
}

// PushSynthetic appends a generated payload.
func (w *Workload) PushSynthetic(ctx context.Context, p model.Payload) error {
	p.Organic = false
	return w.push(ctx, w.syntheticKey(p.Model), p)
}

func (w *Workload) push(ctx context.Context, key string, p model.Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := w.rdb.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Pending returns the organic and synthetic list lengths for a model.
func (w *Workload) Pending(ctx context.Context, name string) (organic, synthetic int, err error) {
	var o, sy *redis.IntCmd
	_, err = w.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		o = p.LLen(ctx, w.organicKey(name))
		sy = p.LLen(ctx, w.syntheticKey(name))
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("pending %s: %w", name, err)
	}
	return int(o.Val()), int(sy.Val()), nil
}
