package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/okian/creditgate/internal/domain/reputation"
	"github.com/redis/go-redis/v9"
)

// Tally is a reputation.Tally with one expiring INCR key per uid.
type Tally struct {
	rdb  redis.UniversalClient
	keys keyspace
	ttl  time.Duration
}

var _ reputation.Tally = (*Tally)(nil)

// NewTally creates a Tally. ttl <= 0 uses reputation.DefaultTallyTTL.
func NewTally(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Tally {
	if ttl <= 0 {
		ttl = reputation.DefaultTallyTTL
	}
	return &Tally{rdb: rdb, keys: newKeyspace(prefix), ttl: ttl}
}

func (t *Tally) pattern() string { return t.keys.key("tally", "*") }

func (t *Tally) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := t.rdb.Scan(ctx, 0, t.pattern(), 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (t *Tally) Counts(ctx context.Context) (map[int]int, error) {
	keys, err := t.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan tally: %w", err)
	}
	out := make(map[int]int, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read tally: %w", err)
	}
	prefix := t.keys.key("tally", "")
	for i, key := range keys {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		uid, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		out[uid] = n
	}
	return out, nil
}

// Increment bumps each uid and refreshes its expiry in one transaction.
func (t *Tally) Increment(ctx context.Context, uids []int) error {
	if len(uids) == 0 {
		return nil
	}
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, uid := range uids {
			key := t.keys.uidKey("tally", uid)
			p.Incr(ctx, key)
			p.Expire(ctx, key, t.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment tally: %w", err)
	}
	return nil
}

func (t *Tally) Reset(ctx context.Context) error {
	keys, err := t.scan(ctx)
	if err != nil {
		return fmt.Errorf("scan tally: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset tally: %w", err)
	}
	return nil
}
