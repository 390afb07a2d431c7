package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/quota"
	"github.com/redis/go-redis/v9"
)

// incrementScript charges ARGV[1] to KEYS[2] unless the threshold check in
// ARGV[2..3] fails, and starts the window TTL on the first charge.
// Returns -1 for an unknown uid, 1 for within quota, 0 otherwise.
var incrementScript = redis.NewScript(`
local quota = redis.call('GET', KEYS[1])
if not quota then
  return -1
end
quota = tonumber(quota)
local amount = tonumber(ARGV[1])
if ARGV[3] == '1' then
  local consumed = tonumber(redis.call('GET', KEYS[2]) or '0')
  if quota <= 0 or consumed / quota >= tonumber(ARGV[2]) then
    return 0
  end
end
local post = redis.call('INCRBY', KEYS[2], amount)
if post == amount then
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
if post <= quota then
  return 1
end
return 0
`)

// Counter is a quota.Counter shared by every coordinator process using the
// same Redis and prefix.
type Counter struct {
	rdb      redis.UniversalClient
	keys     keyspace
	interval time.Duration
}

// CounterOption configures a Counter.
type CounterOption func(*Counter)

// WithCounterInterval sets the window length.
func WithCounterInterval(d time.Duration) CounterOption {
	return func(c *Counter) {
		if d > 0 {
			c.interval = d
		}
	}
}

// NewCounter creates a Counter.
func NewCounter(rdb redis.UniversalClient, prefix string, opts ...CounterOption) *Counter {
	c := &Counter{rdb: rdb, keys: newKeyspace(prefix), interval: time.Minute}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ quota.Counter = (*Counter)(nil)

func (c *Counter) quotaKey(uid int) string    { return c.keys.uidKey("quota", uid) }
func (c *Counter) consumedKey(uid int) string { return c.keys.uidKey("consumed", uid) }
func (c *Counter) universeKey() string        { return c.keys.key("uids") }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", quota.ErrUnavailable, op, err)
}

func (c *Counter) SetQuota(ctx context.Context, uid int, q int64) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.quotaKey(uid), q, 0)
		p.SAdd(ctx, c.universeKey(), uid)
		return nil
	})
	if err != nil {
		return unavailable("set quota", err)
	}
	return nil
}

func (c *Counter) Increment(ctx context.Context, uid int, amount int64, opts ...quota.IncrementOption) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: %d", quota.ErrInvalidAmount, amount)
	}
	o := quota.ApplyIncrementOptions(opts...)
	hasThreshold := "0"
	if o.HasThreshold {
		hasThreshold = "1"
	}
	res, err := incrementScript.Run(ctx, c.rdb,
		[]string{c.quotaKey(uid), c.consumedKey(uid)},
		amount,
		strconv.FormatFloat(o.Threshold, 'f', -1, 64),
		hasThreshold,
		c.interval.Milliseconds(),
	).Int64()
	if err != nil {
		return false, unavailable("increment", err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("%w: %d", quota.ErrUnknownWorker, uid)
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// windows reads quota and consumed for uids in one round trip.
func (c *Counter) windows(ctx context.Context, uids []int) (map[int][2]int64, error) {
	quotas := make([]*redis.StringCmd, len(uids))
	consumed := make([]*redis.StringCmd, len(uids))
	pipe := c.rdb.Pipeline()
	for i, uid := range uids {
		quotas[i] = pipe.Get(ctx, c.quotaKey(uid))
		consumed[i] = pipe.Get(ctx, c.consumedKey(uid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make(map[int][2]int64, len(uids))
	for i, uid := range uids {
		q, err := quotas[i].Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		used, err := consumed[i].Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		out[uid] = [2]int64{used, q}
	}
	return out, nil
}

func (c *Counter) Remaining(ctx context.Context, uids []int) (map[int]int64, error) {
	out := make(map[int]int64, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	ws, err := c.windows(ctx, uids)
	if err != nil {
		return nil, unavailable("remaining", err)
	}
	for _, uid := range uids {
		w := ws[uid]
		out[uid] = quota.RemainingOf(w[0], w[1])
	}
	return out, nil
}

func (c *Counter) UIDs(ctx context.Context) ([]int, error) {
	members, err := c.rdb.SMembers(ctx, c.universeKey()).Result()
	if err != nil {
		return nil, unavailable("list uids", err)
	}
	uids := make([]int, 0, len(members))
	for _, m := range members {
		uid, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids, nil
}

func (c *Counter) Retain(ctx context.Context, keep []int) error {
	current, err := c.UIDs(ctx)
	if err != nil {
		return err
	}
	var drop []int
	for _, uid := range current {
		if !slices.Contains(keep, uid) {
			drop = append(drop, uid)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, uid := range drop {
			p.SRem(ctx, c.universeKey(), uid)
			p.Del(ctx, c.quotaKey(uid), c.consumedKey(uid))
		}
		return nil
	})
	if err != nil {
		return unavailable("retain", err)
	}
	return nil
}

func (c *Counter) Usage(ctx context.Context) ([]model.QuotaUsage, error) {
	uids, err := c.UIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return []model.QuotaUsage{}, nil
	}
	ws, err := c.windows(ctx, uids)
	if err != nil {
		return nil, unavailable("usage", err)
	}
	out := make([]model.QuotaUsage, 0, len(ws))
	for _, uid := range uids {
		if w, ok := ws[uid]; ok {
			out = append(out, model.NewQuotaUsage(uid, w[0], w[1]))
		}
	}
	quota.SortUsage(out)
	return out, nil
}
