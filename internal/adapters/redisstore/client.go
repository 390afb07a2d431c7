// Package redisstore keeps the shared, multi-process state of the
// coordinator in Redis: quota windows, the epoch tally and the workload
// queues.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "creditgate"

// Connect parses url, connects and pings.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

type keyspace string

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keyspace(strings.TrimSuffix(prefix, ":"))
}

func (k keyspace) key(parts ...string) string {
	return string(k) + ":" + strings.Join(parts, ":")
}

func (k keyspace) uidKey(kind string, uid int) string {
	return k.key(kind, strconv.Itoa(uid))
}
