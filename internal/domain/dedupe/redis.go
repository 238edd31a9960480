package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisTTL    = 24 * time.Hour
	defaultRedisPrefix = "tutorrisk:event:"
)

// redisDeduper shares seen ids across processes with SET NX plus a TTL.
type redisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisOption configures the redis deduper.
type RedisOption func(*redisDeduper)

// WithTTL sets how long an id is remembered.
func WithTTL(ttl time.Duration) RedisOption {
	return func(d *redisDeduper) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(d *redisDeduper) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// NewRedisDeduper creates a Deduper backed by redis.
func NewRedisDeduper(client redis.Cmdable, opts ...RedisOption) Deduper {
	d := &redisDeduper{client: client, prefix: defaultRedisPrefix, ttl: defaultRedisTTL}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *redisDeduper) SeenAndRecord(ctx context.Context, id string) (bool, error) {
	created, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx %s: %w", id, err)
	}
	return !created, nil
}

func (d *redisDeduper) Unrecord(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("dedupe del %s: %w", id, err)
	}
	return nil
}

// Size is not tracked for redis.
func (d *redisDeduper) Size() int64 { return -1 }
