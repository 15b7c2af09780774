package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "medbook:view:"

// Redis keeps one version counter per scope, used as the Generation.
// Invalidate bumps the counter so older entries are never read again and
// expire by TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to url (redis://...) and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func versionKey(scope string) string {
	return keyPrefix + scope + ":version"
}

func entryKey(scope string, version int64, key string) string {
	return fmt.Sprintf("%s%s:%d:%s", keyPrefix, scope, version, key)
}

func (c *Redis) version(ctx context.Context, scope string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *Redis) Get(ctx context.Context, scope, key string, dst interface{}) (Generation, error) {
	v, err := c.version(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("read cache version: %w", err)
	}
	gen := Generation(v)
	data, err := c.client.Get(ctx, entryKey(scope, v, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return gen, ErrMiss
	}
	if err != nil {
		return gen, fmt.Errorf("read cache entry: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return gen, ErrMiss
	}
	return gen, nil
}

// Set writes under gen. When the scope has moved on, the entry lands under a
// version no reader asks for and expires by TTL.
func (c *Redis) Set(ctx context.Context, scope string, gen Generation, key string, val interface{}) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.client.Set(ctx, entryKey(scope, int64(gen), key), data, c.ttl).Err()
}

func (c *Redis) Invalidate(ctx context.Context, scope string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, versionKey(scope))
	pipe.Expire(ctx, versionKey(scope), 30*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
