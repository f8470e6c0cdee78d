package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// delIfValueScript releases a key only for the holder of its value.
var delIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// windowAddScript prunes, counts, conditionally appends and refreshes the
// key expiry in one round trip. Scores are unix milliseconds.
var windowAddScript = redis.NewScript(`
local key = KEYS[1]
local at = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local member = ARGV[3]
local limit = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
local count = redis.call("ZCARD", key)
local added = 0
if limit <= 0 or count < limit then
	redis.call("ZADD", key, at, member)
	count = count + 1
	added = 1
end
redis.call("PEXPIRE", key, ttl)

local oldest = -1
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #first == 2 then
	oldest = tonumber(first[2])
end
return {count, added, oldest}
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects using a redis:// or rediss:// URL.
func OpenRedis(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) DelIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfValueScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) WindowAdd(ctx context.Context, key, member string, at time.Time, period time.Duration, limit int64) (Window, error) {
	res, err := windowAddScript.Run(ctx, s.client, []string{key},
		at.UnixMilli(),
		at.Add(-period).UnixMilli(),
		member,
		limit,
		period.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Window{}, err
	}
	if len(res) != 3 {
		return Window{}, fmt.Errorf("unexpected window reply length %d", len(res))
	}

	w := Window{Count: res[0], Added: res[1] == 1}
	if res[2] >= 0 {
		w.Oldest = time.UnixMilli(res[2])
	}
	return w, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
