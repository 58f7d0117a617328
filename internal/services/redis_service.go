package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService provides Redis connection and operations
type RedisService struct {
	client *redis.Client
}

// NewRedisService creates a new Redis service instance
func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis connection established")
	return &RedisService{client: client}, nil
}

// Client returns the underlying Redis client
func (r *RedisService) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisService) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks if Redis is healthy
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Set sets a key-value pair with optional expiration
func (r *RedisService) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value by key
func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// Delete removes a key
func (r *RedisService) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// incrIfBelowScript atomically increments a counter only while it is below
// the limit, setting the TTL on first increment. Returns {count, applied}.
var incrIfBelowScript = redis.NewScript(`
	local current = tonumber(redis.call("GET", KEYS[1]) or "0")
	if current >= tonumber(ARGV[1]) then
		return {current, 0}
	end
	local count = redis.call("INCR", KEYS[1])
	if count == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return {count, 1}
`)

// IncrementIfBelow performs the atomic check-and-increment used by the rate
// limiter. The Lua script makes the check and the increment a single Redis
// operation, so concurrent callers cannot overrun the limit.
func (r *RedisService) IncrementIfBelow(ctx context.Context, key string, limit int, ttl time.Duration) (int64, bool, error) {
	result, err := incrIfBelowScript.Run(ctx, r.client, []string{key},
		limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("conditional increment failed: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("conditional increment returned %d values", len(result))
	}
	return result[0], result[1] == 1, nil
}

// Count returns the integer value at key (0 when the key does not exist)
func (r *RedisService) Count(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}
