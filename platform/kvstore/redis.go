package kvstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndSwapScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		if tonumber(ARGV[3]) > 0 then
			redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
		else
			redis.call("set", KEYS[1], ARGV[2])
		end
		return 1
	end
	return 0
`)

var compareAndDeleteScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RedisStore is the Store implementation shared by all process instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Dial parses a redis URL, configures the pool and verifies connectivity.
func Dial(ctx context.Context, redisURL string, tlsInsecure bool) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	if tlsInsecure {
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{}
		}
		opts.TLSConfig.InsecureSkipVerify = true
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for components that share the pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	result, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap failed: %w", err)
	}
	return result == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	result, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return result == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Append uses a pipeline so the push and the TTL refresh share one round-trip.
func (s *RedisStore) Append(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, key string) ([][]byte, error) {
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
