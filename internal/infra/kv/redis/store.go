// Package redis implements the coordination key-value/lock service on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

var _ coordination.Store = (*Store)(nil)

// Store implements coordination.Store with single-key Redis commands.
type Store struct {
	client redis.UniversalClient
	tracer trace.Tracer
}

// NewStore wraps an existing client.
func NewStore(client redis.UniversalClient, tracer trace.Tracer) *Store {
	return &Store{client: client, tracer: tracer}
}

var defaultKVAttributes = []attribute.KeyValue{
	attribute.String("db.system", "redis"),
}

func kvAttrs(key string) []attribute.KeyValue {
	return append(defaultKVAttributes, attribute.String("db.key", key))
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.set", kvAttrs(key), func(ctx context.Context) error {
		if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.get", kvAttrs(key), func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get %s: %w", key, err)
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.del", kvAttrs(key), func(ctx context.Context) error {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.exists", kvAttrs(key), func(ctx context.Context) error {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists %s: %w", key, err)
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

func (s *Store) SAdd(ctx context.Context, key, member string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.sadd", kvAttrs(key), func(ctx context.Context) error {
		if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
			return fmt.Errorf("redis sadd %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) SRem(ctx context.Context, key, member string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.srem", kvAttrs(key), func(ctx context.Context) error {
		if err := s.client.SRem(ctx, key, member).Err(); err != nil {
			return fmt.Errorf("redis srem %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.scard", kvAttrs(key), func(ctx context.Context) error {
		var err error
		if n, err = s.client.SCard(ctx, key).Result(); err != nil {
			return fmt.Errorf("redis scard %s: %w", key, err)
		}
		return nil
	})
	return n, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.smembers", kvAttrs(key), func(ctx context.Context) error {
		var err error
		if members, err = s.client.SMembers(ctx, key).Result(); err != nil {
			return fmt.Errorf("redis smembers %s: %w", key, err)
		}
		return nil
	})
	return members, err
}

// Releasing and extending compare the stored token first so a holder whose
// lock expired cannot touch a lock now owned by someone else.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// AcquireLock takes the lock with SET NX PX and a random ownership token.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (coordination.Lock, error) {
	attrs := append(kvAttrs(key), attribute.String("lock.ttl", ttl.String()))

	var lock *redisLock
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.acquire_lock", attrs, func(ctx context.Context) error {
		token := uuid.NewString()
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("redis acquire lock %s: %w", key, err)
		}
		if !ok {
			return coordination.ErrLockNotAcquired
		}
		lock = &redisLock{store: s, key: key, token: token}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

type redisLock struct {
	store *Store
	key   string
	token string
}

func (l *redisLock) Key() string { return l.key }

func (l *redisLock) Release(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, l.store.tracer, "redis.release_lock", kvAttrs(l.key), func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Int64()
		if err != nil {
			return fmt.Errorf("redis release lock %s: %w", l.key, err)
		}
		if n == 0 {
			return coordination.ErrLockNotOwned
		}
		return nil
	})
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	return storage.ExecuteAndTrace(ctx, l.store.tracer, "redis.extend_lock", kvAttrs(l.key), func(ctx context.Context) error {
		n, err := extendScript.Run(ctx, l.store.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
		if err != nil {
			return fmt.Errorf("redis extend lock %s: %w", l.key, err)
		}
		if n == 0 {
			return coordination.ErrLockNotOwned
		}
		return nil
	})
}
