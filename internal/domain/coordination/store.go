// Package coordination defines the key-value/lock service contract and key
// layout used to agree on in-flight workflows without a consensus store.
package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockNotAcquired is returned when a lock is held by another owner.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotOwned is returned when releasing or extending a lock that has
	// expired or was taken over by another owner.
	ErrLockNotOwned = errors.New("lock not owned")
)

// Store is the key-value/lock service. Every mutation touches a single key;
// no multi-key transactions are assumed.
type Store interface {
	// Set writes value at key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// AcquireLock takes an advisory lock expiring after ttl. It returns
	// ErrLockNotAcquired without blocking when the lock is held.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is an advisory lock with an ownership token. TTL expiry is the
// backstop when the holder crashes before Release.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}
