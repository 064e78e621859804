package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

func setupStore(t *testing.T) (context.Context, *miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return context.Background(), mr, NewStore(client, storage.NoOpTracer())
}

func TestStore_StringsWithTTL(t *testing.T) {
	ctx, mr, s := setupStore(t)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	mr.FastForward(2 * time.Minute)

	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "persistent", "1", 0))
	exists, err := s.Exists(ctx, "persistent")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "persistent"))
	exists, err = s.Exists(ctx, "persistent")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_Sets(t *testing.T) {
	ctx, _, s := setupStore(t)

	require.NoError(t, s.SAdd(ctx, "set", "a"))
	require.NoError(t, s.SAdd(ctx, "set", "b"))
	require.NoError(t, s.SAdd(ctx, "set", "a"))

	n, err := s.SCard(ctx, "set")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, s.SRem(ctx, "set", "a"))
	require.NoError(t, s.SRem(ctx, "set", "a"))

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestStore_Lock(t *testing.T) {
	ctx, mr, s := setupStore(t)

	lock, err := s.AcquireLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lock", lock.Key())

	_, err = s.AcquireLock(ctx, "lock", time.Minute)
	assert.ErrorIs(t, err, coordination.ErrLockNotAcquired)

	require.NoError(t, lock.Extend(ctx, 2*time.Minute))
	assert.Greater(t, mr.TTL("lock"), time.Minute)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), coordination.ErrLockNotOwned)

	again, err := s.AcquireLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestStore_LockExpiryBackstop(t *testing.T) {
	ctx, mr, s := setupStore(t)

	stale, err := s.AcquireLock(ctx, "lock", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := s.AcquireLock(ctx, "lock", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), coordination.ErrLockNotOwned, "expired holder cannot release new owner's lock")
	require.NoError(t, fresh.Release(ctx))
}
