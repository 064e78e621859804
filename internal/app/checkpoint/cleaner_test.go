package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/app/tunables"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

func TestCleaner_SweepsOnlyExpired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)

	old := env.newAttempt(t, testWindow)
	_, err := env.store.Save(ctx, old, indexing.NewDummyCheckpoint())
	require.NoError(t, err)

	env.clock.Advance(6 * 24 * time.Hour)
	recent := env.newAttempt(t, testWindow)
	_, err = env.store.Save(ctx, recent, indexing.NewDummyCheckpoint())
	require.NoError(t, err)

	env.clock.Advance(2 * 24 * time.Hour)

	cleaner := NewCleaner(env.attempts, env.store, tunables.Static{RetentionDays: 7}, logger.Noop(), storage.NoOpTracer())
	cleaner.timeProvider = env.clock

	deleted, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = env.store.Load(ctx, old)
	assert.ErrorIs(t, err, indexing.ErrCheckpointNotFound)
	_, err = env.store.Load(ctx, recent)
	assert.NoError(t, err)
}
