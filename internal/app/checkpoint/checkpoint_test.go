package checkpoint

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/app/tunables"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/blob/memory"
	"github.com/ahrav/index-armada/internal/infra/storage"
	memstore "github.com/ahrav/index-armada/internal/infra/storage/memory"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

var baseTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	blobs    *memory.Store
	attempts *memstore.AttemptStore
	clock    *timeutil.Mock
	store    *Store
}

func newTestEnv(t *testing.T, maxSize int64) *testEnv {
	t.Helper()

	clock := timeutil.NewMock(baseTime)
	env := &testEnv{
		blobs:    memory.NewStore(),
		attempts: memstore.NewAttemptStore(clock),
		clock:    clock,
	}
	limits := tunables.Static{MaxSizeBytes: maxSize, RetentionDays: 7}
	env.store = NewStore(env.blobs, env.attempts, limits, logger.Noop(), storage.NoOpTracer())
	return env
}

func (e *testEnv) newAttempt(t *testing.T, w indexing.Window) int64 {
	t.Helper()
	id, err := e.attempts.CreateAttempt(context.Background(), &indexing.IndexAttempt{
		CCPairID:     1,
		GenerationID: 1,
		Status:       indexing.AttemptStatusNotStarted,
		Window:       w,
	})
	require.NoError(t, err)
	return id
}

var testWindow = indexing.Window{Start: baseTime.Add(-24 * time.Hour), End: baseTime}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cp   indexing.Checkpoint
	}{
		{name: "dummy", cp: indexing.NewDummyCheckpoint()},
		{name: "final", cp: indexing.FinalCheckpoint()},
		{
			name: "nested content",
			cp: indexing.Checkpoint{
				HasMore: true,
				Content: map[string]any{
					"cursor":   "page-7",
					"offset":   float64(700),
					"seen_ids": []any{"a", "b", "c"},
					"per_space": map[string]any{
						"eng": map[string]any{"last_modified": "2024-01-01T00:00:00Z"},
					},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
			id := env.newAttempt(t, testWindow)

			pointer, err := env.store.Save(ctx, id, tt.cp)
			require.NoError(t, err)
			assert.Equal(t, indexing.CheckpointBlobName(id), pointer)

			got, err := env.store.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.cp, got)
		})
	}
}

func TestStore_SaveOverwritesPriorBlob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
	id := env.newAttempt(t, testWindow)

	for i := range 3 {
		_, err := env.store.Save(ctx, id, indexing.Checkpoint{HasMore: true, Content: map[string]any{"page": float64(i)}})
		require.NoError(t, err)
	}

	got, err := env.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Content["page"])
	assert.Equal(t, 1, env.blobs.Len())
}

func TestStore_SaveMissingAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)

	_, err := env.store.Save(ctx, 404, indexing.NewDummyCheckpoint())
	require.ErrorIs(t, err, indexing.ErrAttemptNotFound)
	assert.Equal(t, 0, env.blobs.Len(), "no blob is written for a missing attempt")
}

func TestStore_LoadErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no pointer", func(t *testing.T) {
		env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
		id := env.newAttempt(t, testWindow)

		_, err := env.store.Load(ctx, id)
		assert.ErrorIs(t, err, indexing.ErrCheckpointNotFound)
	})

	t.Run("blob missing", func(t *testing.T) {
		env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
		id := env.newAttempt(t, testWindow)
		_, err := env.store.Save(ctx, id, indexing.NewDummyCheckpoint())
		require.NoError(t, err)
		require.NoError(t, env.blobs.Delete(ctx, indexing.CheckpointBlobName(id)))

		_, err = env.store.Load(ctx, id)
		assert.ErrorIs(t, err, indexing.ErrCheckpointNotFound)
	})

	t.Run("corrupt blob", func(t *testing.T) {
		env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
		id := env.newAttempt(t, testWindow)
		_, err := env.store.Save(ctx, id, indexing.NewDummyCheckpoint())
		require.NoError(t, err)
		require.NoError(t, env.blobs.Put(ctx, indexing.CheckpointBlobName(id), []byte("{truncated"), nil))

		_, err = env.store.Load(ctx, id)
		assert.ErrorIs(t, err, indexing.ErrCheckpointCorrupt)
	})

	t.Run("missing attempt", func(t *testing.T) {
		env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
		_, err := env.store.Load(ctx, 77)
		assert.ErrorIs(t, err, indexing.ErrAttemptNotFound)
	})
}

func TestStore_SizeGuard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 4096)
	id := env.newAttempt(t, testWindow)

	small := indexing.Checkpoint{HasMore: true, Content: map[string]any{"cursor": "abc"}}
	require.NoError(t, env.store.SizeGuard(ctx, small))

	huge := indexing.Checkpoint{HasMore: true, Content: map[string]any{"seen": strings.Repeat("x", 8192)}}
	err := env.store.SizeGuard(ctx, huge)
	require.ErrorIs(t, err, indexing.ErrCheckpointTooLarge)

	_, err = env.store.Save(ctx, id, huge)
	require.ErrorIs(t, err, indexing.ErrCheckpointTooLarge)

	a, err := env.attempts.GetAttempt(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, a.CheckpointPointer, "rejected checkpoint is never referenced")
	assert.Equal(t, 0, env.blobs.Len())
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, indexing.DefaultMaxCheckpointSize)
	id := env.newAttempt(t, testWindow)

	_, err := env.store.Save(ctx, id, indexing.NewDummyCheckpoint())
	require.NoError(t, err)

	require.NoError(t, env.store.Delete(ctx, id))
	require.NoError(t, env.store.Delete(ctx, id))
	require.NoError(t, env.store.Delete(ctx, 12345), "missing attempt is a no-op")

	a, err := env.attempts.GetAttempt(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, a.CheckpointPointer)
	assert.Equal(t, 0, env.blobs.Len())
}
