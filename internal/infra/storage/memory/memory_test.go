package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

func TestAttemptStore_RecentTerminalOrdering(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewAttemptStore(clock)

	var ids []int64
	for range 3 {
		id, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{CCPairID: 1, GenerationID: 1, Status: indexing.AttemptStatusNotStarted})
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, id, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}))
		require.NoError(t, s.UpdateStatus(ctx, id, indexing.StatusUpdate{Status: indexing.AttemptStatusFailed}))
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}
	_, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{CCPairID: 1, GenerationID: 1, Status: indexing.AttemptStatusNotStarted})
	require.NoError(t, err)

	recent, err := s.GetRecentTerminalAttempts(ctx, 1, 1, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)

	latest, err := s.GetLatestAttempt(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, indexing.AttemptStatusNotStarted, latest.Status)

	_, err = s.GetLastSuccessfulAttempt(ctx, 1, 1)
	assert.ErrorIs(t, err, indexing.ErrAttemptNotFound)
}

func TestAttemptStore_RecentTerminalSkipsUnstartedCancellations(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewAttemptStore(clock)

	failed, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{CCPairID: 1, GenerationID: 1, Status: indexing.AttemptStatusNotStarted})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, failed, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}))
	require.NoError(t, s.UpdateStatus(ctx, failed, indexing.StatusUpdate{Status: indexing.AttemptStatusFailed}))
	clock.Advance(time.Minute)

	stopped, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{CCPairID: 1, GenerationID: 1, Status: indexing.AttemptStatusNotStarted})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, stopped, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}))
	require.NoError(t, s.UpdateStatus(ctx, stopped, indexing.StatusUpdate{Status: indexing.AttemptStatusCanceled}))

	for range 5 {
		clock.Advance(time.Minute)
		id, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{CCPairID: 1, GenerationID: 1, Status: indexing.AttemptStatusNotStarted})
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, id, indexing.StatusUpdate{Status: indexing.AttemptStatusCanceled, ErrorMsg: "worker pool at capacity"}))
	}

	recent, err := s.GetRecentTerminalAttempts(ctx, 1, 1, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, stopped, recent[0].ID, "a started cancellation stays in history")
	assert.Equal(t, failed, recent[1].ID)

	latest, err := s.GetLatestAttempt(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, latest.NeverStarted())
}

func TestAttemptStore_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := NewAttemptStore(timeutil.Default())

	id, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{Status: indexing.AttemptStatusNotStarted})
	require.NoError(t, err)

	assert.Error(t, s.UpdateStatus(ctx, id, indexing.StatusUpdate{Status: indexing.AttemptStatusSuccess}))
	assert.ErrorIs(t, s.UpdateStatus(ctx, 99, indexing.StatusUpdate{Status: indexing.AttemptStatusFailed}), indexing.ErrAttemptNotFound)
}

func TestAttemptStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewAttemptStore(timeutil.Default())

	id, err := s.CreateAttempt(ctx, &indexing.IndexAttempt{Status: indexing.AttemptStatusNotStarted})
	require.NoError(t, err)
	p := "checkpoint_1.json"
	require.NoError(t, s.SetCheckpointPointer(ctx, id, &p))

	a, err := s.GetAttempt(ctx, id)
	require.NoError(t, err)
	*a.CheckpointPointer = "mutated"

	b, err := s.GetAttempt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint_1.json", *b.CheckpointPointer)
}

func TestDocumentStore_Upsert(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore()

	n, err := s.UpsertDocuments(ctx, 1, []indexing.Document{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertDocuments(ctx, 1, []indexing.Document{{ID: "b"}, {ID: "c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteDocuments(ctx, 1, []string{"a"}))
	ids, err := s.ListDocumentIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
}
