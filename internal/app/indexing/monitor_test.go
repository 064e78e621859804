package indexing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

func (e *testEnv) fenceMonitor() *appcoord.Monitor {
	fm := NewFenceMonitor(e.attempts, e.pairs, e.coord, e.detector, e.metrics, logger.Noop())
	fm.timeProvider = e.clock
	m := appcoord.NewMonitor(e.coord)
	m.Register(coordination.KindIndexing, fm)
	return m
}

func (e *testEnv) fenced(t *testing.T, pairID int64) bool {
	t.Helper()
	ok, err := e.workflow(pairID).Fenced(e.ctx)
	require.NoError(t, err)
	return ok
}

func TestFenceMonitor_ClearsFenceOfFinishedAttempt(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)
	require.NoError(t, env.stopSignal(pairID).Request(env.ctx))
	require.NoError(t, env.attempts.UpdateStatus(env.ctx, attemptID, indexing.StatusUpdate{Status: indexing.AttemptStatusCanceled}))

	require.NoError(t, env.fenceMonitor().Tick(env.ctx))

	assert.False(t, env.fenced(t, pairID))
	requested, err := env.stopSignal(pairID).Requested(env.ctx)
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestFenceMonitor_KeepsLiveAttempt(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)
	require.NoError(t, env.workflow(pairID).SetActive(env.ctx))

	env.clock.Advance(10 * time.Minute)
	require.NoError(t, env.fenceMonitor().Tick(env.ctx))

	assert.True(t, env.fenced(t, pairID))
	assert.Equal(t, indexing.AttemptStatusNotStarted, env.attempt(t, attemptID).Status)
}

func TestFenceMonitor_StartGrace(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)
	m := env.fenceMonitor()

	env.clock.Advance(30 * time.Second)
	require.NoError(t, m.Tick(env.ctx))
	assert.True(t, env.fenced(t, pairID), "no heartbeat yet but still within grace")

	env.clock.Advance(time.Minute)
	require.NoError(t, m.Tick(env.ctx))
	assert.False(t, env.fenced(t, pairID))

	a := env.attempt(t, attemptID)
	assert.Equal(t, indexing.AttemptStatusFailed, a.Status)
	assert.Equal(t, "worker heartbeat lost", a.ErrorMsg)
}

func TestFenceMonitor_FenceWithoutAttempt(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	require.NoError(t, env.workflow(pairID).SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: env.clock.Now()}))
	m := env.fenceMonitor()

	require.NoError(t, m.Tick(env.ctx))
	assert.True(t, env.fenced(t, pairID))

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, m.Tick(env.ctx))
	assert.False(t, env.fenced(t, pairID))
}

func TestFenceMonitor_MissingAttempt(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	ghost := int64(999)
	require.NoError(t, env.workflow(pairID).SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: env.clock.Now(), AttemptID: &ghost}))

	require.NoError(t, env.fenceMonitor().Tick(env.ctx))
	assert.False(t, env.fenced(t, pairID))
}

func TestFenceMonitor_StopsAttemptOfPausedPair(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	env.newAttempt(t, pairID, testWindow)
	require.NoError(t, env.workflow(pairID).SetActive(env.ctx))
	require.NoError(t, env.pairs.UpdateCCPairStatus(env.ctx, pairID, indexing.CCPairStatusPaused))

	require.NoError(t, env.fenceMonitor().Tick(env.ctx))

	requested, err := env.stopSignal(pairID).Requested(env.ctx)
	require.NoError(t, err)
	assert.True(t, requested)
	assert.True(t, env.fenced(t, pairID))
}
