package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/domain/coordination"
)

func TestMonitor_DispatchesByKind(t *testing.T) {
	env := newTestEnv(t)
	idx := env.coord.Workflow(coordination.KindIndexing, "acme", "1/1")
	del := env.coord.Workflow(coordination.KindDeletion, "", "2")
	require.NoError(t, idx.SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: baseTime}))
	require.NoError(t, del.SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: baseTime}))

	seen := map[coordination.Kind]string{}
	m := NewMonitor(env.coord)
	handler := FenceHandlerFunc(func(_ context.Context, wf *Workflow, _ *coordination.FencePayload) error {
		seen[wf.Kind] = wf.TenantID + "|" + wf.EntityID
		return nil
	})
	m.Register(coordination.KindIndexing, handler)
	m.Register(coordination.KindDeletion, handler)

	require.NoError(t, m.Tick(env.ctx))
	assert.Equal(t, "acme|1/1", seen[coordination.KindIndexing])
	assert.Equal(t, "|2", seen[coordination.KindDeletion])
}

func TestMonitor_DropsStaleIndexEntries(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mr.SAdd(coordination.ActiveFencesKey, coordination.FenceKey(coordination.KindDeletion, "gone"))
	require.NoError(t, err)

	require.NoError(t, NewMonitor(env.coord).Tick(env.ctx))
	assert.False(t, env.mr.Exists(coordination.ActiveFencesKey))
}

func TestMonitor_HandlerErrorsDoNotStopPass(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b"} {
		wf := env.coord.Workflow(coordination.KindDeletion, "", id)
		require.NoError(t, wf.SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: baseTime}))
	}

	calls := 0
	m := NewMonitor(env.coord)
	m.Register(coordination.KindDeletion, FenceHandlerFunc(func(context.Context, *Workflow, *coordination.FencePayload) error {
		calls++
		return errors.New("handler failed")
	}))

	err := m.Tick(env.ctx)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestFanOutCompletionHandler(t *testing.T) {
	env := newTestEnv(t)
	wf := env.coord.Workflow(coordination.KindDeletion, "acme", "7")
	require.NoError(t, wf.SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: baseTime}))

	var units []string
	_, err := wf.GenerateUnits(env.ctx, 3, func(_ context.Context, _ int, id string) error {
		units = append(units, id)
		return nil
	})
	require.NoError(t, err)

	completed := 0
	m := NewMonitor(env.coord)
	m.Register(coordination.KindDeletion, &FanOutCompletionHandler{
		OnComplete: func(_ context.Context, _ *Workflow, p *coordination.FencePayload) error {
			completed++
			assert.Equal(t, 3, p.ExpectedUnitCount)
			return nil
		},
	})

	for _, id := range units[:2] {
		require.NoError(t, wf.RemoveUnit(env.ctx, id))
	}
	require.NoError(t, m.Tick(env.ctx))
	assert.Zero(t, completed)

	require.NoError(t, wf.RemoveUnit(env.ctx, units[2]))
	require.NoError(t, m.Tick(env.ctx))
	assert.Equal(t, 1, completed)

	fenced, err := wf.Fenced(env.ctx)
	require.NoError(t, err)
	assert.False(t, fenced)

	// A second tick finds nothing left to finalize.
	require.NoError(t, m.Tick(env.ctx))
	assert.Equal(t, 1, completed)
}

func TestFanOutCompletionHandler_CompletionErrorKeepsFence(t *testing.T) {
	env := newTestEnv(t)
	wf := env.coord.Workflow(coordination.KindDeletion, "", "8")
	require.NoError(t, wf.SetFence(env.ctx, &coordination.FencePayload{SubmittedAt: baseTime}))
	_, err := wf.GenerateUnits(env.ctx, 0, nil)
	require.NoError(t, err)

	h := &FanOutCompletionHandler{OnComplete: func(context.Context, *Workflow, *coordination.FencePayload) error {
		return errors.New("db unavailable")
	}}
	p, err := wf.Payload(env.ctx)
	require.NoError(t, err)
	require.Error(t, h.HandleFence(env.ctx, wf, p))

	fenced, err := wf.Fenced(env.ctx)
	require.NoError(t, err)
	assert.True(t, fenced)
}

func TestFanOutCompletionHandler_ResetsAbandonedGeneration(t *testing.T) {
	env := newTestEnv(t)
	wf := env.coord.Workflow(coordination.KindDeletion, "", "3")
	payload := &coordination.FencePayload{SubmittedAt: baseTime}
	require.NoError(t, wf.SetFence(env.ctx, payload))

	h := &FanOutCompletionHandler{GenerationTimeout: time.Minute}
	require.NoError(t, h.HandleFence(env.ctx, wf, payload))
	fenced, err := wf.Fenced(env.ctx)
	require.NoError(t, err)
	assert.True(t, fenced, "generation still within its window")

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, h.HandleFence(env.ctx, wf, payload))
	fenced, err = wf.Fenced(env.ctx)
	require.NoError(t, err)
	assert.False(t, fenced)
}

func TestFanOutCompletionHandler_KeepsProgressingGeneration(t *testing.T) {
	env := newTestEnv(t)
	wf := env.coord.Workflow(coordination.KindDeletion, "acme", "4")
	payload := &coordination.FencePayload{SubmittedAt: baseTime}
	require.NoError(t, wf.SetFence(env.ctx, payload))

	h := &FanOutCompletionHandler{GenerationTimeout: time.Minute}
	env.clock.Advance(5 * time.Minute)

	// Generation heartbeats while dispatching units, however long it takes.
	require.NoError(t, wf.SetActive(env.ctx))
	require.NoError(t, h.HandleFence(env.ctx, wf, payload))
	fenced, err := wf.Fenced(env.ctx)
	require.NoError(t, err)
	assert.True(t, fenced, "slow generation is not reset")

	env.mr.FastForward(DefaultActiveTTL + time.Second)
	require.NoError(t, h.HandleFence(env.ctx, wf, payload))
	fenced, err = wf.Fenced(env.ctx)
	require.NoError(t, err)
	assert.False(t, fenced, "a generator that stopped heartbeating is reset")
}
