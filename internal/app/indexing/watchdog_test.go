package indexing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

func (e *testEnv) watchdog() *Watchdog {
	return NewWatchdog(e.attempts, e.coord, e.detector, e.metrics, 10*time.Millisecond, logger.Noop(), storage.NoOpTracer())
}

func (e *testEnv) watchTarget(pairID, attemptID int64) WatchTarget {
	return WatchTarget{TenantID: testTenant, CCPairID: pairID, GenerationID: 1, AttemptID: attemptID}
}

func TestWatchdog_WorkerExit(t *testing.T) {
	tests := []struct {
		name      string
		status    workerpool.Status
		exception string
		wantMsg   string
		wantTrace string
	}{
		{
			name:    "clean exit without finalizing",
			status:  workerpool.StatusFinished,
			wantMsg: "worker exited without finalizing the attempt",
		},
		{
			name:      "crash keeps the exception",
			status:    workerpool.StatusError,
			exception: "boom\n\ngoroutine 1 [running]",
			wantMsg:   "worker process exited abnormally (error)",
			wantTrace: "boom\n\ngoroutine 1 [running]",
		},
		{
			name:    "killed without stop request",
			status:  workerpool.StatusCancelled,
			wantMsg: "worker process exited abnormally (cancelled)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			pairID := env.addPair(indexing.CCPairStatusActive, nil)
			attemptID := env.newAttempt(t, pairID, testWindow)

			w := env.watchdog()
			h := newFakeHandle("job-1")
			w.Watch(env.ctx, h, env.watchTarget(pairID, attemptID))
			h.exit(tt.status, tt.exception)
			w.Wait()

			a := env.attempt(t, attemptID)
			assert.Equal(t, indexing.AttemptStatusFailed, a.Status)
			assert.Equal(t, tt.wantMsg, a.ErrorMsg)
			assert.Equal(t, tt.wantTrace, a.FullExceptionTrace)
		})
	}
}

func TestWatchdog_FinalizedAttemptUntouched(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)
	require.NoError(t, env.attempts.UpdateStatus(env.ctx, attemptID, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}))
	require.NoError(t, env.attempts.UpdateStatus(env.ctx, attemptID, indexing.StatusUpdate{Status: indexing.AttemptStatusSuccess}))

	w := env.watchdog()
	h := newFakeHandle("job-1")
	w.Watch(env.ctx, h, env.watchTarget(pairID, attemptID))
	h.exit(workerpool.StatusError, "late crash")
	w.Wait()

	a := env.attempt(t, attemptID)
	assert.Equal(t, indexing.AttemptStatusSuccess, a.Status)
	assert.Empty(t, a.ErrorMsg)
}

func TestWatchdog_RefreshesHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)

	w := env.watchdog()
	h := newFakeHandle("job-1")
	w.Watch(env.ctx, h, env.watchTarget(pairID, attemptID))

	require.Eventually(t, func() bool {
		ok, err := env.workflow(pairID).IsActive(env.ctx)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.cancelCount())

	h.exit(workerpool.StatusFinished, "")
	w.Wait()
}

func TestWatchdog_TerminatesAfterStopTimeout(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)
	require.NoError(t, env.attempts.UpdateStatus(env.ctx, attemptID, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}))
	require.NoError(t, env.stopSignal(pairID).Request(env.ctx))

	w := env.watchdog()
	h := newFakeHandle("job-1")
	w.Watch(env.ctx, h, env.watchTarget(pairID, attemptID))

	// The stop timer is still running; the worker gets time to wind down.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.cancelCount())

	env.mr.FastForward(2 * time.Minute)
	require.Eventually(t, func() bool { return h.cancelCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	w.Wait()

	a := env.attempt(t, attemptID)
	assert.Equal(t, indexing.AttemptStatusCanceled, a.Status)
	assert.Equal(t, "worker terminated after stop timeout", a.ErrorMsg)
}

func TestWatchdog_KillsWorkerIgnoringTermination(t *testing.T) {
	env := newTestEnv(t)
	pairID := env.addPair(indexing.CCPairStatusActive, nil)
	attemptID := env.newAttempt(t, pairID, testWindow)
	require.NoError(t, env.attempts.UpdateStatus(env.ctx, attemptID, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}))
	require.NoError(t, env.stopSignal(pairID).Request(env.ctx))

	w := env.watchdog()
	h := newFakeHandle("job-1")
	h.stuck = true
	w.Watch(env.ctx, h, env.watchTarget(pairID, attemptID))

	env.mr.FastForward(2 * time.Minute)
	require.Eventually(t, func() bool { return h.killCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	w.Wait()

	assert.Equal(t, 1, h.cancelCount(), "SIGTERM is sent once before the kill")
	a := env.attempt(t, attemptID)
	assert.Equal(t, indexing.AttemptStatusCanceled, a.Status)
	assert.Equal(t, "worker terminated after stop timeout", a.ErrorMsg)
}
