package indexing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// DefaultWatchInterval is how often a watchdog refreshes the heartbeat and
// checks for an expired stop request.
const DefaultWatchInterval = 10 * time.Second

// killGraceIntervals is how many watch intervals a worker has to exit after
// SIGTERM before it is killed.
const killGraceIntervals = 3

var _ Watcher = (*Watchdog)(nil)

// Watchdog supervises worker processes from the parent side. While a worker
// lives it keeps the attempt's heartbeat alive and terminates the worker once
// a stop request outlives its timeout, killing it if it ignores the request
// to terminate. When the worker exits without
// finalizing its attempt the watchdog records the outcome.
type Watchdog struct {
	attempts indexing.AttemptRepository
	coord    *appcoord.Coordinator
	detector ErrorStateRefresher
	metrics  *Metrics
	interval time.Duration
	// killGrace is how long a terminated worker may keep running before Kill.
	killGrace time.Duration

	wg sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWatchdog creates a Watchdog. A non-positive interval uses DefaultWatchInterval.
func NewWatchdog(
	attempts indexing.AttemptRepository,
	coord *appcoord.Coordinator,
	detector ErrorStateRefresher,
	metrics *Metrics,
	interval time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watchdog{
		attempts:  attempts,
		coord:     coord,
		detector:  detector,
		metrics:   metrics,
		interval:  interval,
		killGrace: killGraceIntervals * interval,
		logger:    logger.With("component", "indexing_watchdog"),
		tracer:    tracer,
	}
}

// Watch supervises h in the background until the worker exits.
func (w *Watchdog) Watch(ctx context.Context, h ProcessHandle, target WatchTarget) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.supervise(ctx, h, target)
	}()
}

// Wait blocks until every supervised worker has exited.
func (w *Watchdog) Wait() { w.wg.Wait() }

func (w *Watchdog) supervise(ctx context.Context, h ProcessHandle, t WatchTarget) {
	entityID := EntityID(t.CCPairID, t.GenerationID)
	wf := w.coord.Workflow(workflowKind, t.TenantID, entityID)
	stop := w.coord.StopSignal(workflowKind, t.TenantID, entityID)
	log := w.logger.With("attempt_id", t.AttemptID, "cc_pair_id", t.CCPairID, "job_id", h.ID())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var terminatedAt time.Time
	killed := false
	for {
		select {
		case <-h.Done():
			w.onExit(ctx, log, h, t, stop)
			return
		case <-ticker.C:
			if err := wf.SetActive(ctx); err != nil {
				log.Warn(ctx, "failed to refresh heartbeat", "error", err)
			}
			if killed {
				continue
			}
			if !terminatedAt.IsZero() {
				if time.Since(terminatedAt) >= w.killGrace {
					log.Warn(ctx, "worker ignored termination, killing it", "grace", w.killGrace)
					// A failed kill means the worker is already gone and Done fires next.
					killed = true
					h.Kill()
				}
				continue
			}
			timedOut, err := stop.TimedOut(ctx)
			if err != nil {
				log.Warn(ctx, "failed to check stop timeout", "error", err)
				continue
			}
			if timedOut {
				log.Warn(ctx, "stop request timed out, terminating worker")
				if h.Cancel() {
					terminatedAt = time.Now()
				}
			}
		}
	}
}

// onExit finalizes an attempt the worker left non-terminal.
func (w *Watchdog) onExit(ctx context.Context, log *logger.Logger, h ProcessHandle, t WatchTarget, stop *appcoord.StopSignal) {
	ctx, span := w.tracer.Start(ctx, "indexing.watchdog.on_exit",
		trace.WithAttributes(
			attribute.Int64("attempt_id", t.AttemptID),
			attribute.String("worker_status", string(h.Status())),
		))
	defer span.End()

	attempt, err := w.attempts.GetAttempt(ctx, t.AttemptID)
	if err != nil {
		span.RecordError(err)
		log.Error(ctx, "failed to load attempt after worker exit", "error", err)
		return
	}
	if attempt.Status.IsTerminal() {
		return
	}

	update := indexing.StatusUpdate{Status: indexing.AttemptStatusFailed}
	switch status := h.Status(); {
	case status == workerpool.StatusFinished:
		update.ErrorMsg = "worker exited without finalizing the attempt"
	default:
		if stopped, err := stop.Requested(ctx); err == nil && stopped {
			update.Status = indexing.AttemptStatusCanceled
			update.ErrorMsg = "worker terminated after stop timeout"
		} else {
			update.ErrorMsg = fmt.Sprintf("worker process exited abnormally (%s)", status)
			update.FullExceptionTrace = h.Exception()
		}
	}

	if err := w.attempts.UpdateStatus(ctx, t.AttemptID, update); err != nil {
		span.RecordError(err)
		log.Error(ctx, "failed to finalize attempt after worker exit", "error", err)
		return
	}
	w.metrics.attemptFinished(ctx, update.Status)
	log.Warn(ctx, "attempt finalized after worker exit", "status", update.Status, "reason", update.ErrorMsg)

	if _, err := w.detector.Refresh(ctx, t.CCPairID, t.GenerationID); err != nil {
		log.Warn(ctx, "failed to refresh repeated error state", "error", err)
	}
}
