package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

// DefaultStartGrace is how long a fence without an attempt or heartbeat is
// tolerated before it is considered abandoned.
const DefaultStartGrace = time.Minute

var _ appcoord.FenceHandler = (*FenceMonitor)(nil)

// FenceMonitor reconciles indexing fences with run history. It clears fences
// of finished attempts, fails attempts whose worker and heartbeat are gone
// and asks attempts of paused or deleted pairs to stop.
type FenceMonitor struct {
	attempts indexing.AttemptRepository
	pairs    indexing.CCPairRepository
	coord    *appcoord.Coordinator
	detector ErrorStateRefresher
	metrics  *Metrics

	startGrace   time.Duration
	timeProvider timeutil.Provider
	logger       *logger.Logger
}

// NewFenceMonitor creates a FenceMonitor.
func NewFenceMonitor(
	attempts indexing.AttemptRepository,
	pairs indexing.CCPairRepository,
	coord *appcoord.Coordinator,
	detector ErrorStateRefresher,
	metrics *Metrics,
	logger *logger.Logger,
) *FenceMonitor {
	return &FenceMonitor{
		attempts:     attempts,
		pairs:        pairs,
		coord:        coord,
		detector:     detector,
		metrics:      metrics,
		startGrace:   DefaultStartGrace,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "indexing_fence_monitor"),
	}
}

// HandleFence implements appcoord.FenceHandler.
func (m *FenceMonitor) HandleFence(ctx context.Context, wf *appcoord.Workflow, payload *coordination.FencePayload) error {
	log := m.logger.With("tenant_id", wf.TenantID, "entity_id", wf.EntityID)
	stop := m.coord.StopSignal(workflowKind, wf.TenantID, wf.EntityID)

	if payload.AttemptID == nil {
		if m.timeProvider.Now().Sub(payload.SubmittedAt) > m.startGrace {
			log.Warn(ctx, "clearing fence without attempt")
			return wf.Reset(ctx)
		}
		return nil
	}

	attempt, err := m.attempts.GetAttempt(ctx, *payload.AttemptID)
	if errors.Is(err, indexing.ErrAttemptNotFound) {
		log.Warn(ctx, "clearing fence of missing attempt", "attempt_id", *payload.AttemptID)
		return wf.Reset(ctx)
	}
	if err != nil {
		return err
	}
	log = log.With("attempt_id", attempt.ID)

	if attempt.Status.IsTerminal() {
		log.Debug(ctx, "clearing fence of finished attempt", "status", attempt.Status)
		if err := stop.Clear(ctx); err != nil {
			return err
		}
		return wf.Reset(ctx)
	}

	if err := m.stopIfUnschedulable(ctx, log, attempt, stop); err != nil {
		return err
	}

	active, err := wf.IsActive(ctx)
	if err != nil {
		return err
	}
	if active || m.timeProvider.Now().Sub(payload.SubmittedAt) <= m.startGrace {
		return nil
	}

	update := indexing.StatusUpdate{
		Status:   indexing.AttemptStatusFailed,
		ErrorMsg: "worker heartbeat lost",
	}
	if err := m.attempts.UpdateStatus(ctx, attempt.ID, update); err != nil {
		return fmt.Errorf("failed to fail orphaned attempt: %w", err)
	}
	m.metrics.attemptFinished(ctx, update.Status)
	log.Warn(ctx, "failed attempt with lost heartbeat")
	if _, err := m.detector.Refresh(ctx, attempt.CCPairID, attempt.GenerationID); err != nil {
		log.Warn(ctx, "failed to refresh repeated error state", "error", err)
	}
	if err := stop.Clear(ctx); err != nil {
		return err
	}
	return wf.Reset(ctx)
}

func (m *FenceMonitor) stopIfUnschedulable(
	ctx context.Context,
	log *logger.Logger,
	attempt *indexing.IndexAttempt,
	stop *appcoord.StopSignal,
) error {
	pair, err := m.pairs.GetCCPair(ctx, attempt.CCPairID)
	if errors.Is(err, indexing.ErrCCPairNotFound) {
		pair = nil
	} else if err != nil {
		return err
	}
	if pair != nil && pair.Status.IsSchedulable() {
		return nil
	}

	requested, err := stop.Requested(ctx)
	if err != nil || requested {
		return err
	}
	log.Info(ctx, "requesting stop of attempt for unschedulable cc pair")
	return stop.Request(ctx)
}
