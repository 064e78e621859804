package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

const (
	// LockKey is the tenant-scoped lock serializing check-for-indexing beats.
	LockKey = "check_indexing_beat_lock"
	// DefaultLockTTL bounds how long a crashed beat can hold the lock.
	DefaultLockTTL = 5 * time.Minute

	capacityMessage = "worker pool at capacity"
	// windowLookback caps the history scanned for window reuse and scheduling.
	windowLookback = 10
)

// ProcessHandle is the view of a running worker the dispatcher and watchdog need.
type ProcessHandle interface {
	ID() string
	Done() <-chan struct{}
	Status() workerpool.Status
	Exception() string
	Cancel() bool
	Kill() bool
}

// JobSubmitter starts worker jobs without blocking. It returns
// workerpool.ErrPoolAtCapacity when no worker slot is free.
type JobSubmitter interface {
	Submit(ctx context.Context, spec workerpool.JobSpec) (ProcessHandle, error)
}

type poolSubmitter struct{ pool *workerpool.Pool }

// NewPoolSubmitter adapts a worker pool to JobSubmitter.
func NewPoolSubmitter(pool *workerpool.Pool) JobSubmitter { return poolSubmitter{pool: pool} }

func (p poolSubmitter) Submit(ctx context.Context, spec workerpool.JobSpec) (ProcessHandle, error) {
	h, err := p.pool.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Watcher supervises a submitted attempt until its worker exits.
type Watcher interface {
	Watch(ctx context.Context, h ProcessHandle, target WatchTarget)
}

// WatchTarget identifies the attempt a worker runs.
type WatchTarget struct {
	TenantID     string
	CCPairID     int64
	GenerationID int64
	AttemptID    int64
}

// Dispatcher finds pairs that are due for indexing and submits one attempt
// per pair to the worker pool.
type Dispatcher struct {
	pairs    indexing.CCPairRepository
	attempts indexing.AttemptRepository
	tenants  indexing.TenantRepository
	coord    *appcoord.Coordinator
	pool     JobSubmitter
	watcher  Watcher
	metrics  *Metrics

	lockTTL      time.Duration
	timeProvider timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// DispatcherDeps groups the dispatcher's collaborators.
type DispatcherDeps struct {
	Pairs    indexing.CCPairRepository
	Attempts indexing.AttemptRepository
	Tenants  indexing.TenantRepository
	Coord    *appcoord.Coordinator
	Pool     JobSubmitter
	Watcher  Watcher
	Metrics  *Metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps DispatcherDeps, logger *logger.Logger, tracer trace.Tracer) *Dispatcher {
	return &Dispatcher{
		pairs:        deps.Pairs,
		attempts:     deps.Attempts,
		tenants:      deps.Tenants,
		coord:        deps.Coord,
		pool:         deps.Pool,
		watcher:      deps.Watcher,
		metrics:      deps.Metrics,
		lockTTL:      DefaultLockTTL,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "indexing_dispatcher"),
		tracer:       tracer,
	}
}

// CheckForIndexing dispatches every due pair of the tenant and returns how
// many attempts were submitted. Only one check runs per tenant at a time; a
// concurrent call returns immediately. When the pool fills up the remaining
// pairs wait for the next beat.
func (d *Dispatcher) CheckForIndexing(ctx context.Context, tenantID string) (int, error) {
	logr := logger.NewLoggerContext(d.logger.With("operation", "check_for_indexing", "tenant_id", tenantID))
	ctx, span := d.tracer.Start(ctx, "indexing.dispatcher.check_for_indexing",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	lock, err := d.coord.Store().AcquireLock(ctx, coordination.TenantKey(tenantID, LockKey), d.lockTTL)
	if errors.Is(err, coordination.ErrLockNotAcquired) {
		logr.Debug(ctx, "another check for indexing is running")
		return 0, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire beat lock")
		return 0, fmt.Errorf("failed to acquire beat lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logr.Warn(ctx, "failed to release beat lock", "error", err)
		}
	}()

	tenant, err := d.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load tenant")
		return 0, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	logr.Add("generation_id", tenant.CurrentGeneration)

	pairs, err := d.pairs.ListCCPairs(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list cc pairs")
		return 0, fmt.Errorf("failed to list cc pairs: %w", err)
	}

	dispatched := 0
	var errs []error
	for _, pair := range pairs {
		ok, err := d.dispatchPair(ctx, logr.Logger, pair, tenant.CurrentGeneration)
		if errors.Is(err, workerpool.ErrPoolAtCapacity) {
			logr.Info(ctx, "worker pool at capacity, deferring remaining pairs", "cc_pair_id", pair.ID)
			break
		}
		if err != nil {
			logr.Error(ctx, "failed to dispatch cc pair", "cc_pair_id", pair.ID, "error", err)
			errs = append(errs, fmt.Errorf("cc pair %d: %w", pair.ID, err))
			continue
		}
		if ok {
			dispatched++
		}
	}

	span.SetAttributes(attribute.Int("pairs", len(pairs)), attribute.Int("dispatched", dispatched))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some pairs failed to dispatch")
		return dispatched, err
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatchPair(ctx context.Context, log *logger.Logger, pair *indexing.ConnectorCredentialPair, generationID int64) (bool, error) {
	if !pair.Status.IsSchedulable() {
		return false, nil
	}

	entityID := EntityID(pair.ID, generationID)
	stopRequested, err := d.coord.StopSignal(workflowKind, pair.TenantID, entityID).Requested(ctx)
	if err != nil {
		return false, err
	}
	if stopRequested {
		return false, nil
	}

	wf := d.coord.Workflow(workflowKind, pair.TenantID, entityID)
	fenced, err := wf.Fenced(ctx)
	if err != nil {
		return false, err
	}
	if fenced {
		return false, nil
	}

	history, err := d.attempts.GetRecentTerminalAttempts(ctx, pair.ID, generationID, windowLookback)
	if err != nil {
		return false, fmt.Errorf("failed to load attempt history: %w", err)
	}
	latest, err := d.latestForSchedule(ctx, pair.ID, generationID, history)
	if err != nil {
		return false, err
	}

	now := d.timeProvider.Now()
	if !pair.IsDue(latest, now) {
		return false, nil
	}

	window, err := d.buildWindow(ctx, pair, generationID, history, now)
	if err != nil {
		return false, err
	}

	attemptID, err := d.attempts.CreateAttempt(ctx, &indexing.IndexAttempt{
		TenantID:     pair.TenantID,
		CCPairID:     pair.ID,
		GenerationID: generationID,
		Status:       indexing.AttemptStatusNotStarted,
		Window:       window,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create attempt: %w", err)
	}
	log = log.With("cc_pair_id", pair.ID, "attempt_id", attemptID)

	if err := wf.SetFence(ctx, &coordination.FencePayload{SubmittedAt: now, AttemptID: &attemptID}); err != nil {
		d.abandon(ctx, log, attemptID, indexing.AttemptStatusFailed, "failed to fence attempt: "+err.Error())
		return false, err
	}

	handle, err := d.pool.Submit(ctx, workerpool.JobSpec{
		Func:     JobRunAttempt,
		TenantID: pair.TenantID,
		Args:     map[string]any{"attempt_id": attemptID},
	})
	if err != nil {
		status, msg := indexing.AttemptStatusFailed, "failed to start worker: "+err.Error()
		if errors.Is(err, workerpool.ErrPoolAtCapacity) {
			status, msg = indexing.AttemptStatusCanceled, capacityMessage
			d.metrics.attemptRejected(ctx, pair.TenantID)
		}
		d.abandon(ctx, log, attemptID, status, msg)
		if clearErr := wf.SetFence(ctx, nil); clearErr != nil {
			log.Error(ctx, "failed to clear fence of unsubmitted attempt", "error", clearErr)
		}
		return false, err
	}

	if err := wf.SetActive(ctx); err != nil {
		log.Warn(ctx, "failed to set initial heartbeat", "error", err)
	}
	d.watcher.Watch(context.WithoutCancel(ctx), handle, WatchTarget{
		TenantID:     pair.TenantID,
		CCPairID:     pair.ID,
		GenerationID: generationID,
		AttemptID:    attemptID,
	})
	d.metrics.attemptDispatched(ctx, pair.TenantID)
	log.Info(ctx, "indexing attempt dispatched",
		"job_id", handle.ID(),
		"window_start", window.Start,
		"window_end", window.End,
	)
	return true, nil
}

// latestForSchedule returns the newest attempt that counts for refresh
// scheduling. Canceled attempts never ran, so they do not push the next run
// out by a full refresh interval.
func (d *Dispatcher) latestForSchedule(
	ctx context.Context,
	ccPairID, generationID int64,
	history []*indexing.IndexAttempt,
) (*indexing.IndexAttempt, error) {
	latest, err := d.attempts.GetLatestAttempt(ctx, ccPairID, generationID)
	if errors.Is(err, indexing.ErrAttemptNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	if latest.Status != indexing.AttemptStatusCanceled {
		return latest, nil
	}
	for _, a := range history {
		if a.Status != indexing.AttemptStatusCanceled {
			return a, nil
		}
	}
	return nil, nil
}

// buildWindow reuses the window of a failed attempt that left a checkpoint
// so the resolver can resume it. Otherwise the window starts where the last
// successful attempt ended.
func (d *Dispatcher) buildWindow(
	ctx context.Context,
	pair *indexing.ConnectorCredentialPair,
	generationID int64,
	history []*indexing.IndexAttempt,
	now time.Time,
) (indexing.Window, error) {
	for _, a := range history {
		if a.Status == indexing.AttemptStatusCanceled {
			continue
		}
		if a.Status == indexing.AttemptStatusFailed && a.HasCheckpoint() {
			return a.Window, nil
		}
		break
	}

	start := time.Unix(0, 0).UTC()
	if pair.IndexingStart != nil {
		start = *pair.IndexingStart
	}
	last, err := d.attempts.GetLastSuccessfulAttempt(ctx, pair.ID, generationID)
	switch {
	case errors.Is(err, indexing.ErrAttemptNotFound):
	case err != nil:
		return indexing.Window{}, fmt.Errorf("failed to load last successful attempt: %w", err)
	default:
		start = last.Window.End
	}
	return indexing.Window{Start: start, End: now}, nil
}

func (d *Dispatcher) abandon(ctx context.Context, log *logger.Logger, attemptID int64, status indexing.AttemptStatus, msg string) {
	if err := d.attempts.UpdateStatus(ctx, attemptID, indexing.StatusUpdate{Status: status, ErrorMsg: msg}); err != nil {
		log.Error(ctx, "failed to record unsubmitted attempt", "status", status, "error", err)
		return
	}
	d.metrics.attemptFinished(ctx, status)
}
