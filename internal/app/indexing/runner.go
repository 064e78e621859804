package indexing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/app/checkpoint"
	"github.com/ahrav/index-armada/internal/app/connector"
	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

// CheckpointStore persists the running attempt's checkpoint.
type CheckpointStore interface {
	Save(ctx context.Context, attemptID int64, cp indexing.Checkpoint) (string, error)
	Delete(ctx context.Context, attemptID int64) error
}

// CheckpointResolver picks the starting checkpoint of an attempt.
type CheckpointResolver interface {
	Resolve(ctx context.Context, p checkpoint.ResolveParams) (checkpoint.Resolution, error)
}

// ErrorStateRefresher recomputes the repeated-error flag of a pair.
type ErrorStateRefresher interface {
	Refresh(ctx context.Context, ccPairID, generationID int64) (bool, error)
}

// RunnerDeps groups the runner's collaborators.
type RunnerDeps struct {
	Attempts    indexing.AttemptRepository
	Pairs       indexing.CCPairRepository
	Documents   indexing.DocumentRepository
	Checkpoints CheckpointStore
	Resolver    CheckpointResolver
	Connectors  *connector.Registry
	Coord       *appcoord.Coordinator
	Detector    ErrorStateRefresher
	Metrics     *Metrics
	BatchSize   int
}

// Runner executes one indexing attempt inside a worker process.
type Runner struct {
	deps         RunnerDeps
	timeProvider timeutil.Provider
	tracer       trace.Tracer
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps, tracer trace.Tracer) *Runner {
	if deps.BatchSize <= 0 {
		deps.BatchSize = connector.DefaultBatchSize
	}
	return &Runner{deps: deps, timeProvider: timeutil.Default(), tracer: tracer}
}

// Register installs the runner as the JobRunAttempt worker function.
func (r *Runner) Register(reg *workerpool.Registry) { reg.Register(JobRunAttempt, r.Job) }

// Job is the workerpool.JobFunc entry point.
func (r *Runner) Job(ctx context.Context, jc *workerpool.JobContext) error {
	attemptID, err := jc.Int64Arg("attempt_id")
	if err != nil {
		return err
	}
	return r.Run(ctx, jc.Logger, attemptID)
}

// run carries the state of one attempt.
type run struct {
	attempt *indexing.IndexAttempt
	pair    *indexing.ConnectorCredentialPair
	wf      *appcoord.Workflow
	stop    *appcoord.StopSignal

	progress indexing.Progress
	failures int

	log *logger.Logger
}

// Run executes the attempt to a terminal status. Connector and checkpoint
// failures end the attempt as FAILED and are also returned so the worker
// exits non-zero; infrastructure errors are returned without a status change
// and left for the watchdog to record.
func (r *Runner) Run(ctx context.Context, log *logger.Logger, attemptID int64) error {
	ctx, span := r.tracer.Start(ctx, "indexing.runner.run",
		trace.WithAttributes(attribute.Int64("attempt_id", attemptID)))
	defer span.End()

	rs, err := r.prepare(ctx, log, attemptID)
	if err != nil || rs == nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to prepare attempt")
		}
		return err
	}
	span.SetAttributes(
		attribute.Int64("cc_pair_id", rs.pair.ID),
		attribute.String("source", rs.pair.Source),
	)

	err = r.execute(ctx, rs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
	}
	return err
}

// prepare loads the attempt and moves it to IN_PROGRESS. It returns a nil
// run when the attempt was finalized before the worker started.
func (r *Runner) prepare(ctx context.Context, log *logger.Logger, attemptID int64) (*run, error) {
	attempt, err := r.deps.Attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt %d: %w", attemptID, err)
	}
	pair, err := r.deps.Pairs.GetCCPair(ctx, attempt.CCPairID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cc pair %d: %w", attempt.CCPairID, err)
	}

	entityID := EntityID(pair.ID, attempt.GenerationID)
	rs := &run{
		attempt: attempt,
		pair:    pair,
		wf:      r.deps.Coord.Workflow(workflowKind, pair.TenantID, entityID),
		stop:    r.deps.Coord.StopSignal(workflowKind, pair.TenantID, entityID),
		log: log.With(
			"attempt_id", attemptID,
			"cc_pair_id", pair.ID,
			"generation_id", attempt.GenerationID,
			"source", pair.Source,
		),
	}

	if attempt.Status != indexing.AttemptStatusNotStarted {
		rs.log.Warn(ctx, "attempt already started, skipping", "status", attempt.Status)
		return nil, nil
	}

	if stopped, err := rs.stop.Requested(ctx); err != nil {
		return nil, err
	} else if stopped {
		return nil, r.finish(ctx, rs, indexing.AttemptStatusCanceled, "stop requested before start", "")
	}

	if err := r.deps.Attempts.UpdateStatus(ctx, attemptID, indexing.StatusUpdate{Status: indexing.AttemptStatusInProgress}); err != nil {
		return nil, fmt.Errorf("failed to mark attempt in progress: %w", err)
	}
	r.markFenceStarted(ctx, rs)
	rs.log.Info(ctx, "indexing attempt started",
		"window_start", attempt.Window.Start,
		"window_end", attempt.Window.End,
	)
	return rs, nil
}

func (r *Runner) markFenceStarted(ctx context.Context, rs *run) {
	payload, err := rs.wf.Payload(ctx)
	if err != nil || payload == nil {
		rs.log.Warn(ctx, "attempt is not fenced", "error", err)
		return
	}
	now := r.timeProvider.Now()
	payload.StartedAt = &now
	if err := rs.wf.SetFence(ctx, payload); err != nil {
		rs.log.Warn(ctx, "failed to record start on fence", "error", err)
	}
	if err := rs.wf.SetActive(ctx); err != nil {
		rs.log.Warn(ctx, "failed to refresh heartbeat", "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, rs *run) error {
	conn, err := r.deps.Connectors.Build(rs.pair.Source, rs.pair.ConnectorConfig, rs.pair.Credentials)
	if err != nil {
		return r.fail(ctx, rs, "failed to build connector", err)
	}
	capability, err := connector.Resolve(conn)
	if err != nil {
		return r.fail(ctx, rs, "connector has no indexing capability", err)
	}

	resolution, err := r.deps.Resolver.Resolve(ctx, checkpoint.ResolveParams{
		CCPairID:     rs.pair.ID,
		GenerationID: rs.attempt.GenerationID,
		Window:       rs.attempt.Window,
		NewAttemptID: rs.attempt.ID,
		Dummy:        capability.DummyCheckpoint(),
	})
	if err != nil {
		return r.fail(ctx, rs, "failed to resolve checkpoint", err)
	}
	if resolution.ResumedFrom != 0 {
		rs.log.Info(ctx, "resuming from prior attempt", "resumed_from", resolution.ResumedFrom)
	} else if err := r.saveCheckpoint(ctx, rs, resolution.Checkpoint); err != nil {
		return r.failCheckpoint(ctx, rs, err)
	}

	adapter := connector.NewAdapter(rs.pair.Source, r.deps.BatchSize, rs.log, r.tracer)
	cp := resolution.Checkpoint
	for cp.HasMore {
		next, stopped, err := r.pass(ctx, rs, adapter, capability, cp)
		if err != nil {
			var connErr *connector.ConnectorError
			switch {
			case errors.As(err, &connErr):
				return r.fail(ctx, rs, "connector failed", err)
			case errors.Is(err, indexing.ErrCheckpointTooLarge), indexing.IsCheckpointIntegrityError(err):
				return r.failCheckpoint(ctx, rs, err)
			default:
				return r.fail(ctx, rs, "indexing failed", err)
			}
		}
		if stopped {
			return r.finish(ctx, rs, indexing.AttemptStatusCanceled, "stop requested", "")
		}
		cp = next
	}

	status := indexing.AttemptStatusSuccess
	msg := ""
	if rs.failures > 0 {
		status = indexing.AttemptStatusCompletedWithErrors
		msg = fmt.Sprintf("%d documents failed to index", rs.failures)
	}
	if err := r.finish(ctx, rs, status, msg, ""); err != nil {
		return err
	}

	switch rs.pair.Status {
	case indexing.CCPairStatusScheduled, indexing.CCPairStatusInitialIndexing:
		if err := r.deps.Pairs.UpdateCCPairStatus(ctx, rs.pair.ID, indexing.CCPairStatusActive); err != nil {
			rs.log.Error(ctx, "failed to activate cc pair", "error", err)
		}
	}
	return nil
}

// pass runs the connector once from cp. It returns the checkpoint to
// continue from and whether a stop was observed between batches.
func (r *Runner) pass(
	ctx context.Context,
	rs *run,
	adapter *connector.Adapter,
	capability connector.Capability,
	cp indexing.Checkpoint,
) (indexing.Checkpoint, bool, error) {
	next := cp
	next.HasMore = false
	for batch, err := range adapter.Run(ctx, capability, rs.attempt.Window, cp) {
		if err != nil {
			return cp, false, err
		}

		if len(batch.Documents) > 0 {
			added, err := r.deps.Documents.UpsertDocuments(ctx, rs.pair.ID, batch.Documents)
			if err != nil {
				return cp, false, fmt.Errorf("failed to upsert documents: %w", err)
			}
			rs.progress.NewDocs += added
			rs.progress.TotalDocs += len(batch.Documents)
			if err := r.deps.Attempts.UpdateProgress(ctx, rs.attempt.ID, rs.progress); err != nil {
				return cp, false, fmt.Errorf("failed to update progress: %w", err)
			}
		}

		failures := 0
		if batch.Failure != nil {
			failures = 1
			rs.failures++
			if err := r.deps.Attempts.RecordFailures(ctx, rs.attempt.ID, []indexing.Failure{*batch.Failure}); err != nil {
				return cp, false, fmt.Errorf("failed to record failure: %w", err)
			}
		}

		if batch.Checkpoint != nil {
			if err := r.saveCheckpoint(ctx, rs, *batch.Checkpoint); err != nil {
				return cp, false, err
			}
			next = *batch.Checkpoint
		}
		r.deps.Metrics.batchProcessed(ctx, rs.pair.Source, len(batch.Documents), failures)

		if err := rs.wf.SetActive(ctx); err != nil {
			rs.log.Warn(ctx, "failed to refresh heartbeat", "error", err)
		}
		stopped, err := rs.stop.Requested(ctx)
		if err != nil {
			rs.log.Warn(ctx, "failed to check stop signal", "error", err)
		} else if stopped {
			return cp, true, nil
		}
	}
	return next, false, nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, rs *run, cp indexing.Checkpoint) error {
	if _, err := r.deps.Checkpoints.Save(ctx, rs.attempt.ID, cp); err != nil {
		return err
	}
	r.deps.Metrics.checkpointSaved(ctx, cp.ApproxSize())
	return nil
}

// failCheckpoint drops an unusable checkpoint so no later attempt resumes it.
func (r *Runner) failCheckpoint(ctx context.Context, rs *run, cause error) error {
	if err := r.deps.Checkpoints.Delete(ctx, rs.attempt.ID); err != nil {
		rs.log.Error(ctx, "failed to delete unusable checkpoint", "error", err)
	}
	return r.fail(ctx, rs, "checkpoint rejected", cause)
}

func (r *Runner) fail(ctx context.Context, rs *run, msg string, cause error) error {
	rs.log.Error(ctx, msg, "error", cause)
	stack := ""
	var connErr *connector.ConnectorError
	if errors.As(cause, &connErr) {
		stack = connErr.Stack
	}
	if err := r.finish(ctx, rs, indexing.AttemptStatusFailed, fmt.Sprintf("%s: %v", msg, cause), stack); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *Runner) finish(ctx context.Context, rs *run, status indexing.AttemptStatus, msg, exceptionTrace string) error {
	err := r.deps.Attempts.UpdateStatus(ctx, rs.attempt.ID, indexing.StatusUpdate{
		Status:             status,
		ErrorMsg:           msg,
		FullExceptionTrace: exceptionTrace,
	})
	if err != nil {
		return fmt.Errorf("failed to record attempt status %s: %w", status, err)
	}
	r.deps.Metrics.attemptFinished(ctx, status)
	rs.log.Info(ctx, "indexing attempt finished",
		"status", status,
		"total_docs", rs.progress.TotalDocs,
		"new_docs", rs.progress.NewDocs,
		"failures", rs.failures,
	)

	if _, err := r.deps.Detector.Refresh(ctx, rs.pair.ID, rs.attempt.GenerationID); err != nil {
		rs.log.Warn(ctx, "failed to refresh repeated error state", "error", err)
	}
	return nil
}
