// Package deletion removes connector-credential pairs marked DELETING. Each
// pair's documents are deleted by a fan-out of queued units tracked in a
// coordination taskset; the fence monitor finishes the pair once every unit
// is done.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	appindexing "github.com/ahrav/index-armada/internal/app/indexing"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

const (
	// LockKey is the tenant-scoped lock serializing deletion beats.
	LockKey = "check_connector_deletion_beat_lock"
	// DefaultBatchSize is how many documents one deletion unit removes.
	DefaultBatchSize = 500

	lockTTL = 5 * time.Minute
	// unitExpiry drops units left in the queue long after their workflow
	// was abandoned.
	unitExpiry = time.Hour
)

// CheckpointDeleter removes an attempt's checkpoint blob and pointer.
type CheckpointDeleter interface {
	Delete(ctx context.Context, attemptID int64) error
}

// Deps groups the collaborators of the deletion workflow.
type Deps struct {
	Pairs       indexing.CCPairRepository
	Attempts    indexing.AttemptRepository
	Documents   indexing.DocumentRepository
	Tenants     indexing.TenantRepository
	Checkpoints CheckpointDeleter
	Coord       *appcoord.Coordinator
	Enqueuer    tasks.Enqueuer
	BatchSize   int
	// GenerationTimeout resets deletions whose unit generation never
	// finished. Zero uses appcoord.DefaultGenerationTimeout.
	GenerationTimeout time.Duration
}

// Service drives connector deletion: the beat check that fans out units, the
// unit executor and the completion step.
type Service struct {
	pairs       indexing.CCPairRepository
	attempts    indexing.AttemptRepository
	documents   indexing.DocumentRepository
	tenants     indexing.TenantRepository
	checkpoints CheckpointDeleter
	coord       *appcoord.Coordinator
	enqueuer    tasks.Enqueuer
	batchSize   int
	genTimeout  time.Duration

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewService creates a deletion Service.
func NewService(deps Deps, logger *logger.Logger, tracer trace.Tracer) *Service {
	batch := deps.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Service{
		pairs:        deps.Pairs,
		attempts:     deps.Attempts,
		documents:    deps.Documents,
		tenants:      deps.Tenants,
		checkpoints:  deps.Checkpoints,
		coord:        deps.Coord,
		enqueuer:     deps.Enqueuer,
		batchSize:    batch,
		genTimeout:   deps.GenerationTimeout,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "connector_deletion"),
		tracer:       tracer,
	}
}

func entityID(ccPairID int64) string { return strconv.FormatInt(ccPairID, 10) }

func (s *Service) workflow(tenantID string, ccPairID int64) *appcoord.Workflow {
	return s.coord.Workflow(coordination.KindDeletion, tenantID, entityID(ccPairID))
}

// CheckForDeletion starts a deletion fan-out for every DELETING pair of the
// tenant that is not already being deleted. Pairs with an indexing attempt in
// flight are asked to stop and picked up on a later beat. It returns the
// number of workflows started.
func (s *Service) CheckForDeletion(ctx context.Context, tenantID string) (int, error) {
	logr := logger.NewLoggerContext(s.logger.With("operation", "check_for_deletion", "tenant_id", tenantID))
	ctx, span := s.tracer.Start(ctx, "deletion.service.check_for_deletion",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	lock, err := s.coord.Store().AcquireLock(ctx, coordination.TenantKey(tenantID, LockKey), lockTTL)
	if errors.Is(err, coordination.ErrLockNotAcquired) {
		logr.Debug(ctx, "another check for deletion is running")
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

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load tenant")
		return 0, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}

	pairs, err := s.pairs.ListCCPairs(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list cc pairs")
		return 0, fmt.Errorf("failed to list cc pairs: %w", err)
	}

	started := 0
	var errs []error
	for _, pair := range pairs {
		if pair.Status != indexing.CCPairStatusDeleting {
			continue
		}
		ok, err := s.startPair(ctx, logr.Logger.With("cc_pair_id", pair.ID), pair, tenant.CurrentGeneration)
		if err != nil {
			errs = append(errs, fmt.Errorf("cc pair %d: %w", pair.ID, err))
			continue
		}
		if ok {
			started++
		}
	}

	span.SetAttributes(attribute.Int("started", started))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some deletions failed to start")
		return started, err
	}
	return started, nil
}

func (s *Service) startPair(ctx context.Context, log *logger.Logger, pair *indexing.ConnectorCredentialPair, generationID int64) (bool, error) {
	wf := s.workflow(pair.TenantID, pair.ID)
	fenced, err := wf.Fenced(ctx)
	if err != nil || fenced {
		return false, err
	}

	indexingID := appindexing.EntityID(pair.ID, generationID)
	busy, err := s.coord.Workflow(coordination.KindIndexing, pair.TenantID, indexingID).InFlight(ctx)
	if err != nil {
		return false, err
	}
	if busy {
		stop := s.coord.StopSignal(coordination.KindIndexing, pair.TenantID, indexingID)
		if requested, err := stop.Requested(ctx); err != nil || requested {
			return false, err
		}
		log.Info(ctx, "indexing in flight, requesting stop before deletion")
		return false, stop.Request(ctx)
	}

	if err := wf.SetFence(ctx, &coordination.FencePayload{SubmittedAt: s.timeProvider.Now()}); err != nil {
		return false, err
	}

	ids, err := s.documents.ListDocumentIDs(ctx, pair.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list documents: %w", err)
	}
	batches := chunk(ids, s.batchSize)

	now := s.timeProvider.Now()
	generated, err := wf.GenerateUnits(ctx, len(batches), func(ctx context.Context, i int, unitID string) error {
		task := tasks.NewTask(tasks.KindConnectorDeletionUnit, pair.TenantID, tasks.QueueDeletion, tasks.PriorityMedium,
			map[string]any{
				"cc_pair_id":   pair.ID,
				"unit_id":      unitID,
				"document_ids": batches[i],
			}, now, unitExpiry)
		return s.enqueuer.Enqueue(ctx, task)
	})
	if err != nil {
		// The fence stays without a start time; the monitor resets it after
		// the generation timeout and a later beat retries.
		return false, err
	}
	log.Info(ctx, "connector deletion started", "documents", len(ids), "units", generated)
	return true, nil
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

// Handle executes one connector_deletion_unit task.
func (s *Service) Handle(ctx context.Context, task tasks.Task) error {
	ccPairID, err := int64Arg(task.Args, "cc_pair_id")
	if err != nil {
		return err
	}
	unitID, _ := task.Args["unit_id"].(string)
	if unitID == "" {
		return errors.New("deletion unit without unit_id")
	}
	docIDs, err := stringsArg(task.Args, "document_ids")
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "deletion.service.execute_unit",
		trace.WithAttributes(
			attribute.String("tenant_id", task.TenantID),
			attribute.Int64("cc_pair_id", ccPairID),
			attribute.Int("documents", len(docIDs)),
		))
	defer span.End()

	if err := s.documents.DeleteDocuments(ctx, ccPairID, docIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete documents")
		return fmt.Errorf("failed to delete documents of cc pair %d: %w", ccPairID, err)
	}
	if err := s.workflow(task.TenantID, ccPairID).RemoveUnit(ctx, unitID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove unit")
		return err
	}
	return nil
}

// Complete removes the pair's run history, checkpoints and row once every
// document unit finished. It is the completion hook of the deletion fence.
func (s *Service) Complete(ctx context.Context, wf *appcoord.Workflow, _ *coordination.FencePayload) error {
	ccPairID, err := strconv.ParseInt(wf.EntityID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed deletion entity %q: %w", wf.EntityID, err)
	}

	attrs := []attribute.KeyValue{attribute.String("tenant_id", wf.TenantID), attribute.Int64("cc_pair_id", ccPairID)}
	return storage.ExecuteAndTrace(ctx, s.tracer, "deletion.service.complete", attrs, func(ctx context.Context) error {
		checkpointed, err := s.attempts.ListCheckpointedForCCPair(ctx, ccPairID)
		if err != nil {
			return fmt.Errorf("failed to list checkpointed attempts: %w", err)
		}
		for _, id := range checkpointed {
			if err := s.checkpoints.Delete(ctx, id); err != nil {
				return fmt.Errorf("failed to delete checkpoint of attempt %d: %w", id, err)
			}
		}
		if err := s.attempts.DeleteAttemptsForCCPair(ctx, ccPairID); err != nil {
			return fmt.Errorf("failed to delete attempts: %w", err)
		}
		if err := s.pairs.DeleteCCPair(ctx, ccPairID); err != nil && !errors.Is(err, indexing.ErrCCPairNotFound) {
			return fmt.Errorf("failed to delete cc pair: %w", err)
		}
		s.logger.Info(ctx, "connector deleted", "tenant_id", wf.TenantID, "cc_pair_id", ccPairID, "checkpoints", len(checkpointed))
		return nil
	})
}

// CompletionHandler returns the fence handler that finalizes deletions.
func (s *Service) CompletionHandler() appcoord.FenceHandler {
	return &appcoord.FanOutCompletionHandler{OnComplete: s.Complete, GenerationTimeout: s.genTimeout}
}
