package checkpoint

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

const (
	// DefaultConsiderLimit is how many recent terminal attempts are inspected.
	DefaultConsiderLimit = 20
	// DefaultMinDocsForResume is the progress an attempt must exceed before
	// its checkpoint is worth resuming.
	DefaultMinDocsForResume = 100
)

// HistoryReader exposes the recent terminal attempts of a pair.
type HistoryReader interface {
	GetRecentTerminalAttempts(ctx context.Context, ccPairID, generationID int64, limit int) ([]*indexing.IndexAttempt, error)
}

// checkpointStore is the part of Store the resolver drives.
type checkpointStore interface {
	Load(ctx context.Context, attemptID int64) (indexing.Checkpoint, error)
	Save(ctx context.Context, attemptID int64, cp indexing.Checkpoint) (string, error)
}

// ResolverConfig tunes the resumption heuristics.
type ResolverConfig struct {
	ConsiderLimit    int
	MinDocsForResume int
}

// Resolver picks the checkpoint a new attempt should start from.
type Resolver struct {
	history HistoryReader
	store   checkpointStore
	cfg     ResolverConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewResolver creates a Resolver. Zero config values take the defaults.
func NewResolver(
	history HistoryReader,
	store checkpointStore,
	cfg ResolverConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Resolver {
	if cfg.ConsiderLimit <= 0 {
		cfg.ConsiderLimit = DefaultConsiderLimit
	}
	if cfg.MinDocsForResume <= 0 {
		cfg.MinDocsForResume = DefaultMinDocsForResume
	}
	return &Resolver{
		history: history,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "checkpoint_resolver"),
		tracer:  tracer,
	}
}

// ResolveParams identifies the new attempt and the window it will poll.
type ResolveParams struct {
	CCPairID     int64
	GenerationID int64
	Window       indexing.Window
	NewAttemptID int64
	// Dummy is the connector's empty starting checkpoint.
	Dummy indexing.Checkpoint
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Checkpoint indexing.Checkpoint
	// ResumedFrom is the attempt whose checkpoint was copied, zero when fresh.
	ResumedFrom int64
}

// Resolve returns the checkpoint the new attempt starts from. A prior
// checkpoint qualifies only when its attempt FAILED over exactly the same
// window after indexing more than MinDocsForResume documents. When every one
// of the last ConsiderLimit attempts qualifies the pair is assumed to be stuck
// on a poison checkpoint and starts fresh.
//
// The resumed checkpoint is re-saved under the new attempt so the new run owns
// its copy; if that run never starts the copy is left for retention to remove.
func (r *Resolver) Resolve(ctx context.Context, p ResolveParams) (Resolution, error) {
	logr := logger.NewLoggerContext(r.logger.With(
		"operation", "resolve_checkpoint",
		"cc_pair_id", p.CCPairID,
		"generation_id", p.GenerationID,
		"attempt_id", p.NewAttemptID,
	))
	ctx, span := r.tracer.Start(ctx, "checkpoint.resolver.resolve",
		trace.WithAttributes(
			attribute.Int64("cc_pair_id", p.CCPairID),
			attribute.Int64("generation_id", p.GenerationID),
			attribute.Int64("attempt_id", p.NewAttemptID),
		))
	defer span.End()

	fresh := Resolution{Checkpoint: p.Dummy}
	fresh.Checkpoint.HasMore = true
	if fresh.Checkpoint.Content == nil {
		fresh.Checkpoint.Content = map[string]any{}
	}

	recent, err := r.history.GetRecentTerminalAttempts(ctx, p.CCPairID, p.GenerationID, r.cfg.ConsiderLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get recent attempts")
		return Resolution{}, fmt.Errorf("failed to get recent attempts for cc pair %d: %w", p.CCPairID, err)
	}

	qualified := make([]*indexing.IndexAttempt, 0, len(recent))
	for _, a := range recent {
		if r.qualifies(a, p.Window) {
			qualified = append(qualified, a)
		}
	}
	span.SetAttributes(
		attribute.Int("recent_attempts", len(recent)),
		attribute.Int("qualified_attempts", len(qualified)),
	)

	if len(qualified) == 0 {
		span.AddEvent("no_resumable_checkpoint")
		return fresh, nil
	}

	if len(qualified) == r.cfg.ConsiderLimit {
		logr.Warn(ctx, "all recent attempts failed with resumable checkpoints, starting fresh",
			"consider_limit", r.cfg.ConsiderLimit,
		)
		span.AddEvent("runaway_failure_cutoff")
		return fresh, nil
	}

	candidate := qualified[0]
	logr.Add("resume_from_attempt_id", candidate.ID)

	cp, err := r.store.Load(ctx, candidate.ID)
	if err != nil {
		// A vanished or unreadable checkpoint is not worth failing the new run over.
		logr.Warn(ctx, "failed to load resumable checkpoint, starting fresh", "error", err)
		span.AddEvent("candidate_load_failed", trace.WithAttributes(attribute.String("error", err.Error())))
		return fresh, nil
	}

	if _, err := r.store.Save(ctx, p.NewAttemptID, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to copy checkpoint")
		return Resolution{}, fmt.Errorf("failed to copy checkpoint from attempt %d: %w", candidate.ID, err)
	}

	logr.Info(ctx, "resuming from prior checkpoint", "total_docs", candidate.TotalDocs)
	span.SetAttributes(attribute.Int64("resumed_from", candidate.ID))
	return Resolution{Checkpoint: cp, ResumedFrom: candidate.ID}, nil
}

func (r *Resolver) qualifies(a *indexing.IndexAttempt, w indexing.Window) bool {
	return a.Window.Equal(w) &&
		a.Status == indexing.AttemptStatusFailed &&
		a.HasCheckpoint() &&
		a.TotalDocs > r.cfg.MinDocsForResume
}
