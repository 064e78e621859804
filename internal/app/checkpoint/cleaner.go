package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

// ExpiredLister finds attempts whose checkpoints passed the retention horizon.
type ExpiredLister interface {
	ListCheckpointedBefore(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// RetentionSource supplies the current retention horizon.
type RetentionSource interface {
	CheckpointRetention(ctx context.Context) time.Duration
}

type checkpointDeleter interface {
	Delete(ctx context.Context, attemptID int64) error
}

// Cleaner removes checkpoints whose attempt has not been touched within the
// retention horizon.
type Cleaner struct {
	attempts  ExpiredLister
	store     checkpointDeleter
	retention RetentionSource

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewCleaner creates a retention Cleaner.
func NewCleaner(
	attempts ExpiredLister,
	store checkpointDeleter,
	retention RetentionSource,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Cleaner {
	return &Cleaner{
		attempts:     attempts,
		store:        store,
		retention:    retention,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "checkpoint_cleaner"),
		tracer:       tracer,
	}
}

// Sweep deletes every expired checkpoint and returns how many were removed.
// A failure on one checkpoint does not stop the sweep.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "checkpoint.cleaner.sweep")
	defer span.End()

	retention := c.retention.CheckpointRetention(ctx)
	cutoff := c.timeProvider.Now().Add(-retention)
	span.SetAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	ids, err := c.attempts.ListCheckpointedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list expired checkpoints")
		return 0, fmt.Errorf("failed to list expired checkpoints: %w", err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, id := range ids {
		if err := c.store.Delete(ctx, id); err != nil {
			c.logger.Warn(ctx, "failed to delete expired checkpoint", "attempt_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	span.SetAttributes(attribute.Int("expired", len(ids)), attribute.Int("deleted", deleted))
	if len(ids) > 0 {
		c.logger.Info(ctx, "expired checkpoints swept", "expired", len(ids), "deleted", deleted)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some checkpoints could not be deleted")
		return deleted, err
	}
	return deleted, nil
}
