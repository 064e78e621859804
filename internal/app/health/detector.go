// Package health classifies connector pairs that keep failing.
package health

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// lookbackFactor widens the history fetch so skipped cancellations do not
// hide a failure streak.
const lookbackFactor = 4

// AttemptHistory reads terminal attempts newest first.
type AttemptHistory interface {
	GetRecentTerminalAttempts(ctx context.Context, ccPairID, generationID int64, limit int) ([]*indexing.IndexAttempt, error)
}

// ErrorStateWriter caches the derived flag on the pair row.
type ErrorStateWriter interface {
	SetRepeatedErrorState(ctx context.Context, id int64, inRepeatedErrorState bool) error
}

// ThresholdSource provides the consecutive failure threshold.
type ThresholdSource interface {
	RepeatedErrorThreshold(ctx context.Context) int
}

// Detector decides whether a pair is in the repeated-error state.
type Detector struct {
	history   AttemptHistory
	pairs     ErrorStateWriter
	threshold ThresholdSource

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDetector creates a Detector.
func NewDetector(
	history AttemptHistory,
	pairs ErrorStateWriter,
	threshold ThresholdSource,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Detector {
	return &Detector{
		history:   history,
		pairs:     pairs,
		threshold: threshold,
		logger:    logger.With("component", "repeated_error_detector"),
		tracer:    tracer,
	}
}

// Evaluate counts consecutive FAILED attempts from the newest terminal
// attempt backwards. CANCELED attempts neither extend nor break the streak;
// any successful attempt ends it. The pair is in the repeated-error state
// once the streak reaches the threshold.
func (d *Detector) Evaluate(ctx context.Context, ccPairID, generationID int64) (bool, error) {
	threshold := d.threshold.RepeatedErrorThreshold(ctx)
	ctx, span := d.tracer.Start(ctx, "health.detector.evaluate",
		trace.WithAttributes(
			attribute.Int64("cc_pair_id", ccPairID),
			attribute.Int64("generation_id", generationID),
			attribute.Int("threshold", threshold),
		))
	defer span.End()

	if threshold <= 0 {
		return false, nil
	}

	attempts, err := d.history.GetRecentTerminalAttempts(ctx, ccPairID, generationID, threshold*lookbackFactor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load attempt history")
		return false, fmt.Errorf("failed to load attempt history for cc pair %d: %w", ccPairID, err)
	}

	streak := 0
	for _, a := range attempts {
		if a.Status == indexing.AttemptStatusCanceled {
			continue
		}
		if a.Status != indexing.AttemptStatusFailed {
			break
		}
		streak++
		if streak >= threshold {
			break
		}
	}

	inErrorState := streak >= threshold
	span.SetAttributes(attribute.Int("streak", streak), attribute.Bool("repeated_error_state", inErrorState))
	return inErrorState, nil
}

// Refresh evaluates the pair and persists the result.
func (d *Detector) Refresh(ctx context.Context, ccPairID, generationID int64) (bool, error) {
	inErrorState, err := d.Evaluate(ctx, ccPairID, generationID)
	if err != nil {
		return false, err
	}
	if err := d.pairs.SetRepeatedErrorState(ctx, ccPairID, inErrorState); err != nil {
		return false, fmt.Errorf("failed to store repeated error state for cc pair %d: %w", ccPairID, err)
	}
	if inErrorState {
		d.logger.Warn(ctx, "cc pair is in repeated error state", "cc_pair_id", ccPairID, "generation_id", generationID)
	}
	return inErrorState, nil
}
