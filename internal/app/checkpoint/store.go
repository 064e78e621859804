// Package checkpoint persists connector checkpoints, decides which prior
// checkpoint a new attempt may resume from and expires old ones.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// PointerRepository is the slice of run history the store needs.
type PointerRepository interface {
	GetAttempt(ctx context.Context, id int64) (*indexing.IndexAttempt, error)
	SetCheckpointPointer(ctx context.Context, id int64, pointer *string) error
}

// SizeLimiter supplies the current maximum checkpoint size.
type SizeLimiter interface {
	MaxCheckpointSize(ctx context.Context) int64
}

// Store saves checkpoints as blobs named after their attempt and keeps the
// attempt's checkpoint pointer in sync. Saves for one attempt are made by a
// single writer, so each save simply replaces the previous blob.
type Store struct {
	blobs    indexing.BlobStore
	attempts PointerRepository
	limits   SizeLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewStore creates a checkpoint Store.
func NewStore(
	blobs indexing.BlobStore,
	attempts PointerRepository,
	limits SizeLimiter,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Store {
	return &Store{
		blobs:    blobs,
		attempts: attempts,
		limits:   limits,
		logger:   logger.With("component", "checkpoint_store"),
		tracer:   tracer,
	}
}

// SizeGuard rejects checkpoints whose approximate content size exceeds the
// configured maximum. A rejection is fatal for the attempt.
func (s *Store) SizeGuard(ctx context.Context, cp indexing.Checkpoint) error {
	size := cp.ApproxSize()
	limit := s.limits.MaxCheckpointSize(ctx)
	if limit > 0 && size > limit {
		return fmt.Errorf("%w: approximately %s exceeds limit of %s",
			indexing.ErrCheckpointTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit)))
	}
	return nil
}

// Save serializes cp, writes it to the attempt's blob and points the attempt
// at it. It returns the pointer that was stored.
func (s *Store) Save(ctx context.Context, attemptID int64, cp indexing.Checkpoint) (string, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.store.save",
		trace.WithAttributes(
			attribute.Int64("attempt_id", attemptID),
			attribute.Bool("has_more", cp.HasMore),
		))
	defer span.End()

	if err := s.SizeGuard(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint too large")
		return "", err
	}

	data, err := cp.Marshal()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal checkpoint")
		return "", fmt.Errorf("failed to marshal checkpoint for attempt %d: %w", attemptID, err)
	}
	span.SetAttributes(attribute.Int("checkpoint_bytes", len(data)))

	// Refuse to write a blob no attempt row can reference.
	if _, err := s.attempts.GetAttempt(ctx, attemptID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get attempt")
		return "", fmt.Errorf("failed to save checkpoint for attempt %d: %w", attemptID, err)
	}

	name := indexing.CheckpointBlobName(attemptID)
	metadata := map[string]string{"attempt_id": strconv.FormatInt(attemptID, 10)}
	if err := s.blobs.Put(ctx, name, data, metadata); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write checkpoint blob")
		return "", fmt.Errorf("failed to write checkpoint blob %s: %w", name, err)
	}

	if err := s.attempts.SetCheckpointPointer(ctx, attemptID, &name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set checkpoint pointer")
		return "", fmt.Errorf("failed to set checkpoint pointer for attempt %d: %w", attemptID, err)
	}

	span.SetStatus(codes.Ok, "checkpoint saved")
	return name, nil
}

// Load returns the attempt's latest checkpoint. It fails with
// ErrCheckpointNotFound when the attempt has no pointer or the blob is gone
// and with ErrCheckpointCorrupt when the blob cannot be decoded.
func (s *Store) Load(ctx context.Context, attemptID int64) (indexing.Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.store.load",
		trace.WithAttributes(attribute.Int64("attempt_id", attemptID)))
	defer span.End()

	attempt, err := s.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get attempt")
		return indexing.Checkpoint{}, fmt.Errorf("failed to load checkpoint for attempt %d: %w", attemptID, err)
	}
	if !attempt.HasCheckpoint() {
		span.SetStatus(codes.Error, "attempt has no checkpoint")
		return indexing.Checkpoint{}, fmt.Errorf("%w: attempt %d", indexing.ErrCheckpointNotFound, attemptID)
	}

	data, err := s.blobs.Get(ctx, *attempt.CheckpointPointer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read checkpoint blob")
		if errors.Is(err, indexing.ErrBlobNotFound) {
			return indexing.Checkpoint{}, fmt.Errorf("%w: attempt %d: %v", indexing.ErrCheckpointNotFound, attemptID, err)
		}
		return indexing.Checkpoint{}, fmt.Errorf("failed to read checkpoint blob for attempt %d: %w", attemptID, err)
	}

	cp, err := indexing.UnmarshalCheckpoint(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "corrupt checkpoint")
		return indexing.Checkpoint{}, fmt.Errorf("attempt %d: %w", attemptID, err)
	}

	span.SetAttributes(attribute.Int("checkpoint_bytes", len(data)))
	return cp, nil
}

// Delete removes the attempt's checkpoint blob and clears its pointer. It is a
// no-op when either is already gone.
func (s *Store) Delete(ctx context.Context, attemptID int64) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.store.delete",
		trace.WithAttributes(attribute.Int64("attempt_id", attemptID)))
	defer span.End()

	names := []string{indexing.CheckpointBlobName(attemptID)}

	attempt, err := s.attempts.GetAttempt(ctx, attemptID)
	switch {
	case errors.Is(err, indexing.ErrAttemptNotFound):
		attempt = nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get attempt")
		return fmt.Errorf("failed to delete checkpoint for attempt %d: %w", attemptID, err)
	}
	if attempt != nil && attempt.HasCheckpoint() && *attempt.CheckpointPointer != names[0] {
		names = append(names, *attempt.CheckpointPointer)
	}

	for _, name := range names {
		if err := s.blobs.Delete(ctx, name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to delete checkpoint blob")
			return fmt.Errorf("failed to delete checkpoint blob %s: %w", name, err)
		}
	}

	if attempt != nil && attempt.HasCheckpoint() {
		if err := s.attempts.SetCheckpointPointer(ctx, attemptID, nil); err != nil && !errors.Is(err, indexing.ErrAttemptNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to clear checkpoint pointer")
			return fmt.Errorf("failed to clear checkpoint pointer for attempt %d: %w", attemptID, err)
		}
	}

	s.logger.Debug(ctx, "checkpoint deleted", "attempt_id", attemptID)
	return nil
}
