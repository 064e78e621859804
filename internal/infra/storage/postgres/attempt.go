package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

var _ indexing.AttemptRepository = (*attemptStore)(nil)

// attemptStore implements indexing.AttemptRepository on PostgreSQL. It is the
// run history surface consulted by the checkpoint resolver, the repeated error
// detector and the dispatcher.
type attemptStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAttemptStore creates a new PostgreSQL-backed attempt repository.
func NewAttemptStore(pool *pgxpool.Pool, tracer trace.Tracer) *attemptStore {
	return &attemptStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const attemptColumns = `id, tenant_id, cc_pair_id, generation_id, status, poll_range_start, poll_range_end,
	checkpoint_pointer, new_docs, total_docs, removed_docs, error_msg, full_exception_trace,
	created_at, started_at, updated_at`

func scanAttempt(row pgx.Row) (*indexing.IndexAttempt, error) {
	var (
		a      indexing.IndexAttempt
		status string
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.CCPairID, &a.GenerationID, &status, &a.Window.Start, &a.Window.End,
		&a.CheckpointPointer, &a.NewDocs, &a.TotalDocs, &a.RemovedDocs, &a.ErrorMsg, &a.FullExceptionTrace,
		&a.CreatedAt, &a.StartedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = indexing.ParseAttemptStatus(status)
	return &a, nil
}

func scanAttempts(rows pgx.Rows) ([]*indexing.IndexAttempt, error) {
	defer rows.Close()

	var attempts []*indexing.IndexAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row error: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CreateAttempt persists a new attempt and returns its generated ID.
func (s *attemptStore) CreateAttempt(ctx context.Context, attempt *indexing.IndexAttempt) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", attempt.CCPairID),
		attribute.Int64("generation_id", attempt.GenerationID),
		attribute.String("status", attempt.Status.String()),
	)

	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_index_attempt", dbAttrs, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `
			INSERT INTO index_attempt (tenant_id, cc_pair_id, generation_id, status, poll_range_start, poll_range_end)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			attempt.TenantID, attempt.CCPairID, attempt.GenerationID, attempt.Status.String(),
			attempt.Window.Start, attempt.Window.End,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("CreateAttempt insert error: %w", err)
		}
		return nil
	})
	return id, err
}

// GetAttempt loads a single attempt by ID.
func (s *attemptStore) GetAttempt(ctx context.Context, id int64) (*indexing.IndexAttempt, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("attempt_id", id))

	var attempt *indexing.IndexAttempt
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_index_attempt", dbAttrs, func(ctx context.Context) error {
		a, err := scanAttempt(s.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM index_attempt WHERE id = $1`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return indexing.ErrAttemptNotFound
			}
			return fmt.Errorf("GetAttempt query error: %w", err)
		}
		attempt = a
		return nil
	})
	return attempt, err
}

// GetRecentTerminalAttempts returns up to limit terminal attempts, newest first.
func (s *attemptStore) GetRecentTerminalAttempts(
	ctx context.Context,
	ccPairID, generationID int64,
	limit int,
) ([]*indexing.IndexAttempt, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", ccPairID),
		attribute.Int64("generation_id", generationID),
		attribute.Int("limit", limit),
	)

	var attempts []*indexing.IndexAttempt
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_recent_terminal_attempts", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			SELECT `+attemptColumns+`
			FROM index_attempt
			WHERE cc_pair_id = $1 AND generation_id = $2
			  AND (status IN ('SUCCESS', 'FAILED', 'COMPLETED_WITH_ERRORS')
			       OR (status = 'CANCELED' AND started_at IS NOT NULL))
			ORDER BY created_at DESC, id DESC
			LIMIT $3`,
			ccPairID, generationID, limit,
		)
		if err != nil {
			return fmt.Errorf("GetRecentTerminalAttempts query error: %w", err)
		}
		attempts, err = scanAttempts(rows)
		return err
	})
	return attempts, err
}

// GetLatestAttempt returns the newest attempt of any status.
func (s *attemptStore) GetLatestAttempt(ctx context.Context, ccPairID, generationID int64) (*indexing.IndexAttempt, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", ccPairID),
		attribute.Int64("generation_id", generationID),
	)

	var attempt *indexing.IndexAttempt
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_latest_attempt", dbAttrs, func(ctx context.Context) error {
		a, err := scanAttempt(s.db.QueryRow(ctx, `
			SELECT `+attemptColumns+`
			FROM index_attempt
			WHERE cc_pair_id = $1 AND generation_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT 1`,
			ccPairID, generationID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return indexing.ErrAttemptNotFound
			}
			return fmt.Errorf("GetLatestAttempt query error: %w", err)
		}
		attempt = a
		return nil
	})
	return attempt, err
}

// GetLastSuccessfulAttempt returns the newest attempt that exhausted its source.
func (s *attemptStore) GetLastSuccessfulAttempt(ctx context.Context, ccPairID, generationID int64) (*indexing.IndexAttempt, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", ccPairID),
		attribute.Int64("generation_id", generationID),
	)

	var attempt *indexing.IndexAttempt
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_last_successful_attempt", dbAttrs, func(ctx context.Context) error {
		a, err := scanAttempt(s.db.QueryRow(ctx, `
			SELECT `+attemptColumns+`
			FROM index_attempt
			WHERE cc_pair_id = $1 AND generation_id = $2
			  AND status IN ('SUCCESS', 'COMPLETED_WITH_ERRORS')
			ORDER BY created_at DESC, id DESC
			LIMIT 1`,
			ccPairID, generationID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return indexing.ErrAttemptNotFound
			}
			return fmt.Errorf("GetLastSuccessfulAttempt query error: %w", err)
		}
		attempt = a
		return nil
	})
	return attempt, err
}

// UpdateStatus validates and applies a status transition. The row is locked
// for the duration so concurrent monitors cannot race the owning worker.
func (s *attemptStore) UpdateStatus(ctx context.Context, id int64, update indexing.StatusUpdate) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("attempt_id", id),
		attribute.String("status", update.Status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_attempt_status", dbAttrs, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		var current string
		err = tx.QueryRow(ctx, `SELECT status FROM index_attempt WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return indexing.ErrAttemptNotFound
			}
			return fmt.Errorf("UpdateStatus select error: %w", err)
		}

		if err := indexing.ParseAttemptStatus(current).ValidateTransition(update.Status); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE index_attempt
			SET status = $2,
			    error_msg = $3,
			    full_exception_trace = $4,
			    started_at = CASE WHEN $2 = 'IN_PROGRESS' THEN NOW() ELSE started_at END,
			    updated_at = NOW()
			WHERE id = $1`,
			id, update.Status.String(), update.ErrorMsg, update.FullExceptionTrace,
		)
		if err != nil {
			return fmt.Errorf("UpdateStatus update error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// UpdateProgress stores the attempt's document counters.
func (s *attemptStore) UpdateProgress(ctx context.Context, id int64, progress indexing.Progress) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("attempt_id", id),
		attribute.Int("total_docs", progress.TotalDocs),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_attempt_progress", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
			UPDATE index_attempt
			SET new_docs = $2, total_docs = $3, removed_docs = $4, updated_at = NOW()
			WHERE id = $1`,
			id, progress.NewDocs, progress.TotalDocs, progress.RemovedDocs,
		)
		if err != nil {
			return fmt.Errorf("UpdateProgress update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return indexing.ErrAttemptNotFound
		}
		return nil
	})
}

// SetCheckpointPointer sets or clears the attempt's checkpoint pointer.
func (s *attemptStore) SetCheckpointPointer(ctx context.Context, id int64, pointer *string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("attempt_id", id),
		attribute.Bool("clear", pointer == nil),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_checkpoint_pointer", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
			UPDATE index_attempt SET checkpoint_pointer = $2, updated_at = NOW() WHERE id = $1`,
			id, pointer,
		)
		if err != nil {
			return fmt.Errorf("SetCheckpointPointer update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return indexing.ErrAttemptNotFound
		}
		return nil
	})
}

// ListCheckpointedBefore returns attempts holding a checkpoint last touched before cutoff.
func (s *attemptStore) ListCheckpointedBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("cutoff", cutoff.String()))

	var ids []int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_checkpointed_before", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			SELECT id FROM index_attempt
			WHERE checkpoint_pointer IS NOT NULL AND updated_at < $1
			ORDER BY id`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("ListCheckpointedBefore query error: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	return ids, err
}

// ListCheckpointedForCCPair returns the pair's attempts that hold a checkpoint.
func (s *attemptStore) ListCheckpointedForCCPair(ctx context.Context, ccPairID int64) ([]int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("cc_pair_id", ccPairID))

	var ids []int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_checkpointed_for_cc_pair", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			SELECT id FROM index_attempt
			WHERE cc_pair_id = $1 AND checkpoint_pointer IS NOT NULL
			ORDER BY id`,
			ccPairID,
		)
		if err != nil {
			return fmt.Errorf("ListCheckpointedForCCPair query error: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	return ids, err
}

// DeleteAttemptsForCCPair removes every attempt (and, by cascade, its error log) for the pair.
func (s *attemptStore) DeleteAttemptsForCCPair(ctx context.Context, ccPairID int64) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("cc_pair_id", ccPairID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_attempts_for_cc_pair", dbAttrs, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `DELETE FROM index_attempt WHERE cc_pair_id = $1`, ccPairID); err != nil {
			return fmt.Errorf("DeleteAttemptsForCCPair delete error: %w", err)
		}
		return nil
	})
}

// RecordFailures appends transient failures to the attempt's error log in one batch.
func (s *attemptStore) RecordFailures(ctx context.Context, attemptID int64, failures []indexing.Failure) error {
	if len(failures) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("attempt_id", attemptID),
		attribute.Int("failure_count", len(failures)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_attempt_failures", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, f := range failures {
			batch.Queue(`
				INSERT INTO index_attempt_error (attempt_id, document_id, entity_id, message, exception)
				VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)`,
				attemptID, f.DocumentID, f.EntityID, f.Message, f.Exception,
			)
		}

		if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("RecordFailures insert error: %w", err)
		}
		return nil
	})
}
