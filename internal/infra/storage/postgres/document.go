package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

var _ indexing.DocumentRepository = (*documentStore)(nil)

type documentStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewDocumentStore creates a new PostgreSQL-backed document-by-pair repository.
func NewDocumentStore(pool *pgxpool.Pool, tracer trace.Tracer) *documentStore {
	return &documentStore{db: pool, tracer: tracer}
}

// UpsertDocuments records the batch. Re-delivered documents only bump their
// timestamp, so the returned count covers first-seen documents alone.
func (s *documentStore) UpsertDocuments(ctx context.Context, ccPairID int64, docs []indexing.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", ccPairID),
		attribute.Int("document_count", len(docs)),
	)

	var inserted int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_documents", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, d := range docs {
			// xmax = 0 only for rows created by this statement.
			batch.Queue(`
				INSERT INTO document_by_cc_pair (cc_pair_id, document_id, semantic_id, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (cc_pair_id, document_id)
				DO UPDATE SET semantic_id = EXCLUDED.semantic_id, updated_at = NOW()
				RETURNING (xmax = 0)`,
				ccPairID, d.ID, d.SemanticIdentifier,
			)
		}

		br := s.db.SendBatch(ctx, batch)
		defer br.Close()

		for range docs {
			var isNew bool
			if err := br.QueryRow().Scan(&isNew); err != nil {
				return fmt.Errorf("UpsertDocuments insert error: %w", err)
			}
			if isNew {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// ListDocumentIDs returns the IDs of every document indexed for the pair.
func (s *documentStore) ListDocumentIDs(ctx context.Context, ccPairID int64) ([]string, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("cc_pair_id", ccPairID))

	var ids []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_document_ids", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx,
			`SELECT document_id FROM document_by_cc_pair WHERE cc_pair_id = $1 ORDER BY document_id`,
			ccPairID,
		)
		if err != nil {
			return fmt.Errorf("ListDocumentIDs query error: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return ids, err
}

// DeleteDocuments removes the given documents from the pair. Missing rows are ignored.
func (s *documentStore) DeleteDocuments(ctx context.Context, ccPairID int64, documentIDs []string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", ccPairID),
		attribute.Int("document_count", len(documentIDs)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_documents", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx,
			`DELETE FROM document_by_cc_pair WHERE cc_pair_id = $1 AND document_id = ANY($2)`,
			ccPairID, documentIDs,
		)
		if err != nil {
			return fmt.Errorf("DeleteDocuments delete error: %w", err)
		}
		return nil
	})
}
