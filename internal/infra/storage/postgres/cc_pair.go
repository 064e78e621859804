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

var _ indexing.CCPairRepository = (*ccPairStore)(nil)

type ccPairStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewCCPairStore creates a new PostgreSQL-backed connector-credential pair repository.
func NewCCPairStore(pool *pgxpool.Pool, tracer trace.Tracer) *ccPairStore {
	return &ccPairStore{db: pool, tracer: tracer}
}

const ccPairColumns = `id, tenant_id, name, source, connector_config, credentials, status,
	refresh_frequency_secs, indexing_start, in_repeated_error_state, created_at`

func scanCCPair(row pgx.Row) (*indexing.ConnectorCredentialPair, error) {
	var (
		p           indexing.ConnectorCredentialPair
		status      string
		refreshSecs int64
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Source, &p.ConnectorConfig, &p.Credentials, &status,
		&refreshSecs, &p.IndexingStart, &p.InRepeatedErrorState, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = indexing.CCPairStatus(status)
	p.RefreshFrequency = time.Duration(refreshSecs) * time.Second
	return &p, nil
}

// CreateCCPair inserts a pair and returns its ID. Pairs are normally managed by
// the API layer; the orchestrator uses this for seeding and tests.
func (s *ccPairStore) CreateCCPair(ctx context.Context, p *indexing.ConnectorCredentialPair) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", p.TenantID),
		attribute.String("source", p.Source),
	)

	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_cc_pair", dbAttrs, func(ctx context.Context) error {
		config, creds := p.ConnectorConfig, p.Credentials
		if config == nil {
			config = map[string]any{}
		}
		if creds == nil {
			creds = map[string]any{}
		}
		err := s.db.QueryRow(ctx, `
			INSERT INTO connector_credential_pair
				(tenant_id, name, source, connector_config, credentials, status, refresh_frequency_secs, indexing_start)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			p.TenantID, p.Name, p.Source, config, creds, p.Status.String(),
			int64(p.RefreshFrequency/time.Second), p.IndexingStart,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("CreateCCPair insert error: %w", err)
		}
		return nil
	})
	return id, err
}

// GetCCPair loads a pair by ID.
func (s *ccPairStore) GetCCPair(ctx context.Context, id int64) (*indexing.ConnectorCredentialPair, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("cc_pair_id", id))

	var pair *indexing.ConnectorCredentialPair
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_cc_pair", dbAttrs, func(ctx context.Context) error {
		p, err := scanCCPair(s.db.QueryRow(ctx, `SELECT `+ccPairColumns+` FROM connector_credential_pair WHERE id = $1`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return indexing.ErrCCPairNotFound
			}
			return fmt.Errorf("GetCCPair query error: %w", err)
		}
		pair = p
		return nil
	})
	return pair, err
}

// ListCCPairs returns every pair owned by the tenant.
func (s *ccPairStore) ListCCPairs(ctx context.Context, tenantID string) ([]*indexing.ConnectorCredentialPair, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("tenant_id", tenantID))

	var pairs []*indexing.ConnectorCredentialPair
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_cc_pairs", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT `+ccPairColumns+` FROM connector_credential_pair WHERE tenant_id = $1 ORDER BY id`, tenantID)
		if err != nil {
			return fmt.Errorf("ListCCPairs query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanCCPair(rows)
			if err != nil {
				return fmt.Errorf("scan cc pair row error: %w", err)
			}
			pairs = append(pairs, p)
		}
		return rows.Err()
	})
	return pairs, err
}

// UpdateCCPairStatus sets the pair's lifecycle status.
func (s *ccPairStore) UpdateCCPairStatus(ctx context.Context, id int64, status indexing.CCPairStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", id),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_cc_pair_status", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `UPDATE connector_credential_pair SET status = $2 WHERE id = $1`, id, status.String())
		if err != nil {
			return fmt.Errorf("UpdateCCPairStatus update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return indexing.ErrCCPairNotFound
		}
		return nil
	})
}

// SetRepeatedErrorState caches the derived repeated error flag.
func (s *ccPairStore) SetRepeatedErrorState(ctx context.Context, id int64, inRepeatedErrorState bool) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("cc_pair_id", id),
		attribute.Bool("in_repeated_error_state", inRepeatedErrorState),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_repeated_error_state", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx,
			`UPDATE connector_credential_pair SET in_repeated_error_state = $2 WHERE id = $1`,
			id, inRepeatedErrorState,
		)
		if err != nil {
			return fmt.Errorf("SetRepeatedErrorState update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return indexing.ErrCCPairNotFound
		}
		return nil
	})
}

// DeleteCCPair removes the pair row. Attempts and document rows cascade.
func (s *ccPairStore) DeleteCCPair(ctx context.Context, id int64) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("cc_pair_id", id))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_cc_pair", dbAttrs, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `DELETE FROM connector_credential_pair WHERE id = $1`, id); err != nil {
			return fmt.Errorf("DeleteCCPair delete error: %w", err)
		}
		return nil
	})
}
