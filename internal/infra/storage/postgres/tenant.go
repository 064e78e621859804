package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

var _ indexing.TenantRepository = (*tenantStore)(nil)

type tenantStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewTenantStore creates a new PostgreSQL-backed tenant repository.
func NewTenantStore(pool *pgxpool.Pool, tracer trace.Tracer) *tenantStore {
	return &tenantStore{db: pool, tracer: tracer}
}

// CreateTenant inserts a tenant, leaving an existing row untouched.
func (s *tenantStore) CreateTenant(ctx context.Context, t indexing.Tenant) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("tenant_id", t.ID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_tenant", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO tenant (id, active, current_generation) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Active, t.CurrentGeneration,
		)
		if err != nil {
			return fmt.Errorf("CreateTenant insert error: %w", err)
		}
		return nil
	})
}

// ListActiveTenants returns every active tenant ordered by ID.
func (s *tenantStore) ListActiveTenants(ctx context.Context) ([]indexing.Tenant, error) {
	var tenants []indexing.Tenant
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_active_tenants", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT id, active, current_generation FROM tenant WHERE active ORDER BY id`)
		if err != nil {
			return fmt.Errorf("ListActiveTenants query error: %w", err)
		}
		tenants, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (indexing.Tenant, error) {
			var t indexing.Tenant
			err := row.Scan(&t.ID, &t.Active, &t.CurrentGeneration)
			return t, err
		})
		return err
	})
	return tenants, err
}

// GetTenant loads a tenant by ID.
func (s *tenantStore) GetTenant(ctx context.Context, id string) (*indexing.Tenant, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("tenant_id", id))

	var tenant *indexing.Tenant
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_tenant", dbAttrs, func(ctx context.Context) error {
		var t indexing.Tenant
		err := s.db.QueryRow(ctx, `SELECT id, active, current_generation FROM tenant WHERE id = $1`, id).
			Scan(&t.ID, &t.Active, &t.CurrentGeneration)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return indexing.ErrTenantNotFound
			}
			return fmt.Errorf("GetTenant query error: %w", err)
		}
		tenant = &t
		return nil
	})
	return tenant, err
}
