package main

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/app/tunables"
	"github.com/ahrav/index-armada/internal/config"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	blobmem "github.com/ahrav/index-armada/internal/infra/blob/memory"
	"github.com/ahrav/index-armada/internal/infra/blob/minio"
	"github.com/ahrav/index-armada/internal/infra/kv/redis"
	"github.com/ahrav/index-armada/internal/infra/storage/postgres"
)

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	return redis.NewClient(ctx, redis.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// openBlobStore returns the checkpoint blob store. The memory backend is only
// visible to the process that created it, so worker checkpoints do not survive
// the worker; it exists for local runs.
func openBlobStore(ctx context.Context, cfg config.BlobConfig, tracer trace.Tracer) (indexing.BlobStore, error) {
	if cfg.Backend == "memory" {
		return blobmem.NewStore(), nil
	}
	store, err := minio.NewStore(ctx, minio.Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		Bucket:          cfg.Bucket,
		UseSSL:          cfg.UseSSL,
	}, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return store, nil
}

// repositories bundles the run-history stores over one pool.
type repositories struct {
	attempts  indexing.AttemptRepository
	pairs     indexing.CCPairRepository
	documents indexing.DocumentRepository
	tenants   indexing.TenantRepository
}

func newRepositories(pool *pgxpool.Pool, tracer trace.Tracer) repositories {
	return repositories{
		attempts:  postgres.NewAttemptStore(pool, tracer),
		pairs:     postgres.NewCCPairStore(pool, tracer),
		documents: postgres.NewDocumentStore(pool, tracer),
		tenants:   postgres.NewTenantStore(pool, tracer),
	}
}

func newTunables(rt *runtime, kv *redis.Store) (*tunables.KVSource, error) {
	maxSize, err := rt.cfg.Tunables.MaxCheckpointSizeBytes()
	if err != nil {
		return nil, err
	}
	return tunables.NewKVSource(kv, tunables.Defaults{
		BeatMultiplier:          rt.cfg.Tunables.BeatMultiplier,
		RepeatedErrorThreshold:  rt.cfg.Tunables.RepeatedErrorThreshold,
		CheckpointRetentionDays: rt.cfg.Tunables.CheckpointRetentionDays,
		MaxCheckpointSizeBytes:  maxSize,
	}, rt.log, rt.tracer), nil
}

func newCoordinator(rt *runtime, kv *redis.Store) *appcoord.Coordinator {
	return appcoord.NewCoordinator(kv, rt.log, rt.tracer,
		appcoord.WithActiveTTL(rt.cfg.Coordination.ActiveTTL),
		appcoord.WithStopTimeout(rt.cfg.Coordination.StopTimeout),
	)
}
