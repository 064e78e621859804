package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahrav/index-armada/internal/app/checkpoint"
	"github.com/ahrav/index-armada/internal/app/connector"
	"github.com/ahrav/index-armada/internal/app/health"
	"github.com/ahrav/index-armada/internal/app/indexing"
	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/infra/connectors/mock"
	"github.com/ahrav/index-armada/internal/infra/kv/redis"
)

// newAttemptCmd is the worker entry point started by the controller's pool.
// It reads one job spec from stdin and reports failures on the back-channel.
func newAttemptCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:    "attempt",
		Short:  "Run a single indexing attempt (worker process)",
		Hidden: true,
		Run: func(cmd *cobra.Command, _ []string) {
			os.Exit(runAttempt(cmd.Context(), *cfgPath))
		},
	}
}

func runAttempt(ctx context.Context, cfgPath string) int {
	rt, err := setup(ctx, cfgPath, "worker")
	if err != nil {
		return workerpool.ExitCodeJobError
	}
	defer rt.teardown(context.Background())
	log, tracer, cfg := rt.log, rt.tracer, rt.cfg

	pool, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		return workerpool.ExitCodeJobError
	}
	defer pool.Close()

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		log.Error(ctx, "failed to connect to redis", "error", err)
		return workerpool.ExitCodeJobError
	}
	defer rdb.Close()
	kv := redis.NewStore(rdb, tracer)

	blobs, err := openBlobStore(ctx, cfg.Blob, tracer)
	if err != nil {
		log.Error(ctx, "failed to open blob store", "error", err)
		return workerpool.ExitCodeJobError
	}

	tun, err := newTunables(rt, kv)
	if err != nil {
		log.Error(ctx, "invalid tunables", "error", err)
		return workerpool.ExitCodeJobError
	}
	metrics, err := indexing.NewMetrics(rt.meter)
	if err != nil {
		log.Error(ctx, "failed to create indexing metrics", "error", err)
		return workerpool.ExitCodeJobError
	}

	repos := newRepositories(pool, tracer)
	checkpoints := checkpoint.NewStore(blobs, repos.attempts, tun, log, tracer)
	resolver := checkpoint.NewResolver(repos.attempts, checkpoints, checkpoint.ResolverConfig{
		ConsiderLimit:    cfg.Resume.ConsiderLimit,
		MinDocsForResume: cfg.Resume.MinDocsForResume,
	}, log, tracer)

	connectors := connector.NewRegistry()
	mock.Register(connectors)

	runner := indexing.NewRunner(indexing.RunnerDeps{
		Attempts:    repos.attempts,
		Pairs:       repos.pairs,
		Documents:   repos.documents,
		Checkpoints: checkpoints,
		Resolver:    resolver,
		Connectors:  connectors,
		Coord:       newCoordinator(rt, kv),
		Detector:    health.NewDetector(repos.attempts, repos.pairs, tun, log, tracer),
		Metrics:     metrics,
		BatchSize:   cfg.Worker.BatchSize,
	}, tracer)

	registry := workerpool.NewRegistry()
	runner.Register(registry)

	backChannel := workerpool.OpenBackChannel()
	if backChannel == nil {
		log.Error(ctx, "attempt must be started by the controller's worker pool")
		return workerpool.ExitCodeJobError
	}
	defer backChannel.Close()

	return workerpool.RunChild(ctx, os.Stdin, backChannel, registry, log)
}
