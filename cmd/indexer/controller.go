package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/index-armada/internal/app/beat"
	"github.com/ahrav/index-armada/internal/app/checkpoint"
	"github.com/ahrav/index-armada/internal/app/cluster"
	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/app/deletion"
	"github.com/ahrav/index-armada/internal/app/health"
	"github.com/ahrav/index-armada/internal/app/indexing"
	"github.com/ahrav/index-armada/internal/app/tasks"
	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	domaintasks "github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/index-armada/internal/infra/kv/redis"
	"github.com/ahrav/index-armada/internal/infra/queue/kafka"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/pkg/common"
)

const (
	serviceType     = "controller"
	shutdownTimeout = 30 * time.Second
)

func newControllerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the beat, task consumers and worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runController(cmd.Context(), *cfgPath)
		},
	}
}

func runController(ctx context.Context, cfgPath string) error {
	rt, err := setup(ctx, cfgPath, serviceType)
	if err != nil {
		return err
	}
	defer rt.teardown(context.Background())
	log, tracer, cfg := rt.log, rt.tracer, rt.cfg

	pool, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		return err
	}
	defer pool.Close()

	if err := storage.MigrateUp(pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		return err
	}
	log.Info(ctx, "Migrations applied successfully. Starting controller...")

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		log.Error(ctx, "failed to connect to redis", "error", err)
		return err
	}
	defer rdb.Close()
	kv := redis.NewStore(rdb, tracer)

	blobs, err := openBlobStore(ctx, cfg.Blob, tracer)
	if err != nil {
		log.Error(ctx, "failed to open blob store", "error", err)
		return err
	}

	kafkaCfg := &kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		ClientID:       fmt.Sprintf("%s-%s", cfg.Kafka.ClientID, rt.hostname),
		TopicPrefix:    cfg.Kafka.TopicPrefix,
		Queues:         cfg.Queues(),
		HandlerRetries: cfg.Kafka.HandlerRetries,
		CommitInterval: cfg.Kafka.CommitInterval,
	}
	kafkaClient, err := kafka.NewClient(kafkaCfg)
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		return err
	}
	defer kafkaClient.Close()

	queue, err := kafka.Connect(kafkaCfg, kafkaClient, rt.meter, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect task queue", "error", err)
		return err
	}
	defer queue.Close()

	repos := newRepositories(pool, tracer)
	coord := newCoordinator(rt, kv)
	tun, err := newTunables(rt, kv)
	if err != nil {
		log.Error(ctx, "invalid tunables", "error", err)
		return err
	}

	metrics, err := indexing.NewMetrics(rt.meter)
	if err != nil {
		log.Error(ctx, "failed to create indexing metrics", "error", err)
		return err
	}

	detector := health.NewDetector(repos.attempts, repos.pairs, tun, log, tracer)
	checkpoints := checkpoint.NewStore(blobs, repos.attempts, tun, log, tracer)

	// Every attempt runs in a fresh copy of this binary.
	exe, err := os.Executable()
	if err != nil {
		log.Error(ctx, "failed to locate executable", "error", err)
		return err
	}
	childArgs := []string{"attempt"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}
	workers, err := workerpool.NewPool(workerpool.Config{
		MaxWorkers: cfg.Worker.MaxWorkers,
		Command:    exe,
		Args:       childArgs,
	}, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create worker pool", "error", err)
		return err
	}
	if err := metrics.ObservePool(rt.meter, workers.ActiveJobs, workers.MaxWorkers()); err != nil {
		log.Error(ctx, "failed to observe worker pool", "error", err)
		return err
	}

	watchdog := indexing.NewWatchdog(repos.attempts, coord, detector, metrics, cfg.Worker.WatchInterval, log, tracer)
	dispatcher := indexing.NewDispatcher(indexing.DispatcherDeps{
		Pairs:    repos.pairs,
		Attempts: repos.attempts,
		Tenants:  repos.tenants,
		Coord:    coord,
		Pool:     indexing.NewPoolSubmitter(workers),
		Watcher:  watchdog,
		Metrics:  metrics,
	}, log, tracer)

	deletions := deletion.NewService(deletion.Deps{
		Pairs:             repos.pairs,
		Attempts:          repos.attempts,
		Documents:         repos.documents,
		Tenants:           repos.tenants,
		Checkpoints:       checkpoints,
		Coord:             coord,
		Enqueuer:          queue,
		BatchSize:         cfg.Coordination.DeletionBatchSize,
		GenerationTimeout: cfg.Coordination.GenerationTimeout,
	}, log, tracer)

	monitor := appcoord.NewMonitor(coord)
	monitor.Register(coordination.KindIndexing,
		indexing.NewFenceMonitor(repos.attempts, repos.pairs, coord, detector, metrics, log))
	monitor.Register(coordination.KindDeletion, deletions.CompletionHandler())

	cleaner := checkpoint.NewCleaner(repos.attempts, checkpoints, tun, log, tracer)

	templates, err := beat.LoadTemplates(cfg.Beat.TemplatesFile)
	if err != nil {
		log.Error(ctx, "failed to load beat templates", "error", err)
		return err
	}
	generator := beat.NewGenerator(
		templates,
		repos.tenants,
		queue,
		common.NewRateLimiter(cfg.Beat.TenantRate, 1),
		log,
		tracer,
	)

	router := tasks.NewRouter(log, tracer)
	router.Register(domaintasks.KindCheckForIndexing, tasks.PerTenant(dispatcher.CheckForIndexing))
	router.Register(domaintasks.KindMonitorBackgroundProcesses, tasks.Global(monitor.Tick))
	router.Register(domaintasks.KindCheckForConnectorDeletion, tasks.PerTenant(deletions.CheckForDeletion))
	router.Register(domaintasks.KindConnectorDeletionUnit, deletions)
	router.Register(domaintasks.KindCleanupCheckpoints, tasks.Counted(cleaner.Sweep))
	router.Register(domaintasks.KindGenerateBeatTask, generator)

	var leaderCoord cluster.Coordinator
	if cfg.LeaderElection.Enabled {
		identity := cfg.LeaderElection.Identity
		if identity == "" {
			identity = rt.hostname
		}
		client, err := kubernetes.NewClient(cfg.LeaderElection.KubeConfig)
		if err != nil {
			log.Error(ctx, "failed to create kubernetes client", "error", err)
			return err
		}
		leaderCoord, err = kubernetes.NewCoordinator(kubernetes.Config{
			Namespace:  cfg.LeaderElection.Namespace,
			LeaseName:  cfg.LeaderElection.LeaseName,
			Identity:   identity,
			KubeConfig: cfg.LeaderElection.KubeConfig,
		}, client, log, tracer)
		if err != nil {
			log.Error(ctx, "failed to create leader election coordinator", "error", err)
			return err
		}
	} else {
		leaderCoord = cluster.NewStandalone(log)
	}
	leadership := cluster.NewLeadership(leaderCoord)

	scheduler, err := beat.NewScheduler(beat.Config{
		MultiTenant:       cfg.MultiTenant,
		TickInterval:      cfg.Beat.TickInterval,
		MultiplierRefresh: cfg.Beat.MultiplierRefresh,
	}, templates, queue, tun, leadership, rt.meter, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create beat scheduler", "error", err)
		return err
	}

	ready := &atomic.Bool{}
	opsServer, err := common.NewOpsServer(cfg.Telemetry.OpsAddr, ready)
	if err != nil {
		log.Error(ctx, "failed to create ops server", "error", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return leaderCoord.Start(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return queue.Consume(gctx, router) })
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		log.Info(gctx, "shutting down controller")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := leaderCoord.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("leader election: %w", err))
		}
		if err := workers.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
		watchdog.Wait()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
		return errors.Join(errs...)
	})

	ready.Store(true)
	log.Info(ctx, "controller started",
		"multi_tenant", cfg.MultiTenant,
		"max_workers", cfg.Worker.MaxWorkers,
		"leader_election", cfg.LeaderElection.Enabled,
	)

	if err := g.Wait(); err != nil {
		log.Error(ctx, "controller stopped with error", "error", err)
		return err
	}
	log.Info(ctx, "controller stopped")
	return nil
}
