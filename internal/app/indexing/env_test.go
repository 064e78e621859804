package indexing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/index-armada/internal/app/checkpoint"
	"github.com/ahrav/index-armada/internal/app/connector"
	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	"github.com/ahrav/index-armada/internal/app/health"
	"github.com/ahrav/index-armada/internal/app/tunables"
	"github.com/ahrav/index-armada/internal/app/workerpool"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	blobmem "github.com/ahrav/index-armada/internal/infra/blob/memory"
	"github.com/ahrav/index-armada/internal/infra/connectors/mock"
	"github.com/ahrav/index-armada/internal/infra/kv/redis"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/internal/infra/storage/memory"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testTenant = "acme"

type testEnv struct {
	ctx context.Context
	mr  *miniredis.Miniredis

	clock     *timeutil.Mock
	attempts  *memory.AttemptStore
	pairs     *memory.CCPairStore
	documents *memory.DocumentStore
	tenants   *memory.TenantStore
	blobs     *blobmem.Store

	tunables    tunables.Static
	checkpoints *checkpoint.Store
	coord       *appcoord.Coordinator
	detector    *health.Detector
	registry    *connector.Registry
	metrics     *Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := timeutil.NewMock(baseTime)
	tracer := storage.NoOpTracer()
	env := &testEnv{
		ctx:       context.Background(),
		mr:        mr,
		clock:     clock,
		attempts:  memory.NewAttemptStore(clock),
		pairs:     memory.NewCCPairStore(),
		documents: memory.NewDocumentStore(),
		tenants:   memory.NewTenantStore(indexing.Tenant{ID: testTenant, Active: true, CurrentGeneration: 1}),
		blobs:     blobmem.NewStore(),
		registry:  connector.NewRegistry(),
		tunables: tunables.Static{
			ErrorThreshold: 3,
			RetentionDays:  7,
			MaxSizeBytes:   64 * 1024,
			Multiplier:     1,
		},
	}
	mock.Register(env.registry)

	env.checkpoints = checkpoint.NewStore(env.blobs, env.attempts, env.tunables, logger.Noop(), tracer)
	env.coord = appcoord.NewCoordinator(
		redis.NewStore(client, tracer), logger.Noop(), tracer,
		appcoord.WithTimeProvider(clock),
		appcoord.WithStopTimeout(time.Minute),
	)
	env.detector = health.NewDetector(env.attempts, env.pairs, env.tunables, logger.Noop(), tracer)

	metrics, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	env.metrics = metrics
	return env
}

func (e *testEnv) addPair(status indexing.CCPairStatus, config map[string]any) int64 {
	return e.pairs.Add(indexing.ConnectorCredentialPair{
		TenantID:         testTenant,
		Name:             "mock pair",
		Source:           mock.Source,
		ConnectorConfig:  config,
		Status:           status,
		RefreshFrequency: time.Hour,
		CreatedAt:        baseTime,
	})
}

func (e *testEnv) workflow(ccPairID int64) *appcoord.Workflow {
	return e.coord.Workflow(coordination.KindIndexing, testTenant, EntityID(ccPairID, 1))
}

func (e *testEnv) stopSignal(ccPairID int64) *appcoord.StopSignal {
	return e.coord.StopSignal(coordination.KindIndexing, testTenant, EntityID(ccPairID, 1))
}

// newAttempt creates a fenced NOT_STARTED attempt like the dispatcher does.
func (e *testEnv) newAttempt(t *testing.T, ccPairID int64, w indexing.Window) int64 {
	t.Helper()
	id, err := e.attempts.CreateAttempt(e.ctx, &indexing.IndexAttempt{
		TenantID:     testTenant,
		CCPairID:     ccPairID,
		GenerationID: 1,
		Status:       indexing.AttemptStatusNotStarted,
		Window:       w,
	})
	require.NoError(t, err)
	require.NoError(t, e.workflow(ccPairID).SetFence(e.ctx, &coordination.FencePayload{SubmittedAt: e.clock.Now(), AttemptID: &id}))
	return id
}

func (e *testEnv) attempt(t *testing.T, id int64) *indexing.IndexAttempt {
	t.Helper()
	a, err := e.attempts.GetAttempt(e.ctx, id)
	require.NoError(t, err)
	return a
}

func (e *testEnv) pair(t *testing.T, id int64) *indexing.ConnectorCredentialPair {
	t.Helper()
	p, err := e.pairs.GetCCPair(e.ctx, id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) runner() *Runner {
	resolver := checkpoint.NewResolver(e.attempts, e.checkpoints, checkpoint.ResolverConfig{}, logger.Noop(), storage.NoOpTracer())
	r := NewRunner(RunnerDeps{
		Attempts:    e.attempts,
		Pairs:       e.pairs,
		Documents:   e.documents,
		Checkpoints: e.checkpoints,
		Resolver:    resolver,
		Connectors:  e.registry,
		Coord:       e.coord,
		Detector:    e.detector,
		Metrics:     e.metrics,
		BatchSize:   4,
	}, storage.NoOpTracer())
	r.timeProvider = e.clock
	return r
}

var testWindow = indexing.Window{Start: baseTime.Add(-24 * time.Hour), End: baseTime}

// fakeHandle is a controllable ProcessHandle.
type fakeHandle struct {
	id string

	mu        sync.Mutex
	status    workerpool.Status
	exception string
	cancels   int
	kills     int
	// stuck workers ignore Cancel and only exit on Kill.
	stuck     bool
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, status: workerpool.StatusRunning, done: make(chan struct{})}
}

func (h *fakeHandle) ID() string                { return h.id }
func (h *fakeHandle) Done() <-chan struct{}     { return h.done }
func (h *fakeHandle) Exception() string         { h.mu.Lock(); defer h.mu.Unlock(); return h.exception }
func (h *fakeHandle) Status() workerpool.Status { h.mu.Lock(); defer h.mu.Unlock(); return h.status }

func (h *fakeHandle) exit(status workerpool.Status, exception string) {
	h.mu.Lock()
	h.status, h.exception = status, exception
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *fakeHandle) Cancel() bool {
	h.mu.Lock()
	h.cancels++
	stuck := h.stuck
	h.mu.Unlock()
	if !stuck {
		h.exit(workerpool.StatusCancelled, "")
	}
	return true
}

func (h *fakeHandle) Kill() bool {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.exit(workerpool.StatusCancelled, "")
	return true
}

func (h *fakeHandle) cancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}

func (h *fakeHandle) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}
