package deletion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/index-armada/internal/app/checkpoint"
	appcoord "github.com/ahrav/index-armada/internal/app/coordination"
	appindexing "github.com/ahrav/index-armada/internal/app/indexing"
	"github.com/ahrav/index-armada/internal/app/tunables"
	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/domain/tasks"
	blobmem "github.com/ahrav/index-armada/internal/infra/blob/memory"
	"github.com/ahrav/index-armada/internal/infra/kv/redis"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/internal/infra/storage/memory"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

const tenantID = "acme"

type recordingEnqueuer struct {
	mu     sync.Mutex
	tasks  []tasks.Task
	failAt int // 1-based; zero never fails
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, t tasks.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAt > 0 && len(e.tasks)+1 == e.failAt {
		return errors.New("broker unavailable")
	}
	e.tasks = append(e.tasks, t)
	return nil
}

type env struct {
	ctx         context.Context
	clock       *timeutil.Mock
	pairs       *memory.CCPairStore
	attempts    *memory.AttemptStore
	documents   *memory.DocumentStore
	blobs       *blobmem.Store
	checkpoints *checkpoint.Store
	coord       *appcoord.Coordinator
	enqueuer    *recordingEnqueuer
	svc         *Service
	monitor     *appcoord.Monitor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracer := storage.NoOpTracer()
	clock := timeutil.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := &env{
		ctx:       context.Background(),
		clock:     clock,
		pairs:     memory.NewCCPairStore(),
		attempts:  memory.NewAttemptStore(clock),
		documents: memory.NewDocumentStore(),
		blobs:     blobmem.NewStore(),
		enqueuer:  &recordingEnqueuer{},
	}
	e.checkpoints = checkpoint.NewStore(e.blobs, e.attempts, tunables.Static{MaxSizeBytes: 1 << 20}, logger.Noop(), tracer)
	e.coord = appcoord.NewCoordinator(redis.NewStore(client, tracer), logger.Noop(), tracer, appcoord.WithTimeProvider(clock))

	e.svc = NewService(Deps{
		Pairs:       e.pairs,
		Attempts:    e.attempts,
		Documents:   e.documents,
		Tenants:     memory.NewTenantStore(indexing.Tenant{ID: tenantID, Active: true, CurrentGeneration: 1}),
		Checkpoints: e.checkpoints,
		Coord:       e.coord,
		Enqueuer:    e.enqueuer,
		BatchSize:   2,
	}, logger.Noop(), tracer)
	e.svc.timeProvider = clock

	e.monitor = appcoord.NewMonitor(e.coord)
	e.monitor.Register(coordination.KindDeletion, e.svc.CompletionHandler())
	return e
}

func (e *env) addPair(t *testing.T, status indexing.CCPairStatus, docs int) int64 {
	t.Helper()
	id := e.pairs.Add(indexing.ConnectorCredentialPair{TenantID: tenantID, Source: "mock", Status: status, RefreshFrequency: time.Hour})
	batch := make([]indexing.Document, 0, docs)
	for i := range docs {
		batch = append(batch, indexing.Document{ID: fmt.Sprintf("doc-%d", i), Source: "mock"})
	}
	_, err := e.documents.UpsertDocuments(e.ctx, id, batch)
	require.NoError(t, err)
	return id
}

func (e *env) remaining(t *testing.T, pairID int64) int64 {
	t.Helper()
	n, err := e.svc.workflow(tenantID, pairID).Remaining(e.ctx)
	require.NoError(t, err)
	return n
}

func TestDeletion_FullWorkflow(t *testing.T) {
	e := newEnv(t)
	pairID := e.addPair(t, indexing.CCPairStatusDeleting, 5)
	keep := e.addPair(t, indexing.CCPairStatusActive, 1)

	attemptID, err := e.attempts.CreateAttempt(e.ctx, &indexing.IndexAttempt{
		TenantID: tenantID, CCPairID: pairID, GenerationID: 1, Status: indexing.AttemptStatusNotStarted,
	})
	require.NoError(t, err)
	_, err = e.checkpoints.Save(e.ctx, attemptID, indexing.NewDummyCheckpoint())
	require.NoError(t, err)
	require.Equal(t, 1, e.blobs.Len())

	started, err := e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	require.Len(t, e.enqueuer.tasks, 3)
	assert.Equal(t, int64(3), e.remaining(t, pairID))
	for _, task := range e.enqueuer.tasks {
		assert.Equal(t, tasks.KindConnectorDeletionUnit, task.Kind)
		assert.Equal(t, tasks.QueueDeletion, task.Queue)
		assert.Equal(t, tenantID, task.TenantID)
	}

	// A second beat does not start another fan-out for the fenced pair.
	started, err = e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Zero(t, started)

	require.NoError(t, e.monitor.Tick(e.ctx))
	_, err = e.pairs.GetCCPair(e.ctx, pairID)
	require.NoError(t, err, "pair survives until every unit finished")

	for _, task := range e.enqueuer.tasks {
		require.NoError(t, e.svc.Handle(e.ctx, task))
	}
	assert.Zero(t, e.remaining(t, pairID))
	ids, err := e.documents.ListDocumentIDs(e.ctx, pairID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, e.monitor.Tick(e.ctx))

	_, err = e.pairs.GetCCPair(e.ctx, pairID)
	require.ErrorIs(t, err, indexing.ErrCCPairNotFound)
	_, err = e.attempts.GetAttempt(e.ctx, attemptID)
	require.ErrorIs(t, err, indexing.ErrAttemptNotFound)
	assert.Zero(t, e.blobs.Len())

	fenced, err := e.svc.workflow(tenantID, pairID).Fenced(e.ctx)
	require.NoError(t, err)
	assert.False(t, fenced)

	_, err = e.pairs.GetCCPair(e.ctx, keep)
	require.NoError(t, err)
	ids, err = e.documents.ListDocumentIDs(e.ctx, keep)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestDeletion_NoDocuments(t *testing.T) {
	e := newEnv(t)
	pairID := e.addPair(t, indexing.CCPairStatusDeleting, 0)

	started, err := e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Empty(t, e.enqueuer.tasks)

	require.NoError(t, e.monitor.Tick(e.ctx))
	_, err = e.pairs.GetCCPair(e.ctx, pairID)
	require.ErrorIs(t, err, indexing.ErrCCPairNotFound)
}

func TestDeletion_WaitsForIndexing(t *testing.T) {
	e := newEnv(t)
	pairID := e.addPair(t, indexing.CCPairStatusDeleting, 3)

	indexingID := appindexing.EntityID(pairID, 1)
	attemptID := int64(7)
	require.NoError(t, e.coord.Workflow(coordination.KindIndexing, tenantID, indexingID).
		SetFence(e.ctx, &coordination.FencePayload{SubmittedAt: e.clock.Now(), AttemptID: &attemptID}))

	started, err := e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Empty(t, e.enqueuer.tasks)

	requested, err := e.coord.StopSignal(coordination.KindIndexing, tenantID, indexingID).Requested(e.ctx)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, e.coord.Workflow(coordination.KindIndexing, tenantID, indexingID).Reset(e.ctx))
	started, err = e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestDeletion_GenerationFailureIsRetried(t *testing.T) {
	e := newEnv(t)
	pairID := e.addPair(t, indexing.CCPairStatusDeleting, 6)
	e.enqueuer.failAt = 2

	_, err := e.svc.CheckForDeletion(e.ctx, tenantID)
	require.Error(t, err)
	assert.Len(t, e.enqueuer.tasks, 1)
	assert.Equal(t, int64(1), e.remaining(t, pairID), "only the dispatched unit stays recorded")

	payload, err := e.svc.workflow(tenantID, pairID).Payload(e.ctx)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Nil(t, payload.StartedAt)

	// The abandoned fence is reset once the generation timeout passes.
	require.NoError(t, e.monitor.Tick(e.ctx))
	e.clock.Advance(appcoord.DefaultGenerationTimeout + time.Second)
	require.NoError(t, e.monitor.Tick(e.ctx))

	e.enqueuer.failAt = 0
	e.enqueuer.tasks = nil
	started, err := e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Len(t, e.enqueuer.tasks, 3)
}

func TestDeletion_LockHeld(t *testing.T) {
	e := newEnv(t)
	e.addPair(t, indexing.CCPairStatusDeleting, 1)

	lock, err := e.coord.Store().AcquireLock(e.ctx, coordination.TenantKey(tenantID, LockKey), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Release(e.ctx) })

	started, err := e.svc.CheckForDeletion(e.ctx, tenantID)
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestHandle_DecodesQueueArgs(t *testing.T) {
	e := newEnv(t)
	pairID := e.addPair(t, indexing.CCPairStatusDeleting, 3)

	// Args after a JSON round trip through the queue.
	task := tasks.Task{
		Kind:     tasks.KindConnectorDeletionUnit,
		TenantID: tenantID,
		Args: map[string]any{
			"cc_pair_id":   float64(pairID),
			"unit_id":      "unit-1",
			"document_ids": []any{"doc-0", "doc-2"},
		},
	}
	require.NoError(t, e.svc.Handle(e.ctx, task))

	ids, err := e.documents.ListDocumentIDs(e.ctx, pairID)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)
}

func TestHandle_RejectsMalformedArgs(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "missing pair", args: map[string]any{"unit_id": "u", "document_ids": []string{"a"}}},
		{name: "missing unit", args: map[string]any{"cc_pair_id": int64(1), "document_ids": []string{"a"}}},
		{name: "bad ids", args: map[string]any{"cc_pair_id": int64(1), "unit_id": "u", "document_ids": []any{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.svc.Handle(e.ctx, tasks.Task{TenantID: tenantID, Args: tt.args})
			assert.Error(t, err)
		})
	}
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
}
