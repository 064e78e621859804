package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/internal/infra/storage"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRouter() *Router {
	r := NewRouter(logger.Noop(), storage.NoOpTracer())
	r.timeProvider = timeutil.NewMock(now)
	return r
}

func TestRouter_Routes(t *testing.T) {
	r := newRouter()

	var tenants []string
	r.Register(domain.KindCheckForIndexing, PerTenant(func(_ context.Context, tenantID string) (int, error) {
		tenants = append(tenants, tenantID)
		return 1, nil
	}))
	ticks := 0
	r.Register(domain.KindMonitorBackgroundProcesses, Global(func(context.Context) error {
		ticks++
		return nil
	}))

	require.NoError(t, r.Handle(context.Background(), domain.NewTask(domain.KindCheckForIndexing, "acme", domain.QueuePrimary, domain.PriorityHigh, nil, now, 0)))
	require.NoError(t, r.Handle(context.Background(), domain.NewTask(domain.KindMonitorBackgroundProcesses, "public", domain.QueuePrimary, domain.PriorityHigh, nil, now, 0)))

	assert.Equal(t, []string{"acme"}, tenants)
	assert.Equal(t, 1, ticks)
	assert.ElementsMatch(t, []domain.Kind{domain.KindCheckForIndexing, domain.KindMonitorBackgroundProcesses}, r.Kinds())
}

func TestRouter_UnknownKind(t *testing.T) {
	r := newRouter()
	err := r.Handle(context.Background(), domain.NewTask("reindex_everything", "acme", domain.QueuePrimary, domain.PriorityLow, nil, now, 0))
	require.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestRouter_DropsExpiredTasks(t *testing.T) {
	r := newRouter()
	called := false
	r.Register(domain.KindCleanupCheckpoints, Counted(func(context.Context) (int, error) {
		called = true
		return 0, nil
	}))

	stale := domain.NewTask(domain.KindCleanupCheckpoints, "public", domain.QueueCheckpointClean, domain.PriorityLow, nil, now.Add(-time.Hour), time.Minute)
	require.NoError(t, r.Handle(context.Background(), stale))
	assert.False(t, called)

	fresh := domain.NewTask(domain.KindCleanupCheckpoints, "public", domain.QueueCheckpointClean, domain.PriorityLow, nil, now, time.Minute)
	require.NoError(t, r.Handle(context.Background(), fresh))
	assert.True(t, called)
}

func TestRouter_WrapsHandlerErrors(t *testing.T) {
	r := newRouter()
	boom := errors.New("boom")
	r.Register(domain.KindConnectorDeletionUnit, domain.HandlerFunc(func(context.Context, domain.Task) error { return boom }))

	err := r.Handle(context.Background(), domain.NewTask(domain.KindConnectorDeletionUnit, "acme", domain.QueueDeletion, domain.PriorityMedium, nil, now, 0))
	require.ErrorIs(t, err, boom)
}
