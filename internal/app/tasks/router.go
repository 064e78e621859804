// Package tasks routes delivered queue tasks to the component that owns
// their kind.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

var _ domain.Handler = (*Router)(nil)

// Router holds exactly one handler per task kind.
//
// Typical usage:
//
//	router := tasks.NewRouter(logger, tracer)
//	router.Register(domain.KindCheckForIndexing, tasks.PerTenant(dispatcher.CheckForIndexing))
//	err := consumer.Consume(ctx, router)
type Router struct {
	mu       sync.RWMutex
	handlers map[domain.Kind]domain.Handler

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewRouter creates a Router with no handlers.
func NewRouter(logger *logger.Logger, tracer trace.Tracer) *Router {
	return &Router{
		handlers:     make(map[domain.Kind]domain.Handler),
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "task_router"),
		tracer:       tracer,
	}
}

// Register associates h with kind, replacing any previous handler.
func (r *Router) Register(kind domain.Kind, h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Kinds returns the registered task kinds.
func (r *Router) Kinds() []domain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Handle routes task to its handler. Expired tasks are dropped without error
// and a task of an unregistered kind fails with domain.ErrUnknownKind.
func (r *Router) Handle(ctx context.Context, task domain.Task) error {
	logr := logger.NewLoggerContext(r.logger.With(
		"operation", "handle",
		"task_id", task.ID,
		"kind", task.Kind,
		"tenant_id", task.TenantID,
	))
	ctx, span := r.tracer.Start(ctx, "tasks.router.handle",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("kind", task.Kind.String()),
			attribute.String("tenant_id", task.TenantID),
		))
	defer span.End()

	if task.Expired(r.timeProvider.Now()) {
		logr.Info(ctx, "dropping expired task", "expires_at", task.ExpiresAt)
		span.AddEvent("task_expired")
		return nil
	}

	r.mu.RLock()
	h, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrUnknownKind, task.Kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logr.Add("handler_type", fmt.Sprintf("%T", h))

	if err := h.Handle(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("task %s (%s) failed: %w", task.ID, task.Kind, err)
	}
	logr.Debug(ctx, "task handled")
	return nil
}

// PerTenant adapts a tenant-scoped check, such as check-for-indexing, to a
// task handler.
func PerTenant(check func(ctx context.Context, tenantID string) (int, error)) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, task domain.Task) error {
		_, err := check(ctx, task.TenantID)
		return err
	})
}

// Global adapts a tenant-independent pass, such as a monitor tick, to a
// task handler.
func Global(pass func(ctx context.Context) error) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, _ domain.Task) error { return pass(ctx) })
}

// Counted is Global for passes that report how much they did.
func Counted(pass func(ctx context.Context) (int, error)) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, _ domain.Task) error {
		_, err := pass(ctx)
		return err
	})
}
