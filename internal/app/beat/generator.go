package beat

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/pkg/common"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

// TenantLister lists tenants eligible for beat tasks.
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]indexing.Tenant, error)
}

var _ tasks.Handler = (*Generator)(nil)

// Generator handles cloud_generate_beat_task by enqueueing the named
// template once per active tenant.
type Generator struct {
	templates map[string]Template
	tenants   TenantLister
	enqueuer  tasks.Enqueuer
	limiter   *common.RateLimiter

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewGenerator creates a Generator. limiter paces per-tenant enqueues.
func NewGenerator(
	templates []Template,
	tenants TenantLister,
	enqueuer tasks.Enqueuer,
	limiter *common.RateLimiter,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Generator {
	byName := make(map[string]Template, len(templates))
	for _, t := range templates {
		byName[t.Name] = t
	}
	return &Generator{
		templates:    byName,
		tenants:      tenants,
		enqueuer:     enqueuer,
		limiter:      limiter,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "beat_generator"),
		tracer:       tracer,
	}
}

// Handle implements tasks.Handler.
func (g *Generator) Handle(ctx context.Context, task tasks.Task) error {
	name, _ := task.Args["template"].(string)
	ctx, span := g.tracer.Start(ctx, "beat.generator.handle",
		trace.WithAttributes(attribute.String("template", name)))
	defer span.End()

	tmpl, ok := g.templates[name]
	if !ok {
		err := fmt.Errorf("unknown beat template %q", name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown template")
		return err
	}

	tenants, err := g.tenants.ListActiveTenants(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tenants")
		return fmt.Errorf("failed to list active tenants: %w", err)
	}

	var errs []error
	enqueued := 0
	for _, tenant := range tenants {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		t := tasks.NewTask(tmpl.Task, tenant.ID, tmpl.Queue, tasks.ParsePriority(tmpl.Priority),
			tmpl.Args, g.timeProvider.Now(), tmpl.Expires)
		if err := g.enqueuer.Enqueue(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.ID, err))
			continue
		}
		enqueued++
	}

	span.SetAttributes(attribute.Int("tenants", len(tenants)), attribute.Int("enqueued", enqueued))
	g.logger.Debug(ctx, "generated beat tasks", "template", name, "tenants", len(tenants), "enqueued", enqueued)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some tenants failed")
		return err
	}
	return nil
}
