package coordination

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

// Workflow is one fenced fan-out instance, e.g. the indexing of one
// connector pair or the deletion of one pair.
type Workflow struct {
	Kind     coordination.Kind
	TenantID string
	EntityID string

	c        *Coordinator
	fenceKey string
	tasksKey string
	activeKy string
}

// FenceKey returns the tenant-scoped fence key.
func (w *Workflow) FenceKey() string { return w.fenceKey }

func (w *Workflow) attrs(op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("kind", string(w.Kind)),
		attribute.String("tenant_id", w.TenantID),
		attribute.String("entity_id", w.EntityID),
		attribute.String("operation", op),
	}
}

// SetFence writes payload at the fence key and indexes it in the active
// fence set. A nil payload clears the fence and drops it from the index.
func (w *Workflow) SetFence(ctx context.Context, payload *coordination.FencePayload) error {
	return storage.ExecuteAndTrace(ctx, w.c.tracer, "coordination.workflow.set_fence", w.attrs("set_fence"), func(ctx context.Context) error {
		if payload == nil {
			if err := w.c.store.Delete(ctx, w.fenceKey); err != nil {
				return fmt.Errorf("failed to clear fence %s: %w", w.fenceKey, err)
			}
			if err := w.c.store.SRem(ctx, coordination.ActiveFencesKey, w.fenceKey); err != nil {
				return fmt.Errorf("failed to unindex fence %s: %w", w.fenceKey, err)
			}
			return nil
		}

		encoded, err := payload.Encode()
		if err != nil {
			return err
		}
		if err := w.c.store.Set(ctx, w.fenceKey, encoded, 0); err != nil {
			return fmt.Errorf("failed to set fence %s: %w", w.fenceKey, err)
		}
		if err := w.c.store.SAdd(ctx, coordination.ActiveFencesKey, w.fenceKey); err != nil {
			return fmt.Errorf("failed to index fence %s: %w", w.fenceKey, err)
		}
		return nil
	})
}

// Fenced reports whether the fence key exists.
func (w *Workflow) Fenced(ctx context.Context) (bool, error) {
	ok, err := w.c.store.Exists(ctx, w.fenceKey)
	if err != nil {
		return false, fmt.Errorf("failed to check fence %s: %w", w.fenceKey, err)
	}
	return ok, nil
}

// Payload returns the fence payload, or nil when the workflow is not fenced.
func (w *Workflow) Payload(ctx context.Context) (*coordination.FencePayload, error) {
	raw, ok, err := w.c.store.Get(ctx, w.fenceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read fence %s: %w", w.fenceKey, err)
	}
	if !ok {
		return nil, nil
	}
	return coordination.DecodeFencePayload(raw)
}

// DispatchFunc submits the unit at index i with the given unit ID.
type DispatchFunc func(ctx context.Context, i int, unitID string) error

// GenerateUnits creates n units. Each unit ID is added to the taskset before
// it is dispatched so a fast worker can never remove a unit that was not yet
// recorded. A failed dispatch removes its unit and aborts generation. On
// success the fence payload records the expected count and start time.
//
// The heartbeat is refreshed after every dispatched unit and cleared when
// generation ends, so monitors can tell a slow generator from a dead one.
func (w *Workflow) GenerateUnits(ctx context.Context, n int, dispatch DispatchFunc) (int, error) {
	ctx, span := w.c.tracer.Start(ctx, "coordination.workflow.generate_units",
		trace.WithAttributes(append(w.attrs("generate_units"), attribute.Int("units", n))...))
	defer span.End()
	defer func() {
		if err := w.c.store.Delete(context.WithoutCancel(ctx), w.activeKy); err != nil {
			w.c.logger.Warn(ctx, "failed to clear generation heartbeat", "error", err)
		}
	}()

	generated := 0
	for i := 0; i < n; i++ {
		unitID := uuid.NewString()
		if err := w.c.store.SAdd(ctx, w.tasksKey, unitID); err != nil {
			span.RecordError(err)
			return generated, fmt.Errorf("failed to record unit %d: %w", i, err)
		}
		if err := dispatch(ctx, i, unitID); err != nil {
			span.RecordError(err)
			if rmErr := w.c.store.SRem(ctx, w.tasksKey, unitID); rmErr != nil {
				w.c.logger.Error(ctx, "failed to remove undispatched unit", "unit_id", unitID, "error", rmErr)
			}
			return generated, fmt.Errorf("failed to dispatch unit %d: %w", i, err)
		}
		generated++
		if err := w.SetActive(ctx); err != nil {
			w.c.logger.Warn(ctx, "failed to refresh generation heartbeat", "error", err)
		}
	}

	payload, err := w.Payload(ctx)
	if err != nil {
		span.RecordError(err)
		return generated, err
	}
	if payload == nil {
		payload = &coordination.FencePayload{SubmittedAt: w.c.timeProvider.Now()}
	}
	now := w.c.timeProvider.Now()
	payload.ExpectedUnitCount = generated
	payload.StartedAt = &now
	if err := w.SetFence(ctx, payload); err != nil {
		span.RecordError(err)
		return generated, err
	}

	span.SetAttributes(attribute.Int("generated", generated))
	return generated, nil
}

// Remaining returns the number of outstanding units.
func (w *Workflow) Remaining(ctx context.Context) (int64, error) {
	n, err := w.c.store.SCard(ctx, w.tasksKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count taskset %s: %w", w.tasksKey, err)
	}
	return n, nil
}

// RemoveUnit marks a unit done. Removing an absent unit is a no-op.
func (w *Workflow) RemoveUnit(ctx context.Context, unitID string) error {
	if err := w.c.store.SRem(ctx, w.tasksKey, unitID); err != nil {
		return fmt.Errorf("failed to remove unit %s: %w", unitID, err)
	}
	return nil
}

// SetActive refreshes the heartbeat.
func (w *Workflow) SetActive(ctx context.Context) error {
	if err := w.c.store.Set(ctx, w.activeKy, "1", w.c.activeTTL); err != nil {
		return fmt.Errorf("failed to refresh heartbeat %s: %w", w.activeKy, err)
	}
	return nil
}

// IsActive reports whether the heartbeat is alive.
func (w *Workflow) IsActive(ctx context.Context) (bool, error) {
	ok, err := w.c.store.Exists(ctx, w.activeKy)
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat %s: %w", w.activeKy, err)
	}
	return ok, nil
}

// InFlight reports whether the workflow is fenced or heartbeating.
func (w *Workflow) InFlight(ctx context.Context) (bool, error) {
	fenced, err := w.Fenced(ctx)
	if err != nil || fenced {
		return fenced, err
	}
	return w.IsActive(ctx)
}

// Reset removes every key of the workflow.
func (w *Workflow) Reset(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, w.c.tracer, "coordination.workflow.reset", w.attrs("reset"), func(ctx context.Context) error {
		if err := w.SetFence(ctx, nil); err != nil {
			return err
		}
		for _, key := range []string{w.tasksKey, w.activeKy} {
			if err := w.c.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
		}
		return nil
	})
}
