package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ahrav/index-armada/internal/domain/coordination"
)

// FenceHandler inspects one fenced workflow during a monitor tick.
type FenceHandler interface {
	HandleFence(ctx context.Context, wf *Workflow, payload *coordination.FencePayload) error
}

// FenceHandlerFunc adapts a function to FenceHandler.
type FenceHandlerFunc func(ctx context.Context, wf *Workflow, payload *coordination.FencePayload) error

func (f FenceHandlerFunc) HandleFence(ctx context.Context, wf *Workflow, payload *coordination.FencePayload) error {
	return f(ctx, wf, payload)
}

// Monitor walks the active fence index and hands each workflow to the handler
// registered for its kind.
type Monitor struct {
	coord    *Coordinator
	handlers map[coordination.Kind]FenceHandler
}

// NewMonitor creates a Monitor.
func NewMonitor(coord *Coordinator) *Monitor {
	return &Monitor{coord: coord, handlers: make(map[coordination.Kind]FenceHandler)}
}

// Register installs h for kind, replacing any previous handler.
func (m *Monitor) Register(kind coordination.Kind, h FenceHandler) { m.handlers[kind] = h }

// Tick runs one monitoring pass. A failing workflow does not stop the pass;
// all handler errors are joined into the result.
func (m *Monitor) Tick(ctx context.Context) error {
	ctx, span := m.coord.tracer.Start(ctx, "coordination.monitor.tick")
	defer span.End()

	members, err := m.coord.store.SMembers(ctx, coordination.ActiveFencesKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active fences")
		return fmt.Errorf("failed to list active fences: %w", err)
	}
	span.SetAttributes(attribute.Int("fences", len(members)))

	var errs []error
	for _, key := range members {
		tenantID, kind, entityID, ok := coordination.ParseScopedFenceKey(key)
		if !ok {
			m.coord.logger.Warn(ctx, "ignoring malformed fence key", "key", key)
			continue
		}
		wf := m.coord.Workflow(kind, tenantID, entityID)

		payload, err := wf.Payload(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if payload == nil {
			// Fence cleared without unindexing; drop the stale entry.
			if err := m.coord.store.SRem(ctx, coordination.ActiveFencesKey, key); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		h, ok := m.handlers[kind]
		if !ok {
			continue
		}
		if err := h.HandleFence(ctx, wf, payload); err != nil {
			m.coord.logger.Error(ctx, "fence handler failed",
				"kind", kind, "tenant_id", tenantID, "entity_id", entityID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "monitor tick had failures")
		return err
	}
	return nil
}

// DefaultGenerationTimeout bounds how long a fence may exist before its units
// are generated, unless the generator is still heartbeating.
const DefaultGenerationTimeout = 10 * time.Minute

// FanOutCompletionHandler finalizes a fan-out workflow once every unit has
// been removed from its taskset.
type FanOutCompletionHandler struct {
	// OnComplete runs before the fence is cleared. Returning an error keeps
	// the fence so the next tick retries.
	OnComplete func(ctx context.Context, wf *Workflow, payload *coordination.FencePayload) error
	// GenerationTimeout resets workflows whose generator died before
	// recording its units. A generator that still refreshes the heartbeat
	// is left alone. Zero uses DefaultGenerationTimeout.
	GenerationTimeout time.Duration
}

var _ FenceHandler = (*FanOutCompletionHandler)(nil)

// HandleFence implements FenceHandler.
func (h *FanOutCompletionHandler) HandleFence(ctx context.Context, wf *Workflow, payload *coordination.FencePayload) error {
	log := wf.c.logger.With("kind", wf.Kind, "tenant_id", wf.TenantID, "entity_id", wf.EntityID)

	if payload.StartedAt == nil {
		timeout := h.GenerationTimeout
		if timeout <= 0 {
			timeout = DefaultGenerationTimeout
		}
		if wf.c.timeProvider.Now().Sub(payload.SubmittedAt) < timeout {
			return nil
		}
		generating, err := wf.IsActive(ctx)
		if err != nil {
			return err
		}
		if generating {
			log.Debug(ctx, "unit generation past timeout but still progressing", "submitted_at", payload.SubmittedAt)
			return nil
		}
		log.Warn(ctx, "unit generation never finished, resetting workflow", "submitted_at", payload.SubmittedAt)
		return wf.Reset(ctx)
	}

	remaining, err := wf.Remaining(ctx)
	if err != nil {
		return err
	}
	if remaining > 0 {
		log.Debug(ctx, "fan-out in progress", "remaining", remaining, "expected", payload.ExpectedUnitCount)
		return nil
	}

	if h.OnComplete != nil {
		if err := h.OnComplete(ctx, wf, payload); err != nil {
			return fmt.Errorf("completion failed: %w", err)
		}
	}
	log.Info(ctx, "fan-out complete", "units", payload.ExpectedUnitCount)
	return wf.Reset(ctx)
}
