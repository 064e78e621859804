// Package coordination tracks in-flight fan-out workflows in the key-value
// store: a fence marks a workflow as running, a taskset holds its
// outstanding units, and an active key carries the heartbeat.
package coordination

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

const (
	// DefaultActiveTTL is how long a heartbeat survives without refresh.
	DefaultActiveTTL = time.Hour
	// DefaultStopTimeout is how long a cooperative stop may take before the
	// worker is terminated.
	DefaultStopTimeout = 300 * time.Second
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithActiveTTL overrides DefaultActiveTTL.
func WithActiveTTL(d time.Duration) Option { return func(c *Coordinator) { c.activeTTL = d } }

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option { return func(c *Coordinator) { c.stopTimeout = d } }

// WithTimeProvider replaces the wall clock.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(c *Coordinator) { c.timeProvider = tp }
}

// Coordinator hands out Workflow and StopSignal views over a shared store.
type Coordinator struct {
	store coordination.Store

	activeTTL    time.Duration
	stopTimeout  time.Duration
	timeProvider timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store coordination.Store, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		activeTTL:    DefaultActiveTTL,
		stopTimeout:  DefaultStopTimeout,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "coordinator"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the underlying key-value store.
func (c *Coordinator) Store() coordination.Store { return c.store }

// Workflow returns the view of one workflow instance.
func (c *Coordinator) Workflow(kind coordination.Kind, tenantID, entityID string) *Workflow {
	return &Workflow{
		Kind:     kind,
		TenantID: tenantID,
		EntityID: entityID,
		c:        c,
		fenceKey: coordination.TenantKey(tenantID, coordination.FenceKey(kind, entityID)),
		tasksKey: coordination.TenantKey(tenantID, coordination.TasksetKey(kind, entityID)),
		activeKy: coordination.TenantKey(tenantID, coordination.ActiveKey(kind, entityID)),
	}
}

// StopSignal returns the stop request view of one workflow instance.
func (c *Coordinator) StopSignal(kind coordination.Kind, tenantID, entityID string) *StopSignal {
	return &StopSignal{
		c:          c,
		fenceKey:   coordination.TenantKey(tenantID, coordination.StopFenceKey(kind, entityID)),
		timeoutKey: coordination.TenantKey(tenantID, coordination.StopTimeoutKey(kind, entityID)),
	}
}
