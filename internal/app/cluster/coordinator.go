// Package cluster defines leader election for singleton duties such as the
// beat scheduler. Leadership is an efficiency measure only: every duty guarded
// by it tolerates running twice.
package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ahrav/index-armada/pkg/common/logger"
)

// Coordinator manages leader election to ensure only one instance actively coordinates work.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

// Leadership tracks the current leadership state reported by a Coordinator.
type Leadership struct{ leader atomic.Bool }

// NewLeadership subscribes to c and returns the tracker.
func NewLeadership(c Coordinator) *Leadership {
	l := new(Leadership)
	c.OnLeadershipChange(l.leader.Store)
	return l
}

// IsLeader reports whether this instance currently holds leadership.
func (l *Leadership) IsLeader() bool { return l.leader.Load() }

var _ Coordinator = (*Standalone)(nil)

// Standalone is a Coordinator for single-instance deployments. It becomes
// leader as soon as it starts and steps down when stopped.
type Standalone struct {
	mu   sync.Mutex
	cb   func(bool)
	stop chan struct{}
	once sync.Once

	logger *logger.Logger
}

// NewStandalone creates a Standalone coordinator.
func NewStandalone(logger *logger.Logger) *Standalone {
	return &Standalone{stop: make(chan struct{}), logger: logger.With("component", "standalone_coordinator")}
}

// Start reports leadership and blocks until ctx is done or Stop is called.
func (s *Standalone) Start(ctx context.Context) error {
	s.notify(true)
	s.logger.Info(ctx, "became leader")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	s.notify(false)
	s.logger.Info(context.Background(), "lost leadership")
	return nil
}

// Stop ends leadership.
func (s *Standalone) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// OnLeadershipChange registers cb.
func (s *Standalone) OnLeadershipChange(cb func(isLeader bool)) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *Standalone) notify(leader bool) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(leader)
	}
}
