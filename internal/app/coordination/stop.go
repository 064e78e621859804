package coordination

import (
	"context"
	"fmt"
)

// StopSignal is a cooperative stop request for a workflow. A worker polls
// Requested between batches; the supervisor terminates the worker once
// TimedOut reports true.
type StopSignal struct {
	c          *Coordinator
	fenceKey   string
	timeoutKey string
}

// Request asks the workflow to stop and starts the stop timer.
func (s *StopSignal) Request(ctx context.Context) error {
	if err := s.c.store.Set(ctx, s.fenceKey, "1", 0); err != nil {
		return fmt.Errorf("failed to set stop fence: %w", err)
	}
	if err := s.c.store.Set(ctx, s.timeoutKey, "1", s.c.stopTimeout); err != nil {
		return fmt.Errorf("failed to set stop timeout: %w", err)
	}
	s.c.logger.Info(ctx, "stop requested", "key", s.fenceKey)
	return nil
}

// Requested reports whether a stop is pending.
func (s *StopSignal) Requested(ctx context.Context) (bool, error) {
	ok, err := s.c.store.Exists(ctx, s.fenceKey)
	if err != nil {
		return false, fmt.Errorf("failed to check stop fence: %w", err)
	}
	return ok, nil
}

// TimedOut reports whether a pending stop outlived its timer.
func (s *StopSignal) TimedOut(ctx context.Context) (bool, error) {
	requested, err := s.Requested(ctx)
	if err != nil || !requested {
		return false, err
	}
	running, err := s.c.store.Exists(ctx, s.timeoutKey)
	if err != nil {
		return false, fmt.Errorf("failed to check stop timeout: %w", err)
	}
	return !running, nil
}

// Clear withdraws the stop request.
func (s *StopSignal) Clear(ctx context.Context) error {
	for _, key := range []string{s.fenceKey, s.timeoutKey} {
		if err := s.c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to clear %s: %w", key, err)
		}
	}
	return nil
}
