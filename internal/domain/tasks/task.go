// Package tasks defines the distributed task queue contract shared by the beat
// scheduler, the dispatchers and the queue transport.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the handler a task is routed to.
type Kind string

const (
	KindCheckForIndexing           Kind = "check_for_indexing"
	KindMonitorBackgroundProcesses Kind = "monitor_background_processes"
	KindCheckForConnectorDeletion  Kind = "check_for_connector_deletion"
	KindConnectorDeletionUnit      Kind = "connector_deletion_unit"
	KindCleanupCheckpoints         Kind = "cleanup_checkpoints"

	// KindGenerateBeatTask is the system task that fans a template out to
	// every active tenant.
	KindGenerateBeatTask Kind = "cloud_generate_beat_task"
)

func (k Kind) String() string { return string(k) }

// Priority orders tasks within a queue.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a configured priority name, defaulting to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Queue names.
const (
	QueuePrimary         = "primary"
	QueueDeletion        = "connector_deletion"
	QueueCheckpointClean = "checkpoint_cleanup"
)

// ErrUnknownKind is returned when no handler is registered for a task kind.
var ErrUnknownKind = errors.New("unknown task kind")

// Task is one unit of queued work.
type Task struct {
	ID         string
	Kind       Kind
	TenantID   string
	Queue      string
	Priority   Priority
	Args       map[string]any
	EnqueuedAt time.Time
	// ExpiresAt is zero when the task never expires.
	ExpiresAt time.Time
}

// NewTask builds a task with a fresh ID. A positive expires sets ExpiresAt
// relative to now.
func NewTask(kind Kind, tenantID, queue string, priority Priority, args map[string]any, now time.Time, expires time.Duration) Task {
	t := Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		TenantID:   tenantID,
		Queue:      queue,
		Priority:   priority,
		Args:       args,
		EnqueuedAt: now,
	}
	if expires > 0 {
		t.ExpiresAt = now.Add(expires)
	}
	return t
}

// Expired reports whether the task should be dropped unprocessed.
func (t Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Enqueuer publishes tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler processes a delivered task.
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) error

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task Task) error { return f(ctx, task) }

// Consumer delivers tasks to a handler until ctx is canceled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
