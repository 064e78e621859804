// Package workerpool runs jobs in isolated child processes with a bounded
// number of concurrent workers.
package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/pkg/common/logger"
)

// ErrPoolAtCapacity is returned by Submit when every worker slot is taken.
// Callers retry on their next scheduling tick.
var ErrPoolAtCapacity = errors.New("worker pool at capacity")

// DefaultMaxWorkers is the pool size used when none is configured.
const DefaultMaxWorkers = 4

// Config describes how child processes are started.
type Config struct {
	MaxWorkers int
	// Command and Args start a child that calls RunChild.
	Command string
	Args    []string
	// Env is appended to the parent's environment.
	Env []string
	// Output receives the children's stdout and stderr. Defaults to os.Stderr.
	Output io.Writer
}

// Pool launches one fresh process per job. Each child starts from a clean
// state: no inherited connections, caches or goroutines.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	active map[string]*JobHandle

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPool creates a Pool.
func NewPool(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return &Pool{
		cfg:    cfg,
		active: make(map[string]*JobHandle),
		logger: logger.With("component", "worker_pool"),
		tracer: tracer,
	}, nil
}

// Submit starts spec in a new process. It never blocks waiting for a slot:
// when the pool is full it returns ErrPoolAtCapacity and a nil handle.
// Finished handles are reaped here rather than by a background sweeper.
func (p *Pool) Submit(ctx context.Context, spec JobSpec) (*JobHandle, error) {
	ctx, span := p.tracer.Start(ctx, "workerpool.submit",
		trace.WithAttributes(
			attribute.String("func", spec.Func),
			attribute.String("tenant_id", spec.TenantID),
			attribute.Int("max_workers", p.cfg.MaxWorkers),
		))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.reapLocked()
	span.SetAttributes(attribute.Int("active_jobs", len(p.active)))
	if len(p.active) >= p.cfg.MaxWorkers {
		span.SetStatus(codes.Error, "pool at capacity")
		return nil, ErrPoolAtCapacity
	}

	if spec.JobID == "" {
		spec.JobID = uuid.NewString()
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode job spec")
		return nil, fmt.Errorf("failed to encode job spec: %w", err)
	}

	backR, backW, err := os.Pipe()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create back-channel")
		return nil, fmt.Errorf("failed to create back-channel pipe: %w", err)
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env, "INDEXER_JOB_TENANT_ID="+spec.TenantID, "INDEXER_JOB_ID="+spec.JobID)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = p.cfg.Output
	cmd.Stderr = p.cfg.Output
	cmd.ExtraFiles = []*os.File{backW} // fd 3 in the child

	h := newJobHandle(spec, cmd)
	if err := cmd.Start(); err != nil {
		backR.Close()
		backW.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start worker process")
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	// The child holds its own copy; closing ours lets reads see EOF on exit.
	backW.Close()

	h.markStarted()
	go h.wait(backR)

	p.active[spec.JobID] = h
	span.SetAttributes(attribute.String("job_id", spec.JobID), attribute.Int("pid", cmd.Process.Pid))
	p.logger.Info(ctx, "worker process started",
		"job_id", spec.JobID,
		"func", spec.Func,
		"tenant_id", spec.TenantID,
		"pid", cmd.Process.Pid,
	)
	return h, nil
}

func (p *Pool) reapLocked() {
	for id, h := range p.active {
		if h.isDone() {
			delete(p.active, id)
		}
	}
}

// ActiveJobs returns the number of tracked handles, including finished ones
// not yet reaped by Submit.
func (p *Pool) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// MaxWorkers returns the configured concurrency limit.
func (p *Pool) MaxWorkers() int { return p.cfg.MaxWorkers }

// Shutdown cancels every running job and waits for them to exit or for ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	handles := make([]*JobHandle, 0, len(p.active))
	for _, h := range p.active {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			h.Kill()
			return err
		}
	}
	return nil
}
