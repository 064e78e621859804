package beat

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/domain/tasks"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/timeutil"
)

// GeneratorPrefix names the system entry that fans a template out to tenants.
const GeneratorPrefix = "cloud_generate_beat_task_"

const (
	DefaultTickInterval      = time.Second
	DefaultMultiplierRefresh = time.Minute
)

// MultiplierSource supplies the beat interval multiplier.
type MultiplierSource interface {
	BeatMultiplier(ctx context.Context) float64
}

// LeaderChecker reports whether this instance should run the beat.
type LeaderChecker interface {
	IsLeader() bool
}

// Config configures a Scheduler.
type Config struct {
	// MultiTenant replaces every template with a generator entry.
	MultiTenant       bool
	TickInterval      time.Duration
	MultiplierRefresh time.Duration
}

type entry struct {
	name     string
	template Template
	lastRun  time.Time
}

// Scheduler enqueues templates on their effective intervals. It runs a
// single goroutine and does nothing while another instance leads; a
// duplicate beat is harmless because every task is guarded downstream.
type Scheduler struct {
	cfg        Config
	entries    []*entry
	enqueuer   tasks.Enqueuer
	multiplier MultiplierSource
	leader     LeaderChecker

	currentMultiplier float64
	refreshedAt       time.Time

	timeProvider timeutil.Provider
	enqueued     metric.Int64Counter
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewScheduler creates a Scheduler for templates.
func NewScheduler(
	cfg Config,
	templates []Template,
	enqueuer tasks.Enqueuer,
	multiplier MultiplierSource,
	leader LeaderChecker,
	meter metric.Meter,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Scheduler, error) {
	if err := ValidateTemplates(templates); err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MultiplierRefresh <= 0 {
		cfg.MultiplierRefresh = DefaultMultiplierRefresh
	}

	enqueued, err := meter.Int64Counter("beat.tasks.enqueued",
		metric.WithDescription("Tasks enqueued by the beat scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to create beat counter: %w", err)
	}

	s := &Scheduler{
		cfg:               cfg,
		enqueuer:          enqueuer,
		multiplier:        multiplier,
		leader:            leader,
		currentMultiplier: 1.0,
		timeProvider:      timeutil.Default(),
		enqueued:          enqueued,
		logger:            logger.With("component", "beat_scheduler"),
		tracer:            tracer,
	}
	for _, t := range templates {
		name := t.Name
		if cfg.MultiTenant {
			name = GeneratorPrefix + t.Name
		}
		s.entries = append(s.entries, &entry{name: name, template: t})
	}
	return s, nil
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "beat scheduler started", "entries", len(s.entries), "multi_tenant", s.cfg.MultiTenant)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "beat scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues every due entry.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.leader.IsLeader() {
		return
	}

	now := s.timeProvider.Now()
	if s.refreshedAt.IsZero() || now.Sub(s.refreshedAt) >= s.cfg.MultiplierRefresh {
		m := s.multiplier.BeatMultiplier(ctx)
		if m <= 0 {
			m = 1.0
		}
		if m != s.currentMultiplier {
			s.logger.Info(ctx, "beat multiplier changed", "from", s.currentMultiplier, "to", m)
		}
		s.currentMultiplier = m
		s.refreshedAt = now
	}

	for _, e := range s.entries {
		if !e.lastRun.IsZero() && now.Sub(e.lastRun) < s.EffectiveInterval(e.template) {
			continue
		}
		if err := s.fire(ctx, e, now); err != nil {
			s.logger.Error(ctx, "failed to enqueue beat task", "entry", e.name, "error", err)
			continue
		}
		e.lastRun = now
	}
}

// EffectiveInterval is the template interval scaled by the current multiplier.
func (s *Scheduler) EffectiveInterval(t Template) time.Duration {
	return time.Duration(float64(t.Interval) * s.currentMultiplier)
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "beat.scheduler.fire",
		trace.WithAttributes(attribute.String("entry", e.name)))
	defer span.End()

	var task tasks.Task
	if s.cfg.MultiTenant {
		task = tasks.NewTask(tasks.KindGenerateBeatTask, "", tasks.QueuePrimary, tasks.PriorityHigh,
			map[string]any{"template": e.template.Name}, now, e.template.Expires)
	} else {
		t := e.template
		task = tasks.NewTask(t.Task, indexing.DefaultTenantID, t.Queue, tasks.ParsePriority(t.Priority), t.Args, now, t.Expires)
	}

	if err := s.enqueuer.Enqueue(ctx, task); err != nil {
		span.RecordError(err)
		return err
	}
	s.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", e.name)))
	return nil
}
