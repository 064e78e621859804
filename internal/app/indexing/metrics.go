package indexing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/index-armada/internal/domain/indexing"
)

// Metrics records indexing activity.
type Metrics struct {
	dispatched metric.Int64Counter
	rejected   metric.Int64Counter
	finished   metric.Int64Counter
	batches    metric.Int64Counter
	documents  metric.Int64Counter
	failures   metric.Int64Counter
	checkpoint metric.Int64Histogram
}

// NewMetrics creates the indexing instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.dispatched, err = meter.Int64Counter("indexing.attempts.dispatched",
		metric.WithDescription("Attempts handed to the worker pool")); err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("indexing.attempts.rejected",
		metric.WithDescription("Attempts canceled because the worker pool was full")); err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}
	if m.finished, err = meter.Int64Counter("indexing.attempts.finished",
		metric.WithDescription("Attempts that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}
	if m.batches, err = meter.Int64Counter("indexing.batches.processed",
		metric.WithDescription("Connector batches processed")); err != nil {
		return nil, fmt.Errorf("failed to create batches counter: %w", err)
	}
	if m.documents, err = meter.Int64Counter("indexing.documents.indexed",
		metric.WithDescription("Documents written to the document store")); err != nil {
		return nil, fmt.Errorf("failed to create documents counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("indexing.documents.failed",
		metric.WithDescription("Per-document failures reported by connectors")); err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}
	if m.checkpoint, err = meter.Int64Histogram("indexing.checkpoint.size",
		metric.WithDescription("Approximate checkpoint size"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint histogram: %w", err)
	}
	return &m, nil
}

// ObservePool reports worker pool occupancy through an asynchronous gauge.
func (m *Metrics) ObservePool(meter metric.Meter, active func() int, capacity int) error {
	_, err := meter.Int64ObservableGauge("indexing.pool.active",
		metric.WithDescription("Worker processes currently tracked by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(active()), metric.WithAttributes(attribute.Int("capacity", capacity)))
			return nil
		}))
	return err
}

func (m *Metrics) attemptDispatched(ctx context.Context, tenantID string) {
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

func (m *Metrics) attemptRejected(ctx context.Context, tenantID string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

func (m *Metrics) attemptFinished(ctx context.Context, status indexing.AttemptStatus) {
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *Metrics) batchProcessed(ctx context.Context, source string, docs, failures int) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.batches.Add(ctx, 1, attrs)
	if docs > 0 {
		m.documents.Add(ctx, int64(docs), attrs)
	}
	if failures > 0 {
		m.failures.Add(ctx, int64(failures), attrs)
	}
}

func (m *Metrics) checkpointSaved(ctx context.Context, size int64) {
	m.checkpoint.Record(ctx, size)
}
