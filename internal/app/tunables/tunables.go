// Package tunables exposes runtime parameters that operators can change in the
// key-value store without a redeploy.
package tunables

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/coordination"
	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// Keys of the hot-reloadable parameters.
const (
	KeyBeatMultiplier          = "beat_multiplier"
	KeyRepeatedErrorThreshold  = "repeated_error_threshold"
	KeyCheckpointRetentionDays = "checkpoint_retention_days"
	KeyMaxCheckpointSizeBytes  = "max_checkpoint_size_bytes"
)

// Defaults apply when a key is missing, unparsable or non-positive.
type Defaults struct {
	BeatMultiplier          float64
	RepeatedErrorThreshold  int
	CheckpointRetentionDays int
	MaxCheckpointSizeBytes  int64
}

// DefaultValues returns the defaults for single tenant (cloud false) or
// multi-tenant deployments.
func DefaultValues(cloud bool) Defaults {
	d := Defaults{
		BeatMultiplier:          1.0,
		RepeatedErrorThreshold:  5,
		CheckpointRetentionDays: 7,
		MaxCheckpointSizeBytes:  indexing.DefaultMaxCheckpointSize,
	}
	if cloud {
		d.BeatMultiplier = 8.0
	}
	return d
}

// Source provides the current value of every tunable.
type Source interface {
	BeatMultiplier(ctx context.Context) float64
	RepeatedErrorThreshold(ctx context.Context) int
	CheckpointRetention(ctx context.Context) time.Duration
	MaxCheckpointSize(ctx context.Context) int64
}

var (
	_ Source = (*KVSource)(nil)
	_ Source = Static{}
)

// KVSource reads every tunable from the key-value store on each call.
type KVSource struct {
	store    coordination.Store
	defaults Defaults
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewKVSource creates a KVSource falling back to defaults.
func NewKVSource(store coordination.Store, defaults Defaults, logger *logger.Logger, tracer trace.Tracer) *KVSource {
	return &KVSource{
		store:    store,
		defaults: defaults,
		logger:   logger.With("component", "tunables"),
		tracer:   tracer,
	}
}

// BeatMultiplier scales every beat interval.
func (s *KVSource) BeatMultiplier(ctx context.Context) float64 {
	raw, ok := s.read(ctx, KeyBeatMultiplier)
	if !ok {
		return s.defaults.BeatMultiplier
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		s.logger.Warn(ctx, "invalid beat multiplier, falling back to 1.0", "value", raw)
		return 1.0
	}
	return v
}

// RepeatedErrorThreshold is the number of consecutive failures flagging a pair.
func (s *KVSource) RepeatedErrorThreshold(ctx context.Context) int {
	return int(s.readInt(ctx, KeyRepeatedErrorThreshold, int64(s.defaults.RepeatedErrorThreshold)))
}

// CheckpointRetention is how long checkpoints outlive their attempt's last update.
func (s *KVSource) CheckpointRetention(ctx context.Context) time.Duration {
	days := s.readInt(ctx, KeyCheckpointRetentionDays, int64(s.defaults.CheckpointRetentionDays))
	return time.Duration(days) * 24 * time.Hour
}

// MaxCheckpointSize is the approximate checkpoint content size limit in bytes.
func (s *KVSource) MaxCheckpointSize(ctx context.Context) int64 {
	return s.readInt(ctx, KeyMaxCheckpointSizeBytes, s.defaults.MaxCheckpointSizeBytes)
}

// Set stores a tunable value.
func (s *KVSource) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, key, value, 0)
}

func (s *KVSource) readInt(ctx context.Context, key string, def int64) int64 {
	raw, ok := s.read(ctx, key)
	if !ok {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		s.logger.Warn(ctx, "invalid tunable value, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func (s *KVSource) read(ctx context.Context, key string) (string, bool) {
	ctx, span := s.tracer.Start(ctx, "tunables.read", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "failed to read tunable, using default", "key", key, "error", err)
		return "", false
	}
	return raw, ok
}

// Static serves fixed values.
type Static struct {
	Multiplier     float64
	ErrorThreshold int
	RetentionDays  int
	MaxSizeBytes   int64
}

// StaticFrom serves d without consulting any store.
func StaticFrom(d Defaults) Static {
	return Static{
		Multiplier:     d.BeatMultiplier,
		ErrorThreshold: d.RepeatedErrorThreshold,
		RetentionDays:  d.CheckpointRetentionDays,
		MaxSizeBytes:   d.MaxCheckpointSizeBytes,
	}
}

func (s Static) BeatMultiplier(context.Context) float64 {
	if s.Multiplier <= 0 {
		return 1.0
	}
	return s.Multiplier
}

func (s Static) RepeatedErrorThreshold(context.Context) int { return s.ErrorThreshold }

func (s Static) CheckpointRetention(context.Context) time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (s Static) MaxCheckpointSize(context.Context) int64 { return s.MaxSizeBytes }
