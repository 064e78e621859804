// Package config loads the indexer configuration from defaults, an optional
// YAML file and INDEXER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// Config is the complete process configuration.
type Config struct {
	// MultiTenant enables per-tenant fan-out of beat tasks and tenant-scoped keys.
	MultiTenant bool   `mapstructure:"multi_tenant"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Postgres       PostgresConfig       `mapstructure:"postgres"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Blob           BlobConfig           `mapstructure:"blob"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Beat           BeatConfig           `mapstructure:"beat"`
	Coordination   CoordinationConfig   `mapstructure:"coordination"`
	Resume         ResumeConfig         `mapstructure:"resume"`
	Tunables       TunablesConfig       `mapstructure:"tunables"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
}

// PostgresConfig locates the run history database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
}

// RedisConfig locates the key-value store used for fences, locks and tunables.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// BlobConfig selects the checkpoint blob store.
type BlobConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=minio memory"`
	Endpoint  string `mapstructure:"endpoint" validate:"required_if=Backend minio"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Backend minio"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// KafkaConfig configures the task queue.
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers" validate:"required,min=1,dive,required"`
	GroupID        string        `mapstructure:"group_id" validate:"required"`
	ClientID       string        `mapstructure:"client_id" validate:"required"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	HandlerRetries uint64        `mapstructure:"handler_retries"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

// WorkerConfig sizes the worker process pool.
type WorkerConfig struct {
	MaxWorkers    int           `mapstructure:"max_workers" validate:"gte=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	WatchInterval time.Duration `mapstructure:"watch_interval" validate:"gt=0"`
}

// BeatConfig drives the periodic task scheduler.
type BeatConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	MultiplierRefresh time.Duration `mapstructure:"multiplier_refresh" validate:"gt=0"`
	// TemplatesFile optionally overrides the built-in beat templates.
	TemplatesFile string `mapstructure:"templates_file"`
	// TenantRate paces per-tenant task generation; zero is unlimited.
	TenantRate float64 `mapstructure:"tenant_rate" validate:"gte=0"`
}

// CoordinationConfig tunes fences, heartbeats and stop handling.
type CoordinationConfig struct {
	ActiveTTL         time.Duration `mapstructure:"active_ttl" validate:"gt=0"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout" validate:"gt=0"`
	DeletionBatchSize int           `mapstructure:"deletion_batch_size" validate:"gte=1"`
}

// ResumeConfig tunes when a new attempt resumes a failed attempt's checkpoint.
type ResumeConfig struct {
	// ConsiderLimit is how many recent terminal attempts are inspected. When
	// all of them are resumable failures the next attempt starts fresh.
	ConsiderLimit int `mapstructure:"consider_limit" validate:"gte=1"`
	// MinDocsForResume is the progress a failed attempt must exceed.
	MinDocsForResume int `mapstructure:"min_docs_for_resume" validate:"gte=1"`
}

// TunablesConfig holds the fallbacks used when a hot tunable is missing from
// the key-value store.
type TunablesConfig struct {
	BeatMultiplier          float64 `mapstructure:"beat_multiplier" validate:"gt=0"`
	RepeatedErrorThreshold  int     `mapstructure:"repeated_error_threshold" validate:"gte=1"`
	CheckpointRetentionDays int     `mapstructure:"checkpoint_retention_days" validate:"gte=1"`
	// MaxCheckpointSize is a human readable size such as "200 MiB".
	MaxCheckpointSize string `mapstructure:"max_checkpoint_size" validate:"required"`
}

// MaxCheckpointSizeBytes parses MaxCheckpointSize.
func (t TunablesConfig) MaxCheckpointSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(t.MaxCheckpointSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_checkpoint_size %q: %w", t.MaxCheckpointSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("max_checkpoint_size must be positive")
	}
	return int64(n), nil
}

// LeaderElectionConfig configures the Kubernetes lease used by the beat.
type LeaderElectionConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Namespace  string `mapstructure:"namespace" validate:"required_if=Enabled true"`
	LeaseName  string `mapstructure:"lease_name" validate:"required_if=Enabled true"`
	Identity   string `mapstructure:"identity"`
	KubeConfig string `mapstructure:"kube_config"`
}

// TelemetryConfig configures tracing, metrics export and the ops server.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name" validate:"required"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OpsAddr      string `mapstructure:"ops_addr" validate:"required"`
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and derived values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := c.Tunables.MaxCheckpointSizeBytes(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
