// Package kubernetes provides lease-based leader election.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/index-armada/internal/app/cluster"
	"github.com/ahrav/index-armada/pkg/common/logger"
)

// Config describes the lease used for election.
type Config struct {
	Namespace     string
	LeaseName     string
	Identity      string
	KubeConfig    string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

func (c *Config) applyDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
}

// NewClient returns an in-cluster client, falling back to kubeconfig.
func NewClient(kubeConfig string) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		return kubernetes.NewForConfig(config)
	}

	if kubeConfig == "" {
		kubeConfig = clientcmd.RecommendedHomeFile
	}
	config, err = clientcmd.BuildConfigFromFlags("", kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

// Compile-time check to verify that Coordinator implements the Coordinator interface.
var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator elects a single beat leader using a Kubernetes lease.
type Coordinator struct {
	cfg Config

	elector *leaderelection.LeaderElector

	mu   sync.Mutex
	cb   func(isLeader bool)
	stop context.CancelFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a Coordinator backed by client.
func NewCoordinator(cfg Config, client kubernetes.Interface, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(
			attribute.String("namespace", cfg.Namespace),
			attribute.String("lease", cfg.LeaseName),
			attribute.String("identity", cfg.Identity),
		))
	defer span.End()

	if cfg.LeaseName == "" || cfg.Identity == "" || cfg.Namespace == "" {
		err := errors.New("namespace, lease name and identity are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid config")
		return nil, err
	}
	cfg.applyDefaults()

	c := &Coordinator{
		cfg: cfg,
		logger: logger.With(
			"component", "kubernetes_coordinator",
			"namespace", cfg.Namespace,
			"lease", cfg.LeaseName,
			"identity", cfg.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.Namespace,
		},
		Client:     client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: cfg.Identity},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	c.elector = elector
	return c, nil
}

// Start campaigns for leadership until ctx is canceled or Stop is called.
// Losing the lease puts the instance back into the campaign.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Info(ctx, "starting leader election")
	for ctx.Err() == nil {
		// Run returns when leadership is lost or ctx ends.
		c.elector.Run(ctx)
	}
	return nil
}

// Stop releases the lease and ends Start.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
	}
	return nil
}

// OnLeadershipChange registers a callback that will be invoked when this instance
// gains or loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Coordinator) notify(leader bool) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(leader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading")
	defer span.End()

	c.logger.Info(ctx, "became leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading")
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	c.notify(false)
}
