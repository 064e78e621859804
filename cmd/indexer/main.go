package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/index-armada/internal/config"
	"github.com/ahrav/index-armada/pkg/common/logger"
	"github.com/ahrav/index-armada/pkg/common/otel"
)

func main() {
	_, _ = maxprocs.Set()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Connector indexing control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to indexer.yaml")

	root.AddCommand(
		newControllerCmd(&cfgPath),
		newAttemptCmd(&cfgPath),
		newMigrateCmd(&cfgPath),
	)
	return root
}

// runtime is the process-wide state shared by every subcommand.
type runtime struct {
	cfg      *config.Config
	hostname string
	log      *logger.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	teardown func(ctx context.Context)
}

func setup(ctx context.Context, cfgPath, serviceType string) (*runtime, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return nil, err
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
			}
			for k, v := range otel.SpanFields(ctx) {
				errorAttrs[k] = v
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("INDEXER-%s-%s", serviceType, hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	log := logger.NewWithMetadata(os.Stdout, parseLevel(cfg.LogLevel), svcName, traceIDFn, logEvents, metadata)

	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
			"/metrics":      {},
		},
		Probability: 1,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
			"indexer.role":     serviceType,
		},
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		hostname: hostname,
		log:      log,
		tracer:   tp.Tracer(cfg.Telemetry.ServiceName),
		meter:    otelglobal.GetMeterProvider().Meter(cfg.Telemetry.ServiceName),
		teardown: teardown,
	}, nil
}

func parseLevel(s string) logger.Level {
	switch s {
	case "info":
		return logger.LevelInfo
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelDebug
	}
}
