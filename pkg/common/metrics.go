package common

import (
	"net/http"
	"sync/atomic"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewOpsServer builds the operational HTTP server exposing prometheus metrics,
// the statsviz runtime dashboard and liveness/readiness probes.
func NewOpsServer(addr string, ready *atomic.Bool) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := statsviz.Register(mux, statsviz.Root("/debug/statsviz")); err != nil {
		return nil, err
	}
	registerHealth(mux, ready)

	return &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(mux, "ops"),
	}, nil
}
