package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// DiagnosticsServer exposes health, readiness, and Prometheus metrics
// endpoints over HTTP. One-shot CLI runs exit too quickly to be worth
// scraping; the MCP server starts this when given a metrics address.
type DiagnosticsServer struct {
	server   *http.Server
	listener net.Listener
}

// NewDiagnosticsServer binds addr and serves /healthz, /readyz, and
// /metrics until Close. Readiness runs the given checks on every
// probe. A nil tracer disables per-request spans.
func NewDiagnosticsServer(addr, version string, tracer trace.Tracer, logger *slog.Logger, checks ...ReadyCheck) (*DiagnosticsServer, error) {
	handler, err := diagnosticsHandler(version, tracer, logger, checks)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: handler}

	go serveUntilClosed(srv, listener)

	return &DiagnosticsServer{server: srv, listener: listener}, nil
}

// diagnosticsHandler assembles the scrape mux. Runtime scheduler
// metrics are registered on the Prometheus pipeline here so goroutine
// counts of long-lived coordination waits show up in scrapes.
func diagnosticsHandler(version string, tracer trace.Tracer, logger *slog.Logger, checks []ReadyCheck) (http.Handler, error) {
	metricsHandler, meter, err := PrometheusHandler()
	if err != nil {
		return nil, fmt.Errorf("create prometheus handler: %w", err)
	}

	_, err = NewSchedulerMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("register scheduler metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthHandler(version))
	mux.Handle("/readyz", ReadyHandler(checks...))
	mux.Handle("/metrics", metricsHandler)

	if tracer == nil {
		return mux, nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	return HTTPMiddleware(tracer, logger, mux), nil
}

func serveUntilClosed(srv *http.Server, listener net.Listener) {
	err := srv.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("diagnostics server stopped", "error", err)
	}
}

// Addr reports the bound listen address, useful when addr was ":0".
func (d *DiagnosticsServer) Addr() string {
	return d.listener.Addr().String()
}

// Close drains in-flight scrapes and stops the listener.
func (d *DiagnosticsServer) Close() error {
	err := d.server.Shutdown(context.Background())
	if err != nil {
		return fmt.Errorf("shutdown diagnostics server: %w", err)
	}

	return nil
}
