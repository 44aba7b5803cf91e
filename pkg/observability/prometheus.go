package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusHandler builds a self-contained scrape pipeline: an OTel
// meter whose instruments surface on the returned [http.Handler]. The
// diagnostics server mounts the handler at /metrics and registers
// runtime scheduler metrics on the meter. Each call gets its own
// Prometheus registry, so independent pipelines never collide.
func PrometheusHandler() (http.Handler, metric.Meter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter(scopeName)
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return handler, meter, nil
}
