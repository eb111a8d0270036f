// Package telemetry installs the OpenTelemetry providers the runtime's
// tracers and meters report to.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sbl8/planrt/config"
	"github.com/sbl8/planrt/core"
)

// ServiceName identifies planrt in exported telemetry.
const ServiceName = "planrt"

// Telemetry owns the installed providers.
type Telemetry struct {
	shutdown []func(context.Context) error
	handler  http.Handler
	server   *http.Server
}

// Init installs trace and metric providers as selected by cfg. Stdout
// exporters write to w. With every exporter set to none it installs nothing
// and the global no-op providers stay in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) (*Telemetry, error) {
	t := &Telemetry{}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", ServiceName),
	)

	switch cfg.Traces {
	case "", "none":
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	default:
		return nil, fmt.Errorf("%w: unknown trace exporter %q", core.ErrInvalidArgument, cfg.Traces)
	}

	switch cfg.Metrics {
	case "", "none":
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, t.abort(ctx, fmt.Errorf("create metric exporter: %w", err))
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(mp)
		t.shutdown = append(t.shutdown, mp.Shutdown)
	case "prometheus":
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, t.abort(ctx, fmt.Errorf("create prometheus exporter: %w", err))
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)
		t.shutdown = append(t.shutdown, mp.Shutdown)
		t.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	default:
		return nil, t.abort(ctx, fmt.Errorf("%w: unknown metric exporter %q", core.ErrInvalidArgument, cfg.Metrics))
	}
	return t, nil
}

func (t *Telemetry) abort(ctx context.Context, err error) error {
	return errors.Join(err, t.Shutdown(ctx))
}

// MetricsHandler returns the /metrics handler, or nil unless Prometheus
// metrics are enabled.
func (t *Telemetry) MetricsHandler() http.Handler { return t.handler }

// ServeMetrics serves MetricsHandler on addr until Shutdown. It returns the
// bound address.
func (t *Telemetry) ServeMetrics(addr string) (string, error) {
	if t.handler == nil {
		return "", fmt.Errorf("%w: prometheus metrics are not enabled", core.ErrInvalidState)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.handler)
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = t.server.Serve(ln) }()
	return ln.Addr().String(), nil
}

// Shutdown flushes and stops every provider and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		t.server = nil
	}
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
