// Package telemetry initializes OpenTelemetry tracing and metrics exporters.
//
// With an OTLP endpoint configured, traces and metrics are pushed over OTLP
// HTTP. Otherwise, when a metrics address is set, metrics are exposed in
// Prometheus format on that address. With neither, the global no-op
// providers stay in place.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/iambrandonn/powblocks/internal/logging"
)

const instrumentationName = "github.com/iambrandonn/powblocks"

// Config selects and configures the exporters.
type Config struct {
	ServiceName string
	Version     string

	// OTLPEndpoint is host:port of an OTLP HTTP collector.
	OTLPEndpoint string
	Insecure     bool

	// MetricsAddr serves Prometheus metrics at /metrics when no OTLP
	// endpoint is configured.
	MetricsAddr string
}

// Provider holds the configured tracer and meter and knows how to shut the
// exporters down.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Handler serves Prometheus metrics; nil unless the Prometheus exporter
	// is in use.
	Handler http.Handler

	// MetricsAddr is the address the metrics server actually listens on.
	MetricsAddr string

	shutdown []func(context.Context) error
	logger   zerolog.Logger
}

// Init configures the global OpenTelemetry providers according to cfg.
// Shutdown must be called during graceful shutdown.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "powblocks"
	}
	p := &Provider{logger: logging.Component("telemetry")}

	switch {
	case cfg.OTLPEndpoint != "":
		if err := p.initOTLP(ctx, cfg); err != nil {
			return nil, err
		}
	case cfg.MetricsAddr != "":
		if err := p.initPrometheus(ctx, cfg); err != nil {
			return nil, err
		}
	}

	p.Tracer = otel.Tracer(instrumentationName)
	p.Meter = otel.Meter(instrumentationName)
	return p, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

func (p *Provider) initOTLP(ctx context.Context, cfg Config) error {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return err
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)
	p.logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("exporting telemetry over OTLP")
	return nil
}

func (p *Provider) initPrometheus(ctx context.Context, cfg Config) error {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	p.Handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	p.shutdown = append(p.shutdown, mp.Shutdown)

	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return fmt.Errorf("telemetry: listen on %s: %w", cfg.MetricsAddr, err)
	}
	p.MetricsAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	p.shutdown = append(p.shutdown, srv.Shutdown)

	p.logger.Info().Str("addr", p.MetricsAddr).Msg("serving prometheus metrics")
	return nil
}

// Shutdown flushes and stops every exporter, returning the first error.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.shutdown = nil
	return firstErr
}
