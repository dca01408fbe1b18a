// Package telemetry wires OpenTelemetry tracing and metrics export for
// the daemon. When disabled it installs nothing and every accessor
// degrades to the global no-op providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// Config holds telemetry settings.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string // "grpc" or "http"
	Insecure       bool
	TLSSkipVerify  bool
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
	ExportInterval time.Duration
}

// FromObservability builds a telemetry Config from the daemon's
// observability section.
func FromObservability(obs config.ObservabilityConfig, version string) Config {
	return Config{
		Enabled:        obs.EnableTelemetry,
		Endpoint:       obs.OTLPEndpoint,
		Protocol:       obs.OTLPProtocol,
		Insecure:       obs.OTLPInsecure,
		TLSSkipVerify:  obs.OTLPTLSSkipVerify,
		ServiceName:    obs.ServiceName,
		ServiceVersion: version,
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
	}
}

// Telemetry owns the tracer and meter providers and their shutdown.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New initializes providers and installs them as the process globals.
// A disabled config returns a usable no-op instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	if !cfg.Enabled {
		return t, nil
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint is required when enabled")
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("telemetry service name is required when enabled")
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 15 * time.Second
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("tracer provider: %w", err)
	}
	t.tracerProvider = tp
	otel.SetTracerProvider(tp)

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("meter provider: %w", err)
	}
	t.meterProvider = mp
	otel.SetMeterProvider(mp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
