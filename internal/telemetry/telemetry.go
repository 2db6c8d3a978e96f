// Package telemetry wires OpenTelemetry metrics for the relay. When disabled,
// every instrument is a no-op.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MeterName is the instrumentation scope name for relay metrics.
const MeterName = "relay"

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Provider wraps a meter provider and, when enabled, the reader used to
// snapshot collected data.
type Provider struct {
	Meter    metric.Meter
	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// Init sets up metrics according to cfg.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "relay"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return &Provider{
		Meter:    mp.Meter(MeterName),
		reader:   reader,
		shutdown: mp.Shutdown,
	}, nil
}

// Enabled reports whether data is being collected.
func (p *Provider) Enabled() bool {
	return p.reader != nil
}

// Snapshot collects the current metric data.
func (p *Provider) Snapshot(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	if p.reader == nil {
		return nil, fmt.Errorf("telemetry disabled")
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	return &rm, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
