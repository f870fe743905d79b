// Package telemetry wires OpenTelemetry metrics for the relay.
// When disabled every instrument is a no-op.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName is the instrumentation scope name for relay metrics.
const MeterName = "roomrelay"

// ErrDisabled is returned by Collect when metrics are not enabled.
var ErrDisabled = errors.New("metrics disabled")

// Config holds telemetry configuration.
type Config struct {
	Enabled bool
}

// Provider wraps a meter provider with cleanup.
type Provider struct {
	Meter    metric.Meter
	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// Init sets up the meter provider. With Enabled=false it returns a no-op provider.
func Init(cfg Config) *Provider {
	if !cfg.Enabled {
		return &Provider{
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		Meter:    mp.Meter(MeterName),
		reader:   reader,
		shutdown: mp.Shutdown,
	}
}

// Collect gathers the current value of every instrument.
func (p *Provider) Collect(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	if p.reader == nil {
		return nil, ErrDisabled
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
