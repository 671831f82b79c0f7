// Package telemetry installs the process-global OpenTelemetry meter
// provider the instrumented packages (sqlstore, orchestrator) publish
// through. Which exporter backs it is a deployment decision, so it is
// driven entirely by configuration.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config selects and tunes the metrics exporter.
type Config struct {
	// Exporter is one of "none" (default), "stdout", or "otlp".
	Exporter string
	// OTLPEndpoint is the collector host:port for the otlp exporter;
	// empty means the exporter's own default (localhost:4318).
	OTLPEndpoint string
	// ExportInterval is how often the periodic reader pushes; zero means
	// one minute.
	ExportInterval time.Duration
}

// Setup installs the global meter provider per cfg and returns a
// shutdown function that flushes pending metrics. With Exporter "none"
// the otel globals stay no-op and shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var exp sdkmetric.Exporter
	switch cfg.Exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		e, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		exp = e
	case "otlp":
		var opts []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		e, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		exp = e
	default:
		return nil, fmt.Errorf("telemetry: unknown metrics exporter %q", cfg.Exporter)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = time.Minute
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "claims-ingestd"),
		)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
