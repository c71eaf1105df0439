package telemetry

import (
	"context"
	"log/slog"

	"github.com/giobyte8/rescaler/internal/telemetry/metrics"
)

// Options selects where metrics go.
type Options struct {

	// Export metrics through OpenTelemetry. Metrics are discarded
	// otherwise.
	OtelEnabled bool

	// host:port of the OpenTelemetry collector gRPC receiver
	CollectorEndpoint string
}

type TelemetrySvc struct {
	metrics metrics.MetricsSvc
}

func NewTelemetrySvc(ctx context.Context, opts Options) (*TelemetrySvc, error) {
	if !opts.OtelEnabled {
		slog.Debug("OpenTelemetry disabled, metrics will be discarded")
		return NewTelemetrySvcWith(metrics.NewNoopMetricsSvc()), nil
	}

	otelSvc, err := metrics.NewOtelMetricsSvc(ctx, opts.CollectorEndpoint)
	if err != nil {
		return nil, err
	}

	slog.Info(
		"Exporting metrics to OpenTelemetry collector",
		"endpoint", opts.CollectorEndpoint,
	)
	return NewTelemetrySvcWith(otelSvc), nil
}

// NewTelemetrySvcWith wraps an already built metrics service.
func NewTelemetrySvcWith(metricsSvc metrics.MetricsSvc) *TelemetrySvc {
	return &TelemetrySvc{metrics: metricsSvc}
}

func (t *TelemetrySvc) Metrics() metrics.MetricsSvc {
	return t.metrics
}

func (t *TelemetrySvc) Shutdown(ctx context.Context) error {
	return t.metrics.Shutdown(ctx)
}
