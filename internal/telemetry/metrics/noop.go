package metrics

import (
	"context"
	"log/slog"
)

var (
	_ MetricsSvc = (*NoopMetricsSvc)(nil)
	_ MetricsSvc = (*OtelMetricsSvc)(nil)
	_ MetricsSvc = (*RecorderMetricsSvc)(nil)
)

// NoopMetricsSvc discards every metric. Discarded increments still
// show up in debug logs.
type NoopMetricsSvc struct{}

func NewNoopMetricsSvc() *NoopMetricsSvc {
	return &NoopMetricsSvc{}
}

func (n *NoopMetricsSvc) Increment(metric MetricName, attrs map[string]string) {
	slog.Debug("Metric discarded", "metricName", metric, "attributes", attrs)
}

func (n *NoopMetricsSvc) Shutdown(context.Context) error {
	return nil
}
