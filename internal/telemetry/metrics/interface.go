package metrics

import (
	"context"
)

// Custom type to represent a metric name,
// providing a type-safe way to handle metric names.
type MetricName string

const (
	ScaleRequestReceived       MetricName = "scale.request.received"
	VariantsDelRequestReceived MetricName = "variants.delete.request.received"
	VariantCreated             MetricName = "variant.created"
	ScaleAborted               MetricName = "scale.aborted"
)

type MetricsSvc interface {
	Increment(metric MetricName, attrs map[string]string)
	Shutdown(ctx context.Context) error
}
