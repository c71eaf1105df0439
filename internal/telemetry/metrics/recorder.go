package metrics

import (
	"context"
	"sync"
)

// RecorderMetricsSvc keeps every increment in memory. Handy for
// dry runs of the CLI and for tests asserting on emitted metrics.
type RecorderMetricsSvc struct {
	mu     sync.Mutex
	counts map[MetricName]int
	attrs  map[MetricName][]map[string]string
}

func NewRecorderMetricsSvc() *RecorderMetricsSvc {
	return &RecorderMetricsSvc{
		counts: make(map[MetricName]int),
		attrs:  make(map[MetricName][]map[string]string),
	}
}

func (r *RecorderMetricsSvc) Increment(
	metric MetricName,
	attrs map[string]string,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts[metric]++
	r.attrs[metric] = append(r.attrs[metric], attrs)
}

// Count returns how many times metric was incremented.
func (r *RecorderMetricsSvc) Count(metric MetricName) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counts[metric]
}

// Attrs returns the attributes of every increment of metric, in
// order.
func (r *RecorderMetricsSvc) Attrs(metric MetricName) []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]map[string]string(nil), r.attrs[metric]...)
}

func (r *RecorderMetricsSvc) Shutdown(ctx context.Context) error {
	return nil
}
