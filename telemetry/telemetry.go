// Package telemetry wraps OpenTelemetry metrics for pipeline instrumentation.
// It uses the global MeterProvider; exporters are configured by the embedding
// process (or left as no-ops in tests).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records pipeline counters and histograms.
type Metrics struct {
	meter metric.Meter
}

// New constructs a Metrics recorder on the global MeterProvider.
func New() *Metrics {
	return &Metrics{meter: otel.Meter("github.com/crosspost-io/crosspost")}
}

// IncCounter increments a counter by value with optional key/value tag pairs.
func (m *Metrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram in seconds.
func (m *Metrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// tagsToAttrs converts alternating key/value strings to OTEL attributes.
// An odd trailing key is ignored.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
