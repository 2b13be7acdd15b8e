package source

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/leakwatch/leakwatch/internal/schema"
	"github.com/leakwatch/leakwatch/internal/telemetry"
)

var (
	metricsOnce       sync.Once
	harvestedCounter  metric.Int64Counter
	dedupCounter      metric.Int64Counter
	enqueuedCounter   metric.Int64Counter
	droppedCounter    metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	realizeDuration   metric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("source")
	if c, err := meter.Int64Counter("source.items.harvested",
		metric.WithDescription("Items returned by origin listings"),
		metric.WithUnit("{item}")); err == nil {
		harvestedCounter = c
	}
	if c, err := meter.Int64Counter("source.items.deduplicated",
		metric.WithDescription("Items skipped because the index cache already held them"),
		metric.WithUnit("{item}")); err == nil {
		dedupCounter = c
	}
	if c, err := meter.Int64Counter("source.items.enqueued",
		metric.WithDescription("Events put on the raw queue"),
		metric.WithUnit("{event}")); err == nil {
		enqueuedCounter = c
	}
	if c, err := meter.Int64Counter("source.items.dropped",
		metric.WithDescription("Items dropped before enqueue (invalid, empty after realization)"),
		metric.WithUnit("{item}")); err == nil {
		droppedCounter = c
	}
	if h, err := meter.Float64Histogram("source.cycle.duration",
		metric.WithDescription("Poll cycle duration per source"),
		metric.WithUnit("ms")); err == nil {
		cycleDuration = h
	}
	if h, err := meter.Float64Histogram("source.realize.duration",
		metric.WithDescription("Raw content fetch duration per event"),
		metric.WithUnit("ms")); err == nil {
		realizeDuration = h
	}
}

func sourceAttrs(kind schema.Kind) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("source", string(kind)),
		attribute.String("environment", telemetry.Environment()),
	)
}

func recordCycle(ctx context.Context, kind schema.Kind, start time.Time, harvested, deduped, enqueued, dropped int) {
	metricsOnce.Do(initMetrics)
	attrs := sourceAttrs(kind)
	if harvestedCounter != nil {
		harvestedCounter.Add(ctx, int64(harvested), attrs)
	}
	if dedupCounter != nil {
		dedupCounter.Add(ctx, int64(deduped), attrs)
	}
	if enqueuedCounter != nil {
		enqueuedCounter.Add(ctx, int64(enqueued), attrs)
	}
	if droppedCounter != nil {
		droppedCounter.Add(ctx, int64(dropped), attrs)
	}
	if cycleDuration != nil {
		cycleDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

func recordRealize(ctx context.Context, kind schema.Kind, start time.Time) {
	metricsOnce.Do(initMetrics)
	if realizeDuration != nil {
		realizeDuration.Record(ctx, float64(time.Since(start).Milliseconds()), sourceAttrs(kind))
	}
}
