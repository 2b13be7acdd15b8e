package consumer

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

const (
	outcomeMatched    = "matched"
	outcomeDiscarded  = "discarded"
	outcomeSuppressed = "suppressed"
	outcomePersisted  = "persisted"
	outcomeDuplicate  = "duplicate"
	outcomeDropped    = "dropped"
)

var (
	metricsOnce     sync.Once
	outcomeCounter  metric.Int64Counter
	matchDuration   metric.Float64Histogram
	persistDuration metric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("consumer")
	if c, err := meter.Int64Counter("consumer.events.total",
		metric.WithDescription("Events handled by the pipeline consumers, by outcome"),
		metric.WithUnit("{event}")); err == nil {
		outcomeCounter = c
	}
	if h, err := meter.Float64Histogram("matcher.processing.duration",
		metric.WithDescription("Rule matching duration per item"),
		metric.WithUnit("ms")); err == nil {
		matchDuration = h
	}
	if h, err := meter.Float64Histogram("sink.persist.duration",
		metric.WithDescription("Store transaction duration per event"),
		metric.WithUnit("ms")); err == nil {
		persistDuration = h
	}
}

func consumerAttrs(kind schema.Kind, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("source", string(kind)),
		attribute.String("environment", telemetry.Environment()),
	}, extra...)
	return metric.WithAttributes(attrs...)
}

func recordOutcome(ctx context.Context, kind schema.Kind, outcome string) {
	metricsOnce.Do(initMetrics)
	if outcomeCounter == nil {
		return
	}
	outcomeCounter.Add(ctx, 1, consumerAttrs(kind, attribute.String("outcome", outcome)))
}

func recordMatch(ctx context.Context, kind schema.Kind, start time.Time) {
	metricsOnce.Do(initMetrics)
	if matchDuration == nil {
		return
	}
	matchDuration.Record(ctx, float64(time.Since(start).Milliseconds()), consumerAttrs(kind))
}

func recordPersist(ctx context.Context, kind schema.Kind, start time.Time) {
	metricsOnce.Do(initMetrics)
	if persistDuration == nil {
		return
	}
	persistDuration.Record(ctx, float64(time.Since(start).Milliseconds()), consumerAttrs(kind))
}
