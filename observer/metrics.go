package observer

import (
	"context"
	"time"

	relay "github.com/nevindra/relay"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics implements relay.EngineMetrics on OTEL instruments.
type engineMetrics struct {
	eventsEmitted     metric.Int64Counter
	eventsDropped     metric.Int64Counter
	toolExecutions    metric.Int64Counter
	toolDuration      metric.Float64Histogram
	iterationDuration metric.Float64Histogram
}

// NewEngineMetrics returns a relay.EngineMetrics backed by the global OTEL
// MeterProvider. Call Init first; otherwise measurements go to a no-op
// backend.
func NewEngineMetrics() (relay.EngineMetrics, error) {
	meter := otel.Meter(scopeName)

	eventsEmitted, err := meter.Int64Counter("engine.events.emitted",
		metric.WithDescription("Events written to a run coordinator"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	eventsDropped, err := meter.Int64Counter("engine.events.dropped",
		metric.WithDescription("Events discarded after coordinator close"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	toolExecutions, err := meter.Int64Counter("engine.tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("engine.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	iterationDuration, err := meter.Float64Histogram("engine.iteration.duration",
		metric.WithDescription("Loop iteration duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &engineMetrics{
		eventsEmitted:     eventsEmitted,
		eventsDropped:     eventsDropped,
		toolExecutions:    toolExecutions,
		toolDuration:      toolDuration,
		iterationDuration: iterationDuration,
	}, nil
}

func (m *engineMetrics) EventEmitted(t relay.EventType) {
	m.eventsEmitted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event.type", string(t))))
}

func (m *engineMetrics) EventDropped(t relay.EventType) {
	m.eventsDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event.type", string(t))))
}

func (m *engineMetrics) ToolCompleted(name string, d time.Duration, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("tool", name),
		attribute.Bool("failed", failed),
	)
	m.toolExecutions.Add(context.Background(), 1, attrs)
	m.toolDuration.Record(context.Background(), float64(d.Milliseconds()), attrs)
}

func (m *engineMetrics) IterationCompleted(d time.Duration) {
	m.iterationDuration.Record(context.Background(), float64(d.Milliseconds()))
}

var _ relay.EngineMetrics = (*engineMetrics)(nil)
