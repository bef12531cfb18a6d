package relay

import (
	"context"
	"time"
)

// EngineMetrics receives engine-level measurements. The observer package
// provides an OTEL-backed implementation; when none is configured the engine
// uses a no-op.
type EngineMetrics interface {
	// EventEmitted is called for every event written to a coordinator.
	EventEmitted(t EventType)
	// EventDropped is called when an emit is discarded because the
	// coordinator already closed.
	EventDropped(t EventType)
	// ToolCompleted reports one finished tool invocation.
	ToolCompleted(name string, d time.Duration, failed bool)
	// IterationCompleted reports one finished loop iteration.
	IterationCompleted(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) EventEmitted(EventType)                    {}
func (nopMetrics) EventDropped(EventType)                    {}
func (nopMetrics) ToolCompleted(string, time.Duration, bool) {}
func (nopMetrics) IterationCompleted(time.Duration)          {}

// EngineLogger receives one structured log record per engine operation:
// every tool execution, iteration, and turn. The observer package provides
// an implementation that emits OTEL log records over OTLP; when none is
// configured the engine uses a no-op. This is distinct from the *slog.Logger
// diagnostics the components write — EngineLogger records are operational
// telemetry shipped with the traces and metrics.
type EngineLogger interface {
	// ToolExecuted records one finished tool invocation. errText is empty
	// on success; resultLen is the byte length of the recorded result.
	ToolExecuted(ctx context.Context, tool, callID string, d time.Duration, resultLen int, errText string)
	// IterationCompleted records one finished loop iteration.
	IterationCompleted(ctx context.Context, runID string, iteration int, finish FinishReason, d time.Duration)
	// TurnCompleted records a finished turn. errText is empty on clean
	// completion.
	TurnCompleted(ctx context.Context, agent, runID string, iterations int, errText string)
}

type nopEngineLogger struct{}

func (nopEngineLogger) ToolExecuted(context.Context, string, string, time.Duration, int, string) {}
func (nopEngineLogger) IterationCompleted(context.Context, string, int, FinishReason, time.Duration) {
}
func (nopEngineLogger) TurnCompleted(context.Context, string, string, int, string) {}
