package observer

import (
	"context"
	"time"

	relay "github.com/nevindra/relay"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// engineLogger implements relay.EngineLogger by emitting one structured
// OTEL log record per engine operation.
type engineLogger struct {
	inner otellog.Logger
}

// NewEngineLogger returns a relay.EngineLogger backed by the global OTEL
// LoggerProvider. Call Init first to configure the provider; otherwise
// records go to a no-op backend.
func NewEngineLogger() relay.EngineLogger {
	return &engineLogger{inner: global.GetLoggerProvider().Logger(scopeName)}
}

func (l *engineLogger) ToolExecuted(ctx context.Context, tool, callID string, d time.Duration, resultLen int, errText string) {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	status := "ok"
	if errText != "" {
		status = "error"
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.AddAttributes(
		otellog.String("tool.name", tool),
		otellog.String("tool.call_id", callID),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", float64(d.Milliseconds())),
	)
	if errText != "" {
		rec.AddAttributes(otellog.String("tool.error", errText))
	}
	l.inner.Emit(ctx, rec)
}

func (l *engineLogger) IterationCompleted(ctx context.Context, runID string, iteration int, finish relay.FinishReason, d time.Duration) {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("iteration completed"))
	rec.AddAttributes(
		otellog.String("run.id", runID),
		otellog.Int("iteration", iteration),
		otellog.String("finish_reason", string(finish)),
		otellog.Float64("iteration.duration_ms", float64(d.Milliseconds())),
	)
	l.inner.Emit(ctx, rec)
}

func (l *engineLogger) TurnCompleted(ctx context.Context, agent, runID string, iterations int, errText string) {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("turn completed"))
	if errText != "" {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.AddAttributes(
		otellog.String("agent", agent),
		otellog.String("run.id", runID),
		otellog.Int("turn.iterations", iterations),
	)
	if errText != "" {
		rec.AddAttributes(otellog.String("turn.error", errText))
	}
	l.inner.Emit(ctx, rec)
}

var _ relay.EngineLogger = (*engineLogger)(nil)
