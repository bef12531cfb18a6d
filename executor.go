package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// toolExecutor invokes the tool calls of one iteration sequentially, in the
// order the model emitted them, threading each call through the
// BeforeFunction/AfterFunction hooks.
type toolExecutor struct {
	registry *ToolRegistry
	pipeline *Pipeline
	logger   *slog.Logger
	tracer   Tracer
	metrics  EngineMetrics
	oplog    EngineLogger
}

// run executes calls and returns the recorded tool-result parts plus
// whether any call failed. Results are also appended to the thread as
// tool-result messages and emitted as tool-call-result events.
func (e *toolExecutor) run(ctx context.Context, mc *MiddlewareContext, calls []Part) ([]Part, bool) {
	results := make([]Part, 0, len(calls))
	anyFailed := false

	for _, call := range calls {
		part := e.runOne(ctx, mc, call)
		if part.Error != "" {
			anyFailed = true
		}
		results = append(results, part)
	}
	return results, anyFailed
}

func (e *toolExecutor) runOne(ctx context.Context, mc *MiddlewareContext, call Part) Part {
	start := time.Now()

	toolCtx := ctx
	var span Span
	if e.tracer != nil {
		toolCtx, span = e.tracer.Start(ctx, "agent.tool",
			StringAttr("tool", call.Name),
			StringAttr("call_id", call.CallID),
			IntAttr("iteration", mc.state.Iteration))
		defer span.End()
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn("unknown tool requested", "agent", mc.agentName, "tool", call.Name)
		return e.record(toolCtx, mc, call, nil, "unknown tool: "+call.Name, start)
	}

	// Function-scoped context: shares the loop state, carries the call
	// site derived from tool metadata.
	md := tool.Metadata()
	fc := *mc
	fc.site = callSite{
		functionName:     call.Name,
		pluginName:       md[MetaPlugin],
		skillName:        md[MetaSkill],
		isSkillContainer: md[MetaSkillContainer] != "",
	}
	fc.FunctionName = fc.site.functionName
	fc.PluginName = fc.site.pluginName
	fc.SkillName = fc.site.skillName
	fc.IsSkillContainer = fc.site.isSkillContainer
	fc.FunctionCallID = call.CallID
	fc.FunctionRequiresPermission = tool.RequiresPermission()
	fc.FunctionArguments = call.Args
	fc.FunctionResult = nil
	fc.FunctionError = nil
	fc.BlockFunctionExecution = false
	fc.Exception = nil

	if err := e.pipeline.beforeFunction(toolCtx, &fc); err != nil {
		fc.FunctionError = err
	}

	switch {
	case fc.FunctionError != nil:
		// Pre-hook failure: the function never runs; the error is recorded
		// as the tool result.
	case fc.BlockFunctionExecution:
		// A middleware blocked execution (permission denial, cached
		// result); fc.FunctionResult stands in for the tool's output.
	default:
		if err := toolCtx.Err(); err != nil {
			fc.FunctionError = err
			break
		}
		var obj map[string]json.RawMessage
		args := fc.FunctionArguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(args, &obj); err != nil {
			fc.FunctionError = &ErrInvalidArgument{Reason: "tool arguments are not a JSON object: " + err.Error()}
			break
		}
		tc := &ToolContext{
			coordinator:     mc.coordinator,
			execCtx:         mc.execCtx,
			runID:           mc.state.RunID,
			responseTimeout: mc.responseTimeout,
		}
		result, err := tool.Invoke(toolCtx, tc, args)
		if err != nil {
			fc.FunctionError = &ErrTool{Tool: call.Name, Err: err}
		} else {
			fc.FunctionResult = result
		}
	}

	if err := e.pipeline.afterFunction(toolCtx, &fc); err != nil && fc.FunctionError == nil {
		fc.FunctionError = err
	}

	// Propagate state updates scheduled by function hooks back to the
	// iteration context.
	mc.state = fc.state

	errText := ""
	if fc.FunctionError != nil {
		errText = fc.FunctionError.Error()
		if span != nil {
			span.Error(fc.FunctionError)
		}
	}
	return e.record(toolCtx, mc, call, fc.FunctionResult, errText, start)
}

// record emits the tool-call-result event, appends the tool-result message,
// reports metrics, and ships the per-tool log record.
func (e *toolExecutor) record(ctx context.Context, mc *MiddlewareContext, call Part, result json.RawMessage, errText string, start time.Time) Part {
	part := Part{Kind: PartToolResult, CallID: call.CallID, Name: call.Name, Result: result, Error: errText}

	mc.Emit(Event{
		Type:   EventToolCallResult,
		CallID: call.CallID,
		Name:   call.Name,
		Result: result,
		Err:    errText,
	})

	if errText != "" {
		mc.thread.AddMessage(ToolErrorMessage(call.CallID, call.Name, errText))
	} else {
		mc.thread.AddMessage(ToolResultMessage(call.CallID, call.Name, result))
	}

	d := time.Since(start)
	e.metrics.ToolCompleted(call.Name, d, errText != "")
	e.oplog.ToolExecuted(ctx, call.Name, call.CallID, d, len(result), errText)
	return part
}
