package relay

import (
	"context"
	"errors"
	"strings"
	"time"
)

// execute drives one message turn. It runs on its own goroutine; the
// coordinator is closed and Run.done released on every exit path.
func (a *Agent) execute(ctx context.Context, r *Run, thread *ConversationThread, userMsgs []Message, cfg runConfig, execCtx *ExecutionContext) {
	defer close(r.done)
	defer r.coordinator.Close()

	turnCtx := ctx
	var turnSpan Span
	if a.tracer != nil {
		turnCtx, turnSpan = a.tracer.Start(ctx, "agent.turn",
			StringAttr("agent", a.name),
			StringAttr("run_id", r.id))
		defer turnSpan.End()
	}

	opts := a.effectiveOptions(cfg)
	thread.AddMessages(userMsgs)

	state := newLoopState(r.id, thread.ConversationID(), a.name, thread.Messages(), opts)
	thread.setExecutionState(state)
	defer thread.setExecutionState(nil)

	mc := &MiddlewareContext{
		agentName:       a.name,
		coordinator:     r.coordinator,
		thread:          thread,
		state:           state,
		execCtx:         execCtx,
		responseTimeout: a.responseTimeout,
	}

	executor := &toolExecutor{
		registry: a.tools,
		pipeline: a.pipeline,
		logger:   a.logger,
		tracer:   a.tracer,
		metrics:  a.metrics,
		oplog:    a.oplog,
	}

	mc.Emit(Event{Type: EventTurnStarted})

	var (
		turnErr      error // caller-visible terminal error
		stopErr      error // budget/cap stop, reported on the turn event only
		finalMessage *Message
		allCalls     []Part
	)

	if err := a.pipeline.beforeMessageTurn(turnCtx, mc); err != nil {
		turnErr = err
	}

	for iter := 0; turnErr == nil; iter++ {
		if iter > 0 {
			mc.state = mc.state.NextIteration(thread.Messages())
		} else {
			mc.state = mc.state.withMessages(thread.Messages())
		}
		thread.setExecutionState(mc.state)
		mc.SkipLLMCall = false
		mc.SkipToolExecution = false
		mc.Response = nil
		mc.Exception = nil

		iterStart := time.Now()
		mc.Emit(Event{Type: EventIterationStarted, Iteration: iter})

		if err := a.pipeline.beforeIteration(turnCtx, mc); err != nil {
			turnErr = err
			a.unwindIteration(turnCtx, mc, iter, FinishOther)
			break
		}

		finish := FinishStop
		if !mc.SkipLLMCall {
			response, f, err := a.streamLLM(turnCtx, mc)
			if err != nil {
				turnErr = err
				mc.Exception = err
				a.unwindIteration(turnCtx, mc, iter, FinishOther)
				break
			}
			finish = f
			thread.AddMessage(*response)
			mc.state = mc.state.withResponse(response)
			mc.Response = response
		} else if mc.Response != nil {
			// A middleware supplied the response in place of the LLM call.
			thread.AddMessage(*mc.Response)
			mc.state = mc.state.withResponse(mc.Response)
		}
		response := mc.Response

		var calls []Part
		if response != nil {
			calls = response.ToolCalls()
		}

		if err := a.pipeline.beforeToolExecution(turnCtx, mc); err != nil {
			turnErr = err
			a.unwindIteration(turnCtx, mc, iter, finish)
			break
		}

		if mc.SkipToolExecution {
			// Every pending tool call is skipped and the turn ends without
			// appending any tool-result messages.
			finalMessage = response
			a.completeIteration(turnCtx, mc, iter, finish, iterStart)
			break
		}

		if len(calls) == 0 {
			finalMessage = response
			a.completeIteration(turnCtx, mc, iter, finish, iterStart)
			break
		}

		allCalls = append(allCalls, calls...)
		completed := make([]string, len(calls))
		for i, c := range calls {
			completed[i] = c.Name
		}
		results, failed := executor.run(turnCtx, mc, calls)
		mc.state = mc.state.withToolResults(results, completed)

		if failed {
			mc.state = mc.state.withConsecutiveErrors(mc.state.ConsecutiveErrors + 1)
		} else {
			mc.state = mc.state.withConsecutiveErrors(0)
		}
		thread.setExecutionState(mc.state)

		a.completeIteration(turnCtx, mc, iter, finish, iterStart)

		if mc.state.ConsecutiveErrors > a.maxConsecutiveErrors {
			stopErr = &ErrErrorBudgetExceeded{Consecutive: mc.state.ConsecutiveErrors}
			a.logger.Warn("error budget exceeded", "agent", a.name, "run_id", r.id, "consecutive", mc.state.ConsecutiveErrors)
			m := AssistantMessage("Stopping: too many consecutive tool failures. " + summarizeFailures(results))
			thread.AddMessage(m)
			finalMessage = &m
			break
		}
		if iter+1 >= a.maxIterations {
			stopErr = &ErrIterationCapReached{Cap: a.maxIterations}
			a.logger.Warn("iteration cap reached", "agent", a.name, "run_id", r.id, "cap", a.maxIterations)
			m := AssistantMessage("Stopping: the iteration limit was reached before the task completed.")
			thread.AddMessage(m)
			finalMessage = &m
			break
		}
		if err := turnCtx.Err(); err != nil {
			turnErr = err
			break
		}
	}

	turnEvt := Event{Type: EventTurnCompleted, FinalMessage: finalMessage, Calls: allCalls}
	if stopErr != nil {
		turnEvt.Err = stopErr.Error()
	}
	if turnErr != nil {
		turnEvt.Err = turnErr.Error()
	}
	mc.Emit(turnEvt)

	// AfterMessageTurn always runs, including on cancellation, so cleanup
	// middlewares observe the outcome. The unwind gets a cancel-free
	// context derived from the run's.
	if turnErr != nil {
		mc.Exception = turnErr
	} else if stopErr != nil {
		mc.Exception = stopErr
	}
	unwindCtx := context.WithoutCancel(turnCtx)
	if err := a.pipeline.afterMessageTurn(unwindCtx, mc); err != nil {
		a.logger.Warn("after-message-turn hook failed", "agent", a.name, "run_id", r.id, "error", err)
	}

	a.oplog.TurnCompleted(unwindCtx, a.name, r.id, mc.state.Iteration+1, turnEvt.Err)

	if turnErr != nil && turnSpan != nil {
		turnSpan.Error(turnErr)
	}
	r.finish(finalMessage, turnErr)
}

// completeIteration emits iteration-completed, reports metrics, and runs the
// AfterIteration unwind. AfterIteration never begins before the iteration's
// tool results are appended to the thread.
func (a *Agent) completeIteration(ctx context.Context, mc *MiddlewareContext, iter int, finish FinishReason, start time.Time) {
	mc.Emit(Event{Type: EventIterationCompleted, Iteration: iter, FinishReason: finish})
	d := time.Since(start)
	a.metrics.IterationCompleted(d)
	a.oplog.IterationCompleted(ctx, mc.state.RunID, iter, finish, d)
	if err := a.pipeline.afterIteration(ctx, mc); err != nil {
		a.logger.Warn("after-iteration hook failed", "agent", a.name, "iteration", iter, "error", err)
	}
}

// unwindIteration runs the AfterIteration unwind for an iteration that
// failed before completing normally.
func (a *Agent) unwindIteration(ctx context.Context, mc *MiddlewareContext, iter int, finish FinishReason) {
	mc.Emit(Event{Type: EventIterationCompleted, Iteration: iter, FinishReason: finish})
	unwindCtx := context.WithoutCancel(ctx)
	if err := a.pipeline.afterIteration(unwindCtx, mc); err != nil {
		a.logger.Warn("after-iteration hook failed", "agent", a.name, "iteration", iter, "error", err)
	}
}

// streamLLM runs the ExecuteLLM onion and accumulates the streamed updates
// into a single assistant message, emitting delta events as they arrive.
func (a *Agent) streamLLM(ctx context.Context, mc *MiddlewareContext) (*Message, FinishReason, error) {
	base := func(ctx context.Context) (<-chan ProviderUpdate, error) {
		return a.provider.Stream(ctx, ChatRequest{Messages: mc.Messages(), Options: mc.Options()})
	}
	ch, err := a.pipeline.executeLLM(ctx, mc, base)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &ErrProvider{Provider: a.provider.Name(), Err: err}
	}

	msgID := NewID()
	var (
		text      strings.Builder
		reasoning strings.Builder
		calls     []*streamedCall
		byID      = map[string]*streamedCall{}
		finish    FinishReason
		sawFinish bool
	)

	for update := range ch {
		switch update.Kind {
		case UpdateRoleSet:
			// The accumulated message is always the assistant's.
		case UpdateTextDelta:
			text.WriteString(update.Text)
			mc.Emit(Event{Type: EventTextDelta, MessageID: msgID, Text: update.Text})
		case UpdateReasoningDelta:
			reasoning.WriteString(update.Text)
			mc.Emit(Event{Type: EventReasoningDelta, MessageID: msgID, Text: update.Text})
		case UpdateToolCallDelta:
			sc := a.resolveCall(update, &calls, byID)
			if update.Name != "" && !sc.started {
				sc.started = true
				mc.Emit(Event{Type: EventToolCallStart, CallID: sc.id, Name: sc.name})
			}
			if update.ArgsDelta != "" {
				sc.args.WriteString(update.ArgsDelta)
				mc.Emit(Event{Type: EventToolCallArgsDelta, CallID: sc.id, Name: sc.name, Text: update.ArgsDelta})
			}
		case UpdateFinish:
			sawFinish = true
			finish = update.Reason
		case UpdateError:
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			return nil, "", &ErrProvider{Provider: a.provider.Name(), Err: update.Err}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if !sawFinish {
		return nil, "", &ErrProvider{Provider: a.provider.Name(), Err: errors.New("stream ended without a finish update")}
	}

	msg := Message{ID: msgID, Role: RoleAssistant, CreatedAt: NowUnix(), Model: mc.Options().Model}
	if reasoning.Len() > 0 {
		msg.Parts = append(msg.Parts, Part{Kind: PartReasoning, Text: reasoning.String()})
	}
	if text.Len() > 0 {
		msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: text.String()})
	}
	for _, sc := range calls {
		args := sc.args.String()
		if args == "" {
			args = "{}"
		}
		msg.Parts = append(msg.Parts, Part{Kind: PartToolCall, CallID: sc.id, Name: sc.name, Args: []byte(args)})
	}
	return &msg, finish, nil
}

// streamedCall accumulates one tool call across tool_call_delta updates.
type streamedCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// resolveCall finds or creates the call a tool_call_delta belongs to:
// by call id when given, otherwise the most recent call.
func (a *Agent) resolveCall(update ProviderUpdate, calls *[]*streamedCall, byID map[string]*streamedCall) *streamedCall {
	if update.CallID != "" {
		if sc, ok := byID[update.CallID]; ok {
			if sc.name == "" && update.Name != "" {
				sc.name = update.Name
			}
			return sc
		}
		sc := &streamedCall{id: update.CallID, name: update.Name}
		byID[sc.id] = sc
		*calls = append(*calls, sc)
		return sc
	}
	if update.Name != "" || len(*calls) == 0 {
		sc := &streamedCall{id: NewID(), name: update.Name}
		byID[sc.id] = sc
		*calls = append(*calls, sc)
		return sc
	}
	return (*calls)[len(*calls)-1]
}

// summarizeFailures produces the short failure explanation attached to an
// error-budget stop message.
func summarizeFailures(results []Part) string {
	var failed []string
	for _, r := range results {
		if r.Error != "" {
			failed = append(failed, r.Name)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return "Last failing tools: " + strings.Join(failed, ", ") + "."
}
