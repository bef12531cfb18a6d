package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxIterations        = 10
	defaultMaxConsecutiveErrors = 3
)

// Agent is the public entry point of the engine. It holds the provider, the
// middleware pipeline, the default tools, and the loop limits; Run drives
// one message turn against a thread and streams events to the caller.
type Agent struct {
	name                 string
	description          string
	provider             Provider
	pipeline             *Pipeline
	tools                *ToolRegistry
	defaults             ChatOptions
	maxIterations        int
	maxConsecutiveErrors int
	responseTimeout      time.Duration
	logger               *slog.Logger
	tracer               Tracer
	metrics              EngineMetrics
	oplog                EngineLogger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTools registers tools available on every run.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.tools.Add(t)
		}
	}
}

// WithMiddleware registers a globally scoped middleware.
func WithMiddleware(mw Middleware) AgentOption {
	return func(a *Agent) { a.pipeline.Use(mw, GlobalScope()) }
}

// WithScopedMiddleware registers a middleware with an explicit scope.
func WithScopedMiddleware(mw Middleware, scope Scope) AgentOption {
	return func(a *Agent) { a.pipeline.Use(mw, scope) }
}

// WithDefaultOptions sets the agent's default model options. Callers may
// override per run; middlewares may adjust per iteration.
func WithDefaultOptions(opts ChatOptions) AgentOption {
	return func(a *Agent) { a.defaults = opts }
}

// WithMaxIterations sets the hard iteration cap per turn.
func WithMaxIterations(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithMaxConsecutiveErrors sets the consecutive-error budget. The turn
// terminates once the budget is exceeded.
func WithMaxConsecutiveErrors(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxConsecutiveErrors = n
		}
	}
}

// WithResponseTimeout sets the default WaitForResponse timeout.
func WithResponseTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.responseTimeout = d
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithTracer sets the tracer for turn and tool spans; iterations are not
// traced as spans.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m EngineMetrics) AgentOption {
	return func(a *Agent) { a.metrics = m }
}

// WithEngineLogger sets the per-operation log-record sink.
func WithEngineLogger(l EngineLogger) AgentOption {
	return func(a *Agent) { a.oplog = l }
}

// NewAgent creates an Agent with the given provider and options.
func NewAgent(name, description string, provider Provider, opts ...AgentOption) *Agent {
	a := &Agent{
		name:                 name,
		description:          description,
		provider:             provider,
		pipeline:             NewPipeline(),
		tools:                NewToolRegistry(),
		maxIterations:        defaultMaxIterations,
		maxConsecutiveErrors: defaultMaxConsecutiveErrors,
		responseTimeout:      DefaultResponseTimeout,
		logger:               nopLogger,
		metrics:              nopMetrics{},
		oplog:                nopEngineLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// Description returns a human-readable description of the agent.
func (a *Agent) Description() string { return a.description }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// --- run ---

// runConfig holds per-run settings.
type runConfig struct {
	options           *ChatOptions
	parentCoordinator *Coordinator
	parentContext     *ExecutionContext
}

// RunOption configures a single Run.
type RunOption func(*runConfig)

// WithRunOptions overrides the agent's default model options for this run.
// Zero fields fall back to the agent defaults.
func WithRunOptions(opts ChatOptions) RunOption {
	return func(c *runConfig) { c.options = &opts }
}

// withParent links this run under an invoking agent: events bubble to the
// parent coordinator and the execution context extends the parent's chain.
// Used by the sub-agent invoker.
func withParent(coordinator *Coordinator, execCtx *ExecutionContext) RunOption {
	return func(c *runConfig) {
		c.parentCoordinator = coordinator
		c.parentContext = execCtx
	}
}

// Run is a single in-flight (or finished) message turn.
type Run struct {
	id          string
	coordinator *Coordinator
	cancel      context.CancelFunc
	done        chan struct{}

	mu    sync.Mutex
	err   error
	final *Message
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Events returns the run's event stream. It is finite: the channel closes
// after the turn completes (or fails) and every event has been delivered.
func (r *Run) Events() <-chan Event { return r.coordinator.Events() }

// Respond injects a response event for a pending request, resolving the
// middleware or tool blocked in WaitForResponse.
func (r *Run) Respond(requestID string, evt Event) error {
	if evt.Type == "" {
		evt.Type = EventResponse
	}
	evt.RequestID = requestID
	return r.coordinator.CompleteRequest(requestID, evt)
}

// Cancel requests cooperative cancellation of the run.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the turn has fully completed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the run's terminal error. Valid after Done is closed; nil on
// normal completion (including iteration-cap and error-budget stops, which
// are reported on the turn-completed event instead).
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Final returns the final assistant message. Valid after Done is closed.
func (r *Run) Final() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Wait blocks until the turn completes and returns the final message and
// terminal error. Callers that consume Events must drain on another
// goroutine.
func (r *Run) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-r.done:
		return r.Final(), r.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) finish(final *Message, err error) {
	r.mu.Lock()
	r.final = final
	r.err = err
	r.mu.Unlock()
}

// Run starts one message turn: the caller messages are appended to the
// thread, the loop alternates LLM calls and tool execution until a terminal
// response, and events stream on Run.Events. The returned Run is live; use
// Wait or Done for completion and Err for the terminal error.
func (a *Agent) Run(ctx context.Context, thread *ConversationThread, messages []Message, opts ...RunOption) (*Run, error) {
	if a.provider == nil {
		return nil, &ErrInvalidArgument{Reason: "agent has no provider"}
	}
	if thread == nil {
		return nil, &ErrInvalidArgument{Reason: "nil thread"}
	}
	for _, m := range messages {
		if m.Role == "" {
			return nil, &ErrInvalidArgument{Reason: "message without role"}
		}
	}

	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	execCtx := NewExecutionContext(a.name)
	if cfg.parentContext != nil {
		execCtx = cfg.parentContext.Child(a.name)
	}

	coordinator := NewCoordinator(
		WithCoordinatorLogger(a.logger),
		WithCoordinatorMetrics(a.metrics),
	)
	coordinator.bind(a.name, execCtx)
	if cfg.parentCoordinator != nil {
		if err := coordinator.SetParent(cfg.parentCoordinator); err != nil {
			coordinator.Close()
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		id:          NewID(),
		coordinator: coordinator,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go a.execute(runCtx, r, thread, messages, cfg, execCtx)
	return r, nil
}

// effectiveOptions resolves agent defaults, caller overrides, and the
// registered tools into the options for iteration zero.
func (a *Agent) effectiveOptions(cfg runConfig) ChatOptions {
	opts := a.defaults.clone()
	if cfg.options != nil {
		o := *cfg.options
		if o.Model != "" {
			opts.Model = o.Model
		}
		if o.Temperature != nil {
			opts.Temperature = o.Temperature
		}
		if o.MaxTokens > 0 {
			opts.MaxTokens = o.MaxTokens
		}
		if len(o.ResponseFormat) > 0 {
			opts.ResponseFormat = o.ResponseFormat
		}
		if len(o.Tools) > 0 {
			opts.Tools = append(opts.Tools, o.Tools...)
		}
	}
	opts.Tools = append(opts.Tools, a.tools.Definitions()...)
	return opts
}
