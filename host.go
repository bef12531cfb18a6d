package relay

import (
	"log/slog"
	"time"

	"github.com/nevindra/relay/internal/config"
)

// AgentHost owns the shared infrastructure agents are built from: the tool
// registry, the thread store, the tracer, the logger, and the engine
// defaults. There are no package-level registries; everything an agent
// needs flows through its host explicitly.
type AgentHost struct {
	tools                *ToolRegistry
	store                ThreadStore
	tracer               Tracer
	metrics              EngineMetrics
	oplog                EngineLogger
	logger               *slog.Logger
	maxIterations        int
	maxConsecutiveErrors int
	responseTimeout      time.Duration
}

// HostOption configures an AgentHost.
type HostOption func(*AgentHost)

// WithHostStore sets the thread store shared by hosted agents.
func WithHostStore(store ThreadStore) HostOption {
	return func(h *AgentHost) { h.store = store }
}

// WithHostTracer sets the tracer applied to hosted agents.
func WithHostTracer(t Tracer) HostOption {
	return func(h *AgentHost) { h.tracer = t }
}

// WithHostMetrics sets the metrics sink applied to hosted agents.
func WithHostMetrics(m EngineMetrics) HostOption {
	return func(h *AgentHost) { h.metrics = m }
}

// WithHostEngineLogger sets the log-record sink applied to hosted agents.
func WithHostEngineLogger(l EngineLogger) HostOption {
	return func(h *AgentHost) { h.oplog = l }
}

// WithHostLogger sets the logger applied to hosted agents.
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *AgentHost) { h.logger = l }
}

// NewHost creates a host with engine defaults.
func NewHost(opts ...HostOption) *AgentHost {
	h := &AgentHost{
		tools:                NewToolRegistry(),
		metrics:              nopMetrics{},
		oplog:                nopEngineLogger{},
		logger:               nopLogger,
		maxIterations:        defaultMaxIterations,
		maxConsecutiveErrors: defaultMaxConsecutiveErrors,
		responseTimeout:      DefaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewHostFromConfig creates a host with the engine limits from cfg applied.
// Store and observer wiring stay with the caller: the config names the
// backend, the caller constructs it (the store subpackages import this
// package, not the other way around).
func NewHostFromConfig(cfg config.Config, opts ...HostOption) (*AgentHost, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ErrInvalidArgument{Reason: err.Error()}
	}
	h := NewHost(opts...)
	h.maxIterations = cfg.Engine.MaxIterations
	h.maxConsecutiveErrors = cfg.Engine.MaxConsecutiveErrors
	if cfg.Engine.ResponseTimeoutSeconds > 0 {
		h.responseTimeout = time.Duration(cfg.Engine.ResponseTimeoutSeconds) * time.Second
	}
	return h, nil
}

// RegisterTool adds a tool to the host registry. Tools registered here are
// available to every agent subsequently built by the host.
func (h *AgentHost) RegisterTool(t Tool) {
	h.tools.Add(t)
}

// Store returns the host's thread store, nil when none is configured.
func (h *AgentHost) Store() ThreadStore { return h.store }

// Brancher returns a branching service over the host's store.
func (h *AgentHost) Brancher() *Brancher {
	return NewBrancher(h.store, WithBrancherLogger(h.logger))
}

// NewAgent builds an agent carrying the host's tools, limits, and
// observability wiring. Additional options apply after the host's.
func (h *AgentHost) NewAgent(name, description string, provider Provider, opts ...AgentOption) *Agent {
	base := []AgentOption{
		WithMaxIterations(h.maxIterations),
		WithMaxConsecutiveErrors(h.maxConsecutiveErrors),
		WithResponseTimeout(h.responseTimeout),
		WithLogger(h.logger),
		WithMetrics(h.metrics),
		WithEngineLogger(h.oplog),
	}
	if h.tracer != nil {
		base = append(base, WithTracer(h.tracer))
	}
	a := NewAgent(name, description, provider, append(base, opts...)...)
	for _, t := range h.tools.tools {
		a.tools.Add(t)
	}
	return a
}
