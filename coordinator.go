package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultResponseTimeout bounds WaitForResponse when the caller does not
// supply a timeout.
const DefaultResponseTimeout = 5 * time.Minute

// Coordinator routes events from any producer (middleware, tools, the LLM
// streamer) to the run's reader and, when parented, to the enclosing agent's
// coordinator. It also owns the single-shot request/response rendezvous used
// for human-in-the-loop pauses.
//
// Multiple producers may Emit concurrently; exactly one consumer drains
// Events().
type Coordinator struct {
	mu      sync.Mutex
	ch      *eventChannel
	parent  *Coordinator
	name    string
	execCtx *ExecutionContext
	pending map[string]*responseWaiter
	closed  bool
	logger  *slog.Logger
	metrics EngineMetrics
}

type responseWaiter struct {
	want EventType
	ch   chan responseOutcome
}

type responseOutcome struct {
	evt Event
	err error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets a structured logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithCoordinatorMetrics sets the metrics sink.
func WithCoordinatorMetrics(m EngineMetrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates an open coordinator. The owning agent must bind its
// identity before the first Emit.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		ch:      newEventChannel(),
		pending: make(map[string]*responseWaiter),
		logger:  nopLogger,
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bind records the owning agent's name and execution context, used for
// auto-attachment. Must be called before any Emit.
func (c *Coordinator) bind(name string, ec *ExecutionContext) {
	c.mu.Lock()
	c.name = name
	c.execCtx = ec
	c.mu.Unlock()
}

// Emit writes an event to the local queue and, when a parent is set, to the
// parent coordinator as well. When the event carries no execution context
// and the owning agent has one, the emitted copy gets the agent's context; a
// caller-provided context is never overwritten, so bubbled events keep the
// child's context all the way to the root.
//
// Returns ErrClosedChannel after Close; the event is dropped and counted.
func (c *Coordinator) Emit(evt Event) error {
	c.mu.Lock()
	if evt.Context == nil && c.execCtx != nil {
		evt.Context = c.execCtx
	}
	parent := c.parent
	closed := c.closed
	c.mu.Unlock()

	if closed {
		c.metrics.EventDropped(evt.Type)
		c.logger.Debug("event dropped after close", "agent", c.name, "type", evt.Type)
		return ErrClosedChannel
	}
	if err := c.ch.emit(evt); err != nil {
		c.metrics.EventDropped(evt.Type)
		return err
	}
	c.metrics.EventEmitted(evt.Type)
	if parent != nil {
		// Bubbled emits that race the parent's close are dropped there;
		// the child's own delivery already succeeded.
		_ = parent.Emit(evt)
	}
	return nil
}

// Events returns the coordinator's reader: a finite, ordered event sequence
// that ends when the coordinator is closed and drained.
func (c *Coordinator) Events() <-chan Event { return c.ch.events() }

// SetParent links this coordinator under p so emitted events bubble up.
// The existing parent chain of p is walked to reject cycles, including
// self-parenting. Calling SetParent again with the current parent is a
// no-op.
func (c *Coordinator) SetParent(p *Coordinator) error {
	if p == nil {
		return &ErrInvalidArgument{Reason: "nil parent coordinator"}
	}
	if p == c {
		return ErrCycleDetected
	}
	for anc := p; anc != nil; anc = anc.parentRef() {
		if anc == c {
			return ErrCycleDetected
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parent == p {
		return nil
	}
	c.parent = p
	return nil
}

func (c *Coordinator) parentRef() *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

// --- request/response rendezvous ---

// PendingResponse is a single-shot rendezvous slot opened by OpenRequest and
// resolved by a matching CompleteRequest.
type PendingResponse struct {
	c         *Coordinator
	requestID string
	waiter    *responseWaiter
}

// OpenRequest allocates a rendezvous slot for requestID expecting a response
// event of type want. The slot is removed on any terminal outcome (response,
// timeout, cancellation, coordinator close).
func (c *Coordinator) OpenRequest(requestID string, want EventType) (*PendingResponse, error) {
	if requestID == "" {
		return nil, &ErrInvalidArgument{Reason: "empty request id"}
	}
	w := &responseWaiter{want: want, ch: make(chan responseOutcome, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosedChannel
	}
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return nil, &ErrInvalidArgument{Reason: "duplicate request id " + requestID}
	}
	c.pending[requestID] = w
	c.mu.Unlock()
	return &PendingResponse{c: c, requestID: requestID, waiter: w}, nil
}

// Wait blocks until the slot resolves. Timeout <= 0 means
// DefaultResponseTimeout. Cancellation returns ctx.Err(); expiry returns
// ErrResponseTimeout.
func (p *PendingResponse) Wait(ctx context.Context, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer p.c.removeWaiter(p.requestID, p.waiter)

	select {
	case out := <-p.waiter.ch:
		return out.evt, out.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-timer.C:
		return Event{}, ErrResponseTimeout
	}
}

func (c *Coordinator) removeWaiter(requestID string, w *responseWaiter) {
	c.mu.Lock()
	if cur, ok := c.pending[requestID]; ok && cur == w {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
}

// CompleteRequest resolves the waiter registered for evt's request id.
// A type mismatch fails with ErrResponseTypeMismatch and the waiter receives
// an invalid-argument error. With no registered waiter the call is a no-op.
func (c *Coordinator) CompleteRequest(requestID string, evt Event) error {
	c.mu.Lock()
	w, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if evt.Type != w.want {
		w.ch <- responseOutcome{err: &ErrInvalidArgument{
			Reason: "response type " + string(evt.Type) + ", want " + string(w.want),
		}}
		return ErrResponseTypeMismatch
	}
	w.ch <- responseOutcome{evt: evt}
	return nil
}

// Close stops the writer side, releases pending waiters, and lets the reader
// drain to completion. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiters := c.pending
	c.pending = make(map[string]*responseWaiter)
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- responseOutcome{err: ErrClosedChannel}
	}
	c.ch.close()
}
