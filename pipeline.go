package relay

import (
	"context"
	"log/slog"
	"sort"
)

// Pipeline orders middlewares by scope and runs their hooks around the loop:
// pre-hooks forward in specificity order (Global, Plugin, Skill, Function;
// registration order within a tier), post-hooks in exact reverse for
// symmetric unwinding, and ExecuteLLM as a right-to-left onion with the
// last-registered applicable middleware outermost.
type Pipeline struct {
	regs   []registration
	logger *slog.Logger
}

type registration struct {
	mw    Middleware
	scope Scope
	order int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets a structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates an empty pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: nopLogger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Use registers a middleware with its scope.
func (p *Pipeline) Use(mw Middleware, scope Scope) {
	p.regs = append(p.regs, registration{mw: mw, scope: scope, order: len(p.regs)})
}

// Len returns the number of registered middlewares.
func (p *Pipeline) Len() int { return len(p.regs) }

// applicable returns the middlewares that apply at the call site, ordered by
// scope specificity then registration order.
func (p *Pipeline) applicable(site callSite) []registration {
	var out []registration
	for _, reg := range p.regs {
		if reg.scope.appliesTo(site) {
			out = append(out, reg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].scope.specificity() != out[j].scope.specificity() {
			return out[i].scope.specificity() < out[j].scope.specificity()
		}
		return out[i].order < out[j].order
	})
	return out
}

// hookCall invokes one named hook on a middleware.
type hookCall func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error

// runForward runs a pre-hook across the applicable middlewares. Scheduled
// state updates are folded in after every hook method so later middlewares
// observe earlier updates. The first error aborts the sequence and is
// recorded on the context for the post-hook unwind.
func (p *Pipeline) runForward(ctx context.Context, mc *MiddlewareContext, site callSite, name string, call hookCall) error {
	for _, reg := range p.applicable(site) {
		mc.middlewareName = reg.mw.Name()
		err := call(reg.mw, ctx, mc)
		mc.state = mc.state.applyPending()
		if err != nil {
			mc.Exception = err
			p.logger.Debug("pre-hook failed", "hook", name, "middleware", reg.mw.Name(), "error", err)
			mc.middlewareName = ""
			return err
		}
	}
	mc.middlewareName = ""
	return nil
}

// runReverse runs a post-hook across the applicable middlewares in reverse
// order. Every middleware runs even after failures, so cleanup and
// error-tracking middlewares always observe the unwind; the first post-hook
// error is returned, the rest are logged.
func (p *Pipeline) runReverse(ctx context.Context, mc *MiddlewareContext, site callSite, name string, call hookCall) error {
	regs := p.applicable(site)
	var firstErr error
	for i := len(regs) - 1; i >= 0; i-- {
		mc.middlewareName = regs[i].mw.Name()
		err := call(regs[i].mw, ctx, mc)
		mc.state = mc.state.applyPending()
		if err != nil {
			p.logger.Debug("post-hook failed", "hook", name, "middleware", regs[i].mw.Name(), "error", err)
			mc.Emit(Event{Type: EventMiddlewareError, Name: regs[i].mw.Name(), Err: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	mc.middlewareName = ""
	return firstErr
}

// Named hook runners.

func (p *Pipeline) beforeMessageTurn(ctx context.Context, mc *MiddlewareContext) error {
	return p.runForward(ctx, mc, mc.site, "before-message-turn", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.BeforeMessageTurn(ctx, mc)
	})
}

func (p *Pipeline) afterMessageTurn(ctx context.Context, mc *MiddlewareContext) error {
	return p.runReverse(ctx, mc, mc.site, "after-message-turn", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.AfterMessageTurn(ctx, mc)
	})
}

func (p *Pipeline) beforeIteration(ctx context.Context, mc *MiddlewareContext) error {
	return p.runForward(ctx, mc, mc.site, "before-iteration", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.BeforeIteration(ctx, mc)
	})
}

func (p *Pipeline) afterIteration(ctx context.Context, mc *MiddlewareContext) error {
	return p.runReverse(ctx, mc, mc.site, "after-iteration", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.AfterIteration(ctx, mc)
	})
}

func (p *Pipeline) beforeToolExecution(ctx context.Context, mc *MiddlewareContext) error {
	return p.runForward(ctx, mc, mc.site, "before-tool-execution", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.BeforeToolExecution(ctx, mc)
	})
}

func (p *Pipeline) beforeFunction(ctx context.Context, mc *MiddlewareContext) error {
	return p.runForward(ctx, mc, mc.site, "before-function", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.BeforeFunction(ctx, mc)
	})
}

func (p *Pipeline) afterFunction(ctx context.Context, mc *MiddlewareContext) error {
	return p.runReverse(ctx, mc, mc.site, "after-function", func(mw Middleware, ctx context.Context, mc *MiddlewareContext) error {
		return mw.AfterFunction(ctx, mc)
	})
}

// executeLLM composes the ExecuteLLM onion over base, the provider call.
// Layers wrap in registration-specificity order so the last applicable
// middleware is outermost: its code runs first on the way in and sees the
// full decorated stream on the way out.
func (p *Pipeline) executeLLM(ctx context.Context, mc *MiddlewareContext, base LLMNext) (<-chan ProviderUpdate, error) {
	next := base
	for _, reg := range p.applicable(mc.site) {
		mw := reg.mw
		inner := next
		next = func(ctx context.Context) (<-chan ProviderUpdate, error) {
			mc.middlewareName = mw.Name()
			return mw.ExecuteLLM(ctx, mc, inner)
		}
	}
	ch, err := next(ctx)
	mc.state = mc.state.applyPending()
	mc.middlewareName = ""
	return ch, err
}
