// Package relay is a core execution engine for LLM agents. It drives
// tool-calling conversations: an Agent takes user messages, alternates LLM
// calls with tool invocations until the model produces a final response, and
// streams typed events to the caller while it works.
//
// The engine is built from four cooperating parts:
//
//   - the agent loop (Agent.Run), a bounded iteration driver with
//     cancellation, an iteration cap, and a consecutive-error budget;
//   - the middleware pipeline, eight lifecycle hooks per turn with scoped
//     targeting, forward pre-hooks, reverse post-hooks, and an onion-style
//     wrapper around the streaming LLM call;
//   - the event coordinator, an unbounded typed event queue with
//     parent-child bubbling for sub-agents and single-shot request/response
//     rendezvous for human-in-the-loop pauses;
//   - the conversation thread, the serializable message log with branches,
//     per-middleware state slots, and snapshot vs checkpoint persistence.
//
// LLM providers, concrete tools, and storage backends plug in through small
// interfaces (Provider, Tool, ThreadStore). The store subpackages provide
// filesystem, SQLite, and Postgres ThreadStore implementations; the observer
// subpackage provides OpenTelemetry-backed tracing and metrics.
package relay
