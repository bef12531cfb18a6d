package relay

import "context"

// Provider abstracts the LLM backend. Adapters for concrete APIs live
// outside this module; the engine only consumes the stream contract.
type Provider interface {
	// Stream sends a request and returns a channel of incremental updates.
	// The channel is closed when the response is complete. Every successful
	// stream carries at least one finish update. Failures that occur after
	// the channel is returned are reported as a terminal UpdateError update;
	// the loop treats a stream that closes without finish or error as a
	// provider fault.
	Stream(ctx context.Context, req ChatRequest) (<-chan ProviderUpdate, error)
	// Name returns the provider name (e.g. "gemini", "anthropic").
	Name() string
}
