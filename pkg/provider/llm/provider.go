// Package llm defines the Provider interface for Large Language Model backends
// and the extraction layer built on top of it.
//
// A Provider wraps a remote or local model API (e.g., OpenAI, Anthropic via
// any-llm-go, or a local Ollama instance) and exposes a uniform completion
// interface. The [Extractor] type layers the narrative-analysis prompts on a
// Provider: turning raw chunks of story text into candidate memories, NPC
// deltas, and location deltas, and probing movement intent for the location
// graph.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the model backend is unreachable or still loading
// its weights. Callers may retry with backoff; the memory core must leave all
// stores unmodified when an operation fails with this error.
var ErrUnavailable = errors.New("llm: model unavailable")

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must honour ctx cancellation and deadlines on every call — extraction steps
// bound each call with a timeout to keep ingest cancellation latency
// predictable.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives. Backend-unreachable conditions are wrapped with
	// [ErrUnavailable].
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. The result is plain data, resolved once at
	// construction, and constant for the lifetime of the Provider instance.
	// Callers consume it directly instead of probing the backend.
	Capabilities() Capabilities
}

// Capabilities describes what an LLM backend supports. It replaces any kind of
// runtime feature probing: consumers branch on these fields as plain data.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsExtraction reports whether the model reliably follows the
	// JSON-only extraction prompts. Ingest refuses to start against a model
	// that does not.
	SupportsExtraction bool

	// SupportsMovementIntent reports whether the model can be asked the
	// conservative "did the player move?" question on each chat turn. When
	// false the location graph grows only through ingest extraction.
	SupportsMovementIntent bool
}
