package resilience

import (
	"context"

	"github.com/tarnv/persistdm/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities returns the intersection of all entries' capabilities: a
// feature is advertised only when every backend that may serve a request
// supports it, so a mid-conversation failover never drops below what the
// caller was promised.
func (f *LLMFallback) Capabilities() llm.Capabilities {
	if len(f.group.entries) == 0 {
		return llm.Capabilities{}
	}
	caps := f.group.entries[0].value.Capabilities()
	for _, entry := range f.group.entries[1:] {
		c := entry.value.Capabilities()
		if c.ContextWindow < caps.ContextWindow {
			caps.ContextWindow = c.ContextWindow
		}
		if c.MaxOutputTokens < caps.MaxOutputTokens {
			caps.MaxOutputTokens = c.MaxOutputTokens
		}
		caps.SupportsExtraction = caps.SupportsExtraction && c.SupportsExtraction
		caps.SupportsMovementIntent = caps.SupportsMovementIntent && c.SupportsMovementIntent
	}
	return caps
}
