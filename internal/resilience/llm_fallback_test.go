package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/tarnv/persistdm/pkg/provider/llm"
	llmmock "github.com/tarnv/persistdm/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.CompleteCalls))
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteErr: errors.New("primary down"),
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Capabilities_Intersection(t *testing.T) {
	primary := &llmmock.Provider{
		CapabilitiesValue: llm.Capabilities{
			ContextWindow:      128000,
			MaxOutputTokens:    8192,
			SupportsExtraction: true,
		},
	}
	secondary := &llmmock.Provider{
		CapabilitiesValue: llm.Capabilities{
			ContextWindow:      32000,
			MaxOutputTokens:    16384,
			SupportsExtraction: false,
		},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	caps := fb.Capabilities()
	if caps.ContextWindow != 32000 {
		t.Fatalf("ContextWindow = %d, want the smaller 32000", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 8192 {
		t.Fatalf("MaxOutputTokens = %d, want the smaller 8192", caps.MaxOutputTokens)
	}
	if caps.SupportsExtraction {
		t.Fatal("SupportsExtraction should be false unless every entry supports it")
	}
}

func TestLLMFallback_Capabilities_SingleEntry(t *testing.T) {
	primary := &llmmock.Provider{
		CapabilitiesValue: llm.Capabilities{ContextWindow: 128000, SupportsExtraction: true},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	caps := fb.Capabilities()
	if caps.ContextWindow != 128000 || !caps.SupportsExtraction {
		t.Fatalf("caps = %+v", caps)
	}
}
