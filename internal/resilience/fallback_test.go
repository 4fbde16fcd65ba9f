package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newBackendGroup(t *testing.T, cb CircuitBreakerConfig) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{CircuitBreaker: cb})
	fg.AddFallback("ollama", "ollama")
	return fg
}

func TestFallbackGroupPrefersPrimary(t *testing.T) {
	t.Parallel()

	fg := newBackendGroup(t, CircuitBreakerConfig{MaxFailures: 3})

	var served string
	if err := fg.Execute(func(backend string) error {
		served = backend
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "openai" {
		t.Fatalf("served by %q, want openai", served)
	}
}

func TestFallbackGroupFailsOver(t *testing.T) {
	t.Parallel()

	fg := newBackendGroup(t, CircuitBreakerConfig{MaxFailures: 3})

	var served string
	if err := fg.Execute(func(backend string) error {
		if backend == "openai" {
			return errBackendDown
		}
		served = backend
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "ollama" {
		t.Fatalf("served by %q, want ollama", served)
	}
}

func TestFallbackGroupAllFail(t *testing.T) {
	t.Parallel()

	fg := newBackendGroup(t, CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(func(string) error { return errBackendDown })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := newBackendGroup(t, CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(backend string) error {
			if backend == "openai" {
				return errBackendDown
			}
			return nil
		})
	}

	// With the primary open, calls must reach the fallback without ever
	// touching the primary.
	var tried []string
	if err := fg.Execute(func(backend string) error {
		tried = append(tried, backend)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 1 || tried[0] != "ollama" {
		t.Fatalf("tried = %v, want [ollama]", tried)
	}
}

func TestExecuteWithResultReturnsPrimaryValue(t *testing.T) {
	t.Parallel()

	fg := newBackendGroup(t, CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, func(backend string) ([]float32, error) {
		if backend != "openai" {
			t.Fatalf("called %q before the primary failed", backend)
		}
		return []float32{0.5, 0.25}, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if len(got) != 2 || got[0] != 0.5 {
		t.Fatalf("embedding = %v, want [0.5 0.25]", got)
	}
}

func TestExecuteWithResultFailsOver(t *testing.T) {
	t.Parallel()

	fg := newBackendGroup(t, CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, func(backend string) (string, error) {
		if backend == "openai" {
			return "", errBackendDown
		}
		return fmt.Sprintf("completion from %s", backend), nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "completion from ollama" {
		t.Fatalf("result = %q, want completion from ollama", got)
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errBackendDown
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
