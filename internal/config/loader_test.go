package config_test

import (
	"strings"
	"testing"

	"github.com/tarnv/persistdm/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_NegativeWeight(t *testing.T) {
	t.Parallel()
	yaml := `
scoring:
  literal_weight: -0.2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative weight, got nil")
	}
	if !strings.Contains(err.Error(), "literal_weight") {
		t.Errorf("error should mention literal_weight, got: %v", err)
	}
}

func TestValidate_InvalidBlend(t *testing.T) {
	t.Parallel()
	yaml := `
scoring:
  blend: geometric
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid blend, got nil")
	}
	if !strings.Contains(err.Error(), "blend") {
		t.Errorf("error should mention blend, got: %v", err)
	}
}

func TestValidate_UnknownTypeBonusKey(t *testing.T) {
	t.Parallel()
	yaml := `
scoring:
  type_bonuses:
    treasure: 0.1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown type bonus key, got nil")
	}
	if !strings.Contains(err.Error(), "treasure") {
		t.Errorf("error should name the bad key, got: %v", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
world:
  merge_similarity: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "merge_similarity") {
		t.Errorf("error should mention merge_similarity, got: %v", err)
	}
}

func TestValidate_StrideExceedsWindow(t *testing.T) {
	t.Parallel()
	yaml := `
ingest:
  window_tokens: 100
  stride_tokens: 150
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for stride > window, got nil")
	}
	if !strings.Contains(err.Error(), "stride_tokens") {
		t.Errorf("error should mention stride_tokens, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
scoring:
  half_life_hours: -1
shards:
  dir: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "half_life_hours", "shards.dir"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
