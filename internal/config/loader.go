package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/tarnv/persistdm/internal/world"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; semantic retrieval and ingest will not be available")
	}

	// Scoring
	for name, w := range map[string]float64{
		"scoring.similarity_weight": cfg.Scoring.SimilarityWeight,
		"scoring.literal_weight":    cfg.Scoring.LiteralWeight,
		"scoring.recency_weight":    cfg.Scoring.RecencyWeight,
		"scoring.type_weight":       cfg.Scoring.TypeWeight,
	} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("%s %.3f must not be negative", name, w))
		}
	}
	if cfg.Scoring.HalfLifeHours <= 0 {
		errs = append(errs, fmt.Errorf("scoring.half_life_hours %.1f must be positive", cfg.Scoring.HalfLifeHours))
	}
	if cfg.Scoring.Blend != "" && !world.BlendMode(cfg.Scoring.Blend).IsValid() {
		errs = append(errs, fmt.Errorf("scoring.blend %q is invalid; valid values: max, avg", cfg.Scoring.Blend))
	}
	for typ, bonus := range cfg.Scoring.TypeBonuses {
		if !world.MemoryType(typ).IsValid() {
			errs = append(errs, fmt.Errorf("scoring.type_bonuses key %q is not a memory type", typ))
		}
		if bonus < 0 {
			errs = append(errs, fmt.Errorf("scoring.type_bonuses[%s] %.3f must not be negative", typ, bonus))
		}
	}

	// World thresholds are all ratios.
	for name, v := range map[string]float64{
		"world.memory_confidence_threshold":   cfg.World.MemoryConfidenceThreshold,
		"world.location_confidence_threshold": cfg.World.LocationConfidenceThreshold,
		"world.dedupe_similarity":             cfg.World.DedupeSimilarity,
		"world.merge_similarity":              cfg.World.MergeSimilarity,
		"world.name_similarity":               cfg.World.NameSimilarity,
		"world.prune_confidence_floor":        cfg.World.PruneConfidenceFloor,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", name, v))
		}
	}

	// Context
	if cfg.Context.MaxFacts <= 0 {
		errs = append(errs, fmt.Errorf("context.max_facts %d must be positive", cfg.Context.MaxFacts))
	}
	if cfg.Context.MaxNPCs <= 0 {
		errs = append(errs, fmt.Errorf("context.max_npcs %d must be positive", cfg.Context.MaxNPCs))
	}
	if cfg.Context.CharBudget <= 0 {
		errs = append(errs, fmt.Errorf("context.char_budget %d must be positive", cfg.Context.CharBudget))
	}

	// Ingest geometry
	if cfg.Ingest.WindowTokens <= 0 {
		errs = append(errs, fmt.Errorf("ingest.window_tokens %d must be positive", cfg.Ingest.WindowTokens))
	}
	if cfg.Ingest.StrideTokens <= 0 {
		errs = append(errs, fmt.Errorf("ingest.stride_tokens %d must be positive", cfg.Ingest.StrideTokens))
	}
	if cfg.Ingest.StrideTokens > cfg.Ingest.WindowTokens {
		errs = append(errs, fmt.Errorf("ingest.stride_tokens %d exceeds ingest.window_tokens %d; words between windows would never be read", cfg.Ingest.StrideTokens, cfg.Ingest.WindowTokens))
	}
	if cfg.Ingest.CheckpointTokens <= 0 {
		errs = append(errs, fmt.Errorf("ingest.checkpoint_tokens %d must be positive", cfg.Ingest.CheckpointTokens))
	}

	// Shards
	if cfg.Shards.Dir == "" {
		errs = append(errs, errors.New("shards.dir is required"))
	}

	// Archive
	if cfg.Archive.PostgresDSN != "" && cfg.Archive.EmbeddingDimensions <= 0 {
		slog.Warn("archive.postgres_dsn is configured but archive.embedding_dimensions is not set; defaulting to 1536")
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout_seconds %d must not be negative", cfg.Resilience.ResetTimeoutSeconds))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
