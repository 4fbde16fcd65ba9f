package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs. The log level and
// the scoring knobs can be applied to a running server; everything else is
// flagged so the caller can log that a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScoringChanged covers weights, half-life, type bonuses and blend mode.
	// Scoring is read per-query, so it is safe to swap at runtime.
	ScoringChanged bool

	// RestartRequired lists dot-paths of changed sections that only take
	// effect on restart (providers, world thresholds, ingest geometry, ...).
	RestartRequired []string
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ScoringChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Scoring.SimilarityWeight != new.Scoring.SimilarityWeight ||
		old.Scoring.LiteralWeight != new.Scoring.LiteralWeight ||
		old.Scoring.RecencyWeight != new.Scoring.RecencyWeight ||
		old.Scoring.TypeWeight != new.Scoring.TypeWeight ||
		old.Scoring.HalfLifeHours != new.Scoring.HalfLifeHours ||
		old.Scoring.Blend != new.Scoring.Blend ||
		!maps.Equal(old.Scoring.TypeBonuses, new.Scoring.TypeBonuses) {
		d.ScoringChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.World != new.World {
		d.RestartRequired = append(d.RestartRequired, "world")
	}
	if old.Context != new.Context {
		d.RestartRequired = append(d.RestartRequired, "context")
	}
	if old.Ingest != new.Ingest {
		d.RestartRequired = append(d.RestartRequired, "ingest")
	}
	if old.Shards != new.Shards {
		d.RestartRequired = append(d.RestartRequired, "shards")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}
