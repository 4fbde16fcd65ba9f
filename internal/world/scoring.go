package world

import (
	"math"
	"sort"
	"strings"
	"time"
)

// BlendMode selects how the two similarities of a dual-embedded record are
// combined into one value.
type BlendMode string

const (
	// BlendMax takes the stronger of the two similarities: a record is
	// retrievable either because its meaning matches or because its phrasing
	// matches, whichever is stronger.
	BlendMax BlendMode = "max"

	// BlendAvg averages the two similarities. Kept as an experimentation
	// point; max is the default.
	BlendAvg BlendMode = "avg"
)

// IsValid reports whether m is a recognised blend mode.
func (m BlendMode) IsValid() bool {
	return m == BlendMax || m == BlendAvg
}

// ScoreWeights holds the linear weights for the composite retrieval score.
type ScoreWeights struct {
	Sim     float64 `yaml:"w_sim"`
	Literal float64 `yaml:"w_literal"`
	Rec     float64 `yaml:"w_rec"`
	Type    float64 `yaml:"w_type"`
}

// DefaultScoreWeights mirrors the tuned defaults of the original retrieval
// stack. They are configuration, not law.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Sim: 1.0, Literal: 0.2, Rec: 0.15, Type: 0.05}
}

// DefaultTypeBonuses slightly favours character and spatial facts over lore.
func DefaultTypeBonuses() map[MemoryType]float64 {
	return map[MemoryType]float64{
		TypeNPC:      0.02,
		TypeLocation: 0.01,
	}
}

// Breakdown is the per-term decomposition of a composite score. The weighted
// sum of its terms equals the total score exactly; search exposes it to
// callers as the result explanation.
type Breakdown struct {
	Similarity   float64 `json:"similarity"`
	LiteralBoost float64 `json:"literal_boost"`
	RecencyBonus float64 `json:"recency_bonus"`
	TypeBonus    float64 `json:"type_bonus"`
}

// Combine folds the breakdown into a single score using w.
func (b Breakdown) Combine(w ScoreWeights) float64 {
	return w.Sim*b.Similarity +
		w.Literal*b.LiteralBoost +
		w.Rec*b.RecencyBonus +
		w.Type*b.TypeBonus
}

// Cosine returns the cosine similarity of a and b clipped to [0, 1].
// Zero-length or zero-magnitude vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, sim))
}

// BlendedSimilarity combines the query's similarity to the explanation vector
// and to the window vector according to mode. A missing vector contributes
// nothing under max and is excluded from the average.
func BlendedSimilarity(query, explanation, window []float32, mode BlendMode) float64 {
	se := Cosine(query, explanation)
	if len(window) == 0 {
		return se
	}
	sw := Cosine(query, window)
	if mode == BlendAvg {
		return (se + sw) / 2
	}
	return math.Max(se, sw)
}

// RecencyBonus computes the exponential-decay recency term: 0.5^(age/halfLife).
// An item exactly one half-life old scores exactly 0.5; items from the future
// are clamped to 1.
func RecencyBonus(updatedAt, now time.Time, halfLifeHours float64) float64 {
	if halfLifeHours <= 0 {
		return 0
	}
	ageHours := now.Sub(updatedAt).Hours()
	if ageHours <= 0 {
		return 1
	}
	return math.Pow(0.5, ageHours/halfLifeHours)
}

// LiteralBoost reports 1 when query occurs in text case-insensitively, else 0.
// The weight applied to the boost lives in ScoreWeights.Literal.
func LiteralBoost(query, text string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || text == "" {
		return 0
	}
	if strings.Contains(strings.ToLower(text), q) {
		return 1
	}
	return 0
}

// TypeBonus looks up the additive bonus for t, defaulting to 0.
func TypeBonus(t MemoryType, bonuses map[MemoryType]float64) float64 {
	return bonuses[t]
}

// Scored pairs a record with its breakdown and total for ranking.
type Scored struct {
	Record    MemoryRecord
	Breakdown Breakdown
	Total     float64
}

// SortScored orders s by descending total. Exact ties prefer the more
// recently updated record, then lexicographic id order, so rankings are
// deterministic.
func SortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Total != s[j].Total {
			return s[i].Total > s[j].Total
		}
		if !s[i].Record.UpdatedAt.Equal(s[j].Record.UpdatedAt) {
			return s[i].Record.UpdatedAt.After(s[j].Record.UpdatedAt)
		}
		return s[i].Record.ID < s[j].Record.ID
	})
}
