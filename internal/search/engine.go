// Package search implements explicit retrieval queries over the world's
// memory log: literal substring lookup, semantic similarity, or a hybrid of
// both, with a per-result score breakdown that accounts for every point of
// the total.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tarnv/persistdm/internal/observe"
	"github.com/tarnv/persistdm/internal/world"
)

// Mode selects the retrieval strategy for one query.
type Mode string

const (
	// ModeLiteral matches the query as a case-insensitive substring; no
	// embedding call is made.
	ModeLiteral Mode = "literal"
	// ModeSemantic ranks purely by embedding similarity.
	ModeSemantic Mode = "semantic"
	// ModeHybrid combines similarity with the literal boost. Default.
	ModeHybrid Mode = "hybrid"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeLiteral || m == ModeSemantic || m == ModeHybrid
}

const (
	maxQueryRunes = 512
	minK          = 1
	maxK          = 100
	defaultK      = 10
)

// ValidationError reports a request the engine refuses to run. It is an
// outcome of bad input, distinct from infrastructure failures.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("search: invalid %s: %s", e.Field, e.Msg)
}

// Request is one retrieval query.
type Request struct {
	// Query is the search text. Required, at most 512 runes after trimming.
	Query string `json:"query"`
	// Mode defaults to hybrid when empty.
	Mode Mode `json:"mode,omitempty"`
	// K is the maximum number of results, clamped to [1, 100]; zero means 10.
	K int `json:"k,omitempty"`
	// Types restricts results to the given memory types when non-empty.
	Types []world.MemoryType `json:"types,omitempty"`
	// Since excludes records last updated at or before this instant. RFC 3339
	// with an explicit UTC offset; a timestamp without one is rejected.
	Since string `json:"since,omitempty"`
}

// Result is one scored record. The breakdown's weighted terms sum to Score.
type Result struct {
	Record    world.MemoryRecord `json:"record"`
	Score     float64            `json:"score"`
	Breakdown world.Breakdown    `json:"breakdown"`
}

// Response carries the ranked results plus how the query was interpreted.
type Response struct {
	Results    []Result `json:"results"`
	Mode       Mode     `json:"mode"`
	K          int      `json:"k"`
	Candidates int      `json:"candidates"`
}

// Engine executes retrieval queries against a world.
type Engine struct {
	world   *world.World
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// NewEngine wires a search engine over w. A nil logger falls back to
// slog.Default; a nil metrics falls back to the package default.
func NewEngine(w *world.World, logger *slog.Logger, metrics *observe.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{world: w, logger: logger, metrics: metrics, now: time.Now}
}

// Search validates, executes and ranks one query. Validation problems return
// a *ValidationError; embedding failures are returned as-is.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	resolved, since, err := e.resolve(req)
	if err != nil {
		e.metrics.RecordSearch(ctx, string(req.Mode), "invalid")
		return nil, err
	}

	var queryVec []float32
	if resolved.Mode != ModeLiteral {
		queryVec, err = e.world.Embedder().Embed(ctx, resolved.Query)
		if err != nil {
			e.metrics.RecordSearch(ctx, string(resolved.Mode), "error")
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	cfg := e.world.Config()
	now := e.now().UTC()
	typeFilter := make(map[world.MemoryType]struct{}, len(resolved.Types))
	for _, t := range resolved.Types {
		typeFilter[t] = struct{}{}
	}

	var scored []world.Scored
	candidates := 0
	for _, rec := range e.world.Memories().All() {
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[rec.Type]; !ok {
				continue
			}
		}
		if since != nil && !rec.UpdatedAt.After(*since) {
			continue
		}
		candidates++

		lit := world.LiteralBoost(resolved.Query, rec.Text+"\n"+rec.Explanation+"\n"+rec.WindowText)
		if resolved.Mode == ModeLiteral && lit == 0 {
			continue
		}

		var breakdown world.Breakdown
		var total float64
		switch resolved.Mode {
		case ModeLiteral:
			// A record either contains the phrase or it does not. Recency
			// and type stay out of the score: every hit carries the same
			// total, and the sort's tie-break orders them newest first.
			breakdown = world.Breakdown{LiteralBoost: lit}
			total = lit
		case ModeSemantic:
			breakdown = world.Breakdown{
				Similarity:   world.BlendedSimilarity(queryVec, rec.ExplanationEmbedding, rec.WindowEmbedding, cfg.Blend),
				RecencyBonus: world.RecencyBonus(rec.UpdatedAt, now, cfg.HalfLifeHours),
				TypeBonus:    world.TypeBonus(rec.Type, cfg.TypeBonuses),
			}
			total = breakdown.Combine(cfg.Weights)
		default:
			breakdown = world.Breakdown{
				Similarity:   world.BlendedSimilarity(queryVec, rec.ExplanationEmbedding, rec.WindowEmbedding, cfg.Blend),
				LiteralBoost: lit,
				RecencyBonus: world.RecencyBonus(rec.UpdatedAt, now, cfg.HalfLifeHours),
				TypeBonus:    world.TypeBonus(rec.Type, cfg.TypeBonuses),
			}
			total = breakdown.Combine(cfg.Weights)
		}
		scored = append(scored, world.Scored{
			Record:    rec,
			Breakdown: breakdown,
			Total:     total,
		})
	}
	world.SortScored(scored)

	if len(scored) > resolved.K {
		scored = scored[:resolved.K]
	}
	results := make([]Result, len(scored))
	for i, s := range scored {
		results[i] = Result{Record: s.Record, Score: s.Total, Breakdown: s.Breakdown}
	}

	e.metrics.RecordSearch(ctx, string(resolved.Mode), "ok")
	e.metrics.SearchDuration.Record(ctx, e.now().Sub(start).Seconds())
	e.logger.DebugContext(ctx, "search executed",
		slog.String("mode", string(resolved.Mode)),
		slog.Int("candidates", candidates),
		slog.Int("results", len(results)),
	)
	return &Response{Results: results, Mode: resolved.Mode, K: resolved.K, Candidates: candidates}, nil
}

// resolve normalises a request: defaults applied, k clamped, query length
// enforced and the since timestamp parsed.
func (e *Engine) resolve(req Request) (Request, *time.Time, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, nil, &ValidationError{Field: "query", Msg: "must not be empty"}
	}
	if utf8.RuneCountInString(req.Query) > maxQueryRunes {
		return req, nil, &ValidationError{Field: "query", Msg: fmt.Sprintf("longer than %d characters", maxQueryRunes)}
	}

	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if !req.Mode.IsValid() {
		return req, nil, &ValidationError{Field: "mode", Msg: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	switch {
	case req.K == 0:
		req.K = defaultK
	case req.K < minK:
		req.K = minK
	case req.K > maxK:
		req.K = maxK
	}

	for _, t := range req.Types {
		if !t.IsValid() {
			return req, nil, &ValidationError{Field: "types", Msg: fmt.Sprintf("unknown memory type %q", t)}
		}
	}

	var since *time.Time
	if req.Since != "" {
		// RFC 3339 requires an explicit offset, so naive timestamps fail to
		// parse here rather than being silently interpreted in some zone.
		parsed, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			return req, nil, &ValidationError{Field: "since", Msg: "must be RFC 3339 with an explicit UTC offset"}
		}
		utc := parsed.UTC()
		since = &utc
	}
	return req, since, nil
}
