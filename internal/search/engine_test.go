package search_test

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tarnv/persistdm/internal/observe"
	"github.com/tarnv/persistdm/internal/search"
	"github.com/tarnv/persistdm/internal/world"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

const stubDims = 32

func (s *stubEmbedder) vectorFor(text string) []float32 {
	if v, ok := s.vectors[text]; ok {
		return v
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	vec := make([]float32, stubDims)
	vec[h.Sum32()%stubDims] = 1
	return vec
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vectorFor(text), nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vectorFor(t)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return stubDims }
func (s *stubEmbedder) ModelID() string { return "stub-embedder" }

func newTestEngine(t *testing.T) (*search.Engine, *world.World, *stubEmbedder) {
	t.Helper()
	emb := &stubEmbedder{vectors: make(map[string][]float32)}
	w := world.New(emb, world.DefaultConfig())
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return search.NewEngine(w, nil, metrics), w, emb
}

func mustInsert(t *testing.T, w *world.World, req world.InsertRequest) string {
	t.Helper()
	res := w.Memories().Insert(context.Background(), req)
	if !res.Accepted() {
		t.Fatalf("Insert %q: %+v", req.Text, res)
	}
	return res.ID
}

func TestSearchValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name  string
		req   search.Request
		field string
	}{
		{"empty query", search.Request{Query: "  "}, "query"},
		{"overlong query", search.Request{Query: longQuery(513)}, "query"},
		{"unknown mode", search.Request{Query: "x", Mode: "psychic"}, "mode"},
		{"unknown type", search.Request{Query: "x", Types: []world.MemoryType{"gossip"}}, "types"},
		{"naive since timestamp", search.Request{Query: "x", Since: "2025-03-01T10:00:00"}, "since"},
		{"garbage since", search.Request{Query: "x", Since: "yesterday"}, "since"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine, _, _ := newTestEngine(t)
			_, err := engine.Search(ctx, tc.req)
			var verr *search.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}

	t.Run("query of exactly 512 runes is accepted", func(t *testing.T) {
		t.Parallel()
		engine, _, _ := newTestEngine(t)
		if _, err := engine.Search(ctx, search.Request{Query: longQuery(512)}); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	})
}

func longQuery(n int) string {
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = 'q'
	}
	return string(runes)
}

func TestSearchKClamping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name string
		k    int
		want int
	}{
		{"zero defaults to ten", 0, 10},
		{"negative clamps to one", -5, 1},
		{"oversized clamps to one hundred", 5000, 100},
		{"in range passes through", 25, 25},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine, _, _ := newTestEngine(t)
			resp, err := engine.Search(ctx, search.Request{Query: "anything", K: tc.k})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if resp.K != tc.want {
				t.Fatalf("expected k=%d, got %d", tc.want, resp.K)
			}
		})
	}
}

func TestSearchLiteral(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, w, emb := newTestEngine(t)

	mustInsert(t, w, world.InsertRequest{
		Text: "Rinna is the blacksmith of Kelder", Type: world.TypeNPC, Confidence: 0.9,
	})
	mustInsert(t, w, world.InsertRequest{
		Text: "The harvest festival starts at dusk", Type: world.TypeEvent, Confidence: 0.9,
	})
	callsAfterInsert := emb.calls

	resp, err := engine.Search(ctx, search.Request{Query: "Rinna", Mode: search.ModeLiteral})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	r := resp.Results[0]
	if r.Record.Text != "Rinna is the blacksmith of Kelder" {
		t.Fatalf("unexpected result: %q", r.Record.Text)
	}
	if r.Breakdown.Similarity != 0 || r.Breakdown.LiteralBoost != 1 {
		t.Fatalf("literal mode breakdown: %+v", r.Breakdown)
	}
	if r.Breakdown.RecencyBonus != 0 || r.Breakdown.TypeBonus != 0 {
		t.Fatalf("literal mode must not blend recency or type: %+v", r.Breakdown)
	}
	if r.Score != 1 {
		t.Fatalf("literal hit must score exactly 1, got %v", r.Score)
	}
	if emb.calls != callsAfterInsert {
		t.Fatal("literal mode must not call the embedder")
	}
}

func TestSearchLiteralOrdersByRecency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, w, _ := newTestEngine(t)

	old := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.Memories().Restore(world.MemoryRecord{
		ID: "lit-old", Type: world.TypeLore, Text: "the beacon was lit at the old tower",
		Confidence: 0.9, CreatedAt: old, UpdatedAt: old,
	})
	w.Memories().Restore(world.MemoryRecord{
		ID: "lit-new", Type: world.TypeEvent, Text: "the beacon was lit again last night",
		Confidence: 0.9, CreatedAt: recent, UpdatedAt: recent,
	})

	resp, err := engine.Search(ctx, search.Request{Query: "beacon", Mode: search.ModeLiteral})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected both hits, got %d", len(resp.Results))
	}
	if resp.Results[0].Record.ID != "lit-new" || resp.Results[1].Record.ID != "lit-old" {
		t.Fatalf("hits must come newest first: %q then %q",
			resp.Results[0].Record.ID, resp.Results[1].Record.ID)
	}
	for _, r := range resp.Results {
		if r.Score != 1 {
			t.Fatalf("every literal hit scores 1, got %v for %q", r.Score, r.Record.ID)
		}
	}
}

func TestSearchSemanticRanking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, w, emb := newTestEngine(t)

	emb.vectors["who forges weapons in town"] = []float32{1, 0, 0}
	emb.vectors["The smith's trade"] = []float32{0.9, 0.1, 0}
	emb.vectors["Festival timing"] = []float32{0, 1, 0}

	smith := mustInsert(t, w, world.InsertRequest{
		Text: "Rinna forges blades at the Kelder smithy", Explanation: "The smith's trade",
		Type: world.TypeNPC, Confidence: 0.9,
	})
	mustInsert(t, w, world.InsertRequest{
		Text: "The harvest festival starts at dusk", Explanation: "Festival timing",
		Type: world.TypeEvent, Confidence: 0.9,
	})

	resp, err := engine.Search(ctx, search.Request{Query: "who forges weapons in town", Mode: search.ModeSemantic, K: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Record.ID != smith {
		t.Fatalf("expected smith record first, got %q", resp.Results[0].Record.Text)
	}
	if resp.Results[0].Breakdown.LiteralBoost != 0 {
		t.Fatalf("semantic mode must not apply literal boost: %+v", resp.Results[0].Breakdown)
	}
}

func TestSearchHybridLiteralBoost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, w, emb := newTestEngine(t)

	// Both records embed identically; only the literal hit separates them.
	shared := []float32{1, 0, 0}
	emb.vectors["Rinna"] = shared
	emb.vectors["about the smith"] = shared
	emb.vectors["about the festival"] = shared

	named := mustInsert(t, w, world.InsertRequest{
		Text: "Rinna is the blacksmith of Kelder", Explanation: "about the smith",
		Type: world.TypeEvent, Confidence: 0.9,
	})
	mustInsert(t, w, world.InsertRequest{
		Text: "The harvest festival starts at dusk", Explanation: "about the festival",
		Type: world.TypeEvent, Confidence: 0.9,
	})

	resp, err := engine.Search(ctx, search.Request{Query: "Rinna", Mode: search.ModeHybrid, K: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Results[0].Record.ID != named {
		t.Fatalf("expected literal hit ranked first, got %q", resp.Results[0].Record.Text)
	}
	if resp.Results[0].Breakdown.LiteralBoost != 1 {
		t.Fatalf("expected literal boost on first result: %+v", resp.Results[0].Breakdown)
	}
	if resp.Results[1].Breakdown.LiteralBoost != 0 {
		t.Fatalf("expected no literal boost on second result: %+v", resp.Results[1].Breakdown)
	}
}

func TestSearchBreakdownSumsToScore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, w, _ := newTestEngine(t)

	mustInsert(t, w, world.InsertRequest{
		Text: "Rinna is the blacksmith of Kelder", Type: world.TypeNPC,
		Entities: []string{"Rinna"}, Confidence: 0.9,
	})
	mustInsert(t, w, world.InsertRequest{
		Text: "The Sunken Chapel lies beneath the lake", Type: world.TypeLocation, Confidence: 0.9,
	})

	resp, err := engine.Search(ctx, search.Request{Query: "Rinna the blacksmith", K: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	weights := w.Config().Weights
	for _, r := range resp.Results {
		sum := weights.Sim*r.Breakdown.Similarity +
			weights.Literal*r.Breakdown.LiteralBoost +
			weights.Rec*r.Breakdown.RecencyBonus +
			weights.Type*r.Breakdown.TypeBonus
		if math.Abs(sum-r.Score) > 1e-6 {
			t.Fatalf("breakdown does not account for score: sum=%v score=%v (%+v)", sum, r.Score, r.Breakdown)
		}
	}
}

func TestSearchFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("type filter", func(t *testing.T) {
		t.Parallel()
		engine, w, _ := newTestEngine(t)
		mustInsert(t, w, world.InsertRequest{Text: "Rinna the smith", Type: world.TypeNPC, Confidence: 0.9})
		mustInsert(t, w, world.InsertRequest{Text: "The festival begins", Type: world.TypeEvent, Confidence: 0.9})

		resp, err := engine.Search(ctx, search.Request{Query: "anything", Types: []world.MemoryType{world.TypeNPC}})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if resp.Candidates != 1 {
			t.Fatalf("expected 1 candidate, got %d", resp.Candidates)
		}
		if len(resp.Results) != 1 || resp.Results[0].Record.Type != world.TypeNPC {
			t.Fatalf("unexpected results: %+v", resp.Results)
		}
	})

	t.Run("since filter is exclusive", func(t *testing.T) {
		t.Parallel()
		engine, w, _ := newTestEngine(t)
		mustInsert(t, w, world.InsertRequest{Text: "An old rumor", Type: world.TypeLore, Confidence: 0.9})

		past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
		resp, err := engine.Search(ctx, search.Request{Query: "rumor", Since: past})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Fatalf("expected 1 result for past cutoff, got %d", len(resp.Results))
		}

		future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		resp, err = engine.Search(ctx, search.Request{Query: "rumor", Since: future})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Results) != 0 {
			t.Fatalf("expected no results for future cutoff, got %d", len(resp.Results))
		}
	})

	t.Run("since filter excludes exact timestamp matches", func(t *testing.T) {
		t.Parallel()
		engine, w, _ := newTestEngine(t)

		at := time.Date(2025, 5, 10, 9, 30, 0, 0, time.UTC)
		w.Memories().Restore(world.MemoryRecord{
			ID: "boundary", Type: world.TypeLore, Text: "a rumor from the border",
			Confidence: 0.9, CreatedAt: at, UpdatedAt: at,
		})

		resp, err := engine.Search(ctx, search.Request{
			Query: "rumor", Mode: search.ModeLiteral, Since: at.Format(time.RFC3339),
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Results) != 0 {
			t.Fatalf("a record updated exactly at the cutoff must be excluded, got %d results", len(resp.Results))
		}

		resp, err = engine.Search(ctx, search.Request{
			Query: "rumor", Mode: search.ModeLiteral, Since: at.Add(-time.Second).Format(time.RFC3339),
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Fatalf("a record updated after the cutoff must be included, got %d results", len(resp.Results))
		}
	})
}

func TestSearchEmbedderFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine, w, emb := newTestEngine(t)
	mustInsert(t, w, world.InsertRequest{Text: "something", Type: world.TypeLore, Confidence: 0.9})

	boom := errors.New("backend down")
	emb.err = boom
	_, err := engine.Search(ctx, search.Request{Query: "anything", Mode: search.ModeSemantic})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped embedder error, got %v", err)
	}
}
