// Package contextbuild assembles the retrieval context injected into every
// narrator LLM call.
//
// The bundle consists of three components that are fetched concurrently:
//
//  1. Ranked world memories for the current turn.
//  2. Cards for the characters the turn involves.
//  3. Spatial context: the party's location and its exits.
//
// Use [FormatPrompt] to render a [Bundle] into a prompt section that fits a
// character budget.
package contextbuild

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tarnv/persistdm/internal/observe"
	"github.com/tarnv/persistdm/internal/world"
)

// LocationContext describes where the party currently is.
type LocationContext struct {
	Location world.LocationNode
	Exits    []world.ResolvedExit
}

// Bundle is the assembled context for one narrator call. All fields are
// optional; callers should check for nil/empty before using.
type Bundle struct {
	// Facts are the top-ranked memory records with their score breakdowns,
	// strongest first.
	Facts []world.Scored

	// NPCs are the character cards relevant to this turn, strongest first.
	NPCs []world.NpcEntry

	// Scene is the party's current location, or nil when none is set.
	Scene *LocationContext

	// AssemblyDuration records how long [Builder.Build] took.
	AssemblyDuration time.Duration
}

// Builder concurrently fetches all three components and combines them into a
// [Bundle].
type Builder struct {
	world    *world.World
	metrics  *observe.Metrics
	maxFacts int
	maxNPCs  int
}

// Option is a functional option for [NewBuilder].
type Option func(*Builder)

// WithMaxFacts caps the number of memory records in [Bundle.Facts].
// Defaults to 12.
func WithMaxFacts(n int) Option {
	return func(b *Builder) { b.maxFacts = n }
}

// WithMaxNPCs caps the number of character cards in [Bundle.NPCs].
// Defaults to 6.
func WithMaxNPCs(n int) Option {
	return func(b *Builder) { b.maxNPCs = n }
}

// WithMetrics overrides the metrics sink, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a [Builder] with sensible defaults.
func NewBuilder(w *world.World, opts ...Option) *Builder {
	b := &Builder{
		world:    w,
		maxFacts: 12,
		maxNPCs:  6,
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Build assembles the context bundle for one turn. The turn text is embedded
// once; memory ranking, character ranking (which needs its own embedding
// round-trip for the card profiles) and the scene lookup then run in parallel
// via errgroup. If any component fails, assembly is aborted and that error is
// returned wrapped with a "context bundle: " prefix.
func (b *Builder) Build(ctx context.Context, turnText string) (*Bundle, error) {
	start := time.Now()

	var queryVec []float32
	if b.world.Memories().Len() > 0 || b.world.NPCs().Len() > 0 {
		vec, err := b.world.Embedder().Embed(ctx, turnText)
		if err != nil {
			return nil, fmt.Errorf("context bundle: embed turn: %w", err)
		}
		queryVec = vec
	}

	var (
		facts []world.Scored
		npcs  []world.NpcEntry
		scene *LocationContext
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		facts = b.rankMemories(queryVec, turnText)
		return nil
	})

	eg.Go(func() error {
		ranked, err := b.rankNPCs(egCtx, queryVec)
		if err != nil {
			return fmt.Errorf("context bundle: rank characters: %w", err)
		}
		npcs = ranked
		return nil
	})

	eg.Go(func() error {
		scene = b.sceneContext()
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Facts:            facts,
		NPCs:             npcs,
		Scene:            scene,
		AssemblyDuration: time.Since(start),
	}
	b.metrics.ContextBuildDuration.Record(ctx, bundle.AssemblyDuration.Seconds())
	return bundle, nil
}

// rankMemories scores every committed record against the turn with the full
// composite model, returning the top maxFacts.
func (b *Builder) rankMemories(queryVec []float32, turnText string) []world.Scored {
	records := b.world.Memories().All()
	if len(records) == 0 {
		return nil
	}

	cfg := b.world.Config()
	now := time.Now().UTC()
	scored := make([]world.Scored, 0, len(records))
	for _, rec := range records {
		breakdown := world.Breakdown{
			Similarity:   world.BlendedSimilarity(queryVec, rec.ExplanationEmbedding, rec.WindowEmbedding, cfg.Blend),
			LiteralBoost: world.LiteralBoost(turnText, rec.Text),
			RecencyBonus: world.RecencyBonus(rec.UpdatedAt, now, cfg.HalfLifeHours),
			TypeBonus:    world.TypeBonus(rec.Type, cfg.TypeBonuses),
		}
		scored = append(scored, world.Scored{
			Record:    rec,
			Breakdown: breakdown,
			Total:     breakdown.Combine(cfg.Weights),
		})
	}
	world.SortScored(scored)
	if len(scored) > b.maxFacts {
		scored = scored[:b.maxFacts]
	}
	return scored
}

// rankNPCs scores every character against the turn the same way memories are
// scored: the query's similarity to a profile text reconstructed from the
// entry, plus the recency of the entry's last update. Characters with no
// semantic relation to the turn never produce a card.
func (b *Builder) rankNPCs(ctx context.Context, queryVec []float32) ([]world.NpcEntry, error) {
	entries := b.world.NPCs().All()
	if len(entries) == 0 || len(queryVec) == 0 {
		return nil, nil
	}

	profiles := make([]string, len(entries))
	for i := range entries {
		profiles[i] = npcProfileText(entries[i])
	}
	vecs, err := b.world.Embedder().EmbedBatch(ctx, profiles)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(entries) {
		return nil, fmt.Errorf("embed profiles: got %d vectors, want %d", len(vecs), len(entries))
	}

	cfg := b.world.Config()
	now := time.Now().UTC()
	type rankedNPC struct {
		entry world.NpcEntry
		total float64
	}
	ranked := make([]rankedNPC, 0, len(entries))
	for i, entry := range entries {
		sim := world.Cosine(queryVec, vecs[i])
		if sim == 0 {
			continue
		}
		total := cfg.Weights.Sim*sim + cfg.Weights.Rec*world.RecencyBonus(entry.UpdatedAt, now, cfg.HalfLifeHours)
		ranked = append(ranked, rankedNPC{entry: entry, total: total})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].total != ranked[j].total {
			return ranked[i].total > ranked[j].total
		}
		if !ranked[i].entry.UpdatedAt.Equal(ranked[j].entry.UpdatedAt) {
			return ranked[i].entry.UpdatedAt.After(ranked[j].entry.UpdatedAt)
		}
		return ranked[i].entry.Name < ranked[j].entry.Name
	})
	if len(ranked) > b.maxNPCs {
		ranked = ranked[:b.maxNPCs]
	}
	out := make([]world.NpcEntry, len(ranked))
	for i := range ranked {
		out[i] = ranked[i].entry
	}
	return out, nil
}

// npcProfileText rebuilds the embeddable description of a character from its
// merged fields: name, aliases, intent and last known whereabouts.
func npcProfileText(e world.NpcEntry) string {
	parts := make([]string, 0, 4+len(e.Aliases))
	parts = append(parts, e.Name)
	parts = append(parts, e.Aliases...)
	if e.Intent != "" {
		parts = append(parts, e.Intent)
	}
	if e.LastSeenLocation != "" {
		parts = append(parts, "last seen at "+e.LastSeenLocation)
	}
	return strings.Join(parts, ". ")
}

// sceneContext resolves the party's current node and its exits. Dangling
// exits are skipped (and counted) by the graph itself.
func (b *Builder) sceneContext() *LocationContext {
	node, ok := b.world.Graph().PlayerLocation()
	if !ok {
		return nil
	}
	return &LocationContext{
		Location: node,
		Exits:    b.world.Graph().Exits(node.ID),
	}
}
