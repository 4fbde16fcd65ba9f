package world

import (
	"context"
	"sync"

	"github.com/tarnv/persistdm/pkg/provider/embeddings"
)

// Config tunes the write gates, the merge heuristics and the scoring model.
type Config struct {
	// MemoryConfidenceThreshold gates memory inserts and NPC upserts.
	MemoryConfidenceThreshold float64
	// LocationConfidenceThreshold gates location growth; spatial mistakes
	// are harder to undo than a stray memory, so the bar is higher.
	LocationConfidenceThreshold float64
	// DedupeSimilarity is the explanation-embedding cosine above which a
	// candidate memory counts as a duplicate of a recent record.
	DedupeSimilarity float64
	// MergeSimilarity is the descriptor cosine above which two location
	// nodes are considered the same place.
	MergeSimilarity float64
	// NameSimilarity is the Jaro-Winkler floor for name-based node merges.
	NameSimilarity float64
	// PruneConfidenceFloor is the confidence below which an unreferenced,
	// unconnected node is pruned.
	PruneConfidenceFloor float64

	Weights       ScoreWeights
	TypeBonuses   map[MemoryType]float64
	HalfLifeHours float64
	Blend         BlendMode
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MemoryConfidenceThreshold:   0.6,
		LocationConfidenceThreshold: 0.7,
		DedupeSimilarity:            0.95,
		MergeSimilarity:             0.88,
		NameSimilarity:              0.92,
		PruneConfidenceFloor:        0.4,
		Weights:                     DefaultScoreWeights(),
		TypeBonuses:                 DefaultTypeBonuses(),
		HalfLifeHours:               72,
		Blend:                       BlendMax,
	}
}

// World is the aggregate of all mutable campaign state. Its three stores
// share one lock: any single store operation is atomic with respect to the
// others, and model or embedding calls always happen outside of it.
type World struct {
	mu  sync.RWMutex
	cfg Config

	embedder embeddings.Provider

	memories *MemoryStore
	npcs     *NPCIndex
	graph    *LocationGraph
}

// New builds an empty world over the given embedding backend.
func New(embedder embeddings.Provider, cfg Config) *World {
	w := &World{cfg: cfg, embedder: embedder}
	w.memories = newMemoryStore(&w.mu, embedder, cfg.MemoryConfidenceThreshold, cfg.DedupeSimilarity)
	w.npcs = newNPCIndex(&w.mu, cfg.MemoryConfidenceThreshold)
	w.graph = newLocationGraph(&w.mu, cfg.LocationConfidenceThreshold, cfg.MergeSimilarity, cfg.NameSimilarity, cfg.PruneConfidenceFloor)
	return w
}

// Memories exposes the memory log.
func (w *World) Memories() *MemoryStore { return w.memories }

// NPCs exposes the character index.
func (w *World) NPCs() *NPCIndex { return w.npcs }

// Graph exposes the location graph.
func (w *World) Graph() *LocationGraph { return w.graph }

// Config returns the aggregate's tuning.
func (w *World) Config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// SetScoring swaps the retrieval scoring parameters at runtime. Queries read
// the tuning per call, so the next search or context build picks the new
// values up. Gate and merge thresholds stay fixed for the aggregate's
// lifetime; changing those requires a rebuild.
func (w *World) SetScoring(weights ScoreWeights, bonuses map[MemoryType]float64, halfLifeHours float64, blend BlendMode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg.Weights = weights
	w.cfg.TypeBonuses = bonuses
	w.cfg.HalfLifeHours = halfLifeHours
	w.cfg.Blend = blend
}

// Embedder returns the embedding backend the world was built with.
func (w *World) Embedder() embeddings.Provider { return w.embedder }

// ExtractionResult reports the per-item outcomes of applying one batch of
// extracted state.
type ExtractionResult struct {
	Memories  []WriteResult
	NPCs      []WriteResult
	Locations []WriteResult
}

// CommittedMemories counts memory writes that passed the gate.
func (r ExtractionResult) CommittedMemories() int {
	n := 0
	for _, res := range r.Memories {
		if res.Accepted() {
			n++
		}
	}
	return n
}

// Apply pushes one batch of extracted state through the write gates. Items
// are independent: a rejected or failed item never blocks its siblings.
func (w *World) Apply(ctx context.Context, mems []InsertRequest, npcs []NPCUpdate, locs []LocationProposal) ExtractionResult {
	var out ExtractionResult
	for _, req := range mems {
		out.Memories = append(out.Memories, w.memories.Insert(ctx, req))
	}
	for _, update := range npcs {
		out.NPCs = append(out.NPCs, w.npcs.Upsert(update))
	}
	for _, proposal := range locs {
		out.Locations = append(out.Locations, w.graph.Grow(proposal))
	}
	return out
}

// Hygiene runs a graph cleanup pass, treating locations mentioned by any
// memory record as load-bearing.
func (w *World) Hygiene(ctx context.Context) (HygieneReport, error) {
	w.mu.RLock()
	referenced := w.memories.entityReferencesLocked()
	w.mu.RUnlock()
	return w.graph.Hygiene(ctx, w.embedder, referenced)
}

// Snapshot is a point-in-time copy of every store, captured under a single
// read lock so the pieces are mutually consistent: every edge in Edges has
// its endpoints in Nodes, and no writer can interleave between sections.
type Snapshot struct {
	Records []MemoryRecord
	NPCs    []NpcEntry
	Nodes   []LocationNode
	Edges   []LocationEdge
}

// Snapshot captures all campaign state in one critical section.
func (w *World) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Snapshot{
		Records: w.memories.allLocked(),
		NPCs:    w.npcs.allLocked(),
		Nodes:   w.graph.nodesLocked(),
		Edges:   w.graph.edgesLocked(),
	}
}

// RestoreReport counts what a snapshot restore actually changed.
type RestoreReport struct {
	Records           int
	SkippedDuplicates int
	NPCs              int
	Nodes             int
	Edges             int
}

// RestoreSnapshot merges a persisted snapshot into the world under a single
// write lock, so a concurrent reader sees either the world before the merge
// or after it, never a half-merged state. Records already present by id are
// skipped; nodes merge by canonical name and edges are remapped onto the
// surviving node ids.
func (w *World) RestoreSnapshot(snap Snapshot) RestoreReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	var report RestoreReport

	existing := make(map[string]struct{}, len(w.memories.records))
	for i := range w.memories.records {
		existing[w.memories.records[i].ID] = struct{}{}
	}
	for _, rec := range snap.Records {
		if _, dup := existing[rec.ID]; dup {
			report.SkippedDuplicates++
			continue
		}
		w.memories.restoreLocked(rec)
		existing[rec.ID] = struct{}{}
		report.Records++
	}

	for _, entry := range snap.NPCs {
		if w.npcs.restoreLocked(entry) {
			report.NPCs++
		}
	}

	idMap := make(map[string]string, len(snap.Nodes))
	for _, node := range snap.Nodes {
		idMap[node.ID] = w.graph.restoreNodeLocked(node)
		report.Nodes++
	}
	for _, edge := range snap.Edges {
		if from, ok := idMap[edge.From]; ok {
			edge.From = from
		}
		if to, ok := idMap[edge.To]; ok {
			edge.To = to
		}
		if w.graph.addEdgeLocked(edge) {
			report.Edges++
		}
	}
	return report
}

// Reset drops all campaign state in one critical section.
func (w *World) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.memories.resetLocked()
	w.npcs.resetLocked()
	w.graph.resetLocked()
}

// Summary is a cheap snapshot of the world's size for status surfaces.
type Summary struct {
	Memories       int    `json:"memories"`
	NPCs           int    `json:"npcs"`
	Locations      int    `json:"locations"`
	Edges          int    `json:"edges"`
	PlayerLocation string `json:"player_location,omitempty"`
	DanglingSkips  int64  `json:"dangling_skips"`
}

// Summarize reports current store sizes and the party's location name.
func (w *World) Summarize() Summary {
	w.mu.RLock()
	summary := Summary{
		Memories:  len(w.memories.records),
		NPCs:      len(w.npcs.entries),
		Locations: len(w.graph.nodes),
		Edges:     len(w.graph.edges),
	}
	if node, ok := w.graph.nodes[w.graph.playerLocation]; ok {
		summary.PlayerLocation = node.Name
	}
	w.mu.RUnlock()
	summary.DanglingSkips = w.graph.DanglingSkips()
	return summary
}
