package world

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/tarnv/persistdm/pkg/provider/embeddings"
)

// ResolvedExit is an outgoing edge whose target node still exists.
type ResolvedExit struct {
	Edge   LocationEdge
	Target LocationNode
}

// HygieneReport summarises one hygiene pass over the graph. A pass over an
// already-clean graph reports all zeroes.
type HygieneReport struct {
	MergedNodes  int `json:"merged_nodes"`
	PrunedNodes  int `json:"pruned_nodes"`
	PrunedEdges  int `json:"pruned_edges"`
	DedupedEdges int `json:"deduped_edges"`
}

// Empty reports whether the pass changed nothing.
func (r HygieneReport) Empty() bool {
	return r.MergedNodes == 0 && r.PrunedNodes == 0 && r.PrunedEdges == 0 && r.DedupedEdges == 0
}

// LocationGraph is the directed spatial graph of the campaign world. Edges
// are labelled exits; duplicates and stale targets accumulate during
// extraction and are cleaned up by periodic hygiene passes.
type LocationGraph struct {
	mu *sync.RWMutex

	confidenceThreshold  float64
	mergeSimilarity      float64
	nameSimilarity       float64
	pruneConfidenceFloor float64

	nodes map[string]*LocationNode
	edges []LocationEdge

	playerLocation string

	// danglingSkips counts edges whose target was missing when a read path
	// tried to resolve them. Read paths hold only the shared read lock, so
	// the counter is atomic.
	danglingSkips  atomic.Int64
	onDanglingSkip func(int)

	now func() time.Time
}

func newLocationGraph(mu *sync.RWMutex, confidenceThreshold, mergeSimilarity, nameSimilarity, pruneConfidenceFloor float64) *LocationGraph {
	return &LocationGraph{
		mu:                   mu,
		confidenceThreshold:  confidenceThreshold,
		mergeSimilarity:      mergeSimilarity,
		nameSimilarity:       nameSimilarity,
		pruneConfidenceFloor: pruneConfidenceFloor,
		nodes:                make(map[string]*LocationNode),
		now:                  time.Now,
	}
}

// Grow applies one extracted location proposal. Proposals below the location
// confidence threshold are Rejected. A proposal naming an existing location
// amends it; otherwise a new node is created. Exits to locations the graph
// has not seen yet create low-confidence stub nodes so the edge has a real
// target.
func (g *LocationGraph) Grow(p LocationProposal) WriteResult {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return rejected(ReasonEmptyText)
	}
	if p.Confidence < g.confidenceThreshold {
		return rejected(ReasonLowConfidence)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	node := g.nodeByNameLocked(name)
	now := g.now().UTC()
	if node == nil {
		node = &LocationNode{
			ID:         uuid.NewString(),
			Name:       name,
			Confidence: p.Confidence,
			CreatedAt:  now,
		}
		g.nodes[node.ID] = node
	}
	if desc := strings.TrimSpace(p.Description); desc != "" && len(desc) > len(node.Description) {
		node.Description = desc
	}
	if p.Confidence > node.Confidence {
		node.Confidence = p.Confidence
	}
	node.UpdatedAt = now

	for _, exit := range p.Exits {
		target := g.ensureStubLocked(exit.To, now)
		if target == nil {
			continue
		}
		g.addEdgeLocked(LocationEdge{From: node.ID, To: target.ID, Label: exit.Label, Verb: exit.Verb})
	}
	return committed(node.ID)
}

// ensureStubLocked resolves a location name, creating a minimal node for it
// when absent. Stubs start below the prune floor but survive hygiene for as
// long as an edge points at them.
func (g *LocationGraph) ensureStubLocked(name string, now time.Time) *LocationNode {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if node := g.nodeByNameLocked(name); node != nil {
		return node
	}
	node := &LocationNode{
		ID:         uuid.NewString(),
		Name:       name,
		Confidence: 0.3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	g.nodes[node.ID] = node
	return node
}

// addEdgeLocked appends an edge unless an equivalent one already exists.
// Two edges are equivalent when they connect the same pair with the same verb.
func (g *LocationGraph) addEdgeLocked(edge LocationEdge) bool {
	for i := range g.edges {
		if g.edges[i].From == edge.From && g.edges[i].To == edge.To && g.edges[i].Verb == edge.Verb {
			return false
		}
	}
	g.edges = append(g.edges, edge)
	return true
}

// AddExit records a directed exit between two existing nodes.
func (g *LocationGraph) AddExit(fromID, toID, label, verb string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[fromID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocation, fromID)
	}
	if _, ok := g.nodes[toID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocation, toID)
	}
	g.addEdgeLocked(LocationEdge{From: fromID, To: toID, Label: label, Verb: verb})
	return nil
}

// MovePlayer sets the party's current location by node id or by name.
func (g *LocationGraph) MovePlayer(ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[ref]; ok {
		g.playerLocation = ref
		return nil
	}
	if node := g.nodeByNameLocked(ref); node != nil {
		g.playerLocation = node.ID
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownLocation, ref)
}

// PlayerLocation returns the party's current node, if one is set.
func (g *LocationGraph) PlayerLocation() (LocationNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[g.playerLocation]
	if !ok {
		return LocationNode{}, false
	}
	return *node, true
}

// Node looks a node up by id.
func (g *LocationGraph) Node(id string) (LocationNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return LocationNode{}, false
	}
	return *node, true
}

// NodeByName resolves a node by canonical name.
func (g *LocationGraph) NodeByName(name string) (LocationNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node := g.nodeByNameLocked(name)
	if node == nil {
		return LocationNode{}, false
	}
	return *node, true
}

func (g *LocationGraph) nodeByNameLocked(name string) *LocationNode {
	key := canonicalName(name)
	for _, node := range g.nodes {
		if canonicalName(node.Name) == key {
			return node
		}
		for _, alias := range node.Aliases {
			if canonicalName(alias) == key {
				return node
			}
		}
	}
	return nil
}

// Exits resolves the outgoing edges of a node, sorted by target name.
// Edges whose target has disappeared are skipped and counted rather than
// surfaced; the next hygiene pass removes them.
func (g *LocationGraph) Exits(nodeID string) []ResolvedExit {
	g.mu.RLock()
	var out []ResolvedExit
	skips := 0
	for _, edge := range g.edges {
		if edge.From != nodeID {
			continue
		}
		target, ok := g.nodes[edge.To]
		if !ok {
			skips++
			continue
		}
		out = append(out, ResolvedExit{Edge: edge, Target: *target})
	}
	hook := g.onDanglingSkip
	g.mu.RUnlock()

	if skips > 0 {
		g.danglingSkips.Add(int64(skips))
		if hook != nil {
			hook(skips)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.Name < out[j].Target.Name })
	return out
}

// DanglingSkips reports how many dangling edges read paths have skipped over
// the lifetime of the graph.
func (g *LocationGraph) DanglingSkips() int64 {
	return g.danglingSkips.Load()
}

// SetDanglingSkipHook registers a callback invoked with the skip count each
// time a read path steps over dangling edges, outside the graph lock. A
// single hook is supported; registering replaces the previous one.
func (g *LocationGraph) SetDanglingSkipHook(hook func(int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDanglingSkip = hook
}

// Nodes returns all nodes sorted by name.
func (g *LocationGraph) Nodes() []LocationNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodesLocked()
}

func (g *LocationGraph) nodesLocked() []LocationNode {
	out := make([]LocationNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Edges returns a copy of the edge list.
func (g *LocationGraph) Edges() []LocationEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesLocked()
}

func (g *LocationGraph) edgesLocked() []LocationEdge {
	return append([]LocationEdge(nil), g.edges...)
}

// Len reports the number of nodes.
func (g *LocationGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// RestoreNode reinserts a persisted node, merging into an existing node with
// the same canonical name if one is present.
func (g *LocationGraph) RestoreNode(node LocationNode) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.restoreNodeLocked(node)
}

func (g *LocationGraph) restoreNodeLocked(node LocationNode) string {
	if existing := g.nodeByNameLocked(node.Name); existing != nil {
		if len(node.Description) > len(existing.Description) {
			existing.Description = node.Description
		}
		if node.Confidence > existing.Confidence {
			existing.Confidence = node.Confidence
		}
		for _, alias := range node.Aliases {
			existing.Aliases = appendUniqueFold(existing.Aliases, alias)
		}
		return existing.ID
	}
	copied := node
	copied.Aliases = append([]string(nil), node.Aliases...)
	g.nodes[copied.ID] = &copied
	return copied.ID
}

// RestoreEdge reinserts a persisted edge, subject to the usual dedupe.
func (g *LocationGraph) RestoreEdge(edge LocationEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdgeLocked(edge)
}

// Hygiene runs one cleanup pass: merge nodes that describe the same place,
// collapse duplicate edges, drop edges with missing endpoints and prune
// low-confidence nodes nothing points at or mentions. Descriptor embeddings
// are computed before the write lock is taken. The pass is idempotent; a
// second run against an unchanged graph reports zeroes.
func (g *LocationGraph) Hygiene(ctx context.Context, embedder embeddings.Provider, referenced map[string]struct{}) (HygieneReport, error) {
	descriptors, ids := g.snapshotDescriptors()
	var vectors [][]float32
	if len(descriptors) > 1 {
		var err error
		vectors, err = embedder.EmbedBatch(ctx, descriptors)
		if err != nil {
			return HygieneReport{}, fmt.Errorf("embed descriptors: %w", err)
		}
	}
	vecByID := make(map[string][]float32, len(ids))
	for i, id := range ids {
		if i < len(vectors) {
			vecByID[id] = vectors[i]
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var report HygieneReport
	report.MergedNodes = g.mergeNodesLocked(vecByID)
	report.DedupedEdges = g.dedupeEdgesLocked()

	// Pruning a node can strand the edges and stub targets that depended on
	// it, so edge and node pruning repeat until the graph is stable. This is
	// what makes an immediate second pass report zeroes.
	for {
		prunedEdges := g.pruneDanglingEdgesLocked()
		prunedNodes := g.pruneNodesLocked(referenced)
		report.PrunedEdges += prunedEdges
		report.PrunedNodes += prunedNodes
		if prunedEdges == 0 && prunedNodes == 0 {
			break
		}
	}
	return report, nil
}

// snapshotDescriptors captures a stable ordering of node descriptors for
// embedding outside the write lock.
func (g *LocationGraph) snapshotDescriptors() ([]string, []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	descriptors := make([]string, len(ids))
	for i, id := range ids {
		node := g.nodes[id]
		descriptors[i] = strings.TrimSpace(node.Name + ". " + node.Description)
	}
	return descriptors, ids
}

// mergeNodesLocked folds nodes that are the same place into one survivor.
// Candidates match on canonical name, near-identical names, or descriptor
// embeddings above the merge threshold. The older node survives so ids stay
// stable across passes.
func (g *LocationGraph) mergeNodesLocked(vecByID map[string][]float32) int {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	merged := 0
	removed := make(map[string]struct{})
	for i := 0; i < len(ids); i++ {
		if _, gone := removed[ids[i]]; gone {
			continue
		}
		survivor := g.nodes[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			if _, gone := removed[ids[j]]; gone {
				continue
			}
			candidate := g.nodes[ids[j]]
			if !g.samePlaceLocked(survivor, candidate, vecByID) {
				continue
			}
			g.absorbLocked(survivor, candidate)
			removed[candidate.ID] = struct{}{}
			merged++
		}
	}
	for id := range removed {
		delete(g.nodes, id)
	}
	return merged
}

func (g *LocationGraph) samePlaceLocked(a, b *LocationNode, vecByID map[string][]float32) bool {
	if canonicalName(a.Name) == canonicalName(b.Name) {
		return true
	}
	if matchr.JaroWinkler(canonicalName(a.Name), canonicalName(b.Name), true) >= g.nameSimilarity {
		return true
	}
	va, vb := vecByID[a.ID], vecByID[b.ID]
	if len(va) > 0 && len(vb) > 0 && Cosine(va, vb) >= g.mergeSimilarity {
		return true
	}
	return false
}

// absorbLocked merges candidate into survivor: aliases union, the richer
// description wins, confidence ratchets, and every edge touching the
// candidate is redirected.
func (g *LocationGraph) absorbLocked(survivor, candidate *LocationNode) {
	survivor.Aliases = appendUniqueFold(survivor.Aliases, candidate.Name)
	for _, alias := range candidate.Aliases {
		survivor.Aliases = appendUniqueFold(survivor.Aliases, alias)
	}
	if len(candidate.Description) > len(survivor.Description) {
		survivor.Description = candidate.Description
	}
	if candidate.Confidence > survivor.Confidence {
		survivor.Confidence = candidate.Confidence
	}
	if candidate.UpdatedAt.After(survivor.UpdatedAt) {
		survivor.UpdatedAt = candidate.UpdatedAt
	}
	for i := range g.edges {
		if g.edges[i].From == candidate.ID {
			g.edges[i].From = survivor.ID
		}
		if g.edges[i].To == candidate.ID {
			g.edges[i].To = survivor.ID
		}
	}
	if g.playerLocation == candidate.ID {
		g.playerLocation = survivor.ID
	}
}

// dedupeEdgesLocked removes duplicate edges and self-loops left behind by
// merges.
func (g *LocationGraph) dedupeEdgesLocked() int {
	type edgeKey struct{ from, to, verb string }
	seen := make(map[edgeKey]struct{}, len(g.edges))
	kept := g.edges[:0]
	dropped := 0
	for _, edge := range g.edges {
		if edge.From == edge.To {
			dropped++
			continue
		}
		key := edgeKey{edge.From, edge.To, edge.Verb}
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, edge)
	}
	g.edges = kept
	return dropped
}

func (g *LocationGraph) pruneDanglingEdgesLocked() int {
	kept := g.edges[:0]
	dropped := 0
	for _, edge := range g.edges {
		_, fromOK := g.nodes[edge.From]
		_, toOK := g.nodes[edge.To]
		if !fromOK || !toOK {
			dropped++
			continue
		}
		kept = append(kept, edge)
	}
	g.edges = kept
	return dropped
}

// pruneNodesLocked removes nodes below the confidence floor that have no
// inbound edges, are not mentioned by any memory record and are not where
// the party currently is.
func (g *LocationGraph) pruneNodesLocked(referenced map[string]struct{}) int {
	inbound := make(map[string]int, len(g.nodes))
	for _, edge := range g.edges {
		inbound[edge.To]++
	}
	pruned := 0
	for id, node := range g.nodes {
		if node.Confidence >= g.pruneConfidenceFloor {
			continue
		}
		if inbound[id] > 0 || id == g.playerLocation {
			continue
		}
		if _, mentioned := referenced[canonicalName(node.Name)]; mentioned {
			continue
		}
		delete(g.nodes, id)
		pruned++
	}
	return pruned
}

func (g *LocationGraph) resetLocked() {
	g.nodes = make(map[string]*LocationNode)
	g.edges = nil
	g.playerLocation = ""
}
