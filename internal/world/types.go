// Package world holds the in-memory narrative state of a campaign: the
// memory log, the cast of NPCs and the location graph, together with the
// scoring model used to retrieve from them. All mutation goes through the
// World aggregate, which serialises writers behind a single lock while
// keeping embedding and model calls outside of it.
package world

import (
	"errors"
	"time"
)

// MemoryType classifies a memory record. Unknown types are rejected at the
// write gate rather than silently stored.
type MemoryType string

const (
	TypeEvent      MemoryType = "event"
	TypeNPC        MemoryType = "npc"
	TypeLocation   MemoryType = "location"
	TypeItem       MemoryType = "item"
	TypeLore       MemoryType = "lore"
	TypeQuest      MemoryType = "quest"
	TypeWorldState MemoryType = "world_state"
)

// IsValid reports whether t is one of the recognised memory types.
func (t MemoryType) IsValid() bool {
	switch t {
	case TypeEvent, TypeNPC, TypeLocation, TypeItem, TypeLore, TypeQuest, TypeWorldState:
		return true
	}
	return false
}

// MemoryRecord is one committed fact about the campaign. It carries two
// embeddings: one of the explanation (why this matters, the distilled
// meaning) and one of the raw source window it was extracted from, so a
// query can land on either the meaning or the original phrasing.
type MemoryRecord struct {
	ID          string     `json:"id"`
	Type        MemoryType `json:"type"`
	Text        string     `json:"text"`
	Explanation string     `json:"explanation,omitempty"`
	Entities    []string   `json:"entities,omitempty"`
	Confidence  float64    `json:"confidence"`
	Source      string     `json:"source,omitempty"`
	WindowText  string     `json:"window_text,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Embeddings are derived state. They are recomputed whenever the record
	// is loaded from persistence and never serialised.
	ExplanationEmbedding []float32 `json:"-"`
	WindowEmbedding      []float32 `json:"-"`
}

// Relationship is an NPC's stance toward the party. Merges never downgrade:
// precedence is hostile > friendly > neutral > unknown.
type Relationship string

const (
	RelationUnknown  Relationship = "unknown"
	RelationNeutral  Relationship = "neutral"
	RelationFriendly Relationship = "friendly"
	RelationHostile  Relationship = "hostile"
)

var relationRank = map[Relationship]int{
	RelationUnknown:  0,
	RelationNeutral:  1,
	RelationFriendly: 2,
	RelationHostile:  3,
}

// NpcEntry is the merged profile of one named character.
type NpcEntry struct {
	Name             string            `json:"name"`
	Aliases          []string          `json:"aliases,omitempty"`
	LastSeenLocation string            `json:"last_seen_location,omitempty"`
	Intent           string            `json:"intent,omitempty"`
	Relationship     Relationship      `json:"relationship"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	History          []string          `json:"history,omitempty"`
	Confidence       float64           `json:"confidence"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NPCUpdate is one extracted observation about a character, applied onto the
// index with last-writer-wins semantics for present fields.
type NPCUpdate struct {
	Name             string
	Aliases          []string
	LastSeenLocation string
	Intent           string
	Relationship     Relationship
	Attributes       map[string]string
	Note             string
	Confidence       float64
}

// LocationEdge is a directed, labelled exit between two location nodes.
type LocationEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
	Verb  string `json:"verb,omitempty"`
}

// LocationNode is one place in the spatial graph.
type LocationNode struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Aliases     []string  `json:"aliases,omitempty"`
	Description string    `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LocationProposal is a candidate new or amended location from extraction.
type LocationProposal struct {
	Name        string
	Description string
	Exits       []ExitProposal
	Confidence  float64
}

// ExitProposal is one candidate exit attached to a LocationProposal.
type ExitProposal struct {
	To    string
	Label string
	Verb  string
}

// WriteStatus is the tri-state outcome of a gated write.
type WriteStatus int

const (
	// Committed means the write passed the gate and mutated state.
	Committed WriteStatus = iota
	// Rejected means the gate declined the write; state is untouched and
	// Reason says why. Rejection is an outcome, not an error.
	Rejected
	// Failed means an infrastructure error prevented deciding; Err is set.
	Failed
)

// String implements fmt.Stringer for log output.
func (s WriteStatus) String() string {
	switch s {
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// RejectReason categorises why a write was turned away at the gate.
type RejectReason string

const (
	ReasonLowConfidence RejectReason = "low_confidence"
	ReasonDuplicate     RejectReason = "duplicate"
	ReasonEmptyText     RejectReason = "empty_text"
	ReasonInvalidType   RejectReason = "invalid_type"
)

// WriteResult reports what happened to one gated write. Exactly one of
// Reason (when Rejected) or Err (when Failed) is meaningful.
type WriteResult struct {
	Status WriteStatus
	ID     string
	Reason RejectReason
	Err    error
}

// Committed is a convenience predicate for the happy path.
func (r WriteResult) Accepted() bool { return r.Status == Committed }

func committed(id string) WriteResult {
	return WriteResult{Status: Committed, ID: id}
}

func rejected(reason RejectReason) WriteResult {
	return WriteResult{Status: Rejected, Reason: reason}
}

func failed(err error) WriteResult {
	return WriteResult{Status: Failed, Err: err}
}

// ErrUnknownLocation is returned when an operation names a location id that
// is not present in the graph.
var ErrUnknownLocation = errors.New("world: unknown location")
