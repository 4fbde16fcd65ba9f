// Package ingest processes long transcripts into world state: the text is
// swept with a sliding word window, each window is run through LLM
// extraction, committed writes stream back to the caller as events, and
// periodic checkpoints trigger graph hygiene. A finished job persists its
// world as a named shard.
package ingest

import (
	"time"
)

// State is the lifecycle state of an ingest job. done, cancelled and failed
// are terminal.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Plan describes how a transcript will be swept before the sweep starts.
type Plan struct {
	Words         int     `json:"words"`
	Lines         int     `json:"lines"`
	ApproxTokens  int     `json:"approxTokens"`
	TokensPerWord float64 `json:"tokensPerWord"`

	WindowTokens int `json:"windowTokens"`
	StrideTokens int `json:"strideTokens"`
	WindowWords  int `json:"windowWords"`
	StrideWords  int `json:"strideWords"`

	TotalSteps      int `json:"totalSteps"`
	CheckpointEvery int `json:"checkpointStepInterval"`
}

// EventType discriminates the payload of an [Event].
type EventType string

const (
	// EventInfo carries the [Plan] before the first step.
	EventInfo EventType = "info"
	// EventSaved reports one committed memory.
	EventSaved EventType = "saved"
	// EventCheckpoint carries a transient snippet summary. Checkpoint
	// summaries are never persisted.
	EventCheckpoint EventType = "checkpoint"
	// EventHygiene reports the result of a graph cleanup pass.
	EventHygiene EventType = "hygiene"
	// EventProgress reports sweep progress after each step.
	EventProgress EventType = "progress"
	// EventDone, EventCancelled and EventFailed are terminal; exactly one of
	// them closes the stream.
	EventDone      EventType = "done"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Event is one message on a job's stream.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// SavedPayload reports a memory that passed the write gate.
type SavedPayload struct {
	Summary    string   `json:"summary"`
	Type       string   `json:"type"`
	Entities   []string `json:"entities,omitempty"`
	Confidence float64  `json:"confidence"`
}

// CheckpointPayload carries a short transient summary of the current window.
type CheckpointPayload struct {
	Step    int    `json:"step"`
	Summary string `json:"summary"`
}

// HygienePayload mirrors the graph hygiene report.
type HygienePayload struct {
	Merged      int `json:"merged"`
	PrunedNodes int `json:"pruned_nodes"`
	PrunedEdges int `json:"pruned_edges"`
}

// ProgressPayload reports stride-based consumption after one step. Consumed
// words advance by the stride, not the window, so overlapping windows do not
// double-count.
type ProgressPayload struct {
	Step          int     `json:"step"`
	TotalSteps    int     `json:"totalSteps"`
	ConsumedWords int     `json:"consumedWords"`
	ConsumedLines int     `json:"consumedLines"`
	Progress      float64 `json:"progress"`
}

// DonePayload closes a successful stream.
type DonePayload struct {
	Words int    `json:"words"`
	Lines int    `json:"lines"`
	Steps int    `json:"steps"`
	Shard string `json:"shard,omitempty"`
}

// FailedPayload closes a failed stream.
type FailedPayload struct {
	Error string `json:"error"`
}

// JobStatus is a point-in-time snapshot of one job for listing surfaces.
type JobStatus struct {
	ID          string    `json:"id"`
	Source      string    `json:"source,omitempty"`
	State       State     `json:"state"`
	Plan        Plan      `json:"plan"`
	Step        int       `json:"step"`
	Committed   int       `json:"committed"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}
