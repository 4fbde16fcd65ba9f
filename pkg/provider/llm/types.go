package llm

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Backends that have no dedicated system slot
	// prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Extraction calls
	// use low temperatures for reproducible JSON.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// CandidateMemory is a single durable fact proposed by the extraction model.
// It is a candidate only: the memory core applies its confidence gate before
// anything is persisted.
type CandidateMemory struct {
	// Summary is the canonical sentence form of the fact.
	Summary string `json:"summary"`

	// Explanation is the model's rationale for why this fact matters. May be
	// empty; when present it drives the record's primary embedding.
	Explanation string `json:"explanation"`

	// Type is the proposed memory type: event, npc, location, item, lore, or
	// quest.
	Type string `json:"type"`

	// Entities lists proper nouns referenced by the fact.
	Entities []string `json:"entities"`

	// Confidence is the model's confidence in this fact (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// NPC carries a structured snapshot when the fact is about a character.
	NPC *NPCDelta `json:"npc,omitempty"`
}

// NPCDelta is a partial character-state update proposed by extraction.
// Absent fields mean "no new information", not "clear the field".
type NPCDelta struct {
	Name             string            `json:"name"`
	Aliases          []string          `json:"aliases,omitempty"`
	LastSeenLocation string            `json:"last_seen_location,omitempty"`
	Intent           string            `json:"intent,omitempty"`
	Relationship     string            `json:"relationship_to_player,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Confidence       float64           `json:"confidence"`
}

// ExitDelta is a proposed directed exit from a location.
type ExitDelta struct {
	// To is the target location name; it may name a location not yet in the
	// graph (pending creation).
	To string `json:"to"`

	// Label describes the exit (e.g., "a narrow staircase down").
	Label string `json:"label"`

	// Verb is the travel verb ("go", "climb", "sail", ...). Defaults to "go".
	Verb string `json:"verb,omitempty"`
}

// LocationDelta is a proposed new or updated location node.
type LocationDelta struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Exits       []ExitDelta `json:"exits,omitempty"`
	Confidence  float64     `json:"confidence"`
}

// Extraction is the full result of analysing one chunk of narrative text.
type Extraction struct {
	Memories  []CandidateMemory `json:"memories"`
	NPCs      []NPCDelta        `json:"npcs"`
	Locations []LocationDelta   `json:"locations"`
}

// MovementProposal is the answer to the per-turn "did the player move?" probe.
type MovementProposal struct {
	// Moved reports whether the model believes the player changed location.
	Moved bool `json:"moved"`

	// To names the destination when Moved is true. It may match an existing
	// node or describe a brand-new one (see NewLocation).
	To string `json:"to,omitempty"`

	// NewLocation is populated when the destination does not exist yet.
	NewLocation *LocationDelta `json:"new_location,omitempty"`

	// Confidence gates whether the graph acts on this proposal at all.
	Confidence float64 `json:"confidence"`
}
