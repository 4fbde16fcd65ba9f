package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// extractionSystemPrompt instructs the model to act as a conservative fact
// extractor. The JSON-only requirement is what Capabilities.SupportsExtraction
// asserts a model can follow.
const extractionSystemPrompt = `You are a meticulous archivist for a tabletop role-playing campaign.
Given a passage of narrative text, extract durable facts worth remembering.
Be conservative: only extract facts that are clearly stated, and assign each a
confidence between 0 and 1. Prefer fewer, higher-confidence facts.

Respond with a single JSON object and nothing else, in this shape:
{
  "memories": [{"summary": "...", "explanation": "...", "type": "event|npc|location|item|lore|quest|world_state",
                "entities": ["..."], "confidence": 0.0,
                "npc": {"name": "...", "last_seen_location": "...", "intent": "...",
                        "relationship_to_player": "hostile|friendly|neutral|unknown",
                        "attributes": {"k": "v"}, "confidence": 0.0}}],
  "npcs": [],
  "locations": [{"name": "...", "description": "...",
                 "exits": [{"to": "...", "label": "...", "verb": "go"}], "confidence": 0.0}]
}`

const movementSystemPrompt = `You track player movement in a role-playing session.
Given the player's latest message and their current location, decide whether the
player moved to a different location. Be conservative: when in doubt, answer
that no movement happened.

Respond with a single JSON object and nothing else:
{"moved": false, "to": "", "new_location": null, "confidence": 0.0}`

const summarySystemPrompt = `Summarize the passage in one or two sentences for a
progress log. Respond with the summary text only.`

// Extractor layers the narrative-analysis prompts on an underlying [Provider].
// It owns prompt construction and response parsing; confidence gating stays
// with the stores.
type Extractor struct {
	provider    Provider
	maxMemories int
}

// NewExtractor builds an Extractor over provider. maxMemories caps how many
// candidate memories a single chunk may yield; values <= 0 default to 5.
func NewExtractor(provider Provider, maxMemories int) *Extractor {
	if maxMemories <= 0 {
		maxMemories = 5
	}
	return &Extractor{provider: provider, maxMemories: maxMemories}
}

// Capabilities exposes the underlying provider's capability descriptor.
func (e *Extractor) Capabilities() Capabilities {
	return e.provider.Capabilities()
}

// Extract analyses one chunk of narrative text and returns candidate memories,
// NPC deltas, and location deltas. The result is never nil on success; empty
// slices mean the model found nothing durable in the chunk.
func (e *Extractor) Extract(ctx context.Context, chunk string) (*Extraction, error) {
	if !e.provider.Capabilities().SupportsExtraction {
		return nil, fmt.Errorf("llm: extract: model does not support extraction")
	}

	resp, err := e.provider.Complete(ctx, CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		Messages: []Message{{
			Role:    "user",
			Content: fmt.Sprintf("Extract at most %d memories from this passage:\n\n%s", e.maxMemories, chunk),
		}},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract: %w", err)
	}

	var out Extraction
	if err := decodeJSONReply(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("llm: extract: %w", err)
	}
	if len(out.Memories) > e.maxMemories {
		out.Memories = out.Memories[:e.maxMemories]
	}
	if out.Memories == nil {
		out.Memories = []CandidateMemory{}
	}
	if out.NPCs == nil {
		out.NPCs = []NPCDelta{}
	}
	if out.Locations == nil {
		out.Locations = []LocationDelta{}
	}
	return &out, nil
}

// ProposeMovement asks the conservative movement question for a chat turn.
// Returns (nil, nil) when the model does not support movement-intent probing;
// callers treat that as "no movement".
func (e *Extractor) ProposeMovement(ctx context.Context, turnText, currentLocation string) (*MovementProposal, error) {
	if !e.provider.Capabilities().SupportsMovementIntent {
		return nil, nil
	}

	if currentLocation == "" {
		currentLocation = "unknown"
	}
	resp, err := e.provider.Complete(ctx, CompletionRequest{
		SystemPrompt: movementSystemPrompt,
		Messages: []Message{{
			Role:    "user",
			Content: fmt.Sprintf("Current location: %s\nPlayer message: %s", currentLocation, turnText),
		}},
		Temperature: 0.0,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: propose movement: %w", err)
	}

	var out MovementProposal
	if err := decodeJSONReply(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("llm: propose movement: %w", err)
	}
	return &out, nil
}

// SummarizeSnippet produces the short checkpoint narration used by the ingest
// pipeline. The result is trimmed free text, never persisted as a memory.
func (e *Extractor) SummarizeSnippet(ctx context.Context, text string) (string, error) {
	resp, err := e.provider.Complete(ctx, CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages:     []Message{{Role: "user", Content: text}},
		Temperature:  0.2,
		MaxTokens:    120,
	})
	if err != nil {
		return "", fmt.Errorf("llm: summarize snippet: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// decodeJSONReply parses a model reply that should be a single JSON object.
// Markdown code fences and surrounding prose are tolerated: the decoder scans
// for the outermost balanced object.
func decodeJSONReply(reply string, v any) error {
	trimmed := strings.TrimSpace(reply)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}
