package world

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarnv/persistdm/pkg/provider/embeddings"
)

// dedupeRecent bounds how many of the newest records a candidate is compared
// against; near-duplicates in practice come from overlapping windows of the
// same source, which land close together.
const dedupeRecent = 10

// InsertRequest carries one candidate memory through the write gate.
type InsertRequest struct {
	Text        string
	Type        MemoryType
	Explanation string
	Entities    []string
	Confidence  float64
	WindowText  string
	Source      string
}

// MemoryStore is the append-mostly log of committed memory records. It shares
// the aggregate's lock so a hygiene pass, a search and an insert never
// interleave mid-mutation, but all embedding calls happen before the lock is
// taken.
type MemoryStore struct {
	mu       *sync.RWMutex
	embedder embeddings.Provider

	confidenceThreshold float64
	dedupeSimilarity    float64

	records    []MemoryRecord
	now        func() time.Time
	commitHook func(MemoryRecord)
}

// SetCommitHook registers a callback invoked after each committed insert,
// outside the store lock. A single hook is supported; registering replaces
// the previous one. Restored records do not trigger it.
func (s *MemoryStore) SetCommitHook(hook func(MemoryRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = hook
}

func newMemoryStore(mu *sync.RWMutex, embedder embeddings.Provider, confidenceThreshold, dedupeSimilarity float64) *MemoryStore {
	return &MemoryStore{
		mu:                  mu,
		embedder:            embedder,
		confidenceThreshold: confidenceThreshold,
		dedupeSimilarity:    dedupeSimilarity,
		now:                 time.Now,
	}
}

// Insert runs the write gate for one candidate record. Candidates below the
// confidence threshold or near-identical to a recent record are Rejected
// without touching state; embedding failures surface as Failed. The
// embedding round-trip runs before the store lock is acquired.
func (s *MemoryStore) Insert(ctx context.Context, req InsertRequest) WriteResult {
	if strings.TrimSpace(req.Text) == "" {
		return rejected(ReasonEmptyText)
	}
	if !req.Type.IsValid() {
		return rejected(ReasonInvalidType)
	}
	if req.Confidence < s.confidenceThreshold {
		return rejected(ReasonLowConfidence)
	}

	explVec, winVec, err := s.embedCandidate(ctx, req)
	if err != nil {
		return failed(fmt.Errorf("embed candidate: %w", err))
	}

	s.mu.Lock()

	if s.isDuplicateLocked(req.Text, explVec) {
		s.mu.Unlock()
		return rejected(ReasonDuplicate)
	}

	now := s.now().UTC()
	rec := MemoryRecord{
		ID:                   uuid.NewString(),
		Type:                 req.Type,
		Text:                 strings.TrimSpace(req.Text),
		Explanation:          strings.TrimSpace(req.Explanation),
		Entities:             append([]string(nil), req.Entities...),
		Confidence:           req.Confidence,
		Source:               req.Source,
		WindowText:           req.WindowText,
		CreatedAt:            now,
		UpdatedAt:            now,
		ExplanationEmbedding: explVec,
		WindowEmbedding:      winVec,
	}
	s.records = append(s.records, rec)
	hook := s.commitHook
	s.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return committed(rec.ID)
}

// embedCandidate produces the explanation and window vectors for a request.
// A record with no explanation is embedded from its composite text so the
// semantic path still works; a record with no window gets no window vector.
func (s *MemoryStore) embedCandidate(ctx context.Context, req InsertRequest) (expl, win []float32, err error) {
	explText := strings.TrimSpace(req.Explanation)
	if explText == "" {
		explText = compositeEmbedText(req)
	}
	winText := strings.TrimSpace(req.WindowText)

	if winText == "" {
		vec, err := s.embedder.Embed(ctx, explText)
		if err != nil {
			return nil, nil, err
		}
		return vec, nil, nil
	}
	vecs, err := s.embedder.EmbedBatch(ctx, []string{explText, winText})
	if err != nil {
		return nil, nil, err
	}
	if len(vecs) != 2 {
		return nil, nil, fmt.Errorf("embed batch: got %d vectors, want 2", len(vecs))
	}
	return vecs[0], vecs[1], nil
}

// compositeEmbedText builds the fallback embedding text from the record's
// classified parts, mirroring the format used throughout the index.
func compositeEmbedText(req InsertRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", req.Type, strings.TrimSpace(req.Text))
	if len(req.Entities) > 0 {
		fmt.Fprintf(&b, " Entities: %s", strings.Join(req.Entities, ", "))
	}
	if w := strings.TrimSpace(req.WindowText); w != "" {
		fmt.Fprintf(&b, " Context: %s", w)
	}
	return b.String()
}

// EmbeddingText returns the text a record's explanation vector is computed
// from: the explanation when present, otherwise the composite form. Loaders
// recomputing vectors must use this to stay consistent with the write path.
func (r MemoryRecord) EmbeddingText() string {
	if expl := strings.TrimSpace(r.Explanation); expl != "" {
		return expl
	}
	return compositeEmbedText(InsertRequest{
		Text:       r.Text,
		Type:       r.Type,
		Entities:   r.Entities,
		WindowText: r.WindowText,
	})
}

func (s *MemoryStore) isDuplicateLocked(text string, explVec []float32) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	start := len(s.records) - dedupeRecent
	if start < 0 {
		start = 0
	}
	for i := len(s.records) - 1; i >= start; i-- {
		prev := &s.records[i]
		if strings.ToLower(prev.Text) == norm {
			return true
		}
		if Cosine(explVec, prev.ExplanationEmbedding) >= s.dedupeSimilarity {
			return true
		}
	}
	return false
}

// Restore appends an already-materialised record, bypassing the gate. Used
// by shard loading, which re-validates and re-embeds records itself.
func (s *MemoryStore) Restore(rec MemoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreLocked(rec)
}

func (s *MemoryStore) restoreLocked(rec MemoryRecord) {
	s.records = append(s.records, rec)
}

// All returns a copy of the committed records in insertion order.
func (s *MemoryStore) All() []MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *MemoryStore) allLocked() []MemoryRecord {
	out := make([]MemoryRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Prune removes every record matching the predicate and returns how many
// were removed. The predicate runs under the write lock and must not call
// back into the store.
func (s *MemoryStore) Prune(match func(MemoryRecord) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if match(rec) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed
}

// Get looks a record up by id.
func (s *MemoryStore) Get(id string) (MemoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.records {
		if s.records[i].ID == id {
			return s.records[i], true
		}
	}
	return MemoryRecord{}, false
}

// Len reports the number of committed records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// entityReferencesLocked collects every entity name mentioned by any record,
// canonicalised. The graph's prune phase treats referenced locations as
// load-bearing. Caller must hold the lock.
func (s *MemoryStore) entityReferencesLocked() map[string]struct{} {
	refs := make(map[string]struct{})
	for i := range s.records {
		for _, e := range s.records[i].Entities {
			if key := canonicalName(e); key != "" {
				refs[key] = struct{}{}
			}
		}
	}
	return refs
}

// reset drops all records. Caller must hold the lock.
func (s *MemoryStore) resetLocked() {
	s.records = nil
}
