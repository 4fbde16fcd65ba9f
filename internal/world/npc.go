package world

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

const (
	historyMaxEntries  = 10
	historyMaxRunes    = 160
	fuzzyNameThreshold = 0.90
)

// canonicalName lower-cases and collapses whitespace so "Old  Marta " and
// "old marta" address the same entry.
func canonicalName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// NPCIndex is the merged cast of characters, keyed by canonical name.
type NPCIndex struct {
	mu *sync.RWMutex

	confidenceThreshold float64

	entries map[string]*NpcEntry
	now     func() time.Time
}

func newNPCIndex(mu *sync.RWMutex, confidenceThreshold float64) *NPCIndex {
	return &NPCIndex{
		mu:                  mu,
		confidenceThreshold: confidenceThreshold,
		entries:             make(map[string]*NpcEntry),
		now:                 time.Now,
	}
}

// Upsert merges one observation into the cast. Nameless or low-confidence
// observations are Rejected. Present fields of a sufficiently confident
// update overwrite, absent fields survive, the relationship never softens
// and the entry's confidence only ratchets upward.
func (x *NPCIndex) Upsert(update NPCUpdate) WriteResult {
	key := canonicalName(update.Name)
	if key == "" {
		return rejected(ReasonEmptyText)
	}
	if update.Confidence < x.confidenceThreshold {
		return rejected(ReasonLowConfidence)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.mergeLocked(key, update)
	return committed(key)
}

func (x *NPCIndex) mergeLocked(key string, update NPCUpdate) {
	now := x.now().UTC()
	entry, ok := x.entries[key]
	if !ok {
		entry = &NpcEntry{
			Name:         strings.TrimSpace(update.Name),
			Relationship: RelationUnknown,
		}
		x.entries[key] = entry
	}

	for _, alias := range update.Aliases {
		entry.Aliases = appendUniqueFold(entry.Aliases, alias)
	}
	if v := strings.TrimSpace(update.LastSeenLocation); v != "" {
		entry.LastSeenLocation = v
	}
	if v := strings.TrimSpace(update.Intent); v != "" {
		entry.Intent = v
	}
	if relationRank[update.Relationship] > relationRank[entry.Relationship] {
		entry.Relationship = update.Relationship
	}
	if len(update.Attributes) > 0 {
		if entry.Attributes == nil {
			entry.Attributes = make(map[string]string, len(update.Attributes))
		}
		for k, v := range update.Attributes {
			if strings.TrimSpace(v) != "" {
				entry.Attributes[k] = v
			}
		}
	}
	if note := strings.TrimSpace(update.Note); note != "" {
		entry.History = appendHistory(entry.History, note)
	}
	if update.Confidence > entry.Confidence {
		entry.Confidence = update.Confidence
	}
	entry.UpdatedAt = now
}

// appendHistory appends a truncated note and keeps only the newest entries.
func appendHistory(history []string, note string) []string {
	if runes := []rune(note); len(runes) > historyMaxRunes {
		note = string(runes[:historyMaxRunes])
	}
	history = append(history, note)
	if len(history) > historyMaxEntries {
		history = history[len(history)-historyMaxEntries:]
	}
	return history
}

func appendUniqueFold(list []string, item string) []string {
	item = strings.TrimSpace(item)
	if item == "" {
		return list
	}
	for _, existing := range list {
		if strings.EqualFold(existing, item) {
			return list
		}
	}
	return append(list, item)
}

// Get returns the entry whose canonical name matches exactly.
func (x *NPCIndex) Get(name string) (NpcEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry, ok := x.entries[canonicalName(name)]
	if !ok {
		return NpcEntry{}, false
	}
	return copyNpcEntry(entry), true
}

// FuzzyLookup resolves a possibly misspelled name against names and aliases
// using Jaro-Winkler similarity. Exact canonical matches win outright; the
// best fuzzy match must clear the similarity floor.
func (x *NPCIndex) FuzzyLookup(name string) (NpcEntry, bool) {
	key := canonicalName(name)
	if key == "" {
		return NpcEntry{}, false
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if entry, ok := x.entries[key]; ok {
		return copyNpcEntry(entry), true
	}

	var best *NpcEntry
	bestScore := fuzzyNameThreshold
	for _, entry := range x.entries {
		candidates := append([]string{entry.Name}, entry.Aliases...)
		for _, candidate := range candidates {
			score := matchr.JaroWinkler(key, canonicalName(candidate), true)
			if score >= bestScore {
				best = entry
				bestScore = score
			}
		}
	}
	if best == nil {
		return NpcEntry{}, false
	}
	return copyNpcEntry(best), true
}

// All returns the cast sorted by canonical name.
func (x *NPCIndex) All() []NpcEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.allLocked()
}

func (x *NPCIndex) allLocked() []NpcEntry {
	keys := make([]string, 0, len(x.entries))
	for k := range x.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]NpcEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyNpcEntry(x.entries[k]))
	}
	return out
}

// Len reports the number of distinct characters.
func (x *NPCIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Restore merges an already-persisted entry back into the index, reusing the
// regular merge rules so loading a shard twice is harmless.
func (x *NPCIndex) Restore(entry NpcEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.restoreLocked(entry)
}

func (x *NPCIndex) restoreLocked(entry NpcEntry) bool {
	key := canonicalName(entry.Name)
	if key == "" {
		return false
	}
	update := NPCUpdate{
		Name:             entry.Name,
		Aliases:          entry.Aliases,
		LastSeenLocation: entry.LastSeenLocation,
		Intent:           entry.Intent,
		Relationship:     entry.Relationship,
		Attributes:       entry.Attributes,
		Confidence:       entry.Confidence,
	}
	x.mergeLocked(key, update)
	if existing := x.entries[key]; len(existing.History) == 0 && len(entry.History) > 0 {
		existing.History = append([]string(nil), entry.History...)
	}
	return true
}

func copyNpcEntry(entry *NpcEntry) NpcEntry {
	out := *entry
	out.Aliases = append([]string(nil), entry.Aliases...)
	out.History = append([]string(nil), entry.History...)
	if entry.Attributes != nil {
		out.Attributes = make(map[string]string, len(entry.Attributes))
		for k, v := range entry.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

func (x *NPCIndex) resetLocked() {
	x.entries = make(map[string]*NpcEntry)
}
