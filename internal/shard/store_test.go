package shard_test

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tarnv/persistdm/internal/shard"
	"github.com/tarnv/persistdm/internal/world"
)

type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
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
	if s.err != nil {
		return nil, s.err
	}
	return s.vectorFor(text), nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func newWorld() *world.World {
	return world.New(&stubEmbedder{vectors: make(map[string][]float32)}, world.DefaultConfig())
}

func populate(t *testing.T, w *world.World) {
	t.Helper()
	ctx := context.Background()
	if res := w.Memories().Insert(ctx, world.InsertRequest{
		Text: "Rinna is the blacksmith of Kelder", Type: world.TypeNPC,
		Explanation: "Establishes Rinna's trade", Entities: []string{"Rinna", "Kelder"},
		Confidence: 0.9, WindowText: "…the forge where Rinna worked…",
	}); !res.Accepted() {
		t.Fatalf("Insert: %+v", res)
	}
	if res := w.NPCs().Upsert(world.NPCUpdate{Name: "Rinna", Relationship: world.RelationFriendly, Confidence: 0.9}); !res.Accepted() {
		t.Fatalf("Upsert: %+v", res)
	}
	res := w.Graph().Grow(world.LocationProposal{
		Name: "Kelder", Description: "A mining town",
		Exits:      []world.ExitProposal{{To: "The Foothills", Verb: "walk"}},
		Confidence: 0.9,
	})
	if !res.Accepted() {
		t.Fatalf("Grow: %+v", res)
	}
}

func newStore(t *testing.T) (*shard.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := shard.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, dir
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, dir := newStore(t)
	src := newWorld()
	populate(t, src)

	info, err := store.Save("Chapter One", "session", src)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info.Name != "chapter-one" || info.Records != 1 || info.NPCs != 1 || info.Locations != 2 {
		t.Fatalf("unexpected info: %+v", info)
	}

	// Vectors are derived state and must not be persisted.
	data, err := os.ReadFile(filepath.Join(dir, "chapter-one.shard.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if info.SizeBytes != int64(len(data)) {
		t.Fatalf("info.SizeBytes = %d, file is %d bytes", info.SizeBytes, len(data))
	}
	if strings.Contains(strings.ToLower(string(data)), "embedding") {
		t.Fatal("shard file must not contain embedding vectors")
	}

	dst := newWorld()
	report, err := store.Load(ctx, "chapter-one", dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Records != 1 || report.NPCs != 1 || report.Nodes != 2 || report.Edges != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	recs := dst.Memories().All()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if len(recs[0].ExplanationEmbedding) == 0 || len(recs[0].WindowEmbedding) == 0 {
		t.Fatal("embeddings must be recomputed on load")
	}
	if _, ok := dst.NPCs().Get("Rinna"); !ok {
		t.Fatal("NPC missing after load")
	}
	if _, ok := dst.Graph().NodeByName("Kelder"); !ok {
		t.Fatal("location missing after load")
	}
}

func TestLoadSkipsDuplicateRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	src := newWorld()
	populate(t, src)
	if _, err := store.Save("dup-check", "session", src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := newWorld()
	if _, err := store.Load(ctx, "dup-check", dst); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	report, err := store.Load(ctx, "dup-check", dst)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if report.Records != 0 || report.SkippedDuplicate != 1 {
		t.Fatalf("expected all records skipped, got %+v", report)
	}
	if dst.Memories().Len() != 1 {
		t.Fatalf("expected 1 record after double load, got %d", dst.Memories().Len())
	}
}

func TestLoadCorruptShardAborts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, dir := newStore(t)

	if err := os.WriteFile(filepath.Join(dir, "broken.shard.json"), []byte(`{"version":1,"records":[{"id":"`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dst := newWorld()
	_, err := store.Load(ctx, "broken", dst)
	if !errors.Is(err, shard.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if dst.Memories().Len() != 0 || dst.NPCs().Len() != 0 || dst.Graph().Len() != 0 {
		t.Fatal("corrupt shard must not partially merge")
	}
}

func TestLoadRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, dir := newStore(t)

	payload := `{"version":1,"name":"bad","created_at":"2025-01-01T00:00:00Z",` +
		`"records":[{"id":"r1","type":"gossip","text":"x","confidence":0.9,` +
		`"created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z"}],` +
		`"npcs":[],"nodes":[],"edges":[]}`
	if err := os.WriteFile(filepath.Join(dir, "bad.shard.json"), []byte(payload), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := store.Load(ctx, "bad", newWorld())
	if !errors.Is(err, shard.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for invalid record type, got %v", err)
	}
}

func TestSaveIsImmutable(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	src := newWorld()
	populate(t, src)

	if _, err := store.Save("fixed", "session", src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_, err := store.Save("fixed", "session", src)
	if !errors.Is(err, shard.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestSaveRejectsUnusableNames(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	_, err := store.Save("///", "session", newWorld())
	if !errors.Is(err, shard.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestRename(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	src := newWorld()
	populate(t, src)
	if _, err := store.Save("before", "session", src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Rename("before", "After The Siege"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := store.Load(ctx, "before", newWorld()); !errors.Is(err, shard.ErrNotFound) {
		t.Fatalf("old name should be gone, got %v", err)
	}
	if _, err := store.Load(ctx, "after-the-siege", newWorld()); err != nil {
		t.Fatalf("Load renamed: %v", err)
	}

	if err := store.Rename("missing", "anything"); !errors.Is(err, shard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenameRefusesCollision(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	src := newWorld()
	populate(t, src)
	if _, err := store.Save("one", "session", src); err != nil {
		t.Fatalf("Save one: %v", err)
	}
	if _, err := store.Save("two", "session", src); err != nil {
		t.Fatalf("Save two: %v", err)
	}
	if err := store.Rename("one", "two"); !errors.Is(err, shard.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	src := newWorld()
	populate(t, src)
	if _, err := store.Save("doomed", "session", src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Delete("doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete("doomed"); !errors.Is(err, shard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	src := newWorld()
	populate(t, src)
	if _, err := store.Save("alpha", "session", src); err != nil {
		t.Fatalf("Save alpha: %v", err)
	}
	if _, err := store.Save("beta", "ingest", src); err != nil {
		t.Fatalf("Save beta: %v", err)
	}
	// Unreadable files are skipped, not fatal.
	if err := os.WriteFile(filepath.Join(dir, "junk.shard.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	infos, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(infos))
	}
	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name] = true
		if info.SizeBytes <= 0 {
			t.Fatalf("shard %q reports no size: %+v", info.Name, info)
		}
	}
	if !names["alpha"] || !names["beta"] {
		t.Fatalf("unexpected names: %v", names)
	}
}
