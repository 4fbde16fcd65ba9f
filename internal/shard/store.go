// Package shard persists named, immutable snapshots of campaign state to
// disk and restores them into a live world.
//
// A shard file carries records, characters and the location graph as JSON,
// but never embedding vectors: those are derived state and are recomputed
// from text on load, so a shard written by one embedding model remains
// usable under another.
package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tarnv/persistdm/internal/world"
)

var (
	// ErrNotFound is returned when no shard with the given name exists.
	ErrNotFound = errors.New("shard: not found")
	// ErrExists is returned when saving or renaming onto an existing name;
	// shards are immutable once written.
	ErrExists = errors.New("shard: already exists")
	// ErrCorrupt is returned when a shard file cannot be fully parsed or
	// fails validation. Nothing from a corrupt shard is merged.
	ErrCorrupt = errors.New("shard: corrupt")
	// ErrInvalidName is returned for names that do not survive slugging.
	ErrInvalidName = errors.New("shard: invalid name")
)

const (
	fileExt = ".shard.json"
	// formatVersion is bumped when the on-disk layout changes incompatibly.
	formatVersion = 1

	embedBatchSize   = 64
	embedConcurrency = 4
)

// Shard is the on-disk snapshot format.
type Shard struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Records []world.MemoryRecord `json:"records"`
	NPCs    []world.NpcEntry     `json:"npcs"`
	Nodes   []world.LocationNode `json:"nodes"`
	Edges   []world.LocationEdge `json:"edges"`
}

// Info describes one stored shard without loading its full contents.
type Info struct {
	Name      string    `json:"name"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Records   int       `json:"records"`
	NPCs      int       `json:"npcs"`
	Locations int       `json:"locations"`
	SizeBytes int64     `json:"size_bytes"`
}

// LoadReport summarises what a load merged into the world.
type LoadReport struct {
	Records          int `json:"records"`
	SkippedDuplicate int `json:"skipped_duplicates"`
	NPCs             int `json:"npcs"`
	Nodes            int `json:"nodes"`
	Edges            int `json:"edges"`
}

// Store reads and writes shard files under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the shard directory if needed. A nil logger falls back to
// slog.Default.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalises a shard name to its on-disk form.
func Slug(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(slug, "-")
}

func (s *Store) path(slug string) string {
	return filepath.Join(s.dir, slug+fileExt)
}

// Save snapshots w into a new shard file. The name must slug to something
// non-empty and must not collide with an existing shard. Vectors are never
// written: MemoryRecord declares them json-ignored, and Save relies on that.
func (s *Store) Save(name, source string, w *world.World) (*Info, error) {
	slug := Slug(name)
	if slug == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, err := os.Stat(s.path(slug)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, slug)
	}

	// One consistent snapshot: every edge written to disk has its endpoints
	// among the written nodes, even while extraction keeps committing.
	snap := w.Snapshot()
	sh := Shard{
		Version:   formatVersion,
		Name:      slug,
		Source:    source,
		CreatedAt: time.Now().UTC(),
		Records:   snap.Records,
		NPCs:      snap.NPCs,
		Nodes:     snap.Nodes,
		Edges:     snap.Edges,
	}

	data, err := json.MarshalIndent(sh, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal shard: %w", err)
	}
	// Write via a temp file so a crash never leaves a half-written shard
	// behind under the final name.
	tmp, err := os.CreateTemp(s.dir, slug+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp shard: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write shard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close shard: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(slug)); err != nil {
		return nil, fmt.Errorf("finalise shard: %w", err)
	}

	s.logger.Info("shard saved",
		slog.String("shard", slug),
		slog.Int("records", len(sh.Records)),
		slog.Int("npcs", len(sh.NPCs)),
		slog.Int("locations", len(sh.Nodes)),
	)
	return infoOf(&sh, int64(len(data))), nil
}

// Load parses the named shard in full, recomputes every embedding, and only
// then merges it into w. A parse or validation failure aborts before any
// mutation; a record whose id is already present in the world is skipped.
func (s *Store) Load(ctx context.Context, name string, w *world.World) (*LoadReport, error) {
	slug := Slug(name)
	sh, err := s.read(slug)
	if err != nil {
		return nil, err
	}

	// Re-embed everything before touching the world: the merge below must
	// not be able to fail halfway.
	if err := s.reembed(ctx, w, sh.Records); err != nil {
		return nil, fmt.Errorf("recompute embeddings: %w", err)
	}

	// Merge in one critical section so a concurrent reader never observes
	// a shard's records without its graph, or vice versa.
	restored := w.RestoreSnapshot(world.Snapshot{
		Records: sh.Records,
		NPCs:    sh.NPCs,
		Nodes:   sh.Nodes,
		Edges:   sh.Edges,
	})
	report := &LoadReport{
		Records:          restored.Records,
		SkippedDuplicate: restored.SkippedDuplicates,
		NPCs:             restored.NPCs,
		Nodes:            restored.Nodes,
		Edges:            restored.Edges,
	}

	s.logger.Info("shard loaded",
		slog.String("shard", slug),
		slog.Int("records", report.Records),
		slog.Int("skipped_duplicates", report.SkippedDuplicate),
	)
	return report, nil
}

// reembed fills in the vectors of recs from their text, batched and fanned
// out with a bounded errgroup.
func (s *Store) reembed(ctx context.Context, w *world.World, recs []world.MemoryRecord) error {
	embedder := w.Embedder()
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(embedConcurrency)

	for start := 0; start < len(recs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[start:end]
		eg.Go(func() error {
			texts := make([]string, 0, len(batch)*2)
			// Per record: explanation text, then window text when present.
			windowed := make([]bool, len(batch))
			for i := range batch {
				texts = append(texts, batch[i].EmbeddingText())
				if strings.TrimSpace(batch[i].WindowText) != "" {
					windowed[i] = true
					texts = append(texts, batch[i].WindowText)
				}
			}
			vecs, err := embedder.EmbedBatch(egCtx, texts)
			if err != nil {
				return err
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed batch: got %d vectors, want %d", len(vecs), len(texts))
			}
			mu.Lock()
			defer mu.Unlock()
			v := 0
			for i := range batch {
				batch[i].ExplanationEmbedding = vecs[v]
				v++
				if windowed[i] {
					batch[i].WindowEmbedding = vecs[v]
					v++
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// read parses and validates one shard file.
func (s *Store) read(slug string) (*Shard, error) {
	if slug == "" {
		return nil, ErrInvalidName
	}
	data, err := os.ReadFile(s.path(slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
		}
		return nil, fmt.Errorf("read shard: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var sh Shard
	if err := dec.Decode(&sh); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, slug, err)
	}
	if err := validate(&sh); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, slug, err)
	}
	return &sh, nil
}

func validate(sh *Shard) error {
	if sh.Version != formatVersion {
		return fmt.Errorf("unsupported version %d", sh.Version)
	}
	for i, rec := range sh.Records {
		if rec.ID == "" {
			return fmt.Errorf("record %d has no id", i)
		}
		if strings.TrimSpace(rec.Text) == "" {
			return fmt.Errorf("record %q has no text", rec.ID)
		}
		if !rec.Type.IsValid() {
			return fmt.Errorf("record %q has unknown type %q", rec.ID, rec.Type)
		}
	}
	for i, node := range sh.Nodes {
		if node.ID == "" || strings.TrimSpace(node.Name) == "" {
			return fmt.Errorf("node %d is missing id or name", i)
		}
	}
	return nil
}

// List returns the stored shards sorted by creation time, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read shard dir: %w", err)
	}
	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), fileExt)
		sh, err := s.read(slug)
		if err != nil {
			// A single unreadable shard must not hide the rest.
			s.logger.Warn("skipping unreadable shard", slog.String("shard", slug), slog.Any("error", err))
			continue
		}
		var size int64
		if fi, err := entry.Info(); err == nil {
			size = fi.Size()
		}
		infos = append(infos, *infoOf(sh, size))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

// Rename gives a shard a new name. The contents stay untouched.
func (s *Store) Rename(oldName, newName string) error {
	oldSlug, newSlug := Slug(oldName), Slug(newName)
	if newSlug == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, newName)
	}
	if oldSlug == newSlug {
		return nil
	}
	if _, err := os.Stat(s.path(oldSlug)); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, oldSlug)
	}
	if _, err := os.Stat(s.path(newSlug)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, newSlug)
	}

	sh, err := s.read(oldSlug)
	if err != nil {
		return err
	}
	sh.Name = newSlug
	data, err := json.MarshalIndent(sh, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shard: %w", err)
	}
	if err := os.WriteFile(s.path(newSlug), data, 0o644); err != nil {
		return fmt.Errorf("write renamed shard: %w", err)
	}
	if err := os.Remove(s.path(oldSlug)); err != nil {
		return fmt.Errorf("remove old shard: %w", err)
	}
	return nil
}

// Delete removes a shard permanently.
func (s *Store) Delete(name string) error {
	slug := Slug(name)
	if err := os.Remove(s.path(slug)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, slug)
		}
		return fmt.Errorf("delete shard: %w", err)
	}
	return nil
}

func infoOf(sh *Shard, sizeBytes int64) *Info {
	return &Info{
		Name:      sh.Name,
		Source:    sh.Source,
		CreatedAt: sh.CreatedAt,
		Records:   len(sh.Records),
		NPCs:      len(sh.NPCs),
		Locations: len(sh.Nodes),
		SizeBytes: sizeBytes,
	}
}
