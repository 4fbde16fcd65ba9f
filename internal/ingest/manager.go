package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarnv/persistdm/internal/observe"
	"github.com/tarnv/persistdm/internal/shard"
	"github.com/tarnv/persistdm/internal/world"
	"github.com/tarnv/persistdm/pkg/provider/llm"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("ingest: job not found")
	// ErrJobConsumed is returned when a job's stream is opened twice.
	ErrJobConsumed = errors.New("ingest: job already streaming")
	// ErrEmptyText is returned for uploads with no words.
	ErrEmptyText = errors.New("ingest: empty text")
)

const (
	defaultWindowTokens     = 200
	defaultStrideTokens     = 100
	defaultCheckpointTokens = 1000
	defaultTokensPerWord    = 1.3

	// checkpointSummaryMaxChars caps the transient checkpoint summary.
	checkpointSummaryMaxChars = 200

	eventBuffer = 64
)

// Config tunes the sweep geometry.
type Config struct {
	WindowTokens     int
	StrideTokens     int
	CheckpointTokens int
}

// DefaultConfig mirrors the tuned sweep defaults: 200-token windows with
// 100-token stride and a checkpoint roughly every 1000 tokens.
func DefaultConfig() Config {
	return Config{
		WindowTokens:     defaultWindowTokens,
		StrideTokens:     defaultStrideTokens,
		CheckpointTokens: defaultCheckpointTokens,
	}
}

type job struct {
	id     string
	source string
	text   string
	words  []string
	plan   Plan

	mu        sync.Mutex
	state     State
	step      int
	committed int
	err       error
	createdAt time.Time
	doneAt    time.Time
	consumed  bool
	cancel    context.CancelFunc
}

// Manager owns ingest jobs: uploads, sweeps, cancellation and listing.
type Manager struct {
	world     *world.World
	extractor *llm.Extractor
	shards    *shard.Store
	cfg       Config
	logger    *slog.Logger
	metrics   *observe.Metrics

	mu   sync.Mutex
	jobs map[string]*job
}

// NewManager wires an ingest manager. shards may be nil, in which case
// finished jobs do not persist a snapshot. A nil logger falls back to
// slog.Default; a nil metrics to the package default.
func NewManager(w *world.World, extractor *llm.Extractor, shards *shard.Store, cfg Config, logger *slog.Logger, metrics *observe.Metrics) *Manager {
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = defaultWindowTokens
	}
	if cfg.StrideTokens <= 0 {
		cfg.StrideTokens = defaultStrideTokens
	}
	if cfg.CheckpointTokens <= 0 {
		cfg.CheckpointTokens = defaultCheckpointTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		world:     w,
		extractor: extractor,
		shards:    shards,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		jobs:      make(map[string]*job),
	}
}

// Upload registers a transcript and returns the job id with its sweep plan.
// Nothing runs until [Manager.Stream] is called.
func (m *Manager) Upload(text, source string) (string, Plan, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "", Plan{}, ErrEmptyText
	}

	j := &job{
		id:        uuid.NewString(),
		source:    source,
		text:      text,
		words:     words,
		plan:      m.plan(text, words),
		state:     StateQueued,
		createdAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	m.logger.Info("ingest upload",
		slog.String("job", j.id),
		slog.Int("words", j.plan.Words),
		slog.Int("steps", j.plan.TotalSteps),
	)
	return j.id, j.plan, nil
}

// plan derives the sweep geometry from the text. The token estimate is a
// character heuristic clamped to [0.5, 2.0] tokens per word.
func (m *Manager) plan(text string, words []string) Plan {
	tokensPerWord := defaultTokensPerWord
	if len(words) > 0 {
		tokensPerWord = math.Max(0.5, math.Min(2.0, float64(len(text))/4/float64(len(words))))
	}
	windowWords := max(1, int(float64(m.cfg.WindowTokens)/tokensPerWord))
	strideWords := max(1, int(float64(m.cfg.StrideTokens)/tokensPerWord))

	overhang := max(0, len(words)-windowWords)
	totalSteps := max(1, (overhang+strideWords-1)/strideWords+1)

	return Plan{
		Words:           len(words),
		Lines:           countLines(text),
		ApproxTokens:    int(math.Round(float64(len(words)) * tokensPerWord)),
		TokensPerWord:   tokensPerWord,
		WindowTokens:    m.cfg.WindowTokens,
		StrideTokens:    m.cfg.StrideTokens,
		WindowWords:     windowWords,
		StrideWords:     strideWords,
		TotalSteps:      totalSteps,
		CheckpointEvery: max(1, (m.cfg.CheckpointTokens+m.cfg.StrideTokens-1)/m.cfg.StrideTokens),
	}
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

// Stream starts the sweep and returns its event channel. The channel is
// closed after a terminal event. A job streams at most once.
func (m *Manager) Stream(ctx context.Context, id string) (<-chan Event, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	j.mu.Lock()
	if j.consumed {
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobConsumed, id)
	}
	j.consumed = true
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.state = StateRunning
	j.mu.Unlock()

	events := make(chan Event, eventBuffer)
	go m.run(runCtx, j, events)
	return events, nil
}

// Cancel requests cooperative cancellation of a running job. The sweep stops
// at the next step boundary.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil && !j.state.Terminal() {
		j.cancel()
	}
	return nil
}

// Jobs lists all known jobs, newest first.
func (m *Manager) Jobs() []JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobStatus, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.status())
	}
	// Newest first; id breaks ties deterministically.
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt.After(out[i].CreatedAt) ||
				(out[k].CreatedAt.Equal(out[i].CreatedAt) && out[k].ID < out[i].ID) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out
}

// Job returns the status snapshot of one job.
func (m *Manager) Job(id string) (JobStatus, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.status(), nil
}

func (j *job) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{
		ID:          j.id,
		Source:      j.source,
		State:       j.state,
		Plan:        j.plan,
		Step:        j.step,
		Committed:   j.committed,
		CreatedAt:   j.createdAt,
		CompletedAt: j.doneAt,
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

// run executes the sweep. Cancellation is observed at step boundaries;
// writes already committed by earlier steps stay committed. A model call
// in flight when the context is cancelled returns its error and that
// window is skipped like any other extraction failure.
func (m *Manager) run(ctx context.Context, j *job, events chan<- Event) {
	defer close(events)
	m.metrics.ActiveIngestJobs.Add(ctx, 1)
	defer m.metrics.ActiveIngestJobs.Add(context.WithoutCancel(ctx), -1)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// Terminal events bypass the cancellation check so a consumer that is
	// still listening learns how the job ended. A consumer that already
	// walked away must not wedge the goroutine, so the send never blocks;
	// the job's final state is always available via Status regardless.
	finish := func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	}

	emit(Event{Type: EventInfo, Payload: j.plan})

	plan := j.plan
	for step := 0; step < plan.TotalSteps; step++ {
		if ctx.Err() != nil {
			m.complete(j, StateCancelled, nil)
			finish(Event{Type: EventCancelled, Payload: ProgressPayload{
				Step: step, TotalSteps: plan.TotalSteps,
			}})
			return
		}

		stepStart := time.Now()
		startIdx := step * plan.StrideWords
		endIdx := min(plan.Words, startIdx+plan.WindowWords)
		chunk := strings.Join(j.words[startIdx:endIdx], " ")

		m.sweepChunk(ctx, j, step, chunk, emit)

		if (step+1)%plan.CheckpointEvery == 0 {
			m.checkpoint(ctx, j, step, chunk, emit)
		}

		consumed := min(plan.Words, (step+1)*plan.StrideWords)
		ratio := float64(consumed) / float64(plan.Words)
		emit(Event{Type: EventProgress, Payload: ProgressPayload{
			Step:          step,
			TotalSteps:    plan.TotalSteps,
			ConsumedWords: consumed,
			ConsumedLines: int(float64(plan.Lines) * ratio),
			Progress:      math.Min(1, ratio),
		}})
		m.metrics.IngestStepDuration.Record(ctx, time.Since(stepStart).Seconds())

		j.mu.Lock()
		j.step = step + 1
		j.mu.Unlock()
	}

	shardName, err := m.persist(j)
	if err != nil {
		m.complete(j, StateFailed, err)
		finish(Event{Type: EventFailed, Payload: FailedPayload{Error: err.Error()}})
		return
	}

	m.complete(j, StateDone, nil)
	finish(Event{Type: EventDone, Payload: DonePayload{
		Words: plan.Words,
		Lines: plan.Lines,
		Steps: plan.TotalSteps,
		Shard: shardName,
	}})
}

// sweepChunk extracts state from one window and applies it. Extraction
// failures skip the window rather than failing the job; the rest of the
// transcript is still worth sweeping.
func (m *Manager) sweepChunk(ctx context.Context, j *job, step int, chunk string, emit func(Event) bool) {
	extractStart := time.Now()
	extraction, err := m.extractor.Extract(ctx, chunk)
	m.metrics.ExtractionDuration.Record(ctx, time.Since(extractStart).Seconds())
	if err != nil {
		m.metrics.RecordProviderError(ctx, "llm", "extraction")
		m.logger.Warn("extraction failed, skipping window",
			slog.String("job", j.id),
			slog.Int("step", step),
			slog.Any("error", err),
		)
		return
	}

	mems, npcs, locs := convertExtraction(extraction, chunk, "ingest:"+j.id)
	result := m.world.Apply(ctx, mems, npcs, locs)

	for i, res := range result.Memories {
		m.metrics.RecordStateWrite(ctx, "memory", res.Status.String())
		if !res.Accepted() {
			continue
		}
		j.mu.Lock()
		j.committed++
		j.mu.Unlock()
		emit(Event{Type: EventSaved, Payload: SavedPayload{
			Summary:    mems[i].Text,
			Type:       string(mems[i].Type),
			Entities:   mems[i].Entities,
			Confidence: mems[i].Confidence,
		}})
	}
	for _, res := range result.NPCs {
		m.metrics.RecordStateWrite(ctx, "npc", res.Status.String())
	}
	for _, res := range result.Locations {
		m.metrics.RecordStateWrite(ctx, "location", res.Status.String())
	}
}

// checkpoint emits a transient summary of the current window and runs a
// graph hygiene pass. Checkpoint summaries are never persisted.
func (m *Manager) checkpoint(ctx context.Context, j *job, step int, chunk string, emit func(Event) bool) {
	summary, err := m.extractor.SummarizeSnippet(ctx, chunk)
	if err != nil {
		m.logger.Warn("checkpoint summary failed",
			slog.String("job", j.id),
			slog.Int("step", step),
			slog.Any("error", err),
		)
	} else if summary = clip(summary, checkpointSummaryMaxChars); summary != "" {
		emit(Event{Type: EventCheckpoint, Payload: CheckpointPayload{Step: step, Summary: summary}})
	}

	report, err := m.world.Hygiene(ctx)
	if err != nil {
		m.logger.Warn("hygiene pass failed",
			slog.String("job", j.id),
			slog.Int("step", step),
			slog.Any("error", err),
		)
		return
	}
	m.metrics.RecordHygiene(ctx, "merge", report.MergedNodes)
	m.metrics.RecordHygiene(ctx, "prune_node", report.PrunedNodes)
	m.metrics.RecordHygiene(ctx, "prune_edge", report.PrunedEdges)
	m.metrics.RecordHygiene(ctx, "dedupe_edge", report.DedupedEdges)
	emit(Event{Type: EventHygiene, Payload: HygienePayload{
		Merged:      report.MergedNodes,
		PrunedNodes: report.PrunedNodes,
		PrunedEdges: report.PrunedEdges,
	}})
}

// persist saves the world as an immutable shard named after the job.
func (m *Manager) persist(j *job) (string, error) {
	if m.shards == nil {
		return "", nil
	}
	name := "ingest-" + j.id[:8]
	if src := shard.Slug(j.source); src != "" {
		name = src + "-" + j.id[:8]
	}
	info, err := m.shards.Save(name, "ingest", m.world)
	if err != nil {
		return "", fmt.Errorf("persist shard: %w", err)
	}
	return info.Name, nil
}

func (m *Manager) complete(j *job, state State, err error) {
	j.mu.Lock()
	j.state = state
	j.err = err
	j.doneAt = time.Now().UTC()
	j.mu.Unlock()
	m.logger.Info("ingest finished",
		slog.String("job", j.id),
		slog.String("state", string(state)),
	)
}

// convertExtraction maps provider deltas onto world write requests. The
// window text travels with each memory so its second embedding has a source.
func convertExtraction(ex *llm.Extraction, windowText, source string) ([]world.InsertRequest, []world.NPCUpdate, []world.LocationProposal) {
	var mems []world.InsertRequest
	var npcs []world.NPCUpdate
	var locs []world.LocationProposal

	for _, cand := range ex.Memories {
		mems = append(mems, world.InsertRequest{
			Text:        cand.Summary,
			Type:        world.MemoryType(cand.Type),
			Explanation: cand.Explanation,
			Entities:    cand.Entities,
			Confidence:  cand.Confidence,
			WindowText:  windowText,
			Source:      source,
		})
		if cand.NPC != nil {
			npcs = append(npcs, npcUpdateFromDelta(*cand.NPC, cand.Confidence))
		}
	}
	for _, delta := range ex.NPCs {
		npcs = append(npcs, npcUpdateFromDelta(delta, delta.Confidence))
	}
	for _, delta := range ex.Locations {
		exits := make([]world.ExitProposal, 0, len(delta.Exits))
		for _, exit := range delta.Exits {
			exits = append(exits, world.ExitProposal{To: exit.To, Label: exit.Label, Verb: exit.Verb})
		}
		locs = append(locs, world.LocationProposal{
			Name:        delta.Name,
			Description: delta.Description,
			Exits:       exits,
			Confidence:  delta.Confidence,
		})
	}
	return mems, npcs, locs
}

func npcUpdateFromDelta(delta llm.NPCDelta, confidence float64) world.NPCUpdate {
	if delta.Confidence > 0 {
		confidence = delta.Confidence
	}
	return world.NPCUpdate{
		Name:             delta.Name,
		Aliases:          delta.Aliases,
		LastSeenLocation: delta.LastSeenLocation,
		Intent:           delta.Intent,
		Relationship:     world.Relationship(delta.Relationship),
		Attributes:       delta.Attributes,
		Confidence:       confidence,
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
