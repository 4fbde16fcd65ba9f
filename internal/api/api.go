// Package api exposes the memory core over a small JSON HTTP surface:
// retrieval queries, context assembly, ingest job control and shard
// management. Handlers translate between wire shapes and the internal
// packages; all domain rules live below this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tarnv/persistdm/internal/contextbuild"
	"github.com/tarnv/persistdm/internal/ingest"
	"github.com/tarnv/persistdm/internal/search"
	"github.com/tarnv/persistdm/internal/shard"
	"github.com/tarnv/persistdm/internal/world"
	"github.com/tarnv/persistdm/pkg/provider/embeddings"
	"github.com/tarnv/persistdm/pkg/provider/llm"
)

// maxBodyBytes caps request bodies. Ingest uploads carry whole session
// transcripts, so the limit is generous.
const maxBodyBytes = 8 << 20

// Handler routes the core's operations. Construct with [New]; all fields are
// required except the logger.
type Handler struct {
	world      *world.World
	search     *search.Engine
	builder    *contextbuild.Builder
	ingest     *ingest.Manager
	shards     *shard.Store
	extractor  *llm.Extractor
	charBudget int
	logger     *slog.Logger
}

// Config carries the collaborators a [Handler] serves.
type Config struct {
	World   *world.World
	Search  *search.Engine
	Builder *contextbuild.Builder
	Ingest  *ingest.Manager
	Shards  *shard.Store
	// Extractor enables movement tracking on the context route. Without it
	// the party's location only changes through ingest.
	Extractor  *llm.Extractor
	CharBudget int
	Logger     *slog.Logger
}

// New creates a [Handler] over the given components.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		world:      cfg.World,
		search:     cfg.Search,
		builder:    cfg.Builder,
		ingest:     cfg.Ingest,
		shards:     cfg.Shards,
		extractor:  cfg.Extractor,
		charBudget: cfg.CharBudget,
		logger:     logger,
	}
}

// Register adds all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/search", h.handleSearch)
	mux.HandleFunc("POST /v1/context", h.handleContext)

	mux.HandleFunc("POST /v1/ingest", h.handleIngestUpload)
	mux.HandleFunc("GET /v1/ingest", h.handleIngestList)
	mux.HandleFunc("GET /v1/ingest/{id}", h.handleIngestStatus)
	mux.HandleFunc("GET /v1/ingest/{id}/events", h.handleIngestEvents)
	mux.HandleFunc("POST /v1/ingest/{id}/cancel", h.handleIngestCancel)

	mux.HandleFunc("GET /v1/shards", h.handleShardList)
	mux.HandleFunc("POST /v1/shards", h.handleShardSave)
	mux.HandleFunc("POST /v1/shards/{name}/load", h.handleShardLoad)
	mux.HandleFunc("PATCH /v1/shards/{name}", h.handleShardRename)
	mux.HandleFunc("DELETE /v1/shards/{name}", h.handleShardDelete)

	mux.HandleFunc("GET /v1/world", h.handleWorldSummary)
	mux.HandleFunc("POST /v1/world/reset", h.handleWorldReset)
}

// ── Search & context ──────────────────────────────────────────────────────────

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.search.Search(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type contextRequest struct {
	// Text is the player's current turn; it drives the relevance ranking.
	Text string `json:"text"`
}

type contextResponse struct {
	Bundle *contextbuild.Bundle `json:"bundle"`
	// Prompt is the bundle rendered into the character-budgeted prompt block.
	Prompt string `json:"prompt"`
}

func (h *Handler) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text must not be empty", Field: "text"})
		return
	}
	if h.extractor != nil {
		h.applyMovement(r.Context(), req.Text)
	}
	bundle, err := h.builder.Build(r.Context(), req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contextResponse{
		Bundle: bundle,
		Prompt: contextbuild.FormatPrompt(bundle, h.charBudget),
	})
}

// applyMovement asks the model whether the turn moved the party and updates
// the graph before the bundle is assembled, so the scene already reflects
// the move the turn describes. Movement is best-effort: a failed proposal is
// logged and the turn proceeds from the previous scene.
func (h *Handler) applyMovement(ctx context.Context, turnText string) {
	current := ""
	if node, ok := h.world.Graph().PlayerLocation(); ok {
		current = node.Name
	}
	prop, err := h.extractor.ProposeMovement(ctx, turnText, current)
	if err != nil {
		h.logger.WarnContext(ctx, "movement proposal failed", slog.Any("error", err))
		return
	}
	if prop == nil || !prop.Moved {
		return
	}

	if _, ok := h.world.Graph().NodeByName(prop.To); ok {
		if err := h.world.Graph().MovePlayer(prop.To); err != nil {
			h.logger.WarnContext(ctx, "movement to known location failed",
				slog.String("to", prop.To), slog.Any("error", err))
		}
		return
	}
	if prop.NewLocation == nil {
		return
	}

	delta := *prop.NewLocation
	exits := make([]world.ExitProposal, 0, len(delta.Exits))
	for _, exit := range delta.Exits {
		exits = append(exits, world.ExitProposal{To: exit.To, Label: exit.Label, Verb: exit.Verb})
	}
	confidence := delta.Confidence
	if prop.Confidence > confidence {
		confidence = prop.Confidence
	}
	res := h.world.Graph().Grow(world.LocationProposal{
		Name:        delta.Name,
		Description: delta.Description,
		Exits:       exits,
		Confidence:  confidence,
	})
	if !res.Accepted() {
		h.logger.DebugContext(ctx, "movement destination not grown",
			slog.String("name", delta.Name), slog.String("reason", string(res.Reason)))
		return
	}
	if err := h.world.Graph().MovePlayer(res.ID); err != nil {
		h.logger.WarnContext(ctx, "movement to new location failed",
			slog.String("to", delta.Name), slog.Any("error", err))
	}
}

// ── Ingest ────────────────────────────────────────────────────────────────────

type ingestUploadRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

type ingestUploadResponse struct {
	ID   string      `json:"id"`
	Plan ingest.Plan `json:"plan"`
}

func (h *Handler) handleIngestUpload(w http.ResponseWriter, r *http.Request) {
	var req ingestUploadRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, plan, err := h.ingest.Upload(req.Text, req.Source)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestUploadResponse{ID: id, Plan: plan})
}

func (h *Handler) handleIngestList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ingest.Jobs())
}

func (h *Handler) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.ingest.Job(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleIngestEvents streams a job's event sequence as newline-delimited
// JSON. The stream runs the job: opening it a second time fails with 409.
func (h *Handler) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.ingest.Stream(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			h.logger.Warn("event stream write failed", "err", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) handleIngestCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.ingest.Cancel(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Shards ────────────────────────────────────────────────────────────────────

func (h *Handler) handleShardList(w http.ResponseWriter, _ *http.Request) {
	infos, err := h.shards.List()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type shardSaveRequest struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

func (h *Handler) handleShardSave(w http.ResponseWriter, r *http.Request) {
	var req shardSaveRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.shards.Save(req.Name, req.Source, h.world)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) handleShardLoad(w http.ResponseWriter, r *http.Request) {
	report, err := h.shards.Load(r.Context(), r.PathValue("name"), h.world)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type shardRenameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleShardRename(w http.ResponseWriter, r *http.Request) {
	var req shardRenameRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.shards.Rename(r.PathValue("name"), req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleShardDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.shards.Delete(r.PathValue("name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── World ─────────────────────────────────────────────────────────────────────

func (h *Handler) handleWorldSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.world.Summarize())
}

func (h *Handler) handleWorldReset(w http.ResponseWriter, _ *http.Request) {
	h.world.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// ── Wire helpers ──────────────────────────────────────────────────────────────

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// decode reads the JSON body into v, answering 400 on malformed input.
// Reports whether decoding succeeded.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("malformed request body: %v", err)})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes: validation ⇒ 400, unknown
// names ⇒ 404, double-stream ⇒ 409, corrupt shard ⇒ 422, provider outage ⇒
// 503. Anything else is a 500 and logged.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *search.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Msg, Field: verr.Field})
	case errors.Is(err, ingest.ErrEmptyText):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: "text"})
	case errors.Is(err, ingest.ErrJobNotFound), errors.Is(err, shard.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, shard.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: "name"})
	case errors.Is(err, ingest.ErrJobConsumed), errors.Is(err, shard.ErrExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, shard.ErrCorrupt):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, embeddings.ErrUnavailable), errors.Is(err, llm.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		h.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
