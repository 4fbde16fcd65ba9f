// Package health serves the core's liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// walks the registered probes — the shard directory and, when configured,
// the Postgres archive — and answers 503 as soon as any of them fails, with
// a per-probe breakdown in the body.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness probe; a hung archive connection must
// not hold the endpoint open.
const probeTimeout = 5 * time.Second

// Probe is one named readiness dependency. Check returns nil when the
// dependency can serve and must respect context cancellation.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type report struct {
	Status string                 `json:"status"`
	Probes map[string]probeResult `json:"probes,omitempty"`
}

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Handler serves the probe endpoints. The probe list is fixed at
// construction, so the handler needs no locking.
type Handler struct {
	probes []Probe
}

// New creates a [Handler] whose /readyz evaluates the given probes in order.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: statusOK})
}

// Readyz runs every probe under its own timeout and reports 503 when any
// probe fails. All probes run even after a failure so the body names every
// broken dependency, not just the first.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: statusOK, Probes: make(map[string]probeResult, len(h.probes))}
	status := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()

		if err != nil {
			rep.Probes[p.Name] = probeResult{Status: statusFail, Error: err.Error()}
			rep.Status = statusFail
			status = http.StatusServiceUnavailable
			continue
		}
		rep.Probes[p.Name] = probeResult{Status: statusOK}
	}
	writeJSON(w, status, rep)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
